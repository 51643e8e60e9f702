package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/lyndonlyu/workhorse/internal/health"
	"github.com/lyndonlyu/workhorse/internal/metrics"
	"github.com/lyndonlyu/workhorse/internal/remote"
	"github.com/lyndonlyu/workhorse/internal/scheduler"
	"github.com/lyndonlyu/workhorse/internal/taskstore"
)

type fakeBackend struct {
	level     health.Level
	tasks     map[string]taskstore.Record
	cancelled []string
	submitted []SubmitRequest
	submitErr error
	lookupErr error
}

func (f *fakeBackend) Health(context.Context) *health.Report {
	return &health.Report{Level: f.level, Components: []health.ComponentStatus{
		{Name: "task_store", Category: health.Critical, Healthy: f.level == health.GREEN},
	}}
}

func (f *fakeBackend) Metrics() []metrics.Metric {
	return []metrics.Metric{{Name: "pool_in_use", Value: 2, Timestamp: "2026-01-01T00:00:00Z"}}
}

func (f *fakeBackend) Task(_ context.Context, id string) (taskstore.Record, error) {
	if f.lookupErr != nil {
		return taskstore.Record{}, f.lookupErr
	}
	rec, ok := f.tasks[id]
	if !ok {
		return taskstore.Record{}, fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, id)
	}
	return rec, nil
}

func (f *fakeBackend) Cancel(id string) bool {
	if _, ok := f.tasks[id]; !ok {
		return false
	}
	f.cancelled = append(f.cancelled, id)
	return true
}

func (f *fakeBackend) SubmitCall(class, operation string, arg any, _ ...remote.CallOption) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, SubmitRequest{Class: class, Operation: operation, Arg: arg})
	return "task-1", nil
}

func newTestRouter(b *fakeBackend) http.Handler {
	return NewRouter(b, nil)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestLiveness(t *testing.T) {
	rec := do(t, newTestRouter(&fakeBackend{}), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestReadiness(t *testing.T) {
	tests := []struct {
		level health.Level
		code  int
	}{
		{health.GREEN, http.StatusOK},
		{health.YELLOW, http.StatusOK},
		{health.RED, http.StatusServiceUnavailable},
		{health.CRITICAL, http.StatusServiceUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.level.String(), func(t *testing.T) {
			rec := do(t, newTestRouter(&fakeBackend{level: tc.level}), http.MethodGet, "/readyz", "")
			assert.Equal(t, tc.code, rec.Code)
			assert.Contains(t, rec.Body.String(), `"level":"`+tc.level.String()+`"`)
		})
	}
}

func TestMetrics(t *testing.T) {
	rec := do(t, newTestRouter(&fakeBackend{}), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got []metrics.Metric
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "pool_in_use", got[0].Name)
}

func TestGetTask(t *testing.T) {
	b := &fakeBackend{tasks: map[string]taskstore.Record{
		"abc": {ID: "abc", Class: "high", Status: "completed"},
	}}
	h := newTestRouter(b)

	rec := do(t, h, http.MethodGet, "/tasks/abc", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var got taskstore.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "completed", got.Status)

	rec = do(t, h, http.MethodGet, "/tasks/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetTaskLookupError(t *testing.T) {
	b := &fakeBackend{lookupErr: errors.New("disk I/O error")}
	rec := do(t, newTestRouter(b), http.MethodGet, "/tasks/abc", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCancelTask(t *testing.T) {
	b := &fakeBackend{tasks: map[string]taskstore.Record{"abc": {ID: "abc"}}}
	h := newTestRouter(b)

	rec := do(t, h, http.MethodPost, "/tasks/abc/cancel", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"abc"}, b.cancelled)

	rec = do(t, h, http.MethodPost, "/tasks/zzz/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSubmitTask(t *testing.T) {
	b := &fakeBackend{}
	h := newTestRouter(b)

	rec := do(t, h, http.MethodPost, "/tasks", `{"class":"high","operation":"echo","arg":"hi"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "/tasks/task-1", rec.Header().Get("Location"))
	require.Len(t, b.submitted, 1)
	assert.Equal(t, "echo", b.submitted[0].Operation)

	rec = do(t, h, http.MethodPost, "/tasks", `{"class":"high"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/tasks", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitTaskErrors(t *testing.T) {
	b := &fakeBackend{submitErr: fmt.Errorf("%w: urgent", scheduler.ErrUnknownClass)}
	rec := do(t, newTestRouter(b), http.MethodPost, "/tasks", `{"class":"urgent","operation":"echo"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	b.submitErr = scheduler.ErrSchedulerShuttingDown
	rec = do(t, newTestRouter(b), http.MethodPost, "/tasks", `{"class":"high","operation":"echo"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSubmitTaskValidation(t *testing.T) {
	b := &fakeBackend{}
	h := newTestRouter(b)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing operation", `{"class":"high"}`, "operation is required"},
		{"missing class", `{"operation":"echo"}`, "class is required"},
		{"empty body", `{}`, "class is required; operation is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/tasks", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.want, body["error"])
		})
	}
	assert.Empty(t, b.submitted)
}

func TestHandlerLogsCarryRequestID(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	b := &fakeBackend{lookupErr: errors.New("disk I/O error")}
	h := NewRouter(b, zap.New(core))

	req := httptest.NewRequest(http.MethodGet, "/tasks/abc", nil)
	req.Header.Set("X-Request-Id", "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	lookup := logs.FilterMessage("lookup task").All()
	require.Len(t, lookup, 1)
	assert.Equal(t, "req-42", lookup[0].ContextMap()["request_id"])

	access := logs.FilterMessage("http request").All()
	require.Len(t, access, 1)
	assert.Equal(t, "req-42", access[0].ContextMap()["request_id"])
}

func TestServerGracefulShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := New(ln.Addr().String(), &fakeBackend{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
