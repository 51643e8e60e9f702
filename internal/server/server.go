// Package server exposes the engine over HTTP: liveness and readiness
// checks, metrics and task inspection.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/lyndonlyu/workhorse/internal/health"
	"github.com/lyndonlyu/workhorse/internal/logging"
	"github.com/lyndonlyu/workhorse/internal/metrics"
	"github.com/lyndonlyu/workhorse/internal/remote"
	"github.com/lyndonlyu/workhorse/internal/scheduler"
	"github.com/lyndonlyu/workhorse/internal/taskstore"
)

const shutdownTimeout = 10 * time.Second

// Backend is what the routes need from the engine.
type Backend interface {
	Health(ctx context.Context) *health.Report
	Metrics() []metrics.Metric
	Task(ctx context.Context, id string) (taskstore.Record, error)
	Cancel(id string) bool
	SubmitCall(class, operation string, arg any, opts ...remote.CallOption) (string, error)
}

// SubmitRequest is the body of POST /tasks.
type SubmitRequest struct {
	Class     string `json:"class" validate:"required"`
	Operation string `json:"operation" validate:"required"`
	Arg       any    `json:"arg"`
	Cacheable bool   `json:"cacheable"`
}

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationMessage turns validator errors into "class is required; ...".
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Tag() == "required" {
			msgs = append(msgs, fe.Field()+" is required")
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}

type handler struct {
	backend Backend
}

// NewRouter builds the route table.
func NewRouter(b Backend, logger *zap.Logger) http.Handler {
	logger = logging.OrNop(logger)
	h := &handler{backend: b}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.liveness)
	r.Get("/readyz", h.readiness)
	r.Get("/metrics", h.metrics)
	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", h.submit)
		r.Get("/{id}", h.task)
		r.Post("/{id}/cancel", h.cancel)
	})
	return r
}

func (h *handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		logging.FromContext(r.Context()).Error("write liveness response", zap.Error(err))
	}
}

func (h *handler) readiness(w http.ResponseWriter, r *http.Request) {
	report := h.backend.Health(r.Context())
	status := http.StatusOK
	if !report.Level.Ready() {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, r, status, report)
}

func (h *handler) metrics(w http.ResponseWriter, r *http.Request) {
	data, err := metrics.FormatJSON(h.backend.Metrics())
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		logging.FromContext(r.Context()).Error("write metrics response", zap.Error(err))
	}
}

func (h *handler) task(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := h.backend.Task(r.Context(), id)
	if err != nil {
		if errors.Is(err, scheduler.ErrTaskNotFound) {
			h.writeError(w, r, http.StatusNotFound, "task not found")
			return
		}
		logging.FromContext(r.Context()).Error("lookup task", zap.String("task", id), zap.Error(err))
		h.writeError(w, r, http.StatusInternalServerError, "lookup failed")
		return
	}
	h.writeJSON(w, r, http.StatusOK, rec)
}

func (h *handler) cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.backend.Cancel(id) {
		h.writeError(w, r, http.StatusConflict, "task is unknown or already finished")
		return
	}
	h.writeJSON(w, r, http.StatusAccepted, map[string]string{"id": id, "status": "cancel requested"})
}

func (h *handler) submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, validationMessage(err))
		return
	}
	var opts []remote.CallOption
	if req.Cacheable {
		opts = append(opts, remote.Cacheable(0))
	}
	opts = append(opts, remote.WithCorrelationID(middleware.GetReqID(r.Context())))

	id, err := h.backend.SubmitCall(req.Class, req.Operation, req.Arg, opts...)
	if err != nil {
		switch {
		case errors.Is(err, scheduler.ErrUnknownClass):
			h.writeError(w, r, http.StatusBadRequest, err.Error())
		case errors.Is(err, scheduler.ErrSchedulerShuttingDown):
			h.writeError(w, r, http.StatusServiceUnavailable, err.Error())
		default:
			h.writeError(w, r, http.StatusInternalServerError, err.Error())
		}
		return
	}
	w.Header().Set("Location", "/tasks/"+id)
	h.writeJSON(w, r, http.StatusAccepted, map[string]string{"id": id})
}

func (h *handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(r.Context()).Error("encode response", zap.Error(err))
	}
}

func (h *handler) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	h.writeJSON(w, r, status, map[string]string{"error": msg})
}

// requestLogger stores a logger tagged with the request ID in the request
// context and logs each request at debug level.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqLogger := logger.With(zap.String("request_id", middleware.GetReqID(r.Context())))
			r = r.WithContext(logging.WithLogger(r.Context(), reqLogger))

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			reqLogger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)),
			)
		})
	}
}

// Server serves the router until its context ends.
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

// New creates a server on addr.
func New(addr string, b Backend, logger *zap.Logger) *Server {
	logger = logging.OrNop(logger)
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(b, logger),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Run listens until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.srv.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", zap.String("addr", ln.Addr().String()))
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
