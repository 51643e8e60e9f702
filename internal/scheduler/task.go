package scheduler

import (
	"container/list"
	"context"
	"encoding/json"
	"time"
)

// Status is a task's lifecycle state. Transitions only move forward:
// queued -> running -> completed|failed|cancelled, or queued -> cancelled.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// WorkFunc is the unit of work. It should return promptly once ctx is done.
type WorkFunc func(ctx context.Context) (any, error)

// Task is a point-in-time snapshot of a submitted task.
type Task struct {
	ID              string    `json:"id"`
	Class           string    `json:"class"`
	Name            string    `json:"name"`
	Status          Status    `json:"status"`
	QueuedAt        time.Time `json:"queued_at"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	CompletedAt     time.Time `json:"completed_at,omitempty"`
	Result          any       `json:"result,omitempty"`
	Err             error     `json:"-"`
	CancelRequested bool      `json:"cancel_requested"`
}

// Duration is the run time of a task that started, zero otherwise.
func (t Task) Duration() time.Duration {
	if t.StartedAt.IsZero() {
		return 0
	}
	end := t.CompletedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(t.StartedAt)
}

// MarshalJSON renders Err as a string.
func (t Task) MarshalJSON() ([]byte, error) {
	type plain Task
	out := struct {
		plain
		Error string `json:"error,omitempty"`
	}{plain: plain(t)}
	if t.Err != nil {
		out.Error = t.Err.Error()
	}
	return json.Marshal(out)
}

// task is the scheduler's mutable record; guarded by Scheduler.mu.
type task struct {
	Task
	work   WorkFunc
	class  *class
	elem   *list.Element
	cancel context.CancelFunc
}
