package model

import "time"

// TaskStatus is the lifecycle state of a Task, per spec.md §3 Task
// invariant (i): pending -> running -> {completed|failed}, with a
// failed->pending re-entry for retryable failures.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// DefaultMaxRetries is applied to a Task unless the caller overrides it.
const DefaultMaxRetries = 3

// Task is one unit of work destined for the content-script bridge.
type Task struct {
	ID            int64                  `json:"id"`
	Type          string                 `json:"type"`
	Params        map[string]interface{} `json:"params,omitempty"`
	Priority      int                    `json:"priority"`
	VillageID     string                 `json:"villageId,omitempty"`
	ScheduledFor  int64                  `json:"scheduledFor,omitempty"` // epoch ms, 0 == now
	Status        TaskStatus             `json:"status"`
	Retries       int                    `json:"retries"`
	MaxRetries    int                    `json:"maxRetries"`
	Error         string                 `json:"error,omitempty"`
	CreatedAt     int64                  `json:"createdAt"`
	LastAttemptAt int64                  `json:"lastAttemptAt,omitempty"`
}

// Key is the dedup key used by the queue: two tasks collide if they share
// (type, villageId) and neither is terminal, per spec.md §3 Task invariant
// (iii).
type Key struct {
	Type      string
	VillageID string
}

// KeyOf returns the dedup key of a task.
func (t *Task) KeyOf() Key {
	return Key{Type: t.Type, VillageID: t.VillageID}
}

// Eligible reports whether the task is due to run now, per spec.md §3 Task
// invariant (ii).
func (t *Task) Eligible(nowMs int64) bool {
	return t.Status == TaskPending && t.ScheduledFor <= nowMs
}

// Terminal reports whether the task has reached a non-retryable end state.
func (t *Task) Terminal() bool {
	return t.Status == TaskCompleted || (t.Status == TaskFailed && t.Retries >= t.MaxRetries)
}

// NowMs is the epoch-millisecond helper used throughout the engine so tests
// can inject a fixed clock via the same signature.
func NowMs(t time.Time) int64 {
	return t.UnixMilli()
}
