// Package queue implements the TaskQueue component from spec.md §4.3: a
// priority queue of model.Task with dedup-by-(type,villageId), a
// retry/backoff ladder, and a bounded terminal tail.
//
// The heap itself — including the anti-starvation aging formula that lets
// a long-waiting low-priority task eventually outrank a freshly-submitted
// high-priority one — is adapted directly from the teacher's
// control_plane/scheduler/queue.go TaskQueue/ThreadSafeQueue: same
// container/heap.Interface shape, same "effective priority drifts down as
// wait time grows" idea, generalized from ReconciliationTask's
// SubmitTime/Deadline fields to Task's CreatedAt/ScheduledFor.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/kaelstrom/travianbot/internal/model"
)

// agingFactorMs mirrors the teacher's 10-second aging factor: every this
// many milliseconds of waiting reduces a task's effective priority value
// by 1, improving its precedence.
const agingFactorMs = 10_000.0

// RetryBackoff is the delay ladder applied to a task's ScheduledFor after
// a retryable failure, indexed by (Retries-1); the last entry repeats for
// any further retry.
var RetryBackoff = []time.Duration{
	5 * time.Second,
	30 * time.Second,
	2 * time.Minute,
}

// TerminalTailCap bounds how many terminal (completed/exhausted-failed)
// tasks the queue keeps around for introspection before evicting the
// oldest, per spec.md §4.3.
const TerminalTailCap = 100

// priorityHeap implements heap.Interface over *model.Task, using the
// effective-priority aging formula for ordering.
type priorityHeap []*model.Task

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	now := time.Now().UnixMilli()
	effI := float64(h[i].Priority) - float64(now-h[i].CreatedAt)/agingFactorMs
	effJ := float64(h[j].Priority) - float64(now-h[j].CreatedAt)/agingFactorMs

	if int(effI) == int(effJ) {
		return h[i].CreatedAt < h[j].CreatedAt
	}
	return effI < effJ
}

func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *priorityHeap) Push(x interface{}) {
	*h = append(*h, x.(*model.Task))
}

func (h *priorityHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Queue is the concurrency-safe TaskQueue.
type Queue struct {
	mu       sync.Mutex
	pending  priorityHeap
	byKey    map[model.Key]*model.Task
	terminal []*model.Task
	nextID   int64
}

// New builds an empty Queue.
func New() *Queue {
	return &Queue{
		pending: make(priorityHeap, 0),
		byKey:   map[model.Key]*model.Task{},
	}
}

// Enqueue adds t to the queue. If a non-terminal task with the same
// (type, villageId) key already exists, t is dropped (spec.md §3 Task
// invariant (iii)) and Enqueue returns false.
func (q *Queue) Enqueue(t *model.Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := t.KeyOf()
	if existing, ok := q.byKey[key]; ok && !existing.Terminal() {
		return false
	}

	q.nextID++
	if t.ID == 0 {
		t.ID = q.nextID
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = model.DefaultMaxRetries
	}
	if t.CreatedAt == 0 {
		t.CreatedAt = time.Now().UnixMilli()
	}
	t.Status = model.TaskPending

	heap.Push(&q.pending, t)
	q.byKey[key] = t
	return true
}

// Dequeue pops the most urgent eligible task, or nil if none is due yet.
//
// The backing container/heap slice only guarantees the root is the
// minimum; sibling subtrees are not mutually ordered. So this cannot just
// scan q.pending in array order and return the first eligible element —
// that can surface a less-urgent task ahead of a more-urgent one sitting
// deeper in the array. Instead it pops in true priority order, setting
// aside any not-yet-eligible task it encounters, until it finds one that
// is due (or the heap is exhausted), then pushes the set-aside tasks back.
func (q *Queue) Dequeue(nowMs int64) *model.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var notYetDue []*model.Task
	var found *model.Task
	for q.pending.Len() > 0 {
		t := heap.Pop(&q.pending).(*model.Task)
		if t.Eligible(nowMs) {
			found = t
			break
		}
		notYetDue = append(notYetDue, t)
	}
	for _, t := range notYetDue {
		heap.Push(&q.pending, t)
	}
	if found != nil {
		found.Status = model.TaskRunning
		found.LastAttemptAt = nowMs
	}
	return found
}

// Complete marks t completed and moves it to the terminal tail.
func (q *Queue) Complete(t *model.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t.Status = model.TaskCompleted
	q.retire(t)
}

// Retry records a failed attempt. If retries remain, the task is
// rescheduled per RetryBackoff and re-enqueued as pending; otherwise it is
// marked failed and moved to the terminal tail. The returned bool reports
// whether this failure was terminal (retries exhausted), so the caller
// can bump stats.tasksFailed exactly once per spec.md §4.3.
func (q *Queue) Retry(t *model.Task, errMsg string, nowMs int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	t.Error = errMsg
	t.Retries++

	if t.Retries >= t.MaxRetries {
		t.Status = model.TaskFailed
		q.retire(t)
		return true
	}

	delay := RetryBackoff[len(RetryBackoff)-1]
	if t.Retries-1 < len(RetryBackoff) {
		delay = RetryBackoff[t.Retries-1]
	}
	t.Status = model.TaskPending
	t.ScheduledFor = nowMs + delay.Milliseconds()
	heap.Push(&q.pending, t)
	return false
}

// Fail marks t terminally failed immediately, bypassing the retry ladder.
// Used for the structural-skip ("hopeless") failure reasons spec.md §4.4
// and §7 name, which should not consume the normal backoff schedule.
func (q *Queue) Fail(t *model.Task, errMsg string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t.Error = errMsg
	t.Status = model.TaskFailed
	q.retire(t)
}

// retire removes t from byKey tracking (so a new task with the same key
// can be enqueued) and appends it to the bounded terminal tail. Caller
// must hold q.mu.
func (q *Queue) retire(t *model.Task) {
	delete(q.byKey, t.KeyOf())
	q.terminal = append(q.terminal, t)
	if len(q.terminal) > TerminalTailCap {
		q.terminal = q.terminal[len(q.terminal)-TerminalTailCap:]
	}
}

// HasTaskOfType reports whether a non-terminal task with the given
// (type, villageId) is already queued, so the decision engine can avoid
// re-proposing it.
func (q *Queue) HasTaskOfType(taskType, villageID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	existing, ok := q.byKey[model.Key{Type: taskType, VillageID: villageID}]
	return ok && !existing.Terminal()
}

// HasAnyTaskOfType reports whether any non-terminal task of the given
// type is queued, regardless of villageId.
func (q *Queue) HasAnyTaskOfType(taskType string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for key, t := range q.byKey {
		if key.Type == taskType && !t.Terminal() {
			return true
		}
	}
	return false
}

// Len returns the number of pending (non-terminal) tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Snapshot returns pending and terminal tasks for introspection (the
// getQueue RPC method, spec.md §6).
func (q *Queue) Snapshot() (pending []*model.Task, terminal []*model.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending = append(pending, q.pending...)
	terminal = append(terminal, q.terminal...)
	return
}

// Clear empties both the pending heap and the terminal tail (the
// clearQueue RPC method, spec.md §6).
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = q.pending[:0]
	q.terminal = nil
	q.byKey = map[model.Key]*model.Task{}
}
