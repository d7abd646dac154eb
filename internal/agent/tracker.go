package agent

import (
	"log/slog"
	"sync"
	"time"
)

// OpState is a pending operation's lifecycle state.
type OpState string

const (
	OpPending   OpState = "pending"
	OpCompleted OpState = "completed"
	OpError     OpState = "error"
	OpTimeout   OpState = "timeout"
)

// DefaultStaleGrace is how long a finished operation is kept before cleanup.
const DefaultStaleGrace = 5 * time.Minute

// Outcome is how a pending operation settles. On timeout, Value holds the
// fallback supplied at creation and State is OpTimeout; Err is set only on
// explicit rejection.
type Outcome[T any] struct {
	Value T
	Err   error
	State OpState
}

type operation[T any] struct {
	id          string
	state       OpState
	createdAt   time.Time
	completedAt time.Time
	done        chan Outcome[T]
	timer       *time.Timer
}

// Tracker correlates requests with responses across an unreliable,
// order-agnostic channel. Each operation gets a timeout on creation; expiry
// resolves the operation with a fallback value rather than rejecting it, so
// an unresponsive agent degrades the experience instead of breaking callers.
// The tracker is the only code allowed to settle an operation.
type Tracker[T any] struct {
	mu    sync.Mutex
	ops   map[string]*operation[T]
	grace time.Duration
	log   *slog.Logger
	now   func() time.Time
}

// NewTracker returns a tracker that garbage-collects finished operations
// after grace (DefaultStaleGrace if grace <= 0).
func NewTracker[T any](grace time.Duration, log *slog.Logger) *Tracker[T] {
	if grace <= 0 {
		grace = DefaultStaleGrace
	}
	return &Tracker[T]{
		ops:   make(map[string]*operation[T]),
		grace: grace,
		log:   log,
		now:   time.Now,
	}
}

// Create registers a pending operation and arms its timer. The returned
// channel delivers exactly one Outcome: a resolution, a rejection, or the
// timeout fallback after the deadline. Creating an id that is already
// pending settles the old operation with the fallback first (the newer
// request supersedes it).
func (t *Tracker[T]) Create(id string, timeout time.Duration, fallback T, timeoutMessage string) <-chan Outcome[T] {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.ops[id]; ok && old.state == OpPending {
		t.settleLocked(old, Outcome[T]{Value: fallback, State: OpTimeout})
	}

	op := &operation[T]{
		id:        id,
		state:     OpPending,
		createdAt: t.now(),
		done:      make(chan Outcome[T], 1),
	}
	op.timer = time.AfterFunc(timeout, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if op.state != OpPending {
			return
		}
		if t.log != nil && timeoutMessage != "" {
			t.log.Warn(timeoutMessage, slog.String("operation", id))
		}
		t.settleLocked(op, Outcome[T]{Value: fallback, State: OpTimeout})
	})
	t.ops[id] = op
	return op.done
}

// Resolve settles a pending operation with value. No-op (returning false)
// if the operation is unknown or already settled, so a late response after
// a timeout can never double-resolve.
func (t *Tracker[T]) Resolve(id string, value T) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.ops[id]
	if !ok || op.state != OpPending {
		return false
	}
	t.settleLocked(op, Outcome[T]{Value: value, State: OpCompleted})
	return true
}

// Reject settles a pending operation with an error. Same no-op rules as
// Resolve.
func (t *Tracker[T]) Reject(id string, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.ops[id]
	if !ok || op.state != OpPending {
		return false
	}
	t.settleLocked(op, Outcome[T]{Err: err, State: OpError})
	return true
}

// CleanupStale removes operations that finished longer than the grace period
// ago. Called opportunistically on every inbound message rather than on a
// dedicated timer, which bounds memory growth without background scheduling.
func (t *Tracker[T]) CleanupStale() {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.grace)
	for id, op := range t.ops {
		if op.state != OpPending && op.completedAt.Before(cutoff) {
			delete(t.ops, id)
		}
	}
}

// PendingCount returns how many operations are still awaiting a response.
func (t *Tracker[T]) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, op := range t.ops {
		if op.state == OpPending {
			n++
		}
	}
	return n
}

// settleLocked transitions op out of pending and delivers the outcome.
// Caller must hold t.mu; op must be pending.
func (t *Tracker[T]) settleLocked(op *operation[T], out Outcome[T]) {
	op.state = out.State
	op.completedAt = t.now()
	if op.timer != nil {
		op.timer.Stop()
	}
	op.done <- out
}
