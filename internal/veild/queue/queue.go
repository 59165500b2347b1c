// Package queue serializes all mutations of the xray configuration
// through a single worker goroutine. Producers enqueue tasks from any
// goroutine; exactly one goroutine ever touches the config file, so
// concurrent provision and revoke requests cannot interleave their
// load-modify-save cycles.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/merdocx/veil-xray/pkg/errors"
	"github.com/merdocx/veil-xray/pkg/logger"
)

// Kind identifies a config mutation type.
type Kind string

const (
	KindAddUser       Kind = "add_user"
	KindRemoveUser    Kind = "remove_user"
	KindEnsureShortID Kind = "ensure_short_id"
)

// Task is one config mutation to execute.
type Task struct {
	Kind    Kind
	UUID    string
	Email   string
	ShortID string
}

// Mutator executes a single task against the durable config. The
// ConfigStore satisfies this through an adapter; tests substitute
// their own.
type Mutator interface {
	Apply(ctx context.Context, task Task) error
}

// MutatorFunc adapts a function to the Mutator interface.
type MutatorFunc func(ctx context.Context, task Task) error

func (f MutatorFunc) Apply(ctx context.Context, task Task) error {
	return f(ctx, task)
}

// Sentinel errors for the two non-mutation failure modes. A timed-out
// wait means "unknown, still queued", not "failed": callers must treat
// the two differently.
var (
	ErrStopped     = apperrors.NewQueueError(apperrors.ErrCodeQueueStopped, "config task queue is stopped", false, nil)
	ErrWaitTimeout = apperrors.NewQueueError(apperrors.ErrCodeWaitTimeout, "timed out waiting for config task", true, nil)
)

// waiter is one ExecuteAndWait call blocked on a task outcome. Each
// call gets its own token so two concurrent waits on the same (kind,
// uuid) both get resolved, each exactly once.
type waiter struct {
	kind Kind
	uuid string
	ch   chan error
}

// ConfigTaskQueue is an unbounded multi-producer single-consumer FIFO.
// Tasks are applied strictly in enqueue order by one worker goroutine.
type ConfigTaskQueue struct {
	mutator Mutator
	logger  *logger.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	items   []item
	stopped bool
	started bool
	done    chan struct{}

	// procMu is held for the duration of every mutation, whether it
	// runs on the worker or directly via Apply in degraded mode.
	procMu sync.Mutex

	waitersMu sync.Mutex
	waiters   map[string]*waiter
}

type item struct {
	task Task
	stop bool
}

// New creates a queue bound to the given mutator. Call Start before
// enqueueing.
func New(mutator Mutator, log *logger.Logger) *ConfigTaskQueue {
	q := &ConfigTaskQueue{
		mutator: mutator,
		logger:  log.WithComponent("queue"),
		done:    make(chan struct{}),
		waiters: make(map[string]*waiter),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Start launches the worker goroutine. Starting twice is a no-op.
func (q *ConfigTaskQueue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.stopped {
		q.logger.Warn("config task queue start ignored",
			slog.Bool("started", q.started),
			slog.Bool("stopped", q.stopped))
		return
	}
	q.started = true
	go q.run()
	q.logger.Info("config task queue started")
}

// Stop drains nothing: it appends a stop marker behind all queued work,
// so every task enqueued before Stop still executes. Blocks until the
// worker exits or ctx expires.
func (q *ConfigTaskQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	started := q.started
	q.items = append(q.items, item{stop: true})
	q.cond.Signal()
	q.mu.Unlock()

	if !started {
		return nil
	}

	select {
	case <-q.done:
		q.logger.Info("config task queue stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of queued tasks.
func (q *ConfigTaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, it := range q.items {
		if !it.stop {
			n++
		}
	}
	return n
}

// Enqueue appends a task for the worker. Returns ErrStopped after Stop.
func (q *ConfigTaskQueue) Enqueue(task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return ErrStopped
	}
	q.items = append(q.items, item{task: task})
	q.cond.Signal()
	return nil
}

// Running reports whether the worker goroutine is live.
func (q *ConfigTaskQueue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.started && !q.stopped
}

// ExecuteAndWait enqueues the task and blocks until the worker has
// executed it, up to timeout. Returns the mutation's error, or
// ErrWaitTimeout if the task is still pending when the timer fires (the
// task stays queued and will still run). Without a live worker, never
// started or already stopped, there is nobody to wait for: the task
// runs directly on the caller's goroutine instead.
func (q *ConfigTaskQueue) ExecuteAndWait(ctx context.Context, task Task, timeout time.Duration) error {
	if !q.Running() {
		q.logger.Warn("queue not running, executing config task directly",
			slog.String("kind", string(task.Kind)),
			slog.String("uuid", task.UUID))
		return q.Apply(ctx, task)
	}

	w := &waiter{
		kind: task.Kind,
		uuid: task.UUID,
		ch:   make(chan error, 1),
	}
	token := uuid.NewString()

	q.waitersMu.Lock()
	q.waiters[token] = w
	q.waitersMu.Unlock()

	if err := q.Enqueue(task); err != nil {
		q.removeWaiter(token)
		q.logger.Warn("queue stopped, executing config task directly",
			slog.String("kind", string(task.Kind)),
			slog.String("uuid", task.UUID))
		return q.Apply(ctx, task)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-w.ch:
		return err
	case <-timer.C:
		q.removeWaiter(token)
		return ErrWaitTimeout
	case <-ctx.Done():
		q.removeWaiter(token)
		return ctx.Err()
	}
}

// Apply runs the task immediately on the caller's goroutine, still
// serialized against the worker. This is the degraded path for a
// stopped queue and the fallback after a wait timeout.
func (q *ConfigTaskQueue) Apply(ctx context.Context, task Task) error {
	q.procMu.Lock()
	defer q.procMu.Unlock()
	return q.mutator.Apply(ctx, task)
}

func (q *ConfigTaskQueue) run() {
	defer close(q.done)

	for {
		q.mu.Lock()
		for len(q.items) == 0 {
			q.cond.Wait()
		}
		it := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		if it.stop {
			return
		}
		q.process(it.task)
	}
}

func (q *ConfigTaskQueue) process(task Task) {
	started := time.Now()

	err := q.applyGuarded(task)

	if err != nil {
		q.logger.Error("config task failed",
			slog.String("kind", string(task.Kind)),
			slog.String("uuid", task.UUID),
			slog.String("error", err.Error()),
			slog.Duration("took", time.Since(started)))
	} else {
		q.logger.Debug("config task done",
			slog.String("kind", string(task.Kind)),
			slog.String("uuid", task.UUID),
			slog.Duration("took", time.Since(started)))
	}

	q.resolve(task, err)
}

// applyGuarded runs the mutation under procMu and converts a panic into
// an error result, so one misbehaving task cannot kill the worker or
// strand its waiters.
func (q *ConfigTaskQueue) applyGuarded(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.NewQueueError(apperrors.ErrCodeInternal,
				fmt.Sprintf("config task panicked: %v", r), false, nil)
		}
	}()

	q.procMu.Lock()
	defer q.procMu.Unlock()
	return q.mutator.Apply(context.Background(), task)
}

// resolve wakes every waiter registered for this task's (kind, uuid).
// Deleting under the mutex guarantees each waiter is resolved at most
// once even when identical tasks sit in the queue back to back.
func (q *ConfigTaskQueue) resolve(task Task, err error) {
	q.waitersMu.Lock()
	defer q.waitersMu.Unlock()

	for token, w := range q.waiters {
		if w.kind == task.Kind && w.uuid == task.UUID {
			w.ch <- err
			delete(q.waiters, token)
		}
	}
}

func (q *ConfigTaskQueue) removeWaiter(token string) {
	q.waitersMu.Lock()
	delete(q.waiters, token)
	q.waitersMu.Unlock()
}
