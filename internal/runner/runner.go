// Package runner executes mutation transactions asynchronously on a
// worker pool and tracks their lifecycle as pollable tasks.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"golang.org/x/sync/errgroup"

	"github.com/lanyardhq/lanyard/internal/events"
	"github.com/lanyardhq/lanyard/internal/transaction"
)

// Status is a task's execution state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

var terminalStatuses = map[Status]bool{
	StatusSucceeded: true,
	StatusFailed:    true,
	StatusCancelled: true,
}

var validStatusTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusSucceeded: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
}

// IsTerminal reports whether a task in this status is finished.
func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

// ValidateStatusTransition checks that from → to is a legal step.
func ValidateStatusTransition(from, to Status) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validStatusTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task status transition: %q → %q", from, to)
	}
	return nil
}

// Task is a point-in-time snapshot of one asynchronous execution.
type Task struct {
	ID          string
	Description string
	Scope       string
	Status      Status
	// Outcome is set once the task is terminal. A cancelled-while-
	// pending task has none.
	Outcome     *transaction.Outcome
	CreatedAt   time.Time
	CompletedAt time.Time
}

type record struct {
	Task
	tx     *transaction.Transaction
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

var (
	// ErrUnknownTask means the id was never submitted or was already
	// swept past its retention window.
	ErrUnknownTask = errors.New("unknown task")
	// ErrQueueFull means the submission queue is at capacity.
	ErrQueueFull = errors.New("task queue full")
	// ErrClosed means the runner no longer accepts submissions.
	ErrClosed = errors.New("runner closed")
	// ErrAwaitTimeout means the task did not finish in time. The task
	// keeps running and must still be polled or awaited again.
	ErrAwaitTimeout = errors.New("await timed out")
)

// Options configures a Runner. Zero values get sensible defaults.
type Options struct {
	Workers       int
	QueueSize     int
	Retention     time.Duration
	SweepInterval time.Duration
	Clock         clockz.Clock
	Logger        *log.Logger
	Bus           *events.Bus
}

// Runner owns tasks for their whole lifetime: submitted transactions
// run to completion on a fixed worker pool, results stay pollable until
// the retention window expires.
type Runner struct {
	opts  Options
	queue chan *record
	group *errgroup.Group
	stop  chan struct{}

	mu     sync.Mutex
	tasks  map[string]*record
	closed bool
}

// New starts a runner with the given options.
func New(opts Options) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Retention <= 0 {
		opts.Retention = time.Hour
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = opts.Retention / 4
	}
	if opts.Clock == nil {
		opts.Clock = clockz.RealClock
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}

	r := &Runner{
		opts:  opts,
		queue: make(chan *record, opts.QueueSize),
		group: &errgroup.Group{},
		stop:  make(chan struct{}),
		tasks: make(map[string]*record),
	}

	for i := 0; i < opts.Workers; i++ {
		r.group.Go(r.worker)
	}
	r.group.Go(r.sweeper)

	return r
}

// Submit enqueues a transaction for execution and returns the new task
// id immediately, with the task in pending state.
func (r *Runner) Submit(tx *transaction.Transaction, description string) (string, error) {
	if err := tx.ValidateDefinition(); err != nil {
		return "", err
	}
	if description == "" {
		description = tx.Description
	}

	id, err := GenerateTaskID()
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(context.Background())
	rec := &record{
		Task: Task{
			ID:          id,
			Description: description,
			Scope:       tx.Scope,
			Status:      StatusPending,
			CreatedAt:   r.opts.Clock.Now(),
		},
		tx:     tx,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return "", ErrClosed
	}
	select {
	case r.queue <- rec:
	default:
		r.mu.Unlock()
		cancel()
		return "", ErrQueueFull
	}
	r.tasks[id] = rec
	r.mu.Unlock()

	r.publish(events.EventTaskSubmitted, rec, nil)
	r.log("INFO", "task_submitted id=%s scope=%s description=%q", id, tx.Scope, description)
	return id, nil
}

func (r *Runner) worker() error {
	for rec := range r.queue {
		r.runTask(rec)
	}
	return nil
}

func (r *Runner) runTask(rec *record) {
	r.mu.Lock()
	if rec.Status != StatusPending {
		// Cancelled while still queued
		r.mu.Unlock()
		return
	}
	r.setStatusLocked(rec, StatusRunning)
	r.mu.Unlock()

	r.publish(events.EventTaskStarted, rec, nil)
	r.log("INFO", "task_started id=%s scope=%s", rec.ID, rec.Scope)

	out := rec.tx.Run(rec.ctx, r.opts.Logger)

	r.mu.Lock()
	rec.Outcome = &out
	switch {
	case out.Cancelled():
		r.setStatusLocked(rec, StatusCancelled)
	case out.Err != nil:
		r.setStatusLocked(rec, StatusFailed)
	default:
		r.setStatusLocked(rec, StatusSucceeded)
	}
	rec.CompletedAt = r.opts.Clock.Now()
	close(rec.done)
	status := rec.Status
	r.mu.Unlock()

	r.publish(events.EventTaskCompleted, rec, &out)
	switch out.Disposition {
	case transaction.StatePersisted:
		r.publish(events.EventScopeCommitted, rec, &out)
	case transaction.StateReverted:
		r.publish(events.EventScopeReverted, rec, &out)
	}
	r.log("INFO", "task_completed id=%s scope=%s status=%s disposition=%s rejected=%v",
		rec.ID, rec.Scope, status, out.Disposition, out.Rejected)
}

// setStatusLocked advances a task's status, asserting legality. Caller
// holds r.mu.
func (r *Runner) setStatusLocked(rec *record, next Status) {
	if err := ValidateStatusTransition(rec.Status, next); err != nil {
		r.log("ERROR", "task_status id=%s %v", rec.ID, err)
	}
	rec.Status = next
}

// Poll returns the task's current status without blocking.
func (r *Runner) Poll(id string) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tasks[id]
	if !ok {
		return "", fmt.Errorf("poll %q: %w", id, ErrUnknownTask)
	}
	return rec.Status, nil
}

// Get returns a snapshot of the task, including its outcome when
// terminal.
func (r *Runner) Get(id string) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("get %q: %w", id, ErrUnknownTask)
	}
	return rec.Task, nil
}

// List returns snapshots of every retained task, oldest first.
func (r *Runner) List() []Task {
	r.mu.Lock()
	tasks := make([]Task, 0, len(r.tasks))
	for _, rec := range r.tasks {
		tasks = append(tasks, rec.Task)
	}
	r.mu.Unlock()

	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks
}

// Await blocks until the task reaches a terminal status or timeout
// elapses. Timing out never cancels the underlying work; the task keeps
// running and remains pollable.
func (r *Runner) Await(id string, timeout time.Duration) (Task, error) {
	r.mu.Lock()
	rec, ok := r.tasks[id]
	r.mu.Unlock()
	if !ok {
		return Task{}, fmt.Errorf("await %q: %w", id, ErrUnknownTask)
	}

	timer := r.opts.Clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-rec.done:
		return r.Get(id)
	case <-timer.C():
		return Task{}, fmt.Errorf("await %q after %s: %w", id, timeout, ErrAwaitTimeout)
	}
}

// Cancel requests a best-effort stop. A pending task is cancelled
// outright; a running one is asked to stop at its next checkpoint, and a
// transaction past its validation decision runs to completion. Already
// terminal tasks are left untouched.
func (r *Runner) Cancel(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("cancel %q: %w", id, ErrUnknownTask)
	}

	switch rec.Status {
	case StatusPending:
		rec.cancel()
		r.setStatusLocked(rec, StatusCancelled)
		rec.CompletedAt = r.opts.Clock.Now()
		close(rec.done)
		r.log("INFO", "task_cancelled_pending id=%s scope=%s", rec.ID, rec.Scope)
	case StatusRunning:
		rec.cancel()
		r.log("INFO", "task_cancel_requested id=%s scope=%s", rec.ID, rec.Scope)
	}
	return nil
}

// sweeper drops terminal tasks once their retention window has passed.
func (r *Runner) sweeper() error {
	for {
		timer := r.opts.Clock.NewTimer(r.opts.SweepInterval)
		select {
		case <-r.stop:
			timer.Stop()
			return nil
		case <-timer.C():
			r.sweep()
		}
	}
}

func (r *Runner) sweep() {
	cutoff := r.opts.Clock.Now().Add(-r.opts.Retention)

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, rec := range r.tasks {
		if IsTerminal(rec.Status) && !rec.CompletedAt.IsZero() && rec.CompletedAt.Before(cutoff) {
			delete(r.tasks, id)
			r.log("DEBUG", "task_swept id=%s completed_at=%s", id, rec.CompletedAt.Format(time.RFC3339))
		}
	}
}

// Close stops accepting submissions, drains queued tasks, and waits for
// workers to finish.
func (r *Runner) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	close(r.stop)
	return r.group.Wait()
}

func (r *Runner) publish(eventType events.EventType, rec *record, out *transaction.Outcome) {
	if r.opts.Bus == nil {
		return
	}
	data := map[string]any{
		"task_id":     rec.ID,
		"scope":       rec.Scope,
		"description": rec.Description,
	}
	if out != nil {
		data["disposition"] = string(out.Disposition)
		data["rejected"] = out.Rejected
		if out.Err != nil {
			data["error"] = out.Err.Error()
		}
	}
	r.opts.Bus.Publish(eventType, data)
}

func (r *Runner) log(level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.opts.Logger.Printf("%s runner: %s", level, msg)
}
