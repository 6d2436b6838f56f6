package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"

	"github.com/lanyardhq/lanyard/internal/events"
	"github.com/lanyardhq/lanyard/internal/problem"
	"github.com/lanyardhq/lanyard/internal/transaction"
)

// quickTx builds a transaction whose hooks succeed immediately.
func quickTx(scope string) *transaction.Transaction {
	return &transaction.Transaction{
		Description: "edit " + scope,
		Scope:       scope,
		Settings:    transaction.DefaultSettings(),
		Apply:       func(context.Context) error { return nil },
		Revert:      func(context.Context) error { return nil },
		Persist:     func(context.Context) error { return nil },
	}
}

func TestStatusTransitions(t *testing.T) {
	assert.NoError(t, ValidateStatusTransition(StatusPending, StatusRunning))
	assert.NoError(t, ValidateStatusTransition(StatusPending, StatusCancelled))
	assert.NoError(t, ValidateStatusTransition(StatusRunning, StatusSucceeded))
	assert.NoError(t, ValidateStatusTransition(StatusRunning, StatusFailed))
	assert.NoError(t, ValidateStatusTransition(StatusRunning, StatusCancelled))

	assert.Error(t, ValidateStatusTransition(StatusPending, StatusSucceeded))
	assert.Error(t, ValidateStatusTransition(StatusSucceeded, StatusRunning))
	assert.Error(t, ValidateStatusTransition(StatusCancelled, StatusRunning))
}

func TestSubmit_ReturnsImmediatelyAndCompletes(t *testing.T) {
	r := New(Options{Workers: 2})
	defer r.Close()

	id, err := r.Submit(quickTx("default"), "")
	require.NoError(t, err)
	assert.True(t, ValidateTaskID(id))

	task, err := r.Await(id, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, task.Status)
	require.NotNil(t, task.Outcome)
	assert.Equal(t, transaction.StatePersisted, task.Outcome.Disposition)
	assert.False(t, task.CompletedAt.IsZero())
}

func TestSubmit_RejectsInvalidDefinition(t *testing.T) {
	r := New(Options{})
	defer r.Close()

	tx := quickTx("default")
	tx.Revert = nil
	_, err := r.Submit(tx, "")
	assert.Error(t, err)
}

func TestPoll_LifecycleAndUnknown(t *testing.T) {
	r := New(Options{Workers: 1})
	defer r.Close()

	release := make(chan struct{})
	tx := quickTx("default")
	tx.Apply = func(context.Context) error {
		<-release
		return nil
	}

	id, err := r.Submit(tx, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := r.Poll(id)
		return err == nil && s == StatusRunning
	}, time.Second, 5*time.Millisecond)

	close(release)
	_, err = r.Await(id, 5*time.Second)
	require.NoError(t, err)

	s, err := r.Poll(id)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, s)

	_, err = r.Poll("task_0000000000_00000000")
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestTaskFailure_SurfacesError(t *testing.T) {
	r := New(Options{})
	defer r.Close()

	tx := quickTx("default")
	tx.Persist = func(context.Context) error { return errors.New("disk full") }

	id, err := r.Submit(tx, "")
	require.NoError(t, err)

	task, err := r.Await(id, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, task.Status)
	require.NotNil(t, task.Outcome)
	assert.Error(t, task.Outcome.Err)
}

func TestValidationRejection_IsSucceededWithReport(t *testing.T) {
	r := New(Options{})
	defer r.Close()

	tx := quickTx("default")
	tx.Validate = func(context.Context) (problem.Report, error) {
		var rep problem.Report
		rep.Add(problem.SeverityError, "canary", "account not reachable")
		return rep, nil
	}

	id, err := r.Submit(tx, "")
	require.NoError(t, err)

	task, err := r.Await(id, 5*time.Second)
	require.NoError(t, err)
	// A rejected edit is a reportable outcome, not a task failure
	assert.Equal(t, StatusSucceeded, task.Status)
	require.NotNil(t, task.Outcome)
	assert.True(t, task.Outcome.Rejected)
	assert.Equal(t, transaction.StateReverted, task.Outcome.Disposition)
	assert.Equal(t, problem.SeverityError, task.Outcome.Report.WorstSeverity())
}

func TestAwait_TimeoutDoesNotCancel(t *testing.T) {
	r := New(Options{Workers: 1})
	defer r.Close()

	release := make(chan struct{})
	tx := quickTx("default")
	tx.Apply = func(context.Context) error {
		<-release
		return nil
	}

	id, err := r.Submit(tx, "")
	require.NoError(t, err)

	_, err = r.Await(id, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrAwaitTimeout)

	// The task kept running; it finishes once released
	close(release)
	task, err := r.Await(id, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, task.Status)
}

func TestCancel_PendingTask(t *testing.T) {
	r := New(Options{Workers: 1})
	defer r.Close()

	block := make(chan struct{})
	blocker := quickTx("a")
	blocker.Apply = func(context.Context) error {
		<-block
		return nil
	}
	first, err := r.Submit(blocker, "")
	require.NoError(t, err)

	// Second task queues behind the only worker
	second, err := r.Submit(quickTx("b"), "")
	require.NoError(t, err)

	require.NoError(t, r.Cancel(second))
	task, err := r.Await(second, time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, task.Status)
	// Never ran: no outcome
	assert.Nil(t, task.Outcome)

	close(block)
	task, err = r.Await(first, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, task.Status)
}

func TestCancel_RunningBeforeDecisionPoint(t *testing.T) {
	r := New(Options{Workers: 1})
	defer r.Close()

	staging := make(chan struct{})
	proceed := make(chan struct{})
	applied := false

	tx := quickTx("default")
	tx.Stage = func(context.Context) error {
		close(staging)
		<-proceed
		return nil
	}
	tx.Apply = func(context.Context) error {
		applied = true
		return nil
	}

	id, err := r.Submit(tx, "")
	require.NoError(t, err)

	<-staging
	require.NoError(t, r.Cancel(id))
	close(proceed)

	task, err := r.Await(id, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, task.Status)
	// Cancelled at the checkpoint after staging: apply never ran
	assert.False(t, applied)
}

func TestCancel_PastDecisionPointIgnored(t *testing.T) {
	r := New(Options{Workers: 1})
	defer r.Close()

	persisting := make(chan struct{})
	proceed := make(chan struct{})

	tx := quickTx("default")
	tx.Persist = func(context.Context) error {
		close(persisting)
		<-proceed
		return nil
	}

	id, err := r.Submit(tx, "")
	require.NoError(t, err)

	<-persisting
	require.NoError(t, r.Cancel(id))
	close(proceed)

	task, err := r.Await(id, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, task.Status)
	assert.Equal(t, transaction.StatePersisted, task.Outcome.Disposition)
}

func TestCancel_Unknown(t *testing.T) {
	r := New(Options{})
	defer r.Close()
	assert.ErrorIs(t, r.Cancel("task_0000000000_00000000"), ErrUnknownTask)
}

func TestSubmit_AfterCloseRejected(t *testing.T) {
	r := New(Options{})
	require.NoError(t, r.Close())

	_, err := r.Submit(quickTx("default"), "")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRetention_SweepsTerminalTasks(t *testing.T) {
	clock := clockz.NewFakeClock()
	r := New(Options{
		Workers:       1,
		Retention:     time.Hour,
		SweepInterval: 10 * time.Minute,
		Clock:         clock,
	})
	defer r.Close()

	id, err := r.Submit(quickTx("default"), "")
	require.NoError(t, err)
	_, err = r.Await(id, 5*time.Second)
	require.NoError(t, err)

	// Still retrievable inside the retention window
	_, err = r.Get(id)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	clock.BlockUntilReady()

	require.Eventually(t, func() bool {
		_, err := r.Get(id)
		return errors.Is(err, ErrUnknownTask)
	}, 2*time.Second, 10*time.Millisecond, "terminal task should be swept after retention")
}

func TestEvents_PublishedOnLifecycle(t *testing.T) {
	bus := events.NewBus(10)
	defer bus.Close()

	completed := make(chan events.Event, 1)
	bus.Subscribe(events.EventTaskCompleted, func(e events.Event) {
		completed <- e
	})
	committed := make(chan events.Event, 1)
	bus.Subscribe(events.EventScopeCommitted, func(e events.Event) {
		committed <- e
	})

	r := New(Options{Bus: bus})
	defer r.Close()

	id, err := r.Submit(quickTx("default"), "toggle feature")
	require.NoError(t, err)
	_, err = r.Await(id, 5*time.Second)
	require.NoError(t, err)

	select {
	case e := <-completed:
		assert.Equal(t, id, e.Data["task_id"])
		assert.Equal(t, "persisted", e.Data["disposition"])
	case <-time.After(time.Second):
		t.Fatal("no completion event")
	}
	select {
	case e := <-committed:
		assert.Equal(t, "default", e.Data["scope"])
	case <-time.After(time.Second):
		t.Fatal("no commit event")
	}
}
