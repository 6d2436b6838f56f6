package request

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanyardhq/lanyard/internal/document"
	"github.com/lanyardhq/lanyard/internal/problem"
	"github.com/lanyardhq/lanyard/internal/runner"
	"github.com/lanyardhq/lanyard/internal/staging"
	"github.com/lanyardhq/lanyard/internal/store"
	"github.com/lanyardhq/lanyard/internal/transaction"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(t.TempDir(), quietLogger())
	require.NoError(t, err)
	return st
}

func seedScope(t *testing.T, st *store.Store, scope string, doc document.Document) {
	t.Helper()
	wc, err := st.LoadWorkingCopy(scope)
	require.NoError(t, err)
	for k, v := range doc {
		wc[k] = v
	}
	require.NoError(t, st.Commit(scope))
}

func newRunner(t *testing.T) *runner.Runner {
	t.Helper()
	r := runner.New(runner.Options{Logger: quietLogger()})
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func runUpdate(t *testing.T, r *runner.Runner, u Update) transaction.Outcome {
	t.Helper()
	tx, err := u.Build()
	require.NoError(t, err)
	id, err := r.Submit(tx, u.Description)
	require.NoError(t, err)
	task, err := r.Await(id, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, task.Outcome)
	return *task.Outcome
}

func TestUpdate_PersistsMutation(t *testing.T) {
	st := newStore(t)
	seedScope(t, st, "canary", document.Document{"enabled": false})
	r := newRunner(t)

	out := runUpdate(t, r, Update{
		Store:       st,
		Scope:       "canary",
		Description: "enable canary",
		Settings:    transaction.DefaultSettings(),
		Mutate: func(doc document.Document) error {
			return doc.SetField("enabled", true)
		},
	})

	assert.Equal(t, transaction.StatePersisted, out.Disposition)
	assert.False(t, out.Rejected)

	committed, err := st.Committed("canary")
	require.NoError(t, err)
	enabled, ok := committed.GetField("enabled")
	require.True(t, ok)
	assert.Equal(t, true, enabled)

	// The backing file reflects the commit too.
	data, err := os.ReadFile(filepath.Join(st.RootDir(), "canary.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "enabled: true")
}

func TestUpdate_RejectionRestoresCommitted(t *testing.T) {
	st := newStore(t)
	seedScope(t, st, "canary", document.Document{"enabled": false})
	r := newRunner(t)

	out := runUpdate(t, r, Update{
		Store:       st,
		Scope:       "canary",
		Description: "enable canary",
		Settings:    transaction.DefaultSettings(),
		Mutate: func(doc document.Document) error {
			return doc.SetField("enabled", true)
		},
		Validate: func(context.Context) (problem.Report, error) {
			var rep problem.Report
			rep.Add(problem.SeverityError, "canary.enabled", "no metrics account configured")
			return rep, nil
		},
	})

	assert.Equal(t, transaction.StateReverted, out.Disposition)
	assert.True(t, out.Rejected)
	assert.NoError(t, out.Err)
	assert.Equal(t, problem.SeverityError, out.Report.WorstSeverity())

	// The edit never reached the committed document.
	committed, err := st.Committed("canary")
	require.NoError(t, err)
	enabled, ok := committed.GetField("enabled")
	require.True(t, ok)
	assert.Equal(t, false, enabled)
	assert.Nil(t, st.WorkingCopy("canary"))

	// And the scope is free for the next caller.
	_, err = st.LoadWorkingCopy("canary")
	require.NoError(t, err)
	st.Discard("canary")
}

func TestUpdate_SameScopeEditsBothLand(t *testing.T) {
	st := newStore(t)
	seedScope(t, st, "providers", document.Document{})
	r := newRunner(t)

	setField := func(path string) Update {
		return Update{
			Store:       st,
			Scope:       "providers",
			Description: "set " + path,
			Settings:    transaction.DefaultSettings(),
			Mutate: func(doc document.Document) error {
				return doc.SetField(path, true)
			},
		}
	}

	txA, err := setField("aws.enabled").Build()
	require.NoError(t, err)
	txB, err := setField("gcs.enabled").Build()
	require.NoError(t, err)

	idA, err := r.Submit(txA, "set aws")
	require.NoError(t, err)
	idB, err := r.Submit(txB, "set gcs")
	require.NoError(t, err)

	for _, id := range []string{idA, idB} {
		task, err := r.Await(id, 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, runner.StatusSucceeded, task.Status)
	}

	// Neither edit clobbered the other: both run against the working
	// copy checked out after the previous commit.
	committed, err := st.Committed("providers")
	require.NoError(t, err)
	aws, _ := committed.GetField("aws.enabled")
	gcs, _ := committed.GetField("gcs.enabled")
	assert.Equal(t, true, aws)
	assert.Equal(t, true, gcs)
}

func TestUpdate_StagedArtifactsCleaned(t *testing.T) {
	st := newStore(t)
	stagingRoot := t.TempDir()
	area := staging.New(stagingRoot, quietLogger())
	r := newRunner(t)

	out := runUpdate(t, r, Update{
		Store:       st,
		Area:        area,
		Scope:       "canary",
		Description: "stage template",
		Settings:    transaction.DefaultSettings(),
		Artifacts: []staging.Artifact{
			staging.File{FileName: "template.json", Data: []byte(`{"name":"t"}`)},
		},
		Mutate: func(doc document.Document) error {
			return doc.SetField("templates.t", "staged")
		},
	})
	assert.Equal(t, transaction.StatePersisted, out.Disposition)

	// Session directory is gone whatever the disposition.
	_, err := os.Stat(filepath.Join(stagingRoot, "canary"))
	assert.True(t, os.IsNotExist(err))
}

func TestUpdate_StageFailureSkipsApply(t *testing.T) {
	st := newStore(t)
	seedScope(t, st, "canary", document.Document{"enabled": false})

	// Staging into a file path, not a directory, fails early.
	blocked := filepath.Join(t.TempDir(), "taken")
	require.NoError(t, os.WriteFile(blocked, []byte("x"), 0o600))
	area := staging.New(blocked, quietLogger())
	r := newRunner(t)

	applied := false
	out := runUpdate(t, r, Update{
		Store:       st,
		Area:        area,
		Scope:       "canary",
		Description: "stage into bad root",
		Settings:    transaction.DefaultSettings(),
		Artifacts: []staging.Artifact{
			staging.File{FileName: "a.json", Data: []byte("{}")},
		},
		Mutate: func(doc document.Document) error {
			applied = true
			return nil
		},
	})

	assert.Equal(t, transaction.StateFailed, out.Disposition)
	assert.Error(t, out.Err)
	assert.False(t, applied)

	// The checkout made ahead of staging was released on cleanup.
	assert.Nil(t, st.WorkingCopy("canary"))
	_, err := st.LoadWorkingCopy("canary")
	require.NoError(t, err)
	st.Discard("canary")
}

// slowArtifact signals when its content is read, then stalls. Content
// runs during staging, after the scope has been checked out.
type slowArtifact struct {
	read  chan struct{}
	delay time.Duration
}

func (a slowArtifact) Name() string { return "slow.json" }
func (a slowArtifact) Content() ([]byte, error) {
	close(a.read)
	time.Sleep(a.delay)
	return []byte("{}"), nil
}

func TestUpdate_SameScopeAppliesInSubmissionOrder(t *testing.T) {
	st := newStore(t)
	seedScope(t, st, "providers", document.Document{})
	area := staging.New(t.TempDir(), quietLogger())
	r := runner.New(runner.Options{Workers: 4, Logger: quietLogger()})
	t.Cleanup(func() { _ = r.Close() })

	var mu sync.Mutex
	var order []string
	record := func(name string) Mutator {
		return func(doc document.Document) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return doc.SetField(name+".enabled", true)
		}
	}

	locked := make(chan struct{})
	txA, err := Update{
		Store:       st,
		Area:        area,
		Scope:       "providers",
		Description: "slow staging",
		Settings:    transaction.DefaultSettings(),
		Artifacts:   []staging.Artifact{slowArtifact{read: locked, delay: 150 * time.Millisecond}},
		Mutate:      record("aws"),
	}.Build()
	require.NoError(t, err)
	idA, err := r.Submit(txA, "slow staging")
	require.NoError(t, err)

	// Queue the second edit once the first holds the scope: it must not
	// jump ahead while the first is still staging.
	<-locked
	txB, err := Update{
		Store:       st,
		Scope:       "providers",
		Description: "fast edit",
		Settings:    transaction.DefaultSettings(),
		Mutate:      record("gcs"),
	}.Build()
	require.NoError(t, err)
	idB, err := r.Submit(txB, "fast edit")
	require.NoError(t, err)

	for _, id := range []string{idA, idB} {
		task, err := r.Await(id, 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, runner.StatusSucceeded, task.Status)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"aws", "gcs"}, order)
}

func TestUpdate_MutateFailureReleasesScope(t *testing.T) {
	st := newStore(t)
	seedScope(t, st, "canary", document.Document{"enabled": false})
	r := newRunner(t)

	out := runUpdate(t, r, Update{
		Store:       st,
		Scope:       "canary",
		Description: "bad edit",
		Settings:    transaction.DefaultSettings(),
		Mutate: func(document.Document) error {
			return errors.New("unsupported value")
		},
	})

	assert.Equal(t, transaction.StateFailed, out.Disposition)
	require.Error(t, out.Err)
	assert.Nil(t, st.WorkingCopy("canary"))
	_, err := st.LoadWorkingCopy("canary")
	require.NoError(t, err)
	st.Discard("canary")
}

func TestUpdate_BuildRejectsIncompleteDefinitions(t *testing.T) {
	st := newStore(t)

	_, err := Update{Scope: "s", Mutate: func(document.Document) error { return nil }}.Build()
	assert.ErrorContains(t, err, "store is required")

	_, err = Update{Store: st, Scope: "s"}.Build()
	assert.ErrorContains(t, err, "mutator is required")

	_, err = Update{
		Store:     st,
		Scope:     "s",
		Mutate:    func(document.Document) error { return nil },
		Artifacts: []staging.Artifact{staging.File{FileName: "a", Data: nil}},
	}.Build()
	assert.ErrorContains(t, err, "staging area")
}

func TestGet_ReturnsValue(t *testing.T) {
	value, report, err := Get(context.Background(), transaction.DefaultSettings(),
		func(context.Context) (string, error) { return "aws", nil }, nil)
	require.NoError(t, err)
	assert.Equal(t, "aws", value)
	assert.True(t, report.Empty())
}

func TestGet_ValidatorFindingsBelowThresholdPass(t *testing.T) {
	settings := transaction.Settings{Severity: problem.SeverityWarning, Validate: true}
	value, report, err := Get(context.Background(), settings,
		func(context.Context) (int, error) { return 42, nil },
		func(context.Context) (problem.Report, error) {
			var rep problem.Report
			rep.Add(problem.SeverityWarning, "", "deprecated field")
			return rep, nil
		})
	require.NoError(t, err)
	assert.Equal(t, 42, value)
	assert.Equal(t, problem.SeverityWarning, report.WorstSeverity())
}

func TestGet_RejectedCarriesReport(t *testing.T) {
	_, _, err := Get(context.Background(), transaction.DefaultSettings(),
		func(context.Context) (string, error) { return "discarded", nil },
		func(context.Context) (problem.Report, error) {
			var rep problem.Report
			rep.Add(problem.SeverityError, "account", "credentials invalid")
			return rep, nil
		})
	var rejected *Rejected
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, problem.SeverityError, rejected.Report.WorstSeverity())
}

func TestGet_SkipsValidationWhenDisabled(t *testing.T) {
	settings := transaction.Settings{Severity: problem.SeverityWarning, Validate: false}
	called := false
	value, report, err := Get(context.Background(), settings,
		func(context.Context) (bool, error) { return true, nil },
		func(context.Context) (problem.Report, error) {
			called = true
			return problem.Report{}, nil
		})
	require.NoError(t, err)
	assert.True(t, value)
	assert.True(t, report.Empty())
	assert.False(t, called)
}

func TestGet_GetterErrorWins(t *testing.T) {
	_, _, err := Get(context.Background(), transaction.DefaultSettings(),
		func(context.Context) (string, error) { return "", errors.New("scope missing") },
		nil)
	assert.ErrorContains(t, err, "scope missing")
}
