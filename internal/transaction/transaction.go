// Package transaction implements the mutation lifecycle for a single
// logical configuration edit: stage → validate → apply →
// persist-or-revert → clean.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/go-playground/validator/v10"

	"github.com/lanyardhq/lanyard/internal/problem"
)

// Settings carries the caller's validation policy for one edit.
type Settings struct {
	// Severity is the threshold consulted before persisting. Problems
	// above it (or at it, with BlockInclusive) block the commit. Empty
	// means none: only findings above none block.
	Severity problem.Severity `yaml:"severity" validate:"omitempty,oneof=none info warning error fatal"`
	// Validate false skips the validation step entirely; the report is
	// treated as empty and persist always proceeds.
	Validate bool `yaml:"validate"`
	// BlockInclusive switches the threshold comparison from strictly
	// above (>) to at-or-above (≥).
	BlockInclusive bool `yaml:"blockInclusive"`
}

// DefaultSettings validates at warning: error and fatal findings block.
func DefaultSettings() Settings {
	return Settings{Severity: problem.SeverityWarning, Validate: true}
}

// Blocks reports whether a report must prevent persistence.
func (s Settings) Blocks(r problem.Report) bool {
	threshold := s.Severity
	if threshold == "" {
		// Zero-valued settings behave as the none threshold rather
		// than ranking below it and blocking empty reports.
		threshold = problem.SeverityNone
	}
	if s.BlockInclusive {
		return r.Meets(threshold)
	}
	return r.Exceeds(threshold)
}

// Transaction describes one logical edit through its lifecycle
// operations. Apply, Revert and Persist are mandatory; Stage, Validate
// and Clean are optional and behave as no-ops when nil. Apply and Revert
// must form an inverse pair: whatever Apply mutates, Revert undoes.
type Transaction struct {
	Description string `validate:"required"`
	Scope       string `validate:"required"`
	Settings    Settings

	Stage    func(ctx context.Context) error
	Validate func(ctx context.Context) (problem.Report, error)
	Apply    func(ctx context.Context) error `validate:"required"`
	Revert   func(ctx context.Context) error `validate:"required"`
	Persist  func(ctx context.Context) error `validate:"required"`
	Clean    func()
}

var definitionValidator = validator.New()

// ValidateDefinition checks the transaction is well-formed before it is
// accepted for execution.
func (t *Transaction) ValidateDefinition() error {
	if err := definitionValidator.Struct(t); err != nil {
		return fmt.Errorf("invalid transaction definition: %w", err)
	}
	return nil
}

// Outcome is the result of driving a transaction to completion.
type Outcome struct {
	// Disposition is where the edit ended up: persisted, reverted, or
	// failed. Clean has run in every case.
	Disposition State
	// Report is the validation output, attached on success as well as
	// on rejection.
	Report problem.Report
	// Rejected is set when validation blocked the persist. This is an
	// expected outcome, not a fault: Err is nil and Report explains.
	Rejected bool
	// Err is the fatal failure, if any (staging, apply, persistence,
	// or cancellation).
	Err error
	// RevertErr is a secondary failure from the revert that followed
	// Err or a rejection. Never silently dropped, never blocks clean.
	RevertErr error
}

// Cancelled reports whether the outcome was caused by cancellation.
func (o Outcome) Cancelled() bool {
	return errors.Is(o.Err, context.Canceled)
}

// Run drives the transaction through its states. Cancellation is
// cooperative: ctx is consulted only between steps, and ignored once the
// validation decision has been passed, so Persist is never interrupted.
// Clean runs exactly once on every path.
func (t *Transaction) Run(ctx context.Context, logger *log.Logger) (out Outcome) {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}

	m := &machine{tx: t, state: StateCreated, logger: logger}
	defer m.clean(&out)

	// Step 1: stage auxiliary artifacts.
	if err := ctx.Err(); err != nil {
		m.to(StateFailed)
		return Outcome{Disposition: StateFailed, Err: err}
	}
	if t.Stage != nil {
		if err := t.Stage(ctx); err != nil {
			m.to(StateFailed)
			return Outcome{Disposition: StateFailed, Err: fmt.Errorf("stage: %w", err)}
		}
	}
	m.to(StateStaged)

	// Step 2: validate. Producing problems never fails the transaction;
	// the report is only consulted at the decision point. A validator
	// error is recorded as a fatal finding so it can block the commit.
	var report problem.Report
	if err := ctx.Err(); err != nil {
		m.to(StateFailed)
		return Outcome{Disposition: StateFailed, Err: err}
	}
	if t.Settings.Validate && t.Validate != nil {
		r, err := t.Validate(ctx)
		report = r
		if err != nil {
			report.Add(problem.SeverityFatal, "", "validation did not complete: %v", err)
		}
	}
	m.to(StateValidated)

	// Step 3: apply the in-memory update.
	if err := ctx.Err(); err != nil {
		m.to(StateFailed)
		return Outcome{Disposition: StateFailed, Report: report, Err: err}
	}
	if err := t.Apply(ctx); err != nil {
		revertErr := t.revert(ctx, logger)
		m.to(StateFailed)
		return Outcome{
			Disposition: StateFailed,
			Report:      report,
			Err:         fmt.Errorf("apply: %w", err),
			RevertErr:   revertErr,
		}
	}
	m.to(StateApplied)

	// Last cancellation point: past here the transaction runs to
	// completion.
	if err := ctx.Err(); err != nil {
		revertErr := t.revert(ctx, logger)
		m.to(StateReverted)
		return Outcome{Disposition: StateReverted, Report: report, Err: err, RevertErr: revertErr}
	}

	// Step 4: the decision. A report above threshold means the edit was
	// applied but is not commit-worthy: undo it and surface the report.
	if t.Settings.Blocks(report) {
		revertErr := t.revert(ctx, logger)
		m.to(StateReverted)
		return Outcome{Disposition: StateReverted, Report: report, Rejected: true, RevertErr: revertErr}
	}

	// Step 5: persist. The decision is made; a cancel arriving now must
	// not interrupt the write, so Persist gets a detached context.
	if err := t.Persist(context.WithoutCancel(ctx)); err != nil {
		revertErr := t.revert(ctx, logger)
		m.to(StateFailed)
		return Outcome{
			Disposition: StateFailed,
			Report:      report,
			Err:         fmt.Errorf("persist: %w", err),
			RevertErr:   revertErr,
		}
	}
	m.to(StatePersisted)

	return Outcome{Disposition: StatePersisted, Report: report}
}

// revert undoes whatever Apply mutated. Its error is surfaced as a
// secondary finding on the outcome, never swallowed.
func (t *Transaction) revert(ctx context.Context, logger *log.Logger) error {
	// Revert must run even when ctx is already cancelled.
	if err := t.Revert(context.WithoutCancel(ctx)); err != nil {
		logger.Printf("WARN transaction: revert failed scope=%s error=%v", t.Scope, err)
		return fmt.Errorf("revert: %w", err)
	}
	return nil
}

type machine struct {
	tx     *Transaction
	state  State
	logger *log.Logger
}

// to advances the machine, asserting the transition is legal.
func (m *machine) to(next State) {
	if err := ValidateTransition(m.state, next); err != nil {
		m.logger.Printf("ERROR transaction: %v scope=%s", err, m.tx.Scope)
	}
	m.state = next
}

// clean runs the optional Clean hook exactly once, best-effort, and
// moves the machine to its terminal state.
func (m *machine) clean(out *Outcome) {
	if m.tx.Clean != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Printf("WARN transaction: clean panicked scope=%s panic=%v", m.tx.Scope, r)
				}
			}()
			m.tx.Clean()
		}()
	}
	m.to(StateCleaned)
}
