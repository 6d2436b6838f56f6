// Package request assembles transactions for the common edit shapes:
// mutate one scope's document, or read a value with optional validation.
package request

import (
	"context"
	"fmt"

	"github.com/lanyardhq/lanyard/internal/document"
	"github.com/lanyardhq/lanyard/internal/problem"
	"github.com/lanyardhq/lanyard/internal/staging"
	"github.com/lanyardhq/lanyard/internal/store"
	"github.com/lanyardhq/lanyard/internal/transaction"
)

// Mutator alters a scope's working copy in place.
type Mutator func(doc document.Document) error

// Validator produces a problem report for a scope's current state.
type Validator func(ctx context.Context) (problem.Report, error)

// Update builds a transaction that edits one scope's document through
// the store: the working copy is checked out on stage, mutated on
// apply, and committed on persist or discarded on revert. Same-scope
// updates queue behind each other in submission order.
type Update struct {
	Store       *store.Store
	Area        *staging.Area
	Scope       string
	Description string
	Settings    transaction.Settings

	// Mutate is the in-memory edit. Required.
	Mutate Mutator
	// Validate inspects the scope before the commit decision. Optional.
	Validate Validator
	// Artifacts are staged to disk before the edit is applied.
	Artifacts []staging.Artifact
}

// Build wires the update into a runnable transaction.
func (u Update) Build() (*transaction.Transaction, error) {
	if u.Store == nil {
		return nil, fmt.Errorf("update %q: store is required", u.Description)
	}
	if u.Mutate == nil {
		return nil, fmt.Errorf("update %q: mutator is required", u.Description)
	}
	if len(u.Artifacts) > 0 && u.Area == nil {
		return nil, fmt.Errorf("update %q: artifacts need a staging area", u.Description)
	}

	var session *staging.Session
	if u.Area != nil {
		session = u.Area.NewSession(u.Scope)
	}

	tx := &transaction.Transaction{
		Description: u.Description,
		Scope:       u.Scope,
		Settings:    u.Settings,
		// The working copy is checked out before any artifact touches
		// disk. Taking the scope lock here keeps same-scope updates
		// applying in submission order however long their staging
		// takes.
		Stage: func(ctx context.Context) error {
			if _, err := u.Store.AwaitWorkingCopy(ctx, u.Scope); err != nil {
				return err
			}
			for _, a := range u.Artifacts {
				if _, err := session.Stage(a); err != nil {
					return err
				}
			}
			return nil
		},
		Apply: func(context.Context) error {
			wc := u.Store.WorkingCopy(u.Scope)
			if wc == nil {
				return fmt.Errorf("scope %q has no working copy", u.Scope)
			}
			return u.Mutate(wc)
		},
		// Discard drops the working copy and the scope lock, restoring
		// the committed state.
		Revert: func(context.Context) error {
			u.Store.Discard(u.Scope)
			return nil
		},
		Persist: func(context.Context) error {
			return u.Store.Commit(u.Scope)
		},
		// Stage and validate failures skip the revert, so the checkout
		// is released here too. Discard is a no-op after a commit or an
		// earlier discard.
		Clean: func() {
			u.Store.Discard(u.Scope)
			if session != nil {
				session.Clean()
			}
		},
	}

	if u.Validate != nil {
		tx.Validate = u.Validate
	}

	return tx, nil
}

// Rejected is returned by Get when validation findings meet the
// caller's blocking threshold.
type Rejected struct {
	Report problem.Report
}

func (r *Rejected) Error() string {
	return fmt.Sprintf("validation rejected: %s", r.Report.WorstSeverity())
}

// Get reads a value with optional validation, honoring the caller's
// severity settings the same way an update does.
func Get[T any](ctx context.Context, settings transaction.Settings, getter func(ctx context.Context) (T, error), validate Validator) (T, problem.Report, error) {
	var zero T

	var report problem.Report
	if settings.Validate && validate != nil {
		r, err := validate(ctx)
		report = r
		if err != nil {
			report.Add(problem.SeverityFatal, "", "validation did not complete: %v", err)
		}
	}

	value, err := getter(ctx)
	if err != nil {
		return zero, report, err
	}

	if settings.Blocks(report) {
		return zero, report, &Rejected{Report: report}
	}
	return value, report, nil
}
