// Package store owns the committed configuration documents and the
// per-scope working copies mutated by in-flight transactions.
package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/lanyardhq/lanyard/internal/document"
	"github.com/lanyardhq/lanyard/internal/lock"
	lanyardyaml "github.com/lanyardhq/lanyard/internal/yaml"
)

// ErrScopeLocked is returned when another transaction already holds the
// working copy for a scope. Callers should retry after that transaction
// commits or discards.
var ErrScopeLocked = errors.New("scope is locked by another transaction")

// PersistenceError wraps an I/O failure while committing a scope. The
// committed document is unchanged when this is returned.
type PersistenceError struct {
	Scope string
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist scope %q: %v", e.Scope, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Store manages committed documents and working copies per scope.
// Backing files live at <root>/<scope>.yaml, written atomically.
type Store struct {
	rootDir string
	locks   *lock.ScopeLocks
	logger  *log.Logger

	mu        sync.Mutex
	committed map[string]document.Document
	working   map[string]document.Document
}

func New(rootDir string, logger *log.Logger) (*Store, error) {
	if err := os.MkdirAll(rootDir, 0755); err != nil {
		return nil, fmt.Errorf("create config root: %w", err)
	}
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Store{
		rootDir:   rootDir,
		locks:     lock.NewScopeLocks(),
		logger:    logger,
		committed: make(map[string]document.Document),
		working:   make(map[string]document.Document),
	}, nil
}

// RootDir returns the configuration root directory.
func (s *Store) RootDir() string { return s.rootDir }

func (s *Store) scopePath(scope string) string {
	return filepath.Join(s.rootDir, scope+".yaml")
}

// Committed returns a read-only snapshot of the committed document for a
// scope. A scope with no backing file is an empty document.
func (s *Store) Committed(scope string) (document.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.committedLocked(scope)
	if err != nil {
		return nil, err
	}
	return doc.Clone(), nil
}

// committedLocked loads the committed document into the cache if needed.
// Caller holds s.mu.
func (s *Store) committedLocked(scope string) (document.Document, error) {
	if doc, ok := s.committed[scope]; ok {
		return doc, nil
	}

	path := s.scopePath(scope)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		doc := document.New()
		s.committed[scope] = doc
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read scope %q: %w", scope, err)
	}

	doc, err := document.Parse(data)
	if err != nil {
		doc, err = s.recoverScope(scope, path, err)
		if err != nil {
			return nil, err
		}
	}
	s.committed[scope] = doc
	return doc, nil
}

// recoverScope handles a corrupted backing file: restore from .bak when
// possible, otherwise quarantine the file and start empty.
func (s *Store) recoverScope(scope, path string, parseErr error) (document.Document, error) {
	s.logger.Printf("WARN store: corrupt scope file scope=%s error=%v", scope, parseErr)

	if err := lanyardyaml.RestoreFromBackup(path); err == nil {
		data, err := os.ReadFile(path)
		if err == nil {
			if doc, err := document.Parse(data); err == nil {
				s.logger.Printf("INFO store: scope restored from backup scope=%s", scope)
				return doc, nil
			}
		}
	}

	if err := lanyardyaml.Quarantine(s.rootDir, path); err != nil {
		return nil, fmt.Errorf("scope %q unreadable and quarantine failed: %w", scope, err)
	}
	s.logger.Printf("WARN store: scope quarantined, starting empty scope=%s", scope)
	return document.New(), nil
}

// LoadWorkingCopy locks the scope and returns its mutable working copy,
// distinct from the committed document. Fails fast with ErrScopeLocked
// if another transaction holds the scope.
func (s *Store) LoadWorkingCopy(scope string) (document.Document, error) {
	if !s.locks.TryLock(scope) {
		return nil, fmt.Errorf("scope %q: %w", scope, ErrScopeLocked)
	}
	return s.checkoutWorkingCopy(scope)
}

// AwaitWorkingCopy waits for the scope lock (FIFO among waiters) and
// then returns the working copy. Use this when same-scope edits should
// queue in submission order rather than fail.
func (s *Store) AwaitWorkingCopy(ctx context.Context, scope string) (document.Document, error) {
	if err := s.locks.Acquire(ctx, scope); err != nil {
		return nil, fmt.Errorf("scope %q: %w", scope, err)
	}
	return s.checkoutWorkingCopy(scope)
}

func (s *Store) checkoutWorkingCopy(scope string) (document.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	committed, err := s.committedLocked(scope)
	if err != nil {
		s.locks.Unlock(scope)
		return nil, err
	}

	wc := committed.Clone()
	s.working[scope] = wc
	return wc, nil
}

// WorkingCopy returns the in-flight working copy for a scope, or nil if
// none is checked out.
func (s *Store) WorkingCopy(scope string) document.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.working[scope]
}

// Commit atomically persists the working copy as the new committed
// document and releases the scope lock. On I/O failure the committed
// document is unchanged, the working copy stays checked out, and the
// lock remains held so the caller can revert and discard.
func (s *Store) Commit(scope string) error {
	s.mu.Lock()
	wc, ok := s.working[scope]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("commit scope %q: no working copy", scope)
	}

	data, err := wc.Marshal()
	if err != nil {
		return &PersistenceError{Scope: scope, Err: err}
	}
	if err := lanyardyaml.AtomicWriteRaw(s.scopePath(scope), data); err != nil {
		return &PersistenceError{Scope: scope, Err: err}
	}

	s.mu.Lock()
	s.committed[scope] = wc
	delete(s.working, scope)
	s.mu.Unlock()

	s.locks.Unlock(scope)
	return nil
}

// Discard drops the working copy without committing and releases the
// scope lock. Idempotent: discarding a scope with no working copy is a
// no-op.
func (s *Store) Discard(scope string) {
	s.mu.Lock()
	_, ok := s.working[scope]
	delete(s.working, scope)
	s.mu.Unlock()

	if ok {
		s.locks.Unlock(scope)
	}
}

// Invalidate drops the cached committed document so the next read goes
// back to disk. Called by the watcher on external file changes. A held
// working copy is never touched.
func (s *Store) Invalidate(scope string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.committed, scope)
}
