// Package lock provides per-scope exclusive locks and a flock-based
// single-instance lock for the configuration root.
package lock

import (
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"
)

// ScopeLocks hands out exclusive locks keyed by configuration scope.
// At most one holder exists per scope; waiters queue in FIFO order so
// same-scope work executes in arrival order.
type ScopeLocks struct {
	mu      sync.Mutex
	held    map[string]bool
	waiters map[string][]chan struct{}
}

func NewScopeLocks() *ScopeLocks {
	return &ScopeLocks{
		held:    make(map[string]bool),
		waiters: make(map[string][]chan struct{}),
	}
}

// TryLock acquires the scope lock without waiting. Returns false if the
// scope is already held.
func (s *ScopeLocks) TryLock(scope string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.held[scope] {
		return false
	}
	s.held[scope] = true
	return true
}

// Acquire blocks until the scope lock is available or ctx is done.
// Waiters are served in FIFO order.
func (s *ScopeLocks) Acquire(ctx context.Context, scope string) error {
	s.mu.Lock()
	if !s.held[scope] {
		s.held[scope] = true
		s.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	s.waiters[scope] = append(s.waiters[scope], ready)
	s.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		s.abandon(scope, ready)
		return ctx.Err()
	}
}

// abandon removes a cancelled waiter; if the lock was already handed to
// it, pass it on.
func (s *ScopeLocks) abandon(scope string, ready chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, w := range s.waiters[scope] {
		if w == ready {
			s.waiters[scope] = append(s.waiters[scope][:i], s.waiters[scope][i+1:]...)
			return
		}
	}
	// Not in the queue: the lock was handed over concurrently with
	// cancellation. Release it so the next waiter proceeds.
	s.unlockLocked(scope)
}

// Unlock releases the scope lock, handing it to the first waiter if any.
func (s *ScopeLocks) Unlock(scope string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unlockLocked(scope)
}

func (s *ScopeLocks) unlockLocked(scope string) {
	queue := s.waiters[scope]
	if len(queue) == 0 {
		delete(s.held, scope)
		delete(s.waiters, scope)
		return
	}
	// Direct handoff: held stays true for the next waiter.
	next := queue[0]
	s.waiters[scope] = queue[1:]
	close(next)
}

// Held reports whether the scope is currently locked.
func (s *ScopeLocks) Held(scope string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held[scope]
}

// FileLock guards a configuration root against concurrent daemons.
type FileLock struct {
	path string
	file *os.File
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

func (fl *FileLock) TryLock() error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("acquire lock (another process owns this config root): %w", err)
	}

	// Write PID to lock file
	if err := f.Truncate(0); err != nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return fmt.Errorf("write PID to lock file: %w", err)
	}
	if err := f.Sync(); err != nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return fmt.Errorf("sync lock file: %w", err)
	}

	fl.file = f
	return nil
}

func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}

	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		fl.file.Close()
		return fmt.Errorf("release lock: %w", err)
	}

	if err := fl.file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}

	os.Remove(fl.path)
	fl.file = nil
	return nil
}
