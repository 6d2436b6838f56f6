// Package staging writes transaction-scoped auxiliary artifacts to disk
// ahead of a commit and removes them on rollback or cleanup.
package staging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Artifact is any ancillary file a configuration entry owns, e.g. a
// service account key referenced by an account entry.
type Artifact interface {
	Name() string
	Content() ([]byte, error)
}

// File is an artifact held in memory.
type File struct {
	FileName string
	Data     []byte
}

func (f File) Name() string             { return f.FileName }
func (f File) Content() ([]byte, error) { return f.Data, nil }

// Path is an artifact sourced from an existing file on disk, staged
// under its base name.
type Path string

func (p Path) Name() string             { return filepath.Base(string(p)) }
func (p Path) Content() ([]byte, error) { return os.ReadFile(string(p)) }

// StagingError wraps an I/O failure while staging an artifact. Staging
// failures are fatal to the transaction.
type StagingError struct {
	Artifact string
	Err      error
}

func (e *StagingError) Error() string {
	return fmt.Sprintf("stage artifact %q: %v", e.Artifact, e.Err)
}

func (e *StagingError) Unwrap() error { return e.Err }

// Area stages artifacts under <root>/<scope>/<session>/, one session per
// transaction so concurrent transactions on disjoint scopes never
// collide.
type Area struct {
	rootDir string
	logger  *log.Logger
}

func New(rootDir string, logger *log.Logger) *Area {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Area{rootDir: rootDir, logger: logger}
}

// Session is one transaction's staging directory.
type Session struct {
	area  *Area
	scope string
	id    string
}

// NewSession creates a staging session for a scope.
func (a *Area) NewSession(scope string) *Session {
	return &Session{area: a, scope: scope, id: uuid.NewString()}
}

// Dir returns the session's staging directory path.
func (s *Session) Dir() string {
	return filepath.Join(s.area.rootDir, s.scope, s.id)
}

// Stage writes an artifact into the session directory and returns the
// path it was written to.
func (s *Session) Stage(artifact Artifact) (string, error) {
	content, err := artifact.Content()
	if err != nil {
		return "", &StagingError{Artifact: artifact.Name(), Err: err}
	}

	dir := s.Dir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", &StagingError{Artifact: artifact.Name(), Err: err}
	}

	dest := filepath.Join(dir, artifact.Name())
	if err := os.WriteFile(dest, content, 0600); err != nil {
		return "", &StagingError{Artifact: artifact.Name(), Err: err}
	}
	return dest, nil
}

// Clean removes the session directory. Best-effort: failures are logged,
// never returned, since clean runs regardless of the transaction's
// outcome.
func (s *Session) Clean() {
	if err := os.RemoveAll(s.Dir()); err != nil {
		s.area.logger.Printf("WARN staging: clean failed scope=%s session=%s error=%v", s.scope, s.id, err)
	}
	// Drop the scope directory if this was its last session
	_ = os.Remove(filepath.Join(s.area.rootDir, s.scope))
}

// CleanScope removes every staged session for a scope. Best-effort.
func (a *Area) CleanScope(scope string) {
	dir := filepath.Join(a.rootDir, scope)
	if err := os.RemoveAll(dir); err != nil {
		a.logger.Printf("WARN staging: clean scope failed scope=%s error=%v", scope, err)
	}
}
