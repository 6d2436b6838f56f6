package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultMaxLogSize is the rotation threshold (20MB).
	DefaultMaxLogSize = 20 * 1024 * 1024
	// ArchiveDir is where rotated logs go.
	ArchiveDir = "archive"
)

// AuditEntry is one line of the mutation audit trail.
type AuditEntry struct {
	Timestamp   time.Time      `json:"timestamp"`
	EventType   string         `json:"event_type"`
	TaskID      string         `json:"task_id,omitempty"`
	Scope       string         `json:"scope,omitempty"`
	Description string         `json:"description,omitempty"`
	Disposition string         `json:"disposition,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// AuditLogger appends JSON lines describing every mutation outcome, with
// size-based rotation into an archive directory.
type AuditLogger struct {
	mu          sync.Mutex
	file        *os.File
	currentSize int64
	maxSize     int64
	logPath     string
}

// NewAuditLogger opens (or creates) the audit log at logPath.
func NewAuditLogger(logPath string, maxSize int64) (*AuditLogger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}

	l := &AuditLogger{logPath: logPath, maxSize: maxSize}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := l.openLogFile(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *AuditLogger) openLogFile() error {
	file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}

	l.file = file
	l.currentSize = stat.Size()
	return nil
}

// Record appends one entry. The timestamp is filled in here.
func (l *AuditLogger) Record(entry AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry.Timestamp = time.Now().UTC()

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	line = append(line, '\n')

	if l.currentSize+int64(len(line)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return err
		}
	}

	n, err := l.file.Write(line)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	l.currentSize += int64(n)
	return nil
}

func (l *AuditLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close audit log for rotation: %w", err)
	}

	archiveDir := filepath.Join(filepath.Dir(l.logPath), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	stamp := time.Now().UTC().Format("20060102T150405")
	archived := filepath.Join(archiveDir, fmt.Sprintf("%s.%s", filepath.Base(l.logPath), stamp))
	if err := os.Rename(l.logPath, archived); err != nil {
		return fmt.Errorf("archive audit log: %w", err)
	}

	return l.openLogFile()
}

// Close flushes and closes the log file.
func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
