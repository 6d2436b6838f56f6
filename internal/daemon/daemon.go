// Package daemon ties the configuration store, staging area, and task
// runner together behind a unix socket API.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/lanyardhq/lanyard/internal/config"
	"github.com/lanyardhq/lanyard/internal/events"
	"github.com/lanyardhq/lanyard/internal/lock"
	"github.com/lanyardhq/lanyard/internal/runner"
	"github.com/lanyardhq/lanyard/internal/staging"
	"github.com/lanyardhq/lanyard/internal/store"
	"github.com/lanyardhq/lanyard/internal/transaction"
	"github.com/lanyardhq/lanyard/internal/uds"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Daemon is the long-running process the CLI talks to.
type Daemon struct {
	rootDir  string
	cfg      config.Config
	defaults transaction.Settings
	logLevel LogLevel
	logger   *log.Logger
	logFile  io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	store    *store.Store
	watcher  *store.Watcher
	area     *staging.Area
	runner   *runner.Runner
	bus      *events.Bus
	audit    *events.AuditLogger
	unsubs   []func()

	ctx      context.Context
	cancel   context.CancelFunc
	shutdown sync.Once

	forceExit atomic.Bool
}

// New creates a daemon rooted at a config directory, logging to
// logs/daemon.log inside it.
func New(rootDir string, cfg config.Config) (*Daemon, error) {
	logPath := filepath.Join(rootDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}

	return newDaemon(rootDir, cfg, logFile, logFile)
}

// newDaemon is the internal constructor for testing.
func newDaemon(rootDir string, cfg config.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	defaults, err := cfg.Edits.Settings()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger := log.New(w, "", 0)

	d := &Daemon{
		rootDir:  rootDir,
		cfg:      cfg,
		defaults: defaults,
		logLevel: parseLogLevel(cfg.Logging.Level),
		logger:   logger,
		logFile:  closer,
		fileLock: lock.NewFileLock(filepath.Join(rootDir, "locks", "daemon.lock")),
		server:   uds.NewServer(filepath.Join(rootDir, uds.DefaultSocketName), logger),
		ctx:      ctx,
		cancel:   cancel,
	}

	return d, nil
}

// Start brings the daemon up without blocking: lock, store, runner,
// socket. The caller is responsible for calling Shutdown.
func (d *Daemon) Start() error {
	for _, dir := range []string{"locks", "scopes", "staging", "audit"} {
		if err := os.MkdirAll(filepath.Join(d.rootDir, dir), 0755); err != nil {
			return fmt.Errorf("ensure dir %s: %w", dir, err)
		}
	}

	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.log(LogLevelInfo, "daemon starting pid=%d root=%s", os.Getpid(), d.rootDir)

	st, err := store.New(filepath.Join(d.rootDir, "scopes"), d.logger)
	if err != nil {
		d.cleanup()
		return fmt.Errorf("open store: %w", err)
	}
	d.store = st

	if d.cfg.Store.Watch {
		watcher, err := store.Watch(st)
		if err != nil {
			d.cleanup()
			return fmt.Errorf("watch scopes: %w", err)
		}
		d.watcher = watcher
	}

	d.area = staging.New(filepath.Join(d.rootDir, "staging"), d.logger)
	d.bus = events.NewBus(0)

	if d.cfg.Audit.Enabled {
		maxSize := d.cfg.Audit.MaxLogBytes
		if maxSize <= 0 {
			maxSize = events.DefaultMaxLogSize
		}
		audit, err := events.NewAuditLogger(filepath.Join(d.rootDir, "audit", "events.log"), maxSize)
		if err != nil {
			d.cleanup()
			return fmt.Errorf("open audit log: %w", err)
		}
		d.audit = audit
		d.subscribeAudit()
	}

	retention := time.Duration(d.cfg.Runner.RetentionMin) * time.Minute
	d.runner = runner.New(runner.Options{
		Workers:   d.cfg.Runner.Workers,
		QueueSize: d.cfg.Runner.QueueSize,
		Retention: retention,
		Logger:    d.logger,
		Bus:       d.bus,
	})

	d.registerHandlers()
	if d.cfg.Daemon.ConnTimeoutSec > 0 {
		d.server.SetConnTimeout(time.Duration(d.cfg.Daemon.ConnTimeoutSec) * time.Second)
	}
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start socket server: %w", err)
	}
	d.log(LogLevelInfo, "listening on %s", d.SocketPath())
	d.log(LogLevelInfo, "daemon ready")

	return nil
}

// Run starts the daemon and blocks until a shutdown signal arrives.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}
	d.waitSignals()
	return nil
}

// SocketPath returns the unix socket the daemon serves on.
func (d *Daemon) SocketPath() string {
	return filepath.Join(d.rootDir, uds.DefaultSocketName)
}

// subscribeAudit forwards every bus event into the audit log.
func (d *Daemon) subscribeAudit() {
	types := []events.EventType{
		events.EventTaskSubmitted,
		events.EventTaskStarted,
		events.EventTaskCompleted,
		events.EventScopeCommitted,
		events.EventScopeReverted,
	}
	for _, et := range types {
		eventType := et
		unsub := d.bus.Subscribe(eventType, func(ev events.Event) {
			entry := events.AuditEntry{
				EventType: string(eventType),
				Details:   ev.Data,
			}
			if id, ok := ev.Data["task_id"].(string); ok {
				entry.TaskID = id
			}
			if scope, ok := ev.Data["scope"].(string); ok {
				entry.Scope = scope
			}
			if desc, ok := ev.Data["description"].(string); ok {
				entry.Description = desc
			}
			if disp, ok := ev.Data["disposition"].(string); ok {
				entry.Disposition = disp
			}
			if err := d.audit.Record(entry); err != nil {
				d.log(LogLevelWarn, "audit record failed error=%v", err)
			}
		})
		d.unsubs = append(d.unsubs, unsub)
	}
}

// waitSignals blocks until a shutdown signal is received.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	d.log(LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)

	// Second signal → force exit
	go func() {
		<-sigCh
		d.log(LogLevelWarn, "received second signal, forcing exit")
		d.forceExit.Store(true)
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(LogLevelInfo, "shutdown started")

		// 1. Stop accepting new requests
		d.cancel()
		if d.server != nil {
			_ = d.server.Stop()
		}

		// 2. Drain in-flight tasks with timeout
		timeout := d.cfg.Daemon.ShutdownTimeoutSec
		if timeout <= 0 {
			timeout = 30
		}

		if d.runner != nil {
			done := make(chan struct{})
			go func() {
				_ = d.runner.Close()
				close(done)
			}()

			select {
			case <-done:
				d.log(LogLevelInfo, "all tasks drained")
			case <-time.After(time.Duration(timeout) * time.Second):
				d.log(LogLevelWarn, "shutdown timeout after %ds, some tasks may be incomplete", timeout)
			}
		}

		// 3. Stop event consumers after producers
		for _, unsub := range d.unsubs {
			unsub()
		}
		if d.bus != nil {
			d.bus.Close()
		}
		if d.audit != nil {
			_ = d.audit.Close()
		}
		if d.watcher != nil {
			_ = d.watcher.Close()
		}

		d.cleanup()
		d.log(LogLevelInfo, "daemon stopped")
	})
}

// cleanup releases resources.
func (d *Daemon) cleanup() {
	_ = os.Remove(d.SocketPath())
	_ = d.fileLock.Unlock()
	if d.logFile != nil {
		_ = d.logFile.Close()
	}
}

func (d *Daemon) log(level LogLevel, format string, args ...any) {
	if level < d.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	d.logger.Printf("%s %s daemon: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
