// Package config defines the daemon's own configuration file, as opposed
// to the scope documents the daemon manages.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/lanyardhq/lanyard/internal/problem"
	"github.com/lanyardhq/lanyard/internal/transaction"
)

type Config struct {
	Project ProjectConfig `yaml:"project"`
	Store   StoreConfig   `yaml:"store"`
	Runner  RunnerConfig  `yaml:"runner"`
	Edits   EditsConfig   `yaml:"edits"`
	Daemon  DaemonConfig  `yaml:"daemon"`
	Audit   AuditConfig   `yaml:"audit"`
	Logging LoggingConfig `yaml:"logging"`
}

type ProjectConfig struct {
	Name    string `yaml:"name"`
	Created string `yaml:"created"`
}

type StoreConfig struct {
	// Watch reloads the committed cache when scope files change on disk
	// outside the daemon.
	Watch bool `yaml:"watch"`
}

type RunnerConfig struct {
	Workers      int `yaml:"workers" validate:"min=0,max=64"`
	QueueSize    int `yaml:"queue_size" validate:"min=0"`
	RetentionMin int `yaml:"retention_min" validate:"min=0"`
}

// EditsConfig sets the validation defaults a request gets when the
// caller does not override them.
type EditsConfig struct {
	Severity       string `yaml:"severity" validate:"omitempty,oneof=none info warning error fatal"`
	Validate       *bool  `yaml:"validate"`
	BlockInclusive bool   `yaml:"block_inclusive"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec" validate:"min=0"`
	ConnTimeoutSec     int `yaml:"conn_timeout_sec" validate:"min=0"`
}

type AuditConfig struct {
	Enabled     bool  `yaml:"enabled"`
	MaxLogBytes int64 `yaml:"max_log_bytes" validate:"min=0"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
}

// Settings converts the configured edit defaults into transaction
// settings, starting from the built-in defaults.
func (e EditsConfig) Settings() (transaction.Settings, error) {
	s := transaction.DefaultSettings()
	if e.Severity != "" {
		sev, err := problem.ParseSeverity(e.Severity)
		if err != nil {
			return s, fmt.Errorf("edits.severity: %w", err)
		}
		s.Severity = sev
	}
	if e.Validate != nil {
		s.Validate = *e.Validate
	}
	s.BlockInclusive = e.BlockInclusive
	return s, nil
}

var configValidator = validator.New()

// Default returns the configuration a fresh config root starts with.
func Default() Config {
	enabled := true
	return Config{
		Store: StoreConfig{Watch: true},
		Runner: RunnerConfig{
			Workers:      4,
			QueueSize:    64,
			RetentionMin: 60,
		},
		Edits: EditsConfig{
			Severity: "warning",
			Validate: &enabled,
		},
		Daemon: DaemonConfig{
			ShutdownTimeoutSec: 30,
			ConnTimeoutSec:     30,
		},
		Audit:   AuditConfig{Enabled: true},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads and validates a config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := configValidator.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
