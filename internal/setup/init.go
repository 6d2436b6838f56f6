// Package setup initializes a lanyard config root.
package setup

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lanyardhq/lanyard/internal/config"
	"github.com/lanyardhq/lanyard/internal/yaml"
)

const rootDirName = ".lanyard"

// Run creates the .lanyard/ directory structure in the given project
// directory. projectName defaults to the directory basename when empty.
func Run(projectDir, projectName string) (string, error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, rootDirName)

	if _, err := os.Stat(base); err == nil {
		return "", fmt.Errorf("%s already exists", base)
	}

	dirs := []string{
		"scopes",
		"staging",
		"audit",
		"logs",
		"locks",
		"quarantine",
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return "", fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	cfg := config.Default()
	if projectName != "" {
		cfg.Project.Name = projectName
	} else {
		cfg.Project.Name = filepath.Base(absDir)
	}
	cfg.Project.Created = time.Now().Format(time.RFC3339)

	if err := yaml.AtomicWrite(filepath.Join(base, "config.yaml"), cfg); err != nil {
		return "", fmt.Errorf("write config.yaml: %w", err)
	}

	// Pre-create the daemon lock file
	if err := os.WriteFile(filepath.Join(base, "locks", "daemon.lock"), nil, 0600); err != nil {
		return "", fmt.Errorf("create daemon.lock: %w", err)
	}

	return base, nil
}

// FindRoot searches for .lanyard/ in the given directory and its
// ancestors, returning "" when none exists.
func FindRoot(startDir string) string {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, rootDirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
