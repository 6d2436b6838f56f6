// Package yaml provides atomic YAML file I/O with backup and quarantine
// support for the configuration store.
package yaml

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"
)

// AtomicWrite marshals v and replaces path with the result. A reader
// racing the write sees either the old document or the new one, never
// a torn file.
func AtomicWrite(path string, v any) error {
	raw, err := yamlv3.Marshal(v)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	return AtomicWriteRaw(path, raw)
}

// AtomicWriteRaw replaces path with raw. The bytes land in a temp file
// in the target directory, are re-read and parse-checked, and only then
// renamed over path. The previous content survives as path+".bak".
func AtomicWriteRaw(path string, raw []byte) error {
	tmpPath, err := writeTemp(filepath.Dir(path), raw)
	if tmpPath != "" {
		defer func() { _ = os.Remove(tmpPath) }()
	}
	if err != nil {
		return err
	}

	// Check what actually reached the disk, not the buffer we handed
	// the kernel.
	onDisk, err := os.ReadFile(tmpPath)
	if err != nil {
		return fmt.Errorf("reread %s: %w", tmpPath, err)
	}
	if err := validateYAML(onDisk); err != nil {
		return fmt.Errorf("written yaml does not parse: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, path+".bak"); err != nil {
			return fmt.Errorf("create backup: %w", err)
		}
	}

	// Rename is atomic within a directory; writeTemp put the file next
	// to its destination.
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// writeTemp writes raw to a fresh temp file under dir and syncs it. Its
// path is returned even on failure so the caller can remove the debris.
func writeTemp(dir string, raw []byte) (string, error) {
	tmp, err := os.CreateTemp(dir, ".lanyard-tmp-*.yaml")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	name := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return name, fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return name, fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return name, fmt.Errorf("close %s: %w", name, err)
	}
	return name, nil
}

func validateYAML(content []byte) error {
	var v any
	return yamlv3.Unmarshal(content, &v)
}

// copyFile duplicates src into dst, syncing before it reports success.
// A rename would be cheaper but would make the live file vanish for the
// duration of the backup.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
