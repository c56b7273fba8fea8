// Package atomicwriter writes file contents via a same-directory temporary
// file plus rename, so that a concurrent reader never observes a partial
// payload, falling back to a direct write when the target directory cannot
// be used that way.
package atomicwriter

import (
	"fmt"
	"os"
	"path/filepath"
)

// Method names the strategy actually used for a write.
type Method string

const (
	MethodAtomic Method = "atomic"
	MethodPlain  Method = "plain"
)

// Write stores data at path via a temp-file-plus-rename, falling back to a
// plain write when the rename isn't possible. It returns the method
// actually used so callers can report it back to the client.
func Write(path string, data []byte, mode os.FileMode) (Method, error) {
	dir := filepath.Dir(path)

	if dirWritable(dir) {
		if err := writeAtomic(dir, path, data, mode); err == nil {
			return MethodAtomic, nil
		}
		// Fall through to a plain write on any atomic-path failure.
	}

	if err := os.WriteFile(path, data, mode); err != nil {
		return "", fmt.Errorf("plain write of %s failed: %w", path, err)
	}
	return MethodPlain, nil
}

func writeAtomic(dir, path string, data []byte, mode os.FileMode) error {
	tmp := filepath.Join(dir, fmt.Sprintf(".tmp_%s.%d", filepath.Base(path), os.Getpid()))

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("create temp file %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp file %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp file %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s to %s: %w", tmp, path, err)
	}
	return nil
}

// dirWritable reports whether dir exists and a file may plausibly be
// created in it. It probes by attempting to create and remove a hidden
// sentinel file.
func dirWritable(dir string) bool {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return false
	}
	probe := filepath.Join(dir, fmt.Sprintf(".wtest_%d", os.Getpid()))
	f, err := os.OpenFile(probe, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(probe)
	return true
}
