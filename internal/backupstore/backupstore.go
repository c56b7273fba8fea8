// Package backupstore maintains a per-entry directory of timestamped
// backup copies of a managed configuration file, pruning to a retention
// bound after every snapshot.
package backupstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"confguard/internal/model"
)

const dirPerm = 0o750

// stampPattern matches the timestamp suffix a backup filename carries:
// "<basename>.bak.(YYYYMMDD_HHMMSS|YYYYMMDDHHMMSS|\d+)".
var stampPattern = `(?:\d{8}_\d{6}|\d{14}|\d+)`

// Store roots all entries' backup directories under a single backup root.
type Store struct {
	Root       string
	MaxBackups int
	AutoCreate bool
}

// New builds a Store from the global configuration.
func New(root string, maxBackups int, autoCreate bool) *Store {
	return &Store{Root: root, MaxBackups: maxBackups, AutoCreate: autoCreate}
}

// Dir returns the backup directory for an entry: backupRoot/sanitize(name).
func (s *Store) Dir(name string) string {
	return filepath.Join(s.Root, model.SanitizeForDir(name))
}

// EnsureDir creates the entry's backup directory if missing and auto-create
// is enabled, otherwise reports it missing.
func (s *Store) EnsureDir(name string) error {
	dir := s.Dir(name)
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return nil
	}
	if !s.AutoCreate {
		return fmt.Errorf("backup directory %s does not exist and auto_create_backups is disabled", dir)
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("create backup directory %s: %w", dir, err)
	}
	return nil
}

func nameRegexp(basename string) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf(`^%s\.bak\.%s$`, regexp.QuoteMeta(basename), stampPattern))
}

// Snapshot copies the target file (if it exists) into the entry's backup
// directory under a timestamped name, then prunes to MaxBackups. It is a
// no-op, not an error, when the target does not yet exist — there is
// nothing to protect.
func (s *Store) Snapshot(name, targetPath string) error {
	if _, err := os.Stat(targetPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat %s before snapshot: %w", targetPath, err)
	}

	if err := s.EnsureDir(name); err != nil {
		return err
	}

	basename := filepath.Base(targetPath)
	stamp := time.Now().UTC().Format("20060102_150405")
	dest := filepath.Join(s.Dir(name), fmt.Sprintf("%s.bak.%s", basename, stamp))

	if err := retry.Do(func() error {
		return copyFile(targetPath, dest)
	}, retry.Attempts(3), retry.Delay(50*time.Millisecond)); err != nil {
		return fmt.Errorf("snapshot %s: %w", targetPath, err)
	}

	return s.prune(name, basename)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// prune removes every snapshot at index >= MaxBackups, newest-first.
func (s *Store) prune(name, basename string) error {
	files, err := s.listMatching(name, basename)
	if err != nil {
		return err
	}
	if s.MaxBackups <= 0 || len(files) <= s.MaxBackups {
		return nil
	}
	dir := s.Dir(name)
	var errs []error
	for _, f := range files[s.MaxBackups:] {
		if err := retry.Do(func() error {
			return os.Remove(filepath.Join(dir, f))
		}, retry.Attempts(2)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) listMatching(name, basename string) ([]string, error) {
	dir := s.Dir(name)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backup directory %s: %w", dir, err)
	}
	prefix := basename + ".bak."
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), prefix) {
			files = append(files, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(files)))
	return files, nil
}

// List returns the entry's backup filenames sorted newest-first.
func (s *Store) List(name, targetPath string) ([]string, error) {
	basename := filepath.Base(targetPath)
	return s.listMatching(name, basename)
}

// Read validates the filename shape, then returns the backup's raw bytes.
func (s *Store) Read(name, targetPath, filename string) ([]byte, error) {
	basename := filepath.Base(targetPath)
	if !nameRegexp(basename).MatchString(filename) {
		return nil, fmt.Errorf("invalid backup filename %q", filename)
	}
	path := filepath.Join(s.Dir(name), filename)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read backup %s: %w", path, err)
	}
	return data, nil
}

// Restore validates the filename shape, then copies the backup onto the
// target path. Meta enforcement is the caller's responsibility (it is
// invoked uniformly for both write and restore at the handler layer).
func (s *Store) Restore(name, targetPath, filename string) error {
	basename := filepath.Base(targetPath)
	if !nameRegexp(basename).MatchString(filename) {
		return fmt.Errorf("invalid backup filename %q", filename)
	}
	src := filepath.Join(s.Dir(name), filename)
	if err := retry.Do(func() error {
		return copyFile(src, targetPath)
	}, retry.Attempts(3), retry.Delay(50*time.Millisecond)); err != nil {
		return fmt.Errorf("restore %s from %s: %w", targetPath, filename, err)
	}
	return nil
}
