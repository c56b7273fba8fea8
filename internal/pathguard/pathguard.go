// Package pathguard canonicalises filesystem paths and verifies that they
// are contained within a configured allow-list of roots, rejecting
// symlinks along the way. It is the first line of defence against a
// controller that is fed a traversal-shaped or symlink-aliased path.
package pathguard

import (
	"log"
	"os"
	"path/filepath"
	"strings"

	"confguard/internal/model"
)

// Guard evaluates paths against an allow-list of roots under a given mode.
type Guard struct {
	Mode  model.GuardMode
	Roots []string // each ends in "/"
}

// New builds a Guard from the raw configured roots, normalising each one to
// end in a trailing slash so that "/etc/foo" cannot match "/etc/foobar".
func New(mode model.GuardMode, roots []string) *Guard {
	g := &Guard{Mode: mode}
	for _, r := range roots {
		g.Roots = append(g.Roots, ensureTrailingSlash(filepath.Clean(r)))
	}
	return g
}

func ensureTrailingSlash(p string) string {
	if !strings.HasSuffix(p, "/") {
		return p + "/"
	}
	return p
}

// Canonicalise returns the canonical directory of p, normalised to end in
// "/": for an existing file, the directory of its real path; for an
// existing directory, its real path; otherwise the real path of p's parent
// directory.
func Canonicalise(p string) (string, error) {
	info, err := os.Lstat(p)
	if err == nil && !info.IsDir() {
		real, err := filepath.EvalSymlinks(p)
		if err != nil {
			return "", err
		}
		return ensureTrailingSlash(filepath.Dir(real)), nil
	}
	if err == nil && info.IsDir() {
		real, err := filepath.EvalSymlinks(p)
		if err != nil {
			return "", err
		}
		return ensureTrailingSlash(real), nil
	}
	// p does not exist: resolve its parent directory instead.
	parent := filepath.Dir(p)
	real, err := filepath.EvalSymlinks(parent)
	if err != nil {
		return "", err
	}
	return ensureTrailingSlash(real), nil
}

// IsAllowed rejects symlinks outright, then applies the mode-specific
// containment policy.
func (g *Guard) IsAllowed(p string) bool {
	if info, err := os.Lstat(p); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return false
	}

	if g.Mode == model.GuardOff {
		return true
	}

	dir, err := Canonicalise(p)
	if err != nil {
		if g.Mode == model.GuardAudit {
			log.Printf("[WARN] path_guard: could not resolve %q, allowing in audit mode: %v", p, err)
			return true
		}
		return false
	}

	if len(g.Roots) == 0 {
		if g.Mode == model.GuardAudit {
			log.Printf("[WARN] path_guard: no allowed_roots configured, allowing %q in audit mode", p)
			return true
		}
		return false
	}

	for _, root := range g.Roots {
		if dir == root || strings.HasPrefix(dir, root) {
			return true
		}
	}

	if g.Mode == model.GuardAudit {
		log.Printf("[WARN] path_guard: %q (canonical dir %q) is outside allowed_roots, allowing in audit mode", p, dir)
		return true
	}
	return false
}
