// Package metaenforcer applies declared ownership and mode to a file after
// a write or restore, logging failures without failing the enclosing
// request — the file itself was already written successfully.
package metaenforcer

import (
	"fmt"
	"log"
	"os"
	"os/user"
	"strconv"

	"github.com/codeGROOVE-dev/retry"

	"confguard/internal/model"
)

// Applied reports the ownership and mode actually observed after an
// enforcement attempt, regardless of whether the attempt succeeded.
type Applied struct {
	UID  int
	GID  int
	Mode os.FileMode
}

// Apply sets owner, group, and mode on path to the entry's declared
// values. It is a no-op unless metadata enforcement is requested for this
// entry (per-entry override, global flag, or any of user/group/mode set).
// Errors are logged as warnings; the function always returns the
// post-attempt observed state so the caller can report it
// truthfully.
func Apply(entry *model.ConfigEntry, path string, globalApplyMeta bool) (Applied, error) {
	if !entry.EffectiveApplyMeta(globalApplyMeta) {
		return statAfter(path)
	}

	if info, err := os.Lstat(path); err == nil && info.Mode()&os.ModeSymlink != 0 {
		log.Printf("[WARN] metaenforcer: refusing to apply metadata to symlink %s", path)
		applied, _ := statAfter(path)
		return applied, fmt.Errorf("refusing to apply metadata to symlink %s", path)
	}

	uid, gid := -1, -1
	if entry.User != "" {
		resolved, err := resolveUID(entry.User)
		if err != nil {
			log.Printf("[WARN] metaenforcer: could not resolve user %q for %s: %v", entry.User, path, err)
		} else {
			uid = resolved
		}
	}
	if entry.Group != "" {
		resolved, err := resolveGID(entry.Group)
		if err != nil {
			log.Printf("[WARN] metaenforcer: could not resolve group %q for %s: %v", entry.Group, path, err)
		} else {
			gid = resolved
		}
	}

	if uid != -1 || gid != -1 {
		err := retry.Do(func() error {
			return os.Chown(path, uid, gid)
		}, retry.Attempts(2))
		if err != nil {
			log.Printf("[WARN] metaenforcer: chown %s to %d:%d failed: %v", path, uid, gid, err)
		}
	}

	if entry.Mode != "" {
		mode, err := parseMode(entry.Mode)
		if err != nil {
			log.Printf("[WARN] metaenforcer: invalid mode %q for %s: %v", entry.Mode, path, err)
		} else {
			err := retry.Do(func() error {
				return os.Chmod(path, mode)
			}, retry.Attempts(2))
			if err != nil {
				log.Printf("[WARN] metaenforcer: chmod %s to %s failed: %v", path, entry.Mode, err)
			}
		}
	}

	return statAfter(path)
}

func statAfter(path string) (Applied, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Applied{}, fmt.Errorf("stat %s after meta enforcement: %w", path, err)
	}
	applied := Applied{Mode: info.Mode().Perm()}
	if stat, ok := statUIDGID(info); ok {
		applied.UID, applied.GID = stat.uid, stat.gid
	}
	return applied, nil
}

// parseMode validates and parses mode as 3 or 4 octal digits.
func parseMode(s string) (os.FileMode, error) {
	if len(s) != 3 && len(s) != 4 {
		return 0, fmt.Errorf("mode %q must be 3 or 4 octal digits", s)
	}
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("mode %q is not valid octal: %w", s, err)
	}
	return os.FileMode(v), nil
}

func resolveUID(spec string) (int, error) {
	if uid, err := strconv.Atoi(spec); err == nil {
		return uid, nil
	}
	u, err := user.Lookup(spec)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(u.Uid)
}

func resolveGID(spec string) (int, error) {
	if gid, err := strconv.Atoi(spec); err == nil {
		return gid, nil
	}
	g, err := user.LookupGroup(spec)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(g.Gid)
}
