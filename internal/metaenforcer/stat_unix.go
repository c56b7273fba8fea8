//go:build unix

package metaenforcer

import (
	"os"
	"syscall"
)

type uidGid struct {
	uid int
	gid int
}

// statUIDGID extracts the owning uid/gid from a FileInfo on Unix-like
// systems, where os.FileInfo.Sys() is a *syscall.Stat_t.
func statUIDGID(info os.FileInfo) (uidGid, bool) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return uidGid{}, false
	}
	return uidGid{uid: int(stat.Uid), gid: int(stat.Gid)}, true
}
