//go:build unix

package persistence

import (
	"os"
	"syscall"
)

// sameDevice reports whether two FileInfos describe paths on the same
// filesystem, used to refuse cross-mount shadow-write targets.
func sameDevice(a, b os.FileInfo) bool {
	as, aok := a.Sys().(*syscall.Stat_t)
	bs, bok := b.Sys().(*syscall.Stat_t)
	if !aok || !bok {
		return true
	}
	return as.Dev == bs.Dev
}
