//go:build linux

package platform

import (
	"os"

	"golang.org/x/sys/unix"
)

// Preallocate reserves size bytes for f so a receive fails early on a full
// disk. Errors are ignored: fallocate is not supported on all filesystems
// and never on block devices.
//
//nolint:gosec // G115: fd values are small non-negative integers
func Preallocate(f *os.File, size int64) {
	if info, err := f.Stat(); err != nil || !info.Mode().IsRegular() {
		return
	}
	//nolint:errcheck // advisory
	unix.Fallocate(int(f.Fd()), 0, 0, size)
}
