//go:build linux

package platform

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Mount mounts device on a fresh temporary directory and returns it.
func Mount(device, fstype string, readOnly bool) (string, error) {
	dir, err := os.MkdirTemp("", "diskbeam-mnt-")
	if err != nil {
		return "", err
	}
	var flags uintptr
	if readOnly {
		flags |= unix.MS_RDONLY
	}
	if err := unix.Mount(device, dir, fstype, flags, ""); err != nil {
		_ = os.Remove(dir) //nolint:errcheck // empty temp dir
		return "", fmt.Errorf("mount %s (%s): %w", device, fstype, err)
	}
	return dir, nil
}

// Unmount detaches the filesystem at dir and removes the directory.
func Unmount(dir string) error {
	if err := unix.Unmount(dir, 0); err != nil {
		return fmt.Errorf("unmount %s: %w", dir, err)
	}
	return os.Remove(dir)
}

// UsedBytes returns the bytes in use on the filesystem holding path.
func UsedBytes(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return (st.Blocks - st.Bfree) * uint64(st.Bsize), nil //nolint:gosec // G115: block size is positive
}
