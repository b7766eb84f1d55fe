package platform

import (
	"fmt"
	"io"
	"os"
)

// DeviceSize returns the size of a block device or regular file in bytes.
// Block devices report zero from stat, so the size comes from seeking to
// the end.
func DeviceSize(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("size of %s: %w", path, err)
	}
	return uint64(n), nil //nolint:gosec // G115: offsets are non-negative
}
