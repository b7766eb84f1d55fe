//go:build unix

package link

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseAddr lets several receivers on one host share the discovery port.
func reuseAddr(_, _ string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1) //nolint:gosec // G115: fd fits int
	})
	return errors.Join(err, serr)
}
