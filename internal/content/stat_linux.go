//go:build linux

package content

import (
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// devIno uniquely identifies an inode for hard link detection.
type devIno struct {
	dev uint64
	ino uint64
}

func atimeFromStat(stat *syscall.Stat_t) time.Time {
	return time.Unix(stat.Atim.Sec, stat.Atim.Nsec)
}

func mtimeFromStat(stat *syscall.Stat_t) time.Time {
	return time.Unix(stat.Mtim.Sec, stat.Mtim.Nsec)
}

func deviceNumbers(stat *syscall.Stat_t) (uint32, uint32) {
	return unix.Major(stat.Rdev), unix.Minor(stat.Rdev)
}

// setTimes sets atime and mtime on path without following a final symlink.
func setTimes(path string, atime, mtime time.Time) error {
	times := []unix.Timespec{
		timespec(atime),
		timespec(mtime),
	}
	return unix.UtimesNanoAt(unix.AT_FDCWD, path, times, unix.AT_SYMLINK_NOFOLLOW)
}

func timespec(t time.Time) unix.Timespec {
	if t.IsZero() {
		return unix.Timespec{Nsec: unix.UTIME_OMIT}
	}
	return unix.NsecToTimespec(t.UnixNano())
}

const selinuxXattr = "security.selinux"

// secContext returns the SELinux label of path, or "" when there is none.
func secContext(path string) string {
	buf := make([]byte, SecContextSize)
	n, err := unix.Lgetxattr(path, selinuxXattr, buf)
	if err != nil || n <= 0 {
		return ""
	}
	// Labels are stored NUL-terminated; keep room for the terminator.
	for n > 0 && buf[n-1] == 0 {
		n--
	}
	if n >= SecContextSize {
		return ""
	}
	return string(buf[:n])
}

func setSecContext(path, label string) error {
	return unix.Lsetxattr(path, selinuxXattr, append([]byte(label), 0), 0)
}

func mknod(path string, mode uint32, major, minor uint32) error {
	return unix.Mknod(path, mode, int(unix.Mkdev(major, minor))) //nolint:gosec // G115: dev_t fits in int on linux
}
