package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/bamsammich/diskbeam/internal/transfer"
)

// Dumper writes a filesystem tree as a content stream.
type Dumper struct {
	mounts  map[string]struct{}
	exclude map[devIno]struct{}
	inodes  map[devIno]string
	opts    Options
	report  reporter
	root    string
	sinks   []io.Writer
	result  Result
	rootDev uint64
}

// NewDumper returns a Dumper. Paths in exclude are left out of the walk;
// the image file being written is passed here when it lives inside the
// tree being dumped.
func NewDumper(opts Options, exclude ...string) *Dumper {
	d := &Dumper{
		opts:    opts,
		exclude: make(map[devIno]struct{}),
	}
	for _, p := range exclude {
		var st syscall.Stat_t
		if err := syscall.Stat(p, &st); err == nil {
			d.exclude[devIno{dev: st.Dev, ino: st.Ino}] = struct{}{}
		}
	}
	return d
}

// Dump walks root depth-first and writes every entry to all sinks. The
// stream ends with the EOD record that closes root.
func (d *Dumper) Dump(ctx context.Context, root string, sinks ...io.Writer) (Result, error) {
	d.root = filepath.Clean(root)
	d.sinks = sinks
	d.inodes = make(map[devIno]string)
	d.result = Result{}
	d.report = newReporter(d.opts, &d.result)

	var st syscall.Stat_t
	if err := syscall.Stat(d.root, &st); err != nil {
		// An unreadable root is an empty tree, so the stream stays framed.
		d.report.warn(d.root, err)
		return d.result, d.emit(ctx, EOD())
	}
	d.rootDev = st.Dev
	d.mounts = mountPointsUnder(d.root)

	err := d.walkDir(ctx, "")
	return d.result, err
}

func (d *Dumper) walkDir(ctx context.Context, rel string) error {
	abs := filepath.Join(d.root, rel)
	entries, err := os.ReadDir(abs)
	if err != nil {
		d.report.warn(abs, err)
		return d.emit(ctx, EOD())
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", transfer.ErrCancelled, err)
		}
		if err := d.dumpEntry(ctx, filepath.Join(rel, entry.Name())); err != nil {
			return err
		}
	}
	return d.emit(ctx, EOD())
}

//nolint:revive // cyclomatic: one branch per file type
func (d *Dumper) dumpEntry(ctx context.Context, rel string) error {
	abs := filepath.Join(d.root, rel)

	var st syscall.Stat_t
	if err := syscall.Lstat(abs, &st); err != nil {
		d.report.warn(abs, err)
		return nil
	}
	id := devIno{dev: st.Dev, ino: st.Ino}
	if _, skip := d.exclude[id]; skip {
		d.report.log.Debug("excluding live image from walk", "path", abs)
		return nil
	}

	rec := d.recordFromStat(filepath.Base(rel), abs, &st)

	switch rec.Type() {
	case ModeDir:
		if err := d.emit(ctx, rec); err != nil {
			return err
		}
		if d.isBoundary(rel, abs, &st) {
			return d.emit(ctx, EOD())
		}
		return d.walkDir(ctx, rel)

	case ModeRegular:
		if st.Nlink > 1 {
			if first, seen := d.inodes[id]; seen {
				rec.Mode = ModeHardlink | rec.Perm()
				return d.emitWithPayload(ctx, rec, first)
			}
		}
		emitted, err := d.dumpRegular(ctx, abs, rec)
		if emitted && st.Nlink > 1 {
			d.inodes[id] = rel
		}
		return err

	case ModeSymlink:
		target, err := os.Readlink(abs)
		if err != nil {
			d.report.warn(abs, err)
			return nil
		}
		if target == "" || len(target) > maxLinkPayload {
			d.report.warn(abs, fmt.Errorf("symlink target of %d bytes", len(target)))
			return nil
		}
		return d.emitWithPayload(ctx, rec, target)

	case ModeBlock, ModeChar, ModeFIFO, ModeSocket:
		rec.Size = 0
		d.result.Entries++
		return d.emit(ctx, rec)

	default:
		d.report.warn(abs, fmt.Errorf("unsupported file type %o", rec.Type()))
		return nil
	}
}

func (d *Dumper) recordFromStat(name, abs string, st *syscall.Stat_t) Record {
	rec := Record{
		Name:  name,
		Mode:  st.Mode,
		UID:   st.Uid,
		GID:   st.Gid,
		Atime: atimeFromStat(st),
		Mtime: mtimeFromStat(st),
	}
	if rec.Type() == ModeRegular {
		rec.Size = uint64(st.Size) //nolint:gosec // G115: sizes are non-negative
	}
	if rec.Type() == ModeBlock || rec.Type() == ModeChar {
		rec.Major, rec.Minor = deviceNumbers(st)
	}
	if d.opts.Format == Unix {
		rec.SecContext = secContext(abs)
	}
	return rec
}

// isBoundary reports whether a directory's contents must not be walked:
// runtime pseudo-filesystems and anything mounted below root.
func (d *Dumper) isBoundary(rel, abs string, st *syscall.Stat_t) bool {
	if isPseudoDir(rel) {
		return true
	}
	if st.Dev != d.rootDev {
		return true
	}
	_, mounted := d.mounts[abs]
	return mounted
}

// dumpRegular writes the record and payload of a regular file. It reports
// whether the record made it into the stream.
func (d *Dumper) dumpRegular(ctx context.Context, abs string, rec Record) (bool, error) {
	f, err := os.Open(abs)
	if err != nil {
		d.report.warn(abs, err)
		return false, nil
	}
	defer f.Close()

	if err := d.emit(ctx, rec); err != nil {
		return false, err
	}
	d.result.Entries++

	size := int64(rec.Size) //nolint:gosec // G115: came from st.Size
	n, err := d.opts.Transfer.Copy(ctx, f, size, d.sinks...)
	d.result.Bytes += n
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, transfer.ErrReadFailed) {
		return true, err
	}

	// The header promised size bytes. The file shrank or could not be read,
	// so pad with zeros to keep the stream framed.
	d.report.warn(abs, err)
	return true, d.pad(ctx, size-n)
}

func (d *Dumper) pad(ctx context.Context, n int64) error {
	zeros := make([]byte, min(n, 64*1024))
	for n > 0 {
		step := min(n, int64(len(zeros)))
		if err := d.opts.Transfer.Write(ctx, zeros[:step], d.sinks...); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

func (d *Dumper) emitWithPayload(ctx context.Context, rec Record, payload string) error {
	rec.Size = uint64(len(payload))
	if err := d.emit(ctx, rec); err != nil {
		return err
	}
	d.result.Entries++
	return d.opts.Transfer.Write(ctx, []byte(payload), d.sinks...)
}

func (d *Dumper) emit(ctx context.Context, rec Record) error {
	p, err := rec.Marshal(d.opts.Format)
	if err != nil {
		return err
	}
	return d.opts.Transfer.Write(ctx, p, d.sinks...)
}
