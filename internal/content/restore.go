package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/bamsammich/diskbeam/internal/transfer"
)

// Restorer recreates a tree from a content stream.
type Restorer struct {
	src    io.Reader
	create func(path string) (io.WriteCloser, error)
	report reporter
	opts   Options
	root   string
	result Result
}

// NewRestorer returns a Restorer.
func NewRestorer(opts Options) *Restorer {
	return &Restorer{
		opts: opts,
		create: func(path string) (io.WriteCloser, error) {
			return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
		},
	}
}

// Restore reads records from src and recreates them below root until the
// EOD that closes root. Per-entry failures become warnings; the stream is
// always consumed up to that EOD unless a read fails.
func (r *Restorer) Restore(ctx context.Context, root string, src io.Reader) (Result, error) {
	r.root = filepath.Clean(root)
	r.src = src
	r.result = Result{}
	r.report = newReporter(r.opts, &r.result)

	err := r.restoreDir(ctx, "")
	return r.result, err
}

// Skip consumes one whole content stream from src without creating
// anything. It keeps an image framed when the destination of a stream is
// unusable.
func (r *Restorer) Skip(ctx context.Context, src io.Reader) error {
	r.src = src
	r.result = Result{}
	r.report = newReporter(r.opts, &r.result)
	return r.skipDir(ctx)
}

func (r *Restorer) readRecord(ctx context.Context) (Record, error) {
	buf := make([]byte, r.opts.Format.RecordSize())
	if err := r.opts.Transfer.ReadFull(ctx, r.src, buf); err != nil {
		return Record{}, err
	}
	rec, err := Unmarshal(r.opts.Format, buf)
	if err != nil {
		return Record{}, err
	}
	return rec, rec.validate()
}

func (r *Restorer) readPayload(ctx context.Context, size uint64) (string, error) {
	buf := make([]byte, size)
	if err := r.opts.Transfer.ReadFull(ctx, r.src, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

//nolint:revive // cyclomatic: one branch per file type
func (r *Restorer) restoreDir(ctx context.Context, rel string) error {
	for {
		rec, err := r.readRecord(ctx)
		if err != nil {
			return err
		}
		if rec.IsEOD() {
			return nil
		}

		childRel := filepath.Join(rel, rec.Name)
		path := filepath.Join(r.root, childRel)

		switch rec.Type() {
		case ModeDir:
			if err := r.restoreSubdir(ctx, childRel, path, rec); err != nil {
				return err
			}

		case ModeRegular:
			if err := r.restoreRegular(ctx, path, rec); err != nil {
				return err
			}

		case ModeHardlink:
			target, err := r.readPayload(ctx, rec.Size)
			if err != nil {
				return err
			}
			if !filepath.IsLocal(target) {
				return fmt.Errorf("%w: hard link %q points outside the tree: %q", ErrCorruptStream, childRel, target)
			}
			source, err := r.linkSource(target)
			if err != nil {
				r.report.warn(path, err)
				continue
			}
			removeExisting(path)
			if err := os.Link(source, path); err != nil {
				r.report.warn(path, err)
				continue
			}
			r.result.Entries++

		case ModeSymlink:
			target, err := r.readPayload(ctx, rec.Size)
			if err != nil {
				return err
			}
			removeExisting(path)
			if err := os.Symlink(target, path); err != nil {
				r.report.warn(path, err)
				continue
			}
			r.result.Entries++
			r.applyMetadata(path, rec)

		default: // devices, FIFOs, sockets
			removeExisting(path)
			if err := mknod(path, rec.Mode, rec.Major, rec.Minor); err != nil {
				r.report.warn(path, err)
				continue
			}
			r.result.Entries++
			r.applyMetadata(path, rec)
		}
	}
}

func (r *Restorer) restoreSubdir(ctx context.Context, rel, path string, rec Record) error {
	if err := os.Mkdir(path, 0o700); err != nil {
		if info, statErr := os.Lstat(path); statErr != nil || !info.IsDir() {
			// The whole sub-tree is unreachable; consume it to stay framed.
			r.report.warn(path, err)
			return r.skipDir(ctx)
		}
	}
	r.result.Entries++

	if err := r.restoreDir(ctx, rel); err != nil {
		return err
	}
	// Children change the directory's mtime, so metadata goes last.
	r.applyMetadata(path, rec)
	return nil
}

func (r *Restorer) restoreRegular(ctx context.Context, path string, rec Record) error {
	size := int64(rec.Size) //nolint:gosec // G115: checked against stream framing, not memory
	removeExisting(path)

	w, err := r.create(path)
	if err != nil {
		r.report.warn(path, err)
		return r.skip(ctx, size)
	}

	n, err := r.opts.Transfer.Copy(ctx, r.src, size, w)
	r.result.Bytes += n
	if err != nil {
		w.Close()
		if !errors.Is(err, transfer.ErrWriteFailed) {
			return err
		}
		// Destination failed part way: drop the rest of this payload so
		// the next record starts where the writer expects it.
		r.report.warn(path, err)
		return r.skip(ctx, size-n)
	}
	if err := w.Close(); err != nil {
		r.report.warn(path, err)
		return nil
	}

	r.result.Entries++
	r.applyMetadata(path, rec)
	return nil
}

func (r *Restorer) skip(ctx context.Context, n int64) error {
	if n <= 0 {
		return nil
	}
	_, err := r.opts.Transfer.Discard(ctx, r.src, n)
	return err
}

// skipDir consumes records up to and including the EOD that closes the
// current directory, without creating anything.
func (r *Restorer) skipDir(ctx context.Context) error {
	for {
		rec, err := r.readRecord(ctx)
		if err != nil {
			return err
		}
		switch {
		case rec.IsEOD():
			return nil
		case rec.Type() == ModeDir:
			if err := r.skipDir(ctx); err != nil {
				return err
			}
		default:
			if err := r.skip(ctx, int64(rec.Size)); err != nil { //nolint:gosec // G115: see restoreRegular
				return err
			}
		}
	}
}

func (r *Restorer) applyMetadata(path string, rec Record) {
	if r.opts.Format == Unix {
		// Fails without CAP_CHOWN; the entry is still usable.
		if err := os.Lchown(path, int(rec.UID), int(rec.GID)); err != nil {
			r.report.log.Debug("chown failed", "path", path, "error", err)
		}
		if rec.SecContext != "" {
			if err := setSecContext(path, rec.SecContext); err != nil {
				r.report.log.Debug("set security context failed", "path", path, "error", err)
			}
		}
	}
	if rec.Type() != ModeSymlink {
		if err := unix.Chmod(path, rec.Perm()); err != nil && r.opts.Format == Unix {
			r.report.warn(path, fmt.Errorf("chmod: %w", err))
		}
	}
	if err := setTimes(path, rec.Atime, rec.Mtime); err != nil {
		r.report.warn(path, fmt.Errorf("set times: %w", err))
	}
}

// linkSource resolves the directory of a hard link target below root. A
// symlink restored earlier in the stream may turn a lexically local path
// into one outside the tree. The last element is not resolved since link
// does not follow it.
func (r *Restorer) linkSource(target string) (string, error) {
	root, err := filepath.EvalSymlinks(r.root)
	if err != nil {
		return "", err
	}
	dir, err := filepath.EvalSymlinks(filepath.Join(root, filepath.Dir(target)))
	if err != nil {
		return "", err
	}
	if rel, err := filepath.Rel(root, dir); err != nil || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q resolves to %s", ErrOutsideTree, target, dir)
	}
	return filepath.Join(dir, filepath.Base(target)), nil
}

func removeExisting(path string) {
	if info, err := os.Lstat(path); err == nil && !info.IsDir() {
		_ = os.Remove(path) //nolint:errcheck // a failure shows up when the entry is created
	}
}
