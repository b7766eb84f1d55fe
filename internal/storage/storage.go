// Package storage opens and creates image files, locally or on a host
// reached over SSH. New images are written under a temporary name and
// renamed into place on Commit, so an interrupted create never leaves a
// truncated image at the final path.
package storage

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/sftp"

	"github.com/bamsammich/diskbeam/internal/platform"
)

// Options configures access to image locations.
type Options struct {
	SSH    SSHOpts
	Logger *slog.Logger
}

func (o Options) log() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// fileSystem is the small set of calls an image location needs.
type fileSystem interface {
	open(name string) (file, error)
	create(name string) (file, error)
	rename(oldname, newname string) error
	remove(name string) error
	join(dir, name string) string
	split(name string) (dir, base string)
	io.Closer
}

type file interface {
	io.ReadWriteCloser
	Stat() (os.FileInfo, error)
}

func connect(loc Location, opts Options) (fileSystem, error) {
	if !loc.IsRemote() {
		return localFS{}, nil
	}
	sshOpts := opts.SSH
	if loc.Port != 0 {
		sshOpts.Port = loc.Port
	}
	conn, err := DialSSH(loc.Host, loc.User, sshOpts)
	if err != nil {
		return nil, err
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("sftp client: %w", err)
	}
	return &sftpFS{client: client, conn: conn}, nil
}

// Reader is an image opened for reading.
type Reader struct {
	file
	fs   fileSystem
	size int64
}

// Size is the length of the image file in bytes.
func (r *Reader) Size() int64 { return r.size }

func (r *Reader) Close() error {
	return errors.Join(r.file.Close(), r.fs.Close())
}

// Open opens the image at loc for reading.
func Open(loc Location, opts Options) (*Reader, error) {
	fsys, err := connect(loc, opts)
	if err != nil {
		return nil, err
	}
	return openFS(fsys, loc.Path)
}

func openFS(fsys fileSystem, name string) (*Reader, error) {
	f, err := fsys.open(name)
	if err != nil {
		fsys.Close()
		return nil, fmt.Errorf("open image %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		fsys.Close()
		return nil, fmt.Errorf("stat image %s: %w", name, err)
	}
	return &Reader{file: f, fs: fsys, size: info.Size()}, nil
}

// Writer is an image being created. Bytes go to a temporary file next to
// the final path until Commit.
type Writer struct {
	f         file
	fs        fileSystem
	log       *slog.Logger
	tmp       string
	final     string
	committed bool
	closed    bool
}

// Create starts a new image at loc. The caller must Close the writer;
// closing without Commit discards the image.
func Create(loc Location, opts Options) (*Writer, error) {
	fsys, err := connect(loc, opts)
	if err != nil {
		return nil, err
	}
	return createFS(fsys, loc.Path, opts.log())
}

func createFS(fsys fileSystem, name string, log *slog.Logger) (*Writer, error) {
	dir, base := fsys.split(name)
	tmp := fsys.join(dir, fmt.Sprintf(".%s.%s.tmp", base, uuid.New().String()[:8]))
	f, err := fsys.create(tmp)
	if err != nil {
		fsys.Close()
		return nil, fmt.Errorf("create image %s: %w", name, err)
	}
	return &Writer{f: f, fs: fsys, log: log, tmp: tmp, final: name}, nil
}

func (w *Writer) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

// Name is the path currently being written, which is the temporary file
// until Commit. For local images it is the path to exclude from a dump.
func (w *Writer) Name() string {
	if w.committed {
		return w.final
	}
	return w.tmp
}

// Reserve preallocates size bytes for a local image so a create on a full
// disk fails early. Remote images ignore it.
func (w *Writer) Reserve(size int64) {
	if f, ok := w.f.(*os.File); ok {
		platform.Preallocate(f, size)
	}
}

// Commit flushes the image and moves it to its final path.
func (w *Writer) Commit() error {
	if w.closed {
		return os.ErrClosed
	}
	w.closed = true
	if err := w.f.Close(); err != nil {
		w.discard()
		return fmt.Errorf("close image %s: %w", w.tmp, err)
	}
	if err := w.fs.rename(w.tmp, w.final); err != nil {
		w.discard()
		return fmt.Errorf("rename image to %s: %w", w.final, err)
	}
	w.committed = true
	return nil
}

// Close releases the writer. An uncommitted image is removed.
func (w *Writer) Close() error {
	if !w.closed {
		w.closed = true
		w.f.Close()
		w.discard()
	}
	return w.fs.Close()
}

func (w *Writer) discard() {
	if err := w.fs.remove(w.tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.log.Warn("cannot remove partial image", "path", w.tmp, "error", err)
	}
}

type localFS struct{}

func (localFS) open(name string) (file, error) { return os.Open(name) }

func (localFS) create(name string) (file, error) {
	return os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
}

func (localFS) rename(oldname, newname string) error { return os.Rename(oldname, newname) }
func (localFS) remove(name string) error             { return os.Remove(name) }
func (localFS) join(dir, name string) string         { return filepath.Join(dir, name) }
func (localFS) split(name string) (string, string)   { return filepath.Split(name) }
func (localFS) Close() error                         { return nil }

type sftpFS struct {
	client *sftp.Client
	conn   io.Closer
}

func (s *sftpFS) open(name string) (file, error) { return s.client.Open(name) }

func (s *sftpFS) create(name string) (file, error) {
	f, err := s.client.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return nil, err
	}
	if err := s.client.Chmod(name, 0o644); err != nil {
		f.Close()
		_ = s.client.Remove(name)
		return nil, err
	}
	return f, nil
}

// rename replaces newname; plain SFTP rename fails when the target exists.
func (s *sftpFS) rename(oldname, newname string) error {
	_ = s.client.Remove(newname)
	return s.client.Rename(oldname, newname)
}

func (s *sftpFS) remove(name string) error           { return s.client.Remove(name) }
func (s *sftpFS) join(dir, name string) string       { return path.Join(dir, name) }
func (s *sftpFS) split(name string) (string, string) { return path.Split(name) }

func (s *sftpFS) Close() error {
	err := s.client.Close()
	if s.conn != nil {
		if cerr := s.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
