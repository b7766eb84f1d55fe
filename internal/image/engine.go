package image

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/bamsammich/diskbeam/internal/content"
	"github.com/bamsammich/diskbeam/internal/disk"
	"github.com/bamsammich/diskbeam/internal/event"
	"github.com/bamsammich/diskbeam/internal/filesystem"
	"github.com/bamsammich/diskbeam/internal/platform"
	"github.com/bamsammich/diskbeam/internal/transfer"
)

// Engine creates images from a disk and restores them onto one. Partition
// selects a partition image (its number) or a whole-disk image (zero).
type Engine struct {
	Disk        disk.Disk
	Filesystems *filesystem.Registry
	Transfer    *transfer.Transfer
	Operations  *event.Operations
	Bus         *event.Bus
	Logger      *slog.Logger
	BootLoader  BootLoader
	// Usage reports the bytes in use below a mount point. Nil means
	// platform.UsedBytes.
	Usage func(mountPoint string) (uint64, error)
	// Exclude lists files left out of content streams, such as the image
	// being written.
	Exclude   []string
	Partition int
	// Force skips the fits-on-target check.
	Force bool
	// NoData writes the structure of the disk without any payload.
	NoData bool
}

func (e *Engine) log() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func (e *Engine) ops() *event.Operations {
	if e.Operations == nil {
		e.Operations = event.NewOperations(e.Bus)
	}
	return e.Operations
}

func (e *Engine) usage(mountPoint string) (uint64, error) {
	if e.Usage != nil {
		return e.Usage(mountPoint)
	}
	return platform.UsedBytes(mountPoint)
}

func (e *Engine) lookup(name string) filesystem.Filesystem {
	if name == "" || e.Filesystems == nil {
		return nil
	}
	fs, ok := e.Filesystems.Lookup(name)
	if !ok {
		return nil
	}
	return fs
}

// warn reports a recoverable failure: logged, then published as a
// notification.
func (e *Engine) warn(msg, target string, err error) {
	text := fmt.Sprintf("%s: %s", target, msg)
	if err != nil {
		e.log().Warn(msg, "target", target, "error", err)
		text = fmt.Sprintf("%s: %v", text, err)
	} else {
		e.log().Warn(msg, "target", target)
	}
	e.Bus.Publish(event.Notification{Message: text})
}

func (e *Engine) contentOptions(p Payload) content.Options {
	f := content.Unix
	if p == PayloadDOS {
		f = content.DOS
	}
	return content.Options{Transfer: e.Transfer, Bus: e.Bus, Logger: e.log(), Format: f}
}

func payloadFor(f content.Format) Payload {
	if f == content.DOS {
		return PayloadDOS
	}
	return PayloadUnix
}

// streamBroken reports whether err left the image stream unusable, so no
// later partition can be read from it either.
func streamBroken(err error) bool {
	return errors.Is(err, transfer.ErrReadFailed) ||
		errors.Is(err, transfer.ErrReceiveFailed) ||
		errors.Is(err, transfer.ErrSendFailed) ||
		errors.Is(err, transfer.ErrCancelled) ||
		errors.Is(err, content.ErrCorruptStream) ||
		errors.Is(err, context.Canceled)
}

// writeZeros sends n zero bytes to every sink.
func (e *Engine) writeZeros(ctx context.Context, n uint64, sinks []io.Writer) error {
	zeros := make([]byte, min(n, 64<<10))
	for n > 0 {
		step := min(n, uint64(len(zeros)))
		if err := e.Transfer.Write(ctx, zeros[:step], sinks...); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

func openForWrite(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_WRONLY, 0)
}
