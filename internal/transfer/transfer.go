// Package transfer moves bytes from one source to one or more sinks in
// fixed-size chunks, counting progress and publishing it on the event bus.
package transfer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/zeebo/blake3"
	"golang.org/x/time/rate"

	"github.com/bamsammich/diskbeam/internal/event"
)

const (
	// DefaultChunkSize is the size of one read.
	DefaultChunkSize = 256 * 1024
	// DefaultUpdateQuotient is how many chunks pass between progress events.
	DefaultUpdateQuotient = 16
)

var (
	ErrReadFailed    = errors.New("read failed")
	ErrWriteFailed   = errors.New("write failed")
	ErrReceiveFailed = errors.New("receive failed")
	ErrSendFailed    = errors.New("send failed")
	ErrCancelled     = errors.New("transfer cancelled")
)

type (
	readFunc  func(r io.Reader, p []byte) (int, error)
	writeFunc func(w io.Writer, p []byte) (int, error)
)

// Options configures a Transfer.
type Options struct {
	Bus            *event.Bus
	Limiter        *rate.Limiter
	ChunkSize      int
	UpdateQuotient int
	Digest         bool
}

// Transfer is the byte mover of one clone session. It is not safe for
// concurrent copies; only Transferred and Total may be read from other
// goroutines.
type Transfer struct {
	read         readFunc
	write        writeFunc
	readErr      error
	writeErr     error
	bus          *event.Bus
	limiter      *rate.Limiter
	hasher       *blake3.Hasher
	buf          []byte
	transferred  atomic.Uint64
	total        atomic.Uint64
	lastNotified uint64
	threshold    uint64
	digest       bool
}

// New returns a Transfer using the local read and write primitives.
func New(opts Options) *Transfer {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.UpdateQuotient <= 0 {
		opts.UpdateQuotient = DefaultUpdateQuotient
	}
	t := &Transfer{
		bus:       opts.Bus,
		limiter:   opts.Limiter,
		buf:       make([]byte, opts.ChunkSize),
		threshold: uint64(opts.ChunkSize) * uint64(opts.UpdateQuotient), //nolint:gosec // G115: both positive
		digest:    opts.Digest,
	}
	if t.digest {
		t.hasher = blake3.New()
	}
	t.UseLocalRead()
	t.UseLocalWrite()
	return t
}

// UseLocalRead reads from files and devices: one read call per chunk.
func (t *Transfer) UseLocalRead() {
	t.read = localRead
	t.readErr = ErrReadFailed
}

// UseSocketRead reads from a network peer: each chunk is filled completely
// unless the peer closes the connection.
func (t *Transfer) UseSocketRead() {
	t.read = socketRead
	t.readErr = ErrReceiveFailed
}

// UseLocalWrite writes to files and devices.
func (t *Transfer) UseLocalWrite() {
	t.write = writeAll
	t.writeErr = ErrWriteFailed
}

// UseSocketWrite writes to network peers.
func (t *Transfer) UseSocketWrite() {
	t.write = writeAll
	t.writeErr = ErrSendFailed
}

func localRead(r io.Reader, p []byte) (int, error) {
	for {
		n, err := r.Read(p)
		if n > 0 || err != nil {
			return n, err
		}
	}
}

func socketRead(r io.Reader, p []byte) (int, error) {
	n, err := io.ReadFull(r, p)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	return n, err
}

func writeAll(w io.Writer, p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := w.Write(p[written:])
		written += n
		if err != nil {
			return written, err
		}
		if n == 0 {
			return written, io.ErrShortWrite
		}
	}
	return written, nil
}

// SetTotalSize announces the size of the whole transfer. Observers use it as
// the denominator of a percentage.
func (t *Transfer) SetTotalSize(n uint64) {
	t.total.Store(n)
	t.bus.Publish(event.TransferEvent{Kind: event.TotalSize, Bytes: n})
}

// Total returns the last announced total size.
func (t *Transfer) Total() uint64 { return t.total.Load() }

// Transferred returns the number of bytes moved so far in this session.
func (t *Transfer) Transferred() uint64 { return t.transferred.Load() }

// Reset zeroes the counters and digest for a new session.
func (t *Transfer) Reset() {
	t.transferred.Store(0)
	t.total.Store(0)
	t.lastNotified = 0
	if t.digest {
		t.hasher = blake3.New()
	}
}

// Digest returns the hex BLAKE3 digest of every byte moved, or "" when
// digests are disabled.
func (t *Transfer) Digest() string {
	if t.hasher == nil {
		return ""
	}
	return hex.EncodeToString(t.hasher.Sum(nil))
}

// Copy moves n bytes from src to every sink, chunk by chunk. A negative n
// copies until src reports EOF. Each chunk is written to the sinks in order
// before the next chunk is read, so a slow sink slows the whole copy.
// It returns the number of bytes consumed from src, including a chunk that
// was read but could not be written.
func (t *Transfer) Copy(ctx context.Context, src io.Reader, n int64, sinks ...io.Writer) (int64, error) {
	var consumed int64
	for n < 0 || consumed < n {
		if err := ctx.Err(); err != nil {
			return consumed, fmt.Errorf("%w: %w", ErrCancelled, err)
		}

		want := len(t.buf)
		if n >= 0 && n-consumed < int64(want) {
			want = int(n - consumed)
		}

		nr, rerr := t.read(src, t.buf[:want])
		if nr > 0 {
			consumed += int64(nr)
			if err := t.emit(ctx, t.buf[:nr], sinks); err != nil {
				return consumed, err
			}
		}
		if rerr == nil {
			continue
		}
		if errors.Is(rerr, io.EOF) {
			if n < 0 {
				return consumed, nil
			}
			return consumed, fmt.Errorf("%w: unexpected end of stream after %d of %d bytes", t.readErr, consumed, n)
		}
		return consumed, fmt.Errorf("%w: %w", t.readErr, rerr)
	}
	return consumed, nil
}

// Write sends p to every sink and counts it as transferred.
func (t *Transfer) Write(ctx context.Context, p []byte, sinks ...io.Writer) error {
	return t.emit(ctx, p, sinks)
}

// ReadFull fills p from src and counts it as transferred.
func (t *Transfer) ReadFull(ctx context.Context, src io.Reader, p []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	n, err := io.ReadFull(src, p)
	if n > 0 {
		t.account(p[:n])
	}
	if err != nil {
		return fmt.Errorf("%w: %w", t.readErr, err)
	}
	return t.throttle(ctx, n)
}

// Discard reads and drops n bytes from src. It keeps a stream framed when
// the real destination of those bytes failed.
func (t *Transfer) Discard(ctx context.Context, src io.Reader, n int64) (int64, error) {
	return t.Copy(ctx, src, n, io.Discard)
}

func (t *Transfer) emit(ctx context.Context, p []byte, sinks []io.Writer) error {
	if err := t.throttle(ctx, len(p)); err != nil {
		return err
	}
	for i, w := range sinks {
		if _, err := t.write(w, p); err != nil {
			if len(sinks) > 1 {
				return fmt.Errorf("%w: sink %d: %w", t.writeErr, i, err)
			}
			return fmt.Errorf("%w: %w", t.writeErr, err)
		}
	}
	t.account(p)
	return nil
}

func (t *Transfer) account(p []byte) {
	if t.hasher != nil {
		_, _ = t.hasher.Write(p) //nolint:errcheck // hash writes never fail
	}
	total := t.transferred.Add(uint64(len(p)))
	if total-t.lastNotified >= t.threshold {
		t.lastNotified = total
		t.bus.Publish(event.TransferEvent{Kind: event.TransferredBytes, Bytes: total})
	}
}

func (t *Transfer) throttle(ctx context.Context, n int) error {
	if t.limiter == nil {
		return nil
	}
	burst := t.limiter.Burst()
	if burst <= 0 {
		return nil
	}
	for n > 0 {
		step := min(n, burst)
		if err := t.limiter.WaitN(ctx, step); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %w", ErrCancelled, err)
			}
			return err
		}
		n -= step
	}
	return nil
}
