// Package transport holds the TCP plumbing shared by the fanout and link
// transports: dialing with retries, handshakes and closing with a verdict.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"gopkg.in/retry.v1"

	"github.com/bamsammich/diskbeam/internal/transfer"
	"github.com/bamsammich/diskbeam/internal/transport/proto"
)

// DefaultDialWait is how long Dial keeps retrying a peer that is not
// listening yet.
const DefaultDialWait = 30 * time.Second

func dialStrategy(wait time.Duration) retry.Strategy {
	return retry.LimitTime(wait, retry.Exponential{
		Initial:  50 * time.Millisecond,
		Factor:   1.6,
		MaxDelay: 2 * time.Second,
	})
}

// Dial connects to addr over TCP, retrying refused connections for up to
// wait. A receiver started before its server therefore just waits.
func Dial(ctx context.Context, addr string, wait time.Duration) (net.Conn, error) {
	if wait <= 0 {
		wait = DefaultDialWait
	}
	var d net.Dialer
	var lastErr error
	for attempt := retry.StartWithCancel(dialStrategy(wait), nil, ctx.Done()); attempt.Next(); {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", transfer.ErrCancelled, err)
	}
	return nil, fmt.Errorf("%w %s: %w", proto.ErrConnect, addr, lastErr)
}

// Deadliner is a connection or listener with a deadline.
type Deadliner interface {
	SetDeadline(t time.Time) error
}

// Watch makes blocking I/O on every target fail once ctx is done, by
// moving its deadline into the past. The returned stop detaches the watch.
func Watch(ctx context.Context, targets ...Deadliner) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		for _, t := range targets {
			_ = t.SetDeadline(time.Unix(1, 0)) //nolint:errcheck // a closed target is already unblocked
		}
	})
}

// Accept waits for one connection on ln, giving up when ctx is done.
func Accept(ctx context.Context, ln net.Listener) (net.Conn, error) {
	var stop func() bool
	if dl, ok := ln.(Deadliner); ok {
		stop = Watch(ctx, dl)
	} else {
		stop = context.AfterFunc(ctx, func() { ln.Close() })
	}
	conn, err := ln.Accept()
	stop()
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, fmt.Errorf("%w: %w", transfer.ErrCancelled, cerr)
		}
		return nil, err
	}
	return conn, nil
}

// Handshake runs fn with a bounded deadline on conn.
func Handshake(conn net.Conn, fn func(io.ReadWriter) error) error {
	if err := conn.SetDeadline(time.Now().Add(proto.HandshakeTimeout)); err != nil {
		return err
	}
	if err := fn(conn); err != nil {
		return err
	}
	return conn.SetDeadline(time.Time{})
}

// Close ends a data connection. After a failure the connection is reset,
// so the peer reads an error instead of a clean end of stream; otherwise
// the write side is shut down first so the peer reads every byte. Close
// errors are logged, never returned.
func Close(conn net.Conn, failed bool, log *slog.Logger) {
	if conn == nil {
		return
	}
	tcp, _ := conn.(*net.TCPConn)
	switch {
	case tcp != nil && failed:
		_ = tcp.SetLinger(0) //nolint:errcheck // best effort reset
	case tcp != nil:
		if err := tcp.CloseWrite(); err != nil {
			log.Debug("close write failed", "peer", conn.RemoteAddr(), "error", err)
		}
	}
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Warn("close connection failed", "peer", conn.RemoteAddr(), "error", err)
	}
}
