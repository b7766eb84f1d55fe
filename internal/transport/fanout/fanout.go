// Package fanout sends one image stream to several receivers over TCP. The
// server accepts a fixed number of connections and writes every chunk to
// each of them in turn, so the slowest receiver sets the pace.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/bamsammich/diskbeam/internal/event"
	"github.com/bamsammich/diskbeam/internal/transfer"
	"github.com/bamsammich/diskbeam/internal/transport"
	"github.com/bamsammich/diskbeam/internal/transport/proto"
)

// Server accepts Nodes receivers and sends them the same stream.
type Server struct {
	Transfer   *transfer.Transfer
	Operations *event.Operations
	Bus        *event.Bus
	Logger     *slog.Logger
	// Nodes is the number of receivers to wait for. Zero means one.
	Nodes int
}

func (s *Server) log() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Server) ops() *event.Operations {
	if s.Operations == nil {
		s.Operations = event.NewOperations(s.Bus)
	}
	return s.Operations
}

// Session is the set of receivers of one send.
type Session struct {
	log   *slog.Logger
	ops   *event.Operations
	conns []net.Conn
	stop  func() bool
}

// Accept waits until Nodes receivers have connected and completed the
// handshake. A peer that fails the handshake is dropped and does not count.
func (s *Server) Accept(ctx context.Context, ln net.Listener) (*Session, error) {
	nodes := max(s.Nodes, 1)
	addr := ln.Addr().String()
	s.ops().Add(event.WaitClients, addr)
	s.log().Info("waiting for receivers", "addr", addr, "nodes", nodes)

	sess := &Session{log: s.log(), ops: s.ops()}
	for len(sess.conns) < nodes {
		conn, err := transport.Accept(ctx, ln)
		if err != nil {
			sess.Close(err)
			if errors.Is(err, transfer.ErrCancelled) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %d of %d connected: %w", proto.ErrNoReceivers, len(sess.conns), nodes, err)
		}
		peer := conn.RemoteAddr().String()
		if err := transport.Handshake(conn, proto.ServerHandshake); err != nil {
			s.log().Warn("receiver rejected", "peer", peer, "error", err)
			transport.Close(conn, true, s.log())
			continue
		}
		s.log().Info("receiver connected", "peer", peer)
		s.Bus.Publish(event.GeneralEvent{Kind: event.NewConnection, Target: peer})
		s.ops().Add(event.TransferData, peer)
		sess.conns = append(sess.conns, conn)
	}
	s.ops().Complete(event.WaitClients, addr)

	targets := make([]transport.Deadliner, len(sess.conns))
	for i, c := range sess.conns {
		targets[i] = c
	}
	sess.stop = transport.Watch(ctx, targets...)
	return sess, nil
}

// Sinks returns one writer per receiver.
func (sess *Session) Sinks() []io.Writer {
	sinks := make([]io.Writer, len(sess.conns))
	for i, c := range sess.conns {
		sinks[i] = c
	}
	return sinks
}

// Start sends the size prefix to every receiver.
func (sess *Session) Start(size uint64) error {
	for _, c := range sess.conns {
		if err := proto.WriteSize(c, size); err != nil {
			return fmt.Errorf("%w: %s: %w", transfer.ErrSendFailed, c.RemoteAddr(), err)
		}
	}
	return nil
}

// Close ends the session. A non-nil err resets the connections so the
// receivers see the failure.
func (sess *Session) Close(err error) {
	if sess.stop != nil {
		sess.stop()
	}
	for _, c := range sess.conns {
		if err == nil {
			sess.ops.Complete(event.TransferData, c.RemoteAddr().String())
		}
		transport.Close(c, err != nil, sess.log)
	}
	sess.conns = nil
}

// Send accepts the receivers and copies size bytes of src to all of them.
func (s *Server) Send(ctx context.Context, ln net.Listener, src io.Reader, size uint64) (err error) {
	sess, err := s.Accept(ctx, ln)
	if err != nil {
		return err
	}
	defer func() { sess.Close(err) }()

	s.Transfer.UseSocketWrite()
	s.Transfer.SetTotalSize(size)
	if err := sess.Start(size); err != nil {
		return err
	}
	_, err = s.Transfer.Copy(ctx, src, int64(size), sess.Sinks()...) //nolint:gosec // G115: image sizes fit int64
	return err
}

// Receiver connects to a Server.
type Receiver struct {
	Transfer   *transfer.Transfer
	Operations *event.Operations
	Bus        *event.Bus
	Logger     *slog.Logger
	// DialWait bounds how long to wait for the server to listen.
	DialWait time.Duration
}

func (r *Receiver) log() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

func (r *Receiver) ops() *event.Operations {
	if r.Operations == nil {
		r.Operations = event.NewOperations(r.Bus)
	}
	return r.Operations
}

// Stream is an established data connection. Reads return the image bytes
// that follow the size prefix.
type Stream struct {
	net.Conn
	log  *slog.Logger
	ops  *event.Operations
	stop func() bool
	addr string
	// Size is the size the server announced.
	Size uint64
}

// Connect dials addr, completes the handshake and reads the size prefix.
// The announced size becomes the transfer's total.
func (r *Receiver) Connect(ctx context.Context, addr string) (*Stream, error) {
	r.ops().Add(event.WaitServer, addr)
	r.ops().Add(event.TransferData, addr)
	r.log().Info("connecting to server", "addr", addr)

	conn, err := transport.Dial(ctx, addr, r.DialWait)
	if err != nil {
		return nil, err
	}
	if err := transport.Handshake(conn, proto.ClientHandshake); err != nil {
		transport.Close(conn, true, r.log())
		return nil, err
	}
	r.ops().Complete(event.WaitServer, addr)
	r.Bus.Publish(event.GeneralEvent{Kind: event.NewConnection, Target: addr})

	st := &Stream{Conn: conn, log: r.log(), ops: r.ops(), stop: transport.Watch(ctx, conn), addr: addr}
	if st.Size, err = proto.ReadSize(conn); err != nil {
		st.Close(err)
		return nil, fmt.Errorf("%w: size prefix: %w", transfer.ErrReceiveFailed, err)
	}
	r.Transfer.UseSocketRead()
	r.Transfer.SetTotalSize(st.Size)
	return st, nil
}

// Close ends the stream. err reports how the receive ended.
func (st *Stream) Close(err error) {
	st.stop()
	if err == nil {
		st.ops.Complete(event.TransferData, st.addr)
	}
	transport.Close(st.Conn, err != nil, st.log)
}

// Receive connects to addr and copies the stream into sink until the
// server closes the connection.
func (r *Receiver) Receive(ctx context.Context, addr string, sink io.Writer) (err error) {
	st, err := r.Connect(ctx, addr)
	if err != nil {
		return err
	}
	defer func() { st.Close(err) }()
	_, err = r.Transfer.Copy(ctx, st, -1, sink)
	return err
}
