package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/bamsammich/diskbeam/internal/event"
	"github.com/bamsammich/diskbeam/internal/transfer"
	"github.com/bamsammich/diskbeam/internal/transport"
	"github.com/bamsammich/diskbeam/internal/transport/proto"
)

// Receiver is one node of a chain.
type Receiver struct {
	Transfer   *transfer.Transfer
	Operations *event.Operations
	Bus        *event.Bus
	Logger     *slog.Logger
	// Group is the discovery address. A multicast address is joined on
	// Interface; any other address is listened on directly. Empty means
	// the default group.
	Group     string
	Interface *net.Interface
	// ListenAddr is the TCP data address. Empty means every interface on
	// proto.DefaultDataPort.
	ListenAddr string
	DialWait   time.Duration
	// ChainWait bounds the wait for a next hop once a server was
	// answered. Zero means three discovery windows.
	ChainWait time.Duration
}

func (r *Receiver) log() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

func (r *Receiver) chainWait() time.Duration {
	if r.ChainWait > 0 {
		return r.ChainWait
	}
	return 3 * proto.DiscoveryTimeout
}

func (r *Receiver) ops() *event.Operations {
	if r.Operations == nil {
		r.Operations = event.NewOperations(r.Bus)
	}
	return r.Operations
}

// Node holds a receiver's sockets from discovery until its predecessor
// connects.
type Node struct {
	r      *Receiver
	udp    net.PacketConn
	data   net.Listener
	server net.Addr
	next   netip.AddrPort
}

// Listen opens the discovery and data sockets.
func (r *Receiver) Listen(ctx context.Context) (*Node, error) {
	group := r.Group
	if group == "" {
		group = DefaultGroupAddr()
	}
	gaddr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, fmt.Errorf("discovery address %s: %w", group, err)
	}

	var udp net.PacketConn
	if gaddr.IP.IsMulticast() {
		lc := net.ListenConfig{Control: reuseAddr}
		udp, err = lc.ListenPacket(ctx, "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(gaddr.Port)))
		if err == nil {
			if jerr := ipv4.NewPacketConn(udp).JoinGroup(r.Interface, &net.UDPAddr{IP: gaddr.IP}); jerr != nil {
				udp.Close()
				err = fmt.Errorf("join group %s: %w", gaddr.IP, jerr)
			}
		}
	} else {
		udp, err = net.ListenUDP("udp4", gaddr)
	}
	if err != nil {
		return nil, fmt.Errorf("discovery socket: %w", err)
	}

	listen := r.ListenAddr
	if listen == "" {
		listen = net.JoinHostPort("", strconv.Itoa(proto.DefaultDataPort))
	}
	data, err := net.Listen("tcp4", listen)
	if err != nil {
		udp.Close()
		return nil, fmt.Errorf("data listener: %w", err)
	}
	return &Node{r: r, udp: udp, data: data}, nil
}

// DiscoveryAddr is the bound discovery address.
func (n *Node) DiscoveryAddr() net.Addr { return n.udp.LocalAddr() }

// DataAddr is the bound data address.
func (n *Node) DataAddr() net.Addr { return n.data.Addr() }

// Next is the data address this node relays to; proto.IsNull when it is
// the end of the chain.
func (n *Node) Next() netip.AddrPort { return n.next }

// Close releases the node's sockets.
func (n *Node) Close() error {
	return errors.Join(n.udp.Close(), n.data.Close())
}

// Join answers the first server that announces itself and waits for the
// next hop it assigns. A server that assigns none within ChainWait fails
// the join with proto.ErrNotChained.
func (n *Node) Join(ctx context.Context) error {
	discovery := n.DiscoveryAddr().String()
	n.r.ops().Add(event.WaitServer, discovery)
	n.r.log().Info("waiting for server", "discovery", discovery, "data", n.DataAddr())

	stop := transport.Watch(ctx, n.udp)
	defer stop()

	port := uint16(n.DataAddr().(*net.TCPAddr).Port) //nolint:gosec,forcetypeassert // G115: ports fit; tcp4 listener
	reply, err := proto.Datagram{Flags: proto.LinkClientOK, Port: port}.MarshalBinary()
	if err != nil {
		return err
	}

	buf := make([]byte, proto.MaxDatagramSize)
	for {
		size, from, err := n.udp.ReadFrom(buf)
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return fmt.Errorf("%w: %w", transfer.ErrCancelled, cerr)
			}
			if n.server != nil && errors.Is(err, os.ErrDeadlineExceeded) {
				return fmt.Errorf("%w: %s within %s", proto.ErrNotChained, n.server, n.r.chainWait())
			}
			return fmt.Errorf("discovery: %w", err)
		}
		d, err := proto.ParseDatagram(buf[:size])
		if err != nil {
			n.r.log().Debug("ignoring datagram", "from", from, "error", err)
			continue
		}
		if n.server != nil && from.String() != n.server.String() {
			continue
		}
		switch {
		case d.Flags.Has(proto.NextLinkIP) && n.server != nil:
			n.next = d.Next
			_ = n.udp.SetReadDeadline(time.Time{}) //nolint:errcheck // a closed socket fails the next read
			n.ack()
			n.r.ops().Complete(event.WaitServer, discovery)
			n.r.Bus.Publish(event.GeneralEvent{Kind: event.NewConnection, Target: from.String()})
			n.r.log().Info("joined chain", "server", from, "next", n.next)
			return nil
		case d.Flags.Has(proto.LinkServerOK):
			if n.server == nil && ctx.Err() == nil {
				_ = n.udp.SetReadDeadline(time.Now().Add(n.r.chainWait())) //nolint:errcheck // a closed socket fails the next read
			}
			n.server = from
			if _, err := n.udp.WriteTo(reply, from); err != nil {
				n.r.log().Warn("cannot answer server", "server", from, "error", err)
			}
		}
	}
}

func (n *Node) ack() {
	msg, _ := proto.Datagram{Flags: proto.ReceiverOK}.MarshalBinary() //nolint:errcheck // fixed one-byte datagram
	if _, err := n.udp.WriteTo(msg, n.server); err != nil {
		n.r.log().Debug("cannot acknowledge next hop", "server", n.server, "error", err)
	}
}

// answerRepeats acknowledges repeated next-hop instructions, whose first
// acknowledgement may have been lost, until the discovery socket closes.
func (n *Node) answerRepeats() {
	buf := make([]byte, proto.MaxDatagramSize)
	for {
		size, from, err := n.udp.ReadFrom(buf)
		if err != nil {
			return
		}
		d, err := proto.ParseDatagram(buf[:size])
		if err == nil && d.Flags.Has(proto.NextLinkIP) && from.String() == n.server.String() {
			n.ack()
		}
	}
}

// Stream is a node's data path: reads come from the predecessor, and the
// connection to the successor, if any, is one of Sinks.
type Stream struct {
	in   net.Conn
	out  net.Conn
	log  *slog.Logger
	ops  *event.Operations
	stop func() bool
	// Size is the size the origin announced.
	Size uint64
}

// Accept waits for the predecessor, connects to the successor and passes
// the size prefix on. The discovery socket is closed once the predecessor
// has connected.
func (n *Node) Accept(ctx context.Context) (*Stream, error) {
	var wg sync.WaitGroup
	wg.Go(n.answerRepeats)
	in, err := transport.Accept(ctx, n.data)
	n.udp.Close()
	wg.Wait()
	if err != nil {
		return nil, err
	}
	peer := in.RemoteAddr().String()
	n.r.ops().Add(event.TransferData, peer)
	n.r.log().Info("predecessor connected", "peer", peer)

	st := &Stream{in: in, log: n.r.log(), ops: n.r.ops()}
	if !proto.IsNull(n.next) {
		if st.out, err = transport.Dial(ctx, n.next.String(), n.r.DialWait); err != nil {
			transport.Close(in, true, st.log)
			return nil, err
		}
		n.r.Bus.Publish(event.GeneralEvent{Kind: event.NewConnection, Target: n.next.String()})
	}
	targets := []transport.Deadliner{in}
	if st.out != nil {
		targets = append(targets, st.out)
	}
	st.stop = transport.Watch(ctx, targets...)

	if st.Size, err = proto.ReadSize(in); err != nil {
		st.Close(err)
		return nil, fmt.Errorf("%w: size prefix: %w", transfer.ErrReceiveFailed, err)
	}
	if st.out != nil {
		if err := proto.WriteSize(st.out, st.Size); err != nil {
			st.Close(err)
			return nil, fmt.Errorf("%w: size prefix: %w", transfer.ErrSendFailed, err)
		}
	}
	return st, nil
}

func (st *Stream) Read(p []byte) (int, error) { return st.in.Read(p) }

// Sinks returns local followed by the successor connection, if any.
func (st *Stream) Sinks(local io.Writer) []io.Writer {
	if st.out == nil {
		return []io.Writer{local}
	}
	return []io.Writer{local, sendWriter{st.out}}
}

// Close ends both connections. A non-nil err resets them, so the failure
// travels up and down the chain.
func (st *Stream) Close(err error) {
	st.stop()
	if err == nil {
		st.ops.Complete(event.TransferData, st.in.RemoteAddr().String())
	}
	transport.Close(st.in, err != nil, st.log)
	transport.Close(st.out, err != nil, st.log)
}

// sendWriter marks write errors on the successor as send failures.
type sendWriter struct {
	conn net.Conn
}

func (w sendWriter) Write(p []byte) (int, error) {
	n, err := w.conn.Write(p)
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", transfer.ErrSendFailed, w.conn.RemoteAddr(), err)
	}
	return n, err
}

// Receive joins a chain, then copies the stream into sink while relaying
// it to the next hop.
func (r *Receiver) Receive(ctx context.Context, sink io.Writer) error {
	node, err := r.Listen(ctx)
	if err != nil {
		return err
	}
	defer node.Close()
	return node.Receive(ctx, sink)
}

// Receive runs the node: join, accept, then copy and relay.
func (n *Node) Receive(ctx context.Context, sink io.Writer) (err error) {
	if err := n.Join(ctx); err != nil {
		return err
	}
	st, err := n.Accept(ctx)
	if err != nil {
		return err
	}
	defer func() { st.Close(err) }()

	n.r.Transfer.UseSocketRead()
	n.r.Transfer.SetTotalSize(st.Size)
	_, err = n.r.Transfer.Copy(ctx, st, -1, st.Sinks(sink)...)
	return err
}
