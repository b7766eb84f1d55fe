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
	"time"

	"golang.org/x/net/ipv4"

	"github.com/bamsammich/diskbeam/internal/event"
	"github.com/bamsammich/diskbeam/internal/transfer"
	"github.com/bamsammich/diskbeam/internal/transport"
	"github.com/bamsammich/diskbeam/internal/transport/proto"
)

const (
	announceInterval = 500 * time.Millisecond
	ackTimeout       = 300 * time.Millisecond
	instructAttempts = 5
)

// DefaultGroupAddr is the multicast group and port of discovery.
func DefaultGroupAddr() string {
	return net.JoinHostPort(proto.DefaultGroup, strconv.Itoa(proto.DefaultDiscoveryPort))
}

// Sender discovers receivers, arranges them in a chain and sends the image
// to the first of them.
type Sender struct {
	Transfer   *transfer.Transfer
	Operations *event.Operations
	Bus        *event.Bus
	Logger     *slog.Logger
	// Targets are the discovery addresses announced to. Empty means the
	// default multicast group.
	Targets []string
	// Window is how long replies are collected. Zero means
	// proto.DiscoveryTimeout.
	Window time.Duration
	// MaxNodes caps the chain length. Zero means proto.DefaultChainLength.
	MaxNodes int
	DialWait time.Duration
}

func (s *Sender) log() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Sender) ops() *event.Operations {
	if s.Operations == nil {
		s.Operations = event.NewOperations(s.Bus)
	}
	return s.Operations
}

func (s *Sender) targets() ([]*net.UDPAddr, error) {
	names := s.Targets
	if len(names) == 0 {
		names = []string{DefaultGroupAddr()}
	}
	addrs := make([]*net.UDPAddr, 0, len(names))
	for _, name := range names {
		a, err := net.ResolveUDPAddr("udp4", name)
		if err != nil {
			return nil, fmt.Errorf("discovery address %s: %w", name, err)
		}
		addrs = append(addrs, a)
	}
	return addrs, nil
}

// Chain is the sender's end of an established chain.
type Chain struct {
	Hops []Hop
	conn net.Conn
	log  *slog.Logger
	ops  *event.Operations
	stop func() bool
}

// Connect discovers receivers, tells each one its next hop and opens the
// data connection to the first.
func (s *Sender) Connect(ctx context.Context) (*Chain, error) {
	targets, err := s.targets()
	if err != nil {
		return nil, err
	}
	udp, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, fmt.Errorf("discovery socket: %w", err)
	}
	defer udp.Close()

	pc := ipv4.NewPacketConn(udp)
	if err := pc.SetMulticastTTL(1); err != nil {
		s.log().Debug("cannot set multicast TTL", "error", err)
	}
	if err := pc.SetMulticastLoopback(true); err != nil {
		s.log().Debug("cannot enable multicast loopback", "error", err)
	}

	waitTarget := targets[0].String()
	s.ops().Add(event.WaitClients, waitTarget)
	candidates, err := s.discover(ctx, udp, targets)
	if err != nil {
		return nil, err
	}
	s.ops().Complete(event.WaitClients, waitTarget)

	hops := PlanChain(candidates)
	for _, h := range hops {
		s.log().Info("chain hop", "hop", h.String())
		if err := s.instruct(ctx, udp, h); err != nil {
			return nil, err
		}
	}

	first := hops[0].Data.String()
	s.ops().Add(event.TransferData, first)
	conn, err := transport.Dial(ctx, first, s.DialWait)
	if err != nil {
		return nil, err
	}
	s.Bus.Publish(event.GeneralEvent{Kind: event.NewConnection, Target: first})
	return &Chain{Hops: hops, conn: conn, log: s.log(), ops: s.ops(), stop: transport.Watch(ctx, conn)}, nil
}

// discover announces the server until the window closes or MaxNodes
// receivers have answered. Candidates keep their reply order.
func (s *Sender) discover(ctx context.Context, udp *net.UDPConn, targets []*net.UDPAddr) ([]Candidate, error) {
	window := s.Window
	if window <= 0 {
		window = proto.DiscoveryTimeout
	}
	maxNodes := s.MaxNodes
	if maxNodes <= 0 {
		maxNodes = proto.DefaultChainLength
	}
	announce, err := proto.Datagram{Flags: proto.LinkServerOK}.MarshalBinary()
	if err != nil {
		return nil, err
	}

	var candidates []Candidate
	seen := make(map[netip.AddrPort]bool)
	end := time.Now().Add(window)
	next := time.Now()
	buf := make([]byte, proto.MaxDatagramSize)

	for len(candidates) < maxNodes {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", transfer.ErrCancelled, err)
		}
		now := time.Now()
		if !now.Before(end) {
			break
		}
		if !now.Before(next) {
			for _, t := range targets {
				if _, err := udp.WriteToUDP(announce, t); err != nil {
					s.log().Debug("announce failed", "target", t, "error", err)
				}
			}
			next = now.Add(announceInterval)
		}

		if err := udp.SetReadDeadline(minTime(next, end)); err != nil {
			return nil, err
		}
		n, from, err := udp.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			return nil, fmt.Errorf("discovery: %w", err)
		}
		d, err := proto.ParseDatagram(buf[:n])
		if err != nil || !d.Flags.Has(proto.LinkClientOK) {
			continue
		}
		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		if seen[from] {
			continue
		}
		seen[from] = true
		c := Candidate{Control: from, Data: netip.AddrPortFrom(from.Addr(), d.Port)}
		s.log().Info("receiver found", "receiver", c.String())
		candidates = append(candidates, c)
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: none answered within %s", proto.ErrNoReceivers, window)
	}
	return candidates, nil
}

// instruct sends a receiver its next hop until it acknowledges.
func (s *Sender) instruct(ctx context.Context, udp *net.UDPConn, h Hop) error {
	msg, err := proto.Datagram{Flags: proto.NextLinkIP, Next: h.Next}.MarshalBinary()
	if err != nil {
		return err
	}
	buf := make([]byte, proto.MaxDatagramSize)
	for range instructAttempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", transfer.ErrCancelled, err)
		}
		if _, err := udp.WriteToUDPAddrPort(msg, h.Control); err != nil {
			return fmt.Errorf("send next hop to %s: %w", h.Control, err)
		}
		if err := udp.SetReadDeadline(time.Now().Add(ackTimeout)); err != nil {
			return err
		}
		for {
			n, from, err := udp.ReadFromUDPAddrPort(buf)
			if err != nil {
				break
			}
			d, err := proto.ParseDatagram(buf[:n])
			if err == nil && d.Flags.Has(proto.ReceiverOK) && from.Addr().Unmap() == h.Control.Addr() && from.Port() == h.Control.Port() {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: %s did not acknowledge its next hop", proto.ErrHandshake, h.Data)
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

// Start sends the size prefix to the first hop.
func (c *Chain) Start(size uint64) error {
	if err := proto.WriteSize(c.conn, size); err != nil {
		return fmt.Errorf("%w: %w", transfer.ErrSendFailed, err)
	}
	return nil
}

// Sinks returns the data connection to the first hop.
func (c *Chain) Sinks() []io.Writer {
	return []io.Writer{c.conn}
}

// Close ends the chain. A non-nil err resets the connection, and each hop
// passes the reset on.
func (c *Chain) Close(err error) {
	c.stop()
	if err == nil {
		c.ops.Complete(event.TransferData, c.Hops[0].Data.String())
	}
	transport.Close(c.conn, err != nil, c.log)
}

// Send builds a chain and copies size bytes of src down it.
func (s *Sender) Send(ctx context.Context, src io.Reader, size uint64) (err error) {
	chain, err := s.Connect(ctx)
	if err != nil {
		return err
	}
	defer func() { chain.Close(err) }()

	s.Transfer.UseSocketWrite()
	s.Transfer.SetTotalSize(size)
	if err := chain.Start(size); err != nil {
		return err
	}
	_, err = s.Transfer.Copy(ctx, src, int64(size), chain.Sinks()...) //nolint:gosec // G115: image sizes fit int64
	return err
}
