// Package proto defines the bytes exchanged between diskbeam peers: the
// one-byte discovery and handshake flags, the discovery datagram bodies
// and the size prefix that opens every data connection.
package proto

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strings"
	"time"

	"github.com/bamsammich/diskbeam/internal/wire"
)

const (
	// DefaultDiscoveryPort is the UDP port link receivers listen on.
	DefaultDiscoveryPort = 7120
	// DefaultDataPort is the TCP port of data connections.
	DefaultDataPort = 7121
	// DefaultGroup is the multicast group of link discovery.
	DefaultGroup = "239.255.71.20"
	// DiscoveryTimeout is how long a link sender collects replies.
	DiscoveryTimeout = 3 * time.Second
	// HandshakeTimeout bounds every handshake read and write.
	HandshakeTimeout = 10 * time.Second
	// DefaultChainLength caps the number of link receivers.
	DefaultChainLength = 64

	// SizePrefixSize is the length of the size prefix.
	SizePrefixSize = 8
	// MaxDatagramSize is the largest discovery datagram.
	MaxDatagramSize = 7
)

var (
	ErrHandshake   = errors.New("handshake failed")
	ErrNoReceivers = errors.New("no receivers")
	ErrNotChained  = errors.New("server never assigned a next hop")
	ErrConnect     = errors.New("cannot connect")
	ErrDatagram    = errors.New("malformed discovery datagram")
)

// Flags is the first byte of every discovery datagram and handshake.
type Flags uint8

const (
	LinkServerOK Flags = 1 << iota
	LinkClientOK
	NextLinkIP
	ServerOK
	ReceiverOK
)

var flagNames = [...]string{"LINK_SERVER_OK", "LINK_CLIENT_OK", "NEXT_LINK_IP", "SERVER_OK", "RECEIVER_OK"}

func (f Flags) Has(flag Flags) bool { return f&flag == flag }

func (f Flags) String() string {
	var names []string
	for i, name := range flagNames {
		if f&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "0"
	}
	return strings.Join(names, "|")
}

// NullHop is the next hop of the last node in a chain.
var NullHop = netip.AddrPortFrom(netip.IPv4Unspecified(), 0) //nolint:gochecknoglobals // constant value

// Datagram is one discovery message.
//
//	LINK_SERVER_OK  flags
//	LINK_CLIENT_OK  flags, data port (2)
//	NEXT_LINK_IP    flags, IPv4 (4), data port (2)
//	RECEIVER_OK     flags (acknowledges NEXT_LINK_IP)
type Datagram struct {
	Next  netip.AddrPort
	Flags Flags
	Port  uint16
}

func (d Datagram) MarshalBinary() ([]byte, error) {
	enc := wire.NewEncoder(MaxDatagramSize)
	enc.U8(uint8(d.Flags))
	switch {
	case d.Flags.Has(NextLinkIP):
		next := d.Next
		if !next.IsValid() {
			next = NullHop
		}
		if !next.Addr().Is4() {
			return nil, fmt.Errorf("%w: next hop %s is not IPv4", ErrDatagram, next)
		}
		ip := next.Addr().As4()
		enc.Fixed(ip[:], 4)
		enc.U16(next.Port())
	case d.Flags.Has(LinkClientOK):
		enc.U16(d.Port)
	}
	return enc.Bytes(), enc.Err()
}

// ParseDatagram decodes a discovery datagram.
func ParseDatagram(p []byte) (Datagram, error) {
	dec := wire.NewDecoder(p)
	d := Datagram{Flags: Flags(dec.U8())}
	switch {
	case d.Flags.Has(NextLinkIP):
		var ip [4]byte
		copy(ip[:], dec.Fixed(4))
		d.Next = netip.AddrPortFrom(netip.AddrFrom4(ip), dec.U16())
	case d.Flags.Has(LinkClientOK):
		d.Port = dec.U16()
	}
	if err := dec.Err(); err != nil {
		return Datagram{}, fmt.Errorf("%w: %w", ErrDatagram, err)
	}
	return d, nil
}

// IsNull reports whether hop is the end of a chain.
func IsNull(hop netip.AddrPort) bool {
	return !hop.IsValid() || hop.Port() == 0 || hop.Addr().IsUnspecified()
}

// ClientHandshake announces a receiver and waits for the server's answer.
func ClientHandshake(rw io.ReadWriter) error {
	if _, err := rw.Write([]byte{byte(ReceiverOK)}); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	return expect(rw, ServerOK)
}

// ServerHandshake waits for a receiver's announcement and answers it.
func ServerHandshake(rw io.ReadWriter) error {
	if err := expect(rw, ReceiverOK); err != nil {
		return err
	}
	if _, err := rw.Write([]byte{byte(ServerOK)}); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	return nil
}

func expect(r io.Reader, want Flags) error {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if got := Flags(b[0]); got != want {
		return fmt.Errorf("%w: got %s, want %s", ErrHandshake, got, want)
	}
	return nil
}

// WriteSize sends the size prefix. The prefix only drives progress: a live
// device stream sends its size estimate, which is a lower bound, and the
// stream ends at EOF, not after size bytes.
func WriteSize(w io.Writer, size uint64) error {
	_, err := w.Write(wire.PutSize(size))
	return err
}

// ReadSize reads the size prefix. Readers copy until EOF whatever it says.
func ReadSize(r io.Reader) (uint64, error) {
	var p [SizePrefixSize]byte
	if _, err := io.ReadFull(r, p[:]); err != nil {
		return 0, err
	}
	return wire.Size(p[:])
}
