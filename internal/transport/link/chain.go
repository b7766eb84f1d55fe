// Package link sends an image along a chain of receivers. Discovery runs
// over UDP multicast; data then flows over one TCP connection per hop, and
// every receiver keeps a local copy while relaying the stream onward.
package link

import (
	"fmt"
	"net/netip"

	"github.com/bamsammich/diskbeam/internal/transport/proto"
)

// Candidate is a receiver that answered discovery.
type Candidate struct {
	// Control is where the receiver's discovery datagrams came from.
	Control netip.AddrPort
	// Data is the receiver's TCP data address.
	Data netip.AddrPort
}

func (c Candidate) String() string { return c.Data.String() }

// Hop is one receiver and the data address it relays to.
type Hop struct {
	Candidate
	Next netip.AddrPort
}

func (h Hop) String() string {
	if proto.IsNull(h.Next) {
		return fmt.Sprintf("%s -> (end)", h.Data)
	}
	return fmt.Sprintf("%s -> %s", h.Data, h.Next)
}

// PlanChain links candidates in the order they answered: each one relays
// to the one after it and the last one to nobody.
func PlanChain(candidates []Candidate) []Hop {
	hops := make([]Hop, len(candidates))
	for i, c := range candidates {
		hops[i] = Hop{Candidate: c, Next: proto.NullHop}
		if i+1 < len(candidates) {
			hops[i].Next = candidates[i+1].Data
		}
	}
	return hops
}
