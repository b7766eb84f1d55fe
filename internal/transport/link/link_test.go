package link_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/diskbeam/internal/transfer"
	"github.com/bamsammich/diskbeam/internal/transport/link"
	"github.com/bamsammich/diskbeam/internal/transport/proto"
)

func candidate(data string) link.Candidate {
	ap := netip.MustParseAddrPort(data)
	return link.Candidate{Control: netip.AddrPortFrom(ap.Addr(), 7120), Data: ap}
}

func TestPlanChain(t *testing.T) {
	t.Parallel()

	a, b, c := candidate("10.0.0.1:7121"), candidate("10.0.0.2:7121"), candidate("10.0.0.3:7121")
	hops := link.PlanChain([]link.Candidate{a, b, c})
	require.Len(t, hops, 3)

	assert.Equal(t, a, hops[0].Candidate)
	assert.Equal(t, b.Data, hops[0].Next)
	assert.Equal(t, b, hops[1].Candidate)
	assert.Equal(t, c.Data, hops[1].Next)
	assert.Equal(t, c, hops[2].Candidate)
	assert.True(t, proto.IsNull(hops[2].Next))
	assert.Equal(t, "10.0.0.3:7121 -> (end)", hops[2].String())

	// Following Next from the first hop visits every receiver once.
	byData := map[netip.AddrPort]link.Hop{}
	for _, h := range hops {
		byData[h.Data] = h
	}
	var visited []netip.AddrPort
	for at := hops[0].Data; !proto.IsNull(at); at = byData[at].Next {
		visited = append(visited, at)
	}
	assert.Equal(t, []netip.AddrPort{a.Data, b.Data, c.Data}, visited)

	assert.Empty(t, link.PlanChain(nil))
	single := link.PlanChain([]link.Candidate{a})
	require.Len(t, single, 1)
	assert.True(t, proto.IsNull(single[0].Next))
}

type node struct {
	node *link.Node
	tr   *transfer.Transfer
	buf  bytes.Buffer
	err  error
}

func startNodes(t *testing.T, n int) []*node {
	t.Helper()
	nodes := make([]*node, n)
	for i := range nodes {
		tr := transfer.New(transfer.Options{ChunkSize: 16 << 10})
		r := &link.Receiver{Transfer: tr, Group: "127.0.0.1:0", ListenAddr: "127.0.0.1:0", DialWait: 5 * time.Second}
		ln, err := r.Listen(context.Background())
		require.NoError(t, err)
		t.Cleanup(func() { ln.Close() })
		nodes[i] = &node{node: ln, tr: tr}
	}
	return nodes
}

func TestChainDeliversToEveryNode(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	payload := make([]byte, 512<<10+17)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	nodes := startNodes(t, 3)
	var targets []string
	var wg sync.WaitGroup
	for _, n := range nodes {
		targets = append(targets, n.node.DiscoveryAddr().String())
		wg.Go(func() { n.err = n.node.Receive(ctx, &n.buf) })
	}

	sender := &link.Sender{
		Transfer: transfer.New(transfer.Options{}),
		Targets:  targets,
		Window:   2 * time.Second,
		MaxNodes: 3,
		DialWait: 5 * time.Second,
	}
	require.NoError(t, sender.Send(ctx, bytes.NewReader(payload), uint64(len(payload))))
	wg.Wait()

	ends := 0
	for _, n := range nodes {
		require.NoError(t, n.err)
		assert.Equal(t, payload, n.buf.Bytes())
		assert.Equal(t, uint64(len(payload)), n.tr.Total())
		if proto.IsNull(n.node.Next()) {
			ends++
		}
	}
	assert.Equal(t, 1, ends, "exactly one node ends the chain")
	assert.Equal(t, uint64(len(payload)), sender.Transfer.Transferred())
	for _, op := range sender.Operations.List() {
		assert.True(t, op.Completed, "%s %s", op.Kind, op.Target)
	}
}

func TestMaxNodesShortensChain(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	nodes := startNodes(t, 2)
	joined := make(chan error, 2)
	for _, n := range nodes {
		go func() { joined <- n.node.Join(ctx) }()
	}

	sender := &link.Sender{
		Transfer: transfer.New(transfer.Options{}),
		Targets:  []string{nodes[0].node.DiscoveryAddr().String(), nodes[1].node.DiscoveryAddr().String()},
		Window:   2 * time.Second,
		MaxNodes: 1,
	}
	chain, err := sender.Connect(ctx)
	require.NoError(t, err)
	require.Len(t, chain.Hops, 1)
	assert.True(t, proto.IsNull(chain.Hops[0].Next))
	require.NoError(t, <-joined)
	chain.Close(nil)
}

func TestNoReceivers(t *testing.T) {
	t.Parallel()

	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	silent := pc.LocalAddr().String()
	defer pc.Close()

	sender := &link.Sender{
		Transfer: transfer.New(transfer.Options{}),
		Targets:  []string{silent},
		Window:   300 * time.Millisecond,
	}
	_, err = sender.Connect(context.Background())
	require.ErrorIs(t, err, proto.ErrNoReceivers)
}

func TestJoinCancelled(t *testing.T) {
	t.Parallel()

	nodes := startNodes(t, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, nodes[0].node.Join(ctx), transfer.ErrCancelled)
}

func TestJoinGivesUpWhenNeverChained(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tr := transfer.New(transfer.Options{})
	r := &link.Receiver{Transfer: tr, Group: "127.0.0.1:0", ListenAddr: "127.0.0.1:0", ChainWait: 200 * time.Millisecond}
	n, err := r.Listen(ctx)
	require.NoError(t, err)
	defer n.Close()

	// A server that answers discovery but leaves this node out of its chain.
	server, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()
	announce, err := proto.Datagram{Flags: proto.LinkServerOK}.MarshalBinary()
	require.NoError(t, err)

	joined := make(chan error, 1)
	go func() { joined <- n.Join(ctx) }()

	buf := make([]byte, proto.MaxDatagramSize)
	for answered := false; !answered; {
		require.NoError(t, ctx.Err(), "node never answered the announcement")
		_, err = server.WriteTo(announce, n.DiscoveryAddr())
		require.NoError(t, err)
		require.NoError(t, server.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
		size, _, rerr := server.ReadFrom(buf)
		if rerr != nil {
			continue
		}
		d, perr := proto.ParseDatagram(buf[:size])
		require.NoError(t, perr)
		answered = d.Flags.Has(proto.LinkClientOK)
	}

	select {
	case err := <-joined:
		require.ErrorIs(t, err, proto.ErrNotChained)
		assert.NotErrorIs(t, err, transfer.ErrCancelled)
	case <-ctx.Done():
		t.Fatal("join still waiting for a next hop")
	}
}
