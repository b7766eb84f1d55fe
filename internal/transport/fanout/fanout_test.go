package fanout_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/diskbeam/internal/event"
	"github.com/bamsammich/diskbeam/internal/transfer"
	"github.com/bamsammich/diskbeam/internal/transport/fanout"
	"github.com/bamsammich/diskbeam/internal/transport/proto"
)

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	p := make([]byte, n)
	_, err := rand.Read(p)
	require.NoError(t, err)
	return p
}

func newTransfer() *transfer.Transfer {
	return transfer.New(transfer.Options{ChunkSize: 32 << 10})
}

type received struct {
	buf bytes.Buffer
	tr  *transfer.Transfer
	err error
}

func receiveAll(ctx context.Context, addr string, n int) []*received {
	out := make([]*received, n)
	var wg sync.WaitGroup
	for i := range out {
		r := &received{tr: newTransfer()}
		out[i] = r
		wg.Go(func() {
			recv := &fanout.Receiver{Transfer: r.tr, DialWait: 5 * time.Second}
			r.err = recv.Receive(ctx, addr, &r.buf)
		})
	}
	wg.Wait()
	return out
}

func TestSendToEveryReceiver(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for _, nodes := range []int{1, 3} {
		ln := listen(t)
		payload := randomBytes(t, 1<<20+123)
		bus := event.NewBus()
		rec := &event.Recorder{}
		bus.Subscribe(rec)
		server := &fanout.Server{Transfer: newTransfer(), Bus: bus, Nodes: nodes}

		errc := make(chan error, 1)
		go func() {
			errc <- server.Send(ctx, ln, bytes.NewReader(payload), uint64(len(payload)))
		}()

		for _, r := range receiveAll(ctx, ln.Addr().String(), nodes) {
			require.NoError(t, r.err)
			assert.Equal(t, payload, r.buf.Bytes())
			assert.Equal(t, uint64(len(payload)), r.tr.Total(), "size prefix becomes the total")
			assert.Equal(t, uint64(len(payload)), r.tr.Transferred())
		}
		require.NoError(t, <-errc)

		assert.Equal(t, uint64(len(payload)), server.Transfer.Transferred(), "counted once whatever the receiver count")
		var conns int
		for _, g := range rec.Generals() {
			if g.Kind == event.NewConnection {
				conns++
			}
		}
		assert.Equal(t, nodes, conns)
		for _, op := range server.Operations.List() {
			assert.True(t, op.Completed, "%s %s", op.Kind, op.Target)
		}
	}
}

func TestReceiverWaitsForServer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ln := listen(t)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	tr := newTransfer()
	var buf bytes.Buffer
	errc := make(chan error, 1)
	go func() {
		recv := &fanout.Receiver{Transfer: tr, DialWait: 10 * time.Second}
		errc <- recv.Receive(ctx, addr, &buf)
	}()

	time.Sleep(300 * time.Millisecond)
	ln2, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	defer ln2.Close()

	server := &fanout.Server{Transfer: newTransfer()}
	require.NoError(t, server.Send(ctx, ln2, bytes.NewReader([]byte("late image")), 10))
	require.NoError(t, <-errc)
	assert.Equal(t, "late image", buf.String())
}

func TestLiveStreamLongerThanPrefix(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ln := listen(t)
	payload := randomBytes(t, 300<<10)
	const estimate = 100 << 10

	server := &fanout.Server{Transfer: newTransfer(), Nodes: 1}
	errc := make(chan error, 1)
	go func() {
		sess, err := server.Accept(ctx, ln)
		if err != nil {
			errc <- err
			return
		}
		err = sess.Start(estimate)
		if err == nil {
			err = server.Transfer.Write(ctx, payload, sess.Sinks()...)
		}
		sess.Close(err)
		errc <- err
	}()

	got := receiveAll(ctx, ln.Addr().String(), 1)[0]
	require.NoError(t, <-errc)
	require.NoError(t, got.err)
	assert.Equal(t, payload, got.buf.Bytes(), "read to EOF, not to the prefix")
	assert.Equal(t, uint64(estimate), got.tr.Total())
	assert.Equal(t, uint64(len(payload)), got.tr.Transferred())
}

func TestBadHandshakeDoesNotCount(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ln := listen(t)
	server := &fanout.Server{Transfer: newTransfer()}
	errc := make(chan error, 1)
	go func() {
		errc <- server.Send(ctx, ln, bytes.NewReader([]byte("payload")), 7)
	}()

	bogus, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	_, err = bogus.Write([]byte{byte(proto.LinkClientOK)})
	require.NoError(t, err)
	_, err = io.ReadAll(bogus)
	assert.Error(t, err, "the server resets a peer that fails the handshake")
	bogus.Close()

	got := receiveAll(ctx, ln.Addr().String(), 1)[0]
	require.NoError(t, got.err)
	assert.Equal(t, "payload", got.buf.String())
	require.NoError(t, <-errc)
}

func TestAcceptCancelled(t *testing.T) {
	t.Parallel()

	ln := listen(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	server := &fanout.Server{Transfer: newTransfer(), Nodes: 2}
	_, err := server.Accept(ctx, ln)
	require.ErrorIs(t, err, transfer.ErrCancelled)
}

type failingReader struct {
	data []byte
}

func (f *failingReader) Read(p []byte) (int, error) {
	if len(f.data) == 0 {
		return 0, errors.New("device gone")
	}
	n := copy(p, f.data)
	f.data = f.data[n:]
	return n, nil
}

func TestSourceFailureReachesReceiver(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ln := listen(t)
	server := &fanout.Server{Transfer: newTransfer()}
	src := &failingReader{data: randomBytes(t, 100_000)}
	errc := make(chan error, 1)
	go func() {
		errc <- server.Send(ctx, ln, src, 1<<20)
	}()

	got := receiveAll(ctx, ln.Addr().String(), 1)[0]
	require.ErrorIs(t, <-errc, transfer.ErrReadFailed)
	require.ErrorIs(t, got.err, transfer.ErrReceiveFailed, "a reset, not a clean end of stream")
}
