package clone

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/bamsammich/diskbeam/internal/image"
	"github.com/bamsammich/diskbeam/internal/storage"
	"github.com/bamsammich/diskbeam/internal/transfer"
	"github.com/bamsammich/diskbeam/internal/transport/fanout"
	"github.com/bamsammich/diskbeam/internal/transport/link"
	"github.com/bamsammich/diskbeam/internal/transport/proto"
)

// CreateImage writes an image of Config.Device to Config.Image.
func (c *Clone) CreateImage(ctx context.Context) error {
	return c.run(ctx, "create", func(ctx context.Context) error {
		if c.Config.Image == "" {
			return fmt.Errorf("%w: image required", ErrNoSource)
		}
		eng, err := c.engine(c.transfer)
		if err != nil {
			return err
		}
		loc := storage.ParseLocation(c.Config.Image)
		w, err := storage.Create(loc, c.storageOptions())
		if err != nil {
			return err
		}
		defer w.Close()
		if !loc.IsRemote() {
			eng.Exclude = []string{w.Name()}
		}

		plan, err := eng.PlanCreate(ctx)
		if err != nil {
			return err
		}
		defer c.closePlan(ctx, plan)

		c.transfer.SetTotalSize(plan.SizeHint())
		w.Reserve(int64(plan.SizeHint())) //nolint:gosec // G115: image sizes fit int64
		if err := plan.Write(ctx, w); err != nil {
			return err
		}
		return w.Commit()
	})
}

// RestoreImage writes Config.Image onto Config.Device.
func (c *Clone) RestoreImage(ctx context.Context) error {
	return c.run(ctx, "restore", func(ctx context.Context) error {
		if c.Config.Image == "" {
			return fmt.Errorf("%w: image required", ErrNoSource)
		}
		eng, err := c.engine(c.transfer)
		if err != nil {
			return err
		}
		r, err := storage.Open(storage.ParseLocation(c.Config.Image), c.storageOptions())
		if err != nil {
			return err
		}
		defer r.Close()

		c.transfer.SetTotalSize(uint64(r.Size())) //nolint:gosec // G115: file sizes are positive
		_, err = eng.Restore(ctx, r)
		return err
	})
}

// Send serves Config.Image, or Config.Device live when no image is set,
// to Config.Nodes receivers.
func (c *Clone) Send(ctx context.Context) error {
	return c.run(ctx, "send", func(ctx context.Context) error {
		srv := &fanout.Server{
			Transfer:   c.transfer,
			Operations: c.ops,
			Bus:        c.Bus,
			Logger:     c.log(),
			Nodes:      c.Config.Nodes,
		}
		if c.Config.Image != "" {
			r, err := storage.Open(storage.ParseLocation(c.Config.Image), c.storageOptions())
			if err != nil {
				return err
			}
			defer r.Close()
			ln, err := c.listen()
			if err != nil {
				return err
			}
			defer ln.Close()
			return srv.Send(ctx, ln, r, uint64(r.Size())) //nolint:gosec // G115: file sizes are positive
		}

		plan, err := c.planLive(ctx)
		if err != nil {
			return err
		}
		defer c.closePlan(ctx, plan)
		ln, err := c.listen()
		if err != nil {
			return err
		}
		defer ln.Close()
		sess, err := srv.Accept(ctx, ln)
		if err != nil {
			return err
		}
		err = c.sendLive(ctx, plan, sess)
		sess.Close(err)
		return err
	})
}

// Receive connects to Config.Peer and writes the stream to Config.Image,
// or restores it onto Config.Device when no image is set.
func (c *Clone) Receive(ctx context.Context) error {
	return c.run(ctx, "receive", func(ctx context.Context) error {
		if c.Config.Peer == "" {
			return errors.New("server address required")
		}
		rcv := &fanout.Receiver{
			Transfer:   c.transfer,
			Operations: c.ops,
			Bus:        c.Bus,
			Logger:     c.log(),
			DialWait:   c.Config.DialWait,
		}
		if c.Config.Image != "" {
			w, err := storage.Create(storage.ParseLocation(c.Config.Image), c.storageOptions())
			if err != nil {
				return err
			}
			defer w.Close()
			c.transfer.UseLocalWrite()
			if err := rcv.Receive(ctx, c.Config.Peer, w); err != nil {
				return err
			}
			return w.Commit()
		}

		eng, err := c.engine(c.transfer)
		if err != nil {
			return err
		}
		st, err := rcv.Connect(ctx, c.Config.Peer)
		if err != nil {
			return err
		}
		_, err = eng.Restore(ctx, st)
		st.Close(err)
		return err
	})
}

// LinkSend discovers receivers, chains them and sends Config.Image, or
// Config.Device live, down the chain.
func (c *Clone) LinkSend(ctx context.Context) error {
	return c.run(ctx, "link-send", func(ctx context.Context) error {
		snd := &link.Sender{
			Transfer:   c.transfer,
			Operations: c.ops,
			Bus:        c.Bus,
			Logger:     c.log(),
			Targets:    c.targets(),
			Window:     c.Config.Window,
			MaxNodes:   c.Config.ChainLength,
			DialWait:   c.Config.DialWait,
		}
		if c.Config.Image != "" {
			r, err := storage.Open(storage.ParseLocation(c.Config.Image), c.storageOptions())
			if err != nil {
				return err
			}
			defer r.Close()
			return snd.Send(ctx, r, uint64(r.Size())) //nolint:gosec // G115: file sizes are positive
		}

		plan, err := c.planLive(ctx)
		if err != nil {
			return err
		}
		defer c.closePlan(ctx, plan)
		chain, err := snd.Connect(ctx)
		if err != nil {
			return err
		}
		err = c.sendLive(ctx, plan, chain)
		chain.Close(err)
		return err
	})
}

// LinkReceive joins a chain and writes the stream to Config.Image, or
// restores it onto Config.Device, while relaying it to the next node.
func (c *Clone) LinkReceive(ctx context.Context) error {
	return c.run(ctx, "link-receive", func(ctx context.Context) error {
		rcv := &link.Receiver{
			Transfer:   c.transfer,
			Operations: c.ops,
			Bus:        c.Bus,
			Logger:     c.log(),
			Group:      c.Config.Group,
			ListenAddr: c.Config.Listen,
			DialWait:   c.Config.DialWait,
		}
		if c.Config.Interface != "" {
			ifi, err := net.InterfaceByName(c.Config.Interface)
			if err != nil {
				return fmt.Errorf("interface %s: %w", c.Config.Interface, err)
			}
			rcv.Interface = ifi
		}
		if c.Config.Image != "" {
			w, err := storage.Create(storage.ParseLocation(c.Config.Image), c.storageOptions())
			if err != nil {
				return err
			}
			defer w.Close()
			if err := rcv.Receive(ctx, w); err != nil {
				return err
			}
			return w.Commit()
		}

		// The device is restored by a second, silent transfer reading
		// from a pipe, so progress and digest follow the relay.
		quiet := transfer.New(transfer.Options{ChunkSize: c.Config.ChunkSize})
		eng, err := c.engine(quiet)
		if err != nil {
			return err
		}
		node, err := rcv.Listen(ctx)
		if err != nil {
			return err
		}
		defer node.Close()
		if err := node.Join(ctx); err != nil {
			return err
		}
		st, err := node.Accept(ctx)
		if err != nil {
			return err
		}
		c.transfer.UseSocketRead()
		c.transfer.SetTotalSize(st.Size)

		relayErr, restoreErr := c.relayRestore(ctx, eng, st)
		st.Close(relayErr)
		return errors.Join(relayErr, restoreErr)
	})
}

// relayRestore copies the chain stream to the next node and, through a
// pipe, into the restore. A failed restore keeps draining the pipe so the
// rest of the chain still gets the image.
func (c *Clone) relayRestore(ctx context.Context, eng *image.Engine, st *link.Stream) (relayErr, restoreErr error) {
	pr, pw := io.Pipe()
	var wg sync.WaitGroup
	wg.Go(func() {
		if _, restoreErr = eng.Restore(ctx, pr); restoreErr != nil {
			c.log().Error("restore failed, relaying only", "error", restoreErr)
		}
		_, _ = io.Copy(io.Discard, pr) //nolint:errcheck // drains until the relay closes the pipe
	})
	_, relayErr = c.transfer.Copy(ctx, st, -1, st.Sinks(pw)...)
	pw.CloseWithError(relayErr)
	wg.Wait()
	return relayErr, restoreErr
}

// sessionSink is what a live image is streamed to.
type sessionSink interface {
	Start(size uint64) error
	Sinks() []io.Writer
}

func (c *Clone) planLive(ctx context.Context) (*image.Plan, error) {
	eng, err := c.engine(c.transfer)
	if err != nil {
		return nil, err
	}
	return eng.PlanCreate(ctx)
}

func (c *Clone) sendLive(ctx context.Context, plan *image.Plan, out sessionSink) error {
	c.transfer.UseSocketWrite()
	c.transfer.SetTotalSize(plan.SizeHint())
	if err := out.Start(plan.SizeHint()); err != nil {
		return err
	}
	return plan.Write(ctx, out.Sinks()...)
}

func (c *Clone) closePlan(ctx context.Context, plan *image.Plan) {
	if err := plan.Close(ctx); err != nil {
		c.log().Warn("cleanup failed", "error", err)
	}
}

func (c *Clone) listen() (net.Listener, error) {
	addr := c.Config.Listen
	if addr == "" {
		addr = net.JoinHostPort("", strconv.Itoa(proto.DefaultDataPort))
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return ln, nil
}

func (c *Clone) targets() []string {
	if len(c.Config.Announce) > 0 {
		return c.Config.Announce
	}
	if c.Config.Group != "" {
		return []string{c.Config.Group}
	}
	return nil
}
