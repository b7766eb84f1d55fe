// Package clone runs one imaging session: create or restore an image
// locally, or move one across the network to a single receiver, several
// receivers or a chain of them.
package clone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bamsammich/diskbeam/internal/disk"
	"github.com/bamsammich/diskbeam/internal/event"
	"github.com/bamsammich/diskbeam/internal/filesystem"
	"github.com/bamsammich/diskbeam/internal/image"
	"github.com/bamsammich/diskbeam/internal/platform"
	"github.com/bamsammich/diskbeam/internal/storage"
	"github.com/bamsammich/diskbeam/internal/transfer"
)

// ErrNoSource is returned when neither an image nor a device is configured
// for a side of the session that needs one.
var ErrNoSource = errors.New("no image or device given")

// Config is the plain configuration of a session. It is set before an
// entry point runs and not changed while it runs.
type Config struct {
	// Image is a local path or [user@]host:path. Empty on the network
	// entry points means the device is read or written live.
	Image  string
	Device string
	// Partition selects one partition of Device; zero is the whole disk.
	Partition int

	// Peer is the server address a fanout receiver connects to.
	Peer string
	// Listen is the TCP data address of a server or a chain node.
	Listen string
	// Nodes is how many fanout receivers a server waits for.
	Nodes int

	// Group is the link discovery address. Announce adds unicast
	// discovery targets on the sender. Interface names the NIC a
	// receiver joins the multicast group on.
	Group       string
	Interface   string
	Announce    []string
	ChainLength int
	Window      time.Duration
	DialWait    time.Duration

	// Empty clones structure only, without file data.
	Empty bool
	// Force skips the check that the image fits its target.
	Force bool
	// BootLoader reinstalls GRUB after a whole-disk restore.
	BootLoader bool

	ChunkSize      int
	UpdateQuotient int
	// BandwidthLimit caps throughput in bytes per second; zero is
	// unlimited.
	BandwidthLimit int64
	// Checksum computes a BLAKE3 digest of the stream.
	Checksum bool

	SSH storage.SSHOpts
}

// Clone is the entry point of the engine for a front-end. Bus and Logger
// may be nil.
type Clone struct {
	Config Config
	Bus    *event.Bus
	Logger *slog.Logger

	// Runner runs partitioning and filesystem tools. Nil uses
	// platform.ExecRunner.
	Runner platform.Runner
	// OpenDisk opens Config.Device. Nil uses disk.Open.
	OpenDisk func(path string) (disk.Disk, error)
	// Filesystems overrides filesystem.Default.
	Filesystems *filesystem.Registry
	// BootInstaller overrides the GRUB installer used with
	// Config.BootLoader.
	BootInstaller image.BootLoader
	// Usage overrides how used space of a mounted partition is measured.
	Usage func(mountPoint string) (uint64, error)

	transfer *transfer.Transfer
	ops      *event.Operations
}

// New returns a Clone for cfg.
func New(cfg Config, bus *event.Bus, log *slog.Logger) *Clone {
	return &Clone{Config: cfg, Bus: bus, Logger: log}
}

func (c *Clone) log() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// Operations returns the plan of the current or last session.
func (c *Clone) Operations() []event.Operation {
	if c.ops == nil {
		return nil
	}
	return c.ops.List()
}

// Transferred returns the bytes moved by the current or last session.
func (c *Clone) Transferred() uint64 {
	if c.transfer == nil {
		return 0
	}
	return c.transfer.Transferred()
}

// Total returns the expected size of the current or last session.
func (c *Clone) Total() uint64 {
	if c.transfer == nil {
		return 0
	}
	return c.transfer.Total()
}

// Digest returns the stream digest when Config.Checksum is set.
func (c *Clone) Digest() string {
	if c.transfer == nil {
		return ""
	}
	return c.transfer.Digest()
}

func (c *Clone) newTransfer(bus *event.Bus) *transfer.Transfer {
	opts := transfer.Options{
		Bus:            bus,
		ChunkSize:      c.Config.ChunkSize,
		UpdateQuotient: c.Config.UpdateQuotient,
		Digest:         c.Config.Checksum,
	}
	if c.Config.BandwidthLimit > 0 {
		opts.Limiter = transfer.NewLimiter(c.Config.BandwidthLimit)
	}
	return transfer.New(opts)
}

// run is the common frame of every entry point: a fresh transfer and
// plan, then CancelExecution or FinishExecution on the bus.
func (c *Clone) run(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	c.transfer = c.newTransfer(c.Bus)
	c.ops = event.NewOperations(c.Bus)

	session := uuid.NewString()
	log := c.log().With("session", session, "mode", name)
	log.Info("session started", "image", c.Config.Image, "device", c.Config.Device)
	start := time.Now()

	err := fn(ctx)
	if err != nil {
		log.Error("session failed", "error", err, "elapsed", time.Since(start))
		c.Bus.Publish(event.GeneralEvent{Kind: event.CancelExecution})
		return fmt.Errorf("%s: %w", name, err)
	}
	if d := c.transfer.Digest(); d != "" {
		log.Info("stream digest", "blake3", d)
	}
	log.Info("session finished", "bytes", c.transfer.Transferred(), "elapsed", time.Since(start))
	c.Bus.Publish(event.GeneralEvent{Kind: event.FinishExecution})
	return nil
}

func (c *Clone) runner() platform.Runner {
	if c.Runner == nil {
		return platform.ExecRunner{Logger: c.log()}
	}
	return c.Runner
}

// engine builds an image engine on Config.Device moving bytes with tr.
func (c *Clone) engine(tr *transfer.Transfer) (*image.Engine, error) {
	if c.Config.Device == "" {
		return nil, fmt.Errorf("%w: device required", ErrNoSource)
	}
	open := c.OpenDisk
	if open == nil {
		open = func(path string) (disk.Disk, error) { return disk.Open(path, c.runner(), c.log()) }
	}
	d, err := open(c.Config.Device)
	if err != nil {
		return nil, err
	}
	fss := c.Filesystems
	if fss == nil {
		fss = filesystem.Default(c.runner())
	}
	eng := &image.Engine{
		Disk:        d,
		Filesystems: fss,
		Transfer:    tr,
		Operations:  c.ops,
		Bus:         c.Bus,
		Logger:      c.log(),
		Usage:       c.Usage,
		Partition:   c.Config.Partition,
		Force:       c.Config.Force,
		NoData:      c.Config.Empty,
	}
	if c.Config.BootLoader {
		eng.BootLoader = c.BootInstaller
		if eng.BootLoader == nil {
			eng.BootLoader = image.GrubInstaller{Run: c.runner()}
		}
	}
	return eng, nil
}

func (c *Clone) storageOptions() storage.Options {
	return storage.Options{SSH: c.Config.SSH, Logger: c.log()}
}
