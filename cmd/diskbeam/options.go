package main

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/bamsammich/diskbeam/internal/clone"
	"github.com/bamsammich/diskbeam/internal/config"
	"github.com/bamsammich/diskbeam/internal/transport/proto"
)

// globalOptions are the flags every subcommand shares.
type globalOptions struct {
	version    bool
	verbose    bool
	quiet      bool
	noProgress bool
	tui        bool
	logFile    string
	configFile string

	chunkSize      sizeValue
	bwLimit        sizeValue
	updateQuotient int
	checksum       bool
	dialWait       time.Duration

	sshKeyFile string
	sshPort    int
}

func (o *globalOptions) register(cmd *cobra.Command) {
	o.chunkSize = sizeValue{n: 1 << 20, s: "1M"}

	f := cmd.PersistentFlags()
	f.BoolVarP(&o.verbose, "verbose", "v", false, "verbose output")
	f.BoolVarP(&o.quiet, "quiet", "q", false, "suppress all output except errors")
	f.BoolVar(&o.noProgress, "no-progress", false, "disable progress display")
	f.BoolVar(&o.tui, "tui", false, "full-screen TUI (Bubble Tea)")
	f.StringVar(&o.logFile, "log", "", "write structured JSON log to FILE")
	f.StringVar(&o.configFile, "config", "", "configuration file (default: "+config.Path()+")")
	f.Var(&o.chunkSize, "chunk-size", "bytes moved per read and write (e.g. 512K, 4M)")
	f.Var(&o.bwLimit, "bwlimit", "bandwidth limit per second (e.g. 100M, 1G)")
	f.IntVar(&o.updateQuotient, "update-quotient", 0, "chunks between progress events (0: every chunk)")
	f.BoolVar(&o.checksum, "checksum", false, "compute a BLAKE3 digest of the stream")
	f.DurationVar(&o.dialWait, "dial-wait", 0, "how long to retry connecting to a peer (0: default)")
	f.StringVar(&o.sshKeyFile, "ssh-key", "", "SSH private key file for remote images (default: auto-detect)")
	f.IntVar(&o.sshPort, "ssh-port", 22, "SSH port for remote images")
}

// imageOptions are the flags naming what is imaged.
type imageOptions struct {
	device    string
	image     string
	partition int
	empty     bool
	force     bool
	grub      bool
}

func (o *imageOptions) register(cmd *cobra.Command, restoring bool) {
	f := cmd.Flags()
	f.StringVarP(&o.device, "device", "d", "", "block device, such as /dev/sda")
	f.StringVarP(&o.image, "image", "i", "", "image file, local or [user@]host:path")
	f.IntVarP(&o.partition, "partition", "p", 0, "partition number of the device (0: whole disk)")
	if restoring {
		f.BoolVar(&o.force, "force", false, "restore even if the image looks too large for the device")
		f.BoolVar(&o.grub, "grub", false, "reinstall GRUB after a whole-disk restore")
		return
	}
	f.BoolVar(&o.empty, "empty", false, "image structure only, without file data")
}

func (o *imageOptions) apply(cfg *clone.Config) {
	cfg.Device = o.device
	cfg.Image = o.image
	cfg.Partition = o.partition
	cfg.Empty = o.empty
	cfg.Force = o.force
	cfg.BootLoader = o.grub
}

// sessionConfig merges the config file into the flags not set on the
// command line and returns the clone configuration they describe.
func (o *globalOptions) sessionConfig(cmd *cobra.Command, file config.Config) (clone.Config, error) {
	flags := cmd.Flags()
	d := file.Defaults
	if !flags.Changed("chunk-size") && d.ChunkSize != nil {
		if err := o.chunkSize.Set(*d.ChunkSize); err != nil {
			return clone.Config{}, fmt.Errorf("config chunk_size: %w", err)
		}
	}
	if !flags.Changed("bwlimit") && d.BWLimit != nil {
		if err := o.bwLimit.Set(*d.BWLimit); err != nil {
			return clone.Config{}, fmt.Errorf("config bwlimit: %w", err)
		}
	}
	if !flags.Changed("update-quotient") && d.UpdateQuotient != nil {
		o.updateQuotient = *d.UpdateQuotient
	}
	if !flags.Changed("checksum") && d.Checksum != nil {
		o.checksum = *d.Checksum
	}
	if !flags.Changed("tui") && d.TUI != nil {
		o.tui = *d.TUI
	}
	if !flags.Changed("dial-wait") && file.Network.DialWait != nil {
		o.dialWait = file.Network.DialWait.Duration
	}
	if !flags.Changed("ssh-key") && file.SSH.KeyFile != nil {
		o.sshKeyFile = *file.SSH.KeyFile
	}
	if !flags.Changed("ssh-port") && file.SSH.Port != nil {
		o.sshPort = *file.SSH.Port
	}
	if o.chunkSize.n <= 0 {
		return clone.Config{}, fmt.Errorf("invalid --chunk-size: %s", o.chunkSize.s)
	}

	cfg := clone.Config{
		ChunkSize:      int(o.chunkSize.n),
		UpdateQuotient: o.updateQuotient,
		BandwidthLimit: o.bwLimit.n,
		Checksum:       o.checksum,
		DialWait:       o.dialWait,
	}
	cfg.SSH.Port = o.sshPort
	cfg.SSH.KeyFile = o.sshKeyFile
	return cfg, nil
}

// dataPort is the TCP port of data connections from the config file.
func dataPort(file config.Config) int {
	if file.Network.DataPort != nil {
		return *file.Network.DataPort
	}
	return proto.DefaultDataPort
}

// discoveryPort is the UDP port of link discovery from the config file.
func discoveryPort(file config.Config) int {
	if file.Network.DiscoveryPort != nil {
		return *file.Network.DiscoveryPort
	}
	return proto.DefaultDiscoveryPort
}

// withPort appends port to addr when addr has none.
func withPort(addr string, port int) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(port))
}

// sizeValue is a byte count flag accepting suffixes such as 4M.
type sizeValue struct {
	n int64
	s string
}

var _ pflag.Value = (*sizeValue)(nil)

func (v *sizeValue) String() string { return v.s }
func (v *sizeValue) Type() string   { return "size" }

func (v *sizeValue) Set(s string) error {
	n, err := config.ParseSize(s)
	if err != nil {
		return err
	}
	v.n, v.s = n, s
	return nil
}
