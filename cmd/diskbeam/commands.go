package main

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/bamsammich/diskbeam/internal/clone"
	"github.com/bamsammich/diskbeam/internal/config"
	"github.com/bamsammich/diskbeam/internal/transport/proto"
)

func newCreateCmd(opts *globalOptions) *cobra.Command {
	var img imageOptions
	cmd := &cobra.Command{
		Use:   "create --device DEVICE --image IMAGE",
		Short: "Write an image of a disk or partition",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return execute(cmd, opts, session{
				title: "create " + img.device,
				build: func(_ config.Config, cfg *clone.Config) error {
					img.apply(cfg)
					return nil
				},
				entry: (*clone.Clone).CreateImage,
			})
		},
	}
	img.register(cmd, false)
	mustRequire(cmd, "device", "image")
	return cmd
}

func newRestoreCmd(opts *globalOptions) *cobra.Command {
	var img imageOptions
	cmd := &cobra.Command{
		Use:   "restore --image IMAGE --device DEVICE",
		Short: "Restore an image onto a disk or partition",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return execute(cmd, opts, session{
				title: "restore " + img.device,
				build: func(_ config.Config, cfg *clone.Config) error {
					img.apply(cfg)
					return nil
				},
				entry: (*clone.Clone).RestoreImage,
			})
		},
	}
	img.register(cmd, true)
	mustRequire(cmd, "device", "image")
	return cmd
}

func newSendCmd(opts *globalOptions) *cobra.Command {
	var (
		img    imageOptions
		listen string
		nodes  int
	)
	cmd := &cobra.Command{
		Use:   "send (--image IMAGE | --device DEVICE)",
		Short: "Serve an image or a live device to receivers",
		Long: `Serve an image or a live device to receivers.

send waits until --nodes receivers have connected, then streams the same
bytes to all of them. Without --image the device is read live.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return execute(cmd, opts, session{
				title: "send " + source(img),
				build: func(file config.Config, cfg *clone.Config) error {
					img.apply(cfg)
					if !cmd.Flags().Changed("nodes") && file.Defaults.Nodes != nil {
						nodes = *file.Defaults.Nodes
					}
					if nodes < 1 {
						return fmt.Errorf("invalid --nodes: %d", nodes)
					}
					cfg.Nodes = nodes
					cfg.Listen = listenAddr(listen, file)
					return nil
				},
				entry: (*clone.Clone).Send,
			})
		},
	}
	img.register(cmd, false)
	cmd.Flags().StringVar(&listen, "listen", "", "TCP address to accept receivers on (default :DATA_PORT)")
	cmd.Flags().IntVarP(&nodes, "nodes", "n", 1, "number of receivers to wait for")
	return cmd
}

func newReceiveCmd(opts *globalOptions) *cobra.Command {
	var (
		img  imageOptions
		peer string
	)
	cmd := &cobra.Command{
		Use:   "receive --peer HOST (--image IMAGE | --device DEVICE)",
		Short: "Receive from a sender into an image or onto a device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return execute(cmd, opts, session{
				title: "receive " + source(img),
				build: func(file config.Config, cfg *clone.Config) error {
					img.apply(cfg)
					cfg.Peer = withPort(peer, dataPort(file))
					return nil
				},
				entry: (*clone.Clone).Receive,
			})
		},
	}
	img.register(cmd, true)
	cmd.Flags().StringVar(&peer, "peer", "", "sender address, HOST or HOST:PORT")
	mustRequire(cmd, "peer")
	return cmd
}

func newLinkSendCmd(opts *globalOptions) *cobra.Command {
	var (
		img         imageOptions
		group       string
		announce    []string
		chainLength int
		window      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "link-send (--image IMAGE | --device DEVICE)",
		Short: "Discover receivers, chain them and send down the chain",
		Long: `Discover receivers, chain them and send down the chain.

link-send announces itself on the discovery group, and to every --announce
address, then links the receivers that answer within --window into a chain.
Each receiver keeps its copy and relays the stream to the next one.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return execute(cmd, opts, session{
				title: "link-send " + source(img),
				build: func(file config.Config, cfg *clone.Config) error {
					img.apply(cfg)
					flags := cmd.Flags()
					if !flags.Changed("chain-length") && file.Defaults.ChainLength != nil {
						chainLength = *file.Defaults.ChainLength
					}
					if !flags.Changed("window") && file.Network.DiscoveryTimeout != nil {
						window = file.Network.DiscoveryTimeout.Duration
					}
					cfg.Group = groupAddr(group, file)
					for _, a := range announce {
						cfg.Announce = append(cfg.Announce, withPort(a, discoveryPort(file)))
					}
					cfg.ChainLength = chainLength
					cfg.Window = window
					return nil
				},
				entry: (*clone.Clone).LinkSend,
			})
		},
	}
	img.register(cmd, false)
	cmd.Flags().StringVar(&group, "group", "", "discovery address (default "+proto.DefaultGroup+")")
	cmd.Flags().StringSliceVar(&announce, "announce", nil, "also announce to HOST[:PORT] (repeatable)")
	cmd.Flags().IntVar(&chainLength, "chain-length", proto.DefaultChainLength, "most receivers to chain")
	cmd.Flags().DurationVar(&window, "window", proto.DiscoveryTimeout, "how long to collect discovery replies")
	return cmd
}

func newLinkReceiveCmd(opts *globalOptions) *cobra.Command {
	var (
		img    imageOptions
		group  string
		iface  string
		listen string
	)
	cmd := &cobra.Command{
		Use:   "link-receive (--image IMAGE | --device DEVICE)",
		Short: "Join a chain, keep a copy and relay it to the next node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return execute(cmd, opts, session{
				title: "link-receive " + source(img),
				build: func(file config.Config, cfg *clone.Config) error {
					img.apply(cfg)
					cfg.Group = groupAddr(group, file)
					cfg.Interface = iface
					cfg.Listen = listenAddr(listen, file)
					return nil
				},
				entry: (*clone.Clone).LinkReceive,
			})
		},
	}
	img.register(cmd, true)
	cmd.Flags().StringVar(&group, "group", "", "discovery address (default "+proto.DefaultGroup+")")
	cmd.Flags().StringVar(&iface, "interface", "", "network interface to join the discovery group on")
	cmd.Flags().StringVar(&listen, "listen", "", "TCP address for the upstream node (default :DATA_PORT)")
	return cmd
}

// session describes one subcommand run: how the clone is configured and
// which entry point runs it.
type session struct {
	title string
	build func(file config.Config, cfg *clone.Config) error
	entry func(c *clone.Clone, ctx context.Context) error
}

func source(img imageOptions) string {
	if img.image != "" {
		return img.image
	}
	return img.device
}

func listenAddr(listen string, file config.Config) string {
	if listen != "" {
		return listen
	}
	return net.JoinHostPort("", strconv.Itoa(dataPort(file)))
}

func groupAddr(group string, file config.Config) string {
	if group == "" && file.Network.DiscoveryGroup != nil {
		group = *file.Network.DiscoveryGroup
	}
	if group == "" {
		if file.Network.DiscoveryPort == nil {
			return ""
		}
		group = proto.DefaultGroup
	}
	return withPort(group, discoveryPort(file))
}

func mustRequire(cmd *cobra.Command, names ...string) {
	for _, name := range names {
		if err := cmd.MarkFlagRequired(name); err != nil {
			panic(fmt.Sprintf("mark flag %s required: %v", name, err))
		}
	}
}
