package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "diskbeam",
		Short: "Image disks and partitions, and clone them across a LAN",
		Long: `diskbeam images a disk or a single partition into a compact file that
holds only the used blocks, restores such an image onto another disk, and
streams images or live devices to many machines at once, either to each
receiver directly or down a chain of receivers found by discovery.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.version {
				fmt.Fprintf(os.Stdout, "diskbeam %s\n", version)
				return nil
			}
			return cmd.Help()
		},
	}

	rootCmd.Flags().BoolVar(&opts.version, "version", false, "print version and exit")
	opts.register(rootCmd)

	rootCmd.AddCommand(
		newCreateCmd(opts),
		newRestoreCmd(opts),
		newSendCmd(opts),
		newReceiveCmd(opts),
		newLinkSendCmd(opts),
		newLinkReceiveCmd(opts),
		docsCmd,
	)

	if err := rootCmd.Execute(); err != nil {
		if exitErr, ok := err.(*exitError); ok {
			return exitErr.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	return 0
}

type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}
