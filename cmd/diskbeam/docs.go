package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"
)

var (
	docsDir    string
	docsFormat string
)

var docsCmd = &cobra.Command{
	Use:    "gen-docs",
	Short:  "Generate man pages or markdown for diskbeam",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		gen, ok := docGenerators[docsFormat]
		if !ok {
			return fmt.Errorf("unknown format %q (use man or markdown)", docsFormat)
		}
		if err := os.MkdirAll(docsDir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
		return gen(cmd.Root(), docsDir)
	},
}

var docGenerators = map[string]func(root *cobra.Command, dir string) error{
	"man": func(root *cobra.Command, dir string) error {
		return doc.GenManTree(root, &doc.GenManHeader{
			Title:   "DISKBEAM",
			Section: "8",
			Source:  "diskbeam " + version,
			Manual:  "System Administration",
		}, dir)
	},
	"markdown": doc.GenMarkdownTree,
}

func init() {
	docsCmd.Flags().StringVar(&docsDir, "dir", "docs", "output directory")
	docsCmd.Flags().StringVar(&docsFormat, "format", "man", "output format (man or markdown)")
}
