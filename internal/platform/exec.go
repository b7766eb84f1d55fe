// Package platform wraps the operating system: external tools, block
// devices, mounts and file preallocation.
package platform

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
)

// Command is one invocation of an external tool.
type Command struct {
	Stdin io.Reader
	Name  string
	Args  []string
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Runner runs external tools and returns their standard output.
type Runner interface {
	Run(ctx context.Context, c Command) ([]byte, error)
}

// ExecRunner runs commands with os/exec. A nil Logger uses slog.Default().
type ExecRunner struct {
	Logger *slog.Logger
}

func (r ExecRunner) Run(ctx context.Context, c Command) ([]byte, error) {
	log := r.Logger
	if log == nil {
		log = slog.Default()
	}
	log.Debug("exec", "cmd", c.String())

	cmd := exec.CommandContext(ctx, c.Name, c.Args...) //nolint:gosec // G204: tool names are fixed by callers
	cmd.Stdin = c.Stdin
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), outputErr(c, stderr.Bytes(), err)
	}
	return stdout.Bytes(), nil
}

// outputErr folds a tool's stderr into its error so the reason reaches the
// log instead of just an exit status.
func outputErr(c Command, stderr []byte, err error) error {
	msg := strings.TrimSpace(string(stderr))
	if msg == "" {
		return fmt.Errorf("%s: %w", c.Name, err)
	}
	return fmt.Errorf("%s: %w: %s", c.Name, err, msg)
}
