// Package ui renders the progress of a session from its bus events.
package ui

import (
	"io"

	"golang.org/x/term"

	"github.com/bamsammich/diskbeam/internal/event"
	"github.com/bamsammich/diskbeam/internal/stats"
)

// Presenter consumes events and displays progress.
type Presenter interface {
	// Run consumes events until the channel closes. Blocks until done.
	Run(events <-chan event.Event) error
	// Summary returns the final summary line.
	Summary() string
}

// Config configures a Presenter.
type Config struct {
	Writer     io.Writer
	ErrWriter  io.Writer
	Stats      *stats.Collector
	Width      int
	IsTTY      bool
	Quiet      bool
	NoProgress bool
}

// NewPresenter picks the presenter for the output: nothing when quiet, a
// redrawn status block on a terminal and plain lines otherwise.
//
//nolint:ireturn // the presenter kind depends on the output
func NewPresenter(cfg Config) Presenter {
	if cfg.Quiet {
		return &quietPresenter{stats: cfg.Stats}
	}
	if !cfg.IsTTY || cfg.NoProgress {
		return &plainPresenter{w: cfg.Writer, errW: cfg.ErrWriter, stats: cfg.Stats, progress: !cfg.NoProgress}
	}
	return &hudPresenter{w: cfg.ErrWriter, stats: cfg.Stats, width: cfg.Width}
}

// IsTTY reports whether fd refers to a terminal.
func IsTTY(fd uintptr) bool {
	return term.IsTerminal(int(fd)) //nolint:gosec // G115: descriptors fit int
}

// TermWidth returns the terminal width in columns, or 80 if unknown.
func TermWidth(fd uintptr) int {
	if w, _, err := term.GetSize(int(fd)); err == nil && w > 0 { //nolint:gosec // G115: descriptors fit int
		return w
	}
	return 80
}
