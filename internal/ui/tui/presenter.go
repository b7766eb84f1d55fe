package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/bamsammich/diskbeam/internal/config"
	"github.com/bamsammich/diskbeam/internal/event"
	"github.com/bamsammich/diskbeam/internal/stats"
	"github.com/bamsammich/diskbeam/internal/ui"
)

// Config configures the TUI presenter.
type Config struct {
	Stats *stats.Collector
	// Title names the session in the header, such as "send /dev/sda".
	Title string
	Theme config.ThemeConfig
	// Cancel stops the session when the user quits before it ends.
	Cancel func()
}

// Presenter wraps a Bubble Tea program and implements ui.Presenter.
type Presenter struct {
	cfg   Config
	model Model
}

var _ ui.Presenter = (*Presenter)(nil)

func NewPresenter(cfg Config) *Presenter {
	ApplyTheme(cfg.Theme)
	return &Presenter{cfg: cfg}
}

// Run starts the Bubble Tea program and blocks until done.
func (p *Presenter) Run(events <-chan event.Event) error {
	p.model = NewModel(events, p.cfg.Stats, p.cfg.Title, p.cfg.Cancel)
	prog := tea.NewProgram(
		p.model,
		tea.WithAltScreen(),
		tea.WithoutSignalHandler(),
	)
	final, err := prog.Run()
	if err != nil {
		return err
	}
	p.model = final.(Model) //nolint:forcetypeassert // the program only holds Model
	// The user may quit before the session ends; keep draining.
	for range events {
	}
	return nil
}

// Summary returns the final completion summary line.
func (p *Presenter) Summary() string {
	return ui.CompletionSummary(p.cfg.Stats.Snapshot())
}
