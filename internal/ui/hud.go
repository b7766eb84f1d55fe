package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/bamsammich/diskbeam/internal/event"
	"github.com/bamsammich/diskbeam/internal/stats"
)

var (
	styleDone    = lipgloss.NewStyle().Foreground(lipgloss.Color("#a6e3a1"))
	styleWarn    = lipgloss.NewStyle().Foreground(lipgloss.Color("#f9e2af"))
	styleFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("#f38ba8"))
	styleDim     = lipgloss.NewStyle().Faint(true)
	styleBold    = lipgloss.NewStyle().Bold(true)
	styleSpark   = lipgloss.NewStyle().Foreground(lipgloss.Color("#94e2d5"))
	styleBarFill = lipgloss.NewStyle().Foreground(lipgloss.Color("#89b4fa"))
)

const (
	sparklineWidth   = 20
	progressBarWidth = 20
	hudLines         = 2
	hudMinInterval   = 50 * time.Millisecond // don't redraw faster than this
)

// hudPresenter prints a scrolling feed of finished operations above a
// two-line status block that is redrawn in place.
type hudPresenter struct {
	w     io.Writer
	stats *stats.Collector
	width int

	hudDrawn    bool
	lastHUDDraw time.Time
}

func (p *hudPresenter) Run(events <-chan event.Event) error {
	// The first tick comes early to seed the rate.
	secTicker := time.NewTicker(250 * time.Millisecond)
	defer secTicker.Stop()
	firstTickDone := false

	redrawTicker := time.NewTicker(100 * time.Millisecond)
	defer redrawTicker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				p.clearHUD()
				return nil
			}
			p.handleEvent(ev)
			p.maybeDrawHUD()

		case <-redrawTicker.C:
			p.drawHUD()

		case <-secTicker.C:
			p.stats.Tick()
			if !firstTickDone {
				firstTickDone = true
				secTicker.Reset(time.Second)
			}
		}
	}
}

func (p *hudPresenter) handleEvent(ev event.Event) {
	switch ev := ev.(type) {
	case event.OperationEvent:
		if ev.Change != event.Completed {
			return
		}
		p.printLine(styleDone.Render("✓") + "  " + p.fit(FormatOp(ev.Kind, ev.Target)))
	case event.GeneralEvent:
		switch ev.Kind {
		case event.NewConnection:
			p.printLine(styleDim.Render("↔  connected " + ev.Target))
		case event.CancelExecution:
			p.printLine(styleFailed.Render("✗  session failed"))
		}
	case event.Notification:
		p.printLine(styleWarn.Render("!") + "  " + p.fit(ev.Message))
	}
}

// printLine adds a feed line above the status block.
func (p *hudPresenter) printLine(s string) {
	p.clearHUD()
	fmt.Fprintln(p.w, s)
	p.drawHUD()
}

func (p *hudPresenter) fit(s string) string {
	if p.width <= 0 {
		return s
	}
	return truncate(s, p.width-4)
}

func (p *hudPresenter) maybeDrawHUD() {
	if time.Since(p.lastHUDDraw) < hudMinInterval {
		return
	}
	p.drawHUD()
}

func (p *hudPresenter) drawHUD() {
	snap := p.stats.Snapshot()
	p.clearHUD()

	// Line 1: throughput sparkline, rate and bytes.
	spark := Sparkline(p.stats.SparklineData(sparklineWidth), sparklineWidth)
	fmt.Fprintf(p.w, "       %s   %s   %s / %s\n",
		styleSpark.Render(spark),
		styleBold.Render(FormatRate(p.stats.RollingSpeed(10))),
		FormatBytes(snap.BytesMoved), FormatBytes(snap.BytesTotal))

	// Line 2: progress bar, operations and eta.
	fmt.Fprintf(p.w, " %3.0f%%  %s   ops %d/%d   eta %s\n",
		snap.Fraction()*100,
		styleBarFill.Render(ProgressBar(snap.Fraction(), progressBarWidth)),
		snap.OpsCompleted, snap.OpsPlanned,
		FormatETA(p.stats.ETA()))

	p.hudDrawn = true
	p.lastHUDDraw = time.Now()
}

func (p *hudPresenter) clearHUD() {
	if !p.hudDrawn {
		return
	}
	// Cursor up over the block, then clear to end of screen.
	fmt.Fprintf(p.w, "\033[%dA\033[J", hudLines)
	p.hudDrawn = false
}

func (p *hudPresenter) Summary() string {
	return CompletionSummary(p.stats.Snapshot())
}

// truncate shortens s to at most n runes, keeping its tail.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[len(r)-max(n, 0):])
	}
	return "..." + string(r[len(r)-n+3:])
}
