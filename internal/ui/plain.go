package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/bamsammich/diskbeam/internal/event"
	"github.com/bamsammich/diskbeam/internal/stats"
)

const plainProgressEvery = 5

// plainPresenter prints one line per finished operation to stdout and,
// unless disabled, a progress line to stderr every few seconds.
type plainPresenter struct {
	w        io.Writer
	errW     io.Writer
	stats    *stats.Collector
	progress bool
}

func (p *plainPresenter) Run(events <-chan event.Event) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for ticks := 1; ; {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			p.handleEvent(ev)
		case <-ticker.C:
			p.stats.Tick()
			if p.progress && ticks%plainProgressEvery == 0 {
				p.printProgress()
			}
			ticks++
		}
	}
}

func (p *plainPresenter) handleEvent(ev event.Event) {
	switch ev := ev.(type) {
	case event.OperationEvent:
		if ev.Change == event.Completed {
			fmt.Fprintf(p.w, "✓  %s\n", FormatOp(ev.Kind, ev.Target))
		}
	case event.GeneralEvent:
		if ev.Kind == event.NewConnection {
			fmt.Fprintf(p.w, "connected: %s\n", ev.Target)
		}
	case event.Notification:
		fmt.Fprintf(p.errW, "warning: %s\n", ev.Message)
	}
}

func (p *plainPresenter) printProgress() {
	snap := p.stats.Snapshot()
	if snap.BytesTotal == 0 {
		fmt.Fprintf(p.errW, "progress: %s moved\n", FormatBytes(snap.BytesMoved))
		return
	}
	fmt.Fprintf(p.errW, "progress: %.0f%% %s/%s %s eta %s\n",
		snap.Fraction()*100,
		FormatBytes(snap.BytesMoved), FormatBytes(snap.BytesTotal),
		FormatRate(p.stats.RollingSpeed(10)),
		FormatETA(p.stats.ETA()),
	)
}

func (p *plainPresenter) Summary() string {
	return CompletionSummary(p.stats.Snapshot())
}
