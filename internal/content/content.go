package content

import (
	"fmt"
	"log/slog"

	"github.com/bamsammich/diskbeam/internal/event"
	"github.com/bamsammich/diskbeam/internal/transfer"
)

// Options configures a Dumper or Restorer.
type Options struct {
	Transfer *transfer.Transfer
	Bus      *event.Bus
	Logger   *slog.Logger
	Format   Format
}

// Warning is a per-entry failure that did not stop the walk.
type Warning struct {
	Err  error
	Path string
}

func (w Warning) Error() string {
	return fmt.Sprintf("%s: %v", w.Path, w.Err)
}

func (w Warning) Unwrap() error { return w.Err }

// Result summarizes one dump or restore.
type Result struct {
	Warnings []Warning
	Entries  int
	Bytes    int64
}

// reporter is where recoverable failures are surfaced: logged and published
// as a notification, then kept in the result.
type reporter struct {
	log    *slog.Logger
	bus    *event.Bus
	result *Result
}

func newReporter(opts Options, result *Result) reporter {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return reporter{log: log, bus: opts.Bus, result: result}
}

func (r reporter) warn(path string, err error) {
	w := Warning{Path: path, Err: err}
	r.log.Warn("skipping entry", "path", path, "error", err)
	r.bus.Publish(event.Notification{Message: w.Error()})
	r.result.Warnings = append(r.result.Warnings, w)
}
