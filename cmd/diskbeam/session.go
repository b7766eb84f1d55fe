package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bamsammich/diskbeam/internal/clone"
	"github.com/bamsammich/diskbeam/internal/config"
	"github.com/bamsammich/diskbeam/internal/event"
	"github.com/bamsammich/diskbeam/internal/stats"
	"github.com/bamsammich/diskbeam/internal/transfer"
	"github.com/bamsammich/diskbeam/internal/ui"
	"github.com/bamsammich/diskbeam/internal/ui/tui"
)

// execute runs one session with logging, the config file, a presenter
// and signal handling around it. Exit codes: 1 cancelled, 2 failed.
//
//nolint:revive // cognitive-complexity: wires every front-end concern of a session
func execute(cmd *cobra.Command, opts *globalOptions, s session) error {
	logLevel := slog.LevelWarn
	if opts.verbose {
		logLevel = slog.LevelDebug
	} else if !opts.quiet {
		logLevel = slog.LevelInfo
	}
	textHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	var logHandler slog.Handler = textHandler
	if opts.logFile != "" {
		lf, err := os.Create(opts.logFile)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer lf.Close()
		jsonHandler := slog.NewJSONHandler(lf, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
		logHandler = ui.NewMultiHandler(textHandler, jsonHandler)
	}
	logger := slog.New(logHandler).WithGroup("clone")
	slog.SetDefault(slog.New(logHandler))

	file, err := loadConfig(opts.configFile)
	if err != nil {
		return err
	}
	cfg, err := opts.sessionConfig(cmd, file)
	if err != nil {
		return err
	}
	if err := s.build(file, &cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := event.NewBus()
	collector := stats.NewCollector()
	bus.Subscribe(collector)
	if opts.logFile != "" {
		bus.Subscribe(eventLogger{log: logger})
	}
	events, closeEvents := ui.Feed(bus, 256)

	c := clone.New(cfg, bus, logger)
	task := clone.Start(ctx, func(ctx context.Context) error { return s.entry(c, ctx) })

	isTTY := ui.IsTTY(os.Stderr.Fd())
	var presenter ui.Presenter
	useTUI := opts.tui && isTTY
	if useTUI {
		presenter = tui.NewPresenter(tui.Config{
			Stats:  collector,
			Title:  s.title,
			Theme:  file.Theme,
			Cancel: task.Cancel,
		})
	} else {
		if opts.tui {
			slog.Warn("--tui requires a terminal, falling back to inline output")
		}
		presenter = ui.NewPresenter(ui.Config{
			Writer:     os.Stdout,
			ErrWriter:  os.Stderr,
			Stats:      collector,
			Width:      ui.TermWidth(os.Stderr.Fd()),
			IsTTY:      isTTY,
			Quiet:      opts.quiet,
			NoProgress: opts.noProgress,
		})
	}

	var presenterErr error
	var presenterWg sync.WaitGroup
	presenterWg.Go(func() {
		presenterErr = presenter.Run(events)
	})

	runErr := task.Wait()
	stop()
	closeEvents()
	presenterWg.Wait()
	if presenterErr != nil {
		fmt.Fprintf(os.Stderr, "presenter: %v\n", presenterErr)
	}

	if !opts.quiet {
		if summary := presenter.Summary(); summary != "" {
			fmt.Fprintln(os.Stderr, summary)
		}
	}
	if d := c.Digest(); d != "" && !opts.quiet {
		fmt.Fprintf(os.Stdout, "blake3 %s\n", d)
	}

	if runErr != nil {
		if ctx.Err() != nil || errors.Is(runErr, transfer.ErrCancelled) || errors.Is(runErr, context.Canceled) {
			slog.Warn("session cancelled", "error", runErr)
			return &exitError{code: 1}
		}
		slog.Error("session failed", "error", runErr)
		return &exitError{code: 2}
	}
	return nil
}

// loadConfig reads path, or the default location when path is empty. A
// missing default file is not an error.
func loadConfig(path string) (config.Config, error) {
	if path != "" {
		cfg, err := config.LoadFile(path)
		if err != nil {
			return config.Config{}, fmt.Errorf("load config: %w", err)
		}
		return cfg, nil
	}
	cfg, err := config.Load()
	if err != nil {
		slog.Warn("failed to load config", "error", err)
		return config.Config{}, nil
	}
	return cfg, nil
}

// eventLogger writes every non-progress bus event to the log.
type eventLogger struct {
	log *slog.Logger
}

func (l eventLogger) Notify(ev event.Event) {
	switch ev := ev.(type) {
	case event.OperationEvent:
		l.log.Info("operation", "change", ev.Change.String(), "kind", ev.Kind.String(), "target", ev.Target)
	case event.GeneralEvent:
		l.log.Info("general", "kind", ev.Kind.String(), "target", ev.Target)
	case event.Notification:
		l.log.Warn("notification", "message", ev.Message)
	case event.TransferEvent:
		if ev.Kind == event.TotalSize {
			l.log.Debug("total size", "bytes", ev.Bytes)
		}
	}
}
