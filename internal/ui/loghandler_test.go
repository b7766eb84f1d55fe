package ui_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/diskbeam/internal/ui"
)

// terminalAndFile mirrors the CLI setup: a terminal handler at warn and a
// --log JSON handler at debug.
func terminalAndFile() (*ui.MultiHandler, *bytes.Buffer, *bytes.Buffer) {
	var term, file bytes.Buffer
	h := ui.NewMultiHandler(
		slog.NewTextHandler(&term, &slog.HandlerOptions{Level: slog.LevelWarn}),
		slog.NewJSONHandler(&file, &slog.HandlerOptions{Level: slog.LevelDebug}),
	)
	return h, &term, &file
}

func TestMultiHandler_RoutesByLevel(t *testing.T) {
	t.Parallel()

	h, term, file := terminalAndFile()
	log := slog.New(h)
	log.Debug("chunk written", "bytes", 4096)
	log.Warn("cannot restore xattr", "path", "/etc/shadow")

	assert.NotContains(t, term.String(), "chunk written")
	assert.Contains(t, term.String(), "path=/etc/shadow")

	dec := json.NewDecoder(file)
	var first, second map[string]any
	require.NoError(t, dec.Decode(&first))
	require.NoError(t, dec.Decode(&second))
	assert.Equal(t, "chunk written", first["msg"])
	assert.InDelta(t, 4096, first["bytes"], 0)
	assert.Equal(t, "WARN", second["level"])
}

func TestMultiHandler_Enabled(t *testing.T) {
	t.Parallel()

	h, _, _ := terminalAndFile()
	ctx := context.Background()
	assert.True(t, h.Enabled(ctx, slog.LevelDebug), "file handler takes debug")

	quiet := ui.NewMultiHandler(
		slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}),
	)
	assert.False(t, quiet.Enabled(ctx, slog.LevelWarn))
	assert.True(t, quiet.Enabled(ctx, slog.LevelError))
}

func TestMultiHandler_AttrsAndGroupsReachEveryHandler(t *testing.T) {
	t.Parallel()

	h, term, file := terminalAndFile()
	log := slog.New(h).With("session", "abc").WithGroup("clone")
	log.Error("session failed", "mode", "link-receive")

	assert.Contains(t, term.String(), "session=abc")
	assert.Contains(t, term.String(), "clone.mode=link-receive")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(file.Bytes(), &rec))
	assert.Equal(t, "abc", rec["session"])
	group, ok := rec["clone"].(map[string]any)
	require.True(t, ok, "expected group clone in JSON output")
	assert.Equal(t, "link-receive", group["mode"])
}
