package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupLoggerWithWritersFansOut(t *testing.T) {
	var stderr, file bytes.Buffer
	SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)
	t.Cleanup(CloseLogger)

	LogRecordOutcome(nil, "lq", "/data/lq/c.png", "ORPHAN", "no_match", "")

	require.Contains(t, stderr.String(), "reason=no_match")

	var evt map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(file.Bytes()), &evt))
	require.Equal(t, "record outcome", evt["msg"])
	require.Equal(t, "/data/lq/c.png", evt[FieldPath])
	require.Equal(t, "ORPHAN", evt[FieldState])
}

func TestDebugSuppressedAtInfo(t *testing.T) {
	var stderr, file bytes.Buffer
	SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)
	t.Cleanup(CloseLogger)

	DebugLog("skipping %s", "a.png")
	LogWarning("slow decode for %s", "b.png")

	require.NotContains(t, stderr.String(), "skipping")
	require.True(t, strings.Contains(stderr.String(), "slow decode for b.png"))
}

func TestComponentLoggerAddsAttribute(t *testing.T) {
	var stderr, file bytes.Buffer
	base := SetupLoggerWithWriters(&stderr, &file, slog.LevelDebug)
	t.Cleanup(CloseLogger)

	NewComponentLogger(base, "scanner").Info("hello")
	require.Contains(t, stderr.String(), "component=scanner")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		require.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}
