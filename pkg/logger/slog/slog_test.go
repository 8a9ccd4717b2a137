package slog_test

import (
	"bytes"
	"encoding/json"
	rawslog "log/slog"
	"strings"
	"testing"

	"github.com/jamalex/notion-py/pkg/logger/slog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordsCarryLevelAndArgs(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(rawslog.NewJSONHandler(&buf, &rawslog.HandlerOptions{Level: rawslog.LevelDebug}))

	cases := []struct {
		log   func(msg string, args ...any)
		level string
	}{
		{l.Error, "ERROR"},
		{l.Warn, "WARN"},
		{l.Info, "INFO"},
		{l.Debug, "DEBUG"},
	}
	for _, tc := range cases {
		t.Run(tc.level, func(t *testing.T) {
			buf.Reset()
			tc.log("record changed", "record", "block/1", "changes", 2)

			var line map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
			assert.Equal(t, tc.level, line["level"])
			assert.Equal(t, "record changed", line["msg"])
			assert.Equal(t, "block/1", line["record"])
			assert.EqualValues(t, 2, line["changes"])
		})
	}
}

func TestWith(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(rawslog.NewJSONHandler(&buf, nil)).With("component", "store")
	l.Info("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "store", line["component"])
}

func TestLevelNames(t *testing.T) {
	cases := map[string]rawslog.Level{
		"debug":    rawslog.LevelDebug,
		"INFO":     rawslog.LevelInfo,
		"warning":  rawslog.LevelWarn,
		"error":    rawslog.LevelError,
		"critical": rawslog.LevelError + 4,
		"disabled": slog.LevelDisabled,
	}
	for name, want := range cases {
		got, ok := slog.Level(name)
		assert.True(t, ok, name)
		assert.Equal(t, want, got, name)
	}
	got, ok := slog.Level("loud")
	assert.False(t, ok)
	assert.Equal(t, rawslog.LevelWarn, got)
}

func TestNewTextFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l := slog.NewText(&buf, "warning")
	l.Info("dropped")
	l.Warn("kept", "endpoint", "search")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.True(t, strings.Contains(out, "msg=kept"))
	assert.Contains(t, out, "endpoint=search")
	assert.False(t, l.Enabled(rawslog.LevelInfo))

	buf.Reset()
	off := slog.NewText(&buf, "disabled")
	off.Error("nothing")
	assert.Empty(t, buf.String())
}
