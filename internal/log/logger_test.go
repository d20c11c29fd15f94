package log

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromEnv_Debug(t *testing.T) {
	t.Setenv("KITE_DEBUG", "1")
	cfg := FromEnv()
	assert.Equal(t, "debug", cfg.Level)
	assert.True(t, cfg.AddSource)
}

func TestFromEnv_LevelPrecedence(t *testing.T) {
	t.Setenv("KITE_DEBUG", "")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("KITE_LOG_LEVEL", "info")
	cfg := FromEnv()
	assert.Equal(t, "info", cfg.Level)
}

func TestFromEnv_Format(t *testing.T) {
	t.Setenv("LOG_FORMAT", "JSON")
	cfg := FromEnv()
	assert.Equal(t, FormatJSON, cfg.Format)
}

func TestNew_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "warn", Format: FormatText, Output: &buf})

	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	logger.Info("message", slog.String(RideKey, "release"))

	assert.Contains(t, buf.String(), `"ride":"release"`)
}

func TestParseLevel_UnknownDefaultsToWarn(t *testing.T) {
	assert.Equal(t, slog.LevelWarn, parseLevel("bogus"))
}
