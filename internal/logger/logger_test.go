package logger

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupBuffer points the global logger at a fresh buffer and returns it.
func setupBuffer(t *testing.T, level string, format LogFormat) *bytes.Buffer {
	t.Helper()
	ResetForTesting()
	var buf bytes.Buffer
	Setup(Config{
		Level:      level,
		Format:     format,
		Output:     &buf,
		TimeFormat: time.RFC3339,
	})
	return &buf
}

func lastEntry(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &entry))
	return entry
}

func TestParseLogFormat(t *testing.T) {
	tests := []struct {
		input string
		want  LogFormat
	}{
		{"json", FormatJSON},
		{"JSON", FormatJSON},
		{"console", FormatConsole},
		{"Console", FormatConsole},
		{"", FormatJSON},
		{"nonsense", FormatJSON},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLogFormat(tt.input), "input %q", tt.input)
	}
}

func TestSetupLevels(t *testing.T) {
	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"not-a-level", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run("level "+tt.level, func(t *testing.T) {
			setupBuffer(t, tt.level, FormatJSON)
			assert.Equal(t, tt.want, Get().GetLevel())
		})
	}
}

func TestSetupIsIdempotent(t *testing.T) {
	buf := setupBuffer(t, "debug", FormatJSON)

	// A second Setup must not replace the configured logger.
	Setup(Config{Level: "error"})
	assert.Equal(t, zerolog.DebugLevel, Get().GetLevel())

	// ForceSetup does.
	ForceSetup(Config{Level: "error", Format: FormatJSON, Output: buf})
	assert.Equal(t, zerolog.ErrorLevel, Get().GetLevel())
}

func TestGetWithoutSetup(t *testing.T) {
	ResetForTesting()
	log := Get()
	require.NotNil(t, log)
	assert.Equal(t, zerolog.InfoLevel, log.GetLevel())
}

func TestLogMethods(t *testing.T) {
	buf := setupBuffer(t, "debug", FormatJSON)
	log := Get()

	tests := []struct {
		name    string
		logFunc func()
		level   string
		message string
	}{
		{"debug", func() { log.Debug("scanning library") }, "debug", "scanning library"},
		{"info", func() { log.Info("run finished") }, "info", "run finished"},
		{"warn", func() { log.Warn("stale session") }, "warn", "stale session"},
		{"error", func() { log.Error("fetch failed") }, "error", "fetch failed"},
		{"debugf", func() { log.Debugf("resolved %d books", 3) }, "debug", "resolved 3 books"},
		{"infof", func() { log.Infof("synced %s", "dune") }, "info", "synced dune"},
		{"warnf", func() { log.Warnf("retry %d", 2) }, "warn", "retry 2"},
		{"errorf", func() { log.Errorf("status %d", 502) }, "error", "status 502"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			tt.logFunc()

			entry := lastEntry(t, buf)
			assert.Equal(t, tt.level, entry["level"])
			assert.Equal(t, tt.message, entry["message"])
		})
	}
}

func TestLogMethodFields(t *testing.T) {
	buf := setupBuffer(t, "info", FormatJSON)

	Get().Info("book synced", map[string]interface{}{
		"book_id": "li_1",
		"percent": 45,
	})

	entry := lastEntry(t, buf)
	assert.Equal(t, "li_1", entry["book_id"])
	assert.Equal(t, float64(45), entry["percent"])
}

func TestLevelFiltering(t *testing.T) {
	buf := setupBuffer(t, "warn", FormatJSON)
	log := Get()

	log.Debug("dropped")
	log.Info("dropped")
	log.Warn("kept warn")
	log.Error("kept error")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "kept warn")
	assert.Contains(t, out, "kept error")
}

func TestWithFields(t *testing.T) {
	buf := setupBuffer(t, "info", FormatJSON)

	child := Get().With(map[string]interface{}{"service": "hardcover"})
	child = child.WithFields(map[string]interface{}{"run_id": "ab12"})
	child.Info("progress written")

	entry := lastEntry(t, buf)
	assert.Equal(t, "hardcover", entry["service"])
	assert.Equal(t, "ab12", entry["run_id"])
	assert.Equal(t, "progress written", entry["message"])

	// Fields stay on the child, not the parent.
	buf.Reset()
	Get().Info("bare")
	entry = lastEntry(t, buf)
	assert.NotContains(t, entry, "service")
}

func TestWithFieldsNoop(t *testing.T) {
	setupBuffer(t, "info", FormatJSON)
	log := Get()

	assert.Same(t, log, log.WithFields(nil))
	assert.Same(t, log, log.WithFields(map[string]interface{}{}))
}

func TestNilReceiverIsSafe(t *testing.T) {
	setupBuffer(t, "info", FormatJSON)

	var log *Logger
	assert.NotPanics(t, func() {
		log.Info("ignored")
		log.Warnf("ignored %d", 1)
	})
	assert.Equal(t, zerolog.NoLevel, log.GetLevel())
	assert.NotNil(t, log.With(map[string]interface{}{"k": "v"}))
}

func TestConsoleFormat(t *testing.T) {
	buf := setupBuffer(t, "info", FormatConsole)

	Get().Info("shelved", map[string]interface{}{"shelf": "reading"})

	// Strip color codes before matching.
	ansi := regexp.MustCompile(`\x1b\[[0-9;]*m`)
	out := ansi.ReplaceAllString(buf.String(), "")
	assert.Contains(t, out, "shelved")
	assert.Contains(t, out, "shelf=reading")
}
