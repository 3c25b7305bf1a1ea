package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "debug")

	l.Info("proxy dispatched", "id", 42, "url", "http://example.com/api")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "proxy dispatched", entry["message"])
	assert.Equal(t, float64(42), entry["id"])
	assert.Equal(t, "http://example.com/api", entry["url"])
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "warn")

	l.Debug("hidden")
	l.Info("hidden")
	l.Warn("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "shown")
}

func TestLoggerErrAndWith(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "info").With("session", "s1")

	l.Err(errors.New("boom"), "failed")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, "s1", entry["session"])
	assert.Equal(t, "error", entry["level"])
}

func TestNopLogger(t *testing.T) {
	l := NewNop()
	assert.NotPanics(t, func() {
		l.Info("x", "k", "v")
		l.With("a", 1).Err(errors.New("e"), "y")
	})
}

func TestParseLevelFallback(t *testing.T) {
	assert.Equal(t, "info", parseLevel("bogus").String())
	assert.Equal(t, "debug", parseLevel("DEBUG").String())
}
