package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"climate_monitor/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", ParseLevel("debug").String())
	assert.Equal(t, "WARN", ParseLevel("WARN").String())
	assert.Equal(t, "ERROR", ParseLevel("error").String())
	assert.Equal(t, "INFO", ParseLevel("bogus").String())
}

func TestFileAndConsoleSinks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "result.log")
	var console bytes.Buffer

	l, err := newLogger(config.LoggingConfig{LogFile: path, LogLevel: WARN}, &console)
	require.NoError(t, err)
	assert.Equal(t, path, l.FileName())

	l.Info("hidden message")
	l.With("node_id", "node_001").Warn("storage slow")
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)

	assert.Contains(t, text, "=== Session started at")
	assert.Contains(t, text, "=== Session ended at")
	assert.Contains(t, text, "storage slow")
	assert.Contains(t, text, "node_id=node_001")
	assert.NotContains(t, text, "hidden message")

	assert.Contains(t, console.String(), "storage slow")
	assert.NotContains(t, console.String(), "hidden message")
}

func TestJSONFileFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "json.log")

	l, err := newLogger(config.LoggingConfig{LogFile: path, LogLevel: DEBUG, Format: "json"}, nil)
	require.NoError(t, err)
	l.Debug("decoded", "topic", "a/b")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var found bool
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		if rec["msg"] == "decoded" {
			found = true
			assert.Equal(t, "a/b", rec["topic"])
			assert.Equal(t, "DEBUG", rec["level"])
		}
	}
	assert.True(t, found)
}

func TestNewFailsOnUnwritablePath(t *testing.T) {
	_, err := New(config.LoggingConfig{LogFile: filepath.Join(t.TempDir(), "missing", "x.log")})
	assert.ErrorContains(t, err, "failed to open log file")
}
