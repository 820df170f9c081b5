package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("json", "warn", &buf)
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("model_load_failed", "engine", "keras")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "model_load_failed", entry["msg"])
	assert.Equal(t, "keras", entry["engine"])
}

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("TEXT", "", &buf)
	require.NoError(t, err)
	logger.Info("ready", "addr", "0.0.0.0:4674")
	assert.Contains(t, buf.String(), "addr=0.0.0.0:4674")
}

func TestNewRejectsUnknownSettings(t *testing.T) {
	_, err := New("xml", "info", nil)
	assert.Error(t, err)
	_, err = New("json", "loud", nil)
	assert.Error(t, err)

	level, err := ParseLevel("Warning")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)
}
