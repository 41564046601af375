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

	"github.com/fiasco-engine/ipc/internal/config"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.LoggingConfig
		wantErr bool
	}{
		{"json to stdout", config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, false},
		{"text to stderr", config.LoggingConfig{Level: "debug", Format: "text", Output: "stderr"}, false},
		{"invalid level", config.LoggingConfig{Level: "invalid", Format: "json", Output: "stdout"}, true},
		{"invalid format", config.LoggingConfig{Level: "info", Format: "invalid", Output: "stdout"}, true},
		{"empty output defaults to stdout", config.LoggingConfig{Level: "info", Format: "json"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, l)
		})
	}
}

func TestLoggerFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "broker.log")
	l, err := New(config.LoggingConfig{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)

	l.Info("channel opened", "channel", 3)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &entry))
	assert.Equal(t, "channel opened", entry["msg"])
	assert.Equal(t, float64(3), entry["channel"])
}

func TestSetLevelAffectsDerivedLoggers(t *testing.T) {
	var buf bytes.Buffer
	root, err := NewWithWriter(&buf, "info", "text")
	require.NoError(t, err)
	child := root.With("component", "bridge")

	child.Debug("hidden")
	assert.Empty(t, buf.String())

	root.SetLevel(LevelDebug)
	child.Debug("shown")
	assert.Contains(t, buf.String(), "shown")
	assert.Contains(t, buf.String(), "component=bridge")
	assert.Equal(t, LevelDebug, child.GetLevel())
	assert.True(t, child.Enabled(LevelDebug))

	root.SetLevel(LevelError)
	buf.Reset()
	child.Warn("suppressed")
	assert.Empty(t, buf.String())
}

func TestWithGroup(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWithWriter(&buf, "info", "json")
	require.NoError(t, err)

	l.WithGroup("port").Info("bound", "number", 9001)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	group, ok := entry["port"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(9001), group["number"])
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{
		"debug": LevelDebug, "info": LevelInfo, "warn": LevelWarn,
		"warning": LevelWarn, "error": LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestGlobalLogger(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWithWriter(&buf, "info", "text")
	require.NoError(t, err)

	prev := Global()
	SetGlobal(l)
	defer SetGlobal(prev)

	Global().Info("from global", "k", "v")
	Global().With("component", "test").Warn("scoped")

	out := buf.String()
	assert.True(t, strings.Contains(out, "from global"))
	assert.True(t, strings.Contains(out, "component=test"))
}
