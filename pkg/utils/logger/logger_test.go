package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_LOG(t *testing.T) {
	defer Sync()
	Info("Info msg")
	Warn("Warn msg")
	Error("Error msg")
	Debug("Debug msg", Int("age", 3))
}

func TestLogger_LevelAndFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, InfoLevel)

	l.Debug("hidden")
	assert.Empty(t, buf.String(), "低于级别的日志不输出")

	c := l.With(String("conn", "a->b")).Named("scpstp")
	c.Info("state change", Uint32("seq", 1000), Duration("rto", time.Second))
	out := buf.String()
	assert.Contains(t, out, "[INFO]")
	assert.Contains(t, out, "<scpstp>")
	assert.Contains(t, out, "state change")
	assert.Contains(t, out, `"conn": "a->b"`)
	assert.Contains(t, out, `"rto": "1s"`)

	// 子日志器共享级别
	l.SetLevel(DebugLevel)
	assert.True(t, c.Enabled(DebugLevel))
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel(" Debug ")
	require.NoError(t, err)
	assert.Equal(t, DebugLevel, lvl)

	_, err = ParseLevel("verbose")
	assert.Error(t, err)
}

func TestNewFile(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "scpstp.log")
	l := NewFile(FileConfig{Filename: name, MaxSizeMB: 1}, InfoLevel, false)
	l.Info("to file")
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}
