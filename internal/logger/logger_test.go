package logger

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	prevLogger, prevLevel := DefaultLogger, Level()
	t.Cleanup(func() {
		DefaultLogger = prevLogger
		SetLevel(prevLevel)
	})
	var buf bytes.Buffer
	SetOutput(&buf)
	return &buf
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestSetVerbose(t *testing.T) {
	buf := captureOutput(t)

	SetVerbose(false)
	Debug("hidden")
	assert.Empty(t, buf.String())

	SetVerbose(true)
	Debug("shown", "k", 1)
	assert.Contains(t, buf.String(), "msg=shown")
	assert.Contains(t, buf.String(), "k=1")
}

func TestWith_TagsComponent(t *testing.T) {
	buf := captureOutput(t)
	SetLevel(slog.LevelInfo)

	With("capture").Info("started", "device", "/dev/video0")
	out := buf.String()
	assert.Contains(t, out, "component=capture")
	assert.Contains(t, out, "device=/dev/video0")
}

func TestPionFactory(t *testing.T) {
	buf := captureOutput(t)
	SetLevel(slog.LevelInfo)

	l := NewPionFactory().NewLogger("ice")
	require.NotNil(t, l)

	l.Debugf("candidate %d", 1)
	assert.Empty(t, buf.String())

	l.Warnf("gathering took %dms", 42)
	out := buf.String()
	assert.Contains(t, out, "scope=ice")
	assert.Contains(t, out, "gathering took 42ms")
	assert.Contains(t, out, "level=WARN")
}
