package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestNewHonoursFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New("warn", "json", &buf)
	logger.Info("hidden")
	logger.Warn("shown", "job", "test")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"job":"test"`)
}

func TestContextFallsBackToDefault(t *testing.T) {
	assert.Same(t, slog.Default(), FromContext(context.Background()))
	logger := New("info", "text", &bytes.Buffer{})
	ctx := WithLogger(context.Background(), logger)
	assert.Same(t, logger, FromContext(ctx))
}

func TestOpenSinkAppendsAndMirrors(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer
	sink, err := OpenSink(dir, &console)
	require.NoError(t, err)
	New("info", "text", sink).Info("hello")
	require.NoError(t, sink.Close())
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
	assert.Contains(t, console.String(), "hello")
}

func TestMaskedWriterHandlesSplitWrites(t *testing.T) {
	var out bytes.Buffer
	w := NewMasker([]string{"s3cr3t", "", "s3"}).Writer(&out)
	_, _ = w.Write([]byte("token=s3c"))
	_, _ = w.Write([]byte("r3t ok\nprefix s3"))
	require.NoError(t, w.Flush())
	got := out.String()
	assert.False(t, strings.Contains(got, "s3cr3t"))
	assert.Equal(t, "token=*** ok\nprefix ***", got)
}

func TestNilMaskerPassesThrough(t *testing.T) {
	var m *Masker
	assert.Equal(t, "plain", m.Mask("plain"))
	assert.Equal(t, "plain", NewMasker(nil).Mask("plain"))
}
