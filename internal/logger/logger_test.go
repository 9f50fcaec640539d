package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/natefinch/lumberjack.v2"
)

func TestSetLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(nil)
	defer SetLevel("info")

	SetLevel("info")
	Debugf("hidden %d", 1)
	assert.Empty(t, buf.String())

	SetLevel("DEBUG")
	Debugf("shown %d", 2)
	assert.Contains(t, buf.String(), "shown 2")
	assert.Equal(t, "debug", Level())
}

func TestSetLevelUnknownFallsBackToInfo(t *testing.T) {
	SetLevel("verbose")
	assert.Equal(t, "info", Level())
}

func TestInfoBlockSplitsLines(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(nil)

	InfoBlock("line-a\nline-b\n")
	out := buf.String()
	assert.Contains(t, out, "line-a")
	assert.Contains(t, out, "line-b")
	assert.Equal(t, 2, bytes.Count(buf.Bytes(), []byte("level=INFO")))
}

func TestSetRotatingFileWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "app.log")
	closer, err := SetRotatingFile(RotateOptions{Path: path, MaxSizeMB: 1})
	require.NoError(t, err)
	defer func() {
		SetOutput(nil)
		_ = closer.Close()
	}()

	Warnf("rotate %s", "ok")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "rotate ok")
}

func TestSetRotatingFilePassesRetention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	closer, err := SetRotatingFile(RotateOptions{Path: path, MaxSizeMB: 2, MaxBackups: 3, MaxAgeDays: 7, Compress: true})
	require.NoError(t, err)
	defer func() {
		SetOutput(nil)
		_ = closer.Close()
	}()

	lj, ok := closer.(*lumberjack.Logger)
	require.True(t, ok)
	assert.Equal(t, path, lj.Filename)
	assert.Equal(t, 2, lj.MaxSize)
	assert.Equal(t, 3, lj.MaxBackups)
	assert.Equal(t, 7, lj.MaxAge)
	assert.True(t, lj.Compress)
}

func TestSetRotatingFileRequiresPath(t *testing.T) {
	_, err := SetRotatingFile(RotateOptions{})
	assert.Error(t, err)
}
