// pkg/log/hotreload_test.go
package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/imReese/onetierdb/pkg/config"
)

func testLogConfig(dir string) config.LogConfig {
	cfg := config.Default().Log
	cfg.RunDir = filepath.Join(dir, "run")
	cfg.BackupDir = filepath.Join(dir, "bak")
	return cfg
}

func newLogger(t *testing.T, cfg config.LogConfig) *Logger {
	t.Helper()
	l, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func readLog(t *testing.T, runDir string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(runDir, logFileName))
	require.NoError(t, err)
	return string(data)
}

func TestLogReloadHandler_DerivedLoggersFollowLevel(t *testing.T) {
	cfg := testLogConfig(t.TempDir())
	l := newLogger(t, cfg)
	derived := l.Zap().With(zap.String("component", "storage"))
	assert.False(t, derived.Core().Enabled(zapcore.DebugLevel))

	next := config.Default()
	next.Log = cfg
	next.Log.Level = "debug"
	require.NoError(t, NewLogReloadHandler(l).OnConfigReload(&next))

	assert.Equal(t, zapcore.DebugLevel, l.Level())
	assert.True(t, derived.Core().Enabled(zapcore.DebugLevel), "重载前派生的logger同样生效")
	assert.Equal(t, zapcore.DebugLevel, derived.Level())
	derived.Debug("after reload")
	out := readLog(t, cfg.RunDir)
	assert.Contains(t, out, `"msg":"after reload"`)
	assert.Contains(t, out, `"component":"storage"`)

	next.Log.Level = "warn"
	require.NoError(t, NewLogReloadHandler(l).OnConfigReload(&next))
	derived.Info("dropped")
	assert.NotContains(t, readLog(t, cfg.RunDir), "dropped")
}

func TestLogReloadHandler_SwitchesOutputFile(t *testing.T) {
	dir := t.TempDir()
	cfg := testLogConfig(dir)
	l := newLogger(t, cfg)
	derived := l.Zap().Named("queue")
	derived.Info("first file")

	next := config.Default()
	next.Log = cfg
	next.Log.RunDir = filepath.Join(dir, "run2")
	require.NoError(t, NewLogReloadHandler(l).OnConfigReload(&next))
	derived.Info("second file")

	assert.Contains(t, readLog(t, cfg.RunDir), "first file")
	assert.NotContains(t, readLog(t, cfg.RunDir), "second file")
	assert.Contains(t, readLog(t, next.Log.RunDir), "second file")
}

func TestLogReloadHandler_RejectsInvalid(t *testing.T) {
	cfg := testLogConfig(t.TempDir())
	l := newLogger(t, cfg)
	h := NewLogReloadHandler(l)

	next := config.Default()
	next.Log = cfg
	next.Log.RunDir = ""
	assert.Error(t, h.OnConfigReload(&next))

	next.Log = cfg
	next.Log.Level = "verbose"
	assert.Error(t, h.OnConfigReload(&next))

	next.Log = cfg
	next.Log.MaxSize = 0
	assert.Error(t, h.OnConfigReload(&next))

	assert.Equal(t, zapcore.InfoLevel, l.Level())
	_, err := New(next.Log)
	assert.Error(t, err)
}
