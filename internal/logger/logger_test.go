package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"tempmail/engine/internal/config"
)

func TestNewLogger(t *testing.T) {
	t.Run("非法级别退化为 info", func(t *testing.T) {
		log, err := NewLogger(Config{Level: "verbose"})
		require.NoError(t, err)
		assert.True(t, log.Core().Enabled(zapcore.InfoLevel))
		assert.False(t, log.Core().Enabled(zapcore.DebugLevel))
	})

	t.Run("写入轮转文件", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "engine.log")
		log, err := NewLogger(Config{Level: "info", LogFile: path, MaxSize: 1})
		require.NoError(t, err)

		log.Info("mailbox allocated")
		_ = log.Sync()

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "mailbox allocated")
		assert.Contains(t, string(data), `"timestamp"`)
	})
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.LogConfig{Level: "debug", Format: "console", File: "/tmp/x.log"})
	assert.Equal(t, "debug", cfg.Level)
	assert.Equal(t, "console", cfg.Format)
	assert.Equal(t, "/tmp/x.log", cfg.LogFile)
	assert.Equal(t, 100, cfg.MaxSize)
}
