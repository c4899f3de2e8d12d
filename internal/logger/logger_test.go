package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailforge/backend/internal/config"
)

func TestNewLogger(t *testing.T) {
	t.Run("生产模式输出 JSON 并过滤级别", func(t *testing.T) {
		var buf bytes.Buffer
		log, err := NewLogger(Config{Level: "warn", Output: &buf})
		require.NoError(t, err)

		log.Named("smtp").Info("dropped")
		log.Named("smtp").Warn("kept")
		require.NoError(t, log.Sync())

		lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
		require.Len(t, lines, 1)

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(lines[0], &entry))
		assert.Equal(t, "kept", entry["message"])
		assert.Equal(t, "warn", entry["level"])
		assert.Equal(t, "smtp", entry["logger"])
	})

	t.Run("非法级别回退到 info", func(t *testing.T) {
		var buf bytes.Buffer
		log, err := NewLogger(Config{Level: "loud", Output: &buf})
		require.NoError(t, err)
		log.Debug("hidden")
		log.Info("visible")
		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "visible")
	})

	t.Run("写入轮转文件", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "logs", "mailforge.log")
		cfg := FromConfig(config.LogConfig{Level: "info", File: file})
		cfg.Output = &bytes.Buffer{}

		log, err := NewLogger(cfg)
		require.NoError(t, err)
		log.Info("to file")
		require.NoError(t, log.Sync())

		data, err := os.ReadFile(file)
		require.NoError(t, err)
		assert.Contains(t, string(data), "to file")
	})
}
