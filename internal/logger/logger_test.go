package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("create logger with console output", func(t *testing.T) {
		cfg := Config{
			Level:   "info",
			Console: true,
			Pretty:  false,
		}

		logger, err := New(cfg)
		require.NoError(t, err)
		assert.NotNil(t, logger)

		if logger != nil {
			logger.Close()
		}
	})

	t.Run("create logger with file output", func(t *testing.T) {
		tmpDir := t.TempDir()
		logFile := filepath.Join(tmpDir, "test.log")

		cfg := Config{
			Level:   "debug",
			File:    logFile,
			Console: false,
		}

		logger, err := New(cfg)
		require.NoError(t, err)
		assert.NotNil(t, logger)

		// Write a log message
		logger.Info().Msg("test message")

		logger.Close()

		// Verify file was created
		_, err = os.Stat(logFile)
		assert.NoError(t, err)
	})

	t.Run("create logger with redaction", func(t *testing.T) {
		tmpDir := t.TempDir()
		logFile := filepath.Join(tmpDir, "test.log")

		cfg := Config{
			Level:     "info",
			File:      logFile,
			Console:   false,
			Redaction: true,
		}

		logger, err := New(cfg)
		require.NoError(t, err)
		assert.NotNil(t, logger)
		assert.NotNil(t, logger.redactor)

		logger.Close()
	})

	t.Run("should scrub configured secrets from the file", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "toolmesh.log")

		logger, err := New(Config{
			Level:     "info",
			File:      logFile,
			Redaction: true,
			Secrets:   []string{"gw-shared-secret"},
		})
		require.NoError(t, err)

		logger.Info().Str("header", "gw-shared-secret").Str("api_key", "whatever").Msg("Gateway request")
		logger.AddSecrets("late-added-secret")
		logger.Info().Str("note", "late-added-secret").Msg("Config reloaded")
		require.NoError(t, logger.Close())

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.NotContains(t, string(data), "gw-shared-secret")
		assert.NotContains(t, string(data), "late-added-secret")
		assert.NotContains(t, string(data), "whatever")
		for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
			assert.True(t, json.Valid([]byte(line)), line)
		}
	})
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: "info"})
	require.NoError(t, err)
	defer logger.Close()
	logger.gate.out = &buf

	component := logger.GetZerolog().With().Str("component", "registry").Logger()

	t.Run("should drop events below the level", func(t *testing.T) {
		component.Debug().Msg("hidden")
		assert.Empty(t, buf.String())
	})

	t.Run("should reach loggers derived before the change", func(t *testing.T) {
		require.NoError(t, logger.SetLevel("debug"))
		assert.Equal(t, zerolog.DebugLevel, logger.Level())

		component.Debug().Msg("visible")
		assert.Contains(t, buf.String(), `"message":"visible"`)
		assert.Contains(t, buf.String(), `"component":"registry"`)
	})

	t.Run("should reject unknown levels", func(t *testing.T) {
		assert.Error(t, logger.SetLevel("loud"))
		assert.Error(t, logger.SetLevel(""))
		assert.Equal(t, zerolog.DebugLevel, logger.Level())
	})
}

func TestLoggerMethods(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "test.log")

	cfg := Config{
		Level:   "debug",
		File:    logFile,
		Console: false,
	}

	logger, err := New(cfg)
	require.NoError(t, err)
	defer logger.Close()

	t.Run("debug", func(t *testing.T) {
		event := logger.Debug()
		assert.NotNil(t, event)
		event.Msg("debug message")
	})

	t.Run("info", func(t *testing.T) {
		event := logger.Info()
		assert.NotNil(t, event)
		event.Msg("info message")
	})

	t.Run("warn", func(t *testing.T) {
		event := logger.Warn()
		assert.NotNil(t, event)
		event.Msg("warn message")
	})

	t.Run("error", func(t *testing.T) {
		event := logger.Error()
		assert.NotNil(t, event)
		event.Msg("error message")
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.False(t, cfg.Pretty)
	assert.True(t, cfg.Redaction)
	assert.Equal(t, 100, cfg.MaxSize)
	assert.Equal(t, 7, cfg.MaxAge)
	assert.Equal(t, 5, cfg.MaxBackups)
	assert.True(t, cfg.Compress)
}

func TestLoggerWith(t *testing.T) {
	cfg := Config{
		Level:   "info",
		Console: false,
	}

	logger, err := New(cfg)
	require.NoError(t, err)
	defer logger.Close()

	ctx := logger.With()
	assert.NotNil(t, ctx)

	childLogger := ctx.Str("component", "test").Logger()
	assert.NotNil(t, childLogger)
}

func TestGetZerolog(t *testing.T) {
	cfg := Config{
		Level:   "info",
		Console: false,
	}

	logger, err := New(cfg)
	require.NoError(t, err)
	defer logger.Close()

	zl := logger.GetZerolog()
	assert.Equal(t, zerolog.TraceLevel, zl.GetLevel(), "filtering happens in the shared level gate")
	assert.Equal(t, zerolog.InfoLevel, logger.Level())
}
