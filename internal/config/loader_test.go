package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harun/toolmesh/internal/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/config.json")
	assert.NotNil(t, loader)
	assert.Equal(t, "/path/to/config.json", loader.configPath)
}

func TestLoaderLoad(t *testing.T) {
	t.Run("should load defaults when the file doesn't exist", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "nonexistent.json")

		cfg, err := NewLoader(configPath).Load()
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("should load a JSON file over the defaults", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.json")
		testConfig := `{
			"provider": {"name": "anthropic", "api_key": "sk-ant-test"},
			"agent": {"model": "claude-test", "max_iterations": 5},
			"namespaces": {
				"search": {"transport": "sse", "url": "http://localhost:9000/sse", "required": true},
				"fs": {"transport": "stdio", "command": "mcp-fs", "args": ["--root", "/data"], "env": ["FS_TOKEN=abc"]}
			},
			"registry": {"failure_policy": "fail_required"}
		}`
		require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0644))

		cfg, err := NewLoader(configPath).Load()
		require.NoError(t, err)

		assert.Equal(t, "anthropic", cfg.Provider.Name)
		assert.Equal(t, "sk-ant-test", cfg.Provider.APIKey)
		assert.Equal(t, "claude-test", cfg.Agent.Model)
		assert.Equal(t, 5, cfg.Agent.MaxIterations)
		assert.Equal(t, 4096, cfg.Agent.MaxTokens, "unset keys keep defaults")
		require.Len(t, cfg.Namespaces, 2)
		assert.True(t, cfg.Namespaces["search"].Required)
		assert.Equal(t, []string{"--root", "/data"}, cfg.Namespaces["fs"].Args)
		assert.Equal(t, []string{"FS_TOKEN=abc"}, cfg.Namespaces["fs"].Env)
		assert.Equal(t, "fail_required", cfg.Registry.FailurePolicy)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("should load a YAML file", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.yaml")
		testConfig := "provider:\n  name: openai\n  api_key: sk-yaml\ncache:\n  backend: sqlite\n  sqlite_path: /tmp/cache.db\n"
		require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0644))

		cfg, err := NewLoader(configPath).Load()
		require.NoError(t, err)
		assert.Equal(t, "sk-yaml", cfg.Provider.APIKey)
		assert.Equal(t, "sqlite", cfg.Cache.Backend)
		assert.Equal(t, "/tmp/cache.db", cfg.Cache.SQLitePath)
	})

	t.Run("should apply environment overrides", func(t *testing.T) {
		t.Setenv("TOOLMESH_PROVIDER_API_KEY", "sk-from-env")
		t.Setenv("TOOLMESH_LOGGING_LEVEL", "debug")

		cfg, err := NewLoader(filepath.Join(t.TempDir(), "missing.json")).Load()
		require.NoError(t, err)
		assert.Equal(t, "sk-from-env", cfg.Provider.APIKey)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("should fail on invalid JSON", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "invalid.json")
		require.NoError(t, os.WriteFile(configPath, []byte("invalid json"), 0644))

		_, err := NewLoader(configPath).Load()
		assert.Error(t, err)
	})
}

func TestLoaderSave(t *testing.T) {
	for _, name := range []string{"config.json", "config.yaml"} {
		t.Run("should round-trip "+name, func(t *testing.T) {
			configPath := filepath.Join(t.TempDir(), "subdir", name)

			cfg := DefaultConfig()
			cfg.Provider.APIKey = "sk-test-key"
			cfg.Agent.SystemPrompt = "Be terse."
			cfg.Namespaces["search"] = NamespaceConfig{Transport: "sse", URL: "http://localhost:9000/sse"}

			require.NoError(t, NewLoader(configPath).Save(cfg))

			loaded, err := NewLoader(configPath).Load()
			require.NoError(t, err)
			assert.Equal(t, "sk-test-key", loaded.Provider.APIKey)
			assert.Equal(t, "Be terse.", loaded.Agent.SystemPrompt)
			assert.Equal(t, "http://localhost:9000/sse", loaded.Namespaces["search"].URL)
		})
	}
}

func TestLoaderGetConfigPath(t *testing.T) {
	t.Run("should use a custom path", func(t *testing.T) {
		loader := NewLoader("/custom/path/config.json")
		assert.Equal(t, "/custom/path/config.json", loader.GetConfigPath())
	})

	t.Run("should default under the home directory", func(t *testing.T) {
		path := NewLoader("").GetConfigPath()
		assert.Contains(t, path, ".toolmesh")
	})
}

func TestLoaderLoggingRotation(t *testing.T) {
	t.Run("should rotate the log file per the logging section", func(t *testing.T) {
		dir := t.TempDir()
		logFile := filepath.Join(dir, "logs", "toolmesh.log")
		configPath := filepath.Join(dir, "config.yaml")
		yaml := "logging:\n  level: info\n  console: false\n  file: " + logFile +
			"\n  max_size: 1\n  max_backups: 1\n  compress: false\n"
		require.NoError(t, os.WriteFile(configPath, []byte(yaml), 0644))

		cfg, err := NewLoader(configPath).Load()
		require.NoError(t, err)
		assert.Equal(t, 1, cfg.Logging.MaxSize)
		assert.Equal(t, 1, cfg.Logging.MaxBackups)
		assert.False(t, cfg.Logging.Compress)

		log, err := logger.New(cfg.Logging)
		require.NoError(t, err)
		payload := strings.Repeat("x", 4096)
		for i := 0; i < 600; i++ {
			log.Info().Int("seq", i).Str("payload", payload).Msg("Tool dispatched")
		}
		require.NoError(t, log.Close())

		// lumberjack prunes backups in the background.
		assert.Eventually(t, func() bool {
			rotated, err := filepath.Glob(filepath.Join(dir, "logs", "toolmesh-*.log"))
			return err == nil && len(rotated) == 1
		}, 5*time.Second, 50*time.Millisecond)
	})
}
