package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/toolmesh/internal/config"
	"github.com/harun/toolmesh/internal/logger"
	"github.com/harun/toolmesh/pkg/agent"
	"github.com/harun/toolmesh/pkg/mcp"
	"github.com/harun/toolmesh/pkg/namespace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// notesConnector serves one tool, notes.read, that returns a fixed note.
type notesConnector struct {
	lists   atomic.Int32
	calls   atomic.Int32
	pings   atomic.Int32
	pingErr error
	closed  atomic.Bool
}

func (c *notesConnector) Open(context.Context) error { return nil }

func (c *notesConnector) ListTools(context.Context) ([]mcp.ToolDefinition, error) {
	c.lists.Add(1)
	return []mcp.ToolDefinition{{
		Name:        "read",
		Description: "Read the note",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	}}, nil
}

func (c *notesConnector) CallTool(_ context.Context, name string, _ map[string]any) (*mcp.CallResult, error) {
	c.calls.Add(1)
	if name != "read" {
		return nil, fmt.Errorf("unknown tool %s", name)
	}
	return &mcp.CallResult{Content: "buy milk"}, nil
}

func (c *notesConnector) Ping(context.Context) error {
	c.pings.Add(1)
	return c.pingErr
}

func (c *notesConnector) Close() error {
	c.closed.Store(true)
	return nil
}

// notesProvider calls notes.read once, then repeats the tool output.
type notesProvider struct{}

func (notesProvider) Provider() string { return "test" }

func (notesProvider) Call(_ context.Context, req agent.LLMRequest) (*agent.LLMResponse, error) {
	last := req.Messages[len(req.Messages)-1]
	if last.Role == agent.RoleTool {
		return &agent.LLMResponse{Content: "Your note: " + last.Content}, nil
	}
	return &agent.LLMResponse{ToolCalls: []agent.ToolCall{{
		ID:        "call_1",
		Name:      "notes.read",
		Arguments: map[string]any{},
	}}}, nil
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "info", Console: false})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	return log
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Provider.APIKey = "sk-test-key"
	cfg.Gateway.Port = 0
	return cfg
}

// createTestDaemon creates a daemon backed by the notes namespace
func createTestDaemon(t *testing.T, cfg *config.Config, opts ...Option) (*Daemon, *notesConnector) {
	t.Helper()
	notes := &notesConnector{}
	opts = append([]Option{
		WithProvider(notesProvider{}),
		WithConnectors(map[string]namespace.Connector{"notes": notes}),
	}, opts...)

	d, err := New(cfg, newTestLogger(t), opts...)
	require.NoError(t, err)
	return d, notes
}

func TestNew(t *testing.T) {
	t.Run("should wire every component", func(t *testing.T) {
		d, _ := createTestDaemon(t, testConfig(t))
		defer d.Close()

		assert.NotNil(t, d.Loop())
		assert.NotNil(t, d.Catalog())
		assert.NotNil(t, d.Registry())
		assert.NotNil(t, d.Gateway())
		assert.NotNil(t, d.Metrics())
		assert.NotNil(t, d.lifecycle)
		assert.NotNil(t, d.eventLoop)
		assert.Nil(t, d.watcher)
		assert.Equal(t, []string{"notes"}, d.Registry().Namespaces())
		assert.Equal(t, 7, d.Catalog().LocalToolCount())
	})

	t.Run("should skip core tools when builtin is off", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Tools.Builtin = false
		d, _ := createTestDaemon(t, cfg)
		defer d.Close()

		assert.Equal(t, 0, d.Catalog().LocalToolCount())
	})

	t.Run("should build the provider from config", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Provider.Name = "anthropic"
		d, err := New(cfg, newTestLogger(t))
		require.NoError(t, err)
		defer d.Close()

		assert.Equal(t, "anthropic", d.provider.Provider())
	})

	t.Run("should reject an invalid config", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Provider.Name = "nope"
		_, err := New(cfg, newTestLogger(t))
		assert.ErrorContains(t, err, "invalid config")
	})

	t.Run("should require config and logger", func(t *testing.T) {
		_, err := New(nil, newTestLogger(t))
		assert.Error(t, err)
		_, err = New(testConfig(t), nil)
		assert.Error(t, err)
	})
}

func TestDaemonRun(t *testing.T) {
	t.Run("should route namespaced calls through the registry", func(t *testing.T) {
		d, notes := createTestDaemon(t, testConfig(t))
		defer d.Close()

		result, err := d.Loop().Run(context.Background(), agent.Input{Input: "what is my note?"})
		require.NoError(t, err)
		assert.Equal(t, "Your note: buy milk", result.Final.Content)
		assert.Equal(t, int32(1), notes.calls.Load())
	})

	t.Run("should cache model responses when enabled", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Provider.ResponseCache = true
		d, _ := createTestDaemon(t, cfg)
		defer d.Close()

		assert.Equal(t, "test", d.provider.Provider())
		_, ok := d.provider.(*agent.CachingProvider)
		assert.True(t, ok)
	})
}

func TestDaemonStartStop(t *testing.T) {
	cfg := testConfig(t)
	d, notes := createTestDaemon(t, cfg)

	require.NoError(t, d.Start())

	status := d.Status()
	assert.True(t, status.Running)
	assert.NotEmpty(t, status.GatewayAddr)
	assert.Equal(t, []string{"notes"}, status.Namespaces)
	assert.Empty(t, status.Unavailable)
	assert.GreaterOrEqual(t, notes.lists.Load(), int32(1), "manifests are warmed on start")

	pid, err := ReadPID(PIDFile(cfg.DataDir))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	resp, err := http.Get("http://" + status.GatewayAddr + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.ErrorContains(t, d.Start(), "already running")

	require.NoError(t, d.Stop())
	assert.False(t, d.Status().Running)
	assert.True(t, notes.closed.Load())
	_, err = os.Stat(PIDFile(cfg.DataDir))
	assert.True(t, os.IsNotExist(err))

	assert.ErrorContains(t, d.Stop(), "not running")
	assert.ErrorContains(t, d.Start(), "closed")
}

func TestDaemonStartRefusesLivePIDFile(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(PIDFile(cfg.DataDir), []byte(strconv.Itoa(os.Getppid())), 0644))

	d, _ := createTestDaemon(t, cfg)
	defer d.Close()

	assert.ErrorContains(t, d.Start(), "already running")
	assert.False(t, d.Status().Running)
}

func TestDaemonReload(t *testing.T) {
	t.Run("should replace namespaces and log level", func(t *testing.T) {
		d, notes := createTestDaemon(t, testConfig(t))
		defer d.Close()

		next := testConfig(t)
		next.Logging.Level = "debug"
		next.Namespaces = map[string]config.NamespaceConfig{
			"echo": {Transport: "stdio", Command: "cat"},
		}
		d.Reload(next)

		assert.Equal(t, []string{"echo"}, d.Registry().Namespaces())
		assert.True(t, notes.closed.Load())
		assert.Equal(t, next, d.GetConfig())
	})

	t.Run("should keep the registry on a bad namespace", func(t *testing.T) {
		d, notes := createTestDaemon(t, testConfig(t))
		defer d.Close()

		next := testConfig(t)
		next.Namespaces = map[string]config.NamespaceConfig{
			"broken": {Transport: "stdio"},
		}
		d.Reload(next)

		assert.Equal(t, []string{"notes"}, d.Registry().Namespaces())
		assert.False(t, notes.closed.Load())
	})
}

func TestDaemonHotReload(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(t.TempDir(), "toolmesh.json")
	loader := config.NewLoader(path)
	require.NoError(t, loader.Save(cfg))

	d, _ := createTestDaemon(t, cfg, WithConfigPath(path))
	require.NotNil(t, d.watcher)
	require.NoError(t, d.Start())
	defer d.Stop()

	cfg.Namespaces = map[string]config.NamespaceConfig{
		"echo": {Transport: "stdio", Command: "cat"},
	}
	require.NoError(t, loader.Save(cfg))

	assert.Eventually(t, func() bool {
		names := d.Registry().Namespaces()
		return len(names) == 1 && names[0] == "echo"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestDaemonAudit(t *testing.T) {
	cfg := testConfig(t)
	cfg.AuditFile = filepath.Join(cfg.DataDir, "audit", "audit.jsonl")
	d, _ := createTestDaemon(t, cfg)
	require.NotNil(t, d.audit)

	next := testConfig(t)
	next.AuditFile = cfg.AuditFile
	d.Reload(next)
	require.NoError(t, d.Close())

	data, err := os.ReadFile(cfg.AuditFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"event_type":"config"`)
	assert.Contains(t, string(data), `"action":"reload"`)
}
