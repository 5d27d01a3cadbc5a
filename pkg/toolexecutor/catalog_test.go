package toolexecutor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/toolmesh/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRemote is an in-memory RemoteTools.
type fakeRemote struct {
	mu          sync.Mutex
	snapshot    *RemoteSnapshot
	catalogErr  error
	invocations []string
	handler     func(ns, tool string, args map[string]any) ToolResult
}

func (f *fakeRemote) Catalog(ctx context.Context) (*RemoteSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.catalogErr != nil {
		return nil, f.catalogErr
	}
	return f.snapshot, nil
}

func (f *fakeRemote) Invoke(ctx context.Context, ns, tool string, args map[string]any, opts InvokeOptions) ToolResult {
	f.mu.Lock()
	f.invocations = append(f.invocations, ns+"."+tool)
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		return h(ns, tool, args)
	}
	return ToolResult{Content: "remote ok"}
}

func remoteSpec(name string) ToolSpec {
	ns, _, _ := strings.Cut(name, ".")
	return ToolSpec{
		Name:        name,
		Description: "remote " + name,
		Parameters:  map[string]any{"type": "object"},
		Origin:      ToolOrigin{Kind: OriginRemote, Namespace: ns},
	}
}

func echoTool() ToolDefinition {
	return ToolDefinition{
		Name:        "echo",
		Description: "Echo input",
		Parameters: []ToolParameter{
			{Name: "text", Type: "string", Description: "Text to echo", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return params["text"], nil
		},
	}
}

func newTestCatalog(t *testing.T, remote RemoteTools) *Catalog {
	t.Helper()
	c := New(Config{Remote: remote, Logger: zerolog.Nop()})
	require.NoError(t, c.RegisterTool(echoTool()))
	return c
}

func TestCatalog_RegisterTool(t *testing.T) {
	c := New(Config{Logger: zerolog.Nop()})
	handler := func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return nil, nil }

	tests := []struct {
		name string
		def  ToolDefinition
	}{
		{name: "empty name", def: ToolDefinition{Description: "Test", Handler: handler}},
		{name: "qualified name", def: ToolDefinition{Name: "alpha.greet", Description: "Test", Handler: handler}},
		{name: "empty description", def: ToolDefinition{Name: "test", Handler: handler}},
		{name: "nil handler", def: ToolDefinition{Name: "test", Description: "Test"}},
		{name: "bad parameter type", def: ToolDefinition{Name: "test", Description: "Test", Handler: handler,
			Parameters: []ToolParameter{{Name: "x", Type: "datetime", Description: "x"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, c.RegisterTool(tt.def))
		})
	}

	require.NoError(t, c.RegisterTool(echoTool()))
	assert.NotNil(t, c.GetTool("echo"))
	assert.Equal(t, 1, c.LocalToolCount())

	c.UnregisterTool("echo")
	assert.Nil(t, c.GetTool("echo"))
}

func TestCatalog_Specs(t *testing.T) {
	t.Run("should list local then remote tools", func(t *testing.T) {
		remote := &fakeRemote{snapshot: &RemoteSnapshot{
			Tools: []ToolSpec{remoteSpec("alpha.add"), remoteSpec("alpha.greet")},
		}}
		c := newTestCatalog(t, remote)

		specs, err := c.Specs(context.Background())
		require.NoError(t, err)
		require.Len(t, specs, 3)
		assert.Equal(t, "echo", specs[0].Name)
		assert.Equal(t, OriginLocal, specs[0].Origin.Kind)
		assert.Equal(t, "alpha.add", specs[1].Name)
		assert.Equal(t, "alpha", specs[2].Origin.Namespace)

		schema := specs[0].FunctionSchema()
		assert.Equal(t, "echo", schema["name"])
		params := schema["parameters"].(map[string]any)
		assert.Equal(t, []string{"text"}, params["required"])
	})

	t.Run("should surface unavailable namespaces", func(t *testing.T) {
		remote := &fakeRemote{snapshot: &RemoteSnapshot{
			Tools:       []ToolSpec{remoteSpec("alpha.greet")},
			Unavailable: map[string]error{"beta": errors.New("connection refused")},
		}}
		c := newTestCatalog(t, remote)

		_, err := c.Specs(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"beta"}, c.Unavailable())
	})

	t.Run("should propagate catalog failures", func(t *testing.T) {
		remote := &fakeRemote{catalogErr: errors.New("required namespace down")}
		c := newTestCatalog(t, remote)

		_, err := c.Specs(context.Background())
		require.Error(t, err)
	})

	t.Run("should not include duplicates", func(t *testing.T) {
		remote := &fakeRemote{snapshot: &RemoteSnapshot{
			Tools: []ToolSpec{remoteSpec("alpha.greet"), remoteSpec("alpha.greet")},
		}}
		c := newTestCatalog(t, remote)

		specs, err := c.Specs(context.Background())
		require.NoError(t, err)
		assert.Len(t, specs, 2)
	})
}

func TestCatalog_Dispatch_Local(t *testing.T) {
	c := newTestCatalog(t, nil)
	ctx := context.Background()

	t.Run("should run the handler", func(t *testing.T) {
		result := c.Dispatch(ctx, ToolInvocation{CallID: "c1", Name: "echo", Arguments: map[string]any{"text": "hi"}}, DispatchOptions{})
		assert.False(t, result.IsError)
		assert.Equal(t, "hi", result.Content)
		assert.Equal(t, "c1", result.CallID)
		assert.Equal(t, "echo", result.Name)
	})

	t.Run("should reject invalid arguments", func(t *testing.T) {
		result := c.Dispatch(ctx, ToolInvocation{Name: "echo", Arguments: map[string]any{"text": 5}}, DispatchOptions{})
		assert.True(t, result.IsError)
		assert.Contains(t, result.Content, "parameter validation failed")

		result = c.Dispatch(ctx, ToolInvocation{Name: "echo"}, DispatchOptions{})
		assert.True(t, result.IsError)
	})

	t.Run("should report unknown tools", func(t *testing.T) {
		result := c.Dispatch(ctx, ToolInvocation{Name: "nope"}, DispatchOptions{})
		assert.True(t, result.IsError)
		assert.Equal(t, "tool 'nope' not found", result.Content)

		result = c.Dispatch(ctx, ToolInvocation{Name: "alpha.greet"}, DispatchOptions{})
		assert.True(t, result.IsError)
		assert.Equal(t, "tool 'alpha.greet' not found", result.Content)
	})

	t.Run("should turn handler errors and panics into error results", func(t *testing.T) {
		require.NoError(t, c.RegisterTool(ToolDefinition{
			Name: "fail", Description: "fails",
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return nil, fmt.Errorf("disk full")
			},
		}))
		require.NoError(t, c.RegisterTool(ToolDefinition{
			Name: "explode", Description: "panics",
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				panic("kaboom")
			},
		}))

		result := c.Dispatch(ctx, ToolInvocation{Name: "fail"}, DispatchOptions{})
		assert.True(t, result.IsError)
		assert.Equal(t, "disk full", result.Content)

		result = c.Dispatch(ctx, ToolInvocation{Name: "explode"}, DispatchOptions{})
		assert.True(t, result.IsError)
		assert.Contains(t, result.Content, "kaboom")
	})

	t.Run("should time out slow tools", func(t *testing.T) {
		require.NoError(t, c.RegisterTool(ToolDefinition{
			Name: "slow", Description: "sleeps",
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				time.Sleep(500 * time.Millisecond)
				return "too late", nil
			},
		}))

		result := c.Dispatch(ctx, ToolInvocation{Name: "slow"}, DispatchOptions{Timeout: 20 * time.Millisecond})
		assert.True(t, result.IsError)
		assert.Contains(t, result.Content, "timeout")
	})

	t.Run("should render structured output as JSON and truncate", func(t *testing.T) {
		require.NoError(t, c.RegisterTool(ToolDefinition{
			Name: "structured", Description: "returns a map",
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return map[string]int{"sum": 3}, nil
			},
		}))
		require.NoError(t, c.RegisterTool(ToolDefinition{
			Name: "big", Description: "returns a lot",
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return strings.Repeat("x", DefaultMaxOutputBytes+100), nil
			},
		}))

		result := c.Dispatch(ctx, ToolInvocation{Name: "structured"}, DispatchOptions{})
		assert.JSONEq(t, `{"sum":3}`, result.Content)

		result = c.Dispatch(ctx, ToolInvocation{Name: "big"}, DispatchOptions{})
		assert.True(t, result.Truncated)
		assert.True(t, strings.HasSuffix(result.Content, truncationMarker))
		assert.Len(t, result.Content, DefaultMaxOutputBytes+len(truncationMarker))
	})

	t.Run("should expose the invocation to handlers", func(t *testing.T) {
		require.NoError(t, c.RegisterTool(ToolDefinition{
			Name: "whoami", Description: "returns the call id",
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return InvocationFromContext(ctx).CallID, nil
			},
		}))

		result := c.Dispatch(ctx, ToolInvocation{CallID: "call-42", Name: "whoami"}, DispatchOptions{})
		assert.Equal(t, "call-42", result.Content)
	})

	t.Run("should log the dispatch with the trace id", func(t *testing.T) {
		var buf bytes.Buffer
		traced := New(Config{Logger: zerolog.New(&buf).Level(zerolog.DebugLevel)})
		require.NoError(t, traced.RegisterTool(echoTool()))

		traceCtx := tracing.WithTraceID(ctx, "trace-7")
		result := traced.Dispatch(traceCtx, ToolInvocation{CallID: "c9", Name: "echo", Arguments: map[string]any{"text": "hi"}}, DispatchOptions{})
		require.False(t, result.IsError)

		out := buf.String()
		assert.Contains(t, out, `"message":"Tool dispatched"`)
		assert.Contains(t, out, `"trace_id":"trace-7"`)
		assert.Contains(t, out, `"call_id":"c9"`)
	})
}

func TestCatalog_Dispatch_Remote(t *testing.T) {
	ctx := context.Background()

	t.Run("should delegate qualified names to the remote", func(t *testing.T) {
		remote := &fakeRemote{
			snapshot: &RemoteSnapshot{Tools: []ToolSpec{remoteSpec("alpha.greet")}},
			handler: func(ns, tool string, args map[string]any) ToolResult {
				return ToolResult{Content: fmt.Sprintf("Hello, %v", args["name"])}
			},
		}
		c := newTestCatalog(t, remote)

		result := c.Dispatch(ctx, ToolInvocation{CallID: "c1", Name: "alpha.greet", Arguments: map[string]any{"name": "Alice"}}, DispatchOptions{})
		assert.False(t, result.IsError)
		assert.Equal(t, "Hello, Alice", result.Content)
		assert.Equal(t, "c1", result.CallID)
		assert.Equal(t, []string{"alpha.greet"}, remote.invocations)
	})

	t.Run("should name unreachable namespaces", func(t *testing.T) {
		remote := &fakeRemote{snapshot: &RemoteSnapshot{
			Tools:       []ToolSpec{remoteSpec("alpha.greet")},
			Unavailable: map[string]error{"beta": errors.New("connection refused")},
		}}
		c := newTestCatalog(t, remote)

		result := c.Dispatch(ctx, ToolInvocation{Name: "beta.x"}, DispatchOptions{})
		assert.True(t, result.IsError)
		assert.Equal(t, "tool 'beta.x' is unavailable: namespace 'beta' unreachable", result.Content)
		assert.Empty(t, remote.invocations)
	})

	t.Run("should report tools missing from a live namespace", func(t *testing.T) {
		remote := &fakeRemote{snapshot: &RemoteSnapshot{Tools: []ToolSpec{remoteSpec("alpha.greet")}}}
		c := newTestCatalog(t, remote)

		result := c.Dispatch(ctx, ToolInvocation{Name: "alpha.missing"}, DispatchOptions{})
		assert.True(t, result.IsError)
		assert.Equal(t, "tool 'alpha.missing' not found", result.Content)
	})
}

func TestCatalog_DispatchBatch(t *testing.T) {
	t.Run("should keep request order and run concurrently", func(t *testing.T) {
		var running, peak atomic.Int32
		c := New(Config{Logger: zerolog.Nop()})
		require.NoError(t, c.RegisterTool(ToolDefinition{
			Name: "wait", Description: "waits",
			Parameters: []ToolParameter{{Name: "ms", Type: "integer", Description: "delay", Required: true}},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				defer running.Add(-1)
				ms := params["ms"].(int)
				time.Sleep(time.Duration(ms) * time.Millisecond)
				return fmt.Sprintf("waited %d", ms), nil
			},
		}))

		invs := []ToolInvocation{
			{CallID: "a", Name: "wait", Arguments: map[string]any{"ms": 60}},
			{CallID: "b", Name: "wait", Arguments: map[string]any{"ms": 10}},
			{CallID: "c", Name: "missing"},
			{CallID: "d", Name: "wait", Arguments: map[string]any{"ms": 30}},
		}

		start := time.Now()
		results := c.DispatchBatch(context.Background(), invs, DispatchOptions{})
		elapsed := time.Since(start)

		require.Len(t, results, len(invs))
		for i, r := range results {
			assert.Equal(t, invs[i].CallID, r.CallID)
		}
		assert.Equal(t, "waited 60", results[0].Content)
		assert.True(t, results[2].IsError)
		assert.Greater(t, peak.Load(), int32(1))
		assert.Less(t, elapsed, 100*time.Millisecond+60*time.Millisecond)
	})

	t.Run("should return nil for an empty batch", func(t *testing.T) {
		c := New(Config{Logger: zerolog.Nop()})
		assert.Nil(t, c.DispatchBatch(context.Background(), nil, DispatchOptions{}))
	})
}

func TestTruncateContent(t *testing.T) {
	out, truncated := truncateContent("héllo", 2)
	assert.True(t, truncated)
	assert.Equal(t, "h"+truncationMarker, out)

	out, truncated = truncateContent("short", 10)
	assert.False(t, truncated)
	assert.Equal(t, "short", out)
}
