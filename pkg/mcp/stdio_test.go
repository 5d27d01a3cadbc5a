package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helperEnv = "TOOLMESH_MCP_HELPER"

// TestMain lets the test binary double as a stdio MCP server.
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		runHelperServer()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// runHelperServer answers requests on stdin. "tools/call" echoes the
// greeting, "sleep" never answers, "exit" terminates the process and
// "cancelled" lists the request ids named by notifications/cancelled.
func runHelperServer() {
	reader := bufio.NewReader(os.Stdin)
	out := json.NewEncoder(os.Stdout)
	fmt.Fprintln(os.Stderr, "helper server ready")
	cancelled := []int64{}

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			continue
		}
		switch req.Method {
		case "":
			continue
		case "notifications/cancelled":
			var params struct {
				RequestID int64 `json:"requestId"`
			}
			raw, _ := json.Marshal(req.Params)
			_ = json.Unmarshal(raw, &params)
			cancelled = append(cancelled, params.RequestID)
		case "cancelled":
			_ = out.Encode(result(req.ID, map[string]any{"ids": cancelled, "pid": os.Getpid()}))
		case "exit":
			os.Exit(3)
		case "sleep":
			continue
		case "initialize":
			_ = out.Encode(result(req.ID, map[string]any{
				"protocolVersion": ProtocolVersion,
				"serverInfo":      map[string]any{"name": "helper", "version": "0.0.1"},
			}))
		case "tools/list":
			_ = out.Encode(result(req.ID, map[string]any{
				"tools": []map[string]any{{
					"name":        "greet",
					"description": "Greets someone",
					"inputSchema": map[string]any{"type": "object"},
				}},
			}))
		case "tools/call":
			var params struct {
				Arguments map[string]any `json:"arguments"`
			}
			raw, _ := json.Marshal(req.Params)
			_ = json.Unmarshal(raw, &params)
			_ = out.Encode(result(req.ID, map[string]any{
				"content": []map[string]any{{"type": "text", "text": fmt.Sprintf("Hello, %v", params.Arguments["name"])}},
			}))
		default:
			_ = out.Encode(&Response{JSONRPC: jsonrpcVersion, ID: req.ID, Error: &RPCError{Code: CodeMethodNotFound, Message: "method not found"}})
		}
	}
}

func newHelperTransport(t *testing.T) *StdioTransport {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	return NewStdioTransport(StdioConfig{
		Command: exe,
		Args:    []string{"-test.run=^$"},
		Env:     []string{helperEnv + "=1"},
		Logger:  zerolog.Nop(),
	})
}

func TestStdioTransport(t *testing.T) {
	t.Run("should run a full client session over stdio", func(t *testing.T) {
		tr := newHelperTransport(t)
		client := NewClient("alpha", tr, ClientOptions{Timeout: 5 * time.Second, Logger: zerolog.Nop()})
		defer client.Close()

		ctx := context.Background()
		tools, err := client.ListTools(ctx)
		require.NoError(t, err)
		require.Len(t, tools, 1)
		assert.Equal(t, "greet", tools[0].Name)

		res, err := client.CallTool(ctx, "greet", map[string]any{"name": "Alice"})
		require.NoError(t, err)
		assert.Equal(t, "Hello, Alice", res.Content)
		assert.NotZero(t, tr.PID())
	})

	t.Run("should abandon a cancelled call without blocking others", func(t *testing.T) {
		tr := newHelperTransport(t)
		defer tr.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_, err := tr.Send(ctx, NewRequest(1, "sleep", nil))
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		resp, err := tr.Send(context.Background(), NewRequest(2, "tools/list", nil))
		require.NoError(t, err)
		assert.Equal(t, int64(2), resp.ID)
		assert.Equal(t, 0, tr.pending.size())
	})

	t.Run("should tell the server about a cancelled call and keep it running", func(t *testing.T) {
		tr := newHelperTransport(t)
		client := NewClient("alpha", tr, ClientOptions{Timeout: 5 * time.Second, Logger: zerolog.Nop()})
		defer client.Close()

		require.NoError(t, client.Open(context.Background()))
		pid := tr.PID()

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_, err := client.call(ctx, "sleep", nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		resp, err := client.call(context.Background(), "cancelled", nil)
		require.NoError(t, err)

		var state struct {
			IDs []int64 `json:"ids"`
			PID int     `json:"pid"`
		}
		require.NoError(t, json.Unmarshal(resp.Result, &state))
		assert.Equal(t, []int64{2}, state.IDs)
		assert.Equal(t, pid, state.PID)
		assert.Equal(t, pid, tr.PID())
	})

	t.Run("should fail pending calls when the process exits and restart", func(t *testing.T) {
		tr := newHelperTransport(t)
		defer tr.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_, err := tr.Send(ctx, NewRequest(1, "exit", nil))
		require.Error(t, err)
		assert.NotErrorIs(t, err, context.DeadlineExceeded)

		resp, err := tr.Send(ctx, NewRequest(2, "tools/list", nil))
		require.NoError(t, err)
		assert.Equal(t, int64(2), resp.ID)
	})

	t.Run("should stop the subprocess on Close", func(t *testing.T) {
		tr := newHelperTransport(t)
		_, err := tr.Send(context.Background(), NewRequest(1, "tools/list", nil))
		require.NoError(t, err)

		require.NoError(t, tr.Close())
		assert.Zero(t, tr.PID())

		_, err = tr.Send(context.Background(), NewRequest(2, "tools/list", nil))
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestNewTransport(t *testing.T) {
	t.Run("should reject unknown transports", func(t *testing.T) {
		_, err := NewTransport(ConnectionConfig{Transport: "carrier-pigeon"}, zerolog.Nop())
		require.Error(t, err)
	})

	t.Run("should require a command for stdio and a url otherwise", func(t *testing.T) {
		_, err := NewTransport(ConnectionConfig{Transport: TransportStdio}, zerolog.Nop())
		require.Error(t, err)
		_, err = NewTransport(ConnectionConfig{Transport: TransportSSE}, zerolog.Nop())
		require.Error(t, err)
		_, err = NewTransport(ConnectionConfig{Transport: TransportStreamableHTTP}, zerolog.Nop())
		require.Error(t, err)
		_, err = NewTransport(ConnectionConfig{Transport: TransportWebSocket}, zerolog.Nop())
		require.Error(t, err)
	})

	t.Run("should build a client for a valid config", func(t *testing.T) {
		client, err := NewClientFromConfig("beta", ConnectionConfig{
			Transport: TransportStreamableHTTP,
			URL:       "http://localhost:1/mcp",
		}, zerolog.Nop())
		require.NoError(t, err)
		assert.Equal(t, "beta", client.Name())
	})

	t.Run("should render env as sorted pairs", func(t *testing.T) {
		assert.Equal(t, []string{"A=1", "B=2"}, envList(map[string]string{"B": "2", "A": "1"}))
		assert.Nil(t, envList(nil))
	})
}

func TestPendingCalls(t *testing.T) {
	t.Run("should resolve a waiter by id", func(t *testing.T) {
		p := newPendingCalls()
		ch, err := p.add(1)
		require.NoError(t, err)

		assert.True(t, p.resolve(&Response{ID: 1}))
		assert.False(t, p.resolve(&Response{ID: 2}))

		resp, err := p.await(context.Background(), 1, ch)
		require.NoError(t, err)
		assert.Equal(t, int64(1), resp.ID)
	})

	t.Run("should fail waiters and reject new ones until reset", func(t *testing.T) {
		p := newPendingCalls()
		ch, err := p.add(1)
		require.NoError(t, err)

		_, err = p.add(1)
		require.Error(t, err)

		p.failAll(ErrClosed)
		_, err = p.await(context.Background(), 1, ch)
		assert.ErrorIs(t, err, ErrClosed)

		_, err = p.add(2)
		assert.ErrorIs(t, err, ErrClosed)

		p.reset()
		_, err = p.add(2)
		require.NoError(t, err)
	})

	t.Run("should classify messages", func(t *testing.T) {
		assert.Equal(t, kindResponse, classify([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`)))
		assert.Equal(t, kindServerRequest, classify([]byte(`{"jsonrpc":"2.0","id":1,"method":"sampling/createMessage"}`)))
		assert.Equal(t, kindNotification, classify([]byte(`{"jsonrpc":"2.0","method":"notifications/progress"}`)))
		assert.Equal(t, kindInvalid, classify([]byte(`not json`)))
	})
}
