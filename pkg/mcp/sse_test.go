package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sseServer is a minimal MCP server speaking the SSE transport.
type sseServer struct {
	*httptest.Server
	outbox   chan []byte
	drop     chan struct{}
	notified chan map[string]any
}

func newSSEServer(t *testing.T, answer func(req *Request) *Response) *sseServer {
	t.Helper()
	s := &sseServer{
		outbox:   make(chan []byte, 16),
		drop:     make(chan struct{}, 1),
		notified: make(chan map[string]any, 16),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: endpoint\ndata: /messages?session=abc\n\n")
		flusher.Flush()

		for {
			select {
			case msg := <-s.outbox:
				fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
				flusher.Flush()
			case <-s.drop:
				return
			case <-r.Context().Done():
				return
			}
		}
	})
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "abc", r.URL.Query().Get("session"))

		var raw map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		w.WriteHeader(http.StatusAccepted)

		if _, hasID := raw["id"]; !hasID {
			s.notified <- raw
			return
		}
		data, _ := json.Marshal(raw)
		var req Request
		require.NoError(t, json.Unmarshal(data, &req))
		if resp := answer(&req); resp != nil {
			out, _ := json.Marshal(resp)
			s.outbox <- out
		}
	})

	s.Server = httptest.NewServer(mux)
	return s
}

func TestSSETransport_Send(t *testing.T) {
	t.Run("should POST to the announced endpoint and read the streamed response", func(t *testing.T) {
		srv := newSSEServer(t, func(req *Request) *Response {
			return result(req.ID, map[string]any{"method": req.Method})
		})
		defer srv.Close()

		tr := NewSSETransport(SSEConfig{URL: srv.URL + "/sse", Logger: zerolog.Nop()})
		defer tr.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		require.NoError(t, tr.Notify(ctx, NewNotification("notifications/initialized", nil)))

		resp, err := tr.Send(ctx, NewRequest(3, "tools/list", nil))
		require.NoError(t, err)
		assert.Equal(t, int64(3), resp.ID)
		assert.JSONEq(t, `{"method":"tools/list"}`, string(resp.Result))
	})

	t.Run("should match responses arriving out of order by id", func(t *testing.T) {
		var srv *sseServer
		slow := make(chan *Request, 1)
		srv = newSSEServer(t, func(req *Request) *Response {
			if req.Method == "slow" {
				slow <- req
				return nil
			}
			// Answer the fast call first, then the held slow one.
			fast, _ := json.Marshal(result(req.ID, map[string]any{"method": req.Method}))
			srv.outbox <- fast
			held := <-slow
			return result(held.ID, map[string]any{"method": held.Method})
		})
		defer srv.Close()

		tr := NewSSETransport(SSEConfig{URL: srv.URL + "/sse", Logger: zerolog.Nop()})
		defer tr.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		type reply struct {
			resp *Response
			err  error
		}
		slowDone := make(chan reply, 1)
		go func() {
			resp, err := tr.Send(ctx, NewRequest(1, "slow", nil))
			slowDone <- reply{resp, err}
		}()
		require.Eventually(t, func() bool { return len(slow) == 1 }, 2*time.Second, 10*time.Millisecond)

		resp, err := tr.Send(ctx, NewRequest(2, "fast", nil))
		require.NoError(t, err)
		assert.Equal(t, int64(2), resp.ID)
		assert.JSONEq(t, `{"method":"fast"}`, string(resp.Result))

		got := <-slowDone
		require.NoError(t, got.err)
		assert.Equal(t, int64(1), got.resp.ID)
		assert.JSONEq(t, `{"method":"slow"}`, string(got.resp.Result))
	})

	t.Run("should fail pending calls when the stream drops and reconnect after", func(t *testing.T) {
		var srv *sseServer
		var answer atomic.Bool
		answer.Store(true)
		srv = newSSEServer(t, func(req *Request) *Response {
			if !answer.Load() {
				srv.drop <- struct{}{}
				return nil
			}
			return result(req.ID, map[string]any{})
		})
		defer srv.Close()

		tr := NewSSETransport(SSEConfig{URL: srv.URL + "/sse", Logger: zerolog.Nop()})
		defer tr.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		answer.Store(false)
		_, err := tr.Send(ctx, NewRequest(1, "ping", nil))
		require.Error(t, err)

		answer.Store(true)
		resp, err := tr.Send(ctx, NewRequest(2, "ping", nil))
		require.NoError(t, err)
		assert.Equal(t, int64(2), resp.ID)
	})

	t.Run("should send notifications/cancelled for an abandoned call", func(t *testing.T) {
		srv := newSSEServer(t, func(req *Request) *Response {
			if req.Method == "sleep" {
				return nil
			}
			return result(req.ID, map[string]any{"protocolVersion": ProtocolVersion})
		})
		defer srv.Close()

		tr := NewSSETransport(SSEConfig{URL: srv.URL + "/sse", Logger: zerolog.Nop()})
		client := NewClient("alpha", tr, ClientOptions{Timeout: 5 * time.Second, Logger: zerolog.Nop()})
		defer client.Close()
		require.NoError(t, client.Open(context.Background()))

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_, err := client.call(ctx, "sleep", nil)
		require.Error(t, err)

		var cancelled map[string]any
		require.Eventually(t, func() bool {
			select {
			case msg := <-srv.notified:
				if msg["method"] == "notifications/cancelled" {
					cancelled = msg
					return true
				}
			default:
			}
			return false
		}, 2*time.Second, 10*time.Millisecond)

		params, ok := cancelled["params"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, float64(2), params["requestId"])
	})

	t.Run("should return ErrClosed after Close", func(t *testing.T) {
		srv := newSSEServer(t, func(req *Request) *Response { return result(req.ID, nil) })
		defer srv.Close()

		tr := NewSSETransport(SSEConfig{URL: srv.URL + "/sse", Logger: zerolog.Nop()})
		require.NoError(t, tr.Close())

		_, err := tr.Send(context.Background(), NewRequest(1, "ping", nil))
		assert.ErrorIs(t, err, ErrClosed)
	})
}
