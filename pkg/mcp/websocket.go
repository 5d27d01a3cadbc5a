package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// WebSocketConfig configures a WebSocket transport.
type WebSocketConfig struct {
	URL     string
	Headers map[string]string
	Dialer  *websocket.Dialer
	Logger  zerolog.Logger
}

// WebSocketTransport exchanges JSON-RPC messages as text frames over one
// WebSocket connection. The connection is dialed lazily and redialed after
// it drops.
type WebSocketTransport struct {
	config WebSocketConfig
	dialer *websocket.Dialer
	logger zerolog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	done   chan struct{}
	closed bool

	writeMu sync.Mutex
	pending *pendingCalls
}

// NewWebSocketTransport creates a WebSocket transport.
func NewWebSocketTransport(cfg WebSocketConfig) *WebSocketTransport {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			Subprotocols:     []string{"mcp"},
		}
	}
	return &WebSocketTransport{
		config:  cfg,
		dialer:  dialer,
		logger:  cfg.Logger,
		pending: newPendingCalls(),
	}
}

// connection returns the live connection, dialing if needed.
func (t *WebSocketTransport) connection(ctx context.Context) (*websocket.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}
	if t.conn != nil {
		select {
		case <-t.done:
			t.conn = nil
		default:
			return t.conn, nil
		}
	}

	header := http.Header{}
	for k, v := range t.config.Headers {
		header.Set(k, v)
	}
	conn, _, err := t.dialer.DialContext(ctx, t.config.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.config.URL, err)
	}

	t.conn = conn
	t.done = make(chan struct{})
	t.pending.reset()
	go t.readLoop(conn, t.done)

	t.logger.Info().Str("url", t.config.URL).Msg("WebSocket connected")
	return conn, nil
}

func (t *WebSocketTransport) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.pending.failAll(fmt.Errorf("websocket read: %w", err))
			return
		}
		resp, ok := decodeResponse(data)
		if !ok {
			t.logger.Debug().Str("data", string(data)).Msg("Skipping non-response WebSocket frame")
			continue
		}
		if !t.pending.resolve(resp) {
			t.logger.Debug().Int64("id", resp.ID).Msg("Skipping unmatched WebSocket response")
		}
	}
}

func (t *WebSocketTransport) write(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		defer conn.SetWriteDeadline(time.Time{})
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Send writes the request frame and waits for the matching response frame.
func (t *WebSocketTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	conn, err := t.connection(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := t.pending.add(req.ID)
	if err != nil {
		return nil, err
	}
	if err := t.write(ctx, conn, req); err != nil {
		t.pending.remove(req.ID)
		return nil, err
	}
	return t.pending.await(ctx, req.ID, ch)
}

// Notify writes a notification frame.
func (t *WebSocketTransport) Notify(ctx context.Context, notif *Notification) error {
	conn, err := t.connection(ctx)
	if err != nil {
		return err
	}
	return t.write(ctx, conn, notif)
}

// Close sends a close frame and tears down the connection.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	if t.conn == nil {
		return nil
	}

	t.writeMu.Lock()
	_ = t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	t.writeMu.Unlock()

	err := t.conn.Close()
	<-t.done
	t.conn = nil
	t.pending.failAll(ErrClosed)
	return err
}
