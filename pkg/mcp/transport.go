package mcp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// Supported transport kinds.
const (
	TransportStdio          = "stdio"
	TransportSSE            = "sse"
	TransportStreamableHTTP = "streamable_http"
	TransportWebSocket      = "websocket"
)

// DefaultCallTimeout bounds a single request when the connection sets none.
const DefaultCallTimeout = 30 * time.Second

// ErrClosed is returned by a transport after Close.
var ErrClosed = errors.New("mcp: transport closed")

// Transport moves JSON-RPC messages to and from one MCP server.
// Implementations handle framing, encoding and response correlation.
type Transport interface {
	// Send sends a request and waits for the response with the same id.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify sends a notification. No response is expected.
	Notify(ctx context.Context, notif *Notification) error

	// Close releases the connection. For stdio this terminates the
	// subprocess and its process group.
	Close() error
}

// TransportError reports a connect, timeout or protocol failure talking to
// a namespace.
type TransportError struct {
	Namespace string
	Op        string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error (namespace %s, %s): %v", e.Namespace, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err wraps a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// ConnectionConfig describes how to reach one MCP server.
type ConnectionConfig struct {
	Transport string
	URL       string
	Command   string
	Args      []string
	Env       map[string]string
	Dir       string
	Headers   map[string]string
	Timeout   time.Duration
}

// NewTransport builds the transport named by cfg.Transport.
func NewTransport(cfg ConnectionConfig, logger zerolog.Logger) (Transport, error) {
	switch cfg.Transport {
	case TransportStdio:
		if cfg.Command == "" {
			return nil, fmt.Errorf("stdio transport requires a command")
		}
		return NewStdioTransport(StdioConfig{
			Command: cfg.Command,
			Args:    cfg.Args,
			Env:     envList(cfg.Env),
			Dir:     cfg.Dir,
			Logger:  logger,
		}), nil
	case TransportSSE:
		if cfg.URL == "" {
			return nil, fmt.Errorf("sse transport requires a url")
		}
		return NewSSETransport(SSEConfig{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Logger:  logger,
		}), nil
	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("streamable_http transport requires a url")
		}
		return NewHTTPTransport(HTTPConfig{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Logger:  logger,
		}), nil
	case TransportWebSocket:
		if cfg.URL == "" {
			return nil, fmt.Errorf("websocket transport requires a url")
		}
		return NewWebSocketTransport(WebSocketConfig{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Logger:  logger,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported transport %q (must be: stdio, sse, streamable_http, websocket)", cfg.Transport)
	}
}

// NewClientFromConfig builds a transport for cfg and wraps it in a Client.
func NewClientFromConfig(name string, cfg ConnectionConfig, logger zerolog.Logger) (*Client, error) {
	transport, err := NewTransport(cfg, logger.With().Str("namespace", name).Logger())
	if err != nil {
		return nil, fmt.Errorf("namespace %s: %w", name, err)
	}
	return NewClient(name, transport, ClientOptions{
		Timeout: cfg.Timeout,
		Logger:  logger,
	}), nil
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, k+"="+v)
	}
	sort.Strings(list)
	return list
}
