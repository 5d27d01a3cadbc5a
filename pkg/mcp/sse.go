package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go/packages/ssestream"
	"github.com/rs/zerolog"
)

// endpointWait bounds how long Send waits for the server to announce its
// message endpoint after the stream opens.
const endpointWait = 10 * time.Second

// SSEConfig configures a server-sent-events transport.
type SSEConfig struct {
	// URL is the SSE stream endpoint (GET).
	URL        string
	Headers    map[string]string
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// SSETransport keeps one long-lived GET stream open to the server. Requests
// are POSTed to the endpoint announced by the server's "endpoint" event and
// responses come back as "message" events on the stream, matched by id.
// If the stream drops, pending calls fail and the next Send reconnects.
type SSETransport struct {
	config SSEConfig
	client *http.Client
	logger zerolog.Logger

	mu       sync.Mutex
	endpoint string
	cancel   context.CancelFunc
	done     chan struct{}
	closed   bool

	pending *pendingCalls
}

// NewSSETransport creates an SSE transport. The stream opens on first use.
func NewSSETransport(cfg SSEConfig) *SSETransport {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &SSETransport{
		config:  cfg,
		client:  client,
		logger:  cfg.Logger,
		pending: newPendingCalls(),
	}
}

// connected reports whether the stream is live. Caller must hold t.mu.
func (t *SSETransport) connected() bool {
	if t.done == nil || t.endpoint == "" {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// connect opens the stream and waits for the endpoint event. Caller must hold t.mu.
func (t *SSETransport) connect(ctx context.Context) error {
	if t.closed {
		return ErrClosed
	}
	if t.connected() {
		return nil
	}
	if t.cancel != nil {
		t.cancel()
	}

	// The stream outlives the call that opened it.
	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.config.URL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("create SSE request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range t.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("open SSE stream %s: %w", t.config.URL, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return fmt.Errorf("SSE stream returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	endpointCh := make(chan string, 1)
	done := make(chan struct{})
	t.pending.reset()
	t.cancel = cancel
	t.done = done
	t.endpoint = ""

	go t.readStream(resp, endpointCh, done)

	timer := time.NewTimer(endpointWait)
	defer timer.Stop()

	select {
	case endpoint := <-endpointCh:
		resolved, err := t.resolveEndpoint(endpoint)
		if err != nil {
			cancel()
			return err
		}
		t.endpoint = resolved
		t.logger.Info().Str("endpoint", resolved).Msg("SSE stream connected")
		return nil
	case <-done:
		return fmt.Errorf("SSE stream closed before endpoint event: %w", t.pending.failure())
	case <-timer.C:
		cancel()
		return fmt.Errorf("timed out waiting for SSE endpoint event")
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

func (t *SSETransport) resolveEndpoint(endpoint string) (string, error) {
	base, err := url.Parse(t.config.URL)
	if err != nil {
		return "", fmt.Errorf("parse SSE url: %w", err)
	}
	ref, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", fmt.Errorf("parse SSE endpoint %q: %w", endpoint, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// readStream decodes events until the stream ends, then fails pending calls.
func (t *SSETransport) readStream(resp *http.Response, endpointCh chan<- string, done chan struct{}) {
	defer close(done)

	decoder := ssestream.NewDecoder(resp)
	defer decoder.Close()

	for decoder.Next() {
		event := decoder.Event()
		data := bytes.TrimSpace(event.Data)
		if len(data) == 0 {
			continue
		}

		switch event.Type {
		case "endpoint":
			select {
			case endpointCh <- string(data):
			default:
			}
		case "", "message":
			resp, ok := decodeResponse(data)
			if !ok {
				t.logger.Debug().Str("data", string(data)).Msg("Skipping non-response SSE message")
				continue
			}
			if !t.pending.resolve(resp) {
				t.logger.Debug().Int64("id", resp.ID).Msg("Skipping unmatched SSE response")
			}
		default:
			t.logger.Debug().Str("event", event.Type).Msg("Ignoring SSE event")
		}
	}

	err := decoder.Err()
	if err == nil {
		err = io.EOF
	}
	t.logger.Warn().Err(err).Msg("SSE stream ended")
	t.pending.failAll(fmt.Errorf("SSE stream ended: %w", err))
}

// post sends one JSON-RPC message to the announced endpoint.
func (t *SSETransport) post(ctx context.Context, endpoint string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("POST to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("MCP server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	return nil
}

func (t *SSETransport) ensureEndpoint(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.connect(ctx); err != nil {
		return "", err
	}
	return t.endpoint, nil
}

// Send POSTs the request and waits for the matching event on the stream.
func (t *SSETransport) Send(ctx context.Context, req *Request) (*Response, error) {
	endpoint, err := t.ensureEndpoint(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := t.pending.add(req.ID)
	if err != nil {
		return nil, err
	}
	if err := t.post(ctx, endpoint, req); err != nil {
		t.pending.remove(req.ID)
		return nil, err
	}
	return t.pending.await(ctx, req.ID, ch)
}

// Notify POSTs a notification to the announced endpoint.
func (t *SSETransport) Notify(ctx context.Context, notif *Notification) error {
	endpoint, err := t.ensureEndpoint(ctx)
	if err != nil {
		return err
	}
	return t.post(ctx, endpoint, notif)
}

// Close cancels the stream. Pending calls fail with ErrClosed.
func (t *SSETransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.done != nil {
		<-t.done
	}
	t.pending.failAll(ErrClosed)
	return nil
}
