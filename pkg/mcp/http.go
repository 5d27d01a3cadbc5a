package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"

	"github.com/openai/openai-go/packages/ssestream"
	"github.com/rs/zerolog"
)

const (
	// sessionHeader is the streamable HTTP session header.
	sessionHeader = "Mcp-Session-Id"
	// legacySessionHeader is accepted from older servers.
	legacySessionHeader = "Mcp-Session"
)

// HTTPConfig configures a streamable HTTP transport.
type HTTPConfig struct {
	URL        string
	Headers    map[string]string
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// HTTPTransport sends every JSON-RPC request as its own POST. The server
// answers either with a single JSON body or with a chunked event stream
// that carries the response (possibly after progress notifications).
// Only the session id is remembered between calls.
type HTTPTransport struct {
	url     string
	headers map[string]string
	client  *http.Client
	logger  zerolog.Logger

	mu        sync.RWMutex
	sessionID string
}

// NewHTTPTransport creates a streamable HTTP transport.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  client,
		logger:  cfg.Logger,
	}
}

func (t *HTTPTransport) newRequest(ctx context.Context, v any) (*http.Request, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	t.mu.RLock()
	if t.sessionID != "" {
		req.Header.Set(sessionHeader, t.sessionID)
	}
	t.mu.RUnlock()

	return req, nil
}

func (t *HTTPTransport) captureSession(resp *http.Response) {
	sid := resp.Header.Get(sessionHeader)
	if sid == "" {
		sid = resp.Header.Get(legacySessionHeader)
	}
	if sid == "" {
		return
	}
	t.mu.Lock()
	t.sessionID = sid
	t.mu.Unlock()
}

// Send POSTs the request and reads the response from the body.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	httpReq, err := t.newRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request to %s: %w", t.url, err)
	}
	defer httpResp.Body.Close()

	t.captureSession(httpResp)

	if httpResp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, fmt.Errorf("MCP server returned %d: %s", httpResp.StatusCode, strings.TrimSpace(string(errBody)))
	}

	mediaType, _, _ := mime.ParseMediaType(httpResp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return t.readEventStream(httpResp, req.ID)
	}

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if resp.ID != req.ID {
		return nil, fmt.Errorf("response id %d does not match request id %d", resp.ID, req.ID)
	}
	return &resp, nil
}

// readEventStream scans a chunked event-stream body until the response for id.
func (t *HTTPTransport) readEventStream(httpResp *http.Response, id int64) (*Response, error) {
	decoder := ssestream.NewDecoder(httpResp)
	for decoder.Next() {
		data := bytes.TrimSpace(decoder.Event().Data)
		if len(data) == 0 {
			continue
		}
		resp, ok := decodeResponse(data)
		if !ok {
			t.logger.Debug().Str("data", string(data)).Msg("Skipping streamed MCP notification")
			continue
		}
		if resp.ID == id {
			return resp, nil
		}
		t.logger.Debug().Int64("id", resp.ID).Msg("Skipping unmatched streamed MCP response")
	}
	if err := decoder.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	return nil, fmt.Errorf("event stream ended without response for id %d", id)
}

// Notify POSTs a notification. 200 and 202 are both accepted.
func (t *HTTPTransport) Notify(ctx context.Context, notif *Notification) error {
	httpReq, err := t.newRequest(ctx, notif)
	if err != nil {
		return err
	}

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP notification to %s: %w", t.url, err)
	}
	defer httpResp.Body.Close()

	t.captureSession(httpResp)

	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusAccepted {
		errBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return fmt.Errorf("MCP server returned %d for notification: %s", httpResp.StatusCode, strings.TrimSpace(string(errBody)))
	}
	return nil
}

// SessionID returns the session id assigned by the server, if any.
func (t *HTTPTransport) SessionID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID
}

// Close forgets the session. There is no persistent connection to release.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	t.sessionID = ""
	t.mu.Unlock()
	return nil
}
