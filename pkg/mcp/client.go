package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ProtocolVersion is the MCP revision advertised during initialize.
const ProtocolVersion = "2024-11-05"

// maxToolPages caps tools/list pagination.
const maxToolPages = 1000

// cancelNotifyTimeout bounds the notifications/cancelled sent for an
// abandoned request.
const cancelNotifyTimeout = 2 * time.Second

// ClientName and ClientVersion identify this client to servers.
var (
	ClientName    = "toolmesh"
	ClientVersion = "0.1.0"
)

// ToolDefinition is a tool as advertised by tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// ContentBlock is one item of a tool result or prompt message.
type ContentBlock struct {
	Type     string            `json:"type"`
	Text     string            `json:"text,omitempty"`
	MimeType string            `json:"mimeType,omitempty"`
	Data     string            `json:"data,omitempty"`
	Resource *ResourceContents `json:"resource,omitempty"`
}

// CallResult is the outcome of tools/call. IsError is the server's own
// verdict on the tool body, not a transport failure.
type CallResult struct {
	Content string
	IsError bool
	Blocks  []ContentBlock
}

// Resource is an entry of resources/list.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourceContents is one item returned by resources/read.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// PromptArgument describes one argument a prompt template accepts.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Prompt is an entry of prompts/list.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptMessage is one message of a rendered prompt.
type PromptMessage struct {
	Role    string       `json:"role"`
	Content ContentBlock `json:"content"`
}

// PromptResult is the result of prompts/get.
type PromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

type toolsListResult struct {
	Tools      []ToolDefinition `json:"tools"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

type callToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

type initializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
}

// ClientOptions tunes a Client.
type ClientOptions struct {
	// Timeout bounds each request. Zero means DefaultCallTimeout.
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Client is a live connection to one MCP server over one Transport.
// It is safe for concurrent use.
type Client struct {
	name      string
	transport Transport
	timeout   time.Duration
	logger    zerolog.Logger
	nextID    atomic.Int64

	openMu      sync.Mutex
	mu          sync.RWMutex
	initialized bool
	serverName  string
	serverVer   string
}

// NewClient wraps transport. No traffic happens until Open or the first call.
func NewClient(name string, transport Transport, opts ClientOptions) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Client{
		name:      name,
		transport: transport,
		timeout:   timeout,
		logger:    opts.Logger.With().Str("namespace", name).Logger(),
	}
}

// Name returns the namespace this client serves.
func (c *Client) Name() string {
	return c.name
}

// ServerInfo returns the name and version reported by the server.
func (c *Client) ServerInfo() (string, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverName, c.serverVer
}

// Open performs the initialize handshake. It is a no-op once initialized;
// after a transport failure the next call re-initializes.
func (c *Client) Open(ctx context.Context) error {
	c.openMu.Lock()
	defer c.openMu.Unlock()

	c.mu.RLock()
	done := c.initialized
	c.mu.RUnlock()
	if done {
		return nil
	}

	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    ClientName,
			"version": ClientVersion,
		},
	}

	resp, err := c.roundTrip(ctx, "initialize", params)
	if err != nil {
		return c.protocolError("initialize", err)
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return &TransportError{Namespace: c.name, Op: "initialize", Err: fmt.Errorf("unmarshal initialize result: %w", err)}
	}

	notifyCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.transport.Notify(notifyCtx, NewNotification("notifications/initialized", nil)); err != nil {
		return &TransportError{Namespace: c.name, Op: "notifications/initialized", Err: err}
	}

	c.mu.Lock()
	c.initialized = true
	c.serverName = result.ServerInfo.Name
	c.serverVer = result.ServerInfo.Version
	c.mu.Unlock()

	c.logger.Info().
		Str("server_name", result.ServerInfo.Name).
		Str("server_version", result.ServerInfo.Version).
		Str("protocol_version", result.ProtocolVersion).
		Msg("MCP server initialized")

	return nil
}

// roundTrip sends one request with the per-call timeout applied. Transport
// failures and JSON-RPC errors are both returned as errors; the former are
// wrapped in *TransportError and reset the handshake state. A request
// abandoned through ctx is announced to the server with
// notifications/cancelled instead, and the connection stays usable.
func (c *Client) roundTrip(ctx context.Context, method string, params any) (*Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := NewRequest(c.nextID.Add(1), method, params)
	resp, err := c.transport.Send(callCtx, req)
	if err != nil {
		if ctxErr := callCtx.Err(); ctxErr != nil {
			c.cancelRequest(ctx, req.ID, ctxErr)
		} else {
			c.mu.Lock()
			c.initialized = false
			c.mu.Unlock()
		}
		return nil, &TransportError{Namespace: c.name, Op: method, Err: err}
	}
	if resp.Error != nil {
		return resp, resp.Error
	}
	return resp, nil
}

// cancelRequest tells the server to stop working on id. It is best effort:
// the caller has already given up on the response.
func (c *Client) cancelRequest(ctx context.Context, id int64, reason error) {
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelNotifyTimeout)
	defer cancel()

	notif := NewNotification("notifications/cancelled", map[string]any{
		"requestId": id,
		"reason":    reason.Error(),
	})
	if err := c.transport.Notify(notifyCtx, notif); err != nil {
		c.logger.Debug().Err(err).Int64("request_id", id).Msg("Failed to send cancellation")
		return
	}
	c.logger.Debug().Int64("request_id", id).Str("reason", reason.Error()).Msg("Cancelled MCP request")
}

// call opens the connection if needed and then performs one request.
func (c *Client) call(ctx context.Context, method string, params any) (*Response, error) {
	if err := c.Open(ctx); err != nil {
		return nil, err
	}
	return c.roundTrip(ctx, method, params)
}

// protocolError converts a JSON-RPC error on a listing method into a
// TransportError, since the namespace cannot serve the request.
func (c *Client) protocolError(method string, err error) error {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return &TransportError{Namespace: c.name, Op: method, Err: rpcErr}
	}
	return err
}

// ListTools returns every tool the server advertises, following cursors.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	var (
		tools  []ToolDefinition
		cursor string
		seen   = map[string]bool{}
	)

	for page := 0; page < maxToolPages; page++ {
		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}

		resp, err := c.call(ctx, "tools/list", params)
		if err != nil {
			return nil, c.protocolError("tools/list", err)
		}

		var result toolsListResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, &TransportError{Namespace: c.name, Op: "tools/list", Err: fmt.Errorf("unmarshal tools/list result: %w", err)}
		}
		tools = append(tools, result.Tools...)

		if result.NextCursor == "" || seen[result.NextCursor] {
			break
		}
		seen[result.NextCursor] = true
		cursor = result.NextCursor
	}

	c.logger.Debug().Int("count", len(tools)).Msg("Discovered MCP tools")
	return tools, nil
}

// CallTool invokes a tool. A JSON-RPC error from the server is reported as
// an error result so the caller can feed it back; only transport failures
// return a Go error.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	resp, err := c.call(ctx, "tools/call", params)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return &CallResult{Content: rpcErr.Message, IsError: true}, nil
		}
		return nil, err
	}

	var result callToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, &TransportError{Namespace: c.name, Op: "tools/call", Err: fmt.Errorf("unmarshal tools/call result: %w", err)}
	}

	return &CallResult{
		Content: ExtractText(result.Content),
		IsError: result.IsError,
		Blocks:  result.Content,
	}, nil
}

// ListResources returns the resources the server exposes.
func (c *Client) ListResources(ctx context.Context) ([]Resource, error) {
	resp, err := c.call(ctx, "resources/list", nil)
	if err != nil {
		return nil, c.protocolError("resources/list", err)
	}

	var result struct {
		Resources []Resource `json:"resources"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal resources/list result: %w", err)
	}
	return result.Resources, nil
}

// ReadResource fetches the contents of one resource.
func (c *Client) ReadResource(ctx context.Context, uri string) ([]ResourceContents, error) {
	resp, err := c.call(ctx, "resources/read", map[string]any{"uri": uri})
	if err != nil {
		return nil, c.protocolError("resources/read", err)
	}

	var result struct {
		Contents []ResourceContents `json:"contents"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal resources/read result: %w", err)
	}
	return result.Contents, nil
}

// ListPrompts returns the prompt templates the server exposes.
func (c *Client) ListPrompts(ctx context.Context) ([]Prompt, error) {
	resp, err := c.call(ctx, "prompts/list", nil)
	if err != nil {
		return nil, c.protocolError("prompts/list", err)
	}

	var result struct {
		Prompts []Prompt `json:"prompts"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal prompts/list result: %w", err)
	}
	return result.Prompts, nil
}

// GetPrompt renders a server-side prompt template.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (*PromptResult, error) {
	params := map[string]any{"name": name}
	if len(args) > 0 {
		params["arguments"] = args
	}

	resp, err := c.call(ctx, "prompts/get", params)
	if err != nil {
		return nil, c.protocolError("prompts/get", err)
	}

	var result PromptResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal prompts/get result: %w", err)
	}
	return &result, nil
}

// Ping checks that the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "ping", nil)
	return c.protocolError("ping", err)
}

// Close shuts down the transport.
func (c *Client) Close() error {
	c.mu.Lock()
	c.initialized = false
	c.mu.Unlock()
	return c.transport.Close()
}

// ExtractText flattens content blocks into one string. Text blocks are
// joined with newlines; other blocks become short markers.
func ExtractText(blocks []ContentBlock) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image", "audio":
			parts = append(parts, fmt.Sprintf("[%s: %s]", b.Type, b.MimeType))
		case "resource":
			if b.Resource != nil {
				if b.Resource.Text != "" {
					parts = append(parts, b.Resource.Text)
				} else {
					parts = append(parts, fmt.Sprintf("[resource: %s]", b.Resource.URI))
				}
			} else {
				parts = append(parts, "[resource]")
			}
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}
