package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/toolmesh/pkg/agent"
	"github.com/harun/toolmesh/pkg/toolexecutor"
)

// Frame types pushed to clients besides the agent chunk types.
const (
	FrameDone      = "done"
	FrameEvent     = "event"
	FrameConnected = "connected"
	FrameError     = "error"
)

// InvokeRequest is the body of POST /v1/invoke and of a WebSocket invoke
// frame.
type InvokeRequest struct {
	// ID is echoed on every frame of a WebSocket invocation.
	ID          string `json:"id,omitempty"`
	Input       string `json:"input"`
	Stream      bool   `json:"stream,omitempty"`
	BypassCache bool   `json:"bypass_cache,omitempty"`
}

// InvokeResponse is the outcome of a non-streaming invocation. Messages is
// the session trace, including on failure.
type InvokeResponse struct {
	Content    string           `json:"content"`
	Final      agent.Message    `json:"final"`
	State      agent.State      `json:"state"`
	Iterations int              `json:"iterations"`
	Usage      agent.TokenUsage `json:"usage"`
	Messages   []agent.Message  `json:"messages"`
	TraceID    string           `json:"trace_id,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// DonePayload closes a stream of frames.
type DonePayload struct {
	Content    string           `json:"content"`
	State      agent.State      `json:"state"`
	Iterations int              `json:"iterations"`
	Usage      agent.TokenUsage `json:"usage"`
	Error      string           `json:"error,omitempty"`
}

// ToolsResponse is the body of GET /v1/tools.
type ToolsResponse struct {
	Tools       []toolexecutor.ToolSpec `json:"tools"`
	Unavailable []string                `json:"unavailable"`
}

// EventMessage is one frame pushed by the server. Type is an agent chunk
// type, done, connected, error or event; Event names a broadcast.
type EventMessage struct {
	Type      string      `json:"type"`
	Event     string      `json:"event,omitempty"`
	ID        string      `json:"id,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	Seq       int64       `json:"seq,omitempty"`
	Timestamp int64       `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
}

// AuthChallenge represents an authentication challenge message
type AuthChallenge struct {
	Type      string `json:"type"`
	Event     string `json:"event"`
	Challenge string `json:"challenge"`
}

// AuthResponse represents a client's authentication response
type AuthResponse struct {
	Method    string `json:"method"`
	Signature string `json:"signature"`
}

// AuthResult represents the result of authentication
type AuthResult struct {
	Type    string `json:"type"`
	Event   string `json:"event"`
	Success bool   `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
}

// ClientInfo describes a connection and the invocations it runs.
type ClientInfo struct {
	ID            string    `json:"id"`
	Authenticated bool      `json:"authenticated"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastActivity  time.Time `json:"lastActivity"`
	IPAddress     string    `json:"ipAddress"`
	Idle          bool      `json:"idle"`

	// InFlight is len(Invocations); the counters cover finished ones.
	InFlight    int          `json:"inFlight"`
	Invocations []Invocation `json:"invocations"`
	Completed   int          `json:"completed"`
	Failed      int          `json:"failed"`
	Cancelled   int          `json:"cancelled"`
	LastTraceID string       `json:"lastTraceId,omitempty"`
}

// ClientState represents the state of a client connection
type ClientState int

const (
	StateConnecting ClientState = iota
	StateAuthenticating
	StateAuthenticated
	StateDisconnected
)

// Client represents a connected WebSocket client
type Client struct {
	ID            string
	Conn          *websocket.Conn
	Authenticated bool
	Challenge     string
	ConnectedAt   time.Time
	LastActivity  time.Time
	IPAddress     string
	AuthAttempts  int
	RateLimiter   *ClientRateLimiter
	State         ClientState

	// gorilla/websocket allows one concurrent writer per connection
	writeMu sync.Mutex
}

// WriteJSON sends v as one text frame.
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteJSON(v)
}

// WriteMessage sends a raw frame. A non-zero deadline bounds the write;
// the connection is unusable after a timeout.
func (c *Client) WriteMessage(messageType int, data []byte, deadline time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if !deadline.IsZero() {
		if err := c.Conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return c.Conn.WriteMessage(messageType, data)
}
