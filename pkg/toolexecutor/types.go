package toolexecutor

import (
	"context"
	"sort"
	"time"
)

// Origin kinds for a catalog entry.
const (
	OriginLocal  = "local"
	OriginRemote = "remote"
)

// NamespaceSeparator joins a namespace and a tool name into a qualified name.
const NamespaceSeparator = "."

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
	Enum        []string    `json:"enum,omitempty"`
}

// ToolDefinition defines a local tool's metadata and handler
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	Handler     ToolHandler     `json:"-"`
	// Timeout overrides the catalog's per-call timeout when set.
	Timeout time.Duration `json:"-"`
}

// ToolHandler is the function signature for local tool execution
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// ToolOrigin records where a tool is implemented.
type ToolOrigin struct {
	Kind      string `json:"kind"`
	Namespace string `json:"namespace,omitempty"`
}

// ToolSpec is the model-facing description of one tool in the catalog.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Origin      ToolOrigin     `json:"origin"`
}

// FunctionSchema renders the spec as the {name, description, parameters}
// object that chat-completion style APIs accept.
func (s ToolSpec) FunctionSchema() map[string]any {
	params := s.Parameters
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return map[string]any{
		"name":        s.Name,
		"description": s.Description,
		"parameters":  params,
	}
}

// ToolInvocation is one tool call requested by the model.
type ToolInvocation struct {
	CallID    string         `json:"call_id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResult is the outcome of a dispatch. Failures are carried in IsError,
// never as a Go error, so they can be fed back to the model.
type ToolResult struct {
	CallID    string         `json:"call_id"`
	Name      string         `json:"name"`
	Content   string         `json:"content"`
	IsError   bool           `json:"is_error"`
	Truncated bool           `json:"truncated,omitempty"`
	Cached    bool           `json:"cached,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ErrorResult builds an IsError result.
func ErrorResult(name, content string) ToolResult {
	return ToolResult{Name: name, Content: content, IsError: true}
}

// InvokeOptions tunes a remote invocation.
type InvokeOptions struct {
	// BypassCache skips the result cache for both read and write.
	BypassCache bool
}

// DispatchOptions tunes a catalog dispatch.
type DispatchOptions struct {
	BypassCache bool
	// Timeout overrides the per-call timeout for local tools.
	Timeout time.Duration
}

// RemoteSnapshot is the remote half of the catalog at one point in time.
type RemoteSnapshot struct {
	// Tools are qualified ({namespace}.{tool}) and sorted by name.
	Tools []ToolSpec
	// Unavailable maps each namespace that could not be resolved to why.
	Unavailable map[string]error
}

// UnavailableNamespaces returns the sorted names of unresolved namespaces.
func (s *RemoteSnapshot) UnavailableNamespaces() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.Unavailable))
	for ns := range s.Unavailable {
		names = append(names, ns)
	}
	sort.Strings(names)
	return names
}

// RemoteTools is the source of namespaced tools. The namespace registry
// implements it.
type RemoteTools interface {
	Catalog(ctx context.Context) (*RemoteSnapshot, error)
	Invoke(ctx context.Context, namespace, tool string, args map[string]any, opts InvokeOptions) ToolResult
}
