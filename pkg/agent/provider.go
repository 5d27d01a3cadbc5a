package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/harun/toolmesh/pkg/toolexecutor"
)

// LLMProvider is an interface for LLM API providers
type LLMProvider interface {
	// Call makes an LLM API call
	Call(ctx context.Context, request LLMRequest) (*LLMResponse, error)

	// Provider returns the provider name
	Provider() string
}

// StreamingProvider is an LLMProvider that can stream content fragments.
type StreamingProvider interface {
	LLMProvider

	// Stream calls onDelta for each content fragment as it arrives and
	// returns the fully assembled response. The fragments concatenate to
	// the response content.
	Stream(ctx context.Context, request LLMRequest, onDelta func(delta string)) (*LLMResponse, error)
}

// LLMRequest contains the request parameters for LLM call
type LLMRequest struct {
	Model string `json:"model"`
	// Messages is the whole history, system message included.
	Messages    []Message               `json:"messages"`
	Tools       []toolexecutor.ToolSpec `json:"tools,omitempty"`
	Temperature float64                 `json:"temperature,omitempty"`
	MaxTokens   int                     `json:"max_tokens,omitempty"`
}

// LLMResponse contains the response from LLM
type LLMResponse struct {
	Content      string      `json:"content"`
	ToolCalls    []ToolCall  `json:"tool_calls,omitempty"`
	Usage        *TokenUsage `json:"usage,omitempty"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

// ModelResponseParseError reports a model response whose tool-call shape
// could not be understood. It ends the loop.
type ModelResponseParseError struct {
	Provider string
	Reason   string
	Err      error
}

func (e *ModelResponseParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: unparseable model response: %s: %v", e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: unparseable model response: %s", e.Provider, e.Reason)
}

func (e *ModelResponseParseError) Unwrap() error {
	return e.Err
}

// ProviderConfig selects and configures a provider.
type ProviderConfig struct {
	Name    string
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// ProviderFactory creates LLM providers
type ProviderFactory struct{}

// NewProvider creates a new LLM provider from its configuration
func (f *ProviderFactory) NewProvider(cfg ProviderConfig) (LLMProvider, error) {
	switch cfg.Name {
	case "anthropic":
		return NewAnthropicProvider(cfg), nil
	case "openai":
		return NewOpenAIProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Name)
	}
}

// Provider APIs restrict function names to this alphabet, which excludes
// the namespace separator.
var wireNamePattern = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// toolNames maps catalog tool names to names the provider accepts, and back.
type toolNames struct {
	toWire   map[string]string
	fromWire map[string]string
}

func newToolNames(specs []toolexecutor.ToolSpec) *toolNames {
	n := &toolNames{
		toWire:   make(map[string]string, len(specs)),
		fromWire: make(map[string]string, len(specs)),
	}
	for _, spec := range specs {
		n.add(spec.Name)
	}
	return n
}

func (n *toolNames) add(name string) string {
	if wire, ok := n.toWire[name]; ok {
		return wire
	}
	wire := strings.ReplaceAll(name, toolexecutor.NamespaceSeparator, "__")
	wire = wireNamePattern.ReplaceAllString(wire, "_")
	if len(wire) > 64 {
		wire = wire[:64]
	}
	base := wire
	for i := 2; ; i++ {
		if _, taken := n.fromWire[wire]; !taken {
			break
		}
		suffix := fmt.Sprintf("_%d", i)
		if len(base)+len(suffix) > 64 {
			wire = base[:64-len(suffix)] + suffix
		} else {
			wire = base + suffix
		}
	}
	n.toWire[name] = wire
	n.fromWire[wire] = name
	return wire
}

// wire returns the provider-side name, registering names seen only in the
// history.
func (n *toolNames) wire(name string) string {
	return n.add(name)
}

// catalog returns the catalog name for a provider-side name.
func (n *toolNames) catalog(wire string) string {
	if name, ok := n.fromWire[wire]; ok {
		return name
	}
	return wire
}

// requiredFields reads a JSON Schema "required" list, which arrives as
// []string from local tools and []any from decoded remote manifests.
func requiredFields(schema map[string]any) []string {
	switch v := schema["required"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func schemaOf(spec toolexecutor.ToolSpec) map[string]any {
	return spec.FunctionSchema()["parameters"].(map[string]any)
}
