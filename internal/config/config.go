package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harun/toolmesh/internal/logger"
	"github.com/harun/toolmesh/internal/tracing"
	"github.com/harun/toolmesh/pkg/agent"
	"github.com/harun/toolmesh/pkg/cache"
	"github.com/harun/toolmesh/pkg/mcp"
	"github.com/harun/toolmesh/pkg/namespace"
	"github.com/harun/toolmesh/pkg/toolexecutor"
)

// Config represents the main toolmesh configuration
type Config struct {
	// Agent loop
	Agent AgentConfig `json:"agent" mapstructure:"agent"`

	// Model provider
	Provider ProviderConfig `json:"provider" mapstructure:"provider"`

	// Namespaces maps a namespace name to its MCP server connection
	Namespaces map[string]NamespaceConfig `json:"namespaces" mapstructure:"namespaces"`

	// Registry behavior
	Registry RegistryConfig `json:"registry" mapstructure:"registry"`

	// Cache backend
	Cache CacheConfig `json:"cache" mapstructure:"cache"`

	// Tools
	Tools ToolsConfig `json:"tools" mapstructure:"tools"`

	// Logging
	Logging logger.Config `json:"logging" mapstructure:"logging"`

	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Tracing
	Tracing tracing.Config `json:"tracing" mapstructure:"tracing"`

	// DataDir holds the PID file
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// AuditFile receives gateway and reload audit events as JSON lines.
	// Empty disables auditing.
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// AgentConfig configures the agent loop
type AgentConfig struct {
	Model         string  `json:"model" mapstructure:"model"`
	SystemPrompt  string  `json:"system_prompt" mapstructure:"system_prompt"`
	Temperature   float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens     int     `json:"max_tokens" mapstructure:"max_tokens"`
	MaxIterations int     `json:"max_iterations" mapstructure:"max_iterations"`
	MaxRetries    int     `json:"max_retries" mapstructure:"max_retries"`
}

// ProviderConfig selects the model provider
type ProviderConfig struct {
	Name    string `json:"name" mapstructure:"name"` // openai, anthropic
	APIKey  string `json:"api_key" mapstructure:"api_key"`
	BaseURL string `json:"base_url" mapstructure:"base_url"`
	Timeout int    `json:"timeout" mapstructure:"timeout"` // seconds

	// ResponseCache caches identical model requests
	ResponseCache bool `json:"response_cache" mapstructure:"response_cache"`
	ResponseTTL   int  `json:"response_ttl" mapstructure:"response_ttl"` // seconds
}

// NamespaceConfig describes how to reach one MCP server
type NamespaceConfig struct {
	Transport string   `json:"transport" mapstructure:"transport"` // stdio, sse, streamable_http, websocket
	URL       string   `json:"url" mapstructure:"url"`
	Command   string   `json:"command" mapstructure:"command"`
	Args      []string `json:"args" mapstructure:"args"`
	// Env holds KEY=VALUE pairs. A list keeps variable names case-sensitive.
	Env     []string          `json:"env" mapstructure:"env"`
	Dir     string            `json:"dir" mapstructure:"dir"`
	Headers map[string]string `json:"headers" mapstructure:"headers"`
	Timeout int               `json:"timeout" mapstructure:"timeout"` // seconds
	// Required namespaces are enforced by the fail_required policy
	Required bool `json:"required" mapstructure:"required"`
}

// RegistryConfig configures namespace resolution and caching
type RegistryConfig struct {
	ManifestTTL     int    `json:"manifest_ttl" mapstructure:"manifest_ttl"` // seconds
	ResultTTL       int    `json:"result_ttl" mapstructure:"result_ttl"`     // seconds
	ResultCaching   bool   `json:"result_caching" mapstructure:"result_caching"`
	FailurePolicy   string `json:"failure_policy" mapstructure:"failure_policy"` // isolate, fail_required, fail_any
	RefreshSchedule string `json:"refresh_schedule" mapstructure:"refresh_schedule"`
}

// CacheConfig selects the cache backend
type CacheConfig struct {
	Backend    string `json:"backend" mapstructure:"backend"` // memory, redis, sqlite
	MaxEntries int    `json:"max_entries" mapstructure:"max_entries"`
	RedisURL   string `json:"redis_url" mapstructure:"redis_url"`
	Prefix     string `json:"prefix" mapstructure:"prefix"`
	SQLitePath string `json:"sqlite_path" mapstructure:"sqlite_path"`
}

// ToolsConfig holds tool configuration
type ToolsConfig struct {
	// Builtin registers the local core tools
	Builtin        bool     `json:"builtin" mapstructure:"builtin"`
	Allow          []string `json:"allow" mapstructure:"allow"`
	Deny           []string `json:"deny" mapstructure:"deny"`
	Timeout        int      `json:"timeout" mapstructure:"timeout"` // seconds
	MaxOutputBytes int      `json:"max_output_bytes" mapstructure:"max_output_bytes"`
	MaxConcurrency int      `json:"max_concurrency" mapstructure:"max_concurrency"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port         int    `json:"port" mapstructure:"port"`
	Host         string `json:"host" mapstructure:"host"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Model:         "gpt-4o-mini",
			SystemPrompt:  agent.DefaultSystemPrompt,
			Temperature:   0.7,
			MaxTokens:     4096,
			MaxIterations: agent.DefaultMaxIterations,
			MaxRetries:    agent.DefaultMaxRetries,
		},
		Provider: ProviderConfig{
			Name:          "openai",
			Timeout:       120,
			ResponseCache: false,
			ResponseTTL:   int(agent.DefaultResponseTTL / time.Second),
		},
		Namespaces: map[string]NamespaceConfig{},
		Registry: RegistryConfig{
			ManifestTTL:     int(namespace.DefaultManifestTTL / time.Second),
			ResultTTL:       int(namespace.DefaultResultTTL / time.Second),
			ResultCaching:   true,
			FailurePolicy:   string(namespace.PolicyIsolate),
			RefreshSchedule: namespace.DefaultRefreshSchedule,
		},
		Cache: CacheConfig{
			Backend:    cache.BackendMemory,
			MaxEntries: cache.DefaultMaxEntries,
			Prefix:     "toolmesh",
		},
		Tools: ToolsConfig{
			Builtin:        true,
			Allow:          []string{"*"},
			Deny:           []string{},
			Timeout:        int(toolexecutor.DefaultTimeout / time.Second),
			MaxOutputBytes: toolexecutor.DefaultMaxOutputBytes,
		},
		Logging: logger.DefaultConfig(),
		Gateway: GatewayConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Tracing: tracing.DefaultConfig(),
		DataDir: defaultDataDir(),
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".toolmesh"
	}
	return filepath.Join(home, ".toolmesh")
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Agent.Model == "" {
		return fmt.Errorf("agent.model is required")
	}
	if c.Agent.MaxIterations < 0 {
		return fmt.Errorf("agent.max_iterations must be >= 0")
	}

	switch c.Provider.Name {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("invalid provider %q (must be: openai, anthropic)", c.Provider.Name)
	}

	if _, err := namespace.ParseFailurePolicy(c.Registry.FailurePolicy); err != nil {
		return err
	}

	for name, ns := range c.Namespaces {
		if err := namespace.ValidateName(name); err != nil {
			return err
		}
		if _, err := ns.Connection(); err != nil {
			return fmt.Errorf("namespace %s: %w", name, err)
		}
	}

	switch c.Cache.Backend {
	case "", cache.BackendMemory:
	case cache.BackendRedis:
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("cache.redis_url is required for the redis backend")
		}
	case cache.BackendSQLite:
		if c.Cache.SQLitePath == "" {
			return fmt.Errorf("cache.sqlite_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("invalid cache backend %q (must be: memory, redis, sqlite)", c.Cache.Backend)
	}

	return c.Tracing.Validate()
}

// Connection converts the namespace entry to a transport configuration.
func (n NamespaceConfig) Connection() (mcp.ConnectionConfig, error) {
	switch n.Transport {
	case mcp.TransportStdio:
		if n.Command == "" {
			return mcp.ConnectionConfig{}, fmt.Errorf("command is required for the stdio transport")
		}
	case mcp.TransportSSE, mcp.TransportStreamableHTTP, mcp.TransportWebSocket:
		if n.URL == "" {
			return mcp.ConnectionConfig{}, fmt.Errorf("url is required for the %s transport", n.Transport)
		}
	default:
		return mcp.ConnectionConfig{}, fmt.Errorf("invalid transport %q (must be: stdio, sse, streamable_http, websocket)", n.Transport)
	}

	var env map[string]string
	if len(n.Env) > 0 {
		env = make(map[string]string, len(n.Env))
		for _, kv := range n.Env {
			key, value, ok := strings.Cut(kv, "=")
			if !ok || key == "" {
				return mcp.ConnectionConfig{}, fmt.Errorf("env entry %q is not KEY=VALUE", kv)
			}
			env[key] = value
		}
	}

	return mcp.ConnectionConfig{
		Transport: n.Transport,
		URL:       n.URL,
		Command:   n.Command,
		Args:      n.Args,
		Env:       env,
		Dir:       n.Dir,
		Headers:   n.Headers,
		Timeout:   time.Duration(n.Timeout) * time.Second,
	}, nil
}

// Connections returns the transport configuration of every namespace.
func (c *Config) Connections() (map[string]mcp.ConnectionConfig, error) {
	out := make(map[string]mcp.ConnectionConfig, len(c.Namespaces))
	for name, ns := range c.Namespaces {
		conn, err := ns.Connection()
		if err != nil {
			return nil, fmt.Errorf("namespace %s: %w", name, err)
		}
		out[name] = conn
	}
	return out, nil
}

// RequiredNamespaces returns the names marked required.
func (c *Config) RequiredNamespaces() []string {
	var out []string
	for name, ns := range c.Namespaces {
		if ns.Required {
			out = append(out, name)
		}
	}
	return out
}

// Secrets returns the credential values of the config, for log redaction:
// the provider key, the gateway secret and namespace env and header values
// whose names look like credentials.
func (c *Config) Secrets() []string {
	var out []string
	add := func(v string) {
		if v != "" {
			out = append(out, v)
		}
	}

	add(c.Provider.APIKey)
	add(c.Gateway.SharedSecret)
	for _, ns := range c.Namespaces {
		for _, kv := range ns.Env {
			if name, value, ok := strings.Cut(kv, "="); ok && credentialName(name) {
				add(value)
			}
		}
		for name, value := range ns.Headers {
			if credentialName(name) {
				add(strings.TrimPrefix(value, "Bearer "))
			}
		}
	}
	return out
}

func credentialName(name string) bool {
	upper := strings.ToUpper(name)
	for _, hint := range []string{"KEY", "TOKEN", "SECRET", "PASSWORD", "AUTH"} {
		if strings.Contains(upper, hint) {
			return true
		}
	}
	return false
}

// CacheOptions converts the cache section for cache.Open.
func (c *Config) CacheOptions() cache.Config {
	return cache.Config{
		Backend:    c.Cache.Backend,
		MaxEntries: c.Cache.MaxEntries,
		RedisURL:   c.Cache.RedisURL,
		Prefix:     c.Cache.Prefix,
		SQLitePath: c.Cache.SQLitePath,
	}
}

// ToolPolicy returns the allow/deny policy of the tools section.
func (c *Config) ToolPolicy() *toolexecutor.ToolPolicy {
	return &toolexecutor.ToolPolicy{Allow: c.Tools.Allow, Deny: c.Tools.Deny}
}

// ProviderOptions converts the provider section for agent.ProviderFactory.
func (c *Config) ProviderOptions() agent.ProviderConfig {
	return agent.ProviderConfig{
		Name:    c.Provider.Name,
		APIKey:  c.Provider.APIKey,
		BaseURL: c.Provider.BaseURL,
		Timeout: time.Duration(c.Provider.Timeout) * time.Second,
	}
}
