package toolexecutor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/harun/toolmesh/internal/metrics"
	"github.com/harun/toolmesh/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/iter"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// DefaultTimeout bounds a local tool call.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxOutputBytes is where tool output is truncated.
	DefaultMaxOutputBytes = 10 * 1024

	truncationMarker = "\n... [output truncated]"
)

// Config configures a Catalog.
type Config struct {
	// Remote supplies namespaced tools. Nil means local tools only.
	Remote RemoteTools
	// Policy filters which tools are listed and dispatchable. Nil allows all.
	Policy *ToolPolicy
	// Timeout bounds local tool calls. Zero means DefaultTimeout.
	Timeout time.Duration
	// MaxOutputBytes bounds result content. Zero means DefaultMaxOutputBytes.
	MaxOutputBytes int
	// MaxConcurrency bounds DispatchBatch. Zero means one goroutine per call.
	MaxConcurrency int

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Catalog is the unified view of local and remote tools. It answers which
// tools exist and dispatches calls to them.
type Catalog struct {
	tools   map[string]*ToolDefinition
	schemas map[string]*gojsonschema.Schema
	mu      sync.RWMutex

	remote         RemoteTools
	policy         *ToolPolicy
	timeout        time.Duration
	maxOutput      int
	maxConcurrency int
	logger         zerolog.Logger
	metrics        *metrics.Metrics

	snapMu   sync.RWMutex
	snapshot *RemoteSnapshot
}

// New creates a Catalog.
func New(cfg Config) *Catalog {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxOutput := cfg.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutputBytes
	}

	c := &Catalog{
		tools:          make(map[string]*ToolDefinition),
		schemas:        make(map[string]*gojsonschema.Schema),
		remote:         cfg.Remote,
		policy:         cfg.Policy,
		timeout:        timeout,
		maxOutput:      maxOutput,
		maxConcurrency: cfg.MaxConcurrency,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
	}

	c.logger.Debug().Bool("remote", cfg.Remote != nil).Msg("Tool catalog initialized")

	return c
}

// RegisterTool registers a local tool.
func (c *Catalog) RegisterTool(def ToolDefinition) error {
	if err := validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schemaMap := parameterSchema(def.Parameters)
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.tools[def.Name] = &def
	c.schemas[def.Name] = schema

	c.logger.Debug().Str("tool", def.Name).Msg("Tool registered")

	return nil
}

// UnregisterTool removes a local tool
func (c *Catalog) UnregisterTool(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.tools, name)
	delete(c.schemas, name)
}

// GetTool returns a local tool definition by name
func (c *Catalog) GetTool(name string) *ToolDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.tools[name]
}

// LocalToolCount returns the number of registered local tools
func (c *Catalog) LocalToolCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.tools)
}

// Specs returns every tool the model may call: local tools first, then the
// current remote snapshot. Names are unique and sorted within each group.
func (c *Catalog) Specs(ctx context.Context) ([]ToolSpec, error) {
	specs := c.localSpecs()
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		seen[s.Name] = true
	}

	if c.remote != nil {
		snap, err := c.refreshSnapshot(ctx)
		if err != nil {
			return nil, err
		}
		for _, s := range snap.Tools {
			if seen[s.Name] {
				c.logger.Warn().Str("tool", s.Name).Msg("Dropping duplicate remote tool")
				continue
			}
			seen[s.Name] = true
			specs = append(specs, s)
		}
	}

	if c.policy == nil {
		return specs, nil
	}
	filtered := specs[:0]
	for _, s := range specs {
		if c.policy.IsToolAllowed(s.Name) {
			filtered = append(filtered, s)
		}
	}
	return filtered, nil
}

// Unavailable returns the namespaces missing from the last remote snapshot.
func (c *Catalog) Unavailable() []string {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snapshot.UnavailableNamespaces()
}

func (c *Catalog) localSpecs() []ToolSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()

	specs := make([]ToolSpec, 0, len(c.tools))
	for _, def := range c.tools {
		specs = append(specs, ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  parameterSchema(def.Parameters),
			Origin:      ToolOrigin{Kind: OriginLocal},
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

func (c *Catalog) refreshSnapshot(ctx context.Context) (*RemoteSnapshot, error) {
	snap, err := c.remote.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	c.snapMu.Lock()
	c.snapshot = snap
	c.snapMu.Unlock()
	return snap, nil
}

// currentSnapshot returns the last snapshot, fetching one if none exists.
func (c *Catalog) currentSnapshot(ctx context.Context) (*RemoteSnapshot, error) {
	c.snapMu.RLock()
	snap := c.snapshot
	c.snapMu.RUnlock()
	if snap != nil {
		return snap, nil
	}
	return c.refreshSnapshot(ctx)
}

// Dispatch runs one tool call. It never returns a Go error: unknown tools,
// invalid arguments, handler failures, panics and timeouts all come back as
// IsError results.
func (c *Catalog) Dispatch(ctx context.Context, inv ToolInvocation, opts DispatchOptions) ToolResult {
	start := time.Now()
	ctx = tracing.WithToolCall(ctx, inv.CallID, inv.Name)
	ctx, span := tracing.StartSpan(ctx, "toolmesh.tools", "tool.dispatch",
		attribute.String("tool", inv.Name),
		attribute.String("call_id", inv.CallID),
	)
	defer span.End()

	result, origin := c.dispatch(ctx, inv, opts)
	logger := tracing.LoggerFromContext(ctx, c.logger)

	result.CallID = inv.CallID
	result.Name = inv.Name
	result.Duration = time.Since(start)
	if content, truncated := truncateContent(result.Content, c.maxOutput); truncated {
		logger.Warn().
			Int("original", len(result.Content)).
			Int("truncated", c.maxOutput).
			Msg("Output truncated")
		result.Content = content
		result.Truncated = true
	}

	span.SetAttributes(
		attribute.String("origin", origin),
		attribute.Bool("is_error", result.IsError),
		attribute.Bool("cached", result.Cached),
	)
	c.metrics.RecordToolCall(inv.Name, origin, result.IsError, result.Duration)
	logger.Debug().
		Str("origin", origin).
		Bool("is_error", result.IsError).
		Dur("duration", result.Duration).
		Msg("Tool dispatched")

	return result
}

func (c *Catalog) dispatch(ctx context.Context, inv ToolInvocation, opts DispatchOptions) (ToolResult, string) {
	if c.policy != nil && !c.policy.IsToolAllowed(inv.Name) {
		c.logger.Warn().Str("tool", inv.Name).Msg("Tool execution blocked by policy")
		return ErrorResult(inv.Name, fmt.Sprintf("tool '%s' is not allowed by policy", inv.Name)), OriginLocal
	}

	c.mu.RLock()
	tool := c.tools[inv.Name]
	schema := c.schemas[inv.Name]
	c.mu.RUnlock()

	if tool != nil {
		return c.executeLocal(ContextWithInvocation(ctx, &inv), tool, schema, inv.Arguments, opts), OriginLocal
	}

	ns, name, qualified := strings.Cut(inv.Name, NamespaceSeparator)
	if c.remote == nil || !qualified {
		return notFound(inv.Name), OriginLocal
	}

	snap, err := c.currentSnapshot(ctx)
	if err != nil {
		return ErrorResult(inv.Name, fmt.Sprintf("tool '%s' is unavailable: %v", inv.Name, err)), OriginRemote
	}
	if _, down := snap.Unavailable[ns]; down {
		return ErrorResult(inv.Name, fmt.Sprintf("tool '%s' is unavailable: namespace '%s' unreachable", inv.Name, ns)), OriginRemote
	}
	if !snapshotHas(snap, inv.Name) {
		return notFound(inv.Name), OriginRemote
	}

	return c.remote.Invoke(ctx, ns, name, inv.Arguments, InvokeOptions{BypassCache: opts.BypassCache}), OriginRemote
}

// DispatchBatch runs calls concurrently and returns exactly one result per
// call, in request order.
func (c *Catalog) DispatchBatch(ctx context.Context, invocations []ToolInvocation, opts DispatchOptions) []ToolResult {
	if len(invocations) == 0 {
		return nil
	}

	workers := c.maxConcurrency
	if workers <= 0 || workers > len(invocations) {
		workers = len(invocations)
	}

	mapper := iter.Mapper[ToolInvocation, ToolResult]{MaxGoroutines: workers}
	return mapper.Map(invocations, func(inv *ToolInvocation) ToolResult {
		return c.Dispatch(ctx, *inv, opts)
	})
}

type handlerOutcome struct {
	output interface{}
	err    error
}

func (c *Catalog) executeLocal(ctx context.Context, tool *ToolDefinition, schema *gojsonschema.Schema, params map[string]any, opts DispatchOptions) ToolResult {
	if params == nil {
		params = map[string]any{}
	}

	if err := validateParameters(schema, params); err != nil {
		c.logger.Warn().Str("tool", tool.Name).Err(err).Msg("Parameter validation failed")
		return ErrorResult(tool.Name, fmt.Sprintf("parameter validation failed: %v", err))
	}

	timeout := c.timeout
	if tool.Timeout > 0 {
		timeout = tool.Timeout
	}
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan handlerOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerOutcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		output, err := tool.Handler(timeoutCtx, params)
		done <- handlerOutcome{output: output, err: err}
	}()

	select {
	case outcome := <-done:
		if outcome.err != nil {
			c.logger.Warn().Str("tool", tool.Name).Err(outcome.err).Msg("Tool execution failed")
			return ErrorResult(tool.Name, outcome.err.Error())
		}
		return ToolResult{Name: tool.Name, Content: renderOutput(outcome.output)}

	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return ErrorResult(tool.Name, fmt.Sprintf("tool execution cancelled: %v", ctx.Err()))
		}
		c.logger.Warn().Str("tool", tool.Name).Dur("timeout", timeout).Msg("Tool execution timeout")
		return ErrorResult(tool.Name, fmt.Sprintf("tool execution timeout after %v", timeout))
	}
}

func notFound(name string) ToolResult {
	return ErrorResult(name, fmt.Sprintf("tool '%s' not found", name))
}

func snapshotHas(snap *RemoteSnapshot, name string) bool {
	i := sort.Search(len(snap.Tools), func(i int) bool { return snap.Tools[i].Name >= name })
	if i < len(snap.Tools) && snap.Tools[i].Name == name {
		return true
	}
	// Snapshots from other sources may not be sorted.
	for _, s := range snap.Tools {
		if s.Name == name {
			return true
		}
	}
	return false
}

var validParamTypes = map[string]bool{
	"string": true, "number": true, "boolean": true,
	"object": true, "array": true, "integer": true,
}

// validateToolDefinition validates a local tool definition
func validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if strings.Contains(def.Name, NamespaceSeparator) {
		return fmt.Errorf("tool name %q cannot contain %q", def.Name, NamespaceSeparator)
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if param.Type == "" {
			return fmt.Errorf("parameter type cannot be empty for %s", param.Name)
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
		if !validParamTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}

	return nil
}

// parameterSchema builds the JSON Schema object for a parameter list
func parameterSchema(params []ToolParameter) map[string]any {
	properties := make(map[string]any, len(params))
	required := []string{}

	for _, param := range params {
		paramSchema := map[string]any{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		if len(param.Enum) > 0 {
			paramSchema["enum"] = param.Enum
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// validateParameters validates parameters against a JSON Schema
func validateParameters(schema *gojsonschema.Schema, params map[string]any) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}

	if !result.Valid() {
		errs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("validation errors: %v", errs)
	}

	return nil
}

// renderOutput turns a handler's return value into result content.
func renderOutput(output interface{}) string {
	switch v := output.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	}
	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Sprintf("%v", output)
	}
	return string(data)
}

// truncateContent cuts content to at most limit bytes on a rune boundary.
func truncateContent(content string, limit int) (string, bool) {
	if len(content) <= limit {
		return content, false
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut] + truncationMarker, true
}
