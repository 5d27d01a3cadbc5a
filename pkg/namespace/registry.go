package namespace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/toolmesh/internal/metrics"
	"github.com/harun/toolmesh/internal/tracing"
	"github.com/harun/toolmesh/pkg/cache"
	"github.com/harun/toolmesh/pkg/mcp"
	"github.com/harun/toolmesh/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/iter"
	"github.com/xeipuuv/gojsonschema"
)

const (
	// DefaultManifestTTL is how long a namespace's tool list stays cached.
	DefaultManifestTTL = 3600 * time.Second
	// DefaultResultTTL is how long a cached tool result stays valid.
	DefaultResultTTL = 300 * time.Second
)

// Snapshot is the remote half of the catalog at one point in time.
type Snapshot = toolexecutor.RemoteSnapshot

// Connector is one connection to an MCP server. *mcp.Client implements it.
// Open must be idempotent.
type Connector interface {
	Open(ctx context.Context) error
	ListTools(ctx context.Context) ([]mcp.ToolDefinition, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallResult, error)
	Close() error
}

// ResourceConnector is a Connector that also serves MCP resources.
type ResourceConnector interface {
	Connector
	ListResources(ctx context.Context) ([]mcp.Resource, error)
	ReadResource(ctx context.Context, uri string) ([]mcp.ResourceContents, error)
}

// PromptConnector is a Connector that also serves MCP prompt templates.
type PromptConnector interface {
	Connector
	ListPrompts(ctx context.Context) ([]mcp.Prompt, error)
	GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.PromptResult, error)
}

// PingConnector is a Connector that answers health pings.
type PingConnector interface {
	Connector
	Ping(ctx context.Context) error
}

// Config configures a Registry.
type Config struct {
	// Connectors maps namespace names to their connections.
	Connectors map[string]Connector
	// Cache stores manifests and results. Nil means a private in-memory cache.
	Cache cache.Cache
	// ManifestTTL is the manifest cache TTL. Zero means DefaultManifestTTL.
	ManifestTTL time.Duration
	// ResultTTL is the result cache TTL. Zero means DefaultResultTTL.
	ResultTTL time.Duration
	// ResultCaching enables the tool result cache.
	ResultCaching bool
	// Policy decides how namespace failures affect Catalog.
	Policy FailurePolicy
	// Required lists namespaces that PolicyFailRequired must not lose.
	Required []string

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Registry resolves namespaces into tool definitions and routes invocations
// to the owning connector. Safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
	schemas    map[string]*gojsonschema.Schema
	compiled   map[string]bool

	cache         cache.Cache
	ownsCache     bool
	manifestTTL   time.Duration
	resultTTL     time.Duration
	resultCaching bool
	policy        FailurePolicy
	required      map[string]bool

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// New creates a Registry. Namespace names must be non-empty and must not
// contain the namespace separator.
func New(cfg Config) (*Registry, error) {
	for ns := range cfg.Connectors {
		if err := ValidateName(ns); err != nil {
			return nil, err
		}
	}

	policy := cfg.Policy
	if policy == "" {
		policy = PolicyIsolate
	}
	if _, err := ParseFailurePolicy(string(policy)); err != nil {
		return nil, err
	}

	r := &Registry{
		connectors:    make(map[string]Connector, len(cfg.Connectors)),
		schemas:       make(map[string]*gojsonschema.Schema),
		compiled:      make(map[string]bool),
		cache:         cfg.Cache,
		manifestTTL:   cfg.ManifestTTL,
		resultTTL:     cfg.ResultTTL,
		resultCaching: cfg.ResultCaching,
		policy:        policy,
		required:      make(map[string]bool, len(cfg.Required)),
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
	}
	for ns, conn := range cfg.Connectors {
		r.connectors[ns] = conn
	}
	for _, ns := range cfg.Required {
		r.required[ns] = true
	}
	if r.cache == nil {
		r.cache = cache.NewMemory(cache.MemoryOptions{})
		r.ownsCache = true
	}
	if r.manifestTTL <= 0 {
		r.manifestTTL = DefaultManifestTTL
	}
	if r.resultTTL <= 0 {
		r.resultTTL = DefaultResultTTL
	}

	r.logger.Info().
		Int("namespaces", len(r.connectors)).
		Str("policy", string(r.policy)).
		Bool("result_caching", r.resultCaching).
		Msg("Namespace registry initialized")

	return r, nil
}

// FromConfig builds one mcp.Client per connection config and wraps them in
// a Registry. cfg.Connectors is ignored.
func FromConfig(connections map[string]mcp.ConnectionConfig, cfg Config) (*Registry, error) {
	connectors, err := BuildConnectors(connections, cfg.Logger)
	if err != nil {
		return nil, err
	}
	cfg.Connectors = connectors

	r, err := New(cfg)
	if err != nil {
		closeAll(connectors)
		return nil, err
	}
	return r, nil
}

// BuildConnectors creates an mcp.Client for each connection config.
func BuildConnectors(connections map[string]mcp.ConnectionConfig, logger zerolog.Logger) (map[string]Connector, error) {
	connectors := make(map[string]Connector, len(connections))
	for ns, conn := range connections {
		if err := ValidateName(ns); err != nil {
			closeAll(connectors)
			return nil, err
		}
		client, err := mcp.NewClientFromConfig(ns, conn, logger)
		if err != nil {
			closeAll(connectors)
			return nil, err
		}
		connectors[ns] = client
	}
	return connectors, nil
}

// ValidateName checks a namespace name.
func ValidateName(ns string) error {
	if ns == "" {
		return fmt.Errorf("namespace name cannot be empty")
	}
	for _, sep := range []string{toolexecutor.NamespaceSeparator, cache.KeySeparator} {
		if strings.Contains(ns, sep) {
			return fmt.Errorf("namespace name %q cannot contain %q", ns, sep)
		}
	}
	return nil
}

// Namespaces returns the registered namespace names, sorted.
func (r *Registry) Namespaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.connectors))
	for ns := range r.connectors {
		names = append(names, ns)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) connector(ns string) Connector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connectors[ns]
}

type resolution struct {
	namespace string
	tools     []mcp.ToolDefinition
	err       error
}

// Catalog resolves every namespace concurrently and returns the merged,
// qualified tool list. Failing namespaces are handled by the failure policy:
// they are listed in Snapshot.Unavailable, or the whole call fails with an
// *UnavailableError.
func (r *Registry) Catalog(ctx context.Context) (*Snapshot, error) {
	r.mu.RLock()
	names := make([]string, 0, len(r.connectors))
	conns := make(map[string]Connector, len(r.connectors))
	for ns, conn := range r.connectors {
		names = append(names, ns)
		conns[ns] = conn
	}
	r.mu.RUnlock()
	sort.Strings(names)

	snap := &Snapshot{Tools: []toolexecutor.ToolSpec{}, Unavailable: map[string]error{}}
	if len(names) == 0 {
		return snap, nil
	}

	mapper := iter.Mapper[string, resolution]{MaxGoroutines: len(names)}
	resolved := mapper.Map(names, func(ns *string) resolution {
		tools, err := r.resolve(ctx, *ns, conns[*ns])
		return resolution{namespace: *ns, tools: tools, err: err}
	})

	for _, res := range resolved {
		if res.err != nil {
			r.logger.Warn().
				Str("namespace", res.namespace).
				Err(res.err).
				Msg("Namespace unavailable")
			snap.Unavailable[res.namespace] = res.err
			continue
		}
		for _, def := range res.tools {
			snap.Tools = append(snap.Tools, qualify(res.namespace, def))
		}
	}
	sort.Slice(snap.Tools, func(i, j int) bool { return snap.Tools[i].Name < snap.Tools[j].Name })

	r.metrics.SetUnavailableNamespaces(len(snap.Unavailable))

	if err := r.policy.enforce(snap.Unavailable, r.required); err != nil {
		return nil, err
	}
	return snap, nil
}

// resolve returns a namespace's unqualified tool definitions, from the
// manifest cache when possible.
func (r *Registry) resolve(ctx context.Context, ns string, conn Connector) ([]mcp.ToolDefinition, error) {
	key := cache.ManifestKey(ns)

	if data, ok := r.cacheGet(ctx, "manifest", key); ok {
		var defs []mcp.ToolDefinition
		if err := json.Unmarshal(data, &defs); err == nil {
			r.metrics.RecordNamespaceFetch(ns, "cache")
			if !r.hasSchemas(ns) {
				r.compileSchemas(ns, defs)
			}
			return defs, nil
		}
		r.logger.Warn().Str("namespace", ns).Msg("Discarding corrupt manifest cache entry")
	}

	if err := conn.Open(ctx); err != nil {
		r.metrics.RecordNamespaceFetch(ns, "failed")
		return nil, err
	}
	defs, err := conn.ListTools(ctx)
	if err != nil {
		r.metrics.RecordNamespaceFetch(ns, "failed")
		return nil, err
	}
	if defs == nil {
		defs = []mcp.ToolDefinition{}
	}
	r.metrics.RecordNamespaceFetch(ns, "remote")
	r.compileSchemas(ns, defs)

	data, err := json.Marshal(defs)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	r.cacheSet(ctx, key, data, r.manifestTTL)

	r.logger.Debug().
		Str("namespace", ns).
		Int("tools", len(defs)).
		Msg("Namespace manifest fetched")

	return defs, nil
}

// compileSchemas keeps argument schemas for a namespace's tools. Schemas the
// validator cannot compile are skipped and those tools go unvalidated.
func (r *Registry) compileSchemas(ns string, defs []mcp.ToolDefinition) {
	compiled := make(map[string]*gojsonschema.Schema, len(defs))
	for _, def := range defs {
		if len(def.InputSchema) == 0 {
			continue
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def.InputSchema))
		if err != nil {
			r.logger.Debug().Str("tool", qualifiedName(ns, def.Name)).Err(err).Msg("Skipping uncompilable input schema")
			continue
		}
		compiled[qualifiedName(ns, def.Name)] = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	prefix := ns + toolexecutor.NamespaceSeparator
	for name := range r.schemas {
		if strings.HasPrefix(name, prefix) {
			delete(r.schemas, name)
		}
	}
	for name, schema := range compiled {
		r.schemas[name] = schema
	}
	r.compiled[ns] = true
}

func (r *Registry) hasSchemas(ns string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.compiled[ns]
}

// Invoke calls a tool on its namespace. Failures come back as IsError
// results naming the namespace.
func (r *Registry) Invoke(ctx context.Context, ns, tool string, args map[string]any, opts toolexecutor.InvokeOptions) toolexecutor.ToolResult {
	name := qualifiedName(ns, tool)

	conn := r.connector(ns)
	if conn == nil {
		return toolexecutor.ErrorResult(name, fmt.Sprintf("namespace '%s' is not registered", ns))
	}
	if args == nil {
		args = map[string]any{}
	}

	if err := r.validateArguments(name, args); err != nil {
		return toolexecutor.ErrorResult(name, fmt.Sprintf("invalid arguments for tool '%s': %v", name, err))
	}

	var key string
	if r.resultCaching && !opts.BypassCache {
		hash, err := cache.HashArguments(args)
		if err != nil {
			r.logger.Warn().Str("tool", name).Err(err).Msg("Cannot hash arguments, skipping result cache")
		} else {
			key = cache.ResultKey(ns, tool, hash)
			if data, ok := r.cacheGet(ctx, "result", key); ok {
				return toolexecutor.ToolResult{Name: name, Content: string(data), Cached: true}
			}
		}
	}

	if err := conn.Open(ctx); err != nil {
		return toolexecutor.ErrorResult(name, fmt.Sprintf("namespace '%s' unreachable: %v", ns, err))
	}
	res, err := conn.CallTool(ctx, tool, args)
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, r.logger)
		logger.Warn().Str("namespace", ns).Err(err).Msg("Remote tool call failed")
		return toolexecutor.ErrorResult(name, fmt.Sprintf("namespace '%s' unreachable: %v", ns, err))
	}

	result := toolexecutor.ToolResult{Name: name, Content: res.Content, IsError: res.IsError}
	if key != "" && !res.IsError {
		r.cacheSet(ctx, key, []byte(res.Content), r.resultTTL)
	}
	return result
}

func (r *Registry) validateArguments(name string, args map[string]any) error {
	r.mu.RLock()
	schema := r.schemas[name]
	r.mu.RUnlock()
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		// The schema is the server's business; let the server judge.
		return nil
	}
	if result.Valid() {
		return nil
	}
	errs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		errs = append(errs, e.String())
	}
	return errors.New(strings.Join(errs, "; "))
}

// Refresh drops a namespace's cached manifest and fetches it again.
func (r *Registry) Refresh(ctx context.Context, ns string) error {
	conn := r.connector(ns)
	if conn == nil {
		return fmt.Errorf("namespace '%s' is not registered", ns)
	}
	if err := r.cache.Delete(ctx, cache.ManifestKey(ns)); err != nil {
		r.logger.Warn().Str("namespace", ns).Err(err).Msg("Failed to drop manifest cache entry")
	}
	_, err := r.resolve(ctx, ns, conn)
	return err
}

// RefreshAll refreshes every namespace and returns the failures.
func (r *Registry) RefreshAll(ctx context.Context) map[string]error {
	failures := make(map[string]error)
	for _, ns := range r.Namespaces() {
		if err := r.Refresh(ctx, ns); err != nil {
			failures[ns] = err
		}
	}
	return failures
}

// Reload replaces the registered connectors. Connectors no longer present,
// or replaced under the same name, are closed and their manifests and
// cached results dropped.
func (r *Registry) Reload(ctx context.Context, connectors map[string]Connector) error {
	for ns := range connectors {
		if err := ValidateName(ns); err != nil {
			return err
		}
	}

	r.mu.Lock()
	old := r.connectors
	r.connectors = make(map[string]Connector, len(connectors))
	for ns, conn := range connectors {
		r.connectors[ns] = conn
	}
	r.mu.Unlock()

	for ns, conn := range old {
		if next, ok := connectors[ns]; ok && next == conn {
			continue
		}
		if err := conn.Close(); err != nil {
			r.logger.Warn().Str("namespace", ns).Err(err).Msg("Failed to close namespace connector")
		}
		r.mu.Lock()
		delete(r.compiled, ns)
		r.mu.Unlock()
		r.dropCached(ctx, ns)
	}
	for ns := range connectors {
		if _, existed := old[ns]; !existed {
			r.dropCached(ctx, ns)
		}
	}

	r.logger.Info().Int("namespaces", len(connectors)).Msg("Namespace registry reloaded")
	return nil
}

// dropCached forgets the manifest and every cached result of ns, so a
// namespace pointed at a different server never serves the old one's data.
func (r *Registry) dropCached(ctx context.Context, ns string) {
	if err := r.cache.Delete(ctx, cache.ManifestKey(ns)); err != nil {
		r.logger.Warn().Str("namespace", ns).Err(err).Msg("Failed to drop manifest cache entry")
	}
	if err := r.cache.DeletePrefix(ctx, cache.ResultPrefix(ns)); err != nil {
		r.logger.Warn().Str("namespace", ns).Err(err).Msg("Failed to drop cached results")
	}
}

// Resources lists MCP resources for one namespace, or for every namespace
// that serves them when ns is empty.
func (r *Registry) Resources(ctx context.Context, ns string) (map[string][]mcp.Resource, error) {
	names := r.Namespaces()
	if ns != "" {
		if r.connector(ns) == nil {
			return nil, fmt.Errorf("namespace '%s' is not registered", ns)
		}
		names = []string{ns}
	}

	out := make(map[string][]mcp.Resource)
	for _, name := range names {
		rc, ok := r.connector(name).(ResourceConnector)
		if !ok {
			continue
		}
		if err := rc.Open(ctx); err != nil {
			if ns != "" {
				return nil, err
			}
			r.logger.Warn().Str("namespace", name).Err(err).Msg("Skipping namespace resources")
			continue
		}
		resources, err := rc.ListResources(ctx)
		if err != nil {
			if ns != "" {
				return nil, err
			}
			r.logger.Warn().Str("namespace", name).Err(err).Msg("Skipping namespace resources")
			continue
		}
		out[name] = resources
	}
	return out, nil
}

// ReadResource reads one resource from a namespace.
func (r *Registry) ReadResource(ctx context.Context, ns, uri string) ([]mcp.ResourceContents, error) {
	rc, ok := r.connector(ns).(ResourceConnector)
	if !ok {
		return nil, fmt.Errorf("namespace '%s' does not serve resources", ns)
	}
	if err := rc.Open(ctx); err != nil {
		return nil, err
	}
	return rc.ReadResource(ctx, uri)
}

// Prompts lists prompt templates for one namespace, or for every namespace
// that serves them when ns is empty.
func (r *Registry) Prompts(ctx context.Context, ns string) (map[string][]mcp.Prompt, error) {
	names := r.Namespaces()
	if ns != "" {
		if r.connector(ns) == nil {
			return nil, fmt.Errorf("namespace '%s' is not registered", ns)
		}
		names = []string{ns}
	}

	out := make(map[string][]mcp.Prompt)
	for _, name := range names {
		pc, ok := r.connector(name).(PromptConnector)
		if !ok {
			continue
		}
		prompts, err := r.listPrompts(ctx, pc)
		if err != nil {
			if ns != "" {
				return nil, err
			}
			r.logger.Warn().Str("namespace", name).Err(err).Msg("Skipping namespace prompts")
			continue
		}
		out[name] = prompts
	}
	return out, nil
}

func (r *Registry) listPrompts(ctx context.Context, pc PromptConnector) ([]mcp.Prompt, error) {
	if err := pc.Open(ctx); err != nil {
		return nil, err
	}
	return pc.ListPrompts(ctx)
}

// GetPrompt renders one prompt template from a namespace.
func (r *Registry) GetPrompt(ctx context.Context, ns, name string, args map[string]string) (*mcp.PromptResult, error) {
	pc, ok := r.connector(ns).(PromptConnector)
	if !ok {
		return nil, fmt.Errorf("namespace '%s' does not serve prompts", ns)
	}
	if err := pc.Open(ctx); err != nil {
		return nil, err
	}
	return pc.GetPrompt(ctx, name, args)
}

// Ping health-checks every namespace that has resolved at least once and
// returns the failures. Namespaces never resolved are skipped so a health
// check does not start idle servers.
func (r *Registry) Ping(ctx context.Context) map[string]error {
	failures := make(map[string]error)
	for _, ns := range r.Namespaces() {
		pc, ok := r.connector(ns).(PingConnector)
		if !ok || !r.hasSchemas(ns) {
			continue
		}
		err := pc.Ping(ctx)
		r.metrics.RecordNamespacePing(ns, err)
		if err != nil {
			failures[ns] = err
		}
	}
	return failures
}

// Close closes every connector, and the cache when the registry created it.
func (r *Registry) Close() error {
	r.mu.Lock()
	conns := r.connectors
	r.connectors = map[string]Connector{}
	r.mu.Unlock()

	var errs []error
	for ns, conn := range conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close namespace %s: %w", ns, err))
		}
	}
	if r.ownsCache {
		if err := r.cache.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) cacheGet(ctx context.Context, kind, key string) ([]byte, bool) {
	data, ok, err := r.cache.Get(ctx, key)
	switch {
	case err != nil:
		r.logger.Warn().Str("key", key).Err(err).Msg("Cache read failed, treating as miss")
		r.metrics.RecordCacheLookup(kind, "error")
		return nil, false
	case !ok:
		r.metrics.RecordCacheLookup(kind, "miss")
		return nil, false
	}
	r.metrics.RecordCacheLookup(kind, "hit")
	return data, true
}

func (r *Registry) cacheSet(ctx context.Context, key string, data []byte, ttl time.Duration) {
	if err := r.cache.Set(ctx, key, data, ttl); err != nil {
		r.logger.Warn().Str("key", key).Err(err).Msg("Cache write failed")
	}
}

func qualifiedName(ns, tool string) string {
	return ns + toolexecutor.NamespaceSeparator + tool
}

func qualify(ns string, def mcp.ToolDefinition) toolexecutor.ToolSpec {
	params := def.InputSchema
	if len(params) == 0 {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return toolexecutor.ToolSpec{
		Name:        qualifiedName(ns, def.Name),
		Description: def.Description,
		Parameters:  params,
		Origin:      toolexecutor.ToolOrigin{Kind: toolexecutor.OriginRemote, Namespace: ns},
	}
}

func closeAll(connectors map[string]Connector) {
	for _, conn := range connectors {
		_ = conn.Close()
	}
}
