package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/toolmesh/internal/config"
	"github.com/harun/toolmesh/internal/logger"
	"github.com/harun/toolmesh/internal/metrics"
	"github.com/harun/toolmesh/internal/observability"
	"github.com/harun/toolmesh/internal/tracing"
	"github.com/harun/toolmesh/pkg/agent"
	"github.com/harun/toolmesh/pkg/cache"
	"github.com/harun/toolmesh/pkg/coretools"
	"github.com/harun/toolmesh/pkg/gateway"
	"github.com/harun/toolmesh/pkg/mcp"
	"github.com/harun/toolmesh/pkg/namespace"
	"github.com/harun/toolmesh/pkg/toolexecutor"
)

// Events broadcast to gateway clients.
const (
	// EventNamespacesReloaded follows a config reload that replaced the
	// namespace connectors.
	EventNamespacesReloaded = "namespaces.reloaded"
	// EventNamespaceUnhealthy reports a live namespace that failed its
	// health ping.
	EventNamespaceUnhealthy = "namespace.unhealthy"
)

// Daemon owns every runtime component and their lifecycle.
type Daemon struct {
	config     *config.Config
	configPath string
	logger     *logger.Logger
	metrics    *metrics.Metrics
	audit      *observability.AuditLogger

	// Core modules
	cache    cache.Cache
	registry *namespace.Registry
	catalog  *toolexecutor.Catalog
	provider agent.LLMProvider
	loop     *agent.Loop

	// Services
	refresher     *namespace.Refresher
	gatewayServer *gateway.Server
	watcher       *config.Watcher
	lifecycle     *LifecycleManager
	eventLoop     *EventLoop

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	running   bool
	closed    bool
	startTime time.Time
}

// Status represents daemon status
type Status struct {
	Running     bool          `json:"running"`
	Uptime      time.Duration `json:"uptime"`
	StartTime   time.Time     `json:"start_time"`
	Namespaces  []string      `json:"namespaces"`
	Unavailable []string      `json:"unavailable"`
	LocalTools  int           `json:"local_tools"`
	GatewayAddr string        `json:"gateway_addr,omitempty"`
	Clients     int           `json:"clients"`
}

// Option customizes daemon construction.
type Option func(*options)

type options struct {
	provider   agent.LLMProvider
	connectors map[string]namespace.Connector
	configPath string
}

// WithProvider replaces the provider built from the config.
func WithProvider(p agent.LLMProvider) Option {
	return func(o *options) { o.provider = p }
}

// WithConnectors replaces the connectors built from the namespace config.
func WithConnectors(connectors map[string]namespace.Connector) Option {
	return func(o *options) { o.connectors = connectors }
}

// WithConfigPath enables hot reload of the given config file.
func WithConfigPath(path string) Option {
	return func(o *options) { o.configPath = path }
}

// New creates a new daemon instance. Namespaces are not contacted until
// the first catalog resolution.
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		config:     cfg,
		configPath: o.configPath,
		logger:     log,
		metrics:    metrics.NewMetrics(),
		ctx:        ctx,
		cancel:     cancel,
	}

	if err := tracing.Init(cfg.Tracing); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	if err := d.initializeCoreModules(o); err != nil {
		d.closeCore()
		cancel()
		return nil, err
	}
	if err := d.initializeServices(); err != nil {
		d.closeCore()
		cancel()
		return nil, err
	}

	return d, nil
}

func (d *Daemon) initializeCoreModules(o options) error {
	cfg := d.config
	zl := d.logger.GetZerolog()

	cacheCfg := cfg.CacheOptions()
	cacheCfg.Logger = zl
	c, err := cache.Open(d.ctx, cacheCfg)
	if err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}
	d.cache = c

	policy, err := namespace.ParseFailurePolicy(cfg.Registry.FailurePolicy)
	if err != nil {
		return err
	}
	regCfg := namespace.Config{
		Cache:         d.cache,
		ManifestTTL:   time.Duration(cfg.Registry.ManifestTTL) * time.Second,
		ResultTTL:     time.Duration(cfg.Registry.ResultTTL) * time.Second,
		ResultCaching: cfg.Registry.ResultCaching,
		Policy:        policy,
		Required:      cfg.RequiredNamespaces(),
		Logger:        zl,
		Metrics:       d.metrics,
	}
	if o.connectors != nil {
		regCfg.Connectors = o.connectors
		d.registry, err = namespace.New(regCfg)
	} else {
		var connections map[string]mcp.ConnectionConfig
		if connections, err = cfg.Connections(); err != nil {
			return err
		}
		d.registry, err = namespace.FromConfig(connections, regCfg)
	}
	if err != nil {
		return fmt.Errorf("failed to create namespace registry: %w", err)
	}

	d.catalog = toolexecutor.New(toolexecutor.Config{
		Remote:         d.registry,
		Policy:         cfg.ToolPolicy(),
		Timeout:        time.Duration(cfg.Tools.Timeout) * time.Second,
		MaxOutputBytes: cfg.Tools.MaxOutputBytes,
		MaxConcurrency: cfg.Tools.MaxConcurrency,
		Logger:         zl,
		Metrics:        d.metrics,
	})
	if cfg.Tools.Builtin {
		if err := coretools.RegisterCoreTools(d.catalog, coretools.Options{
			Resources: d.registry,
			Prompts:   d.registry,
		}); err != nil {
			return fmt.Errorf("failed to register core tools: %w", err)
		}
	}

	d.provider = o.provider
	if d.provider == nil {
		factory := &agent.ProviderFactory{}
		if d.provider, err = factory.NewProvider(cfg.ProviderOptions()); err != nil {
			return fmt.Errorf("failed to create provider: %w", err)
		}
	}
	if cfg.Provider.ResponseCache {
		d.provider = agent.NewCachingProvider(d.provider, agent.CachingConfig{
			Cache:   d.cache,
			TTL:     time.Duration(cfg.Provider.ResponseTTL) * time.Second,
			Logger:  zl,
			Metrics: d.metrics,
		})
	}

	d.loop, err = agent.New(agent.Config{
		Provider:      d.provider,
		Catalog:       d.catalog,
		Model:         cfg.Agent.Model,
		SystemPrompt:  cfg.Agent.SystemPrompt,
		MaxIterations: cfg.Agent.MaxIterations,
		Temperature:   cfg.Agent.Temperature,
		MaxTokens:     cfg.Agent.MaxTokens,
		MaxRetries:    cfg.Agent.MaxRetries,
		Logger:        zl,
		Metrics:       d.metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent loop: %w", err)
	}

	d.logger.Info().
		Str("provider", d.provider.Provider()).
		Str("model", cfg.Agent.Model).
		Int("namespaces", len(d.registry.Namespaces())).
		Int("local_tools", d.catalog.LocalToolCount()).
		Msg("Core modules initialized")

	return nil
}

func (d *Daemon) initializeServices() error {
	cfg := d.config
	zl := d.logger.GetZerolog()

	if cfg.AuditFile != "" {
		audit, err := observability.OpenAuditLogger(cfg.AuditFile)
		if err != nil {
			return err
		}
		d.audit = audit
	}

	refresher, err := namespace.NewRefresher(d.registry, namespace.RefresherConfig{
		Schedule: cfg.Registry.RefreshSchedule,
		Logger:   zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create namespace refresher: %w", err)
	}
	d.refresher = refresher

	d.gatewayServer, err = gateway.NewServer(gateway.Config{
		Host:         cfg.Gateway.Host,
		Port:         cfg.Gateway.Port,
		SharedSecret: cfg.Gateway.SharedSecret,
		Invoker:      d.loop,
		Tools:        d.catalog,
		Metrics:      d.metrics,
		Audit:        d.audit,
		Logger:       zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}

	if d.configPath != "" {
		d.watcher, err = config.NewWatcher(config.WatcherConfig{
			Path:     d.configPath,
			OnReload: d.Reload,
			Logger:   zl,
		})
		if err != nil {
			return fmt.Errorf("failed to create config watcher: %w", err)
		}
	}

	d.lifecycle = NewLifecycleManager(d)
	d.eventLoop = NewEventLoop(d)
	return nil
}

// Start starts the daemon services. The manifests are warmed before the
// gateway accepts requests; namespaces that fail stay unavailable until a
// later refresh succeeds.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("daemon is closed")
	}
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Starting toolmesh daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	failures := d.refresher.RunOnce(tracing.WithTraceID(d.ctx, traceID))
	for ns, err := range failures {
		logger.Warn().Str("namespace", ns).Err(err).Msg("Namespace unavailable at startup")
	}
	d.refresher.Start()

	if err := d.gatewayServer.Start(); err != nil {
		d.refresher.Stop()
		_ = d.lifecycle.Stop()
		d.setStopped()
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	logger.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			logger.Warn().Err(err).Msg("Config hot reload disabled")
		} else {
			logger.Info().Str("path", d.configPath).Msg("Config watcher started")
		}
	}

	go d.eventLoop.Run(d.ctx)

	logger.Info().Msg("toolmesh daemon started")
	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop stops the daemon services and releases the core modules.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Stopping toolmesh daemon")

	var errs []error
	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop config watcher")
			errs = append(errs, err)
		}
	}

	if err := d.gatewayServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop gateway server")
		errs = append(errs, err)
	}

	d.refresher.Stop()

	if err := d.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close core modules")
		errs = append(errs, err)
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
		errs = append(errs, err)
	}

	logger.Info().Msg("toolmesh daemon stopped")
	return errors.Join(errs...)
}

// Close releases the namespace connectors, the cache and the tracer. It
// is the teardown for a daemon that was never started; Stop calls it.
func (d *Daemon) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	err := d.closeCore()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if terr := tracing.Shutdown(shutdownCtx); terr != nil {
		err = errors.Join(err, terr)
	}
	return err
}

func (d *Daemon) closeCore() error {
	var errs []error
	if d.registry != nil {
		if err := d.registry.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.cache != nil {
		if err := d.cache.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := d.audit.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Reload applies a changed config. Namespace connectors are rebuilt and the
// log level follows the new config; provider, agent and gateway settings
// apply on restart.
func (d *Daemon) Reload(cfg *config.Config) {
	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()

	connections, err := cfg.Connections()
	if err != nil {
		logger.Error().Err(err).Msg("Reload rejected")
		return
	}
	connectors, err := namespace.BuildConnectors(connections, d.logger.GetZerolog())
	if err != nil {
		logger.Error().Err(err).Msg("Reload rejected")
		return
	}
	if err := d.registry.Reload(d.ctx, connectors); err != nil {
		logger.Error().Err(err).Msg("Failed to reload namespaces")
		return
	}

	if err := d.logger.SetLevel(cfg.Logging.Level); err != nil {
		logger.Warn().Err(err).Msg("Keeping previous log level")
	}
	d.logger.AddSecrets(cfg.Secrets()...)

	d.mu.Lock()
	previous := d.config
	d.config = cfg
	d.mu.Unlock()

	if previous.Provider != cfg.Provider || previous.Agent != cfg.Agent || previous.Gateway != cfg.Gateway {
		logger.Warn().Msg("Provider, agent and gateway changes apply on restart")
	}

	namespaces := d.registry.Namespaces()
	d.audit.RecordConfig(tracing.WithTraceID(d.ctx, traceID), "reload", map[string]interface{}{
		"namespaces": namespaces,
	})
	if d.gatewayServer != nil {
		d.gatewayServer.Broadcast(EventNamespacesReloaded, map[string]interface{}{
			"namespaces": namespaces,
		})
	}
	logger.Info().Strs("namespaces", namespaces).Msg("Namespaces reloaded")
}

// Status returns the current daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	running := d.running
	startTime := d.startTime
	d.mu.RUnlock()

	status := Status{
		Running:     running,
		Namespaces:  d.registry.Namespaces(),
		Unavailable: d.catalog.Unavailable(),
		LocalTools:  d.catalog.LocalToolCount(),
	}

	if running {
		status.Uptime = time.Since(startTime)
		status.StartTime = startTime
		status.GatewayAddr = d.gatewayServer.Addr()
		status.Clients = len(d.gatewayServer.GetConnectedClients())
	}

	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon. SIGHUP
// rotates the log file and keeps waiting.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	for sig == syscall.SIGHUP {
		if err := d.logger.Rotate(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to rotate log file")
		} else {
			d.logger.Info().Msg("Log file rotated")
		}
		sig = <-sigChan
	}
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}

// GetLogger returns the daemon logger
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

// Loop returns the agent loop.
func (d *Daemon) Loop() *agent.Loop {
	return d.loop
}

// Catalog returns the tool catalog.
func (d *Daemon) Catalog() *toolexecutor.Catalog {
	return d.catalog
}

// Registry returns the namespace registry.
func (d *Daemon) Registry() *namespace.Registry {
	return d.registry
}

// Gateway returns the gateway server.
func (d *Daemon) Gateway() *gateway.Server {
	return d.gatewayServer
}

// Metrics returns the process metrics.
func (d *Daemon) Metrics() *metrics.Metrics {
	return d.metrics
}
