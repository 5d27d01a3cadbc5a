package namespace

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	// DefaultRefreshSchedule re-fetches manifests twice an hour, well inside
	// DefaultManifestTTL.
	DefaultRefreshSchedule = "@every 30m"
	// DefaultRefreshTimeout bounds one refresh pass.
	DefaultRefreshTimeout = 2 * time.Minute
)

// RefresherConfig configures a Refresher.
type RefresherConfig struct {
	// Schedule is a 5-field cron expression or a descriptor such as "@every 30m".
	Schedule string
	// Timeout bounds one refresh pass. Zero means DefaultRefreshTimeout.
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Refresher keeps namespace manifests warm by refreshing them on a schedule.
type Refresher struct {
	registry *Registry
	cron     *cron.Cron
	entry    cron.EntryID
	schedule string
	timeout  time.Duration
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running bool
	lastRun time.Time
	lastErr map[string]error
}

// NewRefresher creates a stopped Refresher for registry.
func NewRefresher(registry *Registry, cfg RefresherConfig) (*Refresher, error) {
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = DefaultRefreshSchedule
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultRefreshTimeout
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid refresh schedule: %w", err)
	}

	cronLogger := cronLog{logger: cfg.Logger}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	r := &Refresher{
		registry: registry,
		cron:     c,
		schedule: schedule,
		timeout:  timeout,
		logger:   cfg.Logger,
		ctx:      ctx,
		cancel:   cancel,
	}

	id, err := c.AddFunc(schedule, func() { r.RunOnce(r.ctx) })
	if err != nil {
		cancel()
		return nil, fmt.Errorf("schedule refresh: %w", err)
	}
	r.entry = id

	return r, nil
}

// Start begins the schedule. Calling Start twice is a no-op.
func (r *Refresher) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.cron.Start()

	r.logger.Info().
		Str("schedule", r.schedule).
		Time("next_run", r.cron.Entry(r.entry).Next).
		Msg("Namespace refresher started")
}

// Stop halts the schedule, cancels an in-flight pass and waits for it.
func (r *Refresher) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.cancel()
	<-r.cron.Stop().Done()
	r.logger.Info().Msg("Namespace refresher stopped")
}

// RunOnce refreshes every namespace now and returns the failures.
func (r *Refresher) RunOnce(ctx context.Context) map[string]error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	failures := r.registry.RefreshAll(ctx)

	r.mu.Lock()
	r.lastRun = start
	r.lastErr = failures
	r.mu.Unlock()

	event := r.logger.Info()
	if len(failures) > 0 {
		event = r.logger.Warn()
		for ns, err := range failures {
			event = event.AnErr(ns, err)
		}
	}
	event.
		Int("failed", len(failures)).
		Dur("duration", time.Since(start)).
		Msg("Namespace manifests refreshed")

	return failures
}

// NextRun returns when the next scheduled refresh fires. It is zero until
// Start is called.
func (r *Refresher) NextRun() time.Time {
	return r.cron.Entry(r.entry).Next
}

// LastRun returns when the last pass started and which namespaces failed.
func (r *Refresher) LastRun() (time.Time, map[string]error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRun, r.lastErr
}

// cronLog routes cron's internal logging to zerolog.
type cronLog struct {
	logger zerolog.Logger
}

func (l cronLog) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLog) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
