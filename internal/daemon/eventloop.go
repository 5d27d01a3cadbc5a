package daemon

import (
	"context"
	"time"

	"github.com/harun/toolmesh/pkg/cache"
)

const (
	// DefaultMaintenanceInterval is the period of the maintenance tasks.
	DefaultMaintenanceInterval = 30 * time.Second
	// DefaultPingTimeout bounds one round of namespace health pings.
	DefaultPingTimeout = 5 * time.Second
)

// purger is implemented by cache backends that keep expired rows on disk.
type purger interface {
	Purge(ctx context.Context) (int64, error)
}

var _ purger = (*cache.SQLite)(nil)

// EventLoop runs periodic maintenance while the daemon is up
type EventLoop struct {
	daemon      *Daemon
	interval    time.Duration
	pingTimeout time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:      d,
		interval:    DefaultMaintenanceInterval,
		pingTimeout: DefaultPingTimeout,
	}
}

// Run runs the event loop until ctx is cancelled
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.logger.Info().Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.daemon.logger.Info().Msg("Event loop stopping")
			return

		case <-ticker.C:
			e.processTasks(ctx)
		}
	}
}

// processTasks purges expired cache rows, pings live namespaces and logs
// namespace health
func (e *EventLoop) processTasks(ctx context.Context) {
	if p, ok := e.daemon.cache.(purger); ok {
		removed, err := p.Purge(ctx)
		if err != nil {
			e.daemon.logger.Warn().Err(err).Msg("Cache purge failed")
		} else if removed > 0 {
			e.daemon.logger.Debug().Int64("removed", removed).Msg("Purged expired cache entries")
		}
	}

	pingCtx, cancel := context.WithTimeout(ctx, e.pingTimeout)
	failures := e.daemon.registry.Ping(pingCtx)
	cancel()
	for ns, err := range failures {
		e.daemon.logger.Warn().
			Str("namespace", ns).
			Err(err).
			Msg("Namespace health ping failed")
		if e.daemon.gatewayServer != nil {
			e.daemon.gatewayServer.Broadcast(EventNamespaceUnhealthy, map[string]interface{}{
				"namespace": ns,
				"error":     err.Error(),
			})
		}
	}

	if unavailable := e.daemon.catalog.Unavailable(); len(unavailable) > 0 {
		e.daemon.logger.Debug().
			Strs("namespaces", unavailable).
			Msg("Namespaces unavailable")
	}
}
