package gateway

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

const (
	// broadcastWriteTimeout bounds one client's write so a stalled
	// connection cannot hold up an event for everyone else.
	broadcastWriteTimeout = 5 * time.Second

	broadcastFanout = 16
)

// EventBroadcaster pushes server events (namespaces.reloaded,
// namespace.unhealthy, server.shutdown) to every authenticated client.
// The frame is encoded once and written to clients concurrently; a client
// whose write fails or times out is disconnected.
type EventBroadcaster struct {
	clients      *ClientRegistry
	logger       zerolog.Logger
	writeTimeout time.Duration
	seq          atomic.Int64
}

func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients:      clients,
		logger:       logger,
		writeTimeout: broadcastWriteTimeout,
	}
}

// Broadcast sends an event and returns how many clients received it.
func (b *EventBroadcaster) Broadcast(event string, payload interface{}) int {
	seq := b.seq.Add(1)
	logger := b.logger.With().Str("event", event).Int64("seq", seq).Logger()

	data, err := json.Marshal(EventMessage{
		Type:      FrameEvent,
		Event:     event,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
		Seq:       seq,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to encode event")
		return 0
	}

	clients := b.clients.Clients(true)
	if len(clients) == 0 {
		logger.Debug().Msg("No clients to broadcast to")
		return 0
	}

	var delivered, dropped atomic.Int64
	p := pool.New().WithMaxGoroutines(broadcastFanout)
	for _, client := range clients {
		client := client
		p.Go(func() {
			err := client.WriteMessage(websocket.TextMessage, data, time.Now().Add(b.writeTimeout))
			if err == nil {
				delivered.Add(1)
				return
			}
			dropped.Add(1)
			logger.Warn().Err(err).Str("clientId", client.ID).Msg("Dropping client that missed a broadcast")
			// the read loop sees the close and unregisters the client
			_ = client.Conn.Close()
		})
	}
	p.Wait()

	logger.Debug().
		Int64("delivered", delivered.Load()).
		Int64("dropped", dropped.Load()).
		Msg("Event broadcast")
	return int(delivered.Load())
}
