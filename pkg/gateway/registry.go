package gateway

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// idleAfter marks a connection idle in ClientInfo.
const idleAfter = 5 * time.Minute

var (
	// ErrUnknownClient is returned for a connection that already left.
	ErrUnknownClient = errors.New("unknown client")

	// ErrDuplicateInvocation is returned when a client reuses the id of an
	// invocation still in flight; their frames could not be told apart.
	ErrDuplicateInvocation = errors.New("an invocation with this id is already in flight")
)

// Outcome is how a WebSocket invocation ended.
type Outcome string

const (
	OutcomeFinished  Outcome = "finished"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Invocation is one WebSocket invocation in flight on a connection.
type Invocation struct {
	ID        string    `json:"id,omitempty"`
	TraceID   string    `json:"trace_id"`
	StartedAt time.Time `json:"started_at"`

	cancel context.CancelFunc
}

// clientEntry is a connection plus what it is running.
type clientEntry struct {
	client *Client

	// keyed by trace id; request ids are optional and client-chosen
	invocations map[string]*Invocation
	completed   int
	failed      int
	cancelled   int
	lastTraceID string
}

// ClientRegistry tracks the gateway's WebSocket connections and the
// invocations each one has in flight.
type ClientRegistry struct {
	mu      sync.RWMutex
	entries map[string]*clientEntry
}

func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		entries: make(map[string]*clientEntry),
	}
}

func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[client.ID] = &clientEntry{
		client:      client,
		invocations: make(map[string]*Invocation),
	}
}

// Remove forgets a connection and cancels whatever it still had running.
func (r *ClientRegistry) Remove(clientID string) {
	r.mu.Lock()
	entry, ok := r.entries[clientID]
	delete(r.entries, clientID)
	r.mu.Unlock()

	if !ok {
		return
	}
	for _, inv := range entry.invocations {
		if inv.cancel != nil {
			inv.cancel()
		}
	}
}

func (r *ClientRegistry) Get(clientID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[clientID]
	if !ok {
		return nil, false
	}
	return entry.client, true
}

// Clients returns every connection; with authenticatedOnly, only those
// that passed the challenge.
func (r *ClientRegistry) Clients(authenticatedOnly bool) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.entries))
	for _, entry := range r.entries {
		if authenticatedOnly && !entry.client.Authenticated {
			continue
		}
		clients = append(clients, entry.client)
	}
	return clients
}

func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}

// Touch records activity on a connection.
func (r *ClientRegistry) Touch(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[clientID]; ok {
		entry.client.LastActivity = time.Now()
	}
}

// BeginInvocation records an invocation starting on a connection. cancel
// aborts it; CancelInvocation and Remove call it.
func (r *ClientRegistry) BeginInvocation(clientID, requestID, traceID string, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[clientID]
	if !ok {
		return ErrUnknownClient
	}
	if requestID != "" && entry.byRequestID(requestID) != nil {
		return ErrDuplicateInvocation
	}

	entry.invocations[traceID] = &Invocation{
		ID:        requestID,
		TraceID:   traceID,
		StartedAt: time.Now(),
		cancel:    cancel,
	}
	entry.lastTraceID = traceID
	return nil
}

// EndInvocation records how an invocation ended. It is a no-op once the
// connection is gone.
func (r *ClientRegistry) EndInvocation(clientID, traceID string, outcome Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[clientID]
	if !ok {
		return
	}
	if _, running := entry.invocations[traceID]; !running {
		return
	}
	delete(entry.invocations, traceID)

	switch outcome {
	case OutcomeFinished:
		entry.completed++
	case OutcomeCancelled:
		entry.cancelled++
	default:
		entry.failed++
	}
}

// CancelInvocation aborts the in-flight invocation a client started with
// requestID. It reports whether there was one.
func (r *ClientRegistry) CancelInvocation(clientID, requestID string) bool {
	if requestID == "" {
		return false
	}

	r.mu.RLock()
	var inv *Invocation
	if entry, ok := r.entries[clientID]; ok {
		inv = entry.byRequestID(requestID)
	}
	r.mu.RUnlock()

	if inv == nil {
		return false
	}
	if inv.cancel != nil {
		inv.cancel()
	}
	return true
}

// GetConnectedClients reports every connection with its invocations,
// oldest first.
func (r *ClientRegistry) GetConnectedClients() []ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	infos := make([]ClientInfo, 0, len(r.entries))

	for _, entry := range r.entries {
		client := entry.client
		info := ClientInfo{
			ID:            client.ID,
			Authenticated: client.Authenticated,
			ConnectedAt:   client.ConnectedAt,
			LastActivity:  client.LastActivity,
			IPAddress:     client.IPAddress,
			Idle:          len(entry.invocations) == 0 && now.Sub(client.LastActivity) > idleAfter,
			InFlight:      len(entry.invocations),
			Invocations:   make([]Invocation, 0, len(entry.invocations)),
			Completed:     entry.completed,
			Failed:        entry.failed,
			Cancelled:     entry.cancelled,
			LastTraceID:   entry.lastTraceID,
		}
		for _, inv := range entry.invocations {
			info.Invocations = append(info.Invocations, *inv)
		}
		sort.Slice(info.Invocations, func(i, j int) bool {
			return info.Invocations[i].StartedAt.Before(info.Invocations[j].StartedAt)
		})
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].ConnectedAt.Before(infos[j].ConnectedAt) })
	return infos
}

func (e *clientEntry) byRequestID(requestID string) *Invocation {
	for _, inv := range e.invocations {
		if inv.ID == requestID {
			return inv
		}
	}
	return nil
}
