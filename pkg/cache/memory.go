package cache

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"
)

// DefaultMaxEntries bounds the memory backend when no limit is configured.
const DefaultMaxEntries = 10000

// MemoryOptions tunes a Memory cache.
type MemoryOptions struct {
	MaxEntries int
	// JanitorInterval is how often expired entries are swept. Zero means one minute.
	JanitorInterval time.Duration
	// Clock returns the current time. Nil means time.Now.
	Clock func() time.Time
}

type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Memory is an in-process LRU cache with per-entry TTL.
type Memory struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	lru      *list.List
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMemory creates a memory cache and starts its janitor.
func NewMemory(opts MemoryOptions) *Memory {
	capacity := opts.MaxEntries
	if capacity <= 0 {
		capacity = DefaultMaxEntries
	}
	interval := opts.JanitorInterval
	if interval <= 0 {
		interval = time.Minute
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Memory{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		lru:      list.New(),
		now:      now,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go m.janitor(interval)

	return m
}

// WithClock replaces the time source. It is meant for tests.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	return m
}

// Get returns the value for key if present and unexpired.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.items[key]
	if !ok {
		return nil, false, nil
	}

	ent := elem.Value.(*memoryEntry)
	if ent.expired(m.now()) {
		m.removeElement(elem)
		return nil, false, nil
	}

	m.lru.MoveToFront(elem)
	out := make([]byte, len(ent.value))
	copy(out, ent.value)
	return out, true, nil
}

// Set stores value under key, evicting the least recently used entry when full.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = m.now().Add(ttl)
	}
	stored := make([]byte, len(value))
	copy(stored, value)

	if elem, ok := m.items[key]; ok {
		ent := elem.Value.(*memoryEntry)
		ent.value = stored
		ent.expiresAt = expiresAt
		m.lru.MoveToFront(elem)
		return nil
	}

	elem := m.lru.PushFront(&memoryEntry{key: key, value: stored, expiresAt: expiresAt})
	m.items[key] = elem

	for m.lru.Len() > m.capacity {
		m.removeElement(m.lru.Back())
	}
	return nil
}

// Delete removes key.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.items[key]; ok {
		m.removeElement(elem)
	}
	return nil
}

// DeletePrefix removes every key that starts with prefix.
func (m *Memory) DeletePrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, elem := range m.items {
		if strings.HasPrefix(key, prefix) {
			m.removeElement(elem)
		}
	}
	return nil
}

// IsExpired reports whether key is absent or past its expiry.
func (m *Memory) IsExpired(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.items[key]
	if !ok {
		return true, nil
	}
	return elem.Value.(*memoryEntry).expired(m.now()), nil
}

// Len returns the number of stored entries, expired ones included until swept.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Len()
}

// Close stops the janitor.
func (m *Memory) Close() error {
	m.cancel()
	<-m.done
	return nil
}

// removeElement drops elem. Caller must hold m.mu.
func (m *Memory) removeElement(elem *list.Element) {
	m.lru.Remove(elem)
	delete(m.items, elem.Value.(*memoryEntry).key)
}

// sweep drops every expired entry.
func (m *Memory) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, elem := range m.items {
		if elem.Value.(*memoryEntry).expired(now) {
			m.removeElement(elem)
		}
	}
}

func (m *Memory) janitor(interval time.Duration) {
	defer close(m.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}
