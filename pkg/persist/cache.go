package persist

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tanglechat/tangle/pkg/conversation"
)

// Snapshot is the accumulated state of one in-flight assistant message.
// The cache holds the freshest copy; the durable store trails behind it.
type Snapshot struct {
	Content       string              `json:"content"`
	Reasoning     string              `json:"reasoning,omitempty"`
	SearchResults string              `json:"search_results,omitempty"`
	Parts         []conversation.Part `json:"parts,omitempty"`
	Usage         conversation.Usage  `json:"usage"`
	Cost          float64             `json:"cost,omitempty"`
}

type cacheEntry struct {
	snapshot   Snapshot
	expiresAt  time.Time
	lastAccess time.Time
}

// StreamCache is a TTL-bound in-memory KV keyed by message id. Each key
// has a single writer (the stream consuming goroutine); reads may come
// from anywhere. A janitor goroutine evicts expired entries and an LRU
// bound caps total size.
type StreamCache struct {
	mu      sync.RWMutex
	entries map[conversation.MessageID]*cacheEntry

	ttl        time.Duration
	maxEntries int

	done chan struct{}
	once sync.Once
}

type StreamCacheOption func(*StreamCache)

func WithCacheTTL(ttl time.Duration) StreamCacheOption {
	return func(c *StreamCache) {
		c.ttl = ttl
	}
}

func WithMaxEntries(n int) StreamCacheOption {
	return func(c *StreamCache) {
		c.maxEntries = n
	}
}

func NewStreamCache(options ...StreamCacheOption) *StreamCache {
	c := &StreamCache{
		entries:    make(map[conversation.MessageID]*cacheEntry),
		ttl:        10 * time.Minute,
		maxEntries: 1024,
		done:       make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	go c.janitor()
	return c
}

func (c *StreamCache) Set(id conversation.MessageID, snapshot Snapshot) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = &cacheEntry{
		snapshot:   snapshot,
		expiresAt:  now.Add(c.ttl),
		lastAccess: now,
	}
	if len(c.entries) > c.maxEntries {
		c.evictOldestLocked()
	}
}

func (c *StreamCache) Get(id conversation.MessageID) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	if !ok {
		return Snapshot{}, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, id)
		return Snapshot{}, false
	}
	entry.lastAccess = time.Now()
	return entry.snapshot, true
}

func (c *StreamCache) Delete(id conversation.MessageID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

func (c *StreamCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the janitor. Entries are left for the GC.
func (c *StreamCache) Close() {
	c.once.Do(func() {
		close(c.done)
	})
}

func (c *StreamCache) evictOldestLocked() {
	var oldestID conversation.MessageID
	var oldest time.Time
	first := true
	for id, entry := range c.entries {
		if first || entry.lastAccess.Before(oldest) {
			oldestID = id
			oldest = entry.lastAccess
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestID)
		log.Debug().Str("message_id", oldestID.String()).Msg("stream cache: evicted lru entry")
	}
}

func (c *StreamCache) janitor() {
	interval := c.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *StreamCache) evictExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, id)
		}
	}
}
