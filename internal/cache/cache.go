// Package cache implements the two-tier cache in front of derived
// documents and query results: a bounded in-memory LRU with TTL, backed by
// a durable on-disk tier. Entries are keyed by document ID, source
// fingerprint and request shape, so a changed source never hits an entry
// built from older bytes.
package cache

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Tier names where an entry was found.
type Tier string

// Cache tiers.
const (
	TierMemory  Tier = "memory"
	TierDurable Tier = "durable"
)

// Key identifies one cached value.
type Key struct {
	DocID       string
	Fingerprint string
	Shape       string
}

// String returns the flat form used to index the memory tier.
func (k Key) String() string {
	return k.DocID + "\x00" + k.Fingerprint + "\x00" + k.Shape
}

// Entry is a cached value with its provenance.
type Entry struct {
	Key        Key
	Value      []byte
	Tier       Tier
	InsertedAt time.Time
	TTL        time.Duration
}

// Options configures a Manager.
type Options struct {
	Dir             string // durable tier root; empty disables the durable tier
	MemoryEntries   int
	MemoryTTL       time.Duration
	DurableTTL      time.Duration
	DurableMaxBytes int64 // values above this size stay memory-only; 0 = no limit
	Compression     Compression
}

// Stats counts cache outcomes since the Manager was created.
type Stats struct {
	MemoryHits    int64 `json:"memory_hits"`
	DurableHits   int64 `json:"durable_hits"`
	Misses        int64 `json:"misses"`
	Invalidations int64 `json:"invalidations"`
	MemoryEntries int   `json:"memory_entries"`
}

// Manager coordinates both tiers. All methods are safe for concurrent use.
// Reads never wait on invalidation of other documents.
type Manager struct {
	mem     *expirable.LRU[string, Entry]
	durable *durableTier
	opts    Options
	logger  *slog.Logger
	nowFunc func() time.Time

	// docKeys indexes memory keys by document so InvalidateDoc can drop a
	// document's entries without scanning the LRU.
	mu      sync.Mutex
	docKeys map[string]map[string]struct{}

	memoryHits    atomic.Int64
	durableHits   atomic.Int64
	misses        atomic.Int64
	invalidations atomic.Int64
}

// New creates a Manager. The durable tier directory is created lazily on
// first write.
func New(opts Options, logger *slog.Logger) *Manager {
	if opts.MemoryEntries <= 0 {
		opts.MemoryEntries = 1
	}

	if opts.Compression == "" {
		opts.Compression = CompressionZstd
	}

	m := &Manager{
		opts:    opts,
		logger:  logger,
		nowFunc: time.Now,
		docKeys: make(map[string]map[string]struct{}),
	}

	m.mem = expirable.NewLRU[string, Entry](opts.MemoryEntries, m.onEvict, opts.MemoryTTL)

	if opts.Dir != "" {
		m.durable = newDurableTier(opts.Dir, opts.Compression, logger)
	}

	return m
}

func (m *Manager) onEvict(key string, e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if keys, ok := m.docKeys[e.Key.DocID]; ok {
		delete(keys, key)

		if len(keys) == 0 {
			delete(m.docKeys, e.Key.DocID)
		}
	}
}

// Get looks key up in memory, then in the durable tier. Durable hits are
// promoted to memory.
func (m *Manager) Get(key Key) Lookup[Entry] {
	if e, ok := m.mem.Get(key.String()); ok {
		m.memoryHits.Add(1)

		e.Tier = TierMemory

		return Hit(e)
	}

	if m.durable != nil {
		if e, ok := m.durable.get(key, m.opts.DurableTTL, m.nowFunc()); ok {
			m.durableHits.Add(1)
			m.addMemory(e)

			e.Tier = TierDurable

			return Hit(e)
		}
	}

	m.misses.Add(1)

	return Miss[Entry]()
}

// Put stores value in both tiers. A durable write failure is logged and
// leaves the memory entry in place.
func (m *Manager) Put(key Key, value []byte) {
	e := Entry{
		Key:        key,
		Value:      value,
		Tier:       TierMemory,
		InsertedAt: m.nowFunc(),
		TTL:        m.opts.MemoryTTL,
	}

	m.addMemory(e)

	if m.durable == nil {
		return
	}

	if m.opts.DurableMaxBytes > 0 && int64(len(value)) > m.opts.DurableMaxBytes {
		return
	}

	if err := m.durable.put(e); err != nil {
		m.logger.Warn("cache: durable write failed",
			slog.String("doc", key.DocID),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) addMemory(e Entry) {
	k := e.Key.String()

	// Add may evict and call onEvict, which takes m.mu.
	m.mem.Add(k, e)

	m.mu.Lock()
	defer m.mu.Unlock()

	keys, ok := m.docKeys[e.Key.DocID]
	if !ok {
		keys = make(map[string]struct{})
		m.docKeys[e.Key.DocID] = keys
	}

	keys[k] = struct{}{}
}

// InvalidateDoc synchronously removes every entry for docID from both
// tiers. The document's memory key-set is swapped out under the index lock
// before any entry is removed.
func (m *Manager) InvalidateDoc(docID string) error {
	m.mu.Lock()
	keys := m.docKeys[docID]
	delete(m.docKeys, docID)
	m.mu.Unlock()

	for k := range keys {
		m.mem.Remove(k)
	}

	m.invalidations.Add(1)

	if m.durable == nil {
		return nil
	}

	return m.durable.removeDoc(docID)
}

// Purge drops every entry in both tiers.
func (m *Manager) Purge() error {
	m.mem.Purge()

	m.mu.Lock()
	m.docKeys = make(map[string]map[string]struct{})
	m.mu.Unlock()

	if m.durable == nil {
		return nil
	}

	return m.durable.purge()
}

// Stats returns a snapshot of the cache counters.
func (m *Manager) Stats() Stats {
	return Stats{
		MemoryHits:    m.memoryHits.Load(),
		DurableHits:   m.durableHits.Load(),
		Misses:        m.misses.Load(),
		Invalidations: m.invalidations.Load(),
		MemoryEntries: m.mem.Len(),
	}
}
