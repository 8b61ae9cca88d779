// Package splitcache provides the per-node cache of opened split searchers.
// It is the only resource shared across concurrent executions on a node; all
// mutation of cache state goes through Acquire and Release.
package splitcache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/grainsearch/grain-search/internal/engine"
	"github.com/grainsearch/grain-search/internal/metastore"
	apperrors "github.com/grainsearch/grain-search/internal/pkg/errors"
	"github.com/grainsearch/grain-search/internal/pkg/logger"
)

// Opener materializes a queryable searcher for a split, typically by
// fetching the footer from storage and handing it to the engine.
type Opener func(ctx context.Context, split metastore.SplitMetadata) (engine.SplitSearcher, error)

// Metrics is the interface for recording cache metrics. This keeps the cache
// decoupled from the metrics package.
type Metrics interface {
	RecordCacheHit()
	RecordCacheMiss()
	RecordEviction()
	UpdateCacheSize(bytes int64, entries int)
}

// Config bounds the cache.
type Config struct {
	// MaxBytes bounds the total resident searcher bytes.
	MaxBytes int64

	// MaxEntries bounds the number of cached splits.
	MaxEntries int
}

// DefaultConfig returns sensible cache defaults.
func DefaultConfig() Config {
	return Config{
		MaxBytes:   1 << 30,
		MaxEntries: 256,
	}
}

// Cache is a ref-counted LRU cache of opened splits. Concurrent misses on
// the same split collapse into one underlying open (single-flight), and an
// entry with a positive reference count is never evicted. The byte and entry
// bounds are soft: when everything is pinned, admission proceeds anyway
// rather than deadlocking.
type Cache struct {
	cfg     Config
	open    Opener
	log     *logger.Logger
	metrics Metrics

	mu         sync.Mutex
	entries    map[string]*entry
	lru        *list.List // front = most recently used
	totalBytes int64

	flight singleflight.Group
}

type entry struct {
	splitID    string
	searcher   engine.SplitSearcher
	bytes      int64
	refs       int
	lastAccess time.Time
	elem       *list.Element
}

// New creates a cache that opens splits with the given opener.
func New(cfg Config, open Opener, log *logger.Logger) *Cache {
	if cfg.MaxBytes <= 0 || cfg.MaxEntries <= 0 {
		cfg = DefaultConfig()
	}
	return &Cache{
		cfg:     cfg,
		open:    open,
		log:     log,
		entries: make(map[string]*entry),
		lru:     list.New(),
	}
}

// SetMetrics sets the metrics recorder for this cache.
func (c *Cache) SetMetrics(m Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}

// Handle is a pinned reference to a cached split. Callers must Release it on
// every exit path; the searcher is only valid until then.
type Handle struct {
	cache    *Cache
	entry    *entry
	released bool
	mu       sync.Mutex
}

// Searcher returns the opened split searcher.
func (h *Handle) Searcher() engine.SplitSearcher {
	return h.entry.searcher
}

// SplitID returns the pinned split's identifier.
func (h *Handle) SplitID() string {
	return h.entry.splitID
}

// Release unpins the handle and updates the entry's recency. Safe to call
// more than once.
func (h *Handle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	h.released = true
	h.cache.release(h.entry)
}

// Acquire returns a pinned handle for the split, opening it on a miss. When
// several callers miss on the same split concurrently, exactly one open
// happens and its outcome (success or failure) is shared by every waiter.
func (c *Cache) Acquire(ctx context.Context, split metastore.SplitMetadata) (*Handle, error) {
	for {
		if h, ok := c.pin(split.SplitID); ok {
			if c.metrics != nil {
				c.metrics.RecordCacheHit()
			}
			return h, nil
		}

		if c.metrics != nil {
			c.metrics.RecordCacheMiss()
		}

		_, err, _ := c.flight.Do(split.SplitID, func() (interface{}, error) {
			return nil, c.admit(ctx, split)
		})
		if err != nil {
			return nil, err
		}

		// The freshly inserted entry had no pins; under extreme pressure
		// it may have been evicted before we get to it, so loop.
		if h, ok := c.pin(split.SplitID); ok {
			return h, nil
		}
	}
}

// admit opens and inserts the split unless it is already cached. The
// re-check closes the window between a caller's pin miss and its flight
// starting: a previous flight may have inserted the entry and had its
// singleflight key forgotten in that gap, and opening again would orphan
// the first entry's list element and bytes.
func (c *Cache) admit(ctx context.Context, split metastore.SplitMetadata) error {
	if c.contains(split.SplitID) {
		return nil
	}
	searcher, err := c.open(ctx, split)
	if err != nil {
		return apperrors.SplitUnavailableError(split.SplitID, err)
	}
	c.insert(split.SplitID, searcher)
	return nil
}

func (c *Cache) contains(splitID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[splitID]
	return ok
}

// pin increments the reference count of an existing entry.
func (c *Cache) pin(splitID string) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[splitID]
	if !ok {
		return nil, false
	}
	e.refs++
	e.lastAccess = time.Now()
	c.lru.MoveToFront(e.elem)
	return &Handle{cache: c, entry: e}, true
}

func (c *Cache) release(e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e.refs--
	e.lastAccess = time.Now()
	if e.elem != nil {
		c.lru.MoveToFront(e.elem)
	}
	c.evictLocked()
	c.reportSizeLocked()
}

func (c *Cache) insert(splitID string, searcher engine.SplitSearcher) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := &entry{
		splitID:    splitID,
		searcher:   searcher,
		bytes:      int64(searcher.NumBytes()),
		lastAccess: time.Now(),
	}
	e.elem = c.lru.PushFront(e)
	c.entries[splitID] = e
	c.totalBytes += e.bytes

	c.evictLocked()
	c.reportSizeLocked()
}

// evictLocked removes least-recently-used unpinned entries until the cache
// is within bounds or nothing evictable remains.
func (c *Cache) evictLocked() {
	for c.overBoundLocked() {
		victim := c.oldestUnpinnedLocked()
		if victim == nil {
			// Everything is pinned; admit over the bound rather than
			// blocking in-flight searches.
			return
		}
		c.removeLocked(victim)
		if c.metrics != nil {
			c.metrics.RecordEviction()
		}
		if c.log != nil {
			c.log.Debug("evicted split from cache", "split_id", victim.splitID, "bytes", victim.bytes)
		}
	}
}

func (c *Cache) overBoundLocked() bool {
	return c.totalBytes > c.cfg.MaxBytes || len(c.entries) > c.cfg.MaxEntries
}

func (c *Cache) oldestUnpinnedLocked() *entry {
	for elem := c.lru.Back(); elem != nil; elem = elem.Prev() {
		e := elem.Value.(*entry)
		if e.refs == 0 {
			return e
		}
	}
	return nil
}

func (c *Cache) removeLocked(e *entry) {
	c.lru.Remove(e.elem)
	e.elem = nil
	delete(c.entries, e.splitID)
	c.totalBytes -= e.bytes
	if err := e.searcher.Close(); err != nil && c.log != nil {
		c.log.Warn("closing evicted split searcher", "split_id", e.splitID, "error", err)
	}
}

func (c *Cache) reportSizeLocked() {
	if c.metrics != nil {
		c.metrics.UpdateCacheSize(c.totalBytes, len(c.entries))
	}
}

// Contents returns the IDs of currently cached splits, for affinity
// advertisement.
func (c *Cache) Contents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Bytes returns the total resident bytes.
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalBytes
}

// Close releases every cached searcher. Acquire must not be called after
// Close.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for _, e := range c.entries {
		if err := e.searcher.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.entries = make(map[string]*entry)
	c.lru.Init()
	c.totalBytes = 0
	return firstErr
}
