// Package readercache keeps recently opened reader sessions, bounded by
// count and by age.
package readercache

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"

	"github.com/tendant/simple-objectstore/pkg/objectstore"
	"github.com/tendant/simple-objectstore/pkg/objectstore/metrics"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultSize          = 1000
	DefaultMaxAge        = 10 * time.Second
	DefaultSweepInterval = time.Second
)

// Config configures a Cache.
type Config struct {
	Size          int
	MaxAge        time.Duration
	SweepInterval time.Duration
	Logger        *slog.Logger
}

type entry struct {
	reader   *objectstore.Reader
	accessed time.Time
}

// Cache is a least-recently-used cache of readers. Entries older than the
// configured max age are dropped by a background sweep. It implements
// objectstore.ReaderCache.
type Cache struct {
	mu     sync.Mutex
	lru    *simplelru.LRU
	maxAge time.Duration
	now    func() time.Time
	logger *slog.Logger

	// reason labels evictions reported by the lru callback.
	reason string
	// gen counts Remove calls.
	gen uint64

	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
}

var _ objectstore.ReaderCache = (*Cache)(nil)

// New creates a cache and starts its sweep. Call Close to stop it.
func New(cfg Config) (*Cache, error) {
	c := newCache(cfg, time.Now)
	if err := c.init(cfg.Size); err != nil {
		return nil, err
	}
	c.done = make(chan struct{})
	go c.run()
	return c, nil
}

func newCache(cfg Config, now func() time.Time) *Cache {
	c := &Cache{
		maxAge:   cfg.MaxAge,
		now:      now,
		logger:   cfg.Logger,
		interval: cfg.SweepInterval,
		stop:     make(chan struct{}),
	}
	if c.maxAge <= 0 {
		c.maxAge = DefaultMaxAge
	}
	if c.interval <= 0 {
		c.interval = DefaultSweepInterval
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

func (c *Cache) init(size int) error {
	if size <= 0 {
		size = DefaultSize
	}
	lru, err := simplelru.NewLRU(size, c.onEvict)
	if err != nil {
		return err
	}
	c.lru = lru
	return nil
}

// onEvict runs with c.mu held.
func (c *Cache) onEvict(key, value interface{}) {
	if c.reason == "" {
		return
	}
	metrics.ReaderCache.WithLabelValues(c.reason).Inc()
}

// Get returns the cached reader for pid and marks it recently used.
func (c *Cache) Get(pid string) (*objectstore.Reader, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Get(pid)
	if !ok {
		metrics.ReaderCache.WithLabelValues("miss").Inc()
		c.logger.Debug("reader cache miss", "pid", pid)
		return nil, false
	}
	e := v.(*entry)
	e.accessed = c.now()
	metrics.ReaderCache.WithLabelValues("hit").Inc()
	c.logger.Debug("reader cache hit", "pid", pid)
	return e.reader, true
}

// Put caches r under pid, evicting the least recently used entry if the
// cache is full.
func (c *Cache) Put(pid string, r *objectstore.Reader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reason = "evict_capacity"
	c.lru.Add(pid, &entry{reader: r, accessed: c.now()})
	c.reason = ""
}

// Generation returns the current invalidation count.
func (c *Cache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// PutIfCurrent caches r under pid unless Remove ran after gen was read.
func (c *Cache) PutIfCurrent(pid string, r *objectstore.Reader, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		metrics.ReaderCache.WithLabelValues("stale").Inc()
		return false
	}
	c.reason = "evict_capacity"
	c.lru.Add(pid, &entry{reader: r, accessed: c.now()})
	c.reason = ""
	return true
}

// Remove drops pid from the cache.
func (c *Cache) Remove(pid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.reason = "invalidate"
	c.lru.Remove(pid)
	c.reason = ""
}

// Len returns the number of cached readers.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Sweep evicts every entry older than the max age, starting with the least
// recently used and stopping at the first entry still young enough. It
// returns the number of evicted entries.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-c.maxAge)
	c.reason = "evict_age"
	defer func() { c.reason = "" }()

	n := 0
	for {
		_, v, ok := c.lru.GetOldest()
		if !ok || v.(*entry).accessed.After(cutoff) {
			return n
		}
		c.lru.RemoveOldest()
		n++
	}
}

func (c *Cache) run() {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweepOnce()
		}
	}
}

// sweepOnce keeps the background loop alive across a panicking sweep.
func (c *Cache) sweepOnce() {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("reader cache sweep failed", "panic", r)
		}
	}()
	if n := c.Sweep(); n > 0 {
		c.logger.Debug("reader cache swept", "evicted", n)
	}
}

// Close stops the background sweep.
func (c *Cache) Close() error {
	c.once.Do(func() {
		close(c.stop)
		if c.done != nil {
			<-c.done
		}
	})
	return nil
}
