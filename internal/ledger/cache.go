package ledger

import (
	"bytes"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Cache stores registered payloads by transaction reference. Registered
// payloads never change, so entries only leave a cache through expiry.
type Cache interface {
	Get(ctx context.Context, ref string) ([]byte, bool, error)
	Set(ctx context.Context, ref string, payload []byte) error
}

// DefaultReadTimeout bounds an upstream read shared by concurrent misses.
const DefaultReadTimeout = 10 * time.Second

// CachedLedger is a read-through cache in front of another Ledger.
// Concurrent misses for the same reference share a single upstream read.
type CachedLedger struct {
	next        Ledger
	cache       Cache
	group       singleflight.Group
	readTimeout time.Duration
	logger      *zap.Logger

	metricsRecord func(hit bool)
}

// NewCached wraps next with cache.
func NewCached(next Ledger, cache Cache, logger *zap.Logger) *CachedLedger {
	return &CachedLedger{next: next, cache: cache, readTimeout: DefaultReadTimeout, logger: logger}
}

// SetReadTimeout bounds the shared upstream read. Non-positive values are ignored.
func (l *CachedLedger) SetReadTimeout(d time.Duration) {
	if d > 0 {
		l.readTimeout = d
	}
}

// SetMetricsRecord sets a callback invoked on every Retrieve with whether the
// cache served it.
func (l *CachedLedger) SetMetricsRecord(fn func(hit bool)) {
	l.metricsRecord = fn
}

// Register implements Ledger. The new payload is written through to the cache.
func (l *CachedLedger) Register(ctx context.Context, payload []byte) (string, error) {
	ref, err := l.next.Register(ctx, payload)
	if err != nil {
		return "", err
	}
	l.store(ctx, ref, payload)
	return ref, nil
}

// Retrieve implements Ledger. Cache failures are logged and fall through to
// the wrapped ledger. A caller whose context ends stops waiting without
// cancelling the read other callers share.
func (l *CachedLedger) Retrieve(ctx context.Context, ref string) ([]byte, error) {
	key, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}

	payload, ok, err := l.cache.Get(ctx, key)
	if err != nil {
		l.logger.Warn("ledger cache read failed", zap.String("transaction_ref", ref), zap.Error(err))
	}
	if ok {
		l.record(true)
		return payload, nil
	}
	l.record(false)

	ch := l.group.DoChan(key, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.readTimeout)
		defer cancel()
		p, err := l.next.Retrieve(rctx, ref)
		if err != nil {
			return nil, err
		}
		l.store(rctx, ref, p)
		return p, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return bytes.Clone(res.Val.([]byte)), nil
	}
}

// Lookup implements EntryReader when the wrapped ledger does.
func (l *CachedLedger) Lookup(ctx context.Context, ref string) (*Entry, error) {
	r, ok := l.next.(EntryReader)
	if !ok {
		return nil, ErrNoEntries
	}
	return r.Lookup(ctx, ref)
}

func (l *CachedLedger) store(ctx context.Context, ref string, payload []byte) {
	key, err := ParseRef(ref)
	if err != nil {
		return
	}
	if err := l.cache.Set(ctx, key, payload); err != nil {
		l.logger.Warn("ledger cache write failed", zap.String("transaction_ref", ref), zap.Error(err))
	}
}

func (l *CachedLedger) record(hit bool) {
	if l.metricsRecord != nil {
		l.metricsRecord(hit)
	}
}

// memoryCacheEntry holds a cached payload.
type memoryCacheEntry struct {
	payload   []byte
	expiresAt time.Time
}

func (e *memoryCacheEntry) expired() bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

// MemoryCache is a thread-safe in-process Cache. Entries expire after a
// configurable TTL; a zero TTL keeps them forever.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*memoryCacheEntry
	ttl     time.Duration
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{entries: make(map[string]*memoryCacheEntry), ttl: ttl}
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, ref string) ([]byte, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[ref]
	if !ok || e.expired() {
		return nil, false, nil
	}
	return bytes.Clone(e.payload), true, nil
}

// Set implements Cache.
func (c *MemoryCache) Set(_ context.Context, ref string, payload []byte) error {
	e := &memoryCacheEntry{payload: bytes.Clone(payload)}
	if c.ttl > 0 {
		e.expiresAt = time.Now().Add(c.ttl)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[ref] = e
	return nil
}

// Evict removes all expired entries and returns how many were dropped.
func (c *MemoryCache) Evict() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if e.expired() {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// StartEviction runs Evict every interval until ctx is cancelled.
func (c *MemoryCache) StartEviction(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Evict()
			}
		}
	}()
}

// Len returns the number of cached entries, including expired ones.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
