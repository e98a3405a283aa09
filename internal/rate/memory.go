package rate

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const memoryStripes = 64

type bucket struct {
	count       int
	windowStart time.Time
	window      time.Duration
}

// MemoryLimiter is a single-process fixed-window limiter. Buckets live in a go-cache
// store and expire with their window; increments on the same bucket are serialized
// by a striped mutex.
type MemoryLimiter struct {
	cache   *gocache.Cache
	stripes [memoryStripes]sync.Mutex
	now     func() time.Time
}

// NewMemory creates a [MemoryLimiter]. A nil now uses time.Now.
func NewMemory(now func() time.Time) *MemoryLimiter {
	if now == nil {
		now = time.Now
	}
	return &MemoryLimiter{
		cache: gocache.New(gocache.NoExpiration, time.Minute),
		now:   now,
	}
}

func (l *MemoryLimiter) stripe(k string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k))
	return &l.stripes[h.Sum32()%memoryStripes]
}

func memoryKey(action Action, key string) string {
	return string(action) + ":" + key
}

// CheckAndIncrement implements [Limiter].
func (l *MemoryLimiter) CheckAndIncrement(_ context.Context, key string, action Action, p Policy) (Decision, error) {
	if err := p.validate(); err != nil {
		return Decision{}, err
	}
	k := memoryKey(action, key)
	mu := l.stripe(k)
	mu.Lock()
	defer mu.Unlock()

	now := l.now()
	b := l.load(k, now)
	if b == nil {
		b = &bucket{windowStart: now, window: p.Window}
	}
	b.count++
	l.cache.Set(k, b, p.Window)

	return decide(b.count, p, b.windowStart.Add(b.window)), nil
}

// Peek implements [Limiter].
func (l *MemoryLimiter) Peek(_ context.Context, key string, action Action, p Policy) (Decision, error) {
	if err := p.validate(); err != nil {
		return Decision{}, err
	}
	k := memoryKey(action, key)
	mu := l.stripe(k)
	mu.Lock()
	defer mu.Unlock()

	now := l.now()
	b := l.load(k, now)
	if b == nil {
		return decide(0, p, now), nil
	}
	return decide(b.count, p, b.windowStart.Add(b.window)), nil
}

// Reset implements [Limiter].
func (l *MemoryLimiter) Reset(_ context.Context, key string, action Action) error {
	k := memoryKey(action, key)
	mu := l.stripe(k)
	mu.Lock()
	l.cache.Delete(k)
	mu.Unlock()
	return nil
}

// load returns the live bucket for k, or nil when absent or its window has elapsed.
// Callers hold the stripe lock.
func (l *MemoryLimiter) load(k string, now time.Time) *bucket {
	v, ok := l.cache.Get(k)
	if !ok {
		return nil
	}
	b, ok := v.(*bucket)
	if !ok || !now.Before(b.windowStart.Add(b.window)) {
		return nil
	}
	return b
}
