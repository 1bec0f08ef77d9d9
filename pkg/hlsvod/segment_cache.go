package hlsvod

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// InitSegment is the segment number used in keys of init segments.
const InitSegment = -1

type SegmentKey struct {
	StreamID string
	Kind     StreamKind
	Stream   int
	Segment  int
	Variant  string
}

func (k SegmentKey) String() string {
	s := fmt.Sprintf("%s:%s/%d", k.StreamID, k.Kind, k.Stream)
	if k.Variant != "" {
		s += "-" + k.Variant
	}
	if k.Segment == InitSegment {
		return s + ".init"
	}
	return fmt.Sprintf("%s.%d", s, k.Segment)
}

type CacheConfig struct {
	MaxSegments int
	MaxMemoryMB int
	TTL         time.Duration
}

func (c CacheConfig) withDefaultValues() CacheConfig {
	if c.MaxSegments <= 0 {
		c.MaxSegments = 100
	}
	if c.MaxMemoryMB <= 0 {
		c.MaxMemoryMB = 512
	}
	if c.TTL <= 0 {
		c.TTL = 300 * time.Second
	}
	return c
}

type cacheEntry struct {
	data        []byte
	generatedAt time.Time
}

type CacheStats struct {
	Hits        uint64
	Misses      uint64
	Generations uint64
	Entries     int
	Bytes       int64
}

// SegmentCache stores generated segments and makes sure that concurrent
// requests for the same key share a single generation.
type SegmentCache struct {
	logger zerolog.Logger
	config CacheConfig
	budget int64

	mu    sync.Mutex // serializes stores against the byte budget
	lru   *expirable.LRU[string, *cacheEntry]
	bytes atomic.Int64
	group singleflight.Group

	hits        atomic.Uint64
	misses      atomic.Uint64
	generations atomic.Uint64
}

func NewSegmentCache(config CacheConfig) *SegmentCache {
	config = config.withDefaultValues()

	c := &SegmentCache{
		logger: log.With().Str("module", "hlsvod").Str("submodule", "segment-cache").Logger(),
		config: config,
		budget: int64(config.MaxMemoryMB) * 1024 * 1024,
	}

	c.lru = expirable.NewLRU[string, *cacheEntry](config.MaxSegments, func(key string, entry *cacheEntry) {
		c.bytes.Add(-int64(len(entry.data)))
	}, config.TTL)

	return c
}

func (c *SegmentCache) Get(key SegmentKey) ([]byte, bool) {
	entry, ok := c.lru.Get(key.String())
	if !ok {
		return nil, false
	}
	return entry.data, true
}

// GetOrGenerate returns the cached segment or runs fn once for all
// concurrent callers of the same key. Failures are not cached. A caller whose
// context ends stops waiting, the generation continues for the others.
func (c *SegmentCache) GetOrGenerate(ctx context.Context, key SegmentKey, fn func() ([]byte, error)) ([]byte, error) {
	k := key.String()

	if entry, ok := c.lru.Get(k); ok {
		c.hits.Add(1)
		c.logger.Debug().
			Str("key", k).
			Int("bytes", len(entry.data)).
			Dur("age", time.Since(entry.generatedAt)).
			Msg("cache hit")
		return entry.data, nil
	}

	c.misses.Add(1)
	c.logger.Debug().Str("key", k).Msg("cache miss")

	ch := c.group.DoChan(k, func() (interface{}, error) {
		// a previous flight may have stored it meanwhile
		if entry, ok := c.lru.Get(k); ok {
			return entry.data, nil
		}

		start := time.Now()
		data, err := c.generate(fn)
		c.generations.Add(1)
		if err != nil {
			c.logger.Debug().Err(err).Str("key", k).Dur("elapsed", time.Since(start)).Msg("generation failed")
			return nil, err
		}

		c.store(k, data)
		c.logger.Debug().Str("key", k).Dur("elapsed", time.Since(start)).Int("bytes", len(data)).Msg("generated")
		return data, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, &GenerationError{Op: "wait", Err: ctx.Err()}
	}
}

// generate runs fn on the flight goroutine, where a panic would not be
// recoverable by the caller.
func (c *SegmentCache) generate(fn func() ([]byte, error)) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &GenerationError{Op: "generate", Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return fn()
}

func (c *SegmentCache) store(key string, data []byte) {
	size := int64(len(data))
	if size > c.budget {
		c.logger.Warn().Str("key", key).Int64("bytes", size).Msg("segment exceeds cache budget, not cached")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// replacing a value does not trigger the eviction callback
	if _, ok := c.lru.Peek(key); ok {
		c.lru.Remove(key)
	}

	c.lru.Add(key, &cacheEntry{
		data:        data,
		generatedAt: time.Now(),
	})
	c.bytes.Add(size)

	for c.bytes.Load() > c.budget {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
	}
}

func (c *SegmentCache) Len() int {
	return c.lru.Len()
}

// Size returns the number of cached bytes.
func (c *SegmentCache) Size() int64 {
	return c.bytes.Load()
}

func (c *SegmentCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Purge()
	c.bytes.Store(0)
}

func (c *SegmentCache) Stats() CacheStats {
	return CacheStats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Generations: c.generations.Load(),
		Entries:     c.lru.Len(),
		Bytes:       c.bytes.Load(),
	}
}
