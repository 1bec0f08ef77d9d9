package hlsvod

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(segment int) SegmentKey {
	return SegmentKey{StreamID: "0123456789abcdef", Kind: StreamVideo, Stream: 1, Segment: segment}
}

func TestSegmentKey(t *testing.T) {
	tests := []struct {
		name string
		key  SegmentKey
		want string
	}{
		{"segment", SegmentKey{StreamID: "abc", Kind: StreamVideo, Stream: 1, Segment: 3}, "abc:v/1.3"},
		{"init", SegmentKey{StreamID: "abc", Kind: StreamAudio, Stream: 2, Segment: InitSegment}, "abc:a/2.init"},
		{"variant", SegmentKey{StreamID: "abc", Kind: StreamAudio, Stream: 2, Segment: 0, Variant: "aac"}, "abc:a/2-aac.0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.key.String())
		})
	}
}

func TestSegmentCacheGetOrGenerate(t *testing.T) {
	t.Run("concurrent requests share one generation", func(t *testing.T) {
		cache := NewSegmentCache(CacheConfig{})

		var calls atomic.Int32
		release := make(chan struct{})
		fn := func() ([]byte, error) {
			calls.Add(1)
			<-release
			return []byte("segment"), nil
		}

		const n = 16
		var wg sync.WaitGroup
		results := make([][]byte, n)
		errs := make([]error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = cache.GetOrGenerate(testContext(t), testKey(0), fn)
			}(i)
		}

		// let every caller join the flight
		time.Sleep(50 * time.Millisecond)
		close(release)
		wg.Wait()

		assert.Equal(t, int32(1), calls.Load())
		for i := 0; i < n; i++ {
			require.NoError(t, errs[i])
			assert.Equal(t, []byte("segment"), results[i])
		}

		stats := cache.Stats()
		assert.Equal(t, uint64(1), stats.Generations)
		assert.Equal(t, 1, stats.Entries)
	})

	t.Run("hits do not generate", func(t *testing.T) {
		cache := NewSegmentCache(CacheConfig{})

		var calls int
		fn := func() ([]byte, error) {
			calls++
			return []byte("segment"), nil
		}

		for i := 0; i < 3; i++ {
			data, err := cache.GetOrGenerate(testContext(t), testKey(0), fn)
			require.NoError(t, err)
			assert.Equal(t, []byte("segment"), data)
		}

		assert.Equal(t, 1, calls)
		assert.Equal(t, uint64(2), cache.Stats().Hits)
		assert.Equal(t, uint64(1), cache.Stats().Misses)

		data, ok := cache.Get(testKey(0))
		assert.True(t, ok)
		assert.Equal(t, []byte("segment"), data)
	})

	t.Run("failures are not cached", func(t *testing.T) {
		cache := NewSegmentCache(CacheConfig{})
		failure := &GenerationError{Op: "mux", Err: errors.New("broken")}

		_, err := cache.GetOrGenerate(testContext(t), testKey(0), func() ([]byte, error) {
			return nil, failure
		})
		assert.ErrorIs(t, err, ErrGeneration)
		assert.Equal(t, 0, cache.Len())

		data, err := cache.GetOrGenerate(testContext(t), testKey(0), func() ([]byte, error) {
			return []byte("retry"), nil
		})
		require.NoError(t, err)
		assert.Equal(t, []byte("retry"), data)
		assert.Equal(t, uint64(2), cache.Stats().Generations)
	})

	t.Run("panics become errors", func(t *testing.T) {
		cache := NewSegmentCache(CacheConfig{})

		_, err := cache.GetOrGenerate(testContext(t), testKey(0), func() ([]byte, error) {
			panic("boom")
		})
		assert.ErrorIs(t, err, ErrGeneration)
		assert.Equal(t, 0, cache.Len())
	})

	t.Run("cancelled caller stops waiting", func(t *testing.T) {
		cache := NewSegmentCache(CacheConfig{})

		release := make(chan struct{})
		done := make(chan struct{})
		fn := func() ([]byte, error) {
			defer close(done)
			<-release
			return []byte("late"), nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := cache.GetOrGenerate(ctx, testKey(0), fn)
		assert.ErrorIs(t, err, ErrGeneration)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		// generation continues and is stored for later callers
		close(release)
		<-done

		require.Eventually(t, func() bool {
			_, ok := cache.Get(testKey(0))
			return ok
		}, time.Second, 5*time.Millisecond)
	})
}

func TestSegmentCacheEviction(t *testing.T) {
	generate := func(size int) func() ([]byte, error) {
		return func() ([]byte, error) {
			return make([]byte, size), nil
		}
	}

	t.Run("entry count", func(t *testing.T) {
		cache := NewSegmentCache(CacheConfig{MaxSegments: 2})

		for i := 0; i < 3; i++ {
			_, err := cache.GetOrGenerate(testContext(t), testKey(i), generate(10))
			require.NoError(t, err)
		}

		assert.Equal(t, 2, cache.Len())
		assert.Equal(t, int64(20), cache.Size())
		_, ok := cache.Get(testKey(0))
		assert.False(t, ok)
	})

	t.Run("byte budget", func(t *testing.T) {
		cache := NewSegmentCache(CacheConfig{MaxMemoryMB: 1})
		mb := 1024 * 1024

		for i := 0; i < 3; i++ {
			_, err := cache.GetOrGenerate(testContext(t), testKey(i), generate(mb/2))
			require.NoError(t, err)
		}

		assert.Equal(t, 2, cache.Len())
		assert.LessOrEqual(t, cache.Size(), int64(mb))
		_, ok := cache.Get(testKey(0))
		assert.False(t, ok)
	})

	t.Run("oversized values are returned but not cached", func(t *testing.T) {
		cache := NewSegmentCache(CacheConfig{MaxMemoryMB: 1})

		data, err := cache.GetOrGenerate(testContext(t), testKey(0), generate(2*1024*1024))
		require.NoError(t, err)
		assert.Len(t, data, 2*1024*1024)
		assert.Equal(t, 0, cache.Len())
		assert.Equal(t, int64(0), cache.Size())
	})

	t.Run("ttl", func(t *testing.T) {
		cache := NewSegmentCache(CacheConfig{TTL: 20 * time.Millisecond})

		_, err := cache.GetOrGenerate(testContext(t), testKey(0), generate(10))
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			_, ok := cache.Get(testKey(0))
			return !ok
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("purge", func(t *testing.T) {
		cache := NewSegmentCache(CacheConfig{})

		_, err := cache.GetOrGenerate(testContext(t), testKey(0), generate(10))
		require.NoError(t, err)

		cache.Purge()
		assert.Equal(t, 0, cache.Len())
		assert.Equal(t, int64(0), cache.Size())
	})
}
