package hlsvod

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

var errLeaseReleased = errors.New("lease already released")

type PoolConfig struct {
	MaxHandles  int           // concurrent handles per source
	IdleTimeout time.Duration // idle handles older than this are closed by Cleanup
}

func (c PoolConfig) withDefaultValues() PoolConfig {
	if c.MaxHandles <= 0 {
		c.MaxHandles = 2
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	return c
}

type handle struct {
	demuxer    *demuxer
	generation int
	lastUsed   time.Time
}

type sourcePool struct {
	path       string
	sem        *semaphore.Weighted
	idle       []*handle
	generation int
	refs       int // callers waiting for or holding a slot
}

// DemuxPool bounds the number of open demuxers per source and reuses them
// between requests.
type DemuxPool struct {
	logger zerolog.Logger
	config PoolConfig
	open   func(path string) (*demuxer, error)

	mu      sync.Mutex
	sources map[string]*sourcePool
	closed  bool
}

func NewDemuxPool(config PoolConfig) *DemuxPool {
	return &DemuxPool{
		logger:  log.With().Str("module", "hlsvod").Str("submodule", "pool").Logger(),
		config:  config.withDefaultValues(),
		open:    openDemuxer,
		sources: map[string]*sourcePool{},
	}
}

// source returns the pool of a path with a reference taken, it is dropped by
// unref or when the lease is released.
func (p *DemuxPool) source(path string) *sourcePool {
	p.mu.Lock()
	defer p.mu.Unlock()

	src, ok := p.sources[path]
	if !ok {
		src = &sourcePool{
			path: path,
			sem:  semaphore.NewWeighted(int64(p.config.MaxHandles)),
		}
		p.sources[path] = src
	}
	src.refs++
	return src
}

func (p *DemuxPool) unref(src *sourcePool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	src.refs--
	p.prune(src)
}

// prune forgets a source without references and idle handles, p.mu must be
// held.
func (p *DemuxPool) prune(src *sourcePool) {
	if src.refs > 0 || len(src.idle) > 0 {
		return
	}
	if p.sources[src.path] == src {
		delete(p.sources, src.path)
	}
}

// Acquire waits for a free slot of the source and returns a lease on an idle
// or newly opened handle.
func (p *DemuxPool) Acquire(ctx context.Context, path string) (*Lease, error) {
	src := p.source(path)

	if err := src.sem.Acquire(ctx, 1); err != nil {
		p.unref(src)
		return nil, &GenerationError{Op: "acquire", Err: err}
	}

	p.mu.Lock()
	if p.closed {
		src.refs--
		p.prune(src)
		p.mu.Unlock()
		src.sem.Release(1)
		return nil, &GenerationError{Op: "acquire", Err: errors.New("pool closed")}
	}

	var h *handle
	if n := len(src.idle); n > 0 {
		h = src.idle[n-1]
		src.idle = src.idle[:n-1]
	}
	generation := src.generation
	p.mu.Unlock()

	if h == nil {
		d, err := p.open(path)
		if err != nil {
			src.sem.Release(1)
			p.unref(src)
			return nil, err
		}

		p.logger.Debug().Str("path", path).Msg("opened demux handle")
		h = &handle{
			demuxer:    d,
			generation: generation,
		}
	}

	return &Lease{
		pool:   p,
		src:    src,
		path:   path,
		handle: h,
	}, nil
}

func (p *DemuxPool) release(src *sourcePool, h *handle, retired bool) {
	p.mu.Lock()
	keep := !retired && !p.closed && h.generation == src.generation
	if keep {
		h.lastUsed = time.Now()
		src.idle = append(src.idle, h)
	}
	src.refs--
	p.prune(src)
	p.mu.Unlock()

	if !keep {
		if err := h.demuxer.Close(); err != nil {
			p.logger.Warn().Err(err).Str("path", h.demuxer.path).Msg("unable to close demux handle")
		}
	}

	src.sem.Release(1)
}

// Evict closes idle handles of a source. Leased handles are closed when
// they are released.
func (p *DemuxPool) Evict(path string) {
	p.mu.Lock()
	src, ok := p.sources[path]
	if !ok {
		p.mu.Unlock()
		return
	}
	idle := src.idle
	src.idle = nil
	src.generation++
	p.prune(src)
	p.mu.Unlock()

	p.closeHandles(idle)
}

// Cleanup closes handles idle for longer than IdleTimeout.
func (p *DemuxPool) Cleanup() int {
	deadline := time.Now().Add(-p.config.IdleTimeout)

	var expired []*handle

	p.mu.Lock()
	for _, src := range p.sources {
		kept := src.idle[:0]
		for _, h := range src.idle {
			if h.lastUsed.Before(deadline) {
				expired = append(expired, h)
			} else {
				kept = append(kept, h)
			}
		}
		src.idle = kept
		p.prune(src)
	}
	p.mu.Unlock()

	p.closeHandles(expired)
	return len(expired)
}

func (p *DemuxPool) Close() {
	var idle []*handle

	p.mu.Lock()
	p.closed = true
	for _, src := range p.sources {
		idle = append(idle, src.idle...)
		src.idle = nil
	}
	p.mu.Unlock()

	p.closeHandles(idle)
}

func (p *DemuxPool) idleCount(path string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if src, ok := p.sources[path]; ok {
		return len(src.idle)
	}
	return 0
}

func (p *DemuxPool) sourceCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.sources)
}

func (p *DemuxPool) closeHandles(handles []*handle) {
	for _, h := range handles {
		if err := h.demuxer.Close(); err != nil {
			p.logger.Warn().Err(err).Str("path", h.demuxer.path).Msg("unable to close demux handle")
		}
	}
}

// Lease grants exclusive use of one demux handle until Release.
type Lease struct {
	pool   *DemuxPool
	src    *sourcePool
	path   string
	handle *handle

	mu       sync.Mutex
	retired  bool
	released bool
}

func (l *Lease) track(kind StreamKind, index int) (*demuxTrack, error) {
	if l.released {
		return nil, errLeaseReleased
	}

	t, ok := l.handle.demuxer.track(index)
	if !ok || t.kind != kind {
		return nil, &StreamNotFoundError{ID: fmt.Sprintf("%s/%d", kind, index)}
	}
	return t, nil
}

// stream returns the track of the leased source. Its metadata stays valid
// after Release, only the cursor belongs to the lease.
func (l *Lease) stream(kind StreamKind, index int) (*demuxTrack, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.track(kind, index)
}

// Timebase returns the time base of a stream in the leased source.
func (l *Lease) Timebase(kind StreamKind, index int) (Rational, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, err := l.track(kind, index)
	if err != nil {
		return Rational{}, err
	}
	return t.timebase(), nil
}

// SeekVideo positions a video stream on the last keyframe at or before dts.
func (l *Lease) SeekVideo(index int, dts int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, err := l.track(StreamVideo, index)
	if err != nil {
		return err
	}
	t.seekSync(dts)
	return nil
}

// SeekAudio positions an audio stream on the last sample at or before dts.
func (l *Lease) SeekAudio(index int, dts int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, err := l.track(StreamAudio, index)
	if err != nil {
		return err
	}
	t.seekSample(dts)
	return nil
}

// SeekSubtitle positions a subtitle stream on the cue showing at dts.
func (l *Lease) SeekSubtitle(index int, dts int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, err := l.track(StreamSubtitle, index)
	if err != nil {
		return err
	}
	t.seekSample(dts)
	return nil
}

// ReadVideo returns the next video packet in decode order, or io.EOF.
func (l *Lease) ReadVideo(index int) (Packet, error) {
	return l.read(StreamVideo, index)
}

// ReadAudio returns the next audio packet, or io.EOF.
func (l *Lease) ReadAudio(index int) (Packet, error) {
	return l.read(StreamAudio, index)
}

// ReadSubtitle returns the next timed text sample, or io.EOF.
func (l *Lease) ReadSubtitle(index int) (Packet, error) {
	return l.read(StreamSubtitle, index)
}

func (l *Lease) read(kind StreamKind, index int) (Packet, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, err := l.track(kind, index)
	if err != nil {
		return Packet{}, err
	}
	return l.handle.demuxer.readPacket(t)
}

// Retire marks the handle as unusable, it is closed on Release.
func (l *Lease) Retire() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.retired = true
}

// Release returns the handle to the pool. It is safe to call more than once.
func (l *Lease) Release() {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	retired := l.retired
	l.mu.Unlock()

	l.pool.release(l.src, l.handle, retired)
}
