package hlsvod

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	errManagerStopped = errors.New("manager stopped")
	errReadyTimeout   = errors.New("manager ready timeout")
)

type ManagerCtx struct {
	logger zerolog.Logger
	config Config

	cache     *SegmentCache
	pool      *DemuxPool
	generator *Generator

	ready     bool
	readyErr  error
	readyMu   sync.RWMutex
	readyChan chan struct{}

	index     *StreamIndex
	master    string         // master playlist string
	playlists map[int]string // media playlists by stream index

	lastAccess atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a manager of a single media file. Cache and pool are shared
// between managers.
func New(config *Config, cache *SegmentCache, pool *DemuxPool) *ManagerCtx {
	ctx, cancel := context.WithCancel(context.Background())

	m := &ManagerCtx{
		logger:    log.With().Str("module", "hlsvod").Str("submodule", "manager").Str("path", config.MediaPath).Logger(),
		config:    config.withDefaultValues(),
		cache:     cache,
		pool:      pool,
		generator: NewGenerator(pool),
		ctx:       ctx,
		cancel:    cancel,
	}

	m.touch()
	return m
}

//
// ready
//

func (m *ManagerCtx) readyReset() {
	m.readyMu.Lock()
	defer m.readyMu.Unlock()

	m.ready = false
	m.readyErr = nil
	m.readyChan = make(chan struct{})
}

// readyDone marks the end of loading, err is reported to every waiter.
// Loading that outlived its manager is dropped.
func (m *ManagerCtx) readyDone(ctx context.Context, err error) {
	m.readyMu.Lock()
	defer m.readyMu.Unlock()

	if ctx.Err() != nil {
		return
	}

	m.ready = err == nil
	m.readyErr = err
	if m.readyChan != nil {
		close(m.readyChan)
	}
	m.readyChan = nil
}

func (m *ManagerCtx) isReady() (bool, error) {
	m.readyMu.RLock()
	defer m.readyMu.RUnlock()

	return m.ready, m.readyErr
}

func (m *ManagerCtx) waitForReady() chan struct{} {
	m.readyMu.RLock()
	defer m.readyMu.RUnlock()

	return m.readyChan
}

func (m *ManagerCtx) ensureReady(ctx context.Context) error {
	ready, err := m.isReady()
	if ready {
		return nil
	}

	waitChan := m.waitForReady()
	if waitChan == nil {
		if err != nil {
			return err
		}
		return errManagerStopped
	}

	select {
	// waiting for index to be loaded
	case <-waitChan:
		// check if it loaded succesfully
		if ready, err := m.isReady(); !ready {
			if err != nil {
				return err
			}
			return errManagerStopped
		}
		return nil
	// when manager stops before getting ready
	case <-m.ctx.Done():
		return errManagerStopped
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.config.ReadyTimeout):
		return errReadyTimeout
	}
}

func (m *ManagerCtx) httpEnsureReady(w http.ResponseWriter, r *http.Request) bool {
	if err := m.ensureReady(r.Context()); err != nil {
		m.logger.Warn().Err(err).Msg("manager is not ready")
		m.httpError(w, err)
		return false
	}

	return true
}

//
// index
//

func (m *ManagerCtx) loadIndex() error {
	index, err := Open(m.config.MediaPath, &m.config.Index)
	if err != nil {
		return err
	}

	playlists := map[int]string{}
	for _, v := range index.Video {
		playlists[v.StreamIndex] = MediaPlaylist(index, StreamSelector{Kind: StreamVideo, Index: v.StreamIndex})
	}
	for _, a := range index.Audio {
		playlists[a.StreamIndex] = MediaPlaylist(index, StreamSelector{Kind: StreamAudio, Index: a.StreamIndex})
	}
	for _, t := range index.Subtitle {
		playlists[t.StreamIndex] = MediaPlaylist(index, StreamSelector{Kind: StreamSubtitle, Index: t.StreamIndex})
	}

	m.index = index
	m.master = MasterPlaylist(index)
	m.playlists = playlists

	m.logger.Info().
		Str("stream_id", index.StreamID).
		Int("segments", len(index.Segments)).
		Int("video", len(index.Video)).
		Int("audio", len(index.Audio)).
		Int("subtitle", len(index.Subtitle)).
		Float64("duration", index.DurationSecs).
		Msg("initialization completed")

	return nil
}

//
// segments
//

func (m *ManagerCtx) generate(ctx context.Context, res Resource) ([]byte, error) {
	if res.Type == ResourceInit {
		return m.generator.GenerateInitSegment(ctx, m.index, res.Selector(), res.Variant)
	}
	return m.generator.Generate(ctx, m.index, res.Selector(), res.Segment, res.Variant)
}

// retryable reports whether a failed generation is worth a second attempt
// on a fresh handle.
func retryable(err error) bool {
	if !errors.Is(err, ErrGeneration) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var genErr *GenerationError
	if errors.As(err, &genErr) && genErr.Op == "variant" {
		return false
	}

	return true
}

func (m *ManagerCtx) segment(ctx context.Context, res Resource) ([]byte, error) {
	key := res.Key(m.index.StreamID)

	return m.cache.GetOrGenerate(ctx, key, func() ([]byte, error) {
		// generation is shared by all waiters, it must outlive a single request
		genCtx, cancel := context.WithTimeout(m.ctx, m.config.GenerateTimeout)
		defer cancel()

		data, err := m.generate(genCtx, res)
		if err != nil && retryable(err) {
			m.logger.Warn().Err(err).Str("key", key.String()).Msg("segment generation failed, retrying")
			data, err = m.generate(genCtx, res)
		}

		return data, err
	})
}

func (m *ManagerCtx) touch() {
	m.lastAccess.Store(time.Now().UnixNano())
}

func (m *ManagerCtx) LastAccess() time.Time {
	return time.Unix(0, m.lastAccess.Load())
}

func (m *ManagerCtx) Start() (err error) {
	// create new executing context
	m.ctx, m.cancel = context.WithCancel(context.Background())

	// initialize ready state
	m.readyReset()

	// load index asynchronously
	go func(ctx context.Context) {
		err := m.loadIndex()
		if err != nil {
			m.logger.Err(err).Msg("unable to load index")
		}

		// set ready state as done
		m.readyDone(ctx, err)
	}(m.ctx)

	return nil
}

func (m *ManagerCtx) Stop() {
	// cancel current context
	m.cancel()

	// reset ready state
	m.readyReset()

	// close idle demux handles of this media
	m.pool.Evict(m.config.MediaPath)
}

// Preload waits until the index is loaded and returns it.
func (m *ManagerCtx) Preload(ctx context.Context) (*StreamIndex, error) {
	m.touch()

	if err := m.ensureReady(ctx); err != nil {
		return nil, err
	}

	return m.index, nil
}

// ServePlaylist serves the master playlist.
func (m *ManagerCtx) ServePlaylist(w http.ResponseWriter, r *http.Request) {
	m.touch()

	// ensure that manager started
	if !m.httpEnsureReady(w, r) {
		return
	}

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	_, _ = w.Write([]byte(m.master))
}

// ServeMedia serves media playlists, init segments and segments.
func (m *ManagerCtx) ServeMedia(w http.ResponseWriter, r *http.Request) {
	m.touch()

	_, name, ok := SplitResourcePath(r.URL.Path)
	if !ok {
		http.Error(w, "400 bad resource path", http.StatusBadRequest)
		return
	}

	res, err := ParseResource(name)
	if err != nil {
		m.httpError(w, err)
		return
	}

	// ensure that manager started
	if !m.httpEnsureReady(w, r) {
		return
	}

	if res.Type == ResourcePlaylist {
		playlist, ok := m.playlists[res.Stream]
		if !ok {
			http.Error(w, "404 stream not found", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		_, _ = w.Write([]byte(playlist))
		return
	}

	data, err := m.segment(r.Context(), res)
	if err != nil {
		m.logger.Warn().Err(err).Str("resource", name).Msg("unable to serve segment")
		m.httpError(w, err)
		return
	}

	switch {
	case res.Kind == StreamSubtitle:
		w.Header().Set("Content-Type", "text/vtt; charset=utf-8")
	case res.Type == ResourceInit:
		w.Header().Set("Content-Type", "video/mp4")
	default:
		w.Header().Set("Content-Type", "video/iso.segment")
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func (m *ManagerCtx) httpError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrBadResource):
		http.Error(w, "400 bad resource name", http.StatusBadRequest)
	case errors.Is(err, ErrStreamNotFound):
		http.Error(w, "404 stream not found", http.StatusNotFound)
	case errors.Is(err, ErrSegmentNotFound):
		http.Error(w, "404 segment not found", http.StatusNotFound)
	case errors.Is(err, os.ErrNotExist):
		http.Error(w, "404 media not found", http.StatusNotFound)
	case errors.Is(err, errReadyTimeout):
		http.Error(w, "504 manager timeout", http.StatusGatewayTimeout)
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "504 segment generation timeout", http.StatusGatewayTimeout)
	case errors.Is(err, errManagerStopped):
		http.Error(w, "500 manager not available", http.StatusInternalServerError)
	default:
		http.Error(w, "500 unable to serve resource", http.StatusInternalServerError)
	}
}
