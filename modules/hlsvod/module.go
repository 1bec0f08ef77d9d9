package hlsvod

import (
	"net/http"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/m1k1o/go-hlsvod/modules"
	"github.com/m1k1o/go-hlsvod/pkg/hlsvod"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var _ modules.Module = (*ModuleCtx)(nil)

type ModuleCtx struct {
	logger     zerolog.Logger
	pathPrefix string

	config   Config
	configMu sync.RWMutex

	cache *hlsvod.SegmentCache
	pool  *hlsvod.DemuxPool

	managers   map[string]hlsvod.Manager
	managersMu sync.Mutex
}

func New(pathPrefix string, config *Config) *ModuleCtx {
	cfg := config.withDefaultValues()

	return &ModuleCtx{
		logger:     log.With().Str("module", "hlsvod").Logger(),
		pathPrefix: pathPrefix,
		config:     cfg,

		cache: hlsvod.NewSegmentCache(cfg.Cache),
		pool:  hlsvod.NewDemuxPool(cfg.Pool),

		managers: make(map[string]hlsvod.Manager),
	}
}

func (m *ModuleCtx) getConfig() Config {
	m.configMu.RLock()
	defer m.configMu.RUnlock()

	return m.config
}

// stopManagers stops and forgets every manager.
func (m *ModuleCtx) stopManagers() int {
	m.managersMu.Lock()
	managers := m.managers
	m.managers = make(map[string]hlsvod.Manager)
	m.managersMu.Unlock()

	for _, manager := range managers {
		manager.Stop()
	}

	return len(managers)
}

func (m *ModuleCtx) Shutdown() {
	stopped := m.stopManagers()
	m.pool.Close()
	m.cache.Purge()

	m.logger.Info().Int("managers", stopped).Msg("module shutdown")
}

// ConfigReload applies a new configuration to managers created from now on.
// Running managers are stopped and cached segments dropped, since segment
// boundaries depend on the configuration. Cache and pool sizing is kept
// until restart.
func (m *ModuleCtx) ConfigReload(config *Config) {
	m.configMu.Lock()
	m.config = config.withDefaultValues()
	m.configMu.Unlock()

	stopped := m.stopManagers()
	m.cache.Purge()

	m.logger.Info().Int("managers", stopped).Msg("config reloaded")
}

// Cleanup stops managers that were idle for too long and closes expired
// demux handles.
func (m *ModuleCtx) Cleanup() {
	deadline := time.Now().Add(-m.getConfig().IdleTimeout)

	var idle []hlsvod.Manager

	m.managersMu.Lock()
	for id, manager := range m.managers {
		if manager.LastAccess().Before(deadline) {
			idle = append(idle, manager)
			delete(m.managers, id)
		}
	}
	m.managersMu.Unlock()

	for _, manager := range idle {
		manager.Stop()
	}

	handles := m.pool.Cleanup()

	if len(idle) > 0 || handles > 0 {
		m.logger.Debug().
			Int("managers", len(idle)).
			Int("handles", handles).
			Msg("cleanup finished")
	}
}

// mediaPath maps a requested path onto the media directory, it never
// leaves the media directory.
func (m *ModuleCtx) mediaPath(basePath, requested string) string {
	return path.Join(basePath, path.Clean("/"+requested))
}

func (m *ModuleCtx) manager(config Config, vodMediaPath string) (hlsvod.Manager, error) {
	m.managersMu.Lock()
	defer m.managersMu.Unlock()

	if manager, ok := m.managers[vodMediaPath]; ok {
		return manager, nil
	}

	// modify default config
	managerConfig := config.Config
	managerConfig.MediaPath = vodMediaPath

	// create new manager
	manager := hlsvod.New(&managerConfig, m.cache, m.pool)
	if err := manager.Start(); err != nil {
		return nil, err
	}

	m.managers[vodMediaPath] = manager
	return manager, nil
}

func (m *ModuleCtx) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, m.pathPrefix) {
		http.NotFound(w, r)
		return
	}

	p := r.URL.Path
	// remove path prefix
	p = strings.TrimPrefix(p, m.pathPrefix)
	// remove leading and ending /
	p = strings.Trim(p, "/")

	// everything before resource is vod media path
	requestedPath, hlsResource, ok := hlsvod.SplitResourcePath(p)
	if !ok {
		http.Error(w, "400 invalid parameters", http.StatusBadRequest)
		return
	}

	config := m.getConfig()
	vodMediaPath := m.mediaPath(config.MediaBasePath, requestedPath)

	m.logger.Debug().
		Str("path", p).
		Str("hlsResource", hlsResource).
		Str("vodMediaPath", vodMediaPath).
		Msg("new hls vod request")

	// check if vod media path exists
	if fi, err := os.Stat(vodMediaPath); err != nil || fi.IsDir() {
		http.Error(w, "404 vod not found", http.StatusNotFound)
		return
	}

	manager, err := m.manager(config, vodMediaPath)
	if err != nil {
		m.logger.Warn().Err(err).Msg("hls vod manager could not be started")
		http.Error(w, "500 hls vod manager could not be started", http.StatusInternalServerError)
		return
	}

	// serve master playlist or media resource
	if hlsResource == config.MasterPlaylist {
		manager.ServePlaylist(w, r)
	} else {
		manager.ServeMedia(w, r)
	}
}

func (m *ModuleCtx) managerCount() int {
	m.managersMu.Lock()
	defer m.managersMu.Unlock()

	return len(m.managers)
}
