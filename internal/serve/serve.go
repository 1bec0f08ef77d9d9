package serve

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/m1k1o/go-hlsvod/internal/config"
	"github.com/m1k1o/go-hlsvod/internal/server"
	"github.com/m1k1o/go-hlsvod/modules/hlsvod"
	hlsVodPkg "github.com/m1k1o/go-hlsvod/pkg/hlsvod"
)

func NewCommand() *Main {
	return &Main{
		ServerConfig: &server.Config{},
		VODConfig:    &config.VOD{},
	}
}

type Main struct {
	ServerConfig *server.Config
	VODConfig    *config.VOD

	logger zerolog.Logger
	server *server.ServerManagerCtx
	hlsVod *hlsvod.ModuleCtx
}

func (main *Main) Configs() []config.Config {
	return []config.Config{
		main.ServerConfig,
		main.VODConfig,
	}
}

func (main *Main) Preflight() {
	main.logger = log.With().Str("service", "main").Logger()

	// codec layer must be initialized before any request is handled
	logger := log.With().Str("module", "hlsvod").Str("submodule", "muxer").Logger()
	if err := hlsVodPkg.Init(hlsVodPkg.InitOptions{Logger: &logger}); err != nil {
		main.logger.Panic().Err(err).Msg("unable to initialize hlsvod")
	}
}

// moduleConfig maps the vod.* configuration onto the module.
func moduleConfig(vod *config.VOD) *hlsvod.Config {
	return &hlsvod.Config{
		MediaBasePath: vod.MediaDir,

		Config: hlsVodPkg.Config{
			Index: hlsVodPkg.Options{
				SegmentDuration: vod.SegmentDuration,
				Cache:           vod.IndexCache,
				CacheDir:        vod.IndexCacheDir,
			},
			ReadyTimeout:    vod.ReadyTimeout,
			GenerateTimeout: vod.GenerateTimeout,
			MasterPlaylist:  vod.MasterPlaylist,
		},

		Cache: hlsVodPkg.CacheConfig{
			MaxSegments: vod.CacheMaxSegments,
			MaxMemoryMB: vod.CacheMaxMemoryMB,
			TTL:         vod.CacheTTL,
		},
		Pool: hlsVodPkg.PoolConfig{
			MaxHandles: vod.MaxHandles,
		},
	}
}

// ConfigReload is called when the configuration file changes.
func (main *Main) ConfigReload() {
	if main.hlsVod == nil {
		return
	}

	main.VODConfig.Set()
	main.hlsVod.ConfigReload(moduleConfig(main.VODConfig))
}

func (main *Main) start() {
	main.server = server.New(main.ServerConfig)

	if main.VODConfig.MediaDir == "" {
		main.logger.Warn().Msg("no media dir configured, vod module is disabled")
	} else {
		main.hlsVod = hlsvod.New("/vod/", moduleConfig(main.VODConfig))
		main.server.Handle("/vod/", main.hlsVod)
		main.logger.Info().Str("vod-dir", main.VODConfig.MediaDir).Msg("hls vod is active")
	}

	main.server.Start()
}

func (main *Main) shutdown() {
	// modules are shut down together with the server
	err := main.server.Shutdown()
	main.logger.Err(err).Msg("http manager shutdown")
}

func (main *Main) Run(cmd *cobra.Command, args []string) {
	main.logger.Info().Msg("starting main server")
	main.start()
	main.logger.Info().Msg("main ready")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	sig := <-quit

	main.logger.Warn().Msgf("received %s, attempting graceful shutdown", sig)
	main.shutdown()
	main.logger.Info().Msg("shutdown complete")
}
