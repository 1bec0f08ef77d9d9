package hlsvod

import (
	"time"

	"github.com/m1k1o/go-hlsvod/pkg/hlsvod"
)

type Config struct {
	hlsvod.Config

	// shared between all managers of this module
	Cache hlsvod.CacheConfig
	Pool  hlsvod.PoolConfig

	MediaBasePath string
	IdleTimeout   time.Duration // managers not accessed for this long are stopped
}

func (c Config) withDefaultValues() Config {
	if c.MasterPlaylist == "" {
		c.MasterPlaylist = "index.m3u8"
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	return c
}
