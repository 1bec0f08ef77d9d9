package config

import (
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type Config interface {
	Init(cmd *cobra.Command) error
	Set()
}

type VOD struct {
	MediaDir        string
	SegmentDuration float64

	IndexCache    bool
	IndexCacheDir string

	MaxHandles int

	CacheMaxSegments int
	CacheMaxMemoryMB int
	CacheTTL         time.Duration

	ReadyTimeout    time.Duration
	GenerateTimeout time.Duration

	MasterPlaylist string
}

func (VOD) Init(cmd *cobra.Command) error {
	cmd.PersistentFlags().String("vod.media-dir", "", "directory with media files served under /vod/")
	if err := viper.BindPFlag("vod.media-dir", cmd.PersistentFlags().Lookup("vod.media-dir")); err != nil {
		return err
	}

	cmd.PersistentFlags().Float64("vod.segment-duration", 4, "target segment duration in seconds")
	if err := viper.BindPFlag("vod.segment-duration", cmd.PersistentFlags().Lookup("vod.segment-duration")); err != nil {
		return err
	}

	cmd.PersistentFlags().Bool("vod.index-cache", false, "store stream indexes as json files")
	if err := viper.BindPFlag("vod.index-cache", cmd.PersistentFlags().Lookup("vod.index-cache")); err != nil {
		return err
	}

	cmd.PersistentFlags().String("vod.index-cache-dir", "", "directory for stream index files, next to the media when empty")
	if err := viper.BindPFlag("vod.index-cache-dir", cmd.PersistentFlags().Lookup("vod.index-cache-dir")); err != nil {
		return err
	}

	cmd.PersistentFlags().Int("vod.max-handles", 2, "concurrent demux handles per media file")
	if err := viper.BindPFlag("vod.max-handles", cmd.PersistentFlags().Lookup("vod.max-handles")); err != nil {
		return err
	}

	cmd.PersistentFlags().Int("vod.cache-max-segments", 100, "maximum number of cached segments")
	if err := viper.BindPFlag("vod.cache-max-segments", cmd.PersistentFlags().Lookup("vod.cache-max-segments")); err != nil {
		return err
	}

	cmd.PersistentFlags().Int("vod.cache-max-memory-mb", 512, "maximum size of cached segments in megabytes")
	if err := viper.BindPFlag("vod.cache-max-memory-mb", cmd.PersistentFlags().Lookup("vod.cache-max-memory-mb")); err != nil {
		return err
	}

	cmd.PersistentFlags().Duration("vod.cache-ttl", 300*time.Second, "how long is a cached segment kept")
	if err := viper.BindPFlag("vod.cache-ttl", cmd.PersistentFlags().Lookup("vod.cache-ttl")); err != nil {
		return err
	}

	cmd.PersistentFlags().Duration("vod.ready-timeout", 80*time.Second, "how long can a request wait for the stream index")
	if err := viper.BindPFlag("vod.ready-timeout", cmd.PersistentFlags().Lookup("vod.ready-timeout")); err != nil {
		return err
	}

	cmd.PersistentFlags().Duration("vod.generate-timeout", 30*time.Second, "how long can a single segment generation take")
	if err := viper.BindPFlag("vod.generate-timeout", cmd.PersistentFlags().Lookup("vod.generate-timeout")); err != nil {
		return err
	}

	cmd.PersistentFlags().String("vod.master-playlist", "index.m3u8", "name of the master playlist")
	if err := viper.BindPFlag("vod.master-playlist", cmd.PersistentFlags().Lookup("vod.master-playlist")); err != nil {
		return err
	}

	return nil
}

func (c *VOD) Set() {
	c.MediaDir = viper.GetString("vod.media-dir")
	c.SegmentDuration = viper.GetFloat64("vod.segment-duration")

	c.IndexCache = viper.GetBool("vod.index-cache")
	c.IndexCacheDir = viper.GetString("vod.index-cache-dir")

	c.MaxHandles = viper.GetInt("vod.max-handles")

	c.CacheMaxSegments = viper.GetInt("vod.cache-max-segments")
	c.CacheMaxMemoryMB = viper.GetInt("vod.cache-max-memory-mb")
	c.CacheTTL = viper.GetDuration("vod.cache-ttl")

	c.ReadyTimeout = viper.GetDuration("vod.ready-timeout")
	c.GenerateTimeout = viper.GetDuration("vod.generate-timeout")

	c.MasterPlaylist = viper.GetString("vod.master-playlist")

	if c.IndexCache && c.IndexCacheDir != "" {
		if err := os.MkdirAll(c.IndexCacheDir, 0755); err != nil {
			log.Panic().Err(err).Str("dir", c.IndexCacheDir).Msg("unable to create index cache dir")
		}
	}
}
