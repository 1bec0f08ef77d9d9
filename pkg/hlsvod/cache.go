package hlsvod

import (
	"crypto/sha1"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

const cacheFileSuffix = ".go-hlsvod-cache"

var errStaleCache = errors.New("index cache does not match media file")

func localCachePath(mediaPath string) string {
	return mediaPath + cacheFileSuffix
}

func globalCachePath(mediaPath, cacheDir string) string {
	h := sha1.New()
	h.Write([]byte(mediaPath))
	hash := h.Sum(nil)

	fileName := fmt.Sprintf("%x%s", hash, cacheFileSuffix)
	return filepath.Join(cacheDir, fileName)
}

func readCacheData(mediaPath string, o Options, logger zerolog.Logger) ([]byte, error) {
	// check for local cache
	localPath := localCachePath(mediaPath)
	if _, err := os.Stat(localPath); err == nil {
		logger.Debug().Str("cache", localPath).Msg("index local cache hit")
		return os.ReadFile(localPath)
	}

	// check for global cache
	if o.CacheDir != "" {
		globalPath := globalCachePath(mediaPath, o.CacheDir)
		if _, err := os.Stat(globalPath); err == nil {
			logger.Debug().Str("cache", globalPath).Msg("index global cache hit")
			return os.ReadFile(globalPath)
		}
	}

	return nil, os.ErrNotExist
}

func loadCachedIndex(mediaPath string, fi os.FileInfo, o Options, logger zerolog.Logger) (*StreamIndex, error) {
	data, err := readCacheData(mediaPath, o, logger)
	if err != nil {
		return nil, err
	}

	var index StreamIndex
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("unable to unmarshal index cache: %w", err)
	}

	if index.Version != indexVersion ||
		index.Path != mediaPath ||
		index.SourceSize != fi.Size() ||
		!index.SourceModTime.Equal(fi.ModTime()) ||
		index.TargetDuration != o.SegmentDuration ||
		len(index.Segments) == 0 {
		return nil, errStaleCache
	}

	return &index, nil
}

func saveCachedIndex(index *StreamIndex, o Options) error {
	data, err := json.Marshal(index)
	if err != nil {
		return err
	}

	if o.CacheDir != "" {
		return os.WriteFile(globalCachePath(index.Path, o.CacheDir), data, 0644)
	}

	return os.WriteFile(localCachePath(index.Path), data, 0644)
}
