package hlsvod

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// a segment closes on the first keyframe past this share of the target
	segmentCloseRatio = 0.8
	// trailing remainder shorter than this is merged into the previous segment
	minSegmentSecs = 0.1
)

// Open builds the stream index of a media file. With opts.Cache the index is
// read from and written to a JSON file next to the media or in opts.CacheDir.
func Open(path string, opts *Options) (*StreamIndex, error) {
	if err := ensureInitialized(); err != nil {
		return nil, err
	}

	var o Options
	if opts != nil {
		o = *opts
	}
	o = o.withDefaultValues()

	logger := log.With().
		Str("module", "hlsvod").
		Str("submodule", "index").
		Str("path", path).
		Logger()

	fi, err := os.Stat(path)
	if err != nil {
		return nil, &IOError{Path: path, Err: err}
	}
	if fi.IsDir() {
		return nil, &IOError{Path: path, Err: errors.New("is a directory")}
	}

	if o.Cache {
		index, err := loadCachedIndex(path, fi, o, logger)
		if err == nil {
			return index, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn().Err(err).Msg("index cache unusable, replacing")
		}
	}

	start := time.Now()

	d, err := openDemuxer(path)
	if err != nil {
		return nil, err
	}
	defer d.Close()

	index, err := buildIndex(d, fi, o)
	if err != nil {
		return nil, err
	}

	logger.Info().
		Str("stream_id", index.StreamID).
		Int("segments", len(index.Segments)).
		Int("video", len(index.Video)).
		Int("audio", len(index.Audio)).
		Int("subtitle", len(index.Subtitle)).
		Float64("duration", index.DurationSecs).
		Dur("elapsed", time.Since(start)).
		Msg("stream index built")

	if o.Cache {
		if err := saveCachedIndex(index, o); err != nil {
			logger.Warn().Err(err).Msg("unable to save index cache")
		}
	}

	return index, nil
}

func streamID(path string, fi os.FileInfo) string {
	h := sha1.New()
	fmt.Fprintf(h, "%s|%d|%d", path, fi.Size(), fi.ModTime().UnixNano())
	return fmt.Sprintf("%x", h.Sum(nil))[:16]
}

func buildIndex(d *demuxer, fi os.FileInfo, o Options) (*StreamIndex, error) {
	index := &StreamIndex{
		Version:        indexVersion,
		StreamID:       streamID(d.path, fi),
		Path:           d.path,
		SourceSize:     fi.Size(),
		SourceModTime:  fi.ModTime(),
		TargetDuration: o.SegmentDuration,
		Video:          []VideoStreamInfo{},
		Audio:          []AudioStreamInfo{},
		Subtitle:       []SubtitleStreamInfo{},
	}

	for _, t := range d.tracks {
		switch t.kind {
		case StreamVideo:
			index.Video = append(index.Video, VideoStreamInfo{
				StreamIndex: t.id,
				Codec:       t.codec,
				CodecName:   t.codecName,
				Bitrate:     t.bitrate,
				Framerate:   trackFramerate(t),
				Width:       t.width,
				Height:      t.height,
				Timebase:    t.timebase(),
			})
		case StreamAudio:
			index.Audio = append(index.Audio, AudioStreamInfo{
				StreamIndex: t.id,
				Codec:       t.codec,
				CodecName:   t.codecName,
				Bitrate:     t.bitrate,
				SampleRate:  t.sampleRate,
				Channels:    t.channels,
				Language:    t.language,
				Timebase:    t.timebase(),
			})
		case StreamSubtitle:
			index.Subtitle = append(index.Subtitle, SubtitleStreamInfo{
				StreamIndex: t.id,
				Codec:       t.codec,
				CodecName:   t.codecName,
				Language:    t.language,
				Timebase:    t.timebase(),
			})
		}
	}

	if len(index.Video) == 0 && len(index.Audio) == 0 {
		return nil, &StreamNotFoundError{ID: d.path}
	}

	primary, ok := d.firstTrack(StreamVideo)
	if !ok {
		primary, _ = d.firstTrack(StreamAudio)
	}

	index.VideoTimebase = primary.timebase()
	index.DurationSecs = sourceDuration(d, primary)

	total := int64(math.Round(index.DurationSecs * float64(primary.timescale)))

	var keyframes []int64
	if primary.kind == StreamVideo {
		for _, s := range primary.samples {
			if s.sync {
				keyframes = append(keyframes, s.dts)
			}
		}
	} else {
		step := int64(math.Round(o.SegmentDuration * float64(primary.timescale)))
		for k := step; step > 0 && k < total; k += step {
			keyframes = append(keyframes, k)
		}
	}

	index.Segments = cutSegments(keyframes, total, index.VideoTimebase, o.SegmentDuration)
	return index, nil
}

// sourceDuration prefers the movie header and falls back to the primary track.
func sourceDuration(d *demuxer, primary *demuxTrack) float64 {
	if d.duration > 0 && d.timescale > 0 {
		return float64(d.duration) / float64(d.timescale)
	}
	return primary.timebase().Seconds(int64(primary.duration))
}

func trackFramerate(t *demuxTrack) *float64 {
	secs := t.timebase().Seconds(int64(t.duration))
	if secs <= 0 {
		return nil
	}
	fps := math.Round(float64(len(t.samples))/secs*1000) / 1000
	return &fps
}

// cutSegments splits [0,total) at keyframes so that every segment but the
// last lasts at least 80% of the target.
func cutSegments(keyframes []int64, total int64, tb Rational, target float64) []Segment {
	segments := []Segment{}
	threshold := segmentCloseRatio * target

	var start int64
	for _, k := range keyframes {
		if k <= start || k >= total {
			continue
		}
		if tb.Seconds(k-start) >= threshold {
			segments = append(segments, Segment{
				Sequence:     len(segments),
				StartPTS:     start,
				EndPTS:       k,
				DurationSecs: tb.Seconds(k - start),
			})
			start = k
		}
	}

	end := total
	if end < start {
		end = start
	}

	if n := len(segments); n > 0 && tb.Seconds(end-start) < minSegmentSecs {
		last := &segments[n-1]
		last.EndPTS = end
		last.DurationSecs = tb.Seconds(last.EndPTS - last.StartPTS)
		return segments
	}

	duration := tb.Seconds(end - start)
	if duration < minSegmentSecs {
		duration = minSegmentSecs
	}

	return append(segments, Segment{
		Sequence:     len(segments),
		StartPTS:     start,
		EndPTS:       end,
		DurationSecs: duration,
	})
}
