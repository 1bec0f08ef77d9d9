package hlsvod

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Rational is a time base, one tick lasts Num/Den seconds.
type Rational struct {
	Num int64 `json:"num" yaml:"num"`
	Den int64 `json:"den" yaml:"den"`
}

func (r Rational) Seconds(ts int64) float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(ts) * float64(r.Num) / float64(r.Den)
}

func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// Rescale converts ts from one time base to another, rounding to nearest.
func Rescale(ts int64, from, to Rational) int64 {
	num := ts * from.Num * to.Den
	den := from.Den * to.Num
	if den == 0 {
		return 0
	}
	if den < 0 {
		num, den = -num, -den
	}
	if num >= 0 {
		return (num + den/2) / den
	}
	return -((-num + den/2) / den)
}

var outputVideoTimebase = Rational{Num: 1, Den: 90000}

type StreamKind string

const (
	StreamVideo    StreamKind = "v"
	StreamAudio    StreamKind = "a"
	StreamSubtitle StreamKind = "s"
)

func (k StreamKind) String() string {
	return string(k)
}

// StreamSelector picks one stream of a source by kind and container track id.
type StreamSelector struct {
	Kind  StreamKind
	Index int
}

type VideoStreamInfo struct {
	StreamIndex int      `json:"stream_index" yaml:"stream_index"`
	Codec       string   `json:"codec" yaml:"codec"`
	CodecName   string   `json:"codec_name" yaml:"codec_name"`
	Bitrate     uint64   `json:"bitrate" yaml:"bitrate"`
	Framerate   *float64 `json:"framerate,omitempty" yaml:"framerate,omitempty"`
	Width       int      `json:"width" yaml:"width"`
	Height      int      `json:"height" yaml:"height"`
	Timebase    Rational `json:"timebase" yaml:"timebase"`
}

type AudioStreamInfo struct {
	StreamIndex int      `json:"stream_index" yaml:"stream_index"`
	Codec       string   `json:"codec" yaml:"codec"`
	CodecName   string   `json:"codec_name" yaml:"codec_name"`
	Bitrate     uint64   `json:"bitrate" yaml:"bitrate"`
	SampleRate  int      `json:"sample_rate" yaml:"sample_rate"`
	Channels    int      `json:"channels" yaml:"channels"`
	Language    string   `json:"language,omitempty" yaml:"language,omitempty"`
	Timebase    Rational `json:"timebase" yaml:"timebase"`
}

// SubtitleStreamInfo describes a timed text track, served as WebVTT.
type SubtitleStreamInfo struct {
	StreamIndex int      `json:"stream_index" yaml:"stream_index"`
	Codec       string   `json:"codec" yaml:"codec"`
	CodecName   string   `json:"codec_name" yaml:"codec_name"`
	Language    string   `json:"language,omitempty" yaml:"language,omitempty"`
	Timebase    Rational `json:"timebase" yaml:"timebase"`
}

// Segment bounds are expressed in StreamIndex.VideoTimebase.
type Segment struct {
	Sequence     int     `json:"sequence" yaml:"sequence"`
	StartPTS     int64   `json:"start_pts" yaml:"start_pts"`
	EndPTS       int64   `json:"end_pts" yaml:"end_pts"`
	DurationSecs float64 `json:"duration_secs" yaml:"duration_secs"`
}

// indexVersion changes whenever cached indexes miss fields of StreamIndex.
const indexVersion = 2

// StreamIndex is immutable once built and safe to share between goroutines.
type StreamIndex struct {
	Version        int                  `json:"version" yaml:"version"`
	StreamID       string               `json:"stream_id" yaml:"stream_id"`
	Path           string               `json:"path" yaml:"path"`
	SourceSize     int64                `json:"source_size" yaml:"source_size"`
	SourceModTime  time.Time            `json:"source_mod_time" yaml:"source_mod_time"`
	DurationSecs   float64              `json:"duration_secs" yaml:"duration_secs"`
	VideoTimebase  Rational             `json:"video_timebase" yaml:"video_timebase"`
	TargetDuration float64              `json:"target_duration" yaml:"target_duration"`
	Video          []VideoStreamInfo    `json:"video" yaml:"video"`
	Audio          []AudioStreamInfo    `json:"audio" yaml:"audio"`
	Subtitle       []SubtitleStreamInfo `json:"subtitle" yaml:"subtitle"`
	Segments       []Segment            `json:"segments" yaml:"segments"`
}

func (s *StreamIndex) videoStream(index int) (VideoStreamInfo, bool) {
	for _, v := range s.Video {
		if v.StreamIndex == index {
			return v, true
		}
	}
	return VideoStreamInfo{}, false
}

func (s *StreamIndex) audioStream(index int) (AudioStreamInfo, bool) {
	for _, a := range s.Audio {
		if a.StreamIndex == index {
			return a, true
		}
	}
	return AudioStreamInfo{}, false
}

func (s *StreamIndex) subtitleStream(index int) (SubtitleStreamInfo, bool) {
	for _, t := range s.Subtitle {
		if t.StreamIndex == index {
			return t, true
		}
	}
	return SubtitleStreamInfo{}, false
}

// Options control how a stream index is built.
type Options struct {
	SegmentDuration float64 // target segment length in seconds

	Cache    bool
	CacheDir string // if not empty, index cache is stored there instead of next to the media
}

func (o Options) withDefaultValues() Options {
	if o.SegmentDuration <= 0 {
		o.SegmentDuration = 4.0
	}
	return o
}

type Config struct {
	MediaPath string
	Index     Options

	ReadyTimeout    time.Duration // how long can it take for index to be ready
	GenerateTimeout time.Duration // how long can a single segment generation take

	MasterPlaylist string
}

func (c Config) withDefaultValues() Config {
	c.Index = c.Index.withDefaultValues()
	if c.ReadyTimeout == 0 {
		c.ReadyTimeout = 80 * time.Second
	}
	if c.GenerateTimeout == 0 {
		c.GenerateTimeout = 30 * time.Second
	}
	if c.MasterPlaylist == "" {
		c.MasterPlaylist = "index.m3u8"
	}
	return c
}

type Manager interface {
	Start() error
	Stop()
	Preload(ctx context.Context) (*StreamIndex, error)

	LastAccess() time.Time

	ServePlaylist(w http.ResponseWriter, r *http.Request)
	ServeMedia(w http.ResponseWriter, r *http.Request)
}
