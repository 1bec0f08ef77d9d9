package hlsvod

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var ErrBadResource = errors.New("bad resource name")

type ResourceType int

const (
	ResourcePlaylist ResourceType = iota
	ResourceInit
	ResourceSegment
)

// Resource is a parsed media playlist, init segment or segment name,
// relative to the master playlist.
type Resource struct {
	Type    ResourceType
	Kind    StreamKind // empty for playlists, the track id is enough
	Stream  int
	Segment int
	Variant string
}

func (r Resource) Selector() StreamSelector {
	return StreamSelector{Kind: r.Kind, Index: r.Stream}
}

func (r Resource) Key(streamID string) SegmentKey {
	segment := r.Segment
	if r.Type == ResourceInit {
		segment = InitSegment
	}
	return SegmentKey{
		StreamID: streamID,
		Kind:     r.Kind,
		Stream:   r.Stream,
		Segment:  segment,
		Variant:  r.Variant,
	}
}

func (r Resource) String() string {
	switch r.Type {
	case ResourcePlaylist:
		return PlaylistName(r.Stream)
	case ResourceInit:
		return InitSegmentName(r.Selector(), r.Variant)
	default:
		return SegmentName(r.Selector(), r.Variant, r.Segment)
	}
}

var (
	playlistRegex = regexp.MustCompile(`^t\.([0-9]+)\.m3u8$`)
	segmentRegex  = regexp.MustCompile(`^([va])/([0-9]+)(?:-([A-Za-z0-9_]+))?\.(?:(init)\.mp4|([0-9]+)\.m4s)$`)
	subtitleRegex = regexp.MustCompile(`^s/([0-9]+)\.([0-9]+)\.vtt$`)
)

func PlaylistName(stream int) string {
	return fmt.Sprintf("t.%d.m3u8", stream)
}

func streamPrefix(sel StreamSelector, variant string) string {
	if variant != "" {
		return fmt.Sprintf("%s/%d-%s", sel.Kind, sel.Index, variant)
	}
	return fmt.Sprintf("%s/%d", sel.Kind, sel.Index)
}

func InitSegmentName(sel StreamSelector, variant string) string {
	return streamPrefix(sel, variant) + ".init.mp4"
}

func SegmentName(sel StreamSelector, variant string, segment int) string {
	if sel.Kind == StreamSubtitle {
		return fmt.Sprintf("%s.%d.vtt", streamPrefix(sel, variant), segment)
	}
	return fmt.Sprintf("%s.%d.m4s", streamPrefix(sel, variant), segment)
}

// ParseResource parses names produced by PlaylistName, InitSegmentName and
// SegmentName. Subtitle streams have no init segment and no variants.
func ParseResource(name string) (Resource, error) {
	if matches := playlistRegex.FindStringSubmatch(name); matches != nil {
		stream, err := strconv.Atoi(matches[1])
		if err != nil {
			return Resource{}, fmt.Errorf("%w: %s", ErrBadResource, name)
		}
		return Resource{Type: ResourcePlaylist, Stream: stream}, nil
	}

	if matches := subtitleRegex.FindStringSubmatch(name); matches != nil {
		stream, err := strconv.Atoi(matches[1])
		if err != nil {
			return Resource{}, fmt.Errorf("%w: %s", ErrBadResource, name)
		}
		segment, err := strconv.Atoi(matches[2])
		if err != nil {
			return Resource{}, fmt.Errorf("%w: %s", ErrBadResource, name)
		}
		return Resource{Type: ResourceSegment, Kind: StreamSubtitle, Stream: stream, Segment: segment}, nil
	}

	matches := segmentRegex.FindStringSubmatch(name)
	if matches == nil {
		return Resource{}, fmt.Errorf("%w: %s", ErrBadResource, name)
	}

	stream, err := strconv.Atoi(matches[2])
	if err != nil {
		return Resource{}, fmt.Errorf("%w: %s", ErrBadResource, name)
	}

	res := Resource{
		Type:    ResourceInit,
		Kind:    StreamKind(matches[1]),
		Stream:  stream,
		Segment: InitSegment,
		Variant: matches[3],
	}

	if matches[4] == "" {
		res.Type = ResourceSegment
		res.Segment, err = strconv.Atoi(matches[5])
		if err != nil {
			return Resource{}, fmt.Errorf("%w: %s", ErrBadResource, name)
		}
	}

	return res, nil
}

// SplitResourcePath splits a request path into the media path and the
// resource relative to the master playlist. Segment resources keep their
// stream kind directory.
func SplitResourcePath(p string) (mediaPath string, resource string, ok bool) {
	lastSlashIndex := strings.LastIndex(p, "/")
	if lastSlashIndex == -1 {
		return "", "", false
	}

	mediaPath, resource = p[:lastSlashIndex], p[lastSlashIndex+1:]

	// segments live in v/, a/ and s/ subdirectories
	dirIndex := strings.LastIndex(mediaPath, "/")
	dir := StreamKind(mediaPath[dirIndex+1:])
	if (dir == StreamVideo || dir == StreamAudio || dir == StreamSubtitle) && !strings.HasSuffix(resource, ".m3u8") {
		if dirIndex == -1 {
			return "", "", false
		}
		mediaPath, resource = mediaPath[:dirIndex], string(dir)+"/"+resource
	}

	if mediaPath == "" || resource == "" {
		return "", "", false
	}

	return mediaPath, resource, true
}
