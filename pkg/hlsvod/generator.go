package hlsvod

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/abema/go-mp4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/m1k1o/go-hlsvod/pkg/isobmff"
)

// packets read between context checks
const ctxCheckInterval = 64

// Generator cuts single stream fragments out of a source on demand.
type Generator struct {
	logger zerolog.Logger
	pool   *DemuxPool
}

func NewGenerator(pool *DemuxPool) *Generator {
	return &Generator{
		logger: log.With().Str("module", "hlsvod").Str("submodule", "generator").Logger(),
		pool:   pool,
	}
}

func (g *Generator) GenerateVideoSegment(ctx context.Context, index *StreamIndex, stream, segment int) ([]byte, error) {
	return g.Generate(ctx, index, StreamSelector{Kind: StreamVideo, Index: stream}, segment, "")
}

func (g *Generator) GenerateAudioSegment(ctx context.Context, index *StreamIndex, stream, segment int) ([]byte, error) {
	return g.Generate(ctx, index, StreamSelector{Kind: StreamAudio, Index: stream}, segment, "")
}

// GenerateSubtitleSegment returns the cues of one segment as WebVTT.
func (g *Generator) GenerateSubtitleSegment(ctx context.Context, index *StreamIndex, stream, segment int) ([]byte, error) {
	return g.Generate(ctx, index, StreamSelector{Kind: StreamSubtitle, Index: stream}, segment, "")
}

// Generate returns styp+moof+mdat of one segment of one stream, with its
// decode time placed on the source timeline. Subtitle segments are WebVTT.
func (g *Generator) Generate(ctx context.Context, index *StreamIndex, sel StreamSelector, segment int, variant string) ([]byte, error) {
	if err := ensureInitialized(); err != nil {
		return nil, err
	}

	if segment < 0 || segment >= len(index.Segments) {
		return nil, &SegmentNotFoundError{
			StreamID: index.StreamID,
			Kind:     sel.Kind,
			Stream:   sel.Index,
			Segment:  segment,
		}
	}

	if err := checkStream(index, sel, variant); err != nil {
		return nil, err
	}

	if sel.Kind == StreamSubtitle {
		return g.generateSubtitle(ctx, index, sel.Index, segment)
	}

	start := time.Now()
	seg := index.Segments[segment]

	lease, err := g.pool.Acquire(ctx, index.Path)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	track, err := lease.stream(sel.Kind, sel.Index)
	if err != nil {
		return nil, err
	}

	var (
		packets []Packet
		target  int64
	)

	switch sel.Kind {
	case StreamVideo:
		packets, err = readVideoPackets(ctx, lease, sel.Index, seg, segment == 0)
		target = Rescale(seg.StartPTS, index.VideoTimebase, outputVideoTimebase)
	case StreamAudio:
		tb := track.timebase()
		from := Rescale(seg.StartPTS, index.VideoTimebase, tb)
		to := Rescale(seg.EndPTS, index.VideoTimebase, tb)
		packets, err = readAudioPackets(ctx, lease, sel.Index, from, to, segment == 0, segment == len(index.Segments)-1)
		if len(packets) > 0 {
			target = packets[0].DTS
		}
	}

	if err != nil {
		if ctx.Err() == nil {
			lease.Retire()
		}
		return nil, &GenerationError{Op: "demux", Err: err}
	}

	// the handle is not needed for muxing
	lease.Release()

	if len(packets) == 0 {
		return nil, &SegmentNotFoundError{
			StreamID: index.StreamID,
			Kind:     sel.Kind,
			Stream:   sel.Index,
			Segment:  segment,
		}
	}

	data, err := muxFragment(track, packets)
	if err != nil {
		return nil, &GenerationError{Op: "mux", Err: err}
	}

	if target < 0 {
		target = 0
	}

	isobmff.NeutralizeEditLists(data)
	isobmff.PatchFragmentTimes(data, uint64(target), uint32(segment*1000+1))

	if e := g.logger.Debug(); e.Enabled() {
		e.Str("stream_id", index.StreamID).
			Int("segment", segment).
			Int64("target", target).
			Uints64("tfdt", isobmff.ReadBaseMediaDecodeTimes(data)).
			Msg("fragment decode time patched")
	}

	if trailing := isobmff.Trailing(data); trailing > 0 {
		g.logger.Warn().
			Str("stream_id", index.StreamID).
			Int("segment", segment).
			Int("trailing", trailing).
			Msg("fragment has bytes outside of well formed boxes")
	}

	offset, ok := isobmff.FindFirst(data, nil, isobmff.TypeMoof)
	if !ok {
		return nil, &GenerationError{Op: "mux", Err: errors.New("fragment has no moof box")}
	}

	styp, err := stypBox()
	if err != nil {
		return nil, &GenerationError{Op: "mux", Err: err}
	}

	out := append(styp, data[offset:]...)

	g.logger.Debug().
		Str("stream_id", index.StreamID).
		Str("stream", fmt.Sprintf("%s/%d", sel.Kind, sel.Index)).
		Int("segment", segment).
		Int("packets", len(packets)).
		Int("bytes", len(out)).
		Dur("elapsed", time.Since(start)).
		Msg("segment generated")

	return out, nil
}

// GenerateInitSegment returns ftyp+moov of one stream, to be used as
// EXT-X-MAP of its media playlist.
func (g *Generator) GenerateInitSegment(ctx context.Context, index *StreamIndex, sel StreamSelector, variant string) ([]byte, error) {
	if err := ensureInitialized(); err != nil {
		return nil, err
	}

	if err := checkStream(index, sel, variant); err != nil {
		return nil, err
	}

	// WebVTT segments are self contained
	if sel.Kind == StreamSubtitle {
		return nil, &StreamNotFoundError{ID: fmt.Sprintf("%s:%s/%d.init", index.StreamID, sel.Kind, sel.Index)}
	}

	lease, err := g.pool.Acquire(ctx, index.Path)
	if err != nil {
		return nil, err
	}

	track, err := lease.stream(sel.Kind, sel.Index)
	lease.Release()
	if err != nil {
		return nil, err
	}

	data, err := muxFragment(track, nil)
	if err != nil {
		return nil, &GenerationError{Op: "mux", Err: err}
	}

	isobmff.NeutralizeEditLists(data)

	duration := Rescale(int64(track.samples[0].duration), track.timebase(), outputTimebase(track))
	isobmff.PatchTrexDefaultDuration(data, uint32(duration))

	if offset, ok := isobmff.FindFirst(data, nil, isobmff.TypeMoof); ok {
		data = data[:offset]
	}

	return data, nil
}

func checkStream(index *StreamIndex, sel StreamSelector, variant string) error {
	var (
		codecName string
		ok        bool
	)

	switch sel.Kind {
	case StreamVideo:
		var v VideoStreamInfo
		v, ok = index.videoStream(sel.Index)
		codecName = v.CodecName
	case StreamAudio:
		var a AudioStreamInfo
		a, ok = index.audioStream(sel.Index)
		codecName = a.CodecName
	case StreamSubtitle:
		var t SubtitleStreamInfo
		t, ok = index.subtitleStream(sel.Index)
		codecName = t.CodecName
	}

	if !ok {
		return &StreamNotFoundError{ID: fmt.Sprintf("%s:%s/%d", index.StreamID, sel.Kind, sel.Index)}
	}

	// only pass-through variants are supported
	if variant != "" && variant != codecName {
		return &GenerationError{Op: "variant", Err: fmt.Errorf("unsupported variant %q for %s stream", variant, codecName)}
	}

	return nil
}

// readVideoPackets reads from the keyframe starting the segment up to the
// keyframe starting the next one.
func readVideoPackets(ctx context.Context, lease *Lease, stream int, seg Segment, first bool) ([]Packet, error) {
	if err := lease.SeekVideo(stream, seg.StartPTS); err != nil {
		return nil, err
	}

	var packets []Packet
	for i := 0; ; i++ {
		if i%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		p, err := lease.ReadVideo(stream)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		if p.Sync && p.DTS >= seg.EndPTS && len(packets) > 0 {
			break
		}
		if p.DTS < seg.StartPTS && !first {
			continue
		}

		packets = append(packets, p)
	}

	return packets, nil
}

// readAudioPackets keeps packets presented within [from,to). The first
// segment has no lower bound and the last one no upper bound.
func readAudioPackets(ctx context.Context, lease *Lease, stream int, from, to int64, first, last bool) ([]Packet, error) {
	if err := lease.SeekAudio(stream, from); err != nil {
		return nil, err
	}

	var packets []Packet
	for i := 0; ; i++ {
		if i%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		p, err := lease.ReadAudio(stream)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		if !last && p.PTS >= to {
			break
		}
		if !first && p.PTS < from {
			continue
		}

		packets = append(packets, p)
	}

	return packets, nil
}

// generateSubtitle collects cues overlapping the segment and cuts them to
// its bounds. A segment without cues is a valid empty document.
func (g *Generator) generateSubtitle(ctx context.Context, index *StreamIndex, stream, segment int) ([]byte, error) {
	start := time.Now()
	seg := index.Segments[segment]

	lease, err := g.pool.Acquire(ctx, index.Path)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	tb, err := lease.Timebase(StreamSubtitle, stream)
	if err != nil {
		return nil, err
	}

	from := Rescale(seg.StartPTS, index.VideoTimebase, msTimebase)
	to := Rescale(seg.EndPTS, index.VideoTimebase, msTimebase)
	if segment == len(index.Segments)-1 {
		// cues past the indexed duration belong to the last segment
		to = math.MaxInt64
	}

	cues, err := readSubtitleCues(ctx, lease, stream, tb, from, to)
	if err != nil {
		if ctx.Err() == nil {
			lease.Retire()
		}
		return nil, &GenerationError{Op: "demux", Err: err}
	}
	lease.Release()

	cues = clampCues(cues, from, to)
	out := WriteWebVTT(cues)

	g.logger.Debug().
		Str("stream_id", index.StreamID).
		Str("stream", fmt.Sprintf("%s/%d", StreamSubtitle, stream)).
		Int("segment", segment).
		Int("cues", len(cues)).
		Int("bytes", len(out)).
		Dur("elapsed", time.Since(start)).
		Msg("subtitle segment generated")

	return out, nil
}

// readSubtitleCues starts at the sample showing at from, so that a cue
// carried over from the previous segment is kept.
func readSubtitleCues(ctx context.Context, lease *Lease, stream int, tb Rational, from, to int64) ([]Cue, error) {
	if err := lease.SeekSubtitle(stream, Rescale(from, msTimebase, tb)); err != nil {
		return nil, err
	}

	var cues []Cue
	for i := 0; ; i++ {
		if i%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		p, err := lease.ReadSubtitle(stream)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		if Rescale(p.PTS, tb, msTimebase) >= to {
			break
		}

		cue, ok := packetCue(p, tb)
		if !ok || cue.EndMs <= from {
			continue
		}

		cues = append(cues, cue)
	}

	return cues, nil
}

func stypBox() ([]byte, error) {
	var payload bytes.Buffer
	if _, err := mp4.Marshal(&payload, &mp4.Styp{
		MajorBrand:       brand("msdh"),
		CompatibleBrands: compatibleBrands("msdh", "msix"),
	}, mp4.Context{}); err != nil {
		return nil, err
	}

	box := make([]byte, 8, 8+payload.Len())
	binary.BigEndian.PutUint32(box, uint32(8+payload.Len()))
	copy(box[4:], isobmff.TypeStyp[:])
	return append(box, payload.Bytes()...), nil
}
