package hlsvod

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m1k1o/go-hlsvod/pkg/isobmff"
)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newTestGenerator(t *testing.T, path string, opts *Options) (*Generator, *StreamIndex) {
	t.Helper()

	index, err := Open(path, opts)
	require.NoError(t, err)

	pool := NewDemuxPool(PoolConfig{})
	t.Cleanup(pool.Close)

	return NewGenerator(pool), index
}

func topLevelTypes(buf []byte) []string {
	types := []string{}
	isobmff.Walk(buf, nil, func(b isobmff.Box) {
		types = append(types, b.Type.String())
	})
	return types
}

func findPayload(buf []byte, typ string) []byte {
	var payload []byte
	isobmff.Walk(buf, isobmff.FragmentContainers, func(b isobmff.Box) {
		if payload == nil && b.Type == isobmff.Type(typ) {
			payload = b.Payload
		}
	})
	return payload
}

func sequenceNumber(buf []byte) uint32 {
	return binary.BigEndian.Uint32(findPayload(buf, "mfhd")[4:8])
}

func TestGenerateVideoSegment(t *testing.T) {
	video := videoFixture(1, 10, 25)
	gen, index := newTestGenerator(t, avFixture(t), nil)

	tests := []struct {
		name    string
		segment int
		tfdt    uint64
		first   int
		samples int
	}{
		{"first segment", 0, 0, 0, 100},
		{"middle segment", 1, 360000, 100, 100},
		{"last segment", 2, 720000, 200, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := gen.GenerateVideoSegment(testContext(t), index, 1, tt.segment)
			require.NoError(t, err)

			assert.Equal(t, []string{"styp", "moof", "mdat"}, topLevelTypes(data))
			assert.Equal(t, []uint64{tt.tfdt}, isobmff.ReadBaseMediaDecodeTimes(data))
			assert.Equal(t, uint32(tt.segment*1000+1), sequenceNumber(data))
			assert.Zero(t, isobmff.Trailing(data))

			mdat := findPayload(data, "mdat")
			require.Len(t, mdat, tt.samples*int(video.size))
			assert.Equal(t, video.sampleData(tt.first), mdat[:video.size])

			// sample count of trun
			trun := findPayload(data, "trun")
			assert.Equal(t, uint32(tt.samples), binary.BigEndian.Uint32(trun[4:8]))
		})
	}

	t.Run("data offset points into mdat", func(t *testing.T) {
		data, err := gen.GenerateVideoSegment(testContext(t), index, 1, 1)
		require.NoError(t, err)

		moofOffset, ok := isobmff.FindFirst(data, nil, isobmff.TypeMoof)
		require.True(t, ok)

		trun := findPayload(data, "trun")
		dataOffset := int(binary.BigEndian.Uint32(trun[8:12]))
		assert.Equal(t, video.sampleData(100), data[moofOffset+dataOffset:moofOffset+dataOffset+int(video.size)])
	})
}

func TestGenerateAudioSegment(t *testing.T) {
	audio := audioFixture(2, 10, "eng")
	gen, index := newTestGenerator(t, avFixture(t), nil)

	tests := []struct {
		name      string
		segment   int
		projected int64
		first     int
		samples   int
	}{
		{"first segment has no lower bound", 0, 0, 0, 188},
		{"middle segment", 1, 192000, 188, 187},
		{"last segment has no upper bound", 2, 384000, 375, 94},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := gen.GenerateAudioSegment(testContext(t), index, 2, tt.segment)
			require.NoError(t, err)

			assert.Equal(t, []string{"styp", "moof", "mdat"}, topLevelTypes(data))

			tfdt := isobmff.ReadBaseMediaDecodeTimes(data)
			require.Len(t, tfdt, 1)
			assert.InDelta(t, tt.projected, int64(tfdt[0]), float64(audio.delta))
			assert.Equal(t, uint64(tt.first)*uint64(audio.delta), tfdt[0])

			mdat := findPayload(data, "mdat")
			require.Len(t, mdat, tt.samples*int(audio.size))
			assert.Equal(t, audio.sampleData(tt.first), mdat[:audio.size])
		})
	}

	t.Run("audio and video segments line up", func(t *testing.T) {
		for segment := range index.Segments {
			data, err := gen.GenerateAudioSegment(testContext(t), index, 3, segment)
			require.NoError(t, err)

			tfdt := isobmff.ReadBaseMediaDecodeTimes(data)[0]
			start := index.VideoTimebase.Seconds(index.Segments[segment].StartPTS)
			assert.InDelta(t, start, float64(tfdt)/48000, 1024.0/48000)
		}
	})
}

func TestGenerateErrors(t *testing.T) {
	gen, index := newTestGenerator(t, avFixture(t), nil)
	ctx := testContext(t)

	t.Run("segment past the end", func(t *testing.T) {
		_, err := gen.GenerateVideoSegment(ctx, index, 1, len(index.Segments))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrSegmentNotFound))
		assert.True(t, IsNotFound(err))

		var segErr *SegmentNotFoundError
		require.True(t, errors.As(err, &segErr))
		assert.Equal(t, index.StreamID, segErr.StreamID)
		assert.Equal(t, StreamVideo, segErr.Kind)
		assert.Equal(t, 1, segErr.Stream)
		assert.Equal(t, len(index.Segments), segErr.Segment)
	})

	t.Run("negative segment", func(t *testing.T) {
		_, err := gen.GenerateAudioSegment(ctx, index, 2, -1)
		assert.True(t, errors.Is(err, ErrSegmentNotFound))
	})

	t.Run("unknown stream", func(t *testing.T) {
		_, err := gen.GenerateVideoSegment(ctx, index, 9, 0)
		assert.True(t, errors.Is(err, ErrStreamNotFound))
		assert.True(t, IsNotFound(err))
	})

	t.Run("stream of another kind", func(t *testing.T) {
		_, err := gen.GenerateAudioSegment(ctx, index, 1, 0)
		assert.True(t, errors.Is(err, ErrStreamNotFound))
	})

	t.Run("pass-through variant", func(t *testing.T) {
		_, err := gen.Generate(ctx, index, StreamSelector{Kind: StreamAudio, Index: 2}, 0, "aac")
		assert.NoError(t, err)
	})

	t.Run("unsupported variant", func(t *testing.T) {
		_, err := gen.Generate(ctx, index, StreamSelector{Kind: StreamAudio, Index: 2}, 0, "opus")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrGeneration))
		assert.False(t, retryable(err))
	})

	t.Run("cancelled context", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := gen.GenerateVideoSegment(cancelled, index, 1, 0)
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled))
		assert.False(t, retryable(err))
	})
}

func TestGenerateInitSegment(t *testing.T) {
	gen, index := newTestGenerator(t, avFixture(t), nil)

	t.Run("video", func(t *testing.T) {
		data, err := gen.GenerateInitSegment(testContext(t), index, StreamSelector{Kind: StreamVideo, Index: 1}, "")
		require.NoError(t, err)

		assert.Equal(t, []string{"ftyp", "moov"}, topLevelTypes(data))
		assert.Zero(t, isobmff.Trailing(data))

		// 512 ticks of 1/12800 at 90kHz
		trex := findPayload(data, "trex")
		assert.Equal(t, uint32(3600), binary.BigEndian.Uint32(trex[12:16]))

		mdhd := findPayload(data, "mdhd")
		assert.Equal(t, uint32(90000), binary.BigEndian.Uint32(mdhd[12:16]))

		// sample description is copied from the source
		assert.NotNil(t, findPayload(data, "stsd"))
	})

	t.Run("audio keeps its time scale", func(t *testing.T) {
		data, err := gen.GenerateInitSegment(testContext(t), index, StreamSelector{Kind: StreamAudio, Index: 2}, "")
		require.NoError(t, err)

		trex := findPayload(data, "trex")
		assert.Equal(t, uint32(1024), binary.BigEndian.Uint32(trex[12:16]))

		mdhd := findPayload(data, "mdhd")
		assert.Equal(t, uint32(48000), binary.BigEndian.Uint32(mdhd[12:16]))
	})

	t.Run("unknown stream", func(t *testing.T) {
		_, err := gen.GenerateInitSegment(testContext(t), index, StreamSelector{Kind: StreamAudio, Index: 7}, "")
		assert.True(t, errors.Is(err, ErrStreamNotFound))
	})
}

func TestGenerateEditList(t *testing.T) {
	video := videoFixture(1, 10, 25)
	video.shift = 1024

	path := writeFixture(t, 10000, video)
	gen, index := newTestGenerator(t, path, nil)

	t.Run("init segment has no edit list", func(t *testing.T) {
		data, err := gen.GenerateInitSegment(testContext(t), index, StreamSelector{Kind: StreamVideo, Index: 1}, "")
		require.NoError(t, err)

		_, ok := isobmff.FindFirst(data, isobmff.FragmentContainers, isobmff.TypeEdts)
		assert.False(t, ok)
		_, ok = isobmff.FindFirst(data, isobmff.FragmentContainers, isobmff.TypeFree)
		assert.True(t, ok)
	})

	t.Run("first segment starts at zero", func(t *testing.T) {
		data, err := gen.GenerateVideoSegment(testContext(t), index, 1, 0)
		require.NoError(t, err)

		assert.Equal(t, []uint64{0}, isobmff.ReadBaseMediaDecodeTimes(data))
	})
}

func TestGenerateCompositionOffsets(t *testing.T) {
	video := videoFixture(1, 10, 25)
	// I P B in decode order, presented as I B P
	video.ctts = []uint32{1024, 1536, 512}
	video.shift = 1024

	path := writeFixture(t, 10000, video)
	gen, index := newTestGenerator(t, path, nil)

	data, err := gen.GenerateVideoSegment(testContext(t), index, 1, 0)
	require.NoError(t, err)

	trun := findPayload(data, "trun")
	require.NotNil(t, trun)
	assert.Equal(t, byte(1), trun[0], "signed offsets need version 1")

	flags := uint32(trun[1])<<16 | uint32(trun[2])<<8 | uint32(trun[3])
	assert.NotZero(t, flags&trunCompositionOffsetPresent)

	count := int(binary.BigEndian.Uint32(trun[4:8]))
	require.Greater(t, count, 3)
	require.Len(t, trun, 12+count*16)

	// duration, size, flags and composition offset per sample, at 90kHz
	offsets := []int32{}
	for i := 0; i < 3; i++ {
		entry := trun[12+i*16:]
		assert.Equal(t, uint32(3600), binary.BigEndian.Uint32(entry[0:4]))
		offsets = append(offsets, int32(binary.BigEndian.Uint32(entry[12:16])))
	}
	assert.Equal(t, []int32{7200, 10800, 3600}, offsets)

	t.Run("next segment is placed on the shifted timeline", func(t *testing.T) {
		require.Greater(t, len(index.Segments), 1)

		data, err := gen.GenerateVideoSegment(testContext(t), index, 1, 1)
		require.NoError(t, err)

		want := Rescale(index.Segments[1].StartPTS, index.VideoTimebase, outputVideoTimebase)
		assert.Equal(t, []uint64{uint64(want)}, isobmff.ReadBaseMediaDecodeTimes(data))

		trun := findPayload(data, "trun")
		flags := uint32(trun[1])<<16 | uint32(trun[2])<<8 | uint32(trun[3])
		assert.NotZero(t, flags&trunCompositionOffsetPresent)
	})

	t.Run("constant frame rate has no offsets", func(t *testing.T) {
		gen, index := newTestGenerator(t, avFixture(t), nil)

		data, err := gen.GenerateVideoSegment(testContext(t), index, 1, 0)
		require.NoError(t, err)

		trun := findPayload(data, "trun")
		flags := uint32(trun[1])<<16 | uint32(trun[2])<<8 | uint32(trun[3])
		assert.Zero(t, flags&trunCompositionOffsetPresent)
	})
}

func TestGenerateInterleavedChunks(t *testing.T) {
	video := videoFixture(1, 10, 25)
	video.chunk = 12
	audio := audioFixture(2, 10, "eng")
	audio.chunk = 8

	path := writeFixture(t, 10000, video, audio)
	gen, index := newTestGenerator(t, path, nil)

	tests := []struct {
		name    string
		sel     StreamSelector
		track   fixtureTrack
		first   int
		samples int
	}{
		{"video", StreamSelector{Kind: StreamVideo, Index: 1}, video, 100, 100},
		{"audio", StreamSelector{Kind: StreamAudio, Index: 2}, audio, 188, 187},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := gen.Generate(testContext(t), index, tt.sel, 1, "")
			require.NoError(t, err)

			want := []byte{}
			for i := tt.first; i < tt.first+tt.samples; i++ {
				want = append(want, tt.track.sampleData(i)...)
			}
			assert.Equal(t, want, findPayload(data, "mdat"))
		})
	}
}

func TestGenerateSubtitleSegment(t *testing.T) {
	path := writeFixture(t, 10000,
		videoFixture(1, 10, 25),
		subtitleFixture(4, "eng", "First & <b>", "Across the cut", "", "Past the end"),
	)
	gen, index := newTestGenerator(t, path, nil)

	require.Len(t, index.Subtitle, 1)
	assert.Equal(t, SubtitleStreamInfo{
		StreamIndex: 4,
		Codec:       "wvtt",
		CodecName:   "tx3g",
		Language:    "eng",
		Timebase:    Rational{Num: 1, Den: 1000},
	}, index.Subtitle[0])

	const header = "WEBVTT\nX-TIMESTAMP-MAP=LOCAL:00:00:00.000,MPEGTS:0\n"

	tests := []struct {
		name    string
		segment int
		want    string
	}{
		{
			name:    "cue is cut at the segment end",
			segment: 0,
			want: header +
				"\n00:00:00.000 --> 00:00:03.000\nFirst &amp; &lt;b&gt;\n" +
				"\n00:00:03.000 --> 00:00:04.000\nAcross the cut\n",
		},
		{
			name:    "cue carried over from the previous segment",
			segment: 1,
			want: header +
				"\n00:00:04.000 --> 00:00:06.000\nAcross the cut\n",
		},
		{
			name:    "last segment keeps cues past the end",
			segment: 2,
			want: header +
				"\n00:00:09.000 --> 00:00:12.000\nPast the end\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := gen.GenerateSubtitleSegment(testContext(t), index, 4, tt.segment)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(data))
		})
	}

	t.Run("segment without cues", func(t *testing.T) {
		path := writeFixture(t, 10000,
			videoFixture(1, 10, 25),
			subtitleFixture(4, "", "", "", "Late"),
		)
		gen, index := newTestGenerator(t, path, nil)

		data, err := gen.GenerateSubtitleSegment(testContext(t), index, 4, 0)
		require.NoError(t, err)
		assert.Equal(t, header, string(data))
	})

	t.Run("no init segment", func(t *testing.T) {
		_, err := gen.GenerateInitSegment(testContext(t), index, StreamSelector{Kind: StreamSubtitle, Index: 4}, "")
		assert.True(t, errors.Is(err, ErrStreamNotFound))
	})

	t.Run("unknown stream", func(t *testing.T) {
		_, err := gen.GenerateSubtitleSegment(testContext(t), index, 1, 0)
		assert.True(t, errors.Is(err, ErrStreamNotFound))
	})
}

func TestGenerateLogsDecodeTime(t *testing.T) {
	gen, index := newTestGenerator(t, avFixture(t), nil)

	var buf bytes.Buffer
	gen.logger = zerolog.New(&buf).Level(zerolog.DebugLevel)

	_, err := gen.GenerateVideoSegment(testContext(t), index, 1, 1)
	require.NoError(t, err)

	assert.Contains(t, buf.String(), `"tfdt":[360000]`)
	assert.Contains(t, buf.String(), `"message":"fragment decode time patched"`)
}
