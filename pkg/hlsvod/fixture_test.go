package hlsvod

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/abema/go-mp4"
	"github.com/stretchr/testify/require"
)

type fixtureTrack struct {
	id        uint32
	video     bool
	timescale uint32
	delta     uint32
	samples   int
	size      uint32
	gop       int // keyframe interval in samples, video only
	language  string
	shift     int64    // edit list media time
	chunk     int      // samples per chunk, a single chunk when zero
	ctts      []uint32 // composition offsets, repeated over the samples
	cues      []string // tx3g text, one per sample
}

func videoFixture(id uint32, seconds, gop int) fixtureTrack {
	return fixtureTrack{
		id:        id,
		video:     true,
		timescale: 12800,
		delta:     512, // 25 fps
		samples:   seconds * 25,
		size:      32,
		gop:       gop,
	}
}

func audioFixture(id uint32, seconds int, language string) fixtureTrack {
	return fixtureTrack{
		id:        id,
		timescale: 48000,
		delta:     1024,
		samples:   (seconds*48000 + 1023) / 1024,
		size:      8,
		language:  language,
	}
}

// subtitleFixture is a tx3g track with one cue every three seconds, empty
// cues leave a gap.
func subtitleFixture(id uint32, language string, cues ...string) fixtureTrack {
	return fixtureTrack{
		id:        id,
		timescale: 1000,
		delta:     3000,
		samples:   len(cues),
		language:  language,
		cues:      append([]string{}, cues...),
	}
}

func (f fixtureTrack) duration() uint64 {
	return uint64(f.delta) * uint64(f.samples)
}

// sampleData fills a sample with its track id and index, so that copied
// payloads can be recognised.
func (f fixtureTrack) sampleData(i int) []byte {
	if f.cues != nil {
		data := make([]byte, 2+len(f.cues[i]))
		binary.BigEndian.PutUint16(data, uint16(len(f.cues[i])))
		copy(data[2:], f.cues[i])
		return data
	}

	data := bytes.Repeat([]byte{byte(f.id)}, int(f.size))
	data[len(data)-1] = byte(i)
	return data
}

// writeFixture writes ftyp+mdat+moov and returns the file path. Chunks of
// all tracks are interleaved in mdat.
func writeFixture(t *testing.T, durationMs uint32, tracks ...fixtureTrack) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "media.mp4")
	file, err := os.Create(path)
	require.NoError(t, err)
	defer file.Close()

	w := mp4.NewWriter(file)

	require.NoError(t, writeBox(w, &mp4.Ftyp{
		MajorBrand:       brand("isom"),
		MinorVersion:     512,
		CompatibleBrands: compatibleBrands("isom", "iso2", "avc1", "mp41"),
	}))

	mdat, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeMdat()})
	require.NoError(t, err)

	chunks := make([][]uint32, len(tracks))
	next := make([]int, len(tracks))
	offset := uint32(mdat.Offset) + 8
	for pending := true; pending; {
		pending = false
		for i, track := range tracks {
			if next[i] >= track.samples {
				continue
			}

			end := track.samples
			if track.chunk > 0 && next[i]+track.chunk < end {
				end = next[i] + track.chunk
			}

			chunks[i] = append(chunks[i], offset)
			for ; next[i] < end; next[i]++ {
				data := track.sampleData(next[i])
				_, err := w.Write(data)
				require.NoError(t, err)
				offset += uint32(len(data))
			}

			pending = pending || next[i] < track.samples
		}
	}

	_, err = w.EndBox()
	require.NoError(t, err)

	require.NoError(t, startBox(w, mp4.BoxTypeMoov()))
	require.NoError(t, writeBox(w, &mp4.Mvhd{
		Timescale:   1000,
		DurationV0:  durationMs,
		Rate:        0x00010000,
		Volume:      0x0100,
		Matrix:      identityMatrix,
		NextTrackID: uint32(len(tracks)) + 1,
	}))

	for i, track := range tracks {
		writeFixtureTrak(t, w, track, chunks[i])
	}

	require.NoError(t, endBox(w))
	return path
}

func writeFixtureTrak(t *testing.T, w *mp4.Writer, f fixtureTrack, chunkOffsets []uint32) {
	t.Helper()

	require.NoError(t, startBox(w, mp4.BoxTypeTrak()))

	tkhd := &mp4.Tkhd{TrackID: f.id, Matrix: identityMatrix}
	tkhd.SetFlags(0x000003)
	require.NoError(t, writeBox(w, tkhd))

	if f.shift != 0 {
		require.NoError(t, startBox(w, mp4.BoxTypeEdts()))
		require.NoError(t, writeBox(w, &mp4.Elst{
			EntryCount: 1,
			Entries: []mp4.ElstEntry{{
				SegmentDurationV0: uint32(f.duration() * 1000 / uint64(f.timescale)),
				MediaTimeV0:       int32(f.shift),
				MediaRateInteger:  1,
			}},
		}))
		require.NoError(t, endBox(w))
	}

	require.NoError(t, startBox(w, mp4.BoxTypeMdia()))
	require.NoError(t, writeBox(w, &mp4.Mdhd{
		Timescale:  f.timescale,
		DurationV0: uint32(f.duration()),
		Language:   encodeLanguage(f.language),
	}))

	switch {
	case f.video:
		require.NoError(t, writeBox(w, &mp4.Hdlr{HandlerType: brand("vide"), Name: "VideoHandler"}))
	case f.cues != nil:
		require.NoError(t, writeBox(w, &mp4.Hdlr{HandlerType: brand("sbtl"), Name: "SubtitleHandler"}))
	default:
		require.NoError(t, writeBox(w, &mp4.Hdlr{HandlerType: brand("soun"), Name: "SoundHandler"}))
	}

	require.NoError(t, startBox(w, mp4.BoxTypeMinf()))
	require.NoError(t, writeDinf(w))
	require.NoError(t, startBox(w, mp4.BoxTypeStbl()))

	// stsd
	require.NoError(t, startBox(w, mp4.BoxTypeStsd()))
	_, err := mp4.Marshal(w, &mp4.Stsd{EntryCount: 1}, mp4.Context{})
	require.NoError(t, err)
	switch {
	case f.cues != nil:
		_, err = w.StartBox(&mp4.BoxInfo{Type: mp4.StrToBoxType("tx3g")})
		require.NoError(t, err)
		// sample entry, display flags, justification, colors, box and style records
		entry := make([]byte, 38)
		binary.BigEndian.PutUint16(entry[6:], 1)
		_, err = w.Write(entry)
		require.NoError(t, err)
		require.NoError(t, endBox(w))
	case f.video:
		_, err = w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeAvc1()})
		require.NoError(t, err)
		_, err = mp4.Marshal(w, &mp4.VisualSampleEntry{
			SampleEntry: mp4.SampleEntry{
				AnyTypeBox:         mp4.AnyTypeBox{Type: mp4.BoxTypeAvc1()},
				DataReferenceIndex: 1,
			},
			Width:           640,
			Height:          360,
			Horizresolution: 0x00480000,
			Vertresolution:  0x00480000,
			FrameCount:      1,
			Depth:           0x0018,
			PreDefined3:     -1,
		}, mp4.Context{})
		require.NoError(t, err)
		require.NoError(t, writeBox(w, &mp4.AVCDecoderConfiguration{
			AnyTypeBox:           mp4.AnyTypeBox{Type: mp4.BoxTypeAvcC()},
			ConfigurationVersion: 1,
			Profile:              mp4.AVCBaselineProfile,
			ProfileCompatibility: 0xc0,
			Level:                0x1e,
			Reserved:             63,
			LengthSizeMinusOne:   3,
			Reserved2:            7,
		}))
		require.NoError(t, endBox(w))
	default:
		_, err = w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeMp4a()})
		require.NoError(t, err)
		_, err = mp4.Marshal(w, &mp4.AudioSampleEntry{
			SampleEntry: mp4.SampleEntry{
				AnyTypeBox:         mp4.AnyTypeBox{Type: mp4.BoxTypeMp4a()},
				DataReferenceIndex: 1,
			},
			ChannelCount: 2,
			SampleSize:   16,
			SampleRate:   f.timescale << 16,
		}, mp4.Context{})
		require.NoError(t, err)
		require.NoError(t, endBox(w))
	}
	require.NoError(t, endBox(w))

	require.NoError(t, writeBox(w, &mp4.Stts{
		EntryCount: 1,
		Entries:    []mp4.SttsEntry{{SampleCount: uint32(f.samples), SampleDelta: f.delta}},
	}))

	if len(f.ctts) > 0 {
		ctts := &mp4.Ctts{}
		for i := 0; i < f.samples; i++ {
			ctts.Entries = append(ctts.Entries, mp4.CttsEntry{SampleCount: 1, SampleOffsetV0: f.ctts[i%len(f.ctts)]})
		}
		ctts.EntryCount = uint32(len(ctts.Entries))
		require.NoError(t, writeBox(w, ctts))
	}

	if f.video && f.gop > 0 {
		stss := &mp4.Stss{}
		for i := 0; i < f.samples; i += f.gop {
			stss.SampleNumber = append(stss.SampleNumber, uint32(i+1))
		}
		stss.EntryCount = uint32(len(stss.SampleNumber))
		require.NoError(t, writeBox(w, stss))
	}

	perChunk := f.samples
	if f.chunk > 0 && f.chunk < f.samples {
		perChunk = f.chunk
	}
	stsc := &mp4.Stsc{
		Entries: []mp4.StscEntry{{FirstChunk: 1, SamplesPerChunk: uint32(perChunk), SampleDescriptionIndex: 1}},
	}
	// shorter last chunk
	if rest := f.samples % max(perChunk, 1); rest != 0 {
		stsc.Entries = append(stsc.Entries, mp4.StscEntry{
			FirstChunk:             uint32(len(chunkOffsets)),
			SamplesPerChunk:        uint32(rest),
			SampleDescriptionIndex: 1,
		})
	}
	stsc.EntryCount = uint32(len(stsc.Entries))
	require.NoError(t, writeBox(w, stsc))

	stsz := &mp4.Stsz{
		SampleSize:  f.size,
		SampleCount: uint32(f.samples),
	}
	if f.cues != nil {
		stsz.SampleSize = 0
		for i := 0; i < f.samples; i++ {
			stsz.EntrySize = append(stsz.EntrySize, uint32(len(f.sampleData(i))))
		}
	}
	require.NoError(t, writeBox(w, stsz))

	require.NoError(t, writeBox(w, &mp4.Stco{
		EntryCount:  uint32(len(chunkOffsets)),
		ChunkOffset: chunkOffsets,
	}))

	// stbl, minf, mdia, trak
	for i := 0; i < 4; i++ {
		require.NoError(t, endBox(w))
	}
}

// avFixture is ten seconds of 25fps video with a keyframe every second and
// two audio tracks.
func avFixture(t *testing.T) string {
	return writeFixture(t, 10000,
		videoFixture(1, 10, 25),
		audioFixture(2, 10, "eng"),
		audioFixture(3, 10, ""),
	)
}
