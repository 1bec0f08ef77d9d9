package hlsvod

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/abema/go-mp4"
	"github.com/orcaman/writerseeker"
)

const (
	sampleFlagsSync    = 0x02000000 // depends on no other sample
	sampleFlagsNonSync = 0x01010000 // depends on others, not a sync sample

	trunDataOffsetPresent        = 0x000001
	trunSampleDurationPresent    = 0x000100
	trunSampleSizePresent        = 0x000200
	trunSampleFlagsPresent       = 0x000400
	trunCompositionOffsetPresent = 0x000800

	movieTimescale = 1000
)

var identityMatrix = [9]int32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000}

func brand(code string) [4]byte {
	var b [4]byte
	copy(b[:], code)
	return b
}

func compatibleBrands(codes ...string) []mp4.CompatibleBrandElem {
	brands := make([]mp4.CompatibleBrandElem, 0, len(codes))
	for _, code := range codes {
		brands = append(brands, mp4.CompatibleBrandElem{CompatibleBrand: brand(code)})
	}
	return brands
}

// outputTimebase is 90kHz for video and the native rate for audio.
func outputTimebase(t *demuxTrack) Rational {
	if t.kind == StreamVideo {
		return outputVideoTimebase
	}
	return t.timebase()
}

// muxFragment writes a complete ftyp+moov and, when packets are given, a
// single moof+mdat. The fragment decode time is local zero and is corrected
// by the caller.
func muxFragment(t *demuxTrack, packets []Packet) ([]byte, error) {
	ws := &writerseeker.WriterSeeker{}
	w := mp4.NewWriter(ws)
	out := outputTimebase(t)

	if err := writeBox(w, &mp4.Ftyp{
		MajorBrand:       brand("iso6"),
		MinorVersion:     512,
		CompatibleBrands: compatibleBrands("iso6", "cmfc", "mp41"),
	}); err != nil {
		return nil, fmt.Errorf("unable to write ftyp: %w", err)
	}

	if err := writeMoov(w, t, out); err != nil {
		return nil, fmt.Errorf("unable to write moov: %w", err)
	}

	if len(packets) > 0 {
		if packets[0].DTS != 0 {
			emitDiagnostic("Track %d starts with a nonzero dts %d, while the moov already has been written. Set the delay_moov flag to handle this case.", t.id, packets[0].DTS)
		}

		if err := writeFragment(w, t, out, packets); err != nil {
			return nil, fmt.Errorf("unable to write fragment: %w", err)
		}
	}

	return io.ReadAll(ws.Reader())
}

func writeBox(w *mp4.Writer, box mp4.IImmutableBox) error {
	if _, err := w.StartBox(&mp4.BoxInfo{Type: box.GetType()}); err != nil {
		return err
	}
	if _, err := mp4.Marshal(w, box, mp4.Context{}); err != nil {
		return err
	}
	_, err := w.EndBox()
	return err
}

func startBox(w *mp4.Writer, boxType mp4.BoxType) error {
	_, err := w.StartBox(&mp4.BoxInfo{Type: boxType})
	return err
}

func endBox(w *mp4.Writer) error {
	_, err := w.EndBox()
	return err
}

func encodeLanguage(lang string) [3]byte {
	if len(lang) != 3 {
		lang = "und"
	}
	var code [3]byte
	for i := 0; i < 3; i++ {
		c := lang[i]
		if c < 'a' || c > 'z' {
			return encodeLanguage("und")
		}
		code[i] = c - 0x60
	}
	return code
}

func writeMoov(w *mp4.Writer, t *demuxTrack, out Rational) error {
	if err := startBox(w, mp4.BoxTypeMoov()); err != nil {
		return err
	}

	if err := writeBox(w, &mp4.Mvhd{
		Timescale:   movieTimescale,
		Rate:        0x00010000,
		Volume:      0x0100,
		Matrix:      identityMatrix,
		NextTrackID: uint32(t.id) + 1,
	}); err != nil {
		return err
	}

	if err := writeTrak(w, t, out); err != nil {
		return err
	}

	// mvex
	if err := startBox(w, mp4.BoxTypeMvex()); err != nil {
		return err
	}
	if err := writeBox(w, &mp4.Trex{
		TrackID:                       uint32(t.id),
		DefaultSampleDescriptionIndex: 1,
	}); err != nil {
		return err
	}
	if err := endBox(w); err != nil {
		return err
	}

	return endBox(w)
}

func writeTrak(w *mp4.Writer, t *demuxTrack, out Rational) error {
	if err := startBox(w, mp4.BoxTypeTrak()); err != nil {
		return err
	}

	tkhd := &mp4.Tkhd{
		TrackID: uint32(t.id),
		Matrix:  identityMatrix,
	}
	tkhd.SetFlags(0x000003) // enabled, in movie
	if t.kind == StreamVideo {
		tkhd.Width = uint32(t.width) << 16
		tkhd.Height = uint32(t.height) << 16
	} else {
		tkhd.Volume = 0x0100
	}
	if err := writeBox(w, tkhd); err != nil {
		return err
	}

	if t.shift > 0 {
		emitDiagnostic("No meaningful edit list will be written when using empty_moov without delay_moov (track %d)", t.id)

		if err := startBox(w, mp4.BoxTypeEdts()); err != nil {
			return err
		}
		if err := writeBox(w, &mp4.Elst{
			EntryCount: 1,
			Entries: []mp4.ElstEntry{{
				MediaTimeV0:      int32(Rescale(t.shift, t.timebase(), out)),
				MediaRateInteger: 1,
			}},
		}); err != nil {
			return err
		}
		if err := endBox(w); err != nil {
			return err
		}
	}

	if err := writeMdia(w, t, out); err != nil {
		return err
	}

	return endBox(w)
}

func writeMdia(w *mp4.Writer, t *demuxTrack, out Rational) error {
	if err := startBox(w, mp4.BoxTypeMdia()); err != nil {
		return err
	}

	if err := writeBox(w, &mp4.Mdhd{
		Timescale: uint32(out.Den),
		Language:  encodeLanguage(t.language),
	}); err != nil {
		return err
	}

	hdlr := &mp4.Hdlr{HandlerType: brand("vide"), Name: "VideoHandler"}
	if t.kind == StreamAudio {
		hdlr = &mp4.Hdlr{HandlerType: brand("soun"), Name: "SoundHandler"}
	}
	if err := writeBox(w, hdlr); err != nil {
		return err
	}

	// minf
	if err := startBox(w, mp4.BoxTypeMinf()); err != nil {
		return err
	}

	if t.kind == StreamVideo {
		vmhd := &mp4.Vmhd{}
		vmhd.SetFlags(0x000001)
		if err := writeBox(w, vmhd); err != nil {
			return err
		}
	} else {
		if err := writeBox(w, &mp4.Smhd{}); err != nil {
			return err
		}
	}

	if err := writeDinf(w); err != nil {
		return err
	}

	if err := writeStbl(w, t); err != nil {
		return err
	}

	if err := endBox(w); err != nil {
		return err
	}

	return endBox(w)
}

func writeDinf(w *mp4.Writer) error {
	if err := startBox(w, mp4.BoxTypeDinf()); err != nil {
		return err
	}
	if _, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeDref()}); err != nil {
		return err
	}
	if _, err := mp4.Marshal(w, &mp4.Dref{EntryCount: 1}, mp4.Context{}); err != nil {
		return err
	}

	url := &mp4.Url{}
	url.SetFlags(mp4.UrlSelfContained)
	if err := writeBox(w, url); err != nil {
		return err
	}

	if err := endBox(w); err != nil {
		return err
	}
	return endBox(w)
}

// writeStbl copies the source sample description and leaves the sample
// tables empty, samples are carried by fragments.
func writeStbl(w *mp4.Writer, t *demuxTrack) error {
	if err := startBox(w, mp4.BoxTypeStbl()); err != nil {
		return err
	}

	if _, err := w.Write(t.stsd); err != nil {
		return err
	}

	for _, box := range []mp4.IImmutableBox{
		&mp4.Stts{},
		&mp4.Stsc{},
		&mp4.Stsz{},
		&mp4.Stco{},
	} {
		if err := writeBox(w, box); err != nil {
			return err
		}
	}

	return endBox(w)
}

func trunEntries(t *demuxTrack, out Rational, packets []Packet) ([]mp4.TrunEntry, bool) {
	in := t.timebase()
	entries := make([]mp4.TrunEntry, 0, len(packets))
	withOffsets := false

	for i, p := range packets {
		dts := Rescale(p.DTS, in, out)

		var next int64
		if i+1 < len(packets) {
			next = Rescale(packets[i+1].DTS, in, out)
		} else {
			next = Rescale(p.DTS+p.Duration, in, out)
		}

		duration := next - dts
		if duration < 0 {
			duration = 0
		}

		cto := Rescale(p.PTS, in, out) - dts
		if cto != 0 {
			withOffsets = true
		}

		flags := uint32(sampleFlagsNonSync)
		if p.Sync {
			flags = sampleFlagsSync
		}

		entries = append(entries, mp4.TrunEntry{
			SampleDuration:                uint32(duration),
			SampleSize:                    uint32(len(p.Data)),
			SampleFlags:                   flags,
			SampleCompositionTimeOffsetV1: int32(cto),
		})
	}

	return entries, withOffsets
}

func writeFragment(w *mp4.Writer, t *demuxTrack, out Rational, packets []Packet) error {
	moof, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeMoof()})
	if err != nil {
		return err
	}

	if err := writeBox(w, &mp4.Mfhd{SequenceNumber: 1}); err != nil {
		return err
	}

	if err := startBox(w, mp4.BoxTypeTraf()); err != nil {
		return err
	}

	tfhd := &mp4.Tfhd{TrackID: uint32(t.id)}
	tfhd.SetFlags(mp4.TfhdDefaultBaseIsMoof)
	if err := writeBox(w, tfhd); err != nil {
		return err
	}

	tfdt := &mp4.Tfdt{}
	tfdt.SetVersion(1)
	if err := writeBox(w, tfdt); err != nil {
		return err
	}

	entries, withOffsets := trunEntries(t, out, packets)
	flags := uint32(trunDataOffsetPresent | trunSampleDurationPresent | trunSampleSizePresent | trunSampleFlagsPresent)
	if withOffsets {
		flags |= trunCompositionOffsetPresent
	}

	trun := &mp4.Trun{
		SampleCount: uint32(len(entries)),
		Entries:     entries,
	}
	trun.SetVersion(1)
	trun.SetFlags(flags)

	trunInfo, err := w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeTrun()})
	if err != nil {
		return err
	}
	if _, err := mp4.Marshal(w, trun, mp4.Context{}); err != nil {
		return err
	}
	if _, err := w.EndBox(); err != nil {
		return err
	}

	// traf
	if err := endBox(w); err != nil {
		return err
	}

	moof, err = w.EndBox()
	if err != nil {
		return err
	}

	// data offset is relative to moof start and points past the mdat header
	end, err := w.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	// header, full box header, sample count
	dataOffsetPos := int64(trunInfo.Offset) + 8 + 4 + 4
	if _, err := w.Seek(dataOffsetPos, io.SeekStart); err != nil {
		return err
	}
	var dataOffset [4]byte
	binary.BigEndian.PutUint32(dataOffset[:], uint32(moof.Size)+8)
	if _, err := w.Write(dataOffset[:]); err != nil {
		return err
	}
	if _, err := w.Seek(end, io.SeekStart); err != nil {
		return err
	}

	if err := startBox(w, mp4.BoxTypeMdat()); err != nil {
		return err
	}
	for _, p := range packets {
		if _, err := w.Write(p.Data); err != nil {
			return err
		}
	}
	return endBox(w)
}
