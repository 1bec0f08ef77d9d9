package hlsvod

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/abema/go-mp4"

	"github.com/m1k1o/go-hlsvod/pkg/isobmff"
)

// Packet is one access unit in the time base of its track.
type Packet struct {
	DTS      int64
	PTS      int64
	Duration int64
	Sync     bool
	Data     []byte
}

type sample struct {
	offset   int64
	size     uint32
	dts      int64
	cto      int64
	duration uint32
	sync     bool
}

type demuxTrack struct {
	id        int
	kind      StreamKind
	timescale uint32
	duration  uint64
	shift     int64 // edit list media time, subtracted from every dts

	sampleEntry string
	stsd        []byte // raw stsd box, copied into init segments

	codec     string
	codecName string
	language  string
	bitrate   uint64

	width, height        int
	sampleRate, channels int

	samples []sample
	cursor  int
}

func (t *demuxTrack) timebase() Rational {
	return Rational{Num: 1, Den: int64(t.timescale)}
}

// seekSync moves the cursor to the last sync sample with dts <= target.
func (t *demuxTrack) seekSync(target int64) {
	idx := sort.Search(len(t.samples), func(i int) bool {
		return t.samples[i].dts > target
	}) - 1
	for idx > 0 && !t.samples[idx].sync {
		idx--
	}
	if idx < 0 {
		idx = 0
	}
	t.cursor = idx
}

// seekSample moves the cursor to the last sample with dts <= target.
func (t *demuxTrack) seekSample(target int64) {
	idx := sort.Search(len(t.samples), func(i int) bool {
		return t.samples[i].dts > target
	}) - 1
	if idx < 0 {
		idx = 0
	}
	t.cursor = idx
}

type demuxer struct {
	path      string
	file      *os.File
	timescale uint32
	duration  uint64
	tracks    []*demuxTrack
}

func openDemuxer(path string) (*demuxer, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, &IOError{Path: path, Err: err}
	}

	d := &demuxer{
		path: path,
		file: file,
	}

	if err := d.probe(); err != nil {
		file.Close()
		return nil, err
	}

	return d, nil
}

func (d *demuxer) probe() error {
	info, err := mp4.Probe(d.file)
	if err != nil {
		return &GenerationError{Op: "probe", Err: err}
	}

	traks, err := mp4.ExtractBox(d.file, nil, mp4.BoxPath{mp4.BoxTypeMoov(), mp4.BoxTypeTrak()})
	if err != nil {
		return &GenerationError{Op: "probe", Err: err}
	}

	if len(traks) != len(info.Tracks) {
		return &GenerationError{Op: "probe", Err: fmt.Errorf("found %d trak boxes but probed %d tracks", len(traks), len(info.Tracks))}
	}

	d.timescale = info.Timescale
	d.duration = info.Duration

	for i, trak := range traks {
		track, err := d.probeTrack(trak, info.Tracks[i])
		if err != nil {
			return &GenerationError{Op: "probe", Err: fmt.Errorf("track %d: %w", info.Tracks[i].TrackID, err)}
		}
		if track != nil {
			d.tracks = append(d.tracks, track)
		}
	}

	return nil
}

// probeTrack returns nil for tracks that can not be served.
func (d *demuxer) probeTrack(trak *mp4.BoxInfo, pt *mp4.Track) (*demuxTrack, error) {
	boxes, err := mp4.ExtractBoxesWithPayload(d.file, trak, []mp4.BoxPath{
		{mp4.BoxTypeMdia(), mp4.BoxTypeHdlr()},
		{mp4.BoxTypeMdia(), mp4.BoxTypeMdhd()},
		{mp4.BoxTypeMdia(), mp4.BoxTypeMinf(), mp4.BoxTypeStbl(), mp4.BoxTypeStss()},
		{mp4.BoxTypeMdia(), mp4.BoxTypeMinf(), mp4.BoxTypeStbl(), mp4.BoxTypeStsz()},
	})
	if err != nil {
		return nil, err
	}

	var (
		hdlr *mp4.Hdlr
		mdhd *mp4.Mdhd
		stss *mp4.Stss
		stsz *mp4.Stsz
	)
	for _, box := range boxes {
		switch box.Info.Type {
		case mp4.BoxTypeHdlr():
			hdlr = box.Payload.(*mp4.Hdlr)
		case mp4.BoxTypeMdhd():
			mdhd = box.Payload.(*mp4.Mdhd)
		case mp4.BoxTypeStss():
			stss = box.Payload.(*mp4.Stss)
		case mp4.BoxTypeStsz():
			stsz = box.Payload.(*mp4.Stsz)
		}
	}

	if hdlr == nil {
		return nil, errors.New("hdlr box not found")
	}

	t := &demuxTrack{
		id:        int(pt.TrackID),
		timescale: pt.Timescale,
		duration:  pt.Duration,
	}

	switch string(hdlr.HandlerType[:]) {
	case "vide":
		t.kind = StreamVideo
	case "soun":
		t.kind = StreamAudio
	case "text", "sbtl", "subt":
		t.kind = StreamSubtitle
	default:
		return nil, nil
	}

	if t.timescale == 0 {
		return nil, errors.New("track has zero timescale")
	}

	if mdhd != nil {
		t.language = parseLanguage(mdhd.Language)
	}

	t.stsd, err = d.readRawBox(trak, mp4.BoxPath{mp4.BoxTypeMdia(), mp4.BoxTypeMinf(), mp4.BoxTypeStbl(), mp4.BoxTypeStsd()})
	if err != nil {
		return nil, err
	}

	// probe does not apply a constant stsz sample size
	if stsz != nil && stsz.SampleSize != 0 {
		for _, s := range pt.Samples {
			s.Size = stsz.SampleSize
		}
	}

	t.shift = editListShift(pt.EditList, d.timescale, t.timescale)
	t.samples = expandSamples(pt, t.shift)
	if len(t.samples) == 0 && t.kind == StreamSubtitle {
		return nil, nil
	}
	if len(t.samples) == 0 {
		return nil, errors.New("track has no samples")
	}

	if t.duration == 0 {
		for _, s := range t.samples {
			t.duration += uint64(s.duration)
		}
	}

	t.bitrate = pt.Samples.GetBitrate(pt.Timescale)

	switch {
	case t.kind != StreamVideo:
		for i := range t.samples {
			t.samples[i].sync = true
		}
	case stss != nil:
		for _, number := range stss.SampleNumber {
			if number >= 1 && int(number) <= len(t.samples) {
				t.samples[number-1].sync = true
			}
		}
	default:
		markSyncSamples(d.file, pt, t.samples)
	}

	if err := describeSampleEntry(t, pt); err != nil {
		return nil, err
	}

	// only tx3g can be converted to WebVTT
	if t.kind == StreamSubtitle && t.sampleEntry != "tx3g" {
		return nil, nil
	}

	return t, nil
}

func (d *demuxer) readRawBox(parent *mp4.BoxInfo, path mp4.BoxPath) ([]byte, error) {
	infos, err := mp4.ExtractBox(d.file, parent, path)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("%s box not found", path[len(path)-1])
	}

	bi := infos[0]
	if _, err := bi.SeekToStart(d.file); err != nil {
		return nil, err
	}

	raw := make([]byte, bi.Size)
	if _, err := io.ReadFull(d.file, raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// markSyncSamples treats every sample as sync unless the bitstream can be
// scanned for IDR frames.
func markSyncSamples(r io.ReadSeeker, pt *mp4.Track, samples []sample) {
	if pt.AVC != nil {
		idrs, err := mp4.FindIDRFrames(r, pt)
		if err == nil && len(idrs) > 0 {
			for _, idx := range idrs {
				if idx < len(samples) {
					samples[idx].sync = true
				}
			}
			return
		}
	}

	for i := range samples {
		samples[i].sync = true
	}
}

func expandSamples(pt *mp4.Track, shift int64) []sample {
	samples := make([]sample, len(pt.Samples))

	var dts int64
	for i, s := range pt.Samples {
		samples[i] = sample{
			size:     s.Size,
			dts:      dts - shift,
			cto:      s.CompositionTimeOffset,
			duration: s.TimeDelta,
		}
		dts += int64(s.TimeDelta)
	}

	si := 0
	for _, chunk := range pt.Chunks {
		offset := int64(chunk.DataOffset)
		for j := uint32(0); j < chunk.SamplesPerChunk && si < len(samples); j++ {
			samples[si].offset = offset
			offset += int64(samples[si].size)
			si++
		}
	}

	// sample tables longer than chunk tables are truncated
	return samples[:si]
}

// editListShift returns the media time that maps to presentation zero.
// Leading empty edits delay the track and make the shift negative.
func editListShift(list mp4.EditList, movieTimescale, timescale uint32) int64 {
	if movieTimescale == 0 {
		movieTimescale = timescale
	}

	var delay int64
	for _, entry := range list {
		if entry.MediaTime == -1 {
			delay += Rescale(int64(entry.SegmentDuration), Rational{1, int64(movieTimescale)}, Rational{1, int64(timescale)})
			continue
		}
		return entry.MediaTime - delay
	}
	return -delay
}

func parseLanguage(code [3]byte) string {
	lang := make([]byte, 3)
	for i, c := range code {
		if c == 0 || c > 26 {
			return ""
		}
		lang[i] = c + 0x60
	}
	if string(lang) == "und" {
		return ""
	}
	return string(lang)
}

// describeSampleEntry fills codec and format details from the first sample
// entry of the stsd box.
func describeSampleEntry(t *demuxTrack, pt *mp4.Track) error {
	// box header, full box header and entry count
	if len(t.stsd) < 16 {
		return errors.New("stsd box too short")
	}

	var entry *isobmff.Box
	isobmff.Walk(t.stsd[16:], nil, func(b isobmff.Box) {
		if entry == nil {
			entry = &b
		}
	})
	if entry == nil {
		return errors.New("stsd has no sample entry")
	}

	t.sampleEntry = entry.Type.String()
	payload := entry.Payload

	switch t.kind {
	case StreamVideo:
		if len(payload) >= 28 {
			t.width = int(binary.BigEndian.Uint16(payload[24:]))
			t.height = int(binary.BigEndian.Uint16(payload[26:]))
		}
	case StreamAudio:
		if len(payload) >= 28 {
			t.channels = int(binary.BigEndian.Uint16(payload[16:]))
			t.sampleRate = int(binary.BigEndian.Uint32(payload[24:]) >> 16)
		}
		if t.sampleRate == 0 {
			t.sampleRate = int(t.timescale)
		}
	}

	switch t.sampleEntry {
	case "avc1", "avc3":
		t.codecName = "h264"
		if pt.AVC != nil {
			t.codec = fmt.Sprintf("avc1.%02x%02x%02x", pt.AVC.Profile, pt.AVC.ProfileCompatibility, pt.AVC.Level)
			if pt.AVC.Width != 0 {
				t.width, t.height = int(pt.AVC.Width), int(pt.AVC.Height)
			}
		} else if avcC, ok := findAvcC(payload); ok {
			t.codec = fmt.Sprintf("avc1.%02x%02x%02x", avcC[1], avcC[2], avcC[3])
		} else {
			t.codec = "avc1.640028"
		}
	case "hvc1", "hev1":
		t.codecName = "hevc"
		t.codec = "hvc1.1.6.L93.B0"
	case "mp4a":
		t.codecName = "aac"
		aot := uint8(2)
		if pt.MP4A != nil && pt.MP4A.AudOTI != 0 {
			aot = pt.MP4A.AudOTI
		}
		if pt.MP4A != nil && pt.MP4A.ChannelCount != 0 {
			t.channels = int(pt.MP4A.ChannelCount)
		}
		t.codec = fmt.Sprintf("mp4a.40.%d", aot)
	case "ac-3":
		t.codecName = "ac3"
		t.codec = "ac-3"
	case "ec-3":
		t.codecName = "eac3"
		t.codec = "ec-3"
	case "Opus":
		t.codecName = "opus"
		t.codec = "Opus"
	case "fLaC":
		t.codecName = "flac"
		t.codec = "fLaC"
	case "tx3g":
		t.codecName = "tx3g"
		t.codec = "wvtt"
	default:
		t.codecName = t.sampleEntry
		t.codec = t.sampleEntry
	}

	return nil
}

// visual sample entry fields preceding child boxes
const visualSampleEntrySize = 78

func findAvcC(payload []byte) ([]byte, bool) {
	if len(payload) < visualSampleEntrySize {
		return nil, false
	}

	var avcC []byte
	isobmff.Walk(payload[visualSampleEntrySize:], nil, func(b isobmff.Box) {
		if avcC == nil && b.Type == isobmff.Type("avcC") && len(b.Payload) >= 4 {
			avcC = b.Payload
		}
	})
	return avcC, avcC != nil
}

func (d *demuxer) track(id int) (*demuxTrack, bool) {
	for _, t := range d.tracks {
		if t.id == id {
			return t, true
		}
	}
	return nil, false
}

func (d *demuxer) firstTrack(kind StreamKind) (*demuxTrack, bool) {
	for _, t := range d.tracks {
		if t.kind == kind {
			return t, true
		}
	}
	return nil, false
}

// readPacket returns io.EOF once the track is exhausted.
func (d *demuxer) readPacket(t *demuxTrack) (Packet, error) {
	if t.cursor >= len(t.samples) {
		return Packet{}, io.EOF
	}

	s := t.samples[t.cursor]
	data := make([]byte, s.size)
	if _, err := d.file.ReadAt(data, s.offset); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Packet{}, fmt.Errorf("unable to read sample %d: %w", t.cursor, err)
	}
	t.cursor++

	return Packet{
		DTS:      s.dts,
		PTS:      s.dts + s.cto,
		Duration: int64(s.duration),
		Sync:     s.sync,
		Data:     data,
	}, nil
}

func (d *demuxer) Close() error {
	return d.file.Close()
}
