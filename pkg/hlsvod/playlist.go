package hlsvod

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"
)

const subtitleGroup = "subs"

func targetDuration(segments []Segment) int {
	max := 0.0
	for _, s := range segments {
		if s.DurationSecs > max {
			max = s.DurationSecs
		}
	}
	return int(math.Ceil(max))
}

// MediaPlaylist lists every segment of a single stream.
func MediaPlaylist(index *StreamIndex, sel StreamSelector) string {
	// playlist prefix
	playlist := []string{
		"#EXTM3U",
		"#EXT-X-VERSION:7",
		fmt.Sprintf("#EXT-X-TARGETDURATION:%d", targetDuration(index.Segments)),
		"#EXT-X-PLAYLIST-TYPE:VOD",
		"#EXT-X-MEDIA-SEQUENCE:0",
		"#EXT-X-INDEPENDENT-SEGMENTS",
	}

	// WebVTT segments need no initialization
	if sel.Kind != StreamSubtitle {
		playlist = append(playlist, fmt.Sprintf("#EXT-X-MAP:URI=\"%s\"", InitSegmentName(sel, "")))
	}

	// playlist segments
	for i, segment := range index.Segments {
		playlist = append(playlist,
			fmt.Sprintf("#EXTINF:%.6f,", segment.DurationSecs),
			SegmentName(sel, "", i),
		)
	}

	// playlist suffix
	playlist = append(playlist,
		"#EXT-X-ENDLIST",
	)

	// join with newlines
	return strings.Join(playlist, "\n") + "\n"
}

type codecFamily struct {
	group string
	label string
}

var audioCodecFamilies = map[string]codecFamily{
	"aac":    {"aac", "AAC"},
	"ac3":    {"ac3", "Dolby Digital"},
	"eac3":   {"ec3", "Dolby Digital Plus"},
	"flac":   {"flac", "FLAC"},
	"mp3":    {"mp3", "MP3"},
	"opus":   {"opus", "Opus"},
	"vorbis": {"vorbis", "Vorbis"},
}

func audioFamily(codecName string) codecFamily {
	if family, ok := audioCodecFamilies[codecName]; ok {
		return family
	}

	group := strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return unicode.ToLower(r)
		}
		return -1
	}, codecName)
	if group == "" {
		group = "other"
	}
	return codecFamily{group: group, label: "Audio"}
}

// ISO 639-2 codes with a two letter RFC 5646 equivalent
var languageTags = map[string]string{
	"ara": "ar",
	"chi": "zh",
	"cze": "cs",
	"dan": "da",
	"deu": "de",
	"dut": "nl",
	"eng": "en",
	"fin": "fi",
	"fra": "fr",
	"fre": "fr",
	"ger": "de",
	"gre": "el",
	"heb": "he",
	"hin": "hi",
	"hun": "hu",
	"ita": "it",
	"jpn": "ja",
	"kor": "ko",
	"nld": "nl",
	"nor": "no",
	"pol": "pl",
	"por": "pt",
	"rus": "ru",
	"spa": "es",
	"swe": "sv",
	"tur": "tr",
	"ukr": "uk",
	"zho": "zh",
}

func languageTag(lang string) string {
	if tag, ok := languageTags[lang]; ok {
		return tag
	}
	return lang
}

func renditionName(lang, label string) string {
	if lang == "" {
		return label
	}
	return strings.ToUpper(lang) + " " + label
}

// uniqueNames suffixes names shared by more than one rendition of a group
// with the stream index.
func uniqueNames(names []string, streams []int) []string {
	count := map[string]int{}
	for _, name := range names {
		count[name]++
	}

	unique := make([]string, len(names))
	for i, name := range names {
		if count[name] > 1 {
			name = fmt.Sprintf("%s %d", name, streams[i])
		}
		unique[i] = name
	}
	return unique
}

type audioGroup struct {
	id      string
	label   string
	codecs  []string
	bitrate uint64 // of the largest rendition
	streams []AudioStreamInfo
}

// audioGroups groups audio streams by codec family, so that every group
// can be announced with a single CODECS attribute.
func audioGroups(audio []AudioStreamInfo) []*audioGroup {
	groups := []*audioGroup{}
	byID := map[string]*audioGroup{}

	for _, a := range audio {
		family := audioFamily(a.CodecName)
		id := "audio-" + family.group

		group, ok := byID[id]
		if !ok {
			group = &audioGroup{id: id, label: family.label}
			byID[id] = group
			groups = append(groups, group)
		}

		group.streams = append(group.streams, a)
		if !contains(group.codecs, a.Codec) {
			group.codecs = append(group.codecs, a.Codec)
		}
		if a.Bitrate > group.bitrate {
			group.bitrate = a.Bitrate
		}
	}

	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].id < groups[j].id
	})
	for _, group := range groups {
		sort.SliceStable(group.streams, func(i, j int) bool {
			return group.streams[i].StreamIndex < group.streams[j].StreamIndex
		})
	}

	return groups
}

func (g *audioGroup) names() []string {
	names := make([]string, len(g.streams))
	streams := make([]int, len(g.streams))
	for i, a := range g.streams {
		names[i] = renditionName(a.Language, g.label)
		streams[i] = a.StreamIndex
	}
	return uniqueNames(names, streams)
}

func audioMedia(g *audioGroup) []string {
	lines := []string{}
	names := g.names()

	for i, a := range g.streams {
		attrs := []string{
			"TYPE=AUDIO",
			fmt.Sprintf("GROUP-ID=\"%s\"", g.id),
			fmt.Sprintf("NAME=\"%s\"", names[i]),
		}
		if a.Language != "" {
			attrs = append(attrs, fmt.Sprintf("LANGUAGE=\"%s\"", languageTag(a.Language)))
		}
		if i == 0 {
			attrs = append(attrs, "DEFAULT=YES", "AUTOSELECT=YES")
		} else {
			attrs = append(attrs, "DEFAULT=NO", "AUTOSELECT=YES")
		}
		if a.Channels > 0 {
			attrs = append(attrs, fmt.Sprintf("CHANNELS=\"%d\"", a.Channels))
		}
		attrs = append(attrs, fmt.Sprintf("URI=\"%s\"", PlaylistName(a.StreamIndex)))

		lines = append(lines, "#EXT-X-MEDIA:"+strings.Join(attrs, ","))
	}

	return lines
}

// subtitleMedia never selects a subtitle by default.
func subtitleMedia(subtitles []SubtitleStreamInfo) []string {
	subtitles = append([]SubtitleStreamInfo(nil), subtitles...)
	sort.SliceStable(subtitles, func(i, j int) bool {
		return subtitles[i].StreamIndex < subtitles[j].StreamIndex
	})

	names := make([]string, len(subtitles))
	streams := make([]int, len(subtitles))
	for i, s := range subtitles {
		names[i] = renditionName(s.Language, "Subtitles")
		streams[i] = s.StreamIndex
	}
	names = uniqueNames(names, streams)

	lines := []string{}
	for i, s := range subtitles {
		attrs := []string{
			"TYPE=SUBTITLES",
			fmt.Sprintf("GROUP-ID=\"%s\"", subtitleGroup),
			fmt.Sprintf("NAME=\"%s\"", names[i]),
		}
		if s.Language != "" {
			attrs = append(attrs, fmt.Sprintf("LANGUAGE=\"%s\"", languageTag(s.Language)))
		}
		attrs = append(attrs,
			"DEFAULT=NO",
			"AUTOSELECT=YES",
			"FORCED=NO",
			fmt.Sprintf("URI=\"%s\"", PlaylistName(s.StreamIndex)),
		)

		lines = append(lines, "#EXT-X-MEDIA:"+strings.Join(attrs, ","))
	}

	return lines
}

type layer struct {
	Bitrate uint64
	Entries []string
}

// MasterPlaylist references one media playlist per stream. Audio streams are
// grouped by codec family as alternative renditions, every video stream is
// announced once per audio group.
func MasterPlaylist(index *StreamIndex) string {
	playlist := []string{
		"#EXTM3U",
		"#EXT-X-VERSION:7",
		"#EXT-X-INDEPENDENT-SEGMENTS",
	}

	groups := audioGroups(index.Audio)

	// audio renditions are only needed next to video
	if len(index.Video) > 0 {
		for _, g := range groups {
			playlist = append(playlist, audioMedia(g)...)
		}
	}

	subtitles := len(index.Subtitle) > 0
	if subtitles {
		playlist = append(playlist, subtitleMedia(index.Subtitle)...)
	}

	variant := func(bandwidth uint64, codecs []string, extra []string, uri string) layer {
		if subtitles {
			codecs = append(codecs, "wvtt")
		}

		attrs := []string{
			fmt.Sprintf("BANDWIDTH=%d", bandwidth),
			fmt.Sprintf("CODECS=\"%s\"", strings.Join(codecs, ",")),
		}
		attrs = append(attrs, extra...)
		if subtitles {
			attrs = append(attrs, fmt.Sprintf("SUBTITLES=\"%s\"", subtitleGroup))
		}

		return layer{
			Bitrate: bandwidth,
			Entries: []string{
				"#EXT-X-STREAM-INF:" + strings.Join(attrs, ","),
				uri,
			},
		}
	}

	layers := []layer{}

	for _, v := range index.Video {
		video := []string{}
		if v.Width > 0 && v.Height > 0 {
			video = append(video, fmt.Sprintf("RESOLUTION=%dx%d", v.Width, v.Height))
		}
		if v.Framerate != nil {
			video = append(video, fmt.Sprintf("FRAME-RATE=%.3f", *v.Framerate))
		}

		if len(groups) == 0 {
			layers = append(layers, variant(v.Bitrate*160/100, []string{v.Codec}, video, PlaylistName(v.StreamIndex)))
			continue
		}

		for _, g := range groups {
			bandwidth := (v.Bitrate + g.bitrate) * 160 / 100
			codecs := append([]string{v.Codec}, g.codecs...)
			extra := append(append([]string{}, video...), fmt.Sprintf("AUDIO=\"%s\"", g.id))

			layers = append(layers, variant(bandwidth, codecs, extra, PlaylistName(v.StreamIndex)))
		}
	}

	// audio only sources expose every audio stream as a variant
	if len(index.Video) == 0 {
		for _, a := range index.Audio {
			layers = append(layers, variant(a.Bitrate*160/100, []string{a.Codec}, nil, PlaylistName(a.StreamIndex)))
		}
	}

	// sort by bitrate
	sort.SliceStable(layers, func(i, j int) bool {
		return layers[i].Bitrate < layers[j].Bitrate
	})

	for _, layer := range layers {
		playlist = append(playlist, layer.Entries...)
	}

	// join with newlines
	return strings.Join(playlist, "\n") + "\n"
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
