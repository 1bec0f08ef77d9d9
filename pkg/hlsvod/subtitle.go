package hlsvod

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf8"
)

// cues without a duration stay on screen this long
const defaultCueDurationMs = 2000

var msTimebase = Rational{Num: 1, Den: 1000}

// Cue is one timed text entry in milliseconds of the presentation timeline.
type Cue struct {
	StartMs int64
	EndMs   int64
	Text    string
}

// decodeTx3g returns the text of a 3GPP timed text sample: a 16-bit big
// endian length followed by UTF-8 text and optional modifier boxes.
func decodeTx3g(data []byte) string {
	if len(data) < 2 {
		return ""
	}

	n := int(binary.BigEndian.Uint16(data))
	text := data[2:]
	if n < len(text) {
		text = text[:n]
	}

	// UTF-16 text starts with a byte order mark
	if bytes.HasPrefix(text, []byte{0xfe, 0xff}) || bytes.HasPrefix(text, []byte{0xff, 0xfe}) {
		return ""
	}

	return strings.TrimSpace(strings.ToValidUTF8(string(text), string(utf8.RuneError)))
}

// packetCue converts a tx3g packet to a cue, empty samples fill gaps and
// yield no cue.
func packetCue(p Packet, tb Rational) (Cue, bool) {
	text := decodeTx3g(p.Data)
	if text == "" {
		return Cue{}, false
	}

	start := Rescale(p.PTS, tb, msTimebase)
	end := start + defaultCueDurationMs
	if p.Duration > 0 {
		end = Rescale(p.PTS+p.Duration, tb, msTimebase)
	}

	return Cue{StartMs: start, EndMs: end, Text: text}, true
}

// clampCues keeps cues overlapping [from,to) and cuts them to its bounds.
func clampCues(cues []Cue, from, to int64) []Cue {
	kept := cues[:0]
	for _, c := range cues {
		if c.StartMs < from {
			c.StartMs = from
		}
		if c.EndMs > to {
			c.EndMs = to
		}
		if c.StartMs < c.EndMs {
			kept = append(kept, c)
		}
	}
	return kept
}

func vttTimestamp(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	return fmt.Sprintf("%02d:%02d:%02d.%03d", ms/3600000, ms/60000%60, ms/1000%60, ms%1000)
}

var vttEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// vttText escapes markup and drops blank lines, which would end the cue.
func vttText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	lines := []string{}
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, vttEscaper.Replace(line))
		}
	}
	return strings.Join(lines, "\n")
}

// WriteWebVTT renders cues as a WebVTT document. Cue times are absolute, the
// timestamp map anchors them to the start of the fragmented MP4 timeline.
func WriteWebVTT(cues []Cue) []byte {
	var b bytes.Buffer
	b.WriteString("WEBVTT\n")
	b.WriteString("X-TIMESTAMP-MAP=LOCAL:00:00:00.000,MPEGTS:0\n")

	for _, c := range cues {
		text := vttText(c.Text)
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "\n%s --> %s\n%s\n", vttTimestamp(c.StartMs), vttTimestamp(c.EndMs), text)
	}

	return b.Bytes()
}
