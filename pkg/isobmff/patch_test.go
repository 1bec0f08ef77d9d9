package isobmff

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

func tfdtV1(value uint64) []byte {
	payload := make([]byte, 12)
	payload[0] = 1
	binary.BigEndian.PutUint64(payload[4:], value)
	return box("tfdt", payload)
}

func tfdtV0(value uint32) []byte {
	payload := make([]byte, 8)
	binary.BigEndian.PutUint32(payload[4:], value)
	return box("tfdt", payload)
}

func mfhd(seq uint32) []byte {
	payload := make([]byte, 8)
	binary.BigEndian.PutUint32(payload[4:], seq)
	return box("mfhd", payload)
}

func fragment(seq uint32, tfdt []byte) []byte {
	return concat(box("moof", mfhd(seq), box("traf", box("tfhd", make([]byte, 8)), tfdt)), box("mdat", []byte{0}))
}

func TestPatchFragmentTimes(t *testing.T) {
	t.Run("first tfdt becomes target and later keep their distance", func(t *testing.T) {
		buf := concat(fragment(1, tfdtV1(0)), fragment(2, tfdtV1(3000)))

		patched := PatchFragmentTimes(buf, 360000, 5001)

		assert.Equal(t, 2, patched)
		assert.Equal(t, []uint64{360000, 363000}, ReadBaseMediaDecodeTimes(buf))

		var seqs []uint32
		Walk(buf, FragmentContainers, func(b Box) {
			if b.Type == TypeMfhd {
				seqs = append(seqs, binary.BigEndian.Uint32(b.Payload[4:8]))
			}
		})
		assert.Equal(t, []uint32{5001, 5002}, seqs)
	})

	t.Run("version 0 tfdt", func(t *testing.T) {
		buf := fragment(1, tfdtV0(100))

		PatchFragmentTimes(buf, 48000, 1)

		assert.Equal(t, []uint64{48000}, ReadBaseMediaDecodeTimes(buf))
	})

	t.Run("negative results clamp to zero", func(t *testing.T) {
		buf := concat(fragment(1, tfdtV1(500)), fragment(2, tfdtV1(100)))

		PatchFragmentTimes(buf, 0, 1)

		assert.Equal(t, []uint64{0, 0}, ReadBaseMediaDecodeTimes(buf))
	})

	t.Run("length is preserved", func(t *testing.T) {
		buf := fragment(1, tfdtV1(0))
		size := len(buf)

		PatchFragmentTimes(buf, 1<<40, 1)

		assert.Len(t, buf, size)
		assert.Equal(t, []uint64{1 << 40}, ReadBaseMediaDecodeTimes(buf))
	})
}

func TestPatchTrexDefaultDuration(t *testing.T) {
	buf := box("moov", box("mvex", box("trex", make([]byte, 24))))

	assert.Equal(t, 1, PatchTrexDefaultDuration(buf, 3000))
	// moov(8) + mvex(8) + trex header(8) + payload[12:16]
	assert.Equal(t, uint32(3000), binary.BigEndian.Uint32(buf[24+12:24+16]))
}

func TestNeutralizeEditLists(t *testing.T) {
	buf := box("moov", box("trak", box("edts", box("elst", make([]byte, 16))), box("mdia")))
	size := len(buf)

	assert.Equal(t, 1, NeutralizeEditLists(buf))
	assert.Len(t, buf, size)

	var types []string
	Walk(buf, FragmentContainers, func(b Box) {
		types = append(types, b.Type.String())
	})
	assert.Equal(t, []string{"moov", "trak", "free", "mdia"}, types)
}
