package isobmff

import (
	"encoding/binary"
	"math"
)

var (
	TypeMoov = Type("moov")
	TypeMoof = Type("moof")
	TypeMfhd = Type("mfhd")
	TypeTfdt = Type("tfdt")
	TypeTfhd = Type("tfhd")
	TypeTrex = Type("trex")
	TypeEdts = Type("edts")
	TypeElst = Type("elst")
	TypeFree = Type("free")
	TypeStyp = Type("styp")
)

// FragmentContainers lists the boxes that carry children in a fragmented MP4.
var FragmentContainers = Containers("moov", "trak", "mdia", "minf", "stbl", "edts", "mvex", "moof", "traf", "dinf")

// PatchFragmentTimes shifts every tfdt so that the first one equals target,
// keeping the distance between fragments. Movie fragment sequence numbers
// are renumbered from startSeq. It returns the number of tfdt boxes patched.
func PatchFragmentTimes(buf []byte, target uint64, startSeq uint32) int {
	var (
		delta    int64
		hasDelta bool
		patched  int
		seq      = startSeq
	)

	WalkMut(buf, FragmentContainers, func(typ BoxType, payload []byte) {
		switch typ {
		case TypeMfhd:
			if len(payload) < 8 {
				return
			}
			binary.BigEndian.PutUint32(payload[4:8], seq)
			seq++
		case TypeTfdt:
			current, ok := readTfdt(payload)
			if !ok {
				return
			}
			if !hasDelta {
				delta = int64(target) - int64(current)
				hasDelta = true
			}
			next := int64(current) + delta
			if next < 0 {
				next = 0
			}
			writeTfdt(payload, uint64(next))
			patched++
		}
	})

	return patched
}

// PatchTrexDefaultDuration sets default_sample_duration of every trex box.
func PatchTrexDefaultDuration(buf []byte, duration uint32) int {
	patched := 0
	WalkMut(buf, FragmentContainers, func(typ BoxType, payload []byte) {
		if typ != TypeTrex || len(payload) < 16 {
			return
		}
		binary.BigEndian.PutUint32(payload[12:16], duration)
		patched++
	})
	return patched
}

// NeutralizeEditLists turns every edts box into a free box of the same size.
func NeutralizeEditLists(buf []byte) int {
	neutralized := 0
	Walk(buf, FragmentContainers, func(b Box) {
		if b.Type != TypeEdts {
			return
		}
		copy(buf[b.Offset+4:b.Offset+8], TypeFree[:])
		neutralized++
	})
	return neutralized
}

// ReadBaseMediaDecodeTimes lists the tfdt values in file order.
func ReadBaseMediaDecodeTimes(buf []byte) []uint64 {
	var times []uint64
	Walk(buf, FragmentContainers, func(b Box) {
		if b.Type != TypeTfdt {
			return
		}
		if value, ok := readTfdt(b.Payload); ok {
			times = append(times, value)
		}
	})
	return times
}

func readTfdt(payload []byte) (uint64, bool) {
	if len(payload) < 8 {
		return 0, false
	}
	if payload[0] == 1 {
		if len(payload) < 12 {
			return 0, false
		}
		return binary.BigEndian.Uint64(payload[4:12]), true
	}
	return uint64(binary.BigEndian.Uint32(payload[4:8])), true
}

func writeTfdt(payload []byte, value uint64) {
	if payload[0] == 1 {
		binary.BigEndian.PutUint64(payload[4:12], value)
		return
	}
	if value > math.MaxUint32 {
		value = math.MaxUint32
	}
	binary.BigEndian.PutUint32(payload[4:8], uint32(value))
}
