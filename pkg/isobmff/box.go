package isobmff

import "encoding/binary"

// MaxDepth limits how deep Walk descends into nested containers.
const MaxDepth = 16

const headerSize = 8

// BoxType is the four character code of a box.
type BoxType [4]byte

// Type builds a BoxType from a four character string.
func Type(code string) BoxType {
	var t BoxType
	copy(t[:], code)
	return t
}

func (t BoxType) String() string {
	return string(t[:])
}

// Box is a view into a buffer. Payload is never a copy.
type Box struct {
	Type    BoxType
	Size    uint32
	Offset  int
	Depth   int
	Payload []byte
}

// BoxTypes is the container allow-list passed to Walk.
type BoxTypes map[BoxType]struct{}

// Containers builds a container allow-list.
func Containers(codes ...string) BoxTypes {
	types := make(BoxTypes, len(codes))
	for _, code := range codes {
		types[Type(code)] = struct{}{}
	}
	return types
}

func (b BoxTypes) has(t BoxType) bool {
	_, ok := b[t]
	return ok
}

// Walk visits every box in buf in pre-order, descending only into types
// listed in containers. A header with size < 8, or a box running past the
// end of its parent, stops the walk at that level without an error.
func Walk(buf []byte, containers BoxTypes, visit func(Box)) {
	walk(buf, 0, 0, containers, visit)
}

// WalkMut is Walk with a writable payload. visit may overwrite payload bytes
// in place but must not change their length.
func WalkMut(buf []byte, containers BoxTypes, visit func(typ BoxType, payload []byte)) {
	walk(buf, 0, 0, containers, func(b Box) {
		visit(b.Type, b.Payload)
	})
}

// Trailing returns how many bytes at the top level were not covered by
// well-formed boxes.
func Trailing(buf []byte) int {
	return len(buf) - walk(buf, 0, 0, nil, func(Box) {})
}

// FindFirst returns the offset of the first box of the given type.
func FindFirst(buf []byte, containers BoxTypes, typ BoxType) (int, bool) {
	found, offset := false, 0
	Walk(buf, containers, func(b Box) {
		if !found && b.Type == typ {
			found, offset = true, b.Offset
		}
	})
	return offset, found
}

// walk returns the number of bytes consumed by well-formed boxes.
func walk(buf []byte, base int, depth int, containers BoxTypes, visit func(Box)) int {
	offset := 0
	for len(buf)-offset >= headerSize {
		size := int(binary.BigEndian.Uint32(buf[offset:]))
		if size < headerSize || size > len(buf)-offset {
			break
		}

		var typ BoxType
		copy(typ[:], buf[offset+4:offset+8])
		payload := buf[offset+headerSize : offset+size : offset+size]

		visit(Box{
			Type:    typ,
			Size:    uint32(size),
			Offset:  base + offset,
			Depth:   depth,
			Payload: payload,
		})

		if depth+1 < MaxDepth && containers.has(typ) {
			walk(payload, base+offset+headerSize, depth+1, containers, visit)
		}

		offset += size
	}
	return offset
}
