// Package mp4 writes and reads the ISO base media files produced by an
// export: one H.264 video track and an optional AAC audio track, each sample
// in its own chunk, with 64-bit chunk offsets.
package mp4

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var errMalformed = errors.New("malformed mp4")

// identity is the unity transformation matrix stored in mvhd and tkhd.
var identity = [9]uint32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000}

// builder serializes nested boxes into memory. Box sizes are patched when
// the box is closed.
type builder struct {
	buf   []byte
	stack []int
}

func (b *builder) start(typ string) {
	b.stack = append(b.stack, len(b.buf))
	b.u32(0)
	b.buf = append(b.buf, typ[:4]...)
}

func (b *builder) startFull(typ string, version byte, flags uint32) {
	b.start(typ)
	b.u8(version)
	b.u24(flags)
}

func (b *builder) end() {
	off := b.stack[len(b.stack)-1]
	b.stack = b.stack[:len(b.stack)-1]
	binary.BigEndian.PutUint32(b.buf[off:], uint32(len(b.buf)-off))
}

func (b *builder) u8(v byte) { b.buf = append(b.buf, v) }

func (b *builder) u16(v uint16) { b.buf = binary.BigEndian.AppendUint16(b.buf, v) }

func (b *builder) u24(v uint32) { b.buf = append(b.buf, byte(v>>16), byte(v>>8), byte(v)) }

func (b *builder) u32(v uint32) { b.buf = binary.BigEndian.AppendUint32(b.buf, v) }

func (b *builder) u64(v uint64) { b.buf = binary.BigEndian.AppendUint64(b.buf, v) }

func (b *builder) raw(p []byte) { b.buf = append(b.buf, p...) }

func (b *builder) zeros(n int) {
	for i := 0; i < n; i++ {
		b.buf = append(b.buf, 0)
	}
}

func (b *builder) matrix() {
	for _, v := range identity {
		b.u32(v)
	}
}

// descriptor writes an MPEG-4 descriptor tag with a four-byte length.
func (b *builder) descriptor(tag byte, length int) {
	b.u8(tag)
	b.u8(byte(length>>21&0x7f) | 0x80)
	b.u8(byte(length>>14&0x7f) | 0x80)
	b.u8(byte(length>>7&0x7f) | 0x80)
	b.u8(byte(length & 0x7f))
}

// box is a parsed box with its payload, excluding the header.
type box struct {
	typ  string
	data []byte
}

// parseBoxes splits data into consecutive boxes.
func parseBoxes(data []byte) ([]box, error) {
	var out []box
	for len(data) > 0 {
		if len(data) < 8 {
			return nil, fmt.Errorf("%w: truncated box header", errMalformed)
		}
		size := uint64(binary.BigEndian.Uint32(data))
		typ := string(data[4:8])
		header := uint64(8)
		switch size {
		case 0:
			size = uint64(len(data))
		case 1:
			if len(data) < 16 {
				return nil, fmt.Errorf("%w: truncated large box header", errMalformed)
			}
			size = binary.BigEndian.Uint64(data[8:])
			header = 16
		}
		if size < header || size > uint64(len(data)) {
			return nil, fmt.Errorf("%w: box %q size %d exceeds %d", errMalformed, typ, size, len(data))
		}
		out = append(out, box{typ: typ, data: data[header:size]})
		data = data[size:]
	}
	return out, nil
}

func find(boxes []box, typ string) (box, bool) {
	for _, b := range boxes {
		if b.typ == typ {
			return b, true
		}
	}
	return box{}, false
}

// child descends through a path of container boxes.
func child(data []byte, path ...string) (box, error) {
	cur := box{data: data}
	for _, typ := range path {
		kids, err := parseBoxes(cur.data)
		if err != nil {
			return box{}, err
		}
		next, ok := find(kids, typ)
		if !ok {
			return box{}, fmt.Errorf("%w: missing %s box", errMalformed, typ)
		}
		cur = next
	}
	return cur, nil
}

// reader is a bounds-checked big-endian cursor.
type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.pos+n > len(r.data) {
		r.err = fmt.Errorf("%w: read %d bytes at %d of %d", errMalformed, n, r.pos, len(r.data))
		return nil
	}
	p := r.data[r.pos : r.pos+n]
	r.pos += n
	return p
}

func (r *reader) skip(n int) { r.take(n) }

func (r *reader) u8() byte {
	p := r.take(1)
	if p == nil {
		return 0
	}
	return p[0]
}

func (r *reader) u16() uint16 {
	p := r.take(2)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint16(p)
}

func (r *reader) u32() uint32 {
	p := r.take(4)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint32(p)
}

func (r *reader) u64() uint64 {
	p := r.take(8)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint64(p)
}

// descriptor reads an MPEG-4 descriptor tag and its variable-length size.
func (r *reader) descriptor() (byte, int) {
	tag := r.u8()
	length := 0
	for i := 0; i < 4; i++ {
		b := r.u8()
		length = length<<7 | int(b&0x7f)
		if b&0x80 == 0 {
			break
		}
	}
	return tag, length
}
