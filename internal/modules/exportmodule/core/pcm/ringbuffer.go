package pcm

import (
	"errors"
	"fmt"
)

// MinRingBufferBytes is the smallest capacity accepted by NewRingBuffer.
const MinRingBufferBytes = 1 << 20

var (
	// ErrRingBufferFull is returned when a write does not fit in free space.
	ErrRingBufferFull = errors.New("pcm ring buffer full")
	// ErrRingBufferRange is returned when a read or consume exceeds occupied bytes.
	ErrRingBufferRange = errors.New("pcm ring buffer range")
)

// RingBuffer is a fixed-capacity circular byte store for decoded PCM.
//
// Both positions run freely and are only masked when indexing. Occupied
// bytes never exceed capacity: writes that would overflow are rejected
// whole, and reads never go past what was written. A RingBuffer is owned by
// one adapter and is not safe for concurrent use.
type RingBuffer struct {
	buf      []byte
	mask     uint64
	readPos  uint64
	writePos uint64
}

// NewRingBuffer creates a ring buffer with at least capacity bytes. The
// capacity is raised to MinRingBufferBytes and rounded up to a power of two.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < MinRingBufferBytes {
		capacity = MinRingBufferBytes
	}
	size := uint64(1)
	for size < uint64(capacity) {
		size <<= 1
	}
	return &RingBuffer{
		buf:  make([]byte, size),
		mask: size - 1,
	}
}

// Cap returns the capacity in bytes.
func (rb *RingBuffer) Cap() int {
	return len(rb.buf)
}

// Len returns the number of occupied bytes.
func (rb *RingBuffer) Len() int {
	return int(rb.writePos - rb.readPos)
}

// Free returns the number of bytes that can be written.
func (rb *RingBuffer) Free() int {
	return len(rb.buf) - rb.Len()
}

// Write appends p. Nothing is written if p does not fit.
func (rb *RingBuffer) Write(p []byte) error {
	if len(p) > rb.Free() {
		return fmt.Errorf("%w: write %d bytes with %d free", ErrRingBufferFull, len(p), rb.Free())
	}
	start := int(rb.writePos & rb.mask)
	n := copy(rb.buf[start:], p)
	if n < len(p) {
		copy(rb.buf, p[n:])
	}
	rb.writePos += uint64(len(p))
	return nil
}

// ReadAt copies occupied bytes starting offset bytes past the read position
// into dst without consuming them.
func (rb *RingBuffer) ReadAt(dst []byte, offset int) error {
	if offset < 0 || offset+len(dst) > rb.Len() {
		return fmt.Errorf("%w: read %d bytes at %d with %d occupied", ErrRingBufferRange, len(dst), offset, rb.Len())
	}
	start := int((rb.readPos + uint64(offset)) & rb.mask)
	n := copy(dst, rb.buf[start:])
	if n < len(dst) {
		copy(dst[n:], rb.buf)
	}
	return nil
}

// Consume discards up to n occupied bytes and returns how many were dropped.
func (rb *RingBuffer) Consume(n int) int {
	if n <= 0 {
		return 0
	}
	if n > rb.Len() {
		n = rb.Len()
	}
	rb.readPos += uint64(n)
	return n
}

// Reset empties the buffer.
func (rb *RingBuffer) Reset() {
	rb.readPos = 0
	rb.writePos = 0
}
