package pcm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBuffer_MinimumCapacity(t *testing.T) {
	rb := NewRingBuffer(1024)
	assert.Equal(t, MinRingBufferBytes, rb.Cap())
	assert.Equal(t, 0, rb.Len())
	assert.Equal(t, rb.Cap(), rb.Free())

	rb = NewRingBuffer(MinRingBufferBytes + 1)
	assert.Equal(t, 2*MinRingBufferBytes, rb.Cap())
}

func TestRingBuffer_WriteReadConsume(t *testing.T) {
	rb := NewRingBuffer(0)
	require.NoError(t, rb.Write([]byte{1, 2, 3, 4, 5}))
	assert.Equal(t, 5, rb.Len())

	got := make([]byte, 3)
	require.NoError(t, rb.ReadAt(got, 1))
	assert.Equal(t, []byte{2, 3, 4}, got)
	assert.Equal(t, 5, rb.Len(), "ReadAt must not consume")

	assert.Equal(t, 2, rb.Consume(2))
	require.NoError(t, rb.ReadAt(got, 0))
	assert.Equal(t, []byte{3, 4, 5}, got)

	assert.Equal(t, 3, rb.Consume(10), "consume clamps to occupied bytes")
	assert.Equal(t, 0, rb.Len())
	assert.Equal(t, 0, rb.Consume(1))
}

func TestRingBuffer_WrapAround(t *testing.T) {
	rb := NewRingBuffer(0)
	capacity := rb.Cap()

	filler := make([]byte, capacity-2)
	require.NoError(t, rb.Write(filler))
	rb.Consume(capacity - 2)

	// Four bytes straddle the physical end of the buffer.
	require.NoError(t, rb.Write([]byte{9, 8, 7, 6}))
	got := make([]byte, 4)
	require.NoError(t, rb.ReadAt(got, 0))
	assert.Equal(t, []byte{9, 8, 7, 6}, got)

	part := make([]byte, 2)
	require.NoError(t, rb.ReadAt(part, 2))
	assert.Equal(t, []byte{7, 6}, part)
}

func TestRingBuffer_NeverExceedsCapacity(t *testing.T) {
	rb := NewRingBuffer(0)
	block := make([]byte, 64*1024)
	for i := 0; i < rb.Cap()/len(block); i++ {
		require.NoError(t, rb.Write(block))
	}
	assert.Equal(t, 0, rb.Free())

	err := rb.Write([]byte{1})
	assert.ErrorIs(t, err, ErrRingBufferFull)
	assert.Equal(t, rb.Cap(), rb.Len(), "rejected write must not change occupancy")

	rb.Consume(10)
	assert.ErrorIs(t, rb.Write(make([]byte, 11)), ErrRingBufferFull)
	require.NoError(t, rb.Write(make([]byte, 10)))
	assert.LessOrEqual(t, rb.Len(), rb.Cap())
}

func TestRingBuffer_ReadOutOfRange(t *testing.T) {
	rb := NewRingBuffer(0)
	require.NoError(t, rb.Write([]byte{1, 2}))
	assert.ErrorIs(t, rb.ReadAt(make([]byte, 3), 0), ErrRingBufferRange)
	assert.ErrorIs(t, rb.ReadAt(make([]byte, 1), 2), ErrRingBufferRange)
	assert.ErrorIs(t, rb.ReadAt(make([]byte, 1), -1), ErrRingBufferRange)

	rb.Reset()
	assert.Equal(t, 0, rb.Len())
}
