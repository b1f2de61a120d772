// Package mixer sums several resampled PCM sources into one interleaved
// s16le stream, one fixed-size chunk at a time.
package mixer

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/framecast/internal/modules/exportmodule/core/codec"
	exportErrors "github.com/mantonx/framecast/internal/modules/exportmodule/errors"
)

// DefaultChunkFrames is the number of target-rate frames mixed per round.
const DefaultChunkFrames = 1024

// Source produces target-format float frames. ReadInto adds its samples
// into dst and returns how many frames it produced.
type Source interface {
	ReadInto(dst []float32, frames int) (int, error)
	Path() string
}

// Chunk is one mixed block of interleaved s16le PCM.
type Chunk struct {
	PCM    []byte
	PTSUs  int64
	Frames int
}

// Mixer drives its sources in lockstep. It is not safe for concurrent use.
type Mixer struct {
	sources     []Source
	active      []bool
	format      codec.PCMFormat
	chunkFrames int
	logger      hclog.Logger

	acc     []float32
	scratch []float32
	out     []byte

	sampleCount int64
	lastPTS     int64
	done        bool
}

// New creates a mixer over sources producing format. Non-positive
// chunkFrames selects DefaultChunkFrames.
func New(sources []Source, format codec.PCMFormat, chunkFrames int, logger hclog.Logger) *Mixer {
	if chunkFrames <= 0 {
		chunkFrames = DefaultChunkFrames
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	samples := chunkFrames * format.Channels
	active := make([]bool, len(sources))
	for i := range active {
		active[i] = true
	}
	return &Mixer{
		sources:     sources,
		active:      active,
		format:      format,
		chunkFrames: chunkFrames,
		logger:      logger.Named("mixer"),
		acc:         make([]float32, samples),
		scratch:     make([]float32, samples),
		out:         make([]byte, samples*2),
	}
}

// Format returns the output format.
func (m *Mixer) Format() codec.PCMFormat {
	return m.format
}

// SampleCount returns the number of frames emitted so far.
func (m *Mixer) SampleCount() int64 {
	return m.sampleCount
}

// PTSUs returns the presentation time of the next chunk.
func (m *Mixer) PTSUs() int64 {
	return m.sampleCount * 1_000_000 / int64(m.format.SampleRate)
}

// Next mixes one chunk. It returns false once every source is exhausted.
// The returned PCM slice is reused by the following call.
func (m *Mixer) Next(ctx context.Context) (Chunk, bool, error) {
	if m.done {
		return Chunk{}, false, nil
	}
	if err := ctx.Err(); err != nil {
		return Chunk{}, false, fmt.Errorf("%w: %v", exportErrors.ErrCancelled, err)
	}

	clear(m.acc)
	produced := 0
	for i, src := range m.sources {
		if !m.active[i] {
			continue
		}
		clear(m.scratch)
		got, err := src.ReadInto(m.scratch, m.chunkFrames)
		if err != nil {
			return Chunk{}, false, fmt.Errorf("mix %s: %w", src.Path(), err)
		}
		if got < m.chunkFrames {
			m.active[i] = false
			m.logger.Debug("Source finished", "source", src.Path(), "total_frames", m.sampleCount+int64(got))
		}
		if got > produced {
			produced = got
		}
		n := got * m.format.Channels
		for j := 0; j < n; j++ {
			m.acc[j] += m.scratch[j]
		}
	}

	if produced == 0 {
		m.done = true
		return Chunk{}, false, nil
	}

	n := produced * m.format.Channels
	Quantize(m.out[:n*2], m.acc[:n])

	pts := m.PTSUs()
	if pts < m.lastPTS {
		return Chunk{}, false, fmt.Errorf("mixer timestamp went backwards: %d < %d", pts, m.lastPTS)
	}
	m.lastPTS = pts
	m.sampleCount += int64(produced)

	return Chunk{PCM: m.out[:n*2], PTSUs: pts, Frames: produced}, true, nil
}

// Quantize clips samples to [-1, 1] and writes them as s16le into dst,
// which must hold 2 bytes per sample.
func Quantize(dst []byte, samples []float32) {
	for i, s := range samples {
		v := float64(s)
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		q := int16(math.Round(v * 32767))
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(q))
	}
}
