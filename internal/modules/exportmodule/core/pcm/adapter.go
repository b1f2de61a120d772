// Package pcm turns compressed audio sources into float frames at a common
// target rate and channel layout.
//
// Each Adapter owns one decoder and one RingBuffer of native-rate s16le
// samples. Output frames are produced by two-tap linear interpolation
// between the bounding native frames at a fractional cursor that advances
// by nativeRate/targetRate per output frame.
package pcm

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/framecast/internal/modules/exportmodule/core/codec"
	exportErrors "github.com/mantonx/framecast/internal/modules/exportmodule/errors"
)

// State is the lifecycle position of an Adapter.
type State int

const (
	StateUnopened State = iota
	StateDecoding
	StateDraining
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateDecoding:
		return "decoding"
	case StateDraining:
		return "draining"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// refillBytes is the amount of native PCM pulled from the decoder whenever
// the buffer runs low.
const refillBytes = 8192

// AdapterConfig describes one source and the format it is resampled to.
type AdapterConfig struct {
	Path      string
	OffsetSec float64
	Gain      float64
	Target    codec.PCMFormat

	RingBufferBytes int
	PollTimeout     time.Duration
	CodecTimeout    time.Duration
}

// Adapter reads one audio source as target-format float frames.
type Adapter struct {
	cfg    AdapterConfig
	opener codec.AudioSourceOpener
	logger hclog.Logger

	dec     codec.AudioDecoder
	native  codec.PCMFormat
	ratio   float64
	ring    *RingBuffer
	pending []byte
	scratch []byte

	state   State
	eos     bool
	cursor  float64
	silence int64
}

// NewAdapter creates an unopened adapter.
func NewAdapter(opener codec.AudioSourceOpener, cfg AdapterConfig, logger hclog.Logger) *Adapter {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = codec.DefaultPollTimeout
	}
	if cfg.CodecTimeout <= 0 {
		cfg.CodecTimeout = codec.DefaultCodecTimeout
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Adapter{
		cfg:    cfg,
		opener: opener,
		logger: logger.Named("pcm-adapter").With("source", cfg.Path),
		state:  StateUnopened,
	}
}

// Start opens the source and applies the offset policy. A source with no
// audio track returns an error wrapping ErrNoTrackFound.
//
// A negative offset decodes and drops round(|offset| × nativeRate) frames
// before returning. A positive offset queues round(offset × targetRate)
// silent frames ahead of the real samples.
func (a *Adapter) Start(ctx context.Context) error {
	if a.state != StateUnopened {
		return fmt.Errorf("adapter for %s already started", a.cfg.Path)
	}
	if !a.cfg.Target.Valid() {
		return fmt.Errorf("%w: target format %v", exportErrors.ErrInvalidInput, a.cfg.Target)
	}

	dec, err := a.opener.Open(ctx, a.cfg.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", a.cfg.Path, err)
	}
	native := dec.Format()
	if !native.Valid() {
		dec.Close()
		return fmt.Errorf("%w: %s has no decodable audio (%v)", exportErrors.ErrNoTrackFound, a.cfg.Path, native)
	}

	a.dec = dec
	a.ring = NewRingBuffer(a.cfg.RingBufferBytes)
	a.setNative(native)
	a.state = StateDecoding

	switch {
	case a.cfg.OffsetSec < 0:
		skip := int64(math.Round(-a.cfg.OffsetSec * float64(native.SampleRate)))
		dropped, err := a.skipFrames(ctx, skip)
		if err != nil {
			return err
		}
		a.logger.Debug("Trimmed leading audio", "frames", dropped, "requested", skip)
	case a.cfg.OffsetSec > 0:
		a.silence = int64(math.Round(a.cfg.OffsetSec * float64(a.cfg.Target.SampleRate)))
		a.logger.Debug("Delaying source with silence", "frames", a.silence)
	}

	a.logger.Debug("Audio source started", "native", native.String(), "target", a.cfg.Target.String(), "gain", a.cfg.Gain)
	return nil
}

// Path returns the source path.
func (a *Adapter) Path() string {
	return a.cfg.Path
}

// Native returns the current native format of the source.
func (a *Adapter) Native() codec.PCMFormat {
	return a.native
}

// State returns the lifecycle state.
func (a *Adapter) State() State {
	return a.state
}

// ReadInto adds up to frames target-format frames into dst, which must hold
// at least frames × target channels samples. It returns the number of frames
// produced; fewer than requested means the source ran out.
func (a *Adapter) ReadInto(dst []float32, frames int) (int, error) {
	if a.state == StateUnopened {
		return 0, fmt.Errorf("adapter for %s not started", a.cfg.Path)
	}
	channels := a.cfg.Target.Channels
	if len(dst) < frames*channels {
		return 0, fmt.Errorf("destination holds %d samples, need %d", len(dst), frames*channels)
	}

	gain := a.cfg.Gain
	produced := 0
	for produced < frames {
		if a.silence > 0 {
			n := int64(frames - produced)
			if n > a.silence {
				n = a.silence
			}
			a.silence -= n
			produced += int(n)
			continue
		}
		if a.state == StateExhausted {
			break
		}

		ok, err := a.ensureFrames(2)
		if err != nil {
			return produced, err
		}
		if !ok {
			a.exhaust()
			break
		}

		l0, r0 := a.frameAt(0)
		l1, r1 := a.frameAt(1)
		frac := a.cursor
		l := l0 + (l1-l0)*frac
		r := r0 + (r1-r0)*frac

		base := produced * channels
		if channels == 1 {
			dst[base] += float32((l + r) * 0.5 * gain)
		} else {
			dst[base] += float32(l * gain)
			dst[base+1] += float32(r * gain)
		}
		produced++

		a.cursor += a.ratio
		if whole := int(a.cursor); whole > 0 {
			if _, err := a.ensureFrames(whole); err != nil {
				return produced, err
			}
			a.ring.Consume(whole * a.native.BytesPerFrame())
			a.cursor -= float64(whole)
		}
	}
	return produced, nil
}

// Close releases the decoder.
func (a *Adapter) Close() error {
	if a.dec == nil {
		return nil
	}
	err := a.dec.Close()
	a.dec = nil
	return err
}

func (a *Adapter) setNative(f codec.PCMFormat) {
	a.native = f
	a.ratio = float64(f.SampleRate) / float64(a.cfg.Target.SampleRate)
	if need := f.BytesPerFrame(); len(a.scratch) < need {
		a.scratch = make([]byte, need)
	}
}

// realign rewrites the frames still buffered in the current native layout
// into the channel layout of f, so the ring only ever holds whole frames of
// one layout. Channels past the first two are left silent. The rewritten
// frames are resampled at the new rate from here on.
func (a *Adapter) realign(f codec.PCMFormat) {
	from := a.native
	if from.Channels == f.Channels || a.ring.Len() == 0 {
		return
	}
	oldBPF := from.BytesPerFrame()
	newBPF := f.BytesPerFrame()
	frames := a.ring.Len() / oldBPF

	src := make([]byte, frames*oldBPF)
	if err := a.ring.ReadAt(src, 0); err != nil {
		a.ring.Reset()
		return
	}
	dst := make([]byte, frames*newBPF)
	for i := 0; i < frames; i++ {
		in := src[i*oldBPF : (i+1)*oldBPF]
		out := dst[i*newBPF : (i+1)*newBPF]
		switch {
		case f.Channels == 1:
			l := int32(int16(binary.LittleEndian.Uint16(in[0:2])))
			r := int32(int16(binary.LittleEndian.Uint16(in[2:4])))
			binary.LittleEndian.PutUint16(out[0:2], uint16(int16((l+r)/2)))
		case from.Channels == 1:
			copy(out[0:2], in[0:2])
			copy(out[2:4], in[0:2])
		default:
			copy(out[0:4], in[0:4])
		}
	}

	ring := a.ring
	if ring.Cap() < len(dst) {
		ring = NewRingBuffer(len(dst))
	} else {
		ring.Reset()
	}
	ring.Write(dst)
	a.ring = ring
}

func (a *Adapter) exhaust() {
	if a.state != StateExhausted {
		a.logger.Debug("Audio source exhausted")
	}
	a.state = StateExhausted
}

// frameAt returns channels 0 and 1 of buffered native frame i as floats in
// [-1, 1). Mono sources return the same value twice.
func (a *Adapter) frameAt(i int) (float64, float64) {
	bpf := a.native.BytesPerFrame()
	frame := a.scratch[:bpf]
	if err := a.ring.ReadAt(frame, i*bpf); err != nil {
		return 0, 0
	}
	l := float64(int16(binary.LittleEndian.Uint16(frame[0:2]))) / 32768.0
	r := l
	if a.native.Channels >= 2 {
		r = float64(int16(binary.LittleEndian.Uint16(frame[2:4]))) / 32768.0
	}
	return l, r
}

// buffered returns the number of whole native frames in the ring.
func (a *Adapter) buffered() int {
	return a.ring.Len() / a.native.BytesPerFrame()
}

// ensureFrames makes at least n native frames available. It returns false
// when the decoder is exhausted first.
func (a *Adapter) ensureFrames(n int) (bool, error) {
	if a.buffered() >= n {
		return true, nil
	}
	want := n * a.native.BytesPerFrame()
	if want < refillBytes {
		want = refillBytes
	}
	if want > a.ring.Cap() {
		want = a.ring.Cap()
	}
	if err := a.fill(want); err != nil {
		return false, err
	}
	return a.buffered() >= n, nil
}

// fill pulls decoder output until the ring holds want bytes or the decoder
// reports end of stream.
func (a *Adapter) fill(want int) error {
	deadline := time.Now().Add(a.cfg.CodecTimeout)
	for a.ring.Len() < want {
		if len(a.pending) > 0 {
			n := len(a.pending)
			if free := a.ring.Free(); n > free {
				n = free
			}
			if n == 0 {
				return nil
			}
			if err := a.ring.Write(a.pending[:n]); err != nil {
				return err
			}
			a.pending = a.pending[n:]
			deadline = time.Now().Add(a.cfg.CodecTimeout)
			continue
		}
		if a.eos {
			return nil
		}

		ev, err := a.dec.Next(a.cfg.PollTimeout)
		if err != nil {
			return fmt.Errorf("decode %s: %w", a.cfg.Path, err)
		}
		switch ev.Kind {
		case codec.EventTryAgain:
			if time.Now().After(deadline) {
				return fmt.Errorf("%w: decoder for %s made no progress in %s", exportErrors.ErrEncoderTimeout, a.cfg.Path, a.cfg.CodecTimeout)
			}
		case codec.EventFormatChanged:
			if ev.Format != nil && ev.Format.Valid() && *ev.Format != a.native {
				a.logger.Debug("Decoder output format changed", "from", a.native.String(), "to", ev.Format.String())
				a.realign(*ev.Format)
				a.setNative(*ev.Format)
			}
		case codec.EventAccessUnit:
			a.pending = ev.PCM
		case codec.EventEndOfStream:
			a.eos = true
			if a.state == StateDecoding {
				a.state = StateDraining
			}
		}
	}
	return nil
}

// skipFrames decodes and discards up to n native frames.
func (a *Adapter) skipFrames(ctx context.Context, n int64) (int64, error) {
	var dropped int64
	for dropped < n {
		if err := ctx.Err(); err != nil {
			return dropped, fmt.Errorf("%w: %v", exportErrors.ErrCancelled, err)
		}
		if a.buffered() == 0 {
			if err := a.fill(refillBytes); err != nil {
				return dropped, err
			}
			if a.buffered() == 0 {
				a.exhaust()
				return dropped, nil
			}
		}
		take := int64(a.buffered())
		if take > n-dropped {
			take = n - dropped
		}
		a.ring.Consume(int(take) * a.native.BytesPerFrame())
		dropped += take
	}
	return dropped, nil
}
