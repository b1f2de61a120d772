// Package codectest provides deterministic in-memory codecs for tests.
package codectest

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/mantonx/framecast/internal/modules/exportmodule/core/codec"
	exportErrors "github.com/mantonx/framecast/internal/modules/exportmodule/errors"
)

// Tone returns n interleaved frames of a sine at freq Hz with the given
// peak amplitude (1.0 = full scale).
func Tone(format codec.PCMFormat, freq float64, amplitude float64, n int) []int16 {
	out := make([]int16, n*format.Channels)
	for i := 0; i < n; i++ {
		v := amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(format.SampleRate))
		s := int16(math.Round(v * 32767))
		for c := 0; c < format.Channels; c++ {
			out[i*format.Channels+c] = s
		}
	}
	return out
}

// Constant returns n interleaved frames of the same sample value.
func Constant(format codec.PCMFormat, value int16, n int) []int16 {
	out := make([]int16, n*format.Channels)
	for i := range out {
		out[i] = value
	}
	return out
}

// Ramp returns n frames where every channel of frame i holds i.
func Ramp(format codec.PCMFormat, n int) []int16 {
	out := make([]int16, n*format.Channels)
	for i := 0; i < n; i++ {
		for c := 0; c < format.Channels; c++ {
			out[i*format.Channels+c] = int16(i)
		}
	}
	return out
}

// Bytes encodes samples as s16le.
func Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Samples decodes s16le bytes.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// Clip is one in-memory audio source.
type Clip struct {
	Format  codec.PCMFormat
	Samples []int16
	// NoTrack makes Probe and Open fail with ErrNoTrackFound.
	NoTrack bool
	// BurstBytes is the size of each decoded chunk; 0 uses 4096.
	BurstBytes int
	// Then is decoded after Samples, announced by a mid-stream
	// format-changed event carrying its format.
	Then *Clip
}

// Sources is an AudioSourceOpener backed by in-memory clips keyed by path.
type Sources struct {
	mu     sync.Mutex
	clips  map[string]Clip
	opened map[string]int
	closed map[string]int
}

// NewSources creates an empty source set.
func NewSources() *Sources {
	return &Sources{
		clips:  make(map[string]Clip),
		opened: make(map[string]int),
		closed: make(map[string]int),
	}
}

// Add registers a clip under path.
func (s *Sources) Add(path string, clip Clip) *Sources {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clips[path] = clip
	return s
}

// Opened returns how many decoders were opened for path.
func (s *Sources) Opened(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened[path]
}

// Closed returns how many decoders were closed for path.
func (s *Sources) Closed(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed[path]
}

func (s *Sources) lookup(path string) (Clip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clip, ok := s.clips[path]
	if !ok {
		return Clip{}, fmt.Errorf("%w: %s: no such file", exportErrors.ErrIOFailure, path)
	}
	if clip.NoTrack {
		return Clip{}, fmt.Errorf("%w: %s has no audio track", exportErrors.ErrNoTrackFound, path)
	}
	return clip, nil
}

// Probe implements codec.AudioSourceOpener.
func (s *Sources) Probe(_ context.Context, path string) (codec.PCMFormat, error) {
	clip, err := s.lookup(path)
	if err != nil {
		return codec.PCMFormat{}, err
	}
	return clip.Format, nil
}

// Open implements codec.AudioSourceOpener.
func (s *Sources) Open(_ context.Context, path string) (codec.AudioDecoder, error) {
	clip, err := s.lookup(path)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.opened[path]++
	s.mu.Unlock()
	burst := clip.BurstBytes
	if burst <= 0 {
		burst = 4096
	}
	return &decoder{
		format: clip.Format,
		data:   Bytes(clip.Samples),
		burst:  burst,
		then:   clip.Then,
		onClose: func() {
			s.mu.Lock()
			s.closed[path]++
			s.mu.Unlock()
		},
	}, nil
}

type decoder struct {
	format  codec.PCMFormat
	data    []byte
	burst   int
	pos     int
	then    *Clip
	sentFmt bool
	onClose func()
	closed  bool
}

func (d *decoder) Format() codec.PCMFormat { return d.format }

func (d *decoder) Next(time.Duration) (codec.DecoderEvent, error) {
	if !d.sentFmt {
		d.sentFmt = true
		f := d.format
		return codec.DecoderEvent{Kind: codec.EventFormatChanged, Format: &f}, nil
	}
	if d.pos >= len(d.data) && d.then != nil {
		next := d.then
		d.then = next.Then
		d.format = next.Format
		d.data = Bytes(next.Samples)
		d.pos = 0
		f := next.Format
		return codec.DecoderEvent{Kind: codec.EventFormatChanged, Format: &f}, nil
	}
	if d.pos >= len(d.data) {
		return codec.DecoderEvent{Kind: codec.EventEndOfStream}, nil
	}
	end := d.pos + d.burst
	if end > len(d.data) {
		end = len(d.data)
	}
	chunk := d.data[d.pos:end]
	d.pos = end
	return codec.DecoderEvent{Kind: codec.EventAccessUnit, PCM: chunk}, nil
}

func (d *decoder) Close() error {
	if !d.closed {
		d.closed = true
		d.onClose()
	}
	return nil
}

// EncoderBehavior tweaks a fake encoder.
type EncoderBehavior struct {
	// DoubleFormat emits a second format-ready event after the first unit.
	DoubleFormat bool
	// Stall never produces output.
	Stall bool
	// LateFormat delays the format-ready event until the first input.
	LateFormat bool
}

// Encoder is a pass-through encoder. Each queued input becomes one access
// unit whose payload is the input itself, so tests can inspect what was fed.
type Encoder struct {
	mu       sync.Mutex
	format   codec.TrackFormat
	behavior EncoderBehavior
	events   []codec.Event
	inputs   int
	closed   bool
	sentFmt  bool
	keyEvery int
}

func newEncoder(format codec.TrackFormat, behavior EncoderBehavior, keyEvery int) *Encoder {
	e := &Encoder{format: format, behavior: behavior, keyEvery: keyEvery}
	if !behavior.LateFormat && !behavior.Stall {
		e.pushFormat()
	}
	return e
}

func (e *Encoder) pushFormat() {
	f := e.format
	e.events = append(e.events, codec.Event{Kind: codec.EventFormatChanged, Format: &f})
	e.sentFmt = true
}

// QueueInput implements codec.Encoder.
func (e *Encoder) QueueInput(data []byte, ptsUs int64, flags codec.BufferFlags, _ time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("encoder closed")
	}
	if e.behavior.Stall {
		return nil
	}
	if !e.sentFmt {
		e.pushFormat()
	}
	if flags.Has(codec.FlagEndOfStream) {
		e.events = append(e.events, codec.Event{Kind: codec.EventEndOfStream})
		return nil
	}
	unitFlags := codec.BufferFlags(0)
	if e.keyEvery > 0 && e.inputs%e.keyEvery == 0 {
		unitFlags |= codec.FlagKeyFrame
	}
	payload := append([]byte(nil), data...)
	e.events = append(e.events, codec.Event{
		Kind: codec.EventAccessUnit,
		Unit: &codec.AccessUnit{Data: payload, PTSUs: ptsUs, Flags: unitFlags},
	})
	e.inputs++
	if e.behavior.DoubleFormat && e.inputs == 1 {
		e.pushFormat()
	}
	return nil
}

// DequeueOutput implements codec.Encoder.
func (e *Encoder) DequeueOutput(time.Duration) (codec.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.events) == 0 {
		return codec.Event{Kind: codec.EventTryAgain}, nil
	}
	ev := e.events[0]
	e.events = e.events[1:]
	return ev, nil
}

// Close implements codec.Encoder.
func (e *Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Closed reports whether Close was called.
func (e *Encoder) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// VideoEncoders is a fake codec.VideoEncoderProvider.
type VideoEncoders struct {
	Formats  []codec.PixelFormat
	Behavior EncoderBehavior

	mu      sync.Mutex
	configs []codec.VideoEncoderConfig
	created []*Encoder
}

// SupportedPixelFormats implements codec.VideoEncoderProvider.
func (v *VideoEncoders) SupportedPixelFormats(context.Context) []codec.PixelFormat {
	return v.Formats
}

// NewVideoEncoder implements codec.VideoEncoderProvider.
func (v *VideoEncoders) NewVideoEncoder(_ context.Context, cfg codec.VideoEncoderConfig) (codec.Encoder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.configs = append(v.configs, cfg)
	// Minimal avcC: version 1, baseline profile, level 3.0, 4-byte lengths,
	// no parameter sets.
	format := codec.TrackFormat{
		Kind:        codec.TrackVideo,
		MimeType:    codec.MimeVideoAVC,
		Width:       cfg.Width,
		Height:      cfg.Height,
		FrameRate:   cfg.FrameRate,
		BitrateBps:  cfg.BitrateBps,
		CodecConfig: []byte{0x01, 0x42, 0xC0, 0x1E, 0xFF, 0xE0, 0x00},
	}
	keyEvery := cfg.FrameRate * cfg.IFrameIntervalSecs
	if keyEvery <= 0 {
		keyEvery = 1
	}
	enc := newEncoder(format, v.Behavior, keyEvery)
	v.created = append(v.created, enc)
	return enc, nil
}

// Configs returns every configuration passed to NewVideoEncoder.
func (v *VideoEncoders) Configs() []codec.VideoEncoderConfig {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]codec.VideoEncoderConfig(nil), v.configs...)
}

// Created returns every encoder handed out.
func (v *VideoEncoders) Created() []*Encoder {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]*Encoder(nil), v.created...)
}

// AudioEncoders is a fake codec.AudioEncoderProvider.
type AudioEncoders struct {
	Behavior EncoderBehavior

	mu      sync.Mutex
	configs []codec.AudioEncoderConfig
	created []*Encoder
}

// NewAudioEncoder implements codec.AudioEncoderProvider.
func (a *AudioEncoders) NewAudioEncoder(_ context.Context, cfg codec.AudioEncoderConfig) (codec.Encoder, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.configs = append(a.configs, cfg)
	format := codec.TrackFormat{
		Kind:         codec.TrackAudio,
		MimeType:     codec.MimeAudioAAC,
		SampleRate:   cfg.SampleRate,
		ChannelCount: cfg.ChannelCount,
		BitrateBps:   cfg.BitrateBps,
		CodecConfig:  []byte{0x12, 0x10},
	}
	enc := newEncoder(format, a.Behavior, 1)
	a.created = append(a.created, enc)
	return enc, nil
}

// Configs returns every configuration passed to NewAudioEncoder.
func (a *AudioEncoders) Configs() []codec.AudioEncoderConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]codec.AudioEncoderConfig(nil), a.configs...)
}

// Created returns every encoder handed out.
func (a *AudioEncoders) Created() []*Encoder {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*Encoder(nil), a.created...)
}

// Images is a fake codec.ImageDecoder that fills each frame with a color
// derived from its path.
type Images struct {
	mu    sync.Mutex
	calls []string
	// Fail makes Decode return this error.
	Fail error
}

// Decode implements codec.ImageDecoder.
func (im *Images) Decode(path string, width, height int) ([]uint32, error) {
	im.mu.Lock()
	im.calls = append(im.calls, path)
	n := len(im.calls)
	im.mu.Unlock()
	if im.Fail != nil {
		return nil, im.Fail
	}
	px := make([]uint32, width*height)
	c := 0xFF000000 | uint32(n*0x010203)&0x00FFFFFF
	for i := range px {
		px[i] = c
	}
	return px, nil
}

// Calls returns decoded paths in order.
func (im *Images) Calls() []string {
	im.mu.Lock()
	defer im.mu.Unlock()
	return append([]string(nil), im.calls...)
}
