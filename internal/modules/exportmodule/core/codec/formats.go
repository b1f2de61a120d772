// Package codec defines the contracts between the compositing core and the
// media collaborators it drives: image decoders, video and audio encoders,
// audio decoders and container muxers.
//
// Encoders follow a queue/dequeue model with bounded polling. Callers queue
// raw input with a presentation timestamp and repeatedly dequeue events until
// an access unit, a format change or end of stream is produced.
package codec

import (
	"fmt"
	"time"
)

// PixelFormat identifies a raw 4:2:0 layout accepted by a video encoder.
type PixelFormat int

const (
	// PixelFormatI420 is planar: Y plane, U plane, V plane.
	PixelFormatI420 PixelFormat = iota + 1
	// PixelFormatNV12 is semi-planar: Y plane followed by interleaved UV.
	PixelFormatNV12
)

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatI420:
		return "i420"
	case PixelFormatNV12:
		return "nv12"
	default:
		return fmt.Sprintf("pixfmt(%d)", int(p))
	}
}

// Known reports whether the color converter can produce this layout.
func (p PixelFormat) Known() bool {
	return p == PixelFormatI420 || p == PixelFormatNV12
}

// MIME types used for track formats.
const (
	MimeVideoAVC = "video/avc"
	MimeAudioAAC = "audio/mp4a-latm"
)

// AAC profile identifiers (ISO 14496-3 audio object types).
const (
	AACProfileLC = 2
)

// TrackKind distinguishes video and audio tracks.
type TrackKind int

const (
	TrackVideo TrackKind = iota + 1
	TrackAudio
)

func (k TrackKind) String() string {
	switch k {
	case TrackVideo:
		return "video"
	case TrackAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// TrackFormat describes one elementary stream.
type TrackFormat struct {
	Kind     TrackKind
	MimeType string

	// Video
	Width     int
	Height    int
	FrameRate int

	// Audio
	SampleRate   int
	ChannelCount int

	BitrateBps int

	// CodecConfig holds the AVCDecoderConfigurationRecord for video/avc and
	// the AudioSpecificConfig for AAC.
	CodecConfig []byte
}

// BufferFlags annotate access units and queued input.
type BufferFlags uint32

const (
	FlagKeyFrame BufferFlags = 1 << iota
	FlagCodecConfig
	FlagEndOfStream
)

// Has reports whether all bits of f are set.
func (b BufferFlags) Has(f BufferFlags) bool {
	return b&f == f
}

// AccessUnit is one compressed, muxable unit with its timestamp and flags.
type AccessUnit struct {
	Data  []byte
	PTSUs int64
	Flags BufferFlags
}

// PCMFormat is the layout of interleaved signed 16-bit little-endian PCM.
type PCMFormat struct {
	SampleRate int
	Channels   int
}

// BytesPerFrame returns the size of one interleaved frame.
func (f PCMFormat) BytesPerFrame() int {
	return f.Channels * 2
}

// Valid reports whether the format has a positive rate and channel count.
func (f PCMFormat) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

func (f PCMFormat) String() string {
	return fmt.Sprintf("%dHz/%dch", f.SampleRate, f.Channels)
}

// Frame is one still image ready for conversion.
type Frame struct {
	Index  int
	Width  int
	Height int
	// Pixels holds one 0xAARRGGBB value per pixel, row-major.
	Pixels []uint32
}

// FrameDurationUs returns the integer duration of a single frame at fps.
func FrameDurationUs(fps int) int64 {
	if fps <= 0 {
		return 0
	}
	return 1_000_000 / int64(fps)
}

// VideoBitrate returns the bitrate used for a w×h export.
func VideoBitrate(width, height int) int {
	bitrate := width * height * 5
	if bitrate < 500_000 {
		bitrate = 500_000
	}
	return bitrate
}

// VideoEncoderConfig configures a video encoder instance.
type VideoEncoderConfig struct {
	MimeType           string
	Width              int
	Height             int
	BitrateBps         int
	FrameRate          int
	IFrameIntervalSecs int
	PixelFormat        PixelFormat
}

// AudioEncoderConfig configures an audio encoder instance.
type AudioEncoderConfig struct {
	MimeType     string
	SampleRate   int
	ChannelCount int
	BitrateBps   int
	Profile      int
}

// EventKind enumerates encoder and decoder output events.
type EventKind int

const (
	// EventTryAgain means nothing was ready within the timeout.
	EventTryAgain EventKind = iota
	// EventFormatChanged carries the output format.
	EventFormatChanged
	// EventAccessUnit carries one compressed unit.
	EventAccessUnit
	// EventEndOfStream means the encoder has emitted all output.
	EventEndOfStream
)

// Event is one item dequeued from an encoder.
type Event struct {
	Kind   EventKind
	Format *TrackFormat
	Unit   *AccessUnit
}

// DecoderEvent is one item produced by an audio decoder.
type DecoderEvent struct {
	Kind EventKind
	// PCM holds interleaved s16le samples for EventAccessUnit.
	PCM []byte
	// Format is set for EventFormatChanged.
	Format *PCMFormat
}

// Default polling settings for the codec boundary.
const (
	DefaultPollTimeout  = 10 * time.Millisecond
	DefaultCodecTimeout = 10 * time.Second
	DefaultFormatWait   = 2 * time.Second
)
