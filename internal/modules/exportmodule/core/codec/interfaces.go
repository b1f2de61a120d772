package codec

import (
	"context"
	"errors"
	"time"
)

// ErrTryAgain is returned by QueueInput when no input slot became free
// within the timeout. It is not fatal; callers poll again.
var ErrTryAgain = errors.New("codec: try again")

// ImageDecoder loads one still frame as ARGB pixels at exactly width×height.
type ImageDecoder interface {
	Decode(path string, width, height int) ([]uint32, error)
}

// Encoder is a running video or audio encoder.
type Encoder interface {
	// QueueInput submits raw data. A nil data slice with FlagEndOfStream
	// signals that no more input follows.
	QueueInput(data []byte, ptsUs int64, flags BufferFlags, timeout time.Duration) error

	// DequeueOutput waits up to timeout for the next output event.
	DequeueOutput(timeout time.Duration) (Event, error)

	// Close releases the encoder. It is safe to call more than once.
	Close() error
}

// VideoEncoderProvider creates video encoders and advertises their
// accepted pixel formats.
type VideoEncoderProvider interface {
	SupportedPixelFormats(ctx context.Context) []PixelFormat
	NewVideoEncoder(ctx context.Context, cfg VideoEncoderConfig) (Encoder, error)
}

// AudioEncoderProvider creates audio encoders.
type AudioEncoderProvider interface {
	NewAudioEncoder(ctx context.Context, cfg AudioEncoderConfig) (Encoder, error)
}

// AudioDecoder streams decoded PCM from one source's first audio track.
type AudioDecoder interface {
	// Format returns the native format at open time.
	Format() PCMFormat

	// Next waits up to timeout for the next decoder event.
	Next(timeout time.Duration) (DecoderEvent, error)

	Close() error
}

// AudioSourceOpener probes and opens compressed audio sources.
type AudioSourceOpener interface {
	// Probe returns the native format of the first audio track, or an error
	// wrapping ErrNoTrackFound when the source has none.
	Probe(ctx context.Context, path string) (PCMFormat, error)

	// Open starts decoding the first audio track.
	Open(ctx context.Context, path string) (AudioDecoder, error)
}

// ContainerWriter muxes access units into a container file.
type ContainerWriter interface {
	AddTrack(format TrackFormat) (int, error)
	Start() error
	WriteSample(track int, unit AccessUnit) error
	// Close finalizes the container. Closing a writer that never started
	// still releases the file.
	Close() error
}

// ContainerReader reads tracks back from a finished container.
type ContainerReader interface {
	Tracks() []TrackFormat
	// ReadSample returns the next access unit of track, or io.EOF.
	ReadSample(track int) (AccessUnit, error)
	Close() error
}

// ContainerFactory opens container files for writing and reading.
type ContainerFactory interface {
	Create(path string) (ContainerWriter, error)
	Open(path string) (ContainerReader, error)
}
