package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/mantonx/framecast/internal/modules/exportmodule/core/codec"
	exportErrors "github.com/mantonx/framecast/internal/modules/exportmodule/errors"
)

func (c *Codecs) audioArgs(cfg codec.AudioEncoderConfig) []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-f", "s16le",
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-ac", strconv.Itoa(cfg.ChannelCount),
		"-i", "pipe:0",
		"-c:a", "aac",
		"-profile:a", "aac_low",
		"-b:a", strconv.Itoa(cfg.BitrateBps),
		"-f", "adts",
		"pipe:1",
	}
}

// NewAudioEncoder implements codec.AudioEncoderProvider. The output format
// is known from the configuration, so it is reported before any input.
func (c *Codecs) NewAudioEncoder(ctx context.Context, cfg codec.AudioEncoderConfig) (codec.Encoder, error) {
	if cfg.MimeType != "" && cfg.MimeType != codec.MimeAudioAAC {
		return nil, fmt.Errorf("unsupported audio mime type %q", cfg.MimeType)
	}
	if cfg.SampleRate <= 0 || cfg.ChannelCount <= 0 {
		return nil, fmt.Errorf("invalid audio encoder format %dHz/%dch", cfg.SampleRate, cfg.ChannelCount)
	}
	if cfg.Profile == 0 {
		cfg.Profile = codec.AACProfileLC
	}

	proc, err := startProcess(ctx, c.logger, "audio encoder", c.cfg.FFmpegPath, c.audioArgs(cfg), true)
	if err != nil {
		return nil, err
	}
	proc.stall = c.cfg.WriteStall
	e := &audioEncoder{cfg: cfg, proc: proc, queue: newEventQueue()}
	e.queue.push(codec.Event{Kind: codec.EventFormatChanged, Format: &codec.TrackFormat{
		Kind:         codec.TrackAudio,
		MimeType:     codec.MimeAudioAAC,
		SampleRate:   cfg.SampleRate,
		ChannelCount: cfg.ChannelCount,
		BitrateBps:   cfg.BitrateBps,
		CodecConfig:  audioSpecificConfig(cfg.Profile, cfg.SampleRate, cfg.ChannelCount),
	}})
	proc.consume(e.readOutput, e.finish)
	return e, nil
}

type audioEncoder struct {
	cfg   codec.AudioEncoderConfig
	proc  *process
	queue *eventQueue

	mu     sync.Mutex
	frames int64
	eos    bool
	closed bool
}

// QueueInput implements codec.Encoder. Timestamps are derived from the
// encoder's frame count, so ptsUs is not forwarded.
func (e *audioEncoder) QueueInput(data []byte, _ int64, flags codec.BufferFlags, timeout time.Duration) error {
	e.mu.Lock()
	if e.closed || e.eos {
		e.mu.Unlock()
		return errors.New("audio encoder input closed")
	}
	if flags.Has(codec.FlagEndOfStream) {
		e.eos = true
		e.mu.Unlock()
		if len(data) > 0 {
			if err := e.proc.write(data, timeout); err != nil {
				return err
			}
		}
		e.proc.closeStdin()
		return nil
	}
	e.mu.Unlock()
	return e.proc.write(data, timeout)
}

// DequeueOutput implements codec.Encoder.
func (e *audioEncoder) DequeueOutput(timeout time.Duration) (codec.Event, error) {
	return e.queue.pop(timeout)
}

func (e *audioEncoder) readOutput(r io.Reader) error {
	var parser adtsParser
	buf := make([]byte, readChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			frames, perr := parser.push(buf[:n])
			for _, f := range frames {
				e.emit(f)
			}
			if perr != nil {
				return fmt.Errorf("%w: audio encoder output: %v", exportErrors.ErrIOFailure, perr)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: read audio encoder output: %v", exportErrors.ErrIOFailure, err)
		}
	}
}

func (e *audioEncoder) emit(f adtsFrame) {
	e.mu.Lock()
	idx := e.frames
	e.frames++
	e.mu.Unlock()

	pts := idx * 1024 * 1_000_000 / int64(e.cfg.SampleRate)
	e.queue.push(codec.Event{
		Kind: codec.EventAccessUnit,
		Unit: &codec.AccessUnit{Data: f.payload, PTSUs: pts, Flags: codec.FlagKeyFrame},
	})
}

func (e *audioEncoder) finish(err error) {
	if err != nil {
		e.queue.fail(fmt.Errorf("%w: %v", exportErrors.ErrIOFailure, err))
		return
	}
	e.queue.push(codec.Event{Kind: codec.EventEndOfStream})
}

// Close implements codec.Encoder.
func (e *audioEncoder) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	return e.proc.stop()
}
