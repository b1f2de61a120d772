package ffmpeg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/mantonx/framecast/internal/modules/exportmodule/core/codec"
	exportErrors "github.com/mantonx/framecast/internal/modules/exportmodule/errors"
)

const decodeBurst = 32 * 1024

// probeResult is the subset of ffprobe's JSON output used to size the PCM
// stream.
type probeResult struct {
	Streams []struct {
		CodecType  string `json:"codec_type"`
		CodecName  string `json:"codec_name"`
		SampleRate string `json:"sample_rate"`
		Channels   int    `json:"channels"`
	} `json:"streams"`
}

// parseProbe returns the format of the first audio stream.
func parseProbe(data []byte) (codec.PCMFormat, error) {
	var result probeResult
	if err := json.Unmarshal(data, &result); err != nil {
		return codec.PCMFormat{}, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	for _, s := range result.Streams {
		if s.CodecType != "audio" {
			continue
		}
		rate, err := strconv.Atoi(s.SampleRate)
		if err != nil {
			return codec.PCMFormat{}, fmt.Errorf("invalid sample rate %q: %w", s.SampleRate, err)
		}
		format := codec.PCMFormat{SampleRate: rate, Channels: s.Channels}
		if !format.Valid() {
			return codec.PCMFormat{}, fmt.Errorf("invalid audio stream format %s", format)
		}
		return format, nil
	}
	return codec.PCMFormat{}, exportErrors.ErrNoTrackFound
}

// Probe implements codec.AudioSourceOpener.
func (c *Codecs) Probe(ctx context.Context, path string) (codec.PCMFormat, error) {
	if _, err := os.Stat(path); err != nil {
		return codec.PCMFormat{}, fmt.Errorf("%w: %s: %v", exportErrors.ErrIOFailure, path, err)
	}
	out, err := c.run(ctx, c.cfg.FFprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams",
		"-select_streams", "a:0",
		path,
	)
	if err != nil {
		return codec.PCMFormat{}, fmt.Errorf("%w: probe %s: %v", exportErrors.ErrIOFailure, path, err)
	}
	format, err := parseProbe(out)
	if errors.Is(err, exportErrors.ErrNoTrackFound) {
		return codec.PCMFormat{}, fmt.Errorf("%w: %s has no audio track", exportErrors.ErrNoTrackFound, path)
	}
	if err != nil {
		return codec.PCMFormat{}, fmt.Errorf("%w: probe %s: %v", exportErrors.ErrIOFailure, path, err)
	}
	return format, nil
}

// Open implements codec.AudioSourceOpener. The first audio track is
// decoded at its native rate and channel count.
func (c *Codecs) Open(ctx context.Context, path string) (codec.AudioDecoder, error) {
	format, err := c.Probe(ctx, path)
	if err != nil {
		return nil, err
	}
	args := []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-i", path,
		"-map", "0:a:0",
		"-vn",
		"-acodec", "pcm_s16le",
		"-f", "s16le",
		"pipe:1",
	}
	proc, err := startProcess(ctx, c.logger, "audio decoder", c.cfg.FFmpegPath, args, false)
	if err != nil {
		return nil, err
	}
	d := &decoder{
		format: format,
		proc:   proc,
		chunks: make(chan []byte, 4),
		done:   make(chan struct{}),
	}
	proc.consume(d.readOutput, d.finish)
	return d, nil
}

type decoder struct {
	format codec.PCMFormat
	proc   *process
	chunks chan []byte
	done   chan struct{}

	sentFmt bool
	err     error

	closeOnce sync.Once
}

func (d *decoder) Format() codec.PCMFormat { return d.format }

func (d *decoder) readOutput(r io.Reader) error {
	defer close(d.chunks)
	frame := d.format.BytesPerFrame()
	var carry []byte
	for {
		buf := make([]byte, len(carry)+decodeBurst)
		copy(buf, carry)
		n, err := io.ReadAtLeast(r, buf[len(carry):], 1)
		total := len(carry) + n
		// Only whole frames leave the decoder.
		whole := total - total%frame
		if whole > 0 {
			select {
			case d.chunks <- buf[:whole]:
			case <-d.done:
				return nil
			}
		}
		carry = append([]byte(nil), buf[whole:total]...)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: read decoded audio: %v", exportErrors.ErrIOFailure, err)
		}
	}
}

func (d *decoder) finish(err error) {
	d.err = err
}

// Next implements codec.AudioDecoder.
func (d *decoder) Next(timeout time.Duration) (codec.DecoderEvent, error) {
	if !d.sentFmt {
		d.sentFmt = true
		f := d.format
		return codec.DecoderEvent{Kind: codec.EventFormatChanged, Format: &f}, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case chunk, ok := <-d.chunks:
		if ok {
			return codec.DecoderEvent{Kind: codec.EventAccessUnit, PCM: chunk}, nil
		}
		// The consumer has returned; wait for the process to be reaped.
		d.proc.group.Wait()
		if d.err != nil {
			return codec.DecoderEvent{}, fmt.Errorf("%w: %v", exportErrors.ErrIOFailure, d.err)
		}
		return codec.DecoderEvent{Kind: codec.EventEndOfStream}, nil
	case <-timer.C:
		return codec.DecoderEvent{Kind: codec.EventTryAgain}, nil
	}
}

// Close implements codec.AudioDecoder.
func (d *decoder) Close() error {
	d.closeOnce.Do(func() {
		close(d.done)
		d.proc.stop()
	})
	return nil
}
