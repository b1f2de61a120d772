package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/framecast/internal/modules/exportmodule/core/codec"
	exportErrors "github.com/mantonx/framecast/internal/modules/exportmodule/errors"
)

const readChunk = 64 * 1024

// pixelFormatNames maps ffmpeg pixel format names to converter layouts.
var pixelFormatNames = map[string]codec.PixelFormat{
	"yuv420p": codec.PixelFormatI420,
	"nv12":    codec.PixelFormatNV12,
}

func pixelFormatName(p codec.PixelFormat) string {
	for name, f := range pixelFormatNames {
		if f == p {
			return name
		}
	}
	return "yuv420p"
}

// parsePixelFormats extracts the known layouts from the
// "Supported pixel formats:" line of `ffmpeg -h encoder=...`, in the
// order the encoder lists them.
func parsePixelFormats(help string) []codec.PixelFormat {
	var out []codec.PixelFormat
	for _, line := range strings.Split(help, "\n") {
		line = strings.TrimSpace(line)
		rest, ok := strings.CutPrefix(line, "Supported pixel formats:")
		if !ok {
			continue
		}
		for _, name := range strings.Fields(rest) {
			if f, ok := pixelFormatNames[name]; ok {
				out = append(out, f)
			}
		}
	}
	return out
}

// SupportedPixelFormats implements codec.VideoEncoderProvider. Formats are
// queried once; a failed query advertises nothing.
func (c *Codecs) SupportedPixelFormats(ctx context.Context) []codec.PixelFormat {
	c.pixOnce.Do(func() {
		queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		out, err := c.run(queryCtx, c.cfg.FFmpegPath, "-hide_banner", "-h", "encoder="+c.cfg.VideoCodec)
		if err != nil {
			c.logger.Warn("Failed to query encoder pixel formats", "encoder", c.cfg.VideoCodec, "error", err)
			return
		}
		c.pixFormats = parsePixelFormats(string(out))
		c.logger.Debug("Encoder pixel formats", "encoder", c.cfg.VideoCodec, "formats", c.pixFormats)
	})
	return c.pixFormats
}

func (c *Codecs) videoArgs(cfg codec.VideoEncoderConfig) []string {
	gop := cfg.FrameRate * cfg.IFrameIntervalSecs
	if gop <= 0 {
		gop = 1
	}
	args := []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-f", "rawvideo",
		"-pix_fmt", pixelFormatName(cfg.PixelFormat),
		"-s", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"-r", strconv.Itoa(cfg.FrameRate),
		"-i", "pipe:0",
		"-c:v", c.cfg.VideoCodec,
	}
	if c.cfg.Preset != "" {
		args = append(args, "-preset", c.cfg.Preset)
	}
	args = append(args,
		"-b:v", strconv.Itoa(cfg.BitrateBps),
		"-g", strconv.Itoa(gop),
		"-bf", "0",
		"-bsf:v", "h264_metadata=aud=insert",
		"-f", "h264",
		"pipe:1",
	)
	return args
}

// NewVideoEncoder implements codec.VideoEncoderProvider.
func (c *Codecs) NewVideoEncoder(ctx context.Context, cfg codec.VideoEncoderConfig) (codec.Encoder, error) {
	if cfg.MimeType != "" && cfg.MimeType != codec.MimeVideoAVC {
		return nil, fmt.Errorf("unsupported video mime type %q", cfg.MimeType)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.FrameRate <= 0 {
		return nil, fmt.Errorf("%w: %dx%d at %d fps", exportErrors.ErrInvalidDimensions, cfg.Width, cfg.Height, cfg.FrameRate)
	}

	proc, err := startProcess(ctx, c.logger, "video encoder", c.cfg.FFmpegPath, c.videoArgs(cfg), true)
	if err != nil {
		return nil, err
	}
	proc.stall = c.cfg.WriteStall
	e := &videoEncoder{
		cfg:    cfg,
		proc:   proc,
		queue:  newEventQueue(),
		logger: c.logger.Named("video-encoder"),
	}
	proc.consume(e.readOutput, e.finish)
	return e, nil
}

type videoEncoder struct {
	cfg    codec.VideoEncoderConfig
	proc   *process
	queue  *eventQueue
	logger hclog.Logger

	mu      sync.Mutex
	pts     []int64
	sentFmt bool
	eos     bool
	closed  bool
}

// QueueInput implements codec.Encoder.
func (e *videoEncoder) QueueInput(data []byte, ptsUs int64, flags codec.BufferFlags, timeout time.Duration) error {
	e.mu.Lock()
	if e.closed || e.eos {
		e.mu.Unlock()
		return errors.New("video encoder input closed")
	}
	if flags.Has(codec.FlagEndOfStream) {
		e.eos = true
		e.mu.Unlock()
		e.proc.closeStdin()
		return nil
	}
	e.pts = append(e.pts, ptsUs)
	e.mu.Unlock()

	if err := e.proc.write(data, timeout); err != nil {
		if errors.Is(err, codec.ErrTryAgain) {
			e.mu.Lock()
			e.pts = e.pts[:len(e.pts)-1]
			e.mu.Unlock()
		}
		return err
	}
	return nil
}

// DequeueOutput implements codec.Encoder.
func (e *videoEncoder) DequeueOutput(timeout time.Duration) (codec.Event, error) {
	return e.queue.pop(timeout)
}

func (e *videoEncoder) readOutput(r io.Reader) error {
	var splitter auSplitter
	buf := make([]byte, readChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, au := range splitter.push(buf[:n]) {
				e.emit(au)
			}
		}
		if err == io.EOF {
			if au := splitter.flush(); au != nil {
				e.emit(au)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: read video encoder output: %v", exportErrors.ErrIOFailure, err)
		}
	}
}

func (e *videoEncoder) emit(raw []byte) {
	au := parseAccessUnit(raw)

	e.mu.Lock()
	if !e.sentFmt && au.sps != nil && au.pps != nil {
		e.sentFmt = true
		e.mu.Unlock()
		e.queue.push(codec.Event{Kind: codec.EventFormatChanged, Format: &codec.TrackFormat{
			Kind:        codec.TrackVideo,
			MimeType:    codec.MimeVideoAVC,
			Width:       e.cfg.Width,
			Height:      e.cfg.Height,
			FrameRate:   e.cfg.FrameRate,
			BitrateBps:  e.cfg.BitrateBps,
			CodecConfig: buildAVCConfig(au.sps, au.pps),
		}})
		e.mu.Lock()
	}
	if len(au.avcc) == 0 {
		e.mu.Unlock()
		return
	}
	var pts int64
	if len(e.pts) > 0 {
		pts = e.pts[0]
		e.pts = e.pts[1:]
	} else {
		e.logger.Warn("Encoder produced more units than inputs")
	}
	e.mu.Unlock()

	flags := codec.BufferFlags(0)
	if au.keyframe {
		flags |= codec.FlagKeyFrame
	}
	e.queue.push(codec.Event{
		Kind: codec.EventAccessUnit,
		Unit: &codec.AccessUnit{Data: au.avcc, PTSUs: pts, Flags: flags},
	})
}

func (e *videoEncoder) finish(err error) {
	if err != nil {
		e.queue.fail(fmt.Errorf("%w: %v", exportErrors.ErrIOFailure, err))
		return
	}
	e.queue.push(codec.Event{Kind: codec.EventEndOfStream})
}

// Close implements codec.Encoder.
func (e *videoEncoder) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	return e.proc.stop()
}
