// Package videostage encodes an ordered frame sequence into the video
// track of a container.
package videostage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/framecast/internal/modules/exportmodule/core/codec"
	"github.com/mantonx/framecast/internal/modules/exportmodule/core/colorconv"
	"github.com/mantonx/framecast/internal/modules/exportmodule/core/progress"
	exportErrors "github.com/mantonx/framecast/internal/modules/exportmodule/errors"
)

// IFrameIntervalSecs is the keyframe spacing requested from the encoder.
const IFrameIntervalSecs = 1

// Config holds the output geometry and codec polling settings.
type Config struct {
	Width  int
	Height int
	FPS    int

	PollTimeout  time.Duration
	CodecTimeout time.Duration
}

// Result summarizes an encoded video track.
type Result struct {
	Frames      int
	Samples     int
	PixelFormat codec.PixelFormat
	Format      codec.TrackFormat
	DurationUs  int64
}

// Stage converts frames and feeds them through a video encoder.
type Stage struct {
	cfg      Config
	images   codec.ImageDecoder
	encoders codec.VideoEncoderProvider
	logger   hclog.Logger
}

// New creates a video stage.
func New(cfg Config, images codec.ImageDecoder, encoders codec.VideoEncoderProvider, logger hclog.Logger) *Stage {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = codec.DefaultPollTimeout
	}
	if cfg.CodecTimeout <= 0 {
		cfg.CodecTimeout = codec.DefaultCodecTimeout
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Stage{cfg: cfg, images: images, encoders: encoders, logger: logger.Named("video-stage")}
}

// run is the per-invocation state of one encode.
type run struct {
	stage   *Stage
	enc     codec.Encoder
	writer  codec.ContainerWriter
	track   int
	started bool
	eos     bool
	result  Result
}

// Run encodes frames in order into writer, starting the writer when the
// encoder reports its output format. Progress is reported to sink as
// framesProcessed/total.
func (s *Stage) Run(ctx context.Context, frames []string, writer codec.ContainerWriter, sink progress.Sink) (Result, error) {
	if len(frames) == 0 {
		return Result{}, exportErrors.ErrNoFramesFound
	}
	if s.cfg.Width <= 0 || s.cfg.Height <= 0 || s.cfg.Width%2 != 0 || s.cfg.Height%2 != 0 {
		return Result{}, fmt.Errorf("%w: %dx%d must be positive and even", exportErrors.ErrInvalidDimensions, s.cfg.Width, s.cfg.Height)
	}
	if s.cfg.FPS <= 0 {
		return Result{}, fmt.Errorf("%w: fps %d", exportErrors.ErrInvalidInput, s.cfg.FPS)
	}

	pixFmt, err := colorconv.SelectPixelFormat(s.encoders.SupportedPixelFormats(ctx))
	if err != nil {
		return Result{}, err
	}

	encCfg := codec.VideoEncoderConfig{
		MimeType:           codec.MimeVideoAVC,
		Width:              s.cfg.Width,
		Height:             s.cfg.Height,
		BitrateBps:         codec.VideoBitrate(s.cfg.Width, s.cfg.Height),
		FrameRate:          s.cfg.FPS,
		IFrameIntervalSecs: IFrameIntervalSecs,
		PixelFormat:        pixFmt,
	}
	enc, err := s.encoders.NewVideoEncoder(ctx, encCfg)
	if err != nil {
		return Result{}, fmt.Errorf("create video encoder: %w", err)
	}
	defer enc.Close()

	s.logger.Info("Encoding video",
		"frames", len(frames),
		"size", fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height),
		"fps", s.cfg.FPS,
		"pixel_format", pixFmt.String(),
		"bitrate", encCfg.BitrateBps)

	r := &run{stage: s, enc: enc, writer: writer, track: -1}
	r.result.PixelFormat = pixFmt
	frameDur := codec.FrameDurationUs(s.cfg.FPS)

	for i, path := range frames {
		if err := ctx.Err(); err != nil {
			return r.result, fmt.Errorf("%w: %v", exportErrors.ErrCancelled, err)
		}

		argb, err := s.images.Decode(path, s.cfg.Width, s.cfg.Height)
		if err != nil {
			return r.result, fmt.Errorf("decode frame %d: %w", i, err)
		}
		yuv, err := colorconv.Convert(pixFmt, argb, s.cfg.Width, s.cfg.Height)
		if err != nil {
			return r.result, fmt.Errorf("convert frame %d: %w", i, err)
		}

		if err := r.queue(ctx, yuv, int64(i)*frameDur, 0); err != nil {
			return r.result, fmt.Errorf("queue frame %d: %w", i, err)
		}
		if err := r.drainReady(); err != nil {
			return r.result, err
		}

		r.result.Frames = i + 1
		if sink != nil {
			sink.Report(float64(i+1) / float64(len(frames)))
		}
	}

	if err := r.queue(ctx, nil, int64(len(frames))*frameDur, codec.FlagEndOfStream); err != nil {
		return r.result, fmt.Errorf("signal end of stream: %w", err)
	}
	if err := r.drainToEnd(ctx); err != nil {
		return r.result, err
	}

	r.result.DurationUs = int64(len(frames)) * frameDur
	s.logger.Info("Video encoded", "frames", r.result.Frames, "samples", r.result.Samples)
	return r.result, nil
}

// queue submits one input, draining output while the encoder has no free
// slot. It fails once no progress is made for the codec timeout.
func (r *run) queue(ctx context.Context, data []byte, ptsUs int64, flags codec.BufferFlags) error {
	cfg := r.stage.cfg
	deadline := time.Now().Add(cfg.CodecTimeout)
	for {
		err := r.enc.QueueInput(data, ptsUs, flags, cfg.PollTimeout)
		if err == nil {
			return nil
		}
		if !errors.Is(err, codec.ErrTryAgain) {
			return err
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", exportErrors.ErrCancelled, err)
		}
		progressed, err := r.poll()
		if err != nil {
			return err
		}
		if progressed {
			deadline = time.Now().Add(cfg.CodecTimeout)
		} else if time.Now().After(deadline) {
			return fmt.Errorf("%w: video encoder accepted no input for %s", exportErrors.ErrEncoderTimeout, cfg.CodecTimeout)
		}
	}
}

// drainReady handles output until the encoder has nothing ready.
func (r *run) drainReady() error {
	for !r.eos {
		progressed, err := r.poll()
		if err != nil || !progressed {
			return err
		}
	}
	return nil
}

// drainToEnd handles output until end of stream.
func (r *run) drainToEnd(ctx context.Context) error {
	cfg := r.stage.cfg
	deadline := time.Now().Add(cfg.CodecTimeout)
	for !r.eos {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", exportErrors.ErrCancelled, err)
		}
		progressed, err := r.poll()
		if err != nil {
			return err
		}
		if progressed {
			deadline = time.Now().Add(cfg.CodecTimeout)
		} else if time.Now().After(deadline) {
			return fmt.Errorf("%w: video encoder did not finish within %s", exportErrors.ErrEncoderTimeout, cfg.CodecTimeout)
		}
	}
	return nil
}

// poll dequeues and handles one event. It reports whether anything other
// than try-again was received.
func (r *run) poll() (bool, error) {
	ev, err := r.enc.DequeueOutput(r.stage.cfg.PollTimeout)
	if err != nil {
		return false, fmt.Errorf("dequeue video output: %w", err)
	}

	switch ev.Kind {
	case codec.EventTryAgain:
		return false, nil

	case codec.EventFormatChanged:
		if r.started {
			return true, fmt.Errorf("%w: video encoder reported a second output format", exportErrors.ErrUnexpectedFormatChange)
		}
		if ev.Format == nil {
			return true, errors.New("video encoder format event without format")
		}
		track, err := r.writer.AddTrack(*ev.Format)
		if err != nil {
			return true, fmt.Errorf("add video track: %w", err)
		}
		if err := r.writer.Start(); err != nil {
			return true, fmt.Errorf("start container: %w", err)
		}
		r.track = track
		r.started = true
		r.result.Format = *ev.Format
		r.stage.logger.Debug("Video format ready", "mime", ev.Format.MimeType, "config_bytes", len(ev.Format.CodecConfig))
		return true, nil

	case codec.EventAccessUnit:
		if ev.Unit == nil || ev.Unit.Flags.Has(codec.FlagCodecConfig) {
			return true, nil
		}
		if !r.started {
			return true, fmt.Errorf("%w: video unit at %dus before output format", exportErrors.ErrMuxerNotStarted, ev.Unit.PTSUs)
		}
		if err := r.writer.WriteSample(r.track, *ev.Unit); err != nil {
			return true, fmt.Errorf("write video sample: %w", err)
		}
		r.result.Samples++
		return true, nil

	case codec.EventEndOfStream:
		r.eos = true
		return true, nil
	}
	return false, fmt.Errorf("unknown video encoder event %d", ev.Kind)
}
