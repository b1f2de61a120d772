// Package audiostage encodes the mixed audio of an export and muxes it with
// the video track copied from an intermediate container.
package audiostage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/framecast/internal/modules/exportmodule/core/codec"
	"github.com/mantonx/framecast/internal/modules/exportmodule/core/mixer"
	"github.com/mantonx/framecast/internal/modules/exportmodule/core/progress"
	exportErrors "github.com/mantonx/framecast/internal/modules/exportmodule/errors"
	"github.com/samber/lo"
)

// DefaultBitrate is the AAC bitrate in bits per second.
const DefaultBitrate = 192_000

// Config holds the audio encoder settings and codec polling bounds.
type Config struct {
	BitrateBps int
	// VideoDurationUs scales progress: audio at this timestamp counts as
	// done.
	VideoDurationUs int64

	PollTimeout  time.Duration
	CodecTimeout time.Duration
	FormatWait   time.Duration
}

// Result summarizes the muxed output.
type Result struct {
	VideoSamples int
	AudioSamples int
	AudioFrames  int64
	Format       codec.TrackFormat
}

// Stage runs the mixer through an audio encoder into a container that also
// receives a verbatim copy of the video track.
type Stage struct {
	cfg      Config
	encoders codec.AudioEncoderProvider
	logger   hclog.Logger
}

// New creates an audio stage.
func New(cfg Config, encoders codec.AudioEncoderProvider, logger hclog.Logger) *Stage {
	if cfg.BitrateBps <= 0 {
		cfg.BitrateBps = DefaultBitrate
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = codec.DefaultPollTimeout
	}
	if cfg.CodecTimeout <= 0 {
		cfg.CodecTimeout = codec.DefaultCodecTimeout
	}
	if cfg.FormatWait <= 0 {
		cfg.FormatWait = codec.DefaultFormatWait
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Stage{cfg: cfg, encoders: encoders, logger: logger.Named("audio-stage")}
}

type run struct {
	stage  *Stage
	enc    codec.Encoder
	writer codec.ContainerWriter
	track  int
	eos    bool
	result Result
}

// Run copies the video track of video into writer, then encodes every
// chunk the mixer produces as a second track.
func (s *Stage) Run(ctx context.Context, video codec.ContainerReader, mix *mixer.Mixer, writer codec.ContainerWriter, sink progress.Sink) (Result, error) {
	videoFormat, videoTrack, ok := lo.FindIndexOf(video.Tracks(), func(f codec.TrackFormat) bool {
		return f.Kind == codec.TrackVideo
	})
	if !ok {
		return Result{}, fmt.Errorf("%w: intermediate container has no video track", exportErrors.ErrNoTrackFound)
	}

	target := mix.Format()
	encCfg := codec.AudioEncoderConfig{
		MimeType:     codec.MimeAudioAAC,
		SampleRate:   target.SampleRate,
		ChannelCount: target.Channels,
		BitrateBps:   s.cfg.BitrateBps,
		Profile:      codec.AACProfileLC,
	}
	enc, err := s.encoders.NewAudioEncoder(ctx, encCfg)
	if err != nil {
		return Result{}, fmt.Errorf("create audio encoder: %w", err)
	}
	defer enc.Close()

	r := &run{stage: s, enc: enc, writer: writer, track: -1}

	audioFormat, err := r.awaitFormat(ctx)
	if err != nil {
		return r.result, err
	}
	r.result.Format = audioFormat

	vTrack, err := writer.AddTrack(videoFormat)
	if err != nil {
		return r.result, fmt.Errorf("add video track: %w", err)
	}
	aTrack, err := writer.AddTrack(audioFormat)
	if err != nil {
		return r.result, fmt.Errorf("add audio track: %w", err)
	}
	if err := writer.Start(); err != nil {
		return r.result, fmt.Errorf("start container: %w", err)
	}
	r.track = aTrack

	if err := r.copyVideo(ctx, video, videoTrack, vTrack); err != nil {
		return r.result, err
	}
	s.logger.Debug("Copied video track", "samples", r.result.VideoSamples)

	for {
		chunk, ok, err := mix.Next(ctx)
		if err != nil {
			return r.result, err
		}
		if !ok {
			break
		}
		if err := r.queue(ctx, chunk.PCM, chunk.PTSUs, 0); err != nil {
			return r.result, fmt.Errorf("queue audio at %dus: %w", chunk.PTSUs, err)
		}
		if err := r.drainReady(); err != nil {
			return r.result, err
		}
		r.result.AudioFrames += int64(chunk.Frames)
		if sink != nil && s.cfg.VideoDurationUs > 0 {
			sink.Report(float64(mix.PTSUs()) / float64(s.cfg.VideoDurationUs))
		}
	}

	if err := r.queue(ctx, nil, mix.PTSUs(), codec.FlagEndOfStream); err != nil {
		return r.result, fmt.Errorf("signal end of stream: %w", err)
	}
	if err := r.drainToEnd(ctx); err != nil {
		return r.result, err
	}

	s.logger.Info("Audio muxed",
		"format", target.String(),
		"frames", r.result.AudioFrames,
		"audio_samples", r.result.AudioSamples,
		"video_samples", r.result.VideoSamples)
	return r.result, nil
}

// awaitFormat waits for the encoder's output format before any track is
// added, bounded by the format wait.
func (r *run) awaitFormat(ctx context.Context) (codec.TrackFormat, error) {
	deadline := time.Now().Add(r.stage.cfg.FormatWait)
	for {
		if err := ctx.Err(); err != nil {
			return codec.TrackFormat{}, fmt.Errorf("%w: %v", exportErrors.ErrCancelled, err)
		}
		ev, err := r.enc.DequeueOutput(r.stage.cfg.PollTimeout)
		if err != nil {
			return codec.TrackFormat{}, fmt.Errorf("dequeue audio output: %w", err)
		}
		switch ev.Kind {
		case codec.EventFormatChanged:
			if ev.Format == nil {
				return codec.TrackFormat{}, errors.New("audio encoder format event without format")
			}
			return *ev.Format, nil
		case codec.EventAccessUnit:
			return codec.TrackFormat{}, fmt.Errorf("%w: audio unit before output format", exportErrors.ErrMuxerNotStarted)
		case codec.EventEndOfStream:
			return codec.TrackFormat{}, errors.New("audio encoder ended before reporting a format")
		}
		if time.Now().After(deadline) {
			return codec.TrackFormat{}, fmt.Errorf("%w: audio encoder format not ready after %s", exportErrors.ErrEncoderTimeout, r.stage.cfg.FormatWait)
		}
	}
}

func (r *run) copyVideo(ctx context.Context, video codec.ContainerReader, from, to int) error {
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", exportErrors.ErrCancelled, err)
		}
		unit, err := video.ReadSample(from)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read video sample %d: %w", r.result.VideoSamples, err)
		}
		if err := r.writer.WriteSample(to, unit); err != nil {
			return fmt.Errorf("copy video sample %d: %w", r.result.VideoSamples, err)
		}
		r.result.VideoSamples++
	}
}

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
			return fmt.Errorf("%w: audio encoder accepted no input for %s", exportErrors.ErrEncoderTimeout, cfg.CodecTimeout)
		}
	}
}

func (r *run) drainReady() error {
	for !r.eos {
		progressed, err := r.poll()
		if err != nil || !progressed {
			return err
		}
	}
	return nil
}

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
			return fmt.Errorf("%w: audio encoder did not finish within %s", exportErrors.ErrEncoderTimeout, cfg.CodecTimeout)
		}
	}
	return nil
}

func (r *run) poll() (bool, error) {
	ev, err := r.enc.DequeueOutput(r.stage.cfg.PollTimeout)
	if err != nil {
		return false, fmt.Errorf("dequeue audio output: %w", err)
	}
	switch ev.Kind {
	case codec.EventTryAgain:
		return false, nil
	case codec.EventFormatChanged:
		return true, fmt.Errorf("%w: audio encoder reported a second output format", exportErrors.ErrUnexpectedFormatChange)
	case codec.EventAccessUnit:
		if ev.Unit == nil || ev.Unit.Flags.Has(codec.FlagCodecConfig) {
			return true, nil
		}
		if err := r.writer.WriteSample(r.track, *ev.Unit); err != nil {
			return true, fmt.Errorf("write audio sample: %w", err)
		}
		r.result.AudioSamples++
		return true, nil
	case codec.EventEndOfStream:
		r.eos = true
		return true, nil
	}
	return false, fmt.Errorf("unknown audio encoder event %d", ev.Kind)
}
