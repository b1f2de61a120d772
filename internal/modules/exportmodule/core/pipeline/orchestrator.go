// Package pipeline composes an export from its stages.
//
// Every job first encodes its frames into a video-only intermediate MP4.
// Jobs without audible sources then move that file into place (fast path);
// the rest re-open its video track and mux it with the mixed audio into the
// final file (full path). The intermediate is removed on every exit.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/framecast/internal/modules/exportmodule/core/audiostage"
	"github.com/mantonx/framecast/internal/modules/exportmodule/core/codec"
	"github.com/mantonx/framecast/internal/modules/exportmodule/core/frames"
	"github.com/mantonx/framecast/internal/modules/exportmodule/core/metadata"
	"github.com/mantonx/framecast/internal/modules/exportmodule/core/mixer"
	"github.com/mantonx/framecast/internal/modules/exportmodule/core/pcm"
	"github.com/mantonx/framecast/internal/modules/exportmodule/core/preflight"
	"github.com/mantonx/framecast/internal/modules/exportmodule/core/progress"
	"github.com/mantonx/framecast/internal/modules/exportmodule/core/validation"
	"github.com/mantonx/framecast/internal/modules/exportmodule/core/videostage"
	exportErrors "github.com/mantonx/framecast/internal/modules/exportmodule/errors"
	"github.com/mantonx/framecast/internal/modules/exportmodule/types"
)

const (
	// videoShare is the part of the progress range covered by the video
	// stage when audio follows.
	videoShare = 0.8

	tempSuffix  = ".video.tmp.mp4"
	maxChannels = 2
)

// DefaultFormat is the mix format used when no source can be probed.
var DefaultFormat = codec.PCMFormat{SampleRate: 44100, Channels: 2}

// Config holds the tunables of one job.
type Config struct {
	// TempDir holds intermediates. Empty places them next to the output.
	TempDir         string
	FrameExtensions []string
	ChunkFrames     int
	RingBufferBytes int
	MinFreeDiskMB   int
	DefaultFormat   codec.PCMFormat
	AudioBitrate    int

	PollTimeout  time.Duration
	CodecTimeout time.Duration
	FormatWait   time.Duration
}

// Codecs bundles the collaborators the stages run on.
type Codecs struct {
	Images     codec.ImageDecoder
	Video      codec.VideoEncoderProvider
	Audio      codec.AudioEncoderProvider
	Sources    codec.AudioSourceOpener
	Containers codec.ContainerFactory
}

// Job is one unit of work for the orchestrator.
type Job struct {
	ID      string
	Request types.ExportRequest
}

// Orchestrator runs export jobs. A single Orchestrator may run jobs one
// after another; it holds no per-job state.
type Orchestrator struct {
	cfg    Config
	codecs Codecs
	logger hclog.Logger
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg Config, codecs Codecs, logger hclog.Logger) *Orchestrator {
	if !cfg.DefaultFormat.Valid() {
		cfg.DefaultFormat = DefaultFormat
	}
	if len(cfg.FrameExtensions) == 0 {
		cfg.FrameExtensions = frames.DefaultExtensions
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Orchestrator{cfg: cfg, codecs: codecs, logger: logger.Named("pipeline")}
}

// execution is the state of one Run.
type execution struct {
	o        *Orchestrator
	job      Job
	logger   hclog.Logger
	reporter *progress.Reporter

	tempPath    string
	outTouched  bool
	result      *types.ExportResult
	videoResult videostage.Result
	closers     []io.Closer
}

// Run executes job and reports progress through reporter, which may be
// nil. On failure no intermediate or partial output is left behind and the
// returned error is an *ExportError.
func (o *Orchestrator) Run(ctx context.Context, job Job, reporter *progress.Reporter) (*types.ExportResult, error) {
	if reporter == nil {
		reporter = progress.NewReporter(nil)
	}
	e := &execution{
		o:        o,
		job:      job,
		logger:   o.logger.With("job_id", job.ID),
		reporter: reporter,
		tempPath: o.tempPath(job),
		result: &types.ExportResult{
			JobID:   job.ID,
			OutPath: job.Request.OutPath,
		},
	}

	start := time.Now()
	op, err := e.run(ctx)
	e.closeAll()
	if err != nil {
		e.cleanup()
		if ctx.Err() != nil && !errors.Is(err, exportErrors.ErrCancelled) {
			err = fmt.Errorf("%w: %v", exportErrors.ErrCancelled, err)
		}
		exportErr := exportErrors.Wrap(op, err).WithJob(job.ID)
		if errors.Is(err, exportErrors.ErrCancelled) {
			e.logger.Info("Export cancelled", "stage", op)
		} else {
			e.logger.Error("Export failed", "stage", op, "error", err)
		}
		return nil, exportErr
	}

	e.result.ElapsedMs = time.Since(start).Milliseconds()
	reporter.Complete()
	e.logger.Info("Export completed",
		"path", e.result.Path,
		"out", e.result.OutPath,
		"frames", e.result.Frames,
		"usable_sources", e.result.UsableSources,
		"elapsed", time.Since(start))
	return e.result, nil
}

// tempPath returns where the video-only intermediate of job is written.
func (o *Orchestrator) tempPath(job Job) string {
	name := filepath.Base(job.Request.OutPath) + "." + job.ID + tempSuffix
	if o.cfg.TempDir != "" {
		return filepath.Join(o.cfg.TempDir, name)
	}
	return job.Request.OutPath + "." + job.ID + tempSuffix
}

func (e *execution) run(ctx context.Context) (string, error) {
	req := e.job.Request
	if err := validation.Request(req); err != nil {
		return "validate_request", err
	}

	framePaths, err := frames.List(req.FramesDir, e.o.cfg.FrameExtensions)
	if err != nil {
		return "list_frames", err
	}

	checker := preflight.NewChecker(e.o.cfg.MinFreeDiskMB)
	if err := checker.CheckOutput(req.OutPath); err != nil {
		return "preflight", err
	}
	if e.o.cfg.TempDir != "" && !sameDir(e.o.cfg.TempDir, req.OutPath) {
		if err := checker.CheckOutput(e.tempPath); err != nil {
			return "preflight", err
		}
	}

	unmuted := req.Unmuted()
	e.logger.Info("Starting export",
		"frames", len(framePaths),
		"size", fmt.Sprintf("%dx%d", req.Width, req.Height),
		"fps", req.FPS,
		"sources", len(req.Audio),
		"unmuted", len(unmuted))

	videoHi := 1.0
	if len(unmuted) > 0 {
		videoHi = videoShare
	}
	if err := e.encodeVideo(ctx, framePaths, e.reporter.Span(0, videoHi)); err != nil {
		return "encode_video", err
	}

	if len(unmuted) == 0 {
		return e.fastPath()
	}

	target := e.targetFormat(ctx, unmuted)
	adapters, err := e.startSources(ctx, unmuted, target)
	if err != nil {
		return "open_audio", err
	}
	if len(adapters) == 0 {
		e.logger.Warn("No usable audio source, exporting video only", "unmuted", len(unmuted))
		return e.fastPath()
	}

	if err := e.muxAudio(ctx, adapters, target); err != nil {
		return "mux_audio", err
	}
	return "", nil
}

func sameDir(dir, path string) bool {
	a, errA := filepath.Abs(dir)
	b, errB := filepath.Abs(filepath.Dir(path))
	return errA == nil && errB == nil && a == b
}

func (e *execution) encodeVideo(ctx context.Context, framePaths []string, sink progress.Sink) error {
	req := e.job.Request
	writer, err := e.o.codecs.Containers.Create(e.tempPath)
	if err != nil {
		return err
	}

	stage := videostage.New(videostage.Config{
		Width:        req.Width,
		Height:       req.Height,
		FPS:          req.FPS,
		PollTimeout:  e.o.cfg.PollTimeout,
		CodecTimeout: e.o.cfg.CodecTimeout,
	}, e.o.codecs.Images, e.o.codecs.Video, e.logger)

	res, runErr := stage.Run(ctx, framePaths, writer, sink)
	closeErr := writer.Close()
	if runErr != nil {
		return runErr
	}
	if closeErr != nil {
		return fmt.Errorf("finalize intermediate: %w", closeErr)
	}

	e.videoResult = res
	e.result.Frames = res.Frames
	e.result.VideoDurationUs = res.DurationUs
	e.result.PixelFormat = res.PixelFormat.String()
	return nil
}

// fastPath moves the intermediate to the output path.
func (e *execution) fastPath() (string, error) {
	e.outTouched = true
	if err := moveFile(e.tempPath, e.job.Request.OutPath); err != nil {
		return "finalize_output", err
	}
	e.result.Path = types.ExportPathFast
	e.logger.Debug("Moved intermediate into place", "from", e.tempPath, "to", e.job.Request.OutPath)
	return "", nil
}

// moveFile renames src to dst, copying when the rename crosses devices.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		return fmt.Errorf("%w: move %s to %s: %v", exportErrors.ErrIOFailure, src, dst, err)
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("%w: remove %s: %v", exportErrors.ErrIOFailure, src, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// targetFormat picks the mix format from the first unmuted source that
// probes successfully.
func (e *execution) targetFormat(ctx context.Context, sources []types.AudioSource) codec.PCMFormat {
	for _, src := range sources {
		native, err := e.o.codecs.Sources.Probe(ctx, src.Path)
		if err != nil {
			e.logger.Debug("Probe failed", "source", src.Path, "error", err)
			continue
		}
		if !native.Valid() {
			continue
		}
		target := native
		if target.Channels > maxChannels {
			target.Channels = maxChannels
		}
		e.logger.Debug("Selected mix format", "source", src.Path, "native", native.String(), "target", target.String())
		return target
	}
	return e.o.cfg.DefaultFormat
}

// startSources opens an adapter per source. Sources without an audio track
// are skipped; any other failure is fatal.
func (e *execution) startSources(ctx context.Context, sources []types.AudioSource, target codec.PCMFormat) ([]mixer.Source, error) {
	var started []mixer.Source
	for _, src := range sources {
		a := pcm.NewAdapter(e.o.codecs.Sources, pcm.AdapterConfig{
			Path:            src.Path,
			OffsetSec:       src.OffsetSec,
			Gain:            src.Gain,
			Target:          target,
			RingBufferBytes: e.o.cfg.RingBufferBytes,
			PollTimeout:     e.o.cfg.PollTimeout,
			CodecTimeout:    e.o.cfg.CodecTimeout,
		}, e.logger)
		e.closers = append(e.closers, a)

		if err := a.Start(ctx); err != nil {
			a.Close()
			if errors.Is(err, exportErrors.ErrNoTrackFound) {
				e.logger.Warn("Skipping audio source without audio track", "source", src.Path, "error", err)
				continue
			}
			return nil, err
		}
		started = append(started, a)
		e.recordSource(src.Path)
	}
	return started, nil
}

func (e *execution) recordSource(path string) {
	info := types.SourceInfo{Path: path}
	md, err := metadata.Read(path)
	if err != nil {
		e.logger.Debug("No metadata for source", "source", path, "error", err)
	} else {
		info = types.SourceInfo{
			Path:     md.Path,
			Format:   md.Format,
			FileType: md.FileType,
			Title:    md.Title,
			Artist:   md.Artist,
			Album:    md.Album,
		}
		e.logger.Info("Mixing audio source", "source", path, "label", md.Label(), "type", md.FileType)
	}
	e.result.Sources = append(e.result.Sources, info)
}

func (e *execution) muxAudio(ctx context.Context, sources []mixer.Source, target codec.PCMFormat) error {
	cfg := e.o.cfg
	mix := mixer.New(sources, target, cfg.ChunkFrames, e.logger)

	reader, err := e.o.codecs.Containers.Open(e.tempPath)
	if err != nil {
		return fmt.Errorf("reopen intermediate: %w", err)
	}
	e.closers = append(e.closers, reader)

	e.outTouched = true
	writer, err := e.o.codecs.Containers.Create(e.job.Request.OutPath)
	if err != nil {
		return err
	}

	stage := audiostage.New(audiostage.Config{
		BitrateBps:      cfg.AudioBitrate,
		VideoDurationUs: e.videoResult.DurationUs,
		PollTimeout:     cfg.PollTimeout,
		CodecTimeout:    cfg.CodecTimeout,
		FormatWait:      cfg.FormatWait,
	}, e.o.codecs.Audio, e.logger)

	res, runErr := stage.Run(ctx, reader, mix, writer, e.reporter.Span(videoShare, 0.99))
	closeErr := writer.Close()
	if runErr != nil {
		return runErr
	}
	if closeErr != nil {
		return fmt.Errorf("finalize output: %w", closeErr)
	}

	if err := reader.Close(); err != nil {
		e.logger.Warn("Failed to close intermediate", "error", err)
	}
	if err := os.Remove(e.tempPath); err != nil && !os.IsNotExist(err) {
		e.logger.Warn("Failed to remove intermediate", "path", e.tempPath, "error", err)
	}

	e.result.Path = types.ExportPathFull
	e.result.UsableSources = len(sources)
	e.result.SampleRate = target.SampleRate
	e.result.Channels = target.Channels
	e.result.AudioFrames = res.AudioFrames
	return nil
}

// closeAll releases every handle opened during the run. Close is
// idempotent on all of them.
func (e *execution) closeAll() {
	for _, c := range e.closers {
		if err := c.Close(); err != nil {
			e.logger.Debug("Close failed", "error", err)
		}
	}
	e.closers = nil
}

// cleanup removes the intermediate and any output this run created.
func (e *execution) cleanup() {
	paths := []string{e.tempPath}
	if e.outTouched {
		paths = append(paths, e.job.Request.OutPath)
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			e.logger.Warn("Failed to remove file after failure", "path", p, "error", err)
		}
	}
}
