// Package ffmpeg implements the codec boundary on top of ffmpeg and
// ffprobe child processes: an H.264 video encoder, an AAC audio encoder
// and a decoder that streams s16le PCM from any source ffmpeg can read.
package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/framecast/internal/modules/exportmodule/core/codec"
)

// Config selects binaries and encoder settings.
type Config struct {
	FFmpegPath  string
	FFprobePath string
	VideoCodec  string
	Preset      string

	// WriteStall bounds how long a partly written input may wait for the
	// child to read more of it.
	WriteStall time.Duration
}

// DefaultConfig returns settings that rely on binaries in PATH.
func DefaultConfig() Config {
	return Config{
		FFmpegPath:  "ffmpeg",
		FFprobePath: "ffprobe",
		VideoCodec:  "libx264",
		Preset:      "veryfast",
		WriteStall:  codec.DefaultCodecTimeout,
	}
}

// Codecs provides encoders and audio decoders backed by ffmpeg.
type Codecs struct {
	cfg    Config
	logger hclog.Logger

	pixOnce    sync.Once
	pixFormats []codec.PixelFormat
}

var (
	_ codec.VideoEncoderProvider = (*Codecs)(nil)
	_ codec.AudioEncoderProvider = (*Codecs)(nil)
	_ codec.AudioSourceOpener    = (*Codecs)(nil)
)

// New creates a codec provider. Empty config fields take their defaults.
func New(cfg Config, logger hclog.Logger) *Codecs {
	def := DefaultConfig()
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = def.FFmpegPath
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = def.FFprobePath
	}
	if cfg.VideoCodec == "" {
		cfg.VideoCodec = def.VideoCodec
	}
	if cfg.WriteStall <= 0 {
		cfg.WriteStall = def.WriteStall
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Codecs{cfg: cfg, logger: logger.Named("ffmpeg")}
}

// Available reports whether the ffmpeg and ffprobe binaries can be found.
func (c *Codecs) Available() error {
	for _, bin := range []string{c.cfg.FFmpegPath, c.cfg.FFprobePath} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("%s not found: %w", bin, err)
		}
	}
	return nil
}

// run executes a short-lived command and returns its stdout.
func (c *Codecs) run(ctx context.Context, path string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return out, fmt.Errorf("%s failed: %w: %s", path, err, bytes.TrimSpace(stderr.Bytes()))
	}
	return out, nil
}
