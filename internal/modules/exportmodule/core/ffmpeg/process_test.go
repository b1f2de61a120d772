package ffmpeg

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/framecast/internal/modules/exportmodule/core/codec"
	exportErrors "github.com/mantonx/framecast/internal/modules/exportmodule/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBinary writes a shell script standing in for ffmpeg or ffprobe.
func fakeBinary(t *testing.T, name, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake binaries need a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return path
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

var vga = codec.VideoEncoderConfig{
	Width: 640, Height: 480, FrameRate: 30, IFrameIntervalSecs: 1,
	BitrateBps: 1_536_000, PixelFormat: codec.PixelFormatI420,
}

// drain collects encoder events up to and including end of stream.
func drain(t *testing.T, enc codec.Encoder) ([]codec.Event, error) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var events []codec.Event
	for time.Now().Before(deadline) {
		ev, err := enc.DequeueOutput(10 * time.Millisecond)
		if err != nil {
			return events, err
		}
		if ev.Kind == codec.EventTryAgain {
			continue
		}
		events = append(events, ev)
		if ev.Kind == codec.EventEndOfStream {
			return events, nil
		}
	}
	t.Fatal("encoder did not reach end of stream")
	return nil, nil
}

func TestVideoEncoder_SlowReaderAcceptsLargeFrames(t *testing.T) {
	bin := fakeBinary(t, "ffmpeg", "sleep 0.05\nexec cat >/dev/null")
	c := New(Config{FFmpegPath: bin}, hclog.NewNullLogger())

	enc, err := c.NewVideoEncoder(context.Background(), vga)
	require.NoError(t, err)
	defer enc.Close()

	// A 640x480 frame is several times the pipe capacity.
	frame := make([]byte, 640*480*3/2)
	for i := 0; i < 3; i++ {
		require.NoError(t, enc.QueueInput(frame, int64(i)*33_333, 0, codec.DefaultPollTimeout), "frame %d", i)
	}
	require.NoError(t, enc.QueueInput(nil, 100_000, codec.FlagEndOfStream, codec.DefaultPollTimeout))

	events, err := drain(t, enc)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, codec.EventEndOfStream, events[0].Kind)
}

func TestVideoEncoder_StalledWriteTimesOut(t *testing.T) {
	bin := fakeBinary(t, "ffmpeg", "exec sleep 5")
	c := New(Config{FFmpegPath: bin, WriteStall: 50 * time.Millisecond}, hclog.NewNullLogger())

	enc, err := c.NewVideoEncoder(context.Background(), vga)
	require.NoError(t, err)

	start := time.Now()
	err = enc.QueueInput(make([]byte, 640*480*3/2), 0, 0, codec.DefaultPollTimeout)
	assert.ErrorIs(t, err, exportErrors.ErrEncoderTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	require.NoError(t, enc.Close())
}

func TestVideoEncoder_FullPipeAsksToRetry(t *testing.T) {
	bin := fakeBinary(t, "ffmpeg", "exec sleep 5")
	c := New(Config{FFmpegPath: bin}, hclog.NewNullLogger())

	enc, err := c.NewVideoEncoder(context.Background(), vga)
	require.NoError(t, err)
	defer enc.Close()

	// Writes of at most PIPE_BUF bytes are accepted whole or not at all.
	chunk := make([]byte, 4096)
	for i := 0; i < 1024 && err == nil; i++ {
		err = enc.QueueInput(chunk, int64(i), 0, 5*time.Millisecond)
	}
	assert.ErrorIs(t, err, codec.ErrTryAgain)
}

func TestVideoEncoder_EmitsFormatThenUnits(t *testing.T) {
	stream := writeFile(t, "out.h264", concat(aud, sps, pps, idr, aud, nonIDR))
	bin := fakeBinary(t, "ffmpeg", "cat >/dev/null\nexec cat '"+stream+"'")
	c := New(Config{FFmpegPath: bin}, hclog.NewNullLogger())

	enc, err := c.NewVideoEncoder(context.Background(), vga)
	require.NoError(t, err)
	defer enc.Close()

	require.NoError(t, enc.QueueInput([]byte{1, 2, 3}, 0, 0, codec.DefaultPollTimeout))
	require.NoError(t, enc.QueueInput([]byte{4, 5, 6}, 33_333, 0, codec.DefaultPollTimeout))
	require.NoError(t, enc.QueueInput(nil, 66_666, codec.FlagEndOfStream, codec.DefaultPollTimeout))
	assert.Error(t, enc.QueueInput([]byte{7}, 66_666, 0, codec.DefaultPollTimeout), "input is closed after end of stream")

	events, err := drain(t, enc)
	require.NoError(t, err)
	require.Len(t, events, 4)

	require.Equal(t, codec.EventFormatChanged, events[0].Kind)
	assert.Equal(t, buildAVCConfig(sps[4:], pps[4:]), events[0].Format.CodecConfig)
	assert.Equal(t, 640, events[0].Format.Width)

	require.Equal(t, codec.EventAccessUnit, events[1].Kind)
	assert.Equal(t, int64(0), events[1].Unit.PTSUs)
	assert.True(t, events[1].Unit.Flags.Has(codec.FlagKeyFrame))

	require.Equal(t, codec.EventAccessUnit, events[2].Kind)
	assert.Equal(t, int64(33_333), events[2].Unit.PTSUs)
	assert.False(t, events[2].Unit.Flags.Has(codec.FlagKeyFrame))

	assert.Equal(t, codec.EventEndOfStream, events[3].Kind)
}

func TestVideoEncoder_ReportsChildFailure(t *testing.T) {
	bin := fakeBinary(t, "ffmpeg", "cat >/dev/null\necho 'x264 exploded' >&2\nexit 3")
	c := New(Config{FFmpegPath: bin}, hclog.NewNullLogger())

	enc, err := c.NewVideoEncoder(context.Background(), vga)
	require.NoError(t, err)
	defer enc.Close()

	require.NoError(t, enc.QueueInput([]byte{1}, 0, 0, codec.DefaultPollTimeout))
	require.NoError(t, enc.QueueInput(nil, 0, codec.FlagEndOfStream, codec.DefaultPollTimeout))

	_, err = drain(t, enc)
	require.Error(t, err)
	assert.ErrorIs(t, err, exportErrors.ErrIOFailure)
	assert.Contains(t, err.Error(), "x264 exploded")
}

func TestVideoEncoder_CloseStopsRunningChild(t *testing.T) {
	bin := fakeBinary(t, "ffmpeg", "exec sleep 5")
	c := New(Config{FFmpegPath: bin}, hclog.NewNullLogger())

	enc, err := c.NewVideoEncoder(context.Background(), vga)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, enc.Close())
	require.NoError(t, enc.Close())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestAudioEncoder_TimestampsFollowFrameCount(t *testing.T) {
	stream := writeFile(t, "out.aac", concat(
		adtsFrameBytes([]byte{1, 2, 3}, 11, 1),
		adtsFrameBytes([]byte{4, 5, 6, 7}, 11, 1),
	))
	bin := fakeBinary(t, "ffmpeg", "cat >/dev/null\nexec cat '"+stream+"'")
	c := New(Config{FFmpegPath: bin}, hclog.NewNullLogger())

	enc, err := c.NewAudioEncoder(context.Background(), codec.AudioEncoderConfig{
		MimeType: codec.MimeAudioAAC, SampleRate: 8000, ChannelCount: 1, BitrateBps: 32_000,
	})
	require.NoError(t, err)
	defer enc.Close()

	pcm := make([]byte, 2048)
	require.NoError(t, enc.QueueInput(pcm, 0, 0, codec.DefaultPollTimeout))
	require.NoError(t, enc.QueueInput(pcm, 128_000, codec.FlagEndOfStream, codec.DefaultPollTimeout))

	events, err := drain(t, enc)
	require.NoError(t, err)
	require.Len(t, events, 4)

	require.Equal(t, codec.EventFormatChanged, events[0].Kind)
	assert.Equal(t, []byte{0x15, 0x88}, events[0].Format.CodecConfig)

	require.Equal(t, codec.EventAccessUnit, events[1].Kind)
	assert.Equal(t, []byte{1, 2, 3}, events[1].Unit.Data)
	assert.Equal(t, int64(0), events[1].Unit.PTSUs)

	require.Equal(t, codec.EventAccessUnit, events[2].Kind)
	assert.Equal(t, []byte{4, 5, 6, 7}, events[2].Unit.Data)
	assert.Equal(t, int64(128_000), events[2].Unit.PTSUs)

	assert.Equal(t, codec.EventEndOfStream, events[3].Kind)
}

func TestDecoder_StreamsWholeFrames(t *testing.T) {
	pcm := make([]byte, 4000)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	raw := writeFile(t, "decoded.raw", pcm)
	source := writeFile(t, "song.mp3", []byte("not really mp3"))

	ffprobe := fakeBinary(t, "ffprobe",
		`echo '{"streams":[{"codec_type":"audio","codec_name":"mp3","sample_rate":"8000","channels":2}]}'`)
	bin := fakeBinary(t, "ffmpeg", "exec cat '"+raw+"'")
	c := New(Config{FFmpegPath: bin, FFprobePath: ffprobe}, hclog.NewNullLogger())

	dec, err := c.Open(context.Background(), source)
	require.NoError(t, err)
	defer dec.Close()
	assert.Equal(t, codec.PCMFormat{SampleRate: 8000, Channels: 2}, dec.Format())

	ev, err := dec.Next(time.Second)
	require.NoError(t, err)
	require.Equal(t, codec.EventFormatChanged, ev.Kind)

	var got bytes.Buffer
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ev, err = dec.Next(10 * time.Millisecond)
		require.NoError(t, err)
		if ev.Kind == codec.EventEndOfStream {
			break
		}
		if ev.Kind == codec.EventAccessUnit {
			assert.Zero(t, len(ev.PCM)%4, "chunks hold whole frames")
			got.Write(ev.PCM)
		}
	}
	assert.Equal(t, codec.EventEndOfStream, ev.Kind)
	assert.Equal(t, pcm, got.Bytes())
}

func TestDecoder_ReportsChildFailure(t *testing.T) {
	source := writeFile(t, "broken.m4a", []byte{0})
	ffprobe := fakeBinary(t, "ffprobe",
		`echo '{"streams":[{"codec_type":"audio","codec_name":"aac","sample_rate":"44100","channels":2}]}'`)
	bin := fakeBinary(t, "ffmpeg", "echo 'moov atom not found' >&2\nexit 1")
	c := New(Config{FFmpegPath: bin, FFprobePath: ffprobe}, hclog.NewNullLogger())

	dec, err := c.Open(context.Background(), source)
	require.NoError(t, err)
	defer dec.Close()

	_, err = dec.Next(time.Second)
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var ev codec.DecoderEvent
		ev, err = dec.Next(10 * time.Millisecond)
		if err != nil || ev.Kind == codec.EventEndOfStream {
			break
		}
	}
	require.Error(t, err)
	assert.ErrorIs(t, err, exportErrors.ErrIOFailure)
	assert.Contains(t, err.Error(), "moov atom not found")
}

func TestCodecs_SourceWithoutAudio(t *testing.T) {
	source := writeFile(t, "silent.mp4", []byte{0})
	ffprobe := fakeBinary(t, "ffprobe", `echo '{"streams":[]}'`)
	c := New(Config{FFprobePath: ffprobe}, hclog.NewNullLogger())

	_, err := c.Probe(context.Background(), source)
	assert.ErrorIs(t, err, exportErrors.ErrNoTrackFound)

	_, err = c.Probe(context.Background(), filepath.Join(t.TempDir(), "missing.mp3"))
	assert.ErrorIs(t, err, exportErrors.ErrIOFailure)
}
