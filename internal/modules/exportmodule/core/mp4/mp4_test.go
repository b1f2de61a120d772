package mp4

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/mantonx/framecast/internal/modules/exportmodule/core/codec"
	exportErrors "github.com/mantonx/framecast/internal/modules/exportmodule/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func videoFormat() codec.TrackFormat {
	return codec.TrackFormat{
		Kind:        codec.TrackVideo,
		MimeType:    codec.MimeVideoAVC,
		Width:       64,
		Height:      48,
		FrameRate:   30,
		BitrateBps:  500_000,
		CodecConfig: []byte{0x01, 0x42, 0xC0, 0x1E, 0xFF, 0xE0, 0x00},
	}
}

func audioFormat() codec.TrackFormat {
	return codec.TrackFormat{
		Kind:         codec.TrackAudio,
		MimeType:     codec.MimeAudioAAC,
		SampleRate:   44100,
		ChannelCount: 2,
		BitrateBps:   192_000,
		CodecConfig:  []byte{0x12, 0x10},
	}
}

func writeVideo(t *testing.T, path string, frames int) [][]byte {
	t.Helper()
	w, err := Create(path)
	require.NoError(t, err)
	track, err := w.AddTrack(videoFormat())
	require.NoError(t, err)
	require.NoError(t, w.Start())

	var payloads [][]byte
	for i := 0; i < frames; i++ {
		data := []byte{byte(i), 0xAA, byte(i * 3)}
		payloads = append(payloads, data)
		flags := codec.BufferFlags(0)
		if i%30 == 0 {
			flags |= codec.FlagKeyFrame
		}
		require.NoError(t, w.WriteSample(track, codec.AccessUnit{
			Data: data, PTSUs: int64(i) * codec.FrameDurationUs(30), Flags: flags,
		}))
	}
	require.NoError(t, w.Close())
	return payloads
}

func TestWriter_VideoRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mp4")
	payloads := writeVideo(t, path, 45)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	tracks := r.Tracks()
	require.Len(t, tracks, 1)
	assert.Equal(t, codec.TrackVideo, tracks[0].Kind)
	assert.Equal(t, codec.MimeVideoAVC, tracks[0].MimeType)
	assert.Equal(t, 64, tracks[0].Width)
	assert.Equal(t, 48, tracks[0].Height)
	assert.Equal(t, 30, tracks[0].FrameRate)
	assert.Equal(t, videoFormat().CodecConfig, tracks[0].CodecConfig)
	assert.Equal(t, 45, r.SampleCount(0))

	for i, want := range payloads {
		unit, err := r.ReadSample(0)
		require.NoError(t, err)
		assert.Equal(t, want, unit.Data)
		assert.Equal(t, int64(i)*33333, unit.PTSUs)
		assert.Equal(t, i%30 == 0, unit.Flags.Has(codec.FlagKeyFrame), "sample %d", i)
	}
	_, err = r.ReadSample(0)
	assert.ErrorIs(t, err, io.EOF)
}

func TestWriter_DurationIsFrameCountOverRate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mp4")
	writeVideo(t, path, 60)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	// 59 deltas of 33333us plus a final 1/30s.
	assert.Equal(t, int64(59*33333+33333), r.TrackDurationUs(0))
	assert.InDelta(t, 2_000_000, r.TrackDurationUs(0), 100)
}

func TestWriter_AudioAndVideo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "av.mp4")
	w, err := Create(path)
	require.NoError(t, err)
	v, err := w.AddTrack(videoFormat())
	require.NoError(t, err)
	a, err := w.AddTrack(audioFormat())
	require.NoError(t, err)
	require.NoError(t, w.Start())

	for i := 0; i < 10; i++ {
		require.NoError(t, w.WriteSample(v, codec.AccessUnit{
			Data: []byte{1, byte(i)}, PTSUs: int64(i) * 33333, Flags: codec.FlagKeyFrame,
		}))
		pts := int64(i) * 1024 * 1_000_000 / 44100
		require.NoError(t, w.WriteSample(a, codec.AccessUnit{Data: []byte{2, byte(i), 0xFF}, PTSUs: pts}))
	}
	require.NoError(t, w.WriteSample(a, codec.AccessUnit{Data: []byte{0x12, 0x10}, Flags: codec.FlagCodecConfig}))
	require.NoError(t, w.Close())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	tracks := r.Tracks()
	require.Len(t, tracks, 2)
	audio := tracks[1]
	assert.Equal(t, codec.TrackAudio, audio.Kind)
	assert.Equal(t, 44100, audio.SampleRate)
	assert.Equal(t, 2, audio.ChannelCount)
	assert.Equal(t, 192_000, audio.BitrateBps)
	assert.Equal(t, []byte{0x12, 0x10}, audio.CodecConfig)
	assert.Equal(t, 10, r.SampleCount(1))

	for i := 0; i < 10; i++ {
		unit, err := r.ReadSample(1)
		require.NoError(t, err)
		assert.Equal(t, []byte{2, byte(i), 0xFF}, unit.Data)
		assert.Equal(t, int64(i)*1024*1_000_000/44100, unit.PTSUs)
		assert.True(t, unit.Flags.Has(codec.FlagKeyFrame))
	}
	assert.Equal(t, int64(10*1024*1_000_000/44100), r.TrackDurationUs(1))
}

func TestWriter_RejectsWritesBeforeStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mp4")
	w, err := Create(path)
	require.NoError(t, err)
	track, err := w.AddTrack(videoFormat())
	require.NoError(t, err)

	err = w.WriteSample(track, codec.AccessUnit{Data: []byte{1}})
	assert.ErrorIs(t, err, exportErrors.ErrMuxerNotStarted)
	assert.False(t, w.Started())
	assert.NoError(t, w.Close())
	assert.NoError(t, w.Close())
}

func TestWriter_TrackRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mp4")
	w, err := Create(path)
	require.NoError(t, err)
	defer w.Close()

	assert.Error(t, w.Start(), "start without tracks")

	bad := videoFormat()
	bad.Width = 0
	_, err = w.AddTrack(bad)
	assert.ErrorIs(t, err, exportErrors.ErrInvalidDimensions)

	_, err = w.AddTrack(videoFormat())
	require.NoError(t, err)
	require.NoError(t, w.Start())

	_, err = w.AddTrack(audioFormat())
	assert.ErrorIs(t, err, exportErrors.ErrUnexpectedFormatChange)
	assert.ErrorIs(t, w.Start(), exportErrors.ErrUnexpectedFormatChange)
}

func TestOpen_Errors(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(filepath.Join(dir, "missing.mp4"))
	assert.ErrorIs(t, err, exportErrors.ErrIOFailure)

	garbage := filepath.Join(dir, "garbage.mp4")
	require.NoError(t, os.WriteFile(garbage, []byte{0, 0, 0, 0x40, 'f', 't', 'y', 'p'}, 0644))
	_, err = Open(garbage)
	assert.ErrorIs(t, err, errMalformed)
}

func TestFiles_Factory(t *testing.T) {
	var factory codec.ContainerFactory = Files{}
	path := filepath.Join(t.TempDir(), "f.mp4")

	w, err := factory.Create(path)
	require.NoError(t, err)
	track, err := w.AddTrack(videoFormat())
	require.NoError(t, err)
	require.NoError(t, w.Start())
	require.NoError(t, w.WriteSample(track, codec.AccessUnit{Data: []byte{9}, Flags: codec.FlagKeyFrame}))
	require.NoError(t, w.Close())

	r, err := factory.Open(path)
	require.NoError(t, err)
	defer r.Close()
	unit, err := r.ReadSample(0)
	require.NoError(t, err)
	assert.Equal(t, []byte{9}, unit.Data)
}
