package audiostage

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/framecast/internal/modules/exportmodule/core/codec"
	"github.com/mantonx/framecast/internal/modules/exportmodule/core/codec/codectest"
	"github.com/mantonx/framecast/internal/modules/exportmodule/core/mixer"
	"github.com/mantonx/framecast/internal/modules/exportmodule/core/pcm"
	"github.com/mantonx/framecast/internal/modules/exportmodule/core/progress"
	exportErrors "github.com/mantonx/framecast/internal/modules/exportmodule/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var target = codec.PCMFormat{SampleRate: 8000, Channels: 2}

type memReader struct {
	tracks []codec.TrackFormat
	units  []codec.AccessUnit
	next   int
}

func (m *memReader) Tracks() []codec.TrackFormat { return m.tracks }

func (m *memReader) ReadSample(int) (codec.AccessUnit, error) {
	if m.next >= len(m.units) {
		return codec.AccessUnit{}, io.EOF
	}
	u := m.units[m.next]
	m.next++
	return u, nil
}

func (m *memReader) Close() error { return nil }

type sample struct {
	track int
	unit  codec.AccessUnit
}

type recordingWriter struct {
	formats []codec.TrackFormat
	started bool
	samples []sample
}

func (w *recordingWriter) AddTrack(f codec.TrackFormat) (int, error) {
	w.formats = append(w.formats, f)
	return len(w.formats) - 1, nil
}

func (w *recordingWriter) Start() error {
	w.started = true
	return nil
}

func (w *recordingWriter) WriteSample(track int, u codec.AccessUnit) error {
	if !w.started {
		return exportErrors.ErrMuxerNotStarted
	}
	w.samples = append(w.samples, sample{track, u})
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func videoReader() *memReader {
	return &memReader{
		tracks: []codec.TrackFormat{{
			Kind: codec.TrackVideo, MimeType: codec.MimeVideoAVC, Width: 16, Height: 16, FrameRate: 10,
			CodecConfig: []byte{1, 2, 3},
		}},
		units: []codec.AccessUnit{
			{Data: []byte{0xA}, PTSUs: 0, Flags: codec.FlagKeyFrame},
			{Data: []byte{0xB}, PTSUs: 100_000},
			{Data: []byte{0xC}, PTSUs: 200_000},
		},
	}
}

func newMixer(t *testing.T, frames int) *mixer.Mixer {
	t.Helper()
	opener := codectest.NewSources().Add("a.wav", codectest.Clip{
		Format:  target,
		Samples: codectest.Constant(target, 1000, frames),
	})
	a := pcm.NewAdapter(opener, pcm.AdapterConfig{Path: "a.wav", Gain: 1, Target: target}, hclog.NewNullLogger())
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { a.Close() })
	return mixer.New([]mixer.Source{a}, target, 1024, hclog.NewNullLogger())
}

func newStage(encoders codec.AudioEncoderProvider) *Stage {
	return New(Config{
		VideoDurationUs: 312_500,
		PollTimeout:     time.Millisecond,
		CodecTimeout:    30 * time.Millisecond,
		FormatWait:      20 * time.Millisecond,
	}, encoders, hclog.NewNullLogger())
}

type recorder struct {
	values []float64
}

func (r *recorder) OnProgress(v float64) { r.values = append(r.values, v) }

func TestStage_CopiesVideoAndMuxesAudio(t *testing.T) {
	encoders := &codectest.AudioEncoders{}
	writer := &recordingWriter{}
	video := videoReader()
	rec := &recorder{}

	result, err := newStage(encoders).Run(context.Background(), video, newMixer(t, 2500), writer,
		progress.NewReporter(progress.NewHandle(rec)))
	require.NoError(t, err)

	require.Len(t, writer.formats, 2)
	assert.Equal(t, video.tracks[0], writer.formats[0])
	assert.Equal(t, codec.TrackAudio, writer.formats[1].Kind)
	assert.Equal(t, []byte{0x12, 0x10}, writer.formats[1].CodecConfig)

	// Video is copied verbatim before any audio.
	require.GreaterOrEqual(t, len(writer.samples), 3)
	for i, want := range video.units {
		assert.Equal(t, 0, writer.samples[i].track)
		assert.Equal(t, want, writer.samples[i].unit)
	}

	// 2500 native frames yield 2499 interpolated frames: 1024 + 1024 + 451.
	audio := writer.samples[3:]
	require.Len(t, audio, 3)
	assert.Equal(t, int64(0), audio[0].unit.PTSUs)
	assert.Equal(t, int64(128_000), audio[1].unit.PTSUs)
	assert.Equal(t, int64(256_000), audio[2].unit.PTSUs)
	assert.Len(t, audio[2].unit.Data, 451*4)
	for _, s := range audio {
		assert.Equal(t, 1, s.track)
	}

	assert.Equal(t, 3, result.VideoSamples)
	assert.Equal(t, 3, result.AudioSamples)
	assert.Equal(t, int64(2499), result.AudioFrames)

	cfgs := encoders.Configs()
	require.Len(t, cfgs, 1)
	assert.Equal(t, codec.AudioEncoderConfig{
		MimeType: codec.MimeAudioAAC, SampleRate: 8000, ChannelCount: 2, BitrateBps: 192_000, Profile: codec.AACProfileLC,
	}, cfgs[0])
	assert.True(t, encoders.Created()[0].Closed())

	require.NotEmpty(t, rec.values)
	for i := 1; i < len(rec.values); i++ {
		assert.Greater(t, rec.values[i], rec.values[i-1])
	}
	assert.LessOrEqual(t, rec.values[len(rec.values)-1], 0.99)
}

func TestStage_SecondFormatChangeIsFatal(t *testing.T) {
	encoders := &codectest.AudioEncoders{Behavior: codectest.EncoderBehavior{DoubleFormat: true}}
	_, err := newStage(encoders).Run(context.Background(), videoReader(), newMixer(t, 3000), &recordingWriter{}, nil)
	assert.ErrorIs(t, err, exportErrors.ErrUnexpectedFormatChange)
}

func TestStage_FormatWaitTimesOut(t *testing.T) {
	encoders := &codectest.AudioEncoders{Behavior: codectest.EncoderBehavior{LateFormat: true}}
	writer := &recordingWriter{}
	_, err := newStage(encoders).Run(context.Background(), videoReader(), newMixer(t, 3000), writer, nil)
	assert.ErrorIs(t, err, exportErrors.ErrEncoderTimeout)
	assert.Empty(t, writer.formats)
	assert.True(t, encoders.Created()[0].Closed())
}

func TestStage_NoVideoTrack(t *testing.T) {
	video := &memReader{tracks: []codec.TrackFormat{{Kind: codec.TrackAudio}}}
	encoders := &codectest.AudioEncoders{}
	_, err := newStage(encoders).Run(context.Background(), video, newMixer(t, 100), &recordingWriter{}, nil)
	assert.ErrorIs(t, err, exportErrors.ErrNoTrackFound)
	assert.Empty(t, encoders.Created())
}

func TestStage_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newStage(&codectest.AudioEncoders{}).Run(ctx, videoReader(), newMixer(t, 100), &recordingWriter{}, nil)
	assert.ErrorIs(t, err, exportErrors.ErrCancelled)
}
