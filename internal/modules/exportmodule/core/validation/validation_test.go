package validation

import (
	"testing"

	exportErrors "github.com/mantonx/framecast/internal/modules/exportmodule/errors"
	"github.com/mantonx/framecast/internal/modules/exportmodule/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest() types.ExportRequest {
	return types.ExportRequest{
		FramesDir: "/tmp/frames",
		OutPath:   "/tmp/out.mp4",
		Width:     1280,
		Height:    720,
		FPS:       24,
		Audio: []types.AudioSource{
			{Path: "/tmp/voice.m4a", OffsetSec: -1.5, Gain: 0.8},
			{Path: "/tmp/music.mp3", Gain: 3, Mute: true},
		},
	}
}

func TestValidate_AcceptsValidRequests(t *testing.T) {
	v, err := New()
	require.NoError(t, err)

	assert.NoError(t, v.Validate(validRequest()))

	noAudio := validRequest()
	noAudio.Audio = nil
	assert.NoError(t, v.Validate(noAudio))

	silent := validRequest()
	silent.Audio[0].Gain = 0
	assert.NoError(t, v.Validate(silent))
}

func TestValidate_Dimensions(t *testing.T) {
	v, err := New()
	require.NoError(t, err)

	for _, size := range [][2]int{{15, 16}, {16, 9}, {0, 16}, {-2, 16}} {
		req := validRequest()
		req.Width, req.Height = size[0], size[1]
		assert.ErrorIs(t, v.Validate(req), exportErrors.ErrInvalidDimensions, "size %v", size)
	}
}

func TestValidate_RejectsSchemaViolations(t *testing.T) {
	v, err := New()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*types.ExportRequest)
	}{
		{"zero fps", func(r *types.ExportRequest) { r.FPS = 0 }},
		{"empty output", func(r *types.ExportRequest) { r.OutPath = "" }},
		{"empty frames dir", func(r *types.ExportRequest) { r.FramesDir = "" }},
		{"negative gain", func(r *types.ExportRequest) { r.Audio[1].Gain = -0.5 }},
		{"audio without path", func(r *types.ExportRequest) { r.Audio[0].Path = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			err := v.Validate(req)
			assert.ErrorIs(t, err, exportErrors.ErrInvalidInput)
		})
	}
}

func TestRequest_SharedValidator(t *testing.T) {
	assert.NoError(t, Request(validRequest()))
	bad := validRequest()
	bad.FPS = -1
	assert.ErrorIs(t, Request(bad), exportErrors.ErrInvalidInput)
}
