// Package types provides the request, job and result types of the export
// module.
package types

import (
	"encoding/json"

	"github.com/samber/lo"
)

// AudioSource is one audio track to mix into an export.
type AudioSource struct {
	Path string `json:"path"`
	// OffsetSec shifts the source on the output timeline. Positive values
	// delay it with leading silence, negative values trim its start.
	OffsetSec float64 `json:"offsetSec"`
	Gain      float64 `json:"gain"`
	Mute      bool    `json:"mute"`
}

// UnmarshalJSON applies the defaults of an omitted gain (1.0).
func (a *AudioSource) UnmarshalJSON(data []byte) error {
	type plain AudioSource
	v := plain{Gain: 1}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*a = AudioSource(v)
	return nil
}

// ExportRequest describes one movie export.
type ExportRequest struct {
	FramesDir string        `json:"framesDir"`
	OutPath   string        `json:"outPath"`
	Width     int           `json:"width"`
	Height    int           `json:"height"`
	FPS       int           `json:"fps"`
	Audio     []AudioSource `json:"audio,omitempty"`
}

// Unmuted returns the audio sources that take part in the mix.
func (r ExportRequest) Unmuted() []AudioSource {
	return lo.Filter(r.Audio, func(a AudioSource, _ int) bool {
		return !a.Mute
	})
}
