package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mantonx/framecast/internal/modules/exportmodule/types"
)

// audioFlags collects repeated --audio path[:offset[:gain[:mute]]] values.
type audioFlags []types.AudioSource

func (a *audioFlags) String() string {
	parts := make([]string, 0, len(*a))
	for _, src := range *a {
		parts = append(parts, fmt.Sprintf("%s:%g:%g:%t", src.Path, src.OffsetSec, src.Gain, src.Mute))
	}
	return strings.Join(parts, ",")
}

func (a *audioFlags) Set(value string) error {
	src, err := parseAudio(value)
	if err != nil {
		return err
	}
	*a = append(*a, src)
	return nil
}

func parseAudio(value string) (types.AudioSource, error) {
	parts := strings.Split(value, ":")
	if len(parts) > 4 {
		return types.AudioSource{}, fmt.Errorf("audio %q: expected path[:offset[:gain[:mute]]]", value)
	}

	src := types.AudioSource{Path: parts[0], Gain: 1}
	if src.Path == "" {
		return types.AudioSource{}, fmt.Errorf("audio %q: empty path", value)
	}

	if len(parts) > 1 && parts[1] != "" {
		offset, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return types.AudioSource{}, fmt.Errorf("audio %q: bad offset: %w", value, err)
		}
		src.OffsetSec = offset
	}
	if len(parts) > 2 && parts[2] != "" {
		gain, err := strconv.ParseFloat(parts[2], 64)
		if err != nil {
			return types.AudioSource{}, fmt.Errorf("audio %q: bad gain: %w", value, err)
		}
		src.Gain = gain
	}
	if len(parts) > 3 && parts[3] != "" {
		if parts[3] == "mute" {
			src.Mute = true
		} else {
			mute, err := strconv.ParseBool(parts[3])
			if err != nil {
				return types.AudioSource{}, fmt.Errorf("audio %q: bad mute flag: %w", value, err)
			}
			src.Mute = mute
		}
	}
	return src, nil
}
