// Package colorconv converts ARGB frames into the 4:2:0 layouts consumed by
// video encoders.
//
// Luma is computed per pixel. Chroma is sampled once per 2×2 block from the
// block's top-left pixel, using the BT.601 integer approximations:
//
//	Y = ((66R + 129G + 25B + 128) >> 8) + 16
//	U = ((-38R - 74G + 112B + 128) >> 8) + 128
//	V = ((112R - 94G - 18B + 128) >> 8) + 128
package colorconv

import (
	"fmt"

	"github.com/mantonx/framecast/internal/modules/exportmodule/core/codec"
	exportErrors "github.com/mantonx/framecast/internal/modules/exportmodule/errors"
)

// preferred lists the layouts tried first, in order.
var preferred = []codec.PixelFormat{codec.PixelFormatNV12, codec.PixelFormatI420}

// SelectPixelFormat picks the layout to feed an encoder that advertises the
// given formats. The first preferred layout the encoder advertises wins;
// otherwise the encoder's first known layout is used, and an encoder that
// advertises nothing gets planar input.
func SelectPixelFormat(advertised []codec.PixelFormat) (codec.PixelFormat, error) {
	if len(advertised) == 0 {
		return codec.PixelFormatI420, nil
	}
	for _, want := range preferred {
		for _, have := range advertised {
			if have == want {
				return want, nil
			}
		}
	}
	for _, have := range advertised {
		if have.Known() {
			return have, nil
		}
	}
	return 0, fmt.Errorf("%w: encoder advertises %v", exportErrors.ErrUnsupportedColorFormat, advertised)
}

// FrameSize returns the byte size of a w×h 4:2:0 frame.
func FrameSize(width, height int) int {
	return width*height + width*height/2
}

// Convert writes the frame in the requested layout.
func Convert(format codec.PixelFormat, argb []uint32, width, height int) ([]byte, error) {
	switch format {
	case codec.PixelFormatI420:
		return ToI420(argb, width, height)
	case codec.PixelFormatNV12:
		return ToNV12(argb, width, height)
	default:
		return nil, fmt.Errorf("%w: %v", exportErrors.ErrUnsupportedColorFormat, format)
	}
}

// ToI420 converts to planar Y, U, V.
func ToI420(argb []uint32, width, height int) ([]byte, error) {
	if err := checkDimensions(argb, width, height); err != nil {
		return nil, err
	}
	out := make([]byte, FrameSize(width, height))
	frameSize := width * height
	uIndex := frameSize
	vIndex := frameSize + frameSize/4

	for j := 0; j < height; j++ {
		row := j * width
		for i := 0; i < width; i++ {
			r, g, b := channels(argb[row+i])
			out[row+i] = luma(r, g, b)
			if j%2 == 0 && i%2 == 0 {
				out[uIndex] = chromaU(r, g, b)
				out[vIndex] = chromaV(r, g, b)
				uIndex++
				vIndex++
			}
		}
	}
	return out, nil
}

// ToNV12 converts to a Y plane followed by interleaved UV.
func ToNV12(argb []uint32, width, height int) ([]byte, error) {
	if err := checkDimensions(argb, width, height); err != nil {
		return nil, err
	}
	out := make([]byte, FrameSize(width, height))
	uvIndex := width * height

	for j := 0; j < height; j++ {
		row := j * width
		for i := 0; i < width; i++ {
			r, g, b := channels(argb[row+i])
			out[row+i] = luma(r, g, b)
			if j%2 == 0 && i%2 == 0 {
				out[uvIndex] = chromaU(r, g, b)
				out[uvIndex+1] = chromaV(r, g, b)
				uvIndex += 2
			}
		}
	}
	return out, nil
}

func checkDimensions(argb []uint32, width, height int) error {
	if width <= 0 || height <= 0 || width%2 != 0 || height%2 != 0 {
		return fmt.Errorf("%w: %dx%d must be positive and even", exportErrors.ErrInvalidDimensions, width, height)
	}
	if len(argb) < width*height {
		return fmt.Errorf("%w: %d pixels for %dx%d frame", exportErrors.ErrInvalidDimensions, len(argb), width, height)
	}
	return nil
}

func channels(px uint32) (r, g, b int) {
	return int(px>>16) & 0xff, int(px>>8) & 0xff, int(px) & 0xff
}

func luma(r, g, b int) byte {
	return clamp(((66*r + 129*g + 25*b + 128) >> 8) + 16)
}

func chromaU(r, g, b int) byte {
	return clamp(((-38*r - 74*g + 112*b + 128) >> 8) + 128)
}

func chromaV(r, g, b int) byte {
	return clamp(((112*r - 94*g - 18*b + 128) >> 8) + 128)
}

func clamp(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
