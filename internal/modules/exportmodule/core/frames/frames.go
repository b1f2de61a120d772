// Package frames locates the still images of an export and decodes them
// into ARGB pixel buffers.
package frames

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/chai2010/webp"
	exportErrors "github.com/mantonx/framecast/internal/modules/exportmodule/errors"
	"github.com/samber/lo"
)

// DefaultExtensions are the frame file extensions picked up when none are
// configured.
var DefaultExtensions = []string{".png"}

// List returns the frame files in dir with one of the given extensions,
// sorted by file name. A missing directory or one without matching files
// returns an error wrapping ErrNoFramesFound.
func List(dir string, extensions []string) ([]string, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	allowed := lo.Map(extensions, func(ext string, _ int) string {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		return ext
	})

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: directory %s does not exist", exportErrors.ErrNoFramesFound, dir)
		}
		return nil, fmt.Errorf("%w: read frames directory: %v", exportErrors.ErrIOFailure, err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if lo.Contains(allowed, strings.ToLower(filepath.Ext(entry.Name()))) {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no %s files in %s", exportErrors.ErrNoFramesFound, strings.Join(allowed, "/"), dir)
	}

	sort.Strings(names)
	return lo.Map(names, func(name string, _ int) string {
		return filepath.Join(dir, name)
	}), nil
}

// Decoder decodes png, jpeg and webp frames from disk.
type Decoder struct{}

// NewDecoder creates a frame decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode reads path and returns width×height ARGB pixels. Images smaller
// than the target are rejected; larger images are cropped to the top-left
// region.
func (d *Decoder) Decode(path string, width, height int) ([]uint32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read frame: %v", exportErrors.ErrIOFailure, err)
	}

	img, err := decodeImage(data, strings.ToLower(filepath.Ext(path)))
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", exportErrors.ErrIOFailure, filepath.Base(path), err)
	}

	b := img.Bounds()
	if b.Dx() < width || b.Dy() < height {
		return nil, fmt.Errorf("%w: frame %s is %dx%d, want %dx%d",
			exportErrors.ErrInvalidDimensions, filepath.Base(path), b.Dx(), b.Dy(), width, height)
	}
	return ToARGB(img, width, height), nil
}

func decodeImage(data []byte, ext string) (image.Image, error) {
	reader := bytes.NewReader(data)

	switch ext {
	case ".png":
		return png.Decode(reader)
	case ".jpg", ".jpeg":
		return jpeg.Decode(reader)
	case ".webp":
		return webp.Decode(reader)
	default:
		img, _, err := image.Decode(reader)
		return img, err
	}
}

// ToARGB packs the top-left width×height region of img as 0xAARRGGBB with
// straight (non-premultiplied) alpha.
func ToARGB(img image.Image, width, height int) []uint32 {
	out := make([]uint32, width*height)
	b := img.Bounds()

	if nrgba, ok := img.(*image.NRGBA); ok {
		for y := 0; y < height; y++ {
			row := nrgba.Pix[y*nrgba.Stride:]
			for x := 0; x < width; x++ {
				p := row[x*4 : x*4+4]
				out[y*width+x] = uint32(p[3])<<24 | uint32(p[0])<<16 | uint32(p[1])<<8 | uint32(p[2])
			}
		}
		return out
	}

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			out[y*width+x] = uint32(c.A)<<24 | uint32(c.R)<<16 | uint32(c.G)<<8 | uint32(c.B)
		}
	}
	return out
}
