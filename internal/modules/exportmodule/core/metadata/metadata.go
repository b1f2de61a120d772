// Package metadata reads descriptive tags from audio sources for job
// records and logs.
package metadata

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dhowden/tag"
)

// Info describes one audio source.
type Info struct {
	Path     string `json:"path"`
	Format   string `json:"format,omitempty"`
	FileType string `json:"fileType,omitempty"`
	Title    string `json:"title,omitempty"`
	Artist   string `json:"artist,omitempty"`
	Album    string `json:"album,omitempty"`
}

// Read extracts tags from path. Files without tags yield an Info holding
// only the path and the extension as file type.
func Read(path string) (Info, error) {
	info := Info{
		Path:     path,
		FileType: strings.ToUpper(strings.TrimPrefix(filepath.Ext(path), ".")),
	}

	f, err := os.Open(path)
	if err != nil {
		return info, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	m, err := tag.ReadFrom(f)
	if errors.Is(err, tag.ErrNoTagsFound) {
		return info, nil
	}
	if err != nil {
		return info, fmt.Errorf("failed to read metadata from file: %w", err)
	}

	info.Format = string(m.Format())
	if ft := string(m.FileType()); ft != "" && ft != string(tag.UnknownFileType) {
		info.FileType = ft
	}
	info.Title = cleanString(m.Title())
	info.Artist = cleanString(m.Artist())
	info.Album = cleanString(m.Album())
	return info, nil
}

// Label returns a short human-readable name for logs.
func (i Info) Label() string {
	switch {
	case i.Artist != "" && i.Title != "":
		return i.Artist + " - " + i.Title
	case i.Title != "":
		return i.Title
	default:
		return filepath.Base(i.Path)
	}
}

func cleanString(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\x00", ""))
}
