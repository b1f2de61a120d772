package mp4

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/mantonx/framecast/internal/modules/exportmodule/core/codec"
	exportErrors "github.com/mantonx/framecast/internal/modules/exportmodule/errors"
)

type readTrack struct {
	format    codec.TrackFormat
	timescale uint32
	samples   []sample
	duration  uint64
	next      int
}

// Reader reads the tracks of an mp4 file sample by sample.
type Reader struct {
	f      *os.File
	path   string
	tracks []*readTrack
}

// Open parses the movie box of path.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", exportErrors.ErrIOFailure, path, err)
	}
	r := &Reader{f: f, path: path}
	if err := r.load(); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) load() error {
	info, err := r.f.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat %s: %v", exportErrors.ErrIOFailure, r.path, err)
	}
	size := info.Size()

	var moov []byte
	var header [16]byte
	for pos := int64(0); pos < size; {
		if _, err := r.f.ReadAt(header[:8], pos); err != nil {
			return fmt.Errorf("%w: %s: read box header at %d: %v", errMalformed, r.path, pos, err)
		}
		boxSize := int64(binary.BigEndian.Uint32(header[:4]))
		typ := string(header[4:8])
		hdr := int64(8)
		switch boxSize {
		case 0:
			boxSize = size - pos
		case 1:
			if _, err := r.f.ReadAt(header[8:16], pos+8); err != nil {
				return fmt.Errorf("%w: %s: read large size: %v", errMalformed, r.path, err)
			}
			boxSize = int64(binary.BigEndian.Uint64(header[8:16]))
			hdr = 16
		}
		if boxSize < hdr || pos+boxSize > size {
			return fmt.Errorf("%w: %s: box %q at %d has size %d", errMalformed, r.path, typ, pos, boxSize)
		}
		if typ == "moov" {
			moov = make([]byte, boxSize-hdr)
			if _, err := r.f.ReadAt(moov, pos+hdr); err != nil {
				return fmt.Errorf("%w: read moov: %v", exportErrors.ErrIOFailure, err)
			}
		}
		pos += boxSize
	}
	if moov == nil {
		return fmt.Errorf("%w: %s has no moov box", errMalformed, r.path)
	}

	boxes, err := parseBoxes(moov)
	if err != nil {
		return err
	}
	for _, b := range boxes {
		if b.typ != "trak" {
			continue
		}
		t, err := parseTrack(b.data)
		if err != nil {
			return err
		}
		if t != nil {
			r.tracks = append(r.tracks, t)
		}
	}
	return nil
}

// parseTrack returns nil for tracks that are neither video nor sound.
func parseTrack(data []byte) (*readTrack, error) {
	hdlr, err := child(data, "mdia", "hdlr")
	if err != nil {
		return nil, err
	}
	hr := reader{data: hdlr.data}
	hr.skip(8)
	handler := string(hr.take(4))
	if hr.err != nil {
		return nil, hr.err
	}

	t := &readTrack{}
	switch handler {
	case "vide":
		t.format.Kind = codec.TrackVideo
	case "soun":
		t.format.Kind = codec.TrackAudio
	default:
		return nil, nil
	}

	mdhd, err := child(data, "mdia", "mdhd")
	if err != nil {
		return nil, err
	}
	mr := reader{data: mdhd.data}
	if version := mr.u8(); version == 1 {
		mr.skip(3 + 16)
	} else {
		mr.skip(3 + 8)
	}
	t.timescale = mr.u32()
	if mr.err != nil {
		return nil, mr.err
	}
	if t.timescale == 0 {
		return nil, fmt.Errorf("%w: zero media timescale", errMalformed)
	}

	stbl, err := child(data, "mdia", "minf", "stbl")
	if err != nil {
		return nil, err
	}
	if err := t.parseSampleDescription(stbl.data); err != nil {
		return nil, err
	}
	if err := t.parseSampleTable(stbl.data); err != nil {
		return nil, err
	}
	if t.format.Kind == codec.TrackVideo && len(t.samples) >= 2 {
		delta := usToTicks(t.samples[1].ptsUs, t.timescale) - usToTicks(t.samples[0].ptsUs, t.timescale)
		if delta > 0 {
			t.format.FrameRate = int(math.Round(float64(t.timescale) / float64(delta)))
		}
	}
	return t, nil
}

func (t *readTrack) parseSampleDescription(stbl []byte) error {
	stsd, err := child(stbl, "stsd")
	if err != nil {
		return err
	}
	if len(stsd.data) < 8 {
		return fmt.Errorf("%w: short stsd", errMalformed)
	}
	entries, err := parseBoxes(stsd.data[8:])
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("%w: empty stsd", errMalformed)
	}
	entry := entries[0]

	switch entry.typ {
	case "avc1", "avc3":
		const fixed = 78
		if len(entry.data) < fixed {
			return fmt.Errorf("%w: short %s entry", errMalformed, entry.typ)
		}
		er := reader{data: entry.data}
		er.skip(24)
		t.format.MimeType = codec.MimeVideoAVC
		t.format.Width = int(er.u16())
		t.format.Height = int(er.u16())
		boxes, err := parseBoxes(entry.data[fixed:])
		if err != nil {
			return err
		}
		if avcC, ok := find(boxes, "avcC"); ok {
			t.format.CodecConfig = append([]byte(nil), avcC.data...)
		}
	case "mp4a":
		const fixed = 28
		if len(entry.data) < fixed {
			return fmt.Errorf("%w: short mp4a entry", errMalformed)
		}
		er := reader{data: entry.data}
		er.skip(16)
		t.format.MimeType = codec.MimeAudioAAC
		t.format.ChannelCount = int(er.u16())
		er.skip(6)
		t.format.SampleRate = int(er.u32() >> 16)
		boxes, err := parseBoxes(entry.data[fixed:])
		if err != nil {
			return err
		}
		if esds, ok := find(boxes, "esds"); ok {
			asc, bitrate, err := parseESDS(esds.data)
			if err != nil {
				return err
			}
			t.format.CodecConfig = asc
			t.format.BitrateBps = bitrate
		}
		if t.format.SampleRate == 0 {
			t.format.SampleRate = int(t.timescale)
		}
	default:
		return fmt.Errorf("%w: unsupported sample entry %q", errMalformed, entry.typ)
	}
	return nil
}

func parseESDS(data []byte) ([]byte, int, error) {
	r := reader{data: data}
	r.skip(4) // version and flags
	tag, _ := r.descriptor()
	if tag != 0x03 {
		return nil, 0, fmt.Errorf("%w: esds missing ES descriptor", errMalformed)
	}
	r.skip(2)
	flags := r.u8()
	if flags&0x80 != 0 {
		r.skip(2)
	}
	if flags&0x40 != 0 {
		r.skip(int(r.u8()))
	}
	if flags&0x20 != 0 {
		r.skip(2)
	}
	tag, _ = r.descriptor()
	if tag != 0x04 {
		return nil, 0, fmt.Errorf("%w: esds missing decoder config", errMalformed)
	}
	r.skip(1 + 1 + 3 + 4)
	bitrate := int(r.u32())
	tag, length := r.descriptor()
	if tag != 0x05 {
		return nil, bitrate, r.err
	}
	asc := append([]byte(nil), r.take(length)...)
	return asc, bitrate, r.err
}

func (t *readTrack) parseSampleTable(stbl []byte) error {
	stsz, err := child(stbl, "stsz")
	if err != nil {
		return err
	}
	zr := reader{data: stsz.data}
	zr.skip(4)
	uniform := zr.u32()
	count := int(zr.u32())
	if zr.err != nil {
		return zr.err
	}
	if uniform == 0 && count*4 > len(stsz.data)-12 {
		return fmt.Errorf("%w: stsz count %d", errMalformed, count)
	}
	sizes := make([]uint32, count)
	for i := range sizes {
		if uniform != 0 {
			sizes[i] = uniform
		} else {
			sizes[i] = zr.u32()
		}
	}
	if zr.err != nil {
		return zr.err
	}

	chunkOffsets, err := readChunkOffsets(stbl)
	if err != nil {
		return err
	}

	stsc, err := child(stbl, "stsc")
	if err != nil {
		return err
	}
	cr := reader{data: stsc.data}
	cr.skip(4)
	type entry struct{ first, perChunk uint32 }
	entries := make([]entry, cr.u32())
	for i := range entries {
		entries[i].first = cr.u32()
		entries[i].perChunk = cr.u32()
		cr.skip(4)
	}
	if cr.err != nil {
		return cr.err
	}

	t.samples = make([]sample, 0, count)
	n := 0
	for ci, off := range chunkOffsets {
		chunk := uint32(ci + 1)
		var perChunk uint32
		for _, e := range entries {
			if e.first <= chunk {
				perChunk = e.perChunk
			}
		}
		for s := uint32(0); s < perChunk && n < count; s++ {
			t.samples = append(t.samples, sample{offset: off, size: sizes[n]})
			off += int64(sizes[n])
			n++
		}
	}
	if n != count {
		return fmt.Errorf("%w: chunk map covers %d of %d samples", errMalformed, n, count)
	}

	stts, err := child(stbl, "stts")
	if err != nil {
		return err
	}
	tr := reader{data: stts.data}
	tr.skip(4)
	runs := int(tr.u32())
	var ticks uint64
	i := 0
	for run := 0; run < runs && tr.err == nil; run++ {
		c, d := tr.u32(), tr.u32()
		for k := uint32(0); k < c && i < count; k++ {
			t.samples[i].ptsUs = int64(ticks * 1_000_000 / uint64(t.timescale))
			ticks += uint64(d)
			i++
		}
	}
	if tr.err != nil {
		return tr.err
	}

	if stss, err := child(stbl, "stss"); err == nil {
		sr := reader{data: stss.data}
		sr.skip(4)
		entries := int(sr.u32())
		for k := 0; k < entries && sr.err == nil; k++ {
			idx := int(sr.u32()) - 1
			if idx >= 0 && idx < count {
				t.samples[idx].sync = true
			}
		}
		if sr.err != nil {
			return sr.err
		}
	} else {
		for k := range t.samples {
			t.samples[k].sync = true
		}
	}

	t.duration = ticks
	return nil
}

func readChunkOffsets(stbl []byte) ([]int64, error) {
	if co64, err := child(stbl, "co64"); err == nil {
		r := reader{data: co64.data}
		r.skip(4)
		out := make([]int64, r.u32())
		for i := range out {
			out[i] = int64(r.u64())
		}
		return out, r.err
	}
	stco, err := child(stbl, "stco")
	if err != nil {
		return nil, err
	}
	r := reader{data: stco.data}
	r.skip(4)
	out := make([]int64, r.u32())
	for i := range out {
		out[i] = int64(r.u32())
	}
	return out, r.err
}

// Tracks returns the formats of the video and audio tracks in file order.
func (r *Reader) Tracks() []codec.TrackFormat {
	out := make([]codec.TrackFormat, len(r.tracks))
	for i, t := range r.tracks {
		out[i] = t.format
	}
	return out
}

// SampleCount returns the number of samples in track.
func (r *Reader) SampleCount(track int) int {
	if track < 0 || track >= len(r.tracks) {
		return 0
	}
	return len(r.tracks[track].samples)
}

// TrackDurationUs returns the media duration of track in microseconds.
func (r *Reader) TrackDurationUs(track int) int64 {
	if track < 0 || track >= len(r.tracks) {
		return 0
	}
	t := r.tracks[track]
	return int64(t.duration * 1_000_000 / uint64(t.timescale))
}

// ReadSample returns the next sample of track, or io.EOF once all samples
// have been read.
func (r *Reader) ReadSample(track int) (codec.AccessUnit, error) {
	if track < 0 || track >= len(r.tracks) {
		return codec.AccessUnit{}, fmt.Errorf("%w: track %d", exportErrors.ErrNoTrackFound, track)
	}
	t := r.tracks[track]
	if t.next >= len(t.samples) {
		return codec.AccessUnit{}, io.EOF
	}
	s := t.samples[t.next]
	t.next++

	data := make([]byte, s.size)
	if _, err := r.f.ReadAt(data, s.offset); err != nil {
		return codec.AccessUnit{}, fmt.Errorf("%w: read sample %d of %s: %v", exportErrors.ErrIOFailure, t.next-1, r.path, err)
	}
	unit := codec.AccessUnit{Data: data, PTSUs: s.ptsUs}
	if s.sync {
		unit.Flags |= codec.FlagKeyFrame
	}
	return unit, nil
}

// Close releases the file. Calls after the first are no-ops.
func (r *Reader) Close() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}
