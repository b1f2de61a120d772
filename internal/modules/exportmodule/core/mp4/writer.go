package mp4

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/mantonx/framecast/internal/modules/exportmodule/core/codec"
	exportErrors "github.com/mantonx/framecast/internal/modules/exportmodule/errors"
)

const (
	movieTimescale = 1000
	// Video timestamps are kept in microseconds so copied tracks keep their
	// exact presentation times.
	videoTimescale = 1_000_000
	aacFrameSize   = 1024
	mdatHeaderSize = 16
)

type sample struct {
	offset int64
	size   uint32
	ptsUs  int64
	sync   bool
}

type track struct {
	format    codec.TrackFormat
	timescale uint32
	samples   []sample
}

// Writer muxes access units into an mp4 file. Sample data is streamed into
// a single mdat box; the moov box is appended when the writer is closed.
type Writer struct {
	f       *os.File
	w       *bufio.Writer
	path    string
	tracks  []*track
	started bool
	closed  bool
	offset  int64
	mdatAt  int64
}

// Create opens path for writing and emits the file header.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", exportErrors.ErrIOFailure, path, err)
	}
	w := &Writer{f: f, w: bufio.NewWriterSize(f, 1<<20), path: path}

	var b builder
	b.start("ftyp")
	b.raw([]byte("isom"))
	b.u32(0x200)
	b.raw([]byte("isomiso2avc1mp41"))
	b.end()
	w.mdatAt = int64(len(b.buf))
	// mdat with a 64-bit size, patched on close.
	b.u32(1)
	b.raw([]byte("mdat"))
	b.u64(0)

	if err := w.write(b.buf); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// Path returns the output path.
func (w *Writer) Path() string {
	return w.path
}

// AddTrack registers a track before Start and returns its index.
func (w *Writer) AddTrack(format codec.TrackFormat) (int, error) {
	if w.started {
		return -1, fmt.Errorf("%w: cannot add %s track after start", exportErrors.ErrUnexpectedFormatChange, format.Kind)
	}
	t := &track{format: format}
	switch format.Kind {
	case codec.TrackVideo:
		if format.Width <= 0 || format.Height <= 0 {
			return -1, fmt.Errorf("%w: video track %dx%d", exportErrors.ErrInvalidDimensions, format.Width, format.Height)
		}
		t.timescale = videoTimescale
	case codec.TrackAudio:
		if format.SampleRate <= 0 || format.ChannelCount <= 0 {
			return -1, fmt.Errorf("invalid audio track %dHz/%dch", format.SampleRate, format.ChannelCount)
		}
		t.timescale = uint32(format.SampleRate)
	default:
		return -1, fmt.Errorf("unsupported track kind %v", format.Kind)
	}
	w.tracks = append(w.tracks, t)
	return len(w.tracks) - 1, nil
}

// Start begins accepting samples. Tracks cannot be added afterwards.
func (w *Writer) Start() error {
	if w.started {
		return fmt.Errorf("%w: writer already started", exportErrors.ErrUnexpectedFormatChange)
	}
	if len(w.tracks) == 0 {
		return errors.New("mp4 writer started without tracks")
	}
	w.started = true
	return nil
}

// Started reports whether Start was called.
func (w *Writer) Started() bool {
	return w.started
}

// WriteSample appends one access unit to track. Codec config units are
// skipped since the configuration lives in the sample description.
func (w *Writer) WriteSample(trackIndex int, unit codec.AccessUnit) error {
	if !w.started {
		return fmt.Errorf("%w: write to track %d", exportErrors.ErrMuxerNotStarted, trackIndex)
	}
	if w.closed {
		return errors.New("mp4 writer closed")
	}
	if trackIndex < 0 || trackIndex >= len(w.tracks) {
		return fmt.Errorf("unknown track %d", trackIndex)
	}
	if unit.Flags.Has(codec.FlagCodecConfig) || len(unit.Data) == 0 {
		return nil
	}
	t := w.tracks[trackIndex]
	t.samples = append(t.samples, sample{
		offset: w.offset,
		size:   uint32(len(unit.Data)),
		ptsUs:  unit.PTSUs,
		sync:   unit.Flags.Has(codec.FlagKeyFrame),
	})
	return w.write(unit.Data)
}

// Close finalizes the file. A writer that never started is closed without
// a movie box.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if !w.started {
		if err := w.w.Flush(); err != nil {
			w.f.Close()
			return fmt.Errorf("%w: flush %s: %v", exportErrors.ErrIOFailure, w.path, err)
		}
		return w.closeFile()
	}

	mdatEnd := w.offset
	if err := w.write(w.moov()); err != nil {
		w.f.Close()
		return err
	}
	if err := w.w.Flush(); err != nil {
		w.f.Close()
		return fmt.Errorf("%w: flush %s: %v", exportErrors.ErrIOFailure, w.path, err)
	}
	var size [8]byte
	binary.BigEndian.PutUint64(size[:], uint64(mdatEnd-w.mdatAt))
	if _, err := w.f.WriteAt(size[:], w.mdatAt+8); err != nil {
		w.f.Close()
		return fmt.Errorf("%w: patch mdat size: %v", exportErrors.ErrIOFailure, err)
	}
	return w.closeFile()
}

func (w *Writer) closeFile() error {
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", exportErrors.ErrIOFailure, w.path, err)
	}
	return nil
}

func (w *Writer) write(p []byte) error {
	n, err := w.w.Write(p)
	w.offset += int64(n)
	if err != nil {
		return fmt.Errorf("%w: write %s: %v", exportErrors.ErrIOFailure, w.path, err)
	}
	return nil
}

// durations returns per-sample durations in track ticks.
func (t *track) durations() []uint32 {
	n := len(t.samples)
	out := make([]uint32, n)
	for i := 0; i+1 < n; i++ {
		d := usToTicks(t.samples[i+1].ptsUs, t.timescale) - usToTicks(t.samples[i].ptsUs, t.timescale)
		if d < 0 {
			d = 0
		}
		out[i] = uint32(d)
	}
	if n > 0 {
		out[n-1] = t.lastDuration()
	}
	return out
}

func (t *track) lastDuration() uint32 {
	switch t.format.Kind {
	case codec.TrackVideo:
		if t.format.FrameRate > 0 {
			return t.timescale / uint32(t.format.FrameRate)
		}
	case codec.TrackAudio:
		return aacFrameSize
	}
	if n := len(t.samples); n >= 2 {
		d := usToTicks(t.samples[n-1].ptsUs, t.timescale) - usToTicks(t.samples[n-2].ptsUs, t.timescale)
		if d > 0 {
			return uint32(d)
		}
	}
	return 0
}

func usToTicks(us int64, timescale uint32) int64 {
	return (us*int64(timescale) + 500_000) / 1_000_000
}

func (w *Writer) moov() []byte {
	var b builder
	durations := make([][]uint32, len(w.tracks))
	var movieDuration uint64
	for i, t := range w.tracks {
		durations[i] = t.durations()
		if d := sum(durations[i]) * movieTimescale / uint64(t.timescale); d > movieDuration {
			movieDuration = d
		}
	}

	b.start("moov")

	b.startFull("mvhd", 0, 0)
	b.u32(0) // creation_time
	b.u32(0) // modification_time
	b.u32(movieTimescale)
	b.u32(uint32(movieDuration))
	b.u32(0x00010000) // rate 1.0
	b.u16(0x0100)     // volume 1.0
	b.zeros(10)
	b.matrix()
	b.zeros(24)
	b.u32(uint32(len(w.tracks) + 1))
	b.end()

	for i, t := range w.tracks {
		w.trak(&b, uint32(i+1), t, durations[i])
	}

	b.end()
	return b.buf
}

func (w *Writer) trak(b *builder, id uint32, t *track, durations []uint32) {
	mediaDuration := sum(durations)
	isVideo := t.format.Kind == codec.TrackVideo

	b.start("trak")

	b.startFull("tkhd", 0, 0x3) // enabled, in movie
	b.u32(0)
	b.u32(0)
	b.u32(id)
	b.u32(0)
	b.u32(uint32(mediaDuration * movieTimescale / uint64(t.timescale)))
	b.zeros(8)
	b.u16(0) // layer
	b.u16(0) // alternate_group
	if isVideo {
		b.u16(0)
	} else {
		b.u16(0x0100)
	}
	b.u16(0)
	b.matrix()
	if isVideo {
		b.u32(uint32(t.format.Width) << 16)
		b.u32(uint32(t.format.Height) << 16)
	} else {
		b.u32(0)
		b.u32(0)
	}
	b.end()

	b.start("mdia")

	b.startFull("mdhd", 0, 0)
	b.u32(0)
	b.u32(0)
	b.u32(t.timescale)
	b.u32(uint32(mediaDuration))
	b.u16(0x55C4) // "und"
	b.u16(0)
	b.end()

	b.startFull("hdlr", 0, 0)
	b.u32(0)
	if isVideo {
		b.raw([]byte("vide"))
	} else {
		b.raw([]byte("soun"))
	}
	b.zeros(12)
	if isVideo {
		b.raw([]byte("VideoHandler\x00"))
	} else {
		b.raw([]byte("SoundHandler\x00"))
	}
	b.end()

	b.start("minf")
	if isVideo {
		b.startFull("vmhd", 0, 1)
		b.zeros(8)
		b.end()
	} else {
		b.startFull("smhd", 0, 0)
		b.zeros(4)
		b.end()
	}

	b.start("dinf")
	b.startFull("dref", 0, 0)
	b.u32(1)
	b.startFull("url ", 0, 1)
	b.end()
	b.end()
	b.end()

	b.start("stbl")
	w.stsd(b, id, t)

	b.startFull("stts", 0, 0)
	type run struct{ count, delta uint32 }
	var runs []run
	for _, d := range durations {
		if len(runs) > 0 && runs[len(runs)-1].delta == d {
			runs[len(runs)-1].count++
			continue
		}
		runs = append(runs, run{1, d})
	}
	b.u32(uint32(len(runs)))
	for _, r := range runs {
		b.u32(r.count)
		b.u32(r.delta)
	}
	b.end()

	if isVideo {
		b.startFull("stss", 0, 0)
		var syncs []uint32
		for i, s := range t.samples {
			if s.sync {
				syncs = append(syncs, uint32(i+1))
			}
		}
		b.u32(uint32(len(syncs)))
		for _, n := range syncs {
			b.u32(n)
		}
		b.end()
	}

	b.startFull("stsc", 0, 0)
	if len(t.samples) > 0 {
		b.u32(1)
		b.u32(1) // first_chunk
		b.u32(1) // samples_per_chunk
		b.u32(1) // sample_description_index
	} else {
		b.u32(0)
	}
	b.end()

	b.startFull("stsz", 0, 0)
	b.u32(0)
	b.u32(uint32(len(t.samples)))
	for _, s := range t.samples {
		b.u32(s.size)
	}
	b.end()

	b.startFull("co64", 0, 0)
	b.u32(uint32(len(t.samples)))
	for _, s := range t.samples {
		b.u64(uint64(s.offset))
	}
	b.end()

	b.end() // stbl
	b.end() // minf
	b.end() // mdia
	b.end() // trak
}

func (w *Writer) stsd(b *builder, id uint32, t *track) {
	b.startFull("stsd", 0, 0)
	b.u32(1)

	f := t.format
	if f.Kind == codec.TrackVideo {
		b.start("avc1")
		b.zeros(6)
		b.u16(1) // data_reference_index
		b.u16(0)
		b.u16(0)
		b.zeros(12)
		b.u16(uint16(f.Width))
		b.u16(uint16(f.Height))
		b.u32(0x00480000) // 72 dpi
		b.u32(0x00480000)
		b.u32(0)
		b.u16(1) // frame_count
		b.zeros(32)
		b.u16(0x0018)
		b.u16(0xFFFF)
		b.start("avcC")
		b.raw(f.CodecConfig)
		b.end()
		b.end()
	} else {
		b.start("mp4a")
		b.zeros(6)
		b.u16(1)
		b.zeros(8)
		b.u16(uint16(f.ChannelCount))
		b.u16(16)
		b.u16(0)
		b.u16(0)
		b.u32(uint32(f.SampleRate) << 16)

		asc := f.CodecConfig
		dsiLen := len(asc)
		dcdLen := 13 + 5 + dsiLen
		esLen := 3 + 5 + dcdLen + 5 + 1
		b.startFull("esds", 0, 0)
		b.descriptor(0x03, esLen)
		b.u16(uint16(id))
		b.u8(0)
		b.descriptor(0x04, dcdLen)
		b.u8(0x40) // MPEG-4 audio
		b.u8(0x15) // audio stream
		b.u24(0)
		b.u32(uint32(f.BitrateBps))
		b.u32(uint32(f.BitrateBps))
		b.descriptor(0x05, dsiLen)
		b.raw(asc)
		b.descriptor(0x06, 1)
		b.u8(0x02)
		b.end()
		b.end()
	}

	b.end()
}

func sum(v []uint32) uint64 {
	var total uint64
	for _, d := range v {
		total += uint64(d)
	}
	return total
}

// Files creates and opens mp4 containers on the local filesystem.
type Files struct{}

// Create implements codec.ContainerFactory.
func (Files) Create(path string) (codec.ContainerWriter, error) {
	return Create(path)
}

// Open implements codec.ContainerFactory.
func (Files) Open(path string) (codec.ContainerReader, error) {
	return Open(path)
}
