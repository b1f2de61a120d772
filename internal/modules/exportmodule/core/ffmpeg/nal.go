package ffmpeg

import "encoding/binary"

// H.264 NAL unit types.
const (
	nalTypeIDR = 5
	nalTypeSPS = 7
	nalTypePPS = 8
	nalTypeAUD = 9
)

type nalUnit struct {
	typ  byte
	data []byte // includes the header byte, no start code
}

// startCodes returns the positions of every Annex B start code in data as
// (start of code, start of payload) pairs. Both 3-byte and 4-byte codes are
// recognized.
func startCodes(data []byte) [][2]int {
	var out [][2]int
	n := len(data)
	for i := 0; i+2 < n; {
		if data[i] == 0 && data[i+1] == 0 {
			if i+3 < n && data[i+2] == 0 && data[i+3] == 1 {
				out = append(out, [2]int{i, i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				out = append(out, [2]int{i, i + 3})
				i += 3
				continue
			}
		}
		i++
	}
	return out
}

// splitAnnexB splits an Annex B byte stream into NAL units.
func splitAnnexB(data []byte) []nalUnit {
	codes := startCodes(data)
	var units []nalUnit
	for i, c := range codes {
		end := len(data)
		if i+1 < len(codes) {
			end = codes[i+1][0]
		}
		if c[1] >= end {
			continue
		}
		nal := data[c[1]:end]
		units = append(units, nalUnit{typ: nal[0] & 0x1F, data: nal})
	}
	return units
}

// auSplitter cuts a byte stream into access units at access unit
// delimiters. The encoder is run with AUD insertion so every access unit
// begins with one.
type auSplitter struct {
	buf []byte
}

// push appends data and returns every access unit completed by it.
func (s *auSplitter) push(data []byte) [][]byte {
	s.buf = append(s.buf, data...)
	var out [][]byte
	for {
		codes := startCodes(s.buf)
		first, second := -1, -1
		for _, c := range codes {
			if c[1] < len(s.buf) && s.buf[c[1]]&0x1F == nalTypeAUD {
				if first < 0 {
					first = c[0]
					continue
				}
				second = c[0]
				break
			}
		}
		if first < 0 || second < 0 {
			if first > 0 {
				s.buf = s.buf[first:]
			}
			return out
		}
		au := make([]byte, second-first)
		copy(au, s.buf[first:second])
		out = append(out, au)
		s.buf = s.buf[second:]
	}
}

// flush returns whatever remains as the final access unit.
func (s *auSplitter) flush() []byte {
	if len(startCodes(s.buf)) == 0 {
		s.buf = nil
		return nil
	}
	au := s.buf
	s.buf = nil
	return au
}

// accessUnit is one parsed encoder output unit.
type accessUnit struct {
	sps, pps []byte
	keyframe bool
	// avcc holds the unit with 4-byte length prefixes, without delimiters
	// or parameter sets.
	avcc []byte
}

func parseAccessUnit(au []byte) accessUnit {
	var out accessUnit
	for _, nal := range splitAnnexB(au) {
		switch nal.typ {
		case nalTypeAUD:
			continue
		case nalTypeSPS:
			out.sps = nal.data
			continue
		case nalTypePPS:
			out.pps = nal.data
			continue
		case nalTypeIDR:
			out.keyframe = true
		}
		out.avcc = binary.BigEndian.AppendUint32(out.avcc, uint32(len(nal.data)))
		out.avcc = append(out.avcc, nal.data...)
	}
	return out
}

// buildAVCConfig builds an AVCDecoderConfigurationRecord from one SPS and
// one PPS, both including their NAL header byte.
func buildAVCConfig(sps, pps []byte) []byte {
	if len(sps) < 4 || len(pps) == 0 {
		return nil
	}
	buf := make([]byte, 0, 15+len(sps)+len(pps))
	buf = append(buf, 1, sps[1], sps[2], sps[3])
	buf = append(buf, 0xFF) // 4-byte NAL lengths
	buf = append(buf, 0xE1) // one SPS
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(sps)))
	buf = append(buf, sps...)
	buf = append(buf, 1)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(pps)))
	buf = append(buf, pps...)

	switch sps[1] {
	case 100, 110, 122, 144:
		// High profiles carry chroma format and bit depth: 4:2:0, 8-bit,
		// no SPS extensions.
		buf = append(buf, 0xFD, 0xF8, 0xF8, 0x00)
	}
	return buf
}
