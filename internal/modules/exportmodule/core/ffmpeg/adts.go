package ffmpeg

import "errors"

var errInvalidADTS = errors.New("invalid ADTS header")

// Sampling frequency index table (ISO 14496-3).
var aacSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

func sampleRateIndex(rate int) (int, bool) {
	for i, r := range aacSampleRates {
		if r == rate {
			return i, true
		}
	}
	return 0xF, false
}

// audioSpecificConfig builds the two-byte AudioSpecificConfig for a
// profile, sample rate and channel count. Rates outside the index table use
// the explicit 24-bit frequency escape.
func audioSpecificConfig(profile, rate, channels int) []byte {
	idx, ok := sampleRateIndex(rate)
	if ok {
		return []byte{
			byte(profile<<3) | byte(idx>>1),
			byte(idx&1)<<7 | byte(channels<<3),
		}
	}
	// 5 bits object type, 4 bits 0xF, 24 bits rate, 4 bits channels, 3 bits 0.
	bits := uint64(profile)<<35 | uint64(0xF)<<31 | uint64(rate)<<7 | uint64(channels)<<3
	return []byte{byte(bits >> 32), byte(bits >> 24), byte(bits >> 16), byte(bits >> 8), byte(bits)}
}

// adtsFrame is one raw AAC frame with its header removed.
type adtsFrame struct {
	payload    []byte
	sampleRate int
	channels   int
}

// adtsParser splits a streamed ADTS byte sequence into frames, holding back
// a trailing partial frame until more data arrives.
type adtsParser struct {
	buf []byte
}

func (p *adtsParser) push(data []byte) ([]adtsFrame, error) {
	p.buf = append(p.buf, data...)
	var frames []adtsFrame
	offset := 0
	for len(p.buf)-offset >= 7 {
		b := p.buf[offset:]
		if b[0] != 0xFF || b[1]&0xF0 != 0xF0 {
			offset++
			continue
		}
		headerSize := 7
		if b[1]&0x01 == 0 {
			headerSize = 9
		}
		rateIdx := int(b[2]>>2) & 0x0F
		if rateIdx >= len(aacSampleRates) {
			return frames, errInvalidADTS
		}
		channels := int(b[2]&0x01)<<2 | int(b[3]>>6)&0x03
		frameLen := int(b[3]&0x03)<<11 | int(b[4])<<3 | int(b[5]>>5)
		if frameLen < headerSize {
			return frames, errInvalidADTS
		}
		if frameLen > len(b) {
			break
		}
		payload := make([]byte, frameLen-headerSize)
		copy(payload, b[headerSize:frameLen])
		frames = append(frames, adtsFrame{
			payload:    payload,
			sampleRate: aacSampleRates[rateIdx],
			channels:   channels,
		})
		offset += frameLen
	}
	p.buf = append(p.buf[:0], p.buf[offset:]...)
	return frames, nil
}
