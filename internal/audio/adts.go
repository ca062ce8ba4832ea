package audio

// ADTS AAC framing. See https://wiki.multimedia.cx/index.php/ADTS for the
// header layout. Only the fields needed to validate a 16 kHz stream and to
// delimit frames are inspected.

const (
	adtsMinHeaderSize = 7

	// MPEG-4 sampling frequency index for 16000 Hz.
	adtsSamplingIndex16kHz = 8

	// Samples per AAC frame. One ADTS frame carries 1024 PCM samples.
	SamplesPerAACFrame = 1024
)

// FrameSequencer extracts complete frames from an ADTS AAC byte stream.
// Bytes may arrive in arbitrarily sized pieces; unknown bytes before a sync
// marker are silently discarded and partial frames are retained until enough
// input arrives to complete them.
type FrameSequencer struct {
	buffer []byte
}

// NewFrameSequencer creates an empty frame sequencer.
func NewFrameSequencer() *FrameSequencer {
	return &FrameSequencer{}
}

// NextFrames appends received bytes to the internal buffer and returns every
// complete frame accumulated so far. The returned slice is a concatenation of
// whole ADTS frames, each beginning with the 0xFF 0xFx sync marker.
func (s *FrameSequencer) NextFrames(received []byte) []byte {
	s.buffer = append(s.buffer, received...)

	var output []byte
	for {
		found, advanceTo := s.findNextHeaderCandidate()
		s.buffer = s.buffer[advanceTo:]
		if !found {
			break
		}
		frameLength := s.frameLength()
		if frameLength > len(s.buffer) {
			// Wait for the rest of the frame.
			break
		}
		output = append(output, s.buffer[:frameLength]...)
		s.buffer = s.buffer[frameLength:]
	}
	return output
}

// Buffered returns the number of bytes currently retained.
func (s *FrameSequencer) Buffered() int {
	return len(s.buffer)
}

// findNextHeaderCandidate scans for the 12 sync bits (FF Fx) followed by a
// valid header. Returns whether a header was found and the index to advance
// the buffer to: the header start when found, otherwise the first position
// that could not yet be ruled out.
func (s *FrameSequencer) findNextHeaderCandidate() (bool, int) {
	for i := 0; i < len(s.buffer); i++ {
		if s.buffer[i] != 0xff {
			continue
		}
		if len(s.buffer)-i < adtsMinHeaderSize {
			// Not enough bytes to judge; safe to discard everything before.
			return false, i
		}
		if s.buffer[i+1]&0xf0 != 0xf0 {
			continue
		}
		layer := (s.buffer[i+1] >> 1) & 3
		samplingIndex := (s.buffer[i+2] >> 2) & 0xf
		if layer == 0 && samplingIndex == adtsSamplingIndex16kHz {
			return true, i
		}
		// False sync; skip past it and rescan.
		return false, i + 2
	}
	return false, len(s.buffer)
}

// frameLength reads the 13-bit frame length spanning header bytes 3..5.
// Caller must ensure at least adtsMinHeaderSize bytes are buffered.
func (s *FrameSequencer) frameLength() int {
	return int(s.buffer[3]&0x03)<<11 | int(s.buffer[4])<<3 | int(s.buffer[5]>>5)&0x07
}

// SliceADTS returns the frames of a complete ADTS stream that overlap the
// interval [startMillis, endMillis), measured at the given sample rate from
// the start of the stream. Slicing happens on frame boundaries, so the result
// covers at least the requested interval when the input does.
func SliceADTS(stream []byte, startMillis, endMillis int64, sampleRate int) []byte {
	sequencer := NewFrameSequencer()
	frames := sequencer.NextFrames(stream)

	frameMillis := int64(SamplesPerAACFrame) * 1000 / int64(sampleRate)

	var out []byte
	var offset int
	var position int64
	for offset+adtsMinHeaderSize <= len(frames) {
		length := int(frames[offset+3]&0x03)<<11 | int(frames[offset+4])<<3 | int(frames[offset+5]>>5)&0x07
		if length <= 0 || offset+length > len(frames) {
			break
		}
		frameEnd := position + frameMillis
		if frameEnd > startMillis && position < endMillis {
			out = append(out, frames[offset:offset+length]...)
		}
		position = frameEnd
		offset += length
		if position >= endMillis {
			break
		}
	}
	return out
}

// ADTSDuration returns the duration in seconds of a complete ADTS stream at
// the given sample rate, counting whole frames.
func ADTSDuration(stream []byte, sampleRate int) float64 {
	sequencer := NewFrameSequencer()
	frames := sequencer.NextFrames(stream)

	var count int
	var offset int
	for offset+adtsMinHeaderSize <= len(frames) {
		length := int(frames[offset+3]&0x03)<<11 | int(frames[offset+4])<<3 | int(frames[offset+5]>>5)&0x07
		if length <= 0 || offset+length > len(frames) {
			break
		}
		count++
		offset += length
	}
	return float64(count*SamplesPerAACFrame) / float64(sampleRate)
}
