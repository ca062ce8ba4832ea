package audio

import (
	"bytes"
	"testing"
)

// makeADTSFrame builds a valid 16 kHz AAC-LC ADTS frame with the given
// payload byte repeated payloadLen times.
func makeADTSFrame(payloadLen int, fill byte) []byte {
	length := adtsMinHeaderSize + payloadLen
	frame := make([]byte, length)
	frame[0] = 0xff
	frame[1] = 0xf1
	frame[2] = 0x40 | adtsSamplingIndex16kHz<<2
	frame[3] = 0x40 | byte(length>>11&0x03)
	frame[4] = byte(length >> 3 & 0xff)
	frame[5] = byte(length&0x07)<<5 | 0x1f
	frame[6] = 0xfc
	for i := adtsMinHeaderSize; i < length; i++ {
		frame[i] = fill
	}
	return frame
}

func TestFrameSequencer(t *testing.T) {
	frame1 := makeADTSFrame(20, 0xaa)
	frame2 := makeADTSFrame(35, 0xbb)

	tests := []struct {
		name   string
		chunks [][]byte
		want   [][]byte
	}{
		{
			name:   "single complete frame",
			chunks: [][]byte{frame1},
			want:   [][]byte{frame1},
		},
		{
			name:   "two frames in one chunk",
			chunks: [][]byte{append(append([]byte{}, frame1...), frame2...)},
			want:   [][]byte{append(append([]byte{}, frame1...), frame2...)},
		},
		{
			name:   "garbage before sync is discarded",
			chunks: [][]byte{append([]byte{0x00, 0x12, 0x34}, frame1...)},
			want:   [][]byte{frame1},
		},
		{
			name: "partial frame held until completed",
			chunks: [][]byte{
				frame1[:10],
				frame1[10:],
			},
			want: [][]byte{nil, frame1},
		},
		{
			name: "frame split across three chunks",
			chunks: [][]byte{
				frame2[:3],
				frame2[3:15],
				frame2[15:],
			},
			want: [][]byte{nil, nil, frame2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewFrameSequencer()
			for i, chunk := range tt.chunks {
				got := s.NextFrames(chunk)
				if !bytes.Equal(got, tt.want[i]) {
					t.Errorf("chunk %d: got %d bytes, want %d", i, len(got), len(tt.want[i]))
				}
			}
		})
	}
}

// Feeding a stream one byte at a time must reassemble exactly the original
// frames regardless of where the arrival boundaries fall.
func TestFrameSequencerByteAtATime(t *testing.T) {
	var stream []byte
	stream = append(stream, makeADTSFrame(13, 0x01)...)
	stream = append(stream, makeADTSFrame(64, 0x02)...)
	stream = append(stream, makeADTSFrame(7, 0x03)...)

	s := NewFrameSequencer()
	var got []byte
	for i := range stream {
		got = append(got, s.NextFrames(stream[i:i+1])...)
	}

	if !bytes.Equal(got, stream) {
		t.Fatalf("reassembled %d bytes, want %d", len(got), len(stream))
	}
	if s.Buffered() != 0 {
		t.Errorf("buffered = %d bytes after complete stream, want 0", s.Buffered())
	}
}

func TestSliceADTS(t *testing.T) {
	// Each frame covers 64 ms at 16 kHz.
	frames := [][]byte{
		makeADTSFrame(10, 0x00),
		makeADTSFrame(10, 0x01),
		makeADTSFrame(10, 0x02),
		makeADTSFrame(10, 0x03),
	}
	var stream []byte
	for _, f := range frames {
		stream = append(stream, f...)
	}

	tests := []struct {
		name        string
		startMillis int64
		endMillis   int64
		wantFrames  []int
	}{
		{name: "whole stream", startMillis: 0, endMillis: 256, wantFrames: []int{0, 1, 2, 3}},
		{name: "middle frames", startMillis: 64, endMillis: 192, wantFrames: []int{1, 2}},
		{name: "partial overlap widens to boundaries", startMillis: 70, endMillis: 130, wantFrames: []int{1, 2}},
		{name: "beyond stream end", startMillis: 192, endMillis: 1000, wantFrames: []int{3}},
		{name: "empty interval", startMillis: 64, endMillis: 64, wantFrames: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var want []byte
			for _, i := range tt.wantFrames {
				want = append(want, frames[i]...)
			}
			got := SliceADTS(stream, tt.startMillis, tt.endMillis, 16000)
			if !bytes.Equal(got, want) {
				t.Errorf("got %d bytes, want %d", len(got), len(want))
			}
		})
	}
}
