package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
)

// HeaderSize is the size of the canonical PCM WAV header written by this package.
const HeaderSize = 44

// WAVHeader represents the header structure of a WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// NewWAVHeader builds a mono 16-bit PCM header for the given number of sample bytes.
func NewWAVHeader(numSampleBytes int, sampleRate int) WAVHeader {
	numChannels := uint16(1)
	bitsPerSample := uint16(16)
	dataSize := uint32(numSampleBytes)

	return WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1, // PCM
		NumChannels:   numChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * uint32(numChannels) * uint32(bitsPerSample) / 8,
		BlockAlign:    numChannels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

// EncodeWAV encodes PCM-16 samples into WAV format
func EncodeWAV(samples []int16, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	header := NewWAVHeader(len(samples)*2, sampleRate)

	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize+len(samples)*2))

	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}

	if err := binary.Write(buf, binary.LittleEndian, samples); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}

	return buf.Bytes(), nil
}

// DecodeWAV decodes WAV format data back to PCM-16 samples
func DecodeWAV(data []byte) ([]int16, int, error) {
	if len(data) < HeaderSize {
		return nil, 0, fmt.Errorf("WAV data too short: need at least %d bytes, got %d", HeaderSize, len(data))
	}

	buf := bytes.NewReader(data)
	var header WAVHeader

	if err := binary.Read(buf, binary.LittleEndian, &header); err != nil {
		return nil, 0, fmt.Errorf("failed to read WAV header: %w", err)
	}

	if string(header.ChunkID[:]) != "RIFF" {
		return nil, 0, fmt.Errorf("invalid WAV file: missing RIFF header")
	}

	if string(header.Format[:]) != "WAVE" {
		return nil, 0, fmt.Errorf("invalid WAV file: missing WAVE format")
	}

	if header.AudioFormat != 1 {
		return nil, 0, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", header.AudioFormat)
	}

	if header.BitsPerSample != 16 {
		return nil, 0, fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", header.BitsPerSample)
	}

	if header.NumChannels != 1 {
		return nil, 0, fmt.Errorf("unsupported channel count: %d (only mono is supported)", header.NumChannels)
	}

	// Trust actual payload over the header's data size; capture files are
	// appended to and a stale header must not truncate the decode.
	numSamples := (len(data) - HeaderSize) / 2
	if declared := int(header.Subchunk2Size) / 2; declared > 0 && declared < numSamples {
		numSamples = declared
	}
	if numSamples <= 0 {
		return nil, int(header.SampleRate), nil
	}

	samples := make([]int16, numSamples)
	if err := binary.Read(buf, binary.LittleEndian, samples); err != nil {
		return nil, 0, fmt.Errorf("failed to read audio samples: %w", err)
	}

	return samples, int(header.SampleRate), nil
}

// AppendWAV appends raw sample bytes to a WAV file, rewriting the header in
// place to reflect the accumulated data size. Creates the file (with header)
// if it does not exist. Returns the number of sample bytes written.
//
// The sample rate must remain consistent across calls for a given file; the
// existing header is not checked against the incoming data.
func AppendWAV(filepath string, sampleBytes []byte, sampleRate int) (int, error) {
	flags := os.O_RDWR | os.O_CREATE
	fp, err := os.OpenFile(filepath, flags, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", filepath, err)
	}
	defer fp.Close()

	end, err := fp.Seek(0, 2)
	if err != nil {
		return 0, fmt.Errorf("failed to seek %s: %w", filepath, err)
	}
	existingSampleBytes := end - HeaderSize
	if existingSampleBytes < 0 {
		existingSampleBytes = 0
	}

	// Overwrite the header so it always reflects existing plus added samples.
	header := NewWAVHeader(int(existingSampleBytes)+len(sampleBytes), sampleRate)
	headerBuf := bytes.NewBuffer(make([]byte, 0, HeaderSize))
	if err := binary.Write(headerBuf, binary.LittleEndian, header); err != nil {
		return 0, fmt.Errorf("failed to encode WAV header: %w", err)
	}
	if _, err := fp.WriteAt(headerBuf.Bytes(), 0); err != nil {
		return 0, fmt.Errorf("failed to rewrite WAV header in %s: %w", filepath, err)
	}

	if _, err := fp.Seek(0, 2); err != nil {
		return 0, fmt.Errorf("failed to seek %s: %w", filepath, err)
	}
	n, err := fp.Write(sampleBytes)
	if err != nil {
		return n, fmt.Errorf("failed to append samples to %s: %w", filepath, err)
	}

	return n, nil
}

// GetWAVDuration calculates the duration of a WAV file in seconds
func GetWAVDuration(data []byte) (float64, error) {
	if len(data) < HeaderSize {
		return 0, fmt.Errorf("WAV data too short: need at least %d bytes, got %d", HeaderSize, len(data))
	}

	sampleRate := binary.LittleEndian.Uint32(data[24:28])
	if sampleRate == 0 {
		return 0, fmt.Errorf("invalid sample rate: 0")
	}

	numSamples := (len(data) - HeaderSize) / 2
	return float64(numSamples) / float64(sampleRate), nil
}
