package protocol

import (
	"encoding/binary"
	"fmt"
)

// Protocol constants
const (
	// Packet types
	PacketTypeSignaling = 0x01
	PacketTypeAudio     = 0x02
	PacketTypeEnd       = 0x03

	// Packet structure sizes
	HeaderSize           = 7  // 1 + 2 + 4 bytes
	CaptureUUIDSize      = 32 // hex uuid, no dashes
	SignalingPayloadSize = 48 // 32 + 8 + 8 bytes

	// String field sizes in signaling payload
	DeviceTypeSize = 32
	FormatSize     = 8
	TimestampSize  = 8
)

// Header is the 7-byte datagram header.
// Layout: [PacketType:1][PacketLen:2][Sequence:4]
type Header struct {
	PacketType uint8  // 0x01=Signaling, 0x02=Audio, 0x03=End
	PacketLen  uint16 // Total packet size (header + uuid + payload)
	Sequence   uint32 // Datagram sequence number within the capture
}

// SignalingPayload opens a capture session.
// Layout: [DeviceType:32][Format:8][Timestamp:8]
type SignalingPayload struct {
	DeviceType [DeviceTypeSize]byte // Null-terminated string (32 bytes)
	Format     [FormatSize]byte     // Null-terminated string (8 bytes)
	Timestamp  uint64               // Unix milliseconds (8 bytes)
}

// AudioPayload carries a chunk of capture audio.
type AudioPayload struct {
	AudioData []byte // Raw PCM or ADTS bytes (variable length)
}

// ParsedPacket is a fully parsed datagram.
type ParsedPacket struct {
	Header      *Header
	CaptureUUID string
	Signaling   *SignalingPayload // Only set for signaling packets
	Audio       *AudioPayload     // Only set for audio packets
}

// ParseHeader parses the 7-byte datagram header.
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}

	header := &Header{
		PacketType: data[0],
		PacketLen:  binary.BigEndian.Uint16(data[1:3]),
		Sequence:   binary.BigEndian.Uint32(data[3:7]),
	}

	return header, nil
}

// ParseSignalingPayload parses the 48-byte signaling payload.
func ParseSignalingPayload(data []byte) (*SignalingPayload, error) {
	if len(data) < SignalingPayloadSize {
		return nil, fmt.Errorf("signaling payload too short: expected %d bytes, got %d",
			SignalingPayloadSize, len(data))
	}

	payload := &SignalingPayload{}
	copy(payload.DeviceType[:], data[0:DeviceTypeSize])
	copy(payload.Format[:], data[DeviceTypeSize:DeviceTypeSize+FormatSize])

	timestampOffset := DeviceTypeSize + FormatSize
	payload.Timestamp = binary.BigEndian.Uint64(data[timestampOffset : timestampOffset+TimestampSize])

	return payload, nil
}

// ParseAudioPayload parses the audio payload (raw bytes after the uuid).
func ParseAudioPayload(data []byte) (*AudioPayload, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("audio payload empty")
	}

	payload := &AudioPayload{AudioData: make([]byte, len(data))}
	copy(payload.AudioData, data)
	return payload, nil
}

// ParsePacket parses a complete datagram (header + capture uuid + payload).
func ParsePacket(data []byte) (*ParsedPacket, error) {
	if len(data) < HeaderSize+CaptureUUIDSize {
		return nil, fmt.Errorf("packet too short: expected at least %d bytes, got %d",
			HeaderSize+CaptureUUIDSize, len(data))
	}

	header, err := ParseHeader(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	if int(header.PacketLen) != len(data) {
		return nil, fmt.Errorf("packet length mismatch: header says %d bytes, got %d bytes",
			header.PacketLen, len(data))
	}

	if err := ValidateHeader(header); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}

	captureUUID := string(data[HeaderSize : HeaderSize+CaptureUUIDSize])
	if !isHexUUID(captureUUID) {
		return nil, fmt.Errorf("invalid capture uuid: %q", captureUUID)
	}

	packet := &ParsedPacket{Header: header, CaptureUUID: captureUUID}
	payloadData := data[HeaderSize+CaptureUUIDSize:]

	switch header.PacketType {
	case PacketTypeSignaling:
		payload, err := ParseSignalingPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse signaling payload: %w", err)
		}
		packet.Signaling = payload

	case PacketTypeAudio:
		payload, err := ParseAudioPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse audio payload: %w", err)
		}
		packet.Audio = payload

	case PacketTypeEnd:
		// No payload.

	default:
		return nil, fmt.Errorf("unknown packet type: 0x%02x", header.PacketType)
	}

	return packet, nil
}

// ValidateHeader validates the packet header fields.
func ValidateHeader(header *Header) error {
	if !IsValidPacketType(header.PacketType) {
		return fmt.Errorf("invalid packet type: 0x%02x", header.PacketType)
	}

	if int(header.PacketLen) < HeaderSize+CaptureUUIDSize {
		return fmt.Errorf("packet length too small: %d (minimum %d)",
			header.PacketLen, HeaderSize+CaptureUUIDSize)
	}

	expectedPayloadSize := int(header.PacketLen) - HeaderSize - CaptureUUIDSize
	switch header.PacketType {
	case PacketTypeSignaling:
		if expectedPayloadSize != SignalingPayloadSize {
			return fmt.Errorf("signaling packet payload size mismatch: expected %d, got %d",
				SignalingPayloadSize, expectedPayloadSize)
		}
	case PacketTypeAudio:
		if expectedPayloadSize < 1 {
			return fmt.Errorf("audio packet payload empty")
		}
	case PacketTypeEnd:
		if expectedPayloadSize != 0 {
			return fmt.Errorf("end packet must have no payload, got %d bytes", expectedPayloadSize)
		}
	}

	return nil
}

// IsValidPacketType checks if the packet type is valid.
func IsValidPacketType(ptype uint8) bool {
	return ptype == PacketTypeSignaling || ptype == PacketTypeAudio || ptype == PacketTypeEnd
}

// EncodeSignalingPacket builds a signaling datagram opening a capture.
func EncodeSignalingPacket(captureUUID, deviceType, format string, sequence uint32, timestampMillis uint64) ([]byte, error) {
	if err := validateStrings(captureUUID, deviceType, format); err != nil {
		return nil, err
	}

	total := HeaderSize + CaptureUUIDSize + SignalingPayloadSize
	buf := make([]byte, total)
	writeHeader(buf, PacketTypeSignaling, uint16(total), sequence)
	copy(buf[HeaderSize:], captureUUID)

	payload := buf[HeaderSize+CaptureUUIDSize:]
	copy(payload[0:DeviceTypeSize], deviceType)
	copy(payload[DeviceTypeSize:DeviceTypeSize+FormatSize], format)
	binary.BigEndian.PutUint64(payload[DeviceTypeSize+FormatSize:], timestampMillis)
	return buf, nil
}

// EncodeAudioPacket builds an audio datagram.
func EncodeAudioPacket(captureUUID string, sequence uint32, audioData []byte) ([]byte, error) {
	if !isHexUUID(captureUUID) {
		return nil, fmt.Errorf("invalid capture uuid: %q", captureUUID)
	}
	if len(audioData) == 0 {
		return nil, fmt.Errorf("audio payload empty")
	}

	total := HeaderSize + CaptureUUIDSize + len(audioData)
	if total > 0xFFFF {
		return nil, fmt.Errorf("audio payload too large for one datagram: %d bytes", len(audioData))
	}
	buf := make([]byte, total)
	writeHeader(buf, PacketTypeAudio, uint16(total), sequence)
	copy(buf[HeaderSize:], captureUUID)
	copy(buf[HeaderSize+CaptureUUIDSize:], audioData)
	return buf, nil
}

// EncodeEndPacket builds an end-of-capture datagram.
func EncodeEndPacket(captureUUID string, sequence uint32) ([]byte, error) {
	if !isHexUUID(captureUUID) {
		return nil, fmt.Errorf("invalid capture uuid: %q", captureUUID)
	}

	total := HeaderSize + CaptureUUIDSize
	buf := make([]byte, total)
	writeHeader(buf, PacketTypeEnd, uint16(total), sequence)
	copy(buf[HeaderSize:], captureUUID)
	return buf, nil
}

func writeHeader(buf []byte, ptype uint8, length uint16, sequence uint32) {
	buf[0] = ptype
	binary.BigEndian.PutUint16(buf[1:3], length)
	binary.BigEndian.PutUint32(buf[3:7], sequence)
}

func validateStrings(captureUUID, deviceType, format string) error {
	if !isHexUUID(captureUUID) {
		return fmt.Errorf("invalid capture uuid: %q", captureUUID)
	}
	if len(deviceType) == 0 || len(deviceType) > DeviceTypeSize {
		return fmt.Errorf("device type must be 1..%d bytes, got %d", DeviceTypeSize, len(deviceType))
	}
	if len(format) == 0 || len(format) > FormatSize {
		return fmt.Errorf("format must be 1..%d bytes, got %d", FormatSize, len(format))
	}
	return nil
}

func isHexUUID(s string) bool {
	if len(s) != CaptureUUIDSize {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// ExtractString extracts a null-terminated string from a fixed-size byte
// array.
func ExtractString(buf []byte) string {
	nullPos := len(buf)
	for i, b := range buf {
		if b == 0 {
			nullPos = i
			break
		}
	}
	return string(buf[:nullPos])
}

// GetDeviceType extracts the device type as a string.
func (s *SignalingPayload) GetDeviceType() string {
	return ExtractString(s.DeviceType[:])
}

// GetFormat extracts the audio format as a string.
func (s *SignalingPayload) GetFormat() string {
	return ExtractString(s.Format[:])
}

// String returns a human-readable representation of the header.
func (h *Header) String() string {
	var packetType string
	switch h.PacketType {
	case PacketTypeSignaling:
		packetType = "Signaling"
	case PacketTypeAudio:
		packetType = "Audio"
	case PacketTypeEnd:
		packetType = "End"
	default:
		packetType = fmt.Sprintf("Unknown(0x%02x)", h.PacketType)
	}

	return fmt.Sprintf("Header{Type:%s, Len:%d, Sequence:%d}", packetType, h.PacketLen, h.Sequence)
}

// String returns a human-readable representation of the signaling payload.
func (s *SignalingPayload) String() string {
	return fmt.Sprintf("SignalingPayload{DeviceType:%q, Format:%q, Timestamp:%d}",
		s.GetDeviceType(), s.GetFormat(), s.Timestamp)
}

// String returns a human-readable representation of the audio payload.
func (a *AudioPayload) String() string {
	return fmt.Sprintf("AudioPayload{AudioDataLen:%d}", len(a.AudioData))
}
