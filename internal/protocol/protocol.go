package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Capture feed constants
const (
	// Packet types
	PacketTypeAudio = 0x02
	PacketTypeEnd   = 0x03

	// Captured audio is always interleaved stereo
	StereoChannels = 2

	// Packet structure sizes
	HeaderSize             = 8 // 1 + 2 + 4 + 1 bytes
	AudioPayloadHeaderSize = 4 // Sequence number (4 bytes)
	BytesPerSample         = 4 // float32
	BytesPerFrame          = BytesPerSample * StereoChannels

	// MaxPacketSize is bounded by the 16-bit length field
	MaxPacketSize = math.MaxUint16
)

// Header represents the 8-byte capture feed packet header
// Layout: [PacketType:1][PacketLen:2][TabID:4][Channels:1]
type Header struct {
	PacketType uint8  // 0x02=Audio, 0x03=End
	PacketLen  uint16 // Total packet size (header + payload)
	TabID      uint32 // Tab whose audio output is carried
	Channels   uint8  // Must be 2
}

// AudioPayload represents the audio packet payload
// Layout: [Sequence:4][Samples:N*4]
type AudioPayload struct {
	Sequence uint32    // Packet sequence number
	Samples  []float32 // Interleaved stereo samples
}

// ParsedPacket represents a fully parsed capture feed packet
type ParsedPacket struct {
	Header *Header
	Audio  *AudioPayload // Only set for audio packets
}

// ParseHeader parses the 8-byte packet header
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}

	return &Header{
		PacketType: data[0],
		PacketLen:  binary.BigEndian.Uint16(data[1:3]),
		TabID:      binary.BigEndian.Uint32(data[3:7]),
		Channels:   data[7],
	}, nil
}

// ParseAudioPayload parses the audio packet payload (4-byte sequence + samples)
func ParseAudioPayload(data []byte) (*AudioPayload, error) {
	if len(data) < AudioPayloadHeaderSize {
		return nil, fmt.Errorf("audio payload too short: expected at least %d bytes, got %d",
			AudioPayloadHeaderSize, len(data))
	}

	sampleBytes := data[AudioPayloadHeaderSize:]
	if len(sampleBytes)%BytesPerFrame != 0 {
		return nil, fmt.Errorf("audio payload holds a partial frame: %d sample bytes", len(sampleBytes))
	}

	payload := &AudioPayload{
		Sequence: binary.BigEndian.Uint32(data[0:4]),
		Samples:  make([]float32, len(sampleBytes)/BytesPerSample),
	}
	for i := range payload.Samples {
		bits := binary.LittleEndian.Uint32(sampleBytes[i*BytesPerSample:])
		payload.Samples[i] = math.Float32frombits(bits)
	}

	return payload, nil
}

// ParsePacket parses a complete packet (header + payload)
func ParsePacket(data []byte) (*ParsedPacket, error) {
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

	packet := &ParsedPacket{Header: header}
	if header.PacketType == PacketTypeAudio {
		payload, err := ParseAudioPayload(data[HeaderSize:])
		if err != nil {
			return nil, fmt.Errorf("failed to parse audio payload: %w", err)
		}
		packet.Audio = payload
	}

	return packet, nil
}

// ValidateHeader validates the packet header fields
func ValidateHeader(header *Header) error {
	if !IsValidPacketType(header.PacketType) {
		return fmt.Errorf("invalid packet type: 0x%02x", header.PacketType)
	}

	if header.Channels != StereoChannels {
		return fmt.Errorf("invalid channel count: %d (expected %d)", header.Channels, StereoChannels)
	}

	if header.TabID == 0 {
		return fmt.Errorf("tab id cannot be zero")
	}

	if header.PacketLen < HeaderSize {
		return fmt.Errorf("packet length too small: %d (minimum %d)", header.PacketLen, HeaderSize)
	}

	payloadSize := int(header.PacketLen) - HeaderSize
	switch header.PacketType {
	case PacketTypeAudio:
		if payloadSize < AudioPayloadHeaderSize {
			return fmt.Errorf("audio packet payload too small: expected at least %d, got %d",
				AudioPayloadHeaderSize, payloadSize)
		}
	case PacketTypeEnd:
		if payloadSize != 0 {
			return fmt.Errorf("end packet must not carry a payload, got %d bytes", payloadSize)
		}
	}

	return nil
}

// IsValidPacketType checks if the packet type is valid
func IsValidPacketType(ptype uint8) bool {
	return ptype == PacketTypeAudio || ptype == PacketTypeEnd
}

// EncodeAudioPacket builds an audio packet for tabID carrying interleaved stereo samples
func EncodeAudioPacket(tabID uint32, sequence uint32, samples []float32) ([]byte, error) {
	if len(samples)%StereoChannels != 0 {
		return nil, fmt.Errorf("samples must hold whole stereo frames, got %d values", len(samples))
	}

	size := HeaderSize + AudioPayloadHeaderSize + len(samples)*BytesPerSample
	if size > MaxPacketSize {
		return nil, fmt.Errorf("packet too large: %d bytes (maximum %d)", size, MaxPacketSize)
	}

	buf := make([]byte, size)
	putHeader(buf, PacketTypeAudio, uint16(size), tabID)
	binary.BigEndian.PutUint32(buf[HeaderSize:], sequence)

	offset := HeaderSize + AudioPayloadHeaderSize
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[offset+i*BytesPerSample:], math.Float32bits(s))
	}

	return buf, nil
}

// EncodeEndPacket builds the packet that closes tabID's capture stream
func EncodeEndPacket(tabID uint32) []byte {
	buf := make([]byte, HeaderSize)
	putHeader(buf, PacketTypeEnd, HeaderSize, tabID)
	return buf
}

func putHeader(buf []byte, ptype uint8, size uint16, tabID uint32) {
	buf[0] = ptype
	binary.BigEndian.PutUint16(buf[1:3], size)
	binary.BigEndian.PutUint32(buf[3:7], tabID)
	buf[7] = StereoChannels
}

// String returns a human-readable representation of the header
func (h *Header) String() string {
	var packetType string

	switch h.PacketType {
	case PacketTypeAudio:
		packetType = "Audio"
	case PacketTypeEnd:
		packetType = "End"
	default:
		packetType = fmt.Sprintf("Unknown(0x%02x)", h.PacketType)
	}

	return fmt.Sprintf("Header{Type:%s, Len:%d, TabID:%d, Channels:%d}",
		packetType, h.PacketLen, h.TabID, h.Channels)
}

// String returns a human-readable representation of the audio payload
func (a *AudioPayload) String() string {
	return fmt.Sprintf("AudioPayload{Sequence:%d, Frames:%d}", a.Sequence, len(a.Samples)/StereoChannels)
}
