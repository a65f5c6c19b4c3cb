package ble

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Flow-rate payload widths emitted by different firmware revisions.
const (
	// flowLenF32 is a little-endian IEEE-754 single precision payload.
	flowLenF32 = 4

	// flowLenU16 is a little-endian unsigned 16-bit fixed-point payload.
	flowLenU16 = 2

	// flowLenU8 is a single-byte coarse payload (whole L/min).
	flowLenU8 = 1

	// flowU16Scale converts the u16 fixed-point encoding to L/min.
	flowU16Scale = 100.0
)

// EncodeBool encodes a boolean to the 1-byte pump-state format.
func EncodeBool(value bool) []byte {
	if value {
		return []byte{0x01}
	}
	return []byte{0x00}
}

// DecodeBool decodes a 1-byte boolean characteristic.
//
// Any non-zero first byte is true. Extra bytes are tolerated; an empty
// payload fails with ErrMalformedPayload.
func DecodeBool(data []byte) (bool, error) {
	if len(data) < 1 {
		return false, fmt.Errorf("%w: bool requires 1 byte, got %d", ErrMalformedPayload, len(data))
	}
	return data[0] != 0, nil
}

// DecodeU8 decodes a 1-byte unsigned characteristic (error codes).
func DecodeU8(data []byte) (uint8, error) {
	if len(data) < 1 {
		return 0, fmt.Errorf("%w: u8 requires 1 byte, got %d", ErrMalformedPayload, len(data))
	}
	return data[0], nil
}

// DecodeFlow decodes a flow-rate payload to L/min.
//
// The firmware has shipped three encodings, distinguished by length:
//
//   - 4 bytes: little-endian IEEE-754 single precision, used as-is
//   - 2 bytes: little-endian u16 divided by 100 (fixed point, 2 decimals)
//   - 1 byte: unsigned integer taken directly as whole L/min
//
// Any other length fails with ErrMalformedPayload. Callers must retain
// their cached flow value on failure.
func DecodeFlow(data []byte) (float64, error) {
	switch len(data) {
	case flowLenF32:
		bits := binary.LittleEndian.Uint32(data)
		return float64(math.Float32frombits(bits)), nil
	case flowLenU16:
		raw := binary.LittleEndian.Uint16(data)
		return float64(raw) / flowU16Scale, nil
	case flowLenU8:
		return float64(data[0]), nil
	default:
		return 0, fmt.Errorf("%w: flow payload must be 4, 2 or 1 bytes, got %d", ErrMalformedPayload, len(data))
	}
}
