package ble

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// gattd wire protocol operations.
//
// The daemon speaks a small length-prefixed binary framing over its socket:
//
//	[size u16 BE][op u8][characteristic 16 bytes][payload ...]
//
// size counts everything after the size field. Session-level operations
// (connect, disconnect) carry a zero characteristic.
const (
	// opConnect requests a device session. Payload: target MAC (ASCII).
	opConnect byte = 0x01

	// opDisconnect tears down the current device session.
	opDisconnect byte = 0x02

	// opSubscribe enables notifications on a characteristic.
	opSubscribe byte = 0x03

	// opRead requests the current value of a characteristic.
	opRead byte = 0x04

	// opWrite writes a value to a characteristic (with response).
	opWrite byte = 0x05

	// opResult answers the most recent request. Payload: status byte
	// followed by result data (reads only).
	opResult byte = 0x06

	// opNotify delivers an unsolicited characteristic notification.
	opNotify byte = 0x07

	// opDisconnected announces that the device session was lost.
	opDisconnected byte = 0x08
)

// resultOK is the status byte for a successful request.
const resultOK byte = 0x00

// Frame layout constants.
const (
	// frameHeaderLen is op(1) + characteristic(16).
	frameHeaderLen = 17

	// frameSizeLen is the length of the size prefix.
	frameSizeLen = 2

	// maxFrameSize bounds incoming frames; anything larger indicates
	// protocol desync and forces a reconnect.
	maxFrameSize = 512
)

// frame is a single decoded gattd message.
type frame struct {
	Op             byte
	Characteristic string // canonical UUID string, "" for session ops
	Payload        []byte
}

// encodeFrame serialises a frame to the gattd wire format.
func encodeFrame(f frame) ([]byte, error) {
	var char [16]byte
	if f.Characteristic != "" {
		u, err := uuid.Parse(f.Characteristic)
		if err != nil {
			return nil, fmt.Errorf("%w: characteristic %q: %w", ErrInvalidFrame, f.Characteristic, err)
		}
		copy(char[:], u[:])
	}

	size := frameHeaderLen + len(f.Payload)
	buf := make([]byte, frameSizeLen+size)
	binary.BigEndian.PutUint16(buf[:frameSizeLen], uint16(size)) //nolint:gosec // bounded by maxFrameSize
	buf[frameSizeLen] = f.Op
	copy(buf[frameSizeLen+1:], char[:])
	copy(buf[frameSizeLen+frameHeaderLen:], f.Payload)
	return buf, nil
}

// decodeFrame parses a frame body (everything after the size prefix).
func decodeFrame(body []byte) (frame, error) {
	if len(body) < frameHeaderLen {
		return frame{}, fmt.Errorf("%w: body %d bytes, need at least %d", ErrInvalidFrame, len(body), frameHeaderLen)
	}

	var char [16]byte
	copy(char[:], body[1:frameHeaderLen])

	f := frame{Op: body[0]}
	if char != ([16]byte{}) {
		f.Characteristic = uuid.UUID(char).String()
	}
	if len(body) > frameHeaderLen {
		f.Payload = append([]byte(nil), body[frameHeaderLen:]...)
	}
	return f, nil
}
