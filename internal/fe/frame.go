// Package fe implements the FE-frame codec used on the BLE data channel:
// magic FE DC BA, a flag byte, a command byte, a big-endian length, the
// body, and an EF terminator.
package fe

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// Flag values carried in byte 4 of the frame.
const (
	FlagResponse     byte = 0x00
	FlagNotification byte = 0x80
	FlagCommand      byte = 0xC0
)

var (
	magic      = [3]byte{0xFE, 0xDC, 0xBA}
	terminator byte = 0xEF
	// minFrameLen is magic(3) + flag(1) + cmd(1) + length(2) + terminator(1)
	// for a zero-length body.
	minFrameLen = 8
)

// ErrInvalidFrame is returned by Decode when the bytes do not form a
// well-formed FE frame (bad magic, bad terminator, or a length mismatch).
var ErrInvalidFrame = errors.New("fe: invalid frame")

// Frame is a decoded FE packet.
type Frame struct {
	Flag byte
	Cmd  byte
	Body []byte
}

// Encode serializes flag, cmd and body into the wire representation:
// FE DC BA | flag | cmd | length(BE16) | body | EF.
func Encode(flag, cmd byte, body []byte) ([]byte, error) {
	if len(body) > 0xFFFF {
		return nil, fmt.Errorf("fe: body too large (%d bytes)", len(body))
	}
	var b cryptobyte.Builder
	b.AddBytes(magic[:])
	b.AddUint8(flag)
	b.AddUint8(cmd)
	b.AddUint16(uint16(len(body)))
	b.AddBytes(body)
	b.AddUint8(terminator)
	return b.Bytes()
}

// Decode parses a raw inbound payload into a Frame. It rejects magic
// mismatches, terminator mismatches, a declared length that disagrees with
// the actual body length, and payloads shorter than the minimum frame
// size — returning ErrInvalidFrame (wrapped with detail) in every case.
func Decode(data []byte) (Frame, error) {
	if len(data) < minFrameLen {
		return Frame{}, fmt.Errorf("%w: length %d below minimum %d", ErrInvalidFrame, len(data), minFrameLen)
	}

	s := cryptobyte.String(data)

	var gotMagic []byte
	if !s.ReadBytes(&gotMagic, 3) {
		return Frame{}, fmt.Errorf("%w: short magic", ErrInvalidFrame)
	}
	if gotMagic[0] != magic[0] || gotMagic[1] != magic[1] || gotMagic[2] != magic[2] {
		return Frame{}, fmt.Errorf("%w: magic mismatch % X", ErrInvalidFrame, gotMagic)
	}

	var flag, cmd byte
	var length uint16
	if !s.ReadUint8(&flag) || !s.ReadUint8(&cmd) || !s.ReadUint16(&length) {
		return Frame{}, fmt.Errorf("%w: short header", ErrInvalidFrame)
	}

	var body []byte
	if !s.ReadBytes(&body, int(length)) {
		return Frame{}, fmt.Errorf("%w: declared length %d exceeds available body", ErrInvalidFrame, length)
	}
	if int(length) != len(body) {
		return Frame{}, fmt.Errorf("%w: length %d != body %d", ErrInvalidFrame, length, len(body))
	}

	var term byte
	if !s.ReadUint8(&term) {
		return Frame{}, fmt.Errorf("%w: missing terminator", ErrInvalidFrame)
	}
	if term != terminator {
		return Frame{}, fmt.Errorf("%w: terminator 0x%02X != 0x%02X", ErrInvalidFrame, term, terminator)
	}
	if !s.Empty() {
		return Frame{}, fmt.Errorf("%w: %d trailing bytes", ErrInvalidFrame, len(s))
	}

	bodyCopy := make([]byte, len(body))
	copy(bodyCopy, body)
	return Frame{Flag: flag, Cmd: cmd, Body: bodyCopy}, nil
}

// IsDeviceCommand reports whether a frame was sent by the device as an
// unsolicited command (flag == 0xC0) rather than a response or data
// notification.
func (f Frame) IsDeviceCommand() bool {
	return f.Flag == FlagCommand
}
