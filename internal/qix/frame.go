// Package qix implements the 9E-framed control-channel codec: magic 9E, a
// 1-byte additive checksum over everything that follows, a bit-packed flag
// byte, a command byte, a little-endian length, and the payload.
package qix

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

const magic byte = 0x9E

// ErrInvalidFrame is returned by Decode when the checksum or declared
// length does not match the supplied bytes.
var ErrInvalidFrame = errors.New("qix: invalid frame")

// Flags packs the five sub-fields of the 9E flag byte.
type Flags struct {
	IsRequest    bool
	SerialNumber uint8 // 4 bits, 0..15
	IsLong       bool
	NeedResponse bool
	IsResponse   bool
}

func (f Flags) pack() byte {
	var b byte
	if f.IsRequest {
		b |= 0x01
	}
	b |= (f.SerialNumber & 0x0F) << 1
	if f.IsLong {
		b |= 0x20
	}
	if f.NeedResponse {
		b |= 0x40
	}
	if f.IsResponse {
		b |= 0x80
	}
	return b
}

func unpackFlags(b byte) Flags {
	return Flags{
		IsRequest:    b&0x01 != 0,
		SerialNumber: (b >> 1) & 0x0F,
		IsLong:       b&0x20 != 0,
		NeedResponse: b&0x40 != 0,
		IsResponse:   b&0x80 != 0,
	}
}

// Frame is a decoded 9E packet.
type Frame struct {
	Flags   Flags
	Cmd     byte
	Payload []byte
}

// Encode writes magic, the additive checksum, flag, cmd, a little-endian
// length, and the payload. The length field is little-endian, unlike FE's
// big-endian length, so it's built by hand rather than via
// cryptobyte.Builder's (big-endian-only) AddUint16.
func Encode(cmd byte, payload []byte, flags Flags) ([]byte, error) {
	if len(payload) > 0xFFFF {
		return nil, fmt.Errorf("qix: payload too large (%d bytes)", len(payload))
	}

	var tail cryptobyte.Builder
	tail.AddUint8(flags.pack())
	tail.AddUint8(cmd)
	tail.AddUint8(byte(len(payload)))
	tail.AddUint8(byte(len(payload) >> 8))
	tail.AddBytes(payload)
	tailBytes, err := tail.Bytes()
	if err != nil {
		return nil, fmt.Errorf("qix: building frame: %w", err)
	}

	var out cryptobyte.Builder
	out.AddUint8(magic)
	out.AddUint8(checksum(tailBytes))
	out.AddBytes(tailBytes)
	return out.Bytes()
}

// checksum is the additive (mod 256) checksum of everything following the
// checksum byte itself.
func checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}

// Decode parses a raw inbound payload into a Frame, validating the magic
// byte, the additive checksum, and the declared length.
func Decode(data []byte) (Frame, error) {
	if len(data) < 6 {
		return Frame{}, fmt.Errorf("%w: length %d below minimum 6", ErrInvalidFrame, len(data))
	}

	s := cryptobyte.String(data)

	var gotMagic, declaredSum byte
	if !s.ReadUint8(&gotMagic) || !s.ReadUint8(&declaredSum) {
		return Frame{}, fmt.Errorf("%w: short header", ErrInvalidFrame)
	}
	if gotMagic != magic {
		return Frame{}, fmt.Errorf("%w: magic 0x%02X != 0x%02X", ErrInvalidFrame, gotMagic, magic)
	}

	tail := []byte(s)
	if got := checksum(tail); got != declaredSum {
		return Frame{}, fmt.Errorf("%w: checksum 0x%02X != declared 0x%02X", ErrInvalidFrame, got, declaredSum)
	}

	var flagByte, cmd, lenLo, lenHi byte
	if !s.ReadUint8(&flagByte) || !s.ReadUint8(&cmd) || !s.ReadUint8(&lenLo) || !s.ReadUint8(&lenHi) {
		return Frame{}, fmt.Errorf("%w: short header", ErrInvalidFrame)
	}
	length := int(lenLo) | int(lenHi)<<8

	var payload []byte
	if !s.ReadBytes(&payload, length) {
		return Frame{}, fmt.Errorf("%w: declared length %d exceeds available payload", ErrInvalidFrame, length)
	}
	if !s.Empty() {
		return Frame{}, fmt.Errorf("%w: %d trailing bytes", ErrInvalidFrame, len(s))
	}

	payloadCopy := make([]byte, len(payload))
	copy(payloadCopy, payload)
	return Frame{Flags: unpackFlags(flagByte), Cmd: cmd, Payload: payloadCopy}, nil
}
