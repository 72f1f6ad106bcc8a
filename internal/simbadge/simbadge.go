// Package simbadge is an in-process simulated RCSP peripheral: it answers
// the auth handshake and drives the phase table well enough to accept a
// full upload, without a real BLE link. It exists so the CLI has a
// runnable demo backend, the same role the teacher's CGMinerClient plays
// behind usb_device.go's real USB endpoint: a narrow interface
// (transport.Endpoint/Notifier) with a swappable concrete implementation.
package simbadge

import (
	"encoding/binary"
	"log"
	"sync"

	"ledbadge-upload/internal/crypto"
	"ledbadge-upload/internal/fe"
	"ledbadge-upload/internal/qix"
	"ledbadge-upload/internal/transport"
)

// windowBudget is how many bytes the simulated device asks for per
// window; a real badge picks its own value, this just needs to be a
// reasonably-sized demo window.
const windowBudget = 4 * 1024

// Dial builds a Transport wired to an in-process simulated badge and
// returns it along with a no-op cleanup func (kept for symmetry with a
// real dial that would need to release a GATT connection). address is the
// configured BLE address/identifier of the target badge (internal/config's
// UploadConfig.DeviceAddress); a real binding would use it to select which
// peripheral to connect to, the same role host/port play in the teacher's
// NewCGMinerClient. The simulator has only one badge, so it just records
// the address it was asked to dial.
func Dial(address string) (*transport.Transport, func()) {
	dataW := transport.NewLoopback()
	dataN := transport.NewLoopback()
	ctrlW := transport.NewLoopback()
	ctrlN := transport.NewLoopback()

	tr := transport.New(transport.Endpoints{DataW: dataW, DataN: dataN, CtrlW: ctrlW, CtrlN: ctrlN})

	if address == "" {
		address = "(unconfigured)"
	}
	log.Printf("simbadge: dialing simulated badge at %s", address)

	b := &badge{
		address:   address,
		dataN:     dataN,
		ctrlN:     ctrlN,
		challenge: [16]byte{0x5B, 0x41, 0xC2, 0x9D, 0x11, 0x7E, 0xA0, 0x33, 0x64, 0xF8, 0x0C, 0x92, 0x5D, 0x1A, 0xBE, 0x77},
	}
	dataW.WriteHook = b.onDataW
	ctrlW.WriteHook = b.onCtrlW

	return tr, func() {}
}

type badge struct {
	address string
	dataN   *transport.Loopback
	ctrlN   *transport.Loopback

	challenge [16]byte

	mu              sync.Mutex
	totalSize       uint32
	nextOffset      uint32 // start of the window currently in flight
	windowRemaining uint32 // bytes still expected in that window
	ackSeq          byte
	commitSent      bool
}

func (b *badge) onDataW(payload []byte) {
	switch {
	case len(payload) == 17 && payload[0] == 0x00:
		reply := make([]byte, 17)
		reply[0] = 0x01
		go b.dataN.Deliver(reply)
		return
	case len(payload) == 5 && payload[0] == 0x02:
		reply := append([]byte{0x00}, b.challenge[:]...)
		go b.dataN.Deliver(reply)
		return
	case len(payload) == 17 && payload[0] == 0x01:
		var got [16]byte
		copy(got[:], payload[1:])
		if got == crypto.Encrypt(b.challenge, crypto.StaticKey) {
			go b.dataN.Deliver(append([]byte{0x02}, "pass"...))
		} else {
			go b.dataN.Deliver([]byte{0xFF})
		}
		return
	}

	frame, err := fe.Decode(payload)
	if err != nil {
		return
	}
	b.onFrame(frame)
}

func (b *badge) onFrame(frame fe.Frame) {
	switch frame.Cmd {
	case 0x06:
		reply, _ := fe.Encode(fe.FlagResponse, 0x06, nil)
		go b.dataN.Deliver(reply)
	case 0x03:
		reply, _ := fe.Encode(fe.FlagResponse, 0x03, make([]byte, 125))
		go b.dataN.Deliver(reply)
	case 0x07:
		reply, _ := fe.Encode(fe.FlagResponse, 0x07, make([]byte, 56))
		go b.dataN.Deliver(reply)
	case 0x21:
		seq := byte(0)
		if len(frame.Body) > 0 {
			seq = frame.Body[0]
		}
		reply, _ := fe.Encode(fe.FlagResponse, 0x21, []byte{0x00, seq})
		go b.dataN.Deliver(reply)
	case 0x27:
		seq := byte(0)
		if len(frame.Body) > 0 {
			seq = frame.Body[0]
		}
		reply, _ := fe.Encode(fe.FlagResponse, 0x27, []byte{0x00, seq, 0x00, 0x01})
		go b.dataN.Deliver(reply)
	case 0x1B:
		b.onMetadata(frame.Body)
	case 0x01:
		b.onDataFrame(frame.Body)
	case 0x20:
		go b.sendSessionClose()
	}
}

// onMetadata replies to the Metadata ACK with a fixed 490-byte chunk size
// and arms the first window starting at offset 0.
func (b *badge) onMetadata(body []byte) {
	seq := byte(0)
	if len(body) > 0 {
		seq = body[0]
	}

	b.mu.Lock()
	if len(body) >= 5 {
		b.totalSize = binary.BigEndian.Uint32(body[1:5])
	}
	b.nextOffset = 0
	b.ackSeq = 0
	b.commitSent = false
	win := minU32(windowBudget, b.totalSize)
	b.windowRemaining = win
	b.mu.Unlock()

	reply, _ := fe.Encode(fe.FlagResponse, 0x1B, []byte{0x00, seq, 0x01, 0xEA}) // 0x01EA = 490
	go b.dataN.Deliver(reply)

	go b.sendAck(win, 0)
}

// onDataFrame advances the in-flight window as chunks arrive, and arms
// the next window, the commit window, or FILE_COMPLETE once the whole
// payload (including the commit resend) has been seen.
func (b *badge) onDataFrame(body []byte) {
	if len(body) < 5 {
		return
	}
	chunkLen := uint32(len(body) - 5)

	b.mu.Lock()
	if chunkLen > b.windowRemaining {
		b.windowRemaining = 0
	} else {
		b.windowRemaining -= chunkLen
	}
	if b.windowRemaining > 0 {
		b.mu.Unlock()
		return
	}

	if b.commitSent {
		b.mu.Unlock()
		go b.sendFileComplete()
		return
	}

	newOffset := b.nextOffset + minU32(windowBudget, b.totalSize-b.nextOffset)
	if newOffset >= b.totalSize {
		// Commit window: resend the prefix as a final confirmation chunk.
		win := minU32(490, b.totalSize)
		b.nextOffset = 0
		b.windowRemaining = win
		b.commitSent = true
		b.mu.Unlock()
		go b.sendAck(win, 0)
		return
	}

	win := minU32(windowBudget, b.totalSize-newOffset)
	b.nextOffset = newOffset
	b.windowRemaining = win
	b.mu.Unlock()
	go b.sendAck(win, newOffset)
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func (b *badge) sendAck(winSize uint32, nextOffset uint32) {
	b.mu.Lock()
	b.ackSeq++
	seq := b.ackSeq
	b.mu.Unlock()

	body := make([]byte, 8)
	body[0] = seq
	binary.BigEndian.PutUint16(body[2:4], uint16(winSize))
	binary.BigEndian.PutUint32(body[4:8], nextOffset)
	wire, _ := fe.Encode(fe.FlagNotification, 0x1D, body)
	b.dataN.Deliver(wire)
}

func (b *badge) sendFileComplete() {
	wire, _ := fe.Encode(fe.FlagCommand, 0x20, []byte{0x09})
	b.dataN.Deliver(wire)
}

func (b *badge) sendSessionClose() {
	wire, _ := fe.Encode(fe.FlagCommand, 0x1C, []byte{0x09, 0x00})
	b.dataN.Deliver(wire)
}

func (b *badge) onCtrlW(payload []byte) {
	frame, err := qix.Decode(payload)
	if err != nil {
		return
	}
	switch frame.Cmd {
	case 0xC6:
		reply, _ := qix.Encode(0xC7, screenInfoPayload(), qix.Flags{IsResponse: true})
		go b.ctrlN.Deliver(reply)
	case 0xDC:
		reply, _ := qix.Encode(0xE6, []byte{0x01}, qix.Flags{IsResponse: true})
		go b.ctrlN.Deliver(reply)
	case 0x29:
		reply, _ := qix.Encode(0x27, []byte{0x00, 0x54}, qix.Flags{IsResponse: true}) // charging, 84%
		go b.ctrlN.Deliver(reply)
	}
}

// screenInfoPayload is a plausible 13-byte ScreenInfo body: a 240x240
// display with a matching picture buffer and a 256 KiB frame store.
func screenInfoPayload() []byte {
	body := make([]byte, 13)
	binary.LittleEndian.PutUint16(body[1:3], 240)
	binary.LittleEndian.PutUint16(body[3:5], 240)
	binary.LittleEndian.PutUint16(body[5:7], 240)
	binary.LittleEndian.PutUint16(body[7:9], 240)
	binary.LittleEndian.PutUint32(body[9:13], 256*1024)
	return body
}
