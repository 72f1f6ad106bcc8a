package upload

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"ledbadge-upload/internal/auth"
	"ledbadge-upload/internal/bus"
	"ledbadge-upload/internal/crc16"
	"ledbadge-upload/internal/crypto"
	"ledbadge-upload/internal/fe"
	"ledbadge-upload/internal/qix"
	"ledbadge-upload/internal/transport"
)

// fakeBadge scripts a minimal Jieli RCSP peripheral over the loopback
// transport: it answers the auth handshake, acks every FE phase command,
// and drives a three-window data transfer (two chunks, one chunk, then a
// commit resend of the prefix) ending in FILE_COMPLETE/SESSION_CLOSE.
type fakeBadge struct {
	t     *testing.T
	dataN *transport.Loopback
	ctrlN *transport.Loopback

	challenge [16]byte

	mu    sync.Mutex
	stage int
	count int

	mu2       sync.Mutex
	gotChunks [][]byte
	gotFrames [][]byte
}

func newFakeBadge(t *testing.T, dataN, ctrlN *transport.Loopback) *fakeBadge {
	return &fakeBadge{
		t:         t,
		dataN:     dataN,
		ctrlN:     ctrlN,
		challenge: [16]byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x01},
	}
}

func (d *fakeBadge) onDataW(payload []byte) {
	switch {
	case len(payload) == 17 && payload[0] == 0x00:
		reply := make([]byte, 17)
		reply[0] = 0x01
		go d.dataN.Deliver(reply)
		return
	case len(payload) == 5 && payload[0] == 0x02:
		reply := append([]byte{0x00}, d.challenge[:]...)
		go d.dataN.Deliver(reply)
		return
	case len(payload) == 17 && payload[0] == 0x01:
		var got [16]byte
		copy(got[:], payload[1:])
		want := crypto.Encrypt(d.challenge, crypto.StaticKey)
		if got == want {
			go d.dataN.Deliver(append([]byte{0x02}, "pass"...))
		} else {
			go d.dataN.Deliver([]byte{0xFF})
		}
		return
	}

	frame, err := fe.Decode(payload)
	if err != nil {
		return
	}
	d.onFEFrame(frame)
}

func (d *fakeBadge) onFEFrame(frame fe.Frame) {
	switch frame.Cmd {
	case 0x06:
		reply, _ := fe.Encode(fe.FlagResponse, 0x06, nil)
		go d.dataN.Deliver(reply)
	case 0x03:
		reply, _ := fe.Encode(fe.FlagResponse, 0x03, make([]byte, 125))
		go d.dataN.Deliver(reply)
	case 0x07:
		reply, _ := fe.Encode(fe.FlagResponse, 0x07, make([]byte, 56))
		go d.dataN.Deliver(reply)
	case 0x21:
		seq := frame.Body[0]
		reply, _ := fe.Encode(fe.FlagResponse, 0x21, []byte{0x00, seq})
		go d.dataN.Deliver(reply)
	case 0x27:
		seq := frame.Body[0]
		reply, _ := fe.Encode(fe.FlagResponse, 0x27, []byte{0x00, seq, 0x00, 0x01})
		go d.dataN.Deliver(reply)
	case 0x1B:
		seq := frame.Body[0]
		reply, _ := fe.Encode(fe.FlagResponse, 0x1B, []byte{0x00, seq, 0x01, 0x90})
		go d.dataN.Deliver(reply)
		go d.sendAck(0x01, 800, 0)
	case 0x01:
		d.onDataFrame(frame.Body)
	case 0x20:
		go d.sendSessionClose()
	}
}

func (d *fakeBadge) onCtrlW(payload []byte) {
	frame, err := qix.Decode(payload)
	if err != nil {
		return
	}
	switch frame.Cmd {
	case 0xC6:
		reply, _ := qix.Encode(0xC7, []byte{0x01}, qix.Flags{IsResponse: true})
		go d.ctrlN.Deliver(reply)
	case 0xDC:
		reply, _ := qix.Encode(0xE6, []byte{0x01}, qix.Flags{IsResponse: true})
		go d.ctrlN.Deliver(reply)
	}
}

func (d *fakeBadge) sendAck(waSeq byte, winSize uint16, nextOffset uint32) {
	body := make([]byte, 8)
	body[0] = waSeq
	binary.BigEndian.PutUint16(body[2:4], winSize)
	binary.BigEndian.PutUint32(body[4:8], nextOffset)
	wire, _ := fe.Encode(fe.FlagNotification, 0x1D, body)
	d.dataN.Deliver(wire)
}

func (d *fakeBadge) sendFileComplete() {
	wire, _ := fe.Encode(fe.FlagCommand, 0x20, []byte{0x09})
	d.dataN.Deliver(wire)
}

func (d *fakeBadge) sendSessionClose() {
	wire, _ := fe.Encode(fe.FlagCommand, 0x1C, []byte{0x09, 0x00})
	d.dataN.Deliver(wire)
}

// onDataFrame tracks reassembly across the three windows: 2 chunks @400,
// then 1 chunk @400, then a 1-chunk commit resend of the prefix.
func (d *fakeBadge) onDataFrame(body []byte) {
	if len(body) < 5 {
		d.t.Fatalf("short data frame body: % X", body)
	}
	chunk := append([]byte{}, body[5:]...)

	d.mu2.Lock()
	d.gotChunks = append(d.gotChunks, chunk)
	d.gotFrames = append(d.gotFrames, append([]byte{}, body...))
	d.mu2.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.count++
	switch d.stage {
	case 0:
		if d.count == 2 {
			d.count = 0
			d.stage = 1
			go d.sendAck(0x02, 400, 800)
		}
	case 1:
		if d.count == 1 {
			d.count = 0
			d.stage = 2
			go d.sendAck(0x03, 400, 0) // commit: win_size <= chunkSize, next_offset == 0
		}
	case 2:
		if d.count == 1 {
			d.stage = 3
			go d.sendFileComplete()
		}
	}
}

func newUploadHarness(t *testing.T) (*Machine, *fakeBadge, *transport.Loopback) {
	t.Helper()
	dataW := transport.NewLoopback()
	dataN := transport.NewLoopback()
	ctrlW := transport.NewLoopback()
	ctrlN := transport.NewLoopback()

	tr := transport.New(transport.Endpoints{DataW: dataW, DataN: dataN, CtrlW: ctrlW, CtrlN: ctrlN})
	b := bus.New(func(ctx context.Context, payload []byte) error {
		return tr.Write(ctx, transport.DataW, payload)
	})
	if err := tr.SubscribeAll(func(name transport.Name, payload []byte) {
		b.Arrival(context.Background(), payload)
	}); err != nil {
		t.Fatalf("SubscribeAll: %v", err)
	}

	badge := newFakeBadge(t, dataN, ctrlN)
	dataW.WriteHook = badge.onDataW
	ctrlW.WriteHook = badge.onCtrlW

	a := auth.New(tr, b)
	m := New(tr, b, a, NewDefaultRandomSource())
	return m, badge, dataW
}

func TestUploadEndToEndSucceeds(t *testing.T) {
	m, badge, _ := newUploadHarness(t)

	payload := make([]byte, 1200)
	for i := range payload {
		payload[i] = byte(i)
	}

	var progressed []Phase
	var mu sync.Mutex
	progress := func(p Progress) {
		mu.Lock()
		progressed = append(progressed, p.Phase)
		mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.Upload(ctx, payload, MediaStill, "BADGE", progress); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if m.Phase() != PhaseComplete {
		t.Fatalf("expected PhaseComplete, got %s", m.Phase())
	}
	if dp := m.DevicePath(); dp == "" {
		t.Fatal("expected a non-empty synthesized device path after completion")
	}

	badge.mu2.Lock()
	defer badge.mu2.Unlock()
	if len(badge.gotChunks) != 4 {
		t.Fatalf("expected 4 data frames, got %d", len(badge.gotChunks))
	}
	wantRanges := [][2]int{{0, 400}, {400, 800}, {800, 1200}, {0, 400}}
	for i, r := range wantRanges {
		want := payload[r[0]:r[1]]
		got := badge.gotChunks[i]
		if len(got) != len(want) {
			t.Fatalf("chunk %d: length %d want %d", i, len(got), len(want))
		}
		for j := range want {
			if got[j] != want[j] {
				t.Fatalf("chunk %d byte %d mismatch", i, j)
			}
		}
	}
}

func TestUploadRejectsOversizedPayload(t *testing.T) {
	m, _, _ := newUploadHarness(t)
	payload := make([]byte, MaxPayloadSize+1)

	err := m.Upload(context.Background(), payload, MediaStill, "X", nil)
	if err == nil {
		t.Fatal("expected a size-limit error")
	}
	uerr, ok := err.(*Error)
	if !ok || uerr.Kind != KindSizeLimit {
		t.Fatalf("expected KindSizeLimit, got %v", err)
	}
}

func TestUploadCancelStopsBeforeDataTransfer(t *testing.T) {
	m, _, _ := newUploadHarness(t)
	m.Cancel()

	payload := make([]byte, 100)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := m.Upload(ctx, payload, MediaStill, "X", nil)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	uerr, ok := err.(*Error)
	if !ok || uerr.Kind != KindCancelled {
		t.Fatalf("expected KindCancelled, got %v", err)
	}
}

func TestUploadDataFrameChecksum(t *testing.T) {
	m, badge, _ := newUploadHarness(t)
	payload := make([]byte, 1200)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Upload(ctx, payload, MediaAnimation, "Y", nil); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	badge.mu2.Lock()
	defer badge.mu2.Unlock()
	frame := badge.gotFrames[0]
	wireCRC := uint16(frame[3])<<8 | uint16(frame[4])
	if wireCRC != crc16.Sum(payload[0:400]) {
		t.Fatalf("wire CRC 0x%04X does not match crc16.Sum of the source chunk (0x%04X)", wireCRC, crc16.Sum(payload[0:400]))
	}
}
