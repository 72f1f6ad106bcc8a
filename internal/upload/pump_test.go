package upload

import (
	"encoding/binary"
	"testing"
)

func TestParseWindowAckMatchesSpecVector(t *testing.T) {
	// spec §8 scenario 3: "01 00 0F 50 00 00 01 EA"
	body := []byte{0x01, 0x00, 0x0F, 0x50, 0x00, 0x00, 0x01, 0xEA}
	ack, ok := parseWindowAck(body)
	if !ok {
		t.Fatal("expected a valid 8-byte window ack")
	}
	if ack.seq != 1 || ack.status != 0 || ack.winSize != 3920 || ack.nextOffset != 490 {
		t.Fatalf("got %+v, want {seq:1 status:0 winSize:3920 nextOffset:490}", ack)
	}
}

func TestParseWindowAckCommitVector(t *testing.T) {
	// spec §8 scenario 3, fifth (commit) ack: "05 00 01 EA 00 00 00 00"
	body := []byte{0x05, 0x00, 0x01, 0xEA, 0x00, 0x00, 0x00, 0x00}
	ack, ok := parseWindowAck(body)
	if !ok {
		t.Fatal("expected a valid 8-byte window ack")
	}
	if ack.winSize != 490 || ack.nextOffset != 0 {
		t.Fatalf("got %+v, want winSize:490 nextOffset:0", ack)
	}
	if !ack.isCommit(DefaultChunkSize) {
		t.Fatal("expected commit window detection to trigger")
	}
}

func TestParseWindowAckRejectsWrongLength(t *testing.T) {
	if _, ok := parseWindowAck([]byte{0x01, 0x02, 0x03}); ok {
		t.Fatal("expected a short body to be rejected")
	}
}

func TestWindowAckBigEndianFields(t *testing.T) {
	body := make([]byte, 8)
	body[0] = 7
	body[1] = 0
	binary.BigEndian.PutUint16(body[2:4], 1234)
	binary.BigEndian.PutUint32(body[4:8], 56789)
	ack, ok := parseWindowAck(body)
	if !ok || ack.winSize != 1234 || ack.nextOffset != 56789 {
		t.Fatalf("got %+v", ack)
	}
}
