package simbadge_test

import (
	"context"
	"testing"
	"time"

	"ledbadge-upload/internal/auth"
	"ledbadge-upload/internal/bus"
	"ledbadge-upload/internal/simbadge"
	"ledbadge-upload/internal/transport"
	"ledbadge-upload/internal/upload"
)

// TestSimBadgeDrivesMultiWindowUpload exercises the simulated peripheral
// across several windows (unlike session_test.go's fixed 3-stage fake
// device), proving simbadge's offset bookkeeping holds for an arbitrary
// payload size.
func TestSimBadgeDrivesMultiWindowUpload(t *testing.T) {
	tr, cleanup := simbadge.Dial("TEST:BADGE:00:00:00:01")
	defer cleanup()

	b := bus.New(func(ctx context.Context, payload []byte) error {
		return tr.Write(ctx, transport.DataW, payload)
	})
	if err := tr.SubscribeAll(func(_ transport.Name, payload []byte) {
		b.Arrival(context.Background(), payload)
	}); err != nil {
		t.Fatalf("SubscribeAll: %v", err)
	}
	defer tr.Close()

	a := auth.New(tr, b)
	m := upload.New(tr, b, a, upload.NewDefaultRandomSource())

	payload := make([]byte, 25_000)
	for i := range payload {
		payload[i] = byte(i * 3)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.Upload(ctx, payload, upload.MediaAnimation, "DEMO", nil); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if m.Phase() != upload.PhaseComplete {
		t.Fatalf("expected PhaseComplete, got %s", m.Phase())
	}
	if m.DevicePath() == "" {
		t.Fatal("expected a synthesized device path")
	}
}
