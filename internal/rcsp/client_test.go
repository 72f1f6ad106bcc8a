package rcsp

import (
	"context"
	"testing"
	"time"

	"ledbadge-upload/internal/bus"
	"ledbadge-upload/internal/fe"
	"ledbadge-upload/internal/qix"
	"ledbadge-upload/internal/transport"
)

func newTestClient(t *testing.T) (*Client, *transport.Loopback, *transport.Loopback) {
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
	return New(tr, b), dataW, ctrlW
}

func TestGetTargetFeatureMap(t *testing.T) {
	c, dataW, _ := newTestClient(t)

	dataW.WriteHook = func(payload []byte) {
		req, err := fe.Decode(payload)
		if err != nil || req.Cmd != CmdGetTargetFeatureMap {
			return
		}
		reply, _ := fe.Encode(fe.FlagResponse, CmdGetTargetFeatureMap, []byte{0x00, 0x00, 0x01, 0x23})
		go func() { c.bus.Arrival(context.Background(), reply) }()
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := c.GetTargetFeatureMap(ctx)
	if err != nil {
		t.Fatalf("GetTargetFeatureMap: %v", err)
	}
	if got != 0x00000123 {
		t.Fatalf("got 0x%08X, want 0x00000123", got)
	}
}

func TestGetBatteryLevel(t *testing.T) {
	c, _, ctrlW := newTestClient(t)

	ctrlW.WriteHook = func(payload []byte) {
		req, err := qix.Decode(payload)
		if err != nil || req.Cmd != 0x29 {
			return
		}
		reply, _ := qix.Encode(0x27, []byte{0x00, 0x4B}, qix.Flags{IsResponse: true})
		go func() { c.bus.Arrival(context.Background(), reply) }()
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	status, level, err := c.GetBatteryLevel(ctx)
	if err != nil {
		t.Fatalf("GetBatteryLevel: %v", err)
	}
	if status != 0x00 || level != 0x4B {
		t.Fatalf("got status=0x%02X level=0x%02X", status, level)
	}
}

func TestGetScreenInfo(t *testing.T) {
	c, _, ctrlW := newTestClient(t)

	ctrlW.WriteHook = func(payload []byte) {
		req, err := qix.Decode(payload)
		if err != nil || req.Cmd != 0xC6 {
			return
		}
		body := []byte{0x01, 0x68, 0x01, 0x68, 0x01, 0x68, 0x01, 0x68, 0x01, 0x00, 0x10, 0x00, 0x00}
		reply, _ := qix.Encode(0xC7, body, qix.Flags{IsResponse: true})
		go func() { c.bus.Arrival(context.Background(), reply) }()
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	info, err := c.GetScreenInfo(ctx)
	if err != nil {
		t.Fatalf("GetScreenInfo: %v", err)
	}
	if info.Width != 0x0168 || info.MemSize != 0x00001000 {
		t.Fatalf("unexpected screen info: %+v", info)
	}
}

func TestStartFileBrowse(t *testing.T) {
	c, dataW, _ := newTestClient(t)

	entry := func(name string) []byte {
		raw := make([]byte, fileEntrySize)
		copy(raw, name)
		return raw
	}
	resp := append(entry("IMG0001.JPG"), entry("ANIM0002.AVI")...)

	dataW.WriteHook = func(payload []byte) {
		req, err := fe.Decode(payload)
		if err != nil || req.Cmd != CmdStartFileBrowse {
			return
		}
		reply, _ := fe.Encode(fe.FlagResponse, CmdStartFileBrowse, resp)
		go func() { c.bus.Arrival(context.Background(), reply) }()
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	entries, err := c.StartFileBrowse(ctx, 0x00, 2, 0, 0, "/DCIM")
	if err != nil {
		t.Fatalf("StartFileBrowse: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Name != "IMG0001.JPG" || entries[1].Name != "ANIM0002.AVI" {
		t.Fatalf("unexpected entry names: %+v", entries)
	}
	if len(entries[0].Raw) != fileEntrySize || len(entries[1].Raw) != fileEntrySize {
		t.Fatalf("expected %d-byte raw entries, got %d and %d", fileEntrySize, len(entries[0].Raw), len(entries[1].Raw))
	}
}

func TestStartFileBrowseIgnoresTrailingPartialEntry(t *testing.T) {
	c, dataW, _ := newTestClient(t)

	entry := make([]byte, fileEntrySize)
	copy(entry, "ONLY.JPG")
	resp := append(entry, 0x00, 0x01, 0x02) // short trailing garbage, not a full entry

	dataW.WriteHook = func(payload []byte) {
		req, err := fe.Decode(payload)
		if err != nil || req.Cmd != CmdStartFileBrowse {
			return
		}
		reply, _ := fe.Encode(fe.FlagResponse, CmdStartFileBrowse, resp)
		go func() { c.bus.Arrival(context.Background(), reply) }()
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	entries, err := c.StartFileBrowse(ctx, 0x00, 1, 0, 0, "/DCIM")
	if err != nil {
		t.Fatalf("StartFileBrowse: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "ONLY.JPG" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestSeqCounterSkipsZeroOnWrap(t *testing.T) {
	c := newSeqCounter()
	c.next = 255
	first := c.take()
	second := c.take()
	if first != 255 || second != 1 {
		t.Fatalf("expected wrap 255 -> 1, got %d -> %d", first, second)
	}
}
