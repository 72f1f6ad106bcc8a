package transport

import (
	"context"
	"testing"
)

func TestWriteRoutesToNamedEndpoint(t *testing.T) {
	dataW := NewLoopback()
	dataN := NewLoopback()
	ctrlW := NewLoopback()
	ctrlN := NewLoopback()

	tr := New(Endpoints{DataW: dataW, DataN: dataN, CtrlW: ctrlW, CtrlN: ctrlN})

	if err := tr.Write(context.Background(), DataW, []byte{0x01}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := tr.Write(context.Background(), CtrlW, []byte{0x02}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(dataW.Sent) != 1 || len(ctrlW.Sent) != 1 {
		t.Fatalf("expected one write per endpoint, got dataW=%d ctrlW=%d", len(dataW.Sent), len(ctrlW.Sent))
	}
}

func TestWriteOnNonWriteEndpointFails(t *testing.T) {
	dataN := NewLoopback()
	tr := New(Endpoints{DataN: dataN})
	if err := tr.Write(context.Background(), DataN, []byte{0x01}); err == nil {
		t.Fatal("expected error writing to a notify-only endpoint")
	}
}

func TestSubscribeAllTagsEndpoint(t *testing.T) {
	dataN := NewLoopback()
	ctrlN := NewLoopback()
	tr := New(Endpoints{DataN: dataN, CtrlN: ctrlN})

	var got []Name
	if err := tr.SubscribeAll(func(name Name, payload []byte) {
		got = append(got, name)
	}); err != nil {
		t.Fatalf("SubscribeAll: %v", err)
	}

	dataN.Deliver([]byte{0xAA})
	ctrlN.Deliver([]byte{0xBB})

	if len(got) != 2 || got[0] != DataN || got[1] != CtrlN {
		t.Fatalf("unexpected tagging: %v", got)
	}

	tr.Close()
	dataN.Deliver([]byte{0xCC})
	if len(got) != 2 {
		t.Fatalf("expected no delivery after Close, got %v", got)
	}
}
