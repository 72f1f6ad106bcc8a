package transport

import (
	"context"
	"sync"
)

// Loopback is an in-process double for a single endpoint direction used by
// protocol-layer tests. A write enqueues on Sent; Deliver pushes bytes out
// through the subscribed notify callback, the same way a real GATT
// characteristic notification would arrive on the transport's read side.
// This mirrors the teacher's CGMinerClient/USBDevice split: a narrow
// interface in front of a swappable backend, here swapped for a fully
// synthetic peripheral instead of real hardware.
type Loopback struct {
	mu       sync.Mutex
	onNotify func(payload []byte)
	Sent     [][]byte

	// WriteHook, when non-nil, is invoked synchronously from Write with a
	// copy of the written payload. Tests use it to script device replies.
	WriteHook func([]byte)
}

// NewLoopback returns a Loopback ready to be used as both an Endpoint and
// a Notifier.
func NewLoopback() *Loopback {
	return &Loopback{}
}

// Write records the payload and, if WriteHook is set, invokes it
// synchronously — tests typically use this to script an automatic device
// reply.
func (l *Loopback) Write(ctx context.Context, payload []byte) error {
	l.mu.Lock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	l.Sent = append(l.Sent, cp)
	hook := l.WriteHook
	l.mu.Unlock()
	if hook != nil {
		hook(cp)
	}
	return nil
}

// Subscribe registers the single notify callback this Loopback supports.
func (l *Loopback) Subscribe(onNotify func(payload []byte)) (func(), error) {
	l.mu.Lock()
	l.onNotify = onNotify
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		l.onNotify = nil
		l.mu.Unlock()
	}, nil
}

// Deliver pushes payload to the subscribed callback, if any, simulating an
// inbound BLE notification.
func (l *Loopback) Deliver(payload []byte) {
	l.mu.Lock()
	cb := l.onNotify
	l.mu.Unlock()
	if cb != nil {
		cb(payload)
	}
}
