// Package bus implements the NotificationBus: a bounded FIFO of inbound
// BLE payloads that classifies each arrival, auto-acks device-initiated
// commands the session doesn't handle explicitly, offers a fast-path
// auto-responder for FILE_COMPLETE, and lets callers park predicate+
// timeout waiters over either raw bytes or decoded FE frames.
package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"ledbadge-upload/internal/fe"
)

// MaxQueue is the bound on the notification queue; the oldest entry is
// evicted once it is exceeded (spec §3).
const MaxQueue = 200

// codesNotAutoAcked are FE commands the session handles explicitly and
// which the bus must therefore never auto-ack on their behalf.
var codesNotAutoAcked = map[byte]bool{
	0x20: true, // FILE_COMPLETE
	0x1C: true, // SESSION_CLOSE
	0x1D: true, // WINDOW_ACK
}

// ErrTimeout is returned by Wait/WaitFrame when the deadline elapses
// before a matching item arrives.
var ErrTimeout = errors.New("bus: timeout waiting for matching notification")

// WriteSink is the capability the bus uses to emit replies from inside an
// arrival callback (auto-ack, FILE_COMPLETE fast path). Modeling it as a
// function rather than a back-reference to the session avoids the cyclic
// ownership the design notes call out.
type WriteSink func(ctx context.Context, payload []byte) error

// Item is one queued (or in-flight) notification.
type Item struct {
	Raw         []byte
	Frame       fe.Frame
	DecodeErr   error
	AutoHandled bool
}

type waiter struct {
	predicate func(Item) bool
	result    chan Item
}

// PathResponseBuilder builds the body of the FILE_COMPLETE fast-path
// reply given the device's echoed sequence byte.
type PathResponseBuilder func(deviceSeq byte) ([]byte, error)

// Bus is the NotificationBus.
type Bus struct {
	mu      sync.Mutex
	queue   []Item
	waiters []*waiter

	write WriteSink

	pathArmed   atomic.Bool
	pathHandled atomic.Bool
	pathBuilder atomic.Pointer[PathResponseBuilder]
}

// New builds a Bus that writes auto-acks and fast-path replies through
// write.
func New(write WriteSink) *Bus {
	return &Bus{write: write}
}

// ArmPathResponder enables the FILE_COMPLETE (cmd 0x20) fast path: the bus
// will build and write the reply synchronously from Arrival, before the
// frame is handed to any waiter.
func (b *Bus) ArmPathResponder(builder PathResponseBuilder) {
	b.pathHandled.Store(false)
	b.pathBuilder.Store(&builder)
	b.pathArmed.Store(true)
}

// DisarmPathResponder disables the fast path. It is always called on every
// session exit path (guaranteed-release discipline, spec §7).
func (b *Bus) DisarmPathResponder() {
	b.pathArmed.Store(false)
}

// Arrival is the transport's notification callback. It classifies the
// payload, auto-acks or fast-path-replies as needed, and either hands the
// item straight to a waiting predicate or enqueues it.
func (b *Bus) Arrival(ctx context.Context, payload []byte) {
	raw := make([]byte, len(payload))
	copy(raw, payload)

	item := Item{Raw: raw}
	frame, err := fe.Decode(raw)
	if err != nil {
		item.DecodeErr = err
	} else {
		item.Frame = frame
	}

	if err == nil && frame.IsDeviceCommand() {
		if !codesNotAutoAcked[frame.Cmd] {
			b.autoAck(ctx, frame)
			return
		}
		if frame.Cmd == 0x20 && b.pathArmed.Load() && !b.pathHandled.Load() {
			b.fastPathReply(ctx, frame)
			item.AutoHandled = true
		}
	}

	b.deliverOrEnqueue(item)
}

func (b *Bus) autoAck(ctx context.Context, frame fe.Frame) {
	var deviceSeq byte
	if len(frame.Body) > 0 {
		deviceSeq = frame.Body[0]
	}
	reply, err := fe.Encode(fe.FlagResponse, frame.Cmd, []byte{0x00, deviceSeq})
	if err != nil {
		return
	}
	_ = b.write(ctx, reply)
}

func (b *Bus) fastPathReply(ctx context.Context, frame fe.Frame) {
	builderPtr := b.pathBuilder.Load()
	if builderPtr == nil {
		return
	}
	var deviceSeq byte
	if len(frame.Body) > 0 {
		deviceSeq = frame.Body[0]
	}
	body, err := (*builderPtr)(deviceSeq)
	if err != nil {
		return
	}
	reply, err := fe.Encode(fe.FlagResponse, 0x20, body)
	if err != nil {
		return
	}
	b.pathHandled.Store(true)
	_ = b.write(ctx, reply)
}

// deliverOrEnqueue hands item to the newest waiter whose predicate
// matches, or enqueues it (evicting the oldest entry past MaxQueue).
func (b *Bus) deliverOrEnqueue(item Item) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := len(b.waiters) - 1; i >= 0; i-- {
		w := b.waiters[i]
		if w.predicate(item) {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			w.result <- item
			return
		}
	}

	b.queue = append(b.queue, item)
	if len(b.queue) > MaxQueue {
		b.queue = b.queue[len(b.queue)-MaxQueue:]
	}
}

// wait is the shared implementation behind Wait and WaitFrame.
func (b *Bus) wait(ctx context.Context, timeout time.Duration, predicate func(Item) bool) (Item, error) {
	b.mu.Lock()
	for i, it := range b.queue {
		if predicate(it) {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			b.mu.Unlock()
			return it, nil
		}
	}
	w := &waiter{predicate: predicate, result: make(chan Item, 1)}
	b.waiters = append(b.waiters, w)
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case it := <-w.result:
		return it, nil
	case <-timer.C:
		b.removeWaiter(w)
		return Item{}, ErrTimeout
	case <-ctx.Done():
		b.removeWaiter(w)
		return Item{}, ctx.Err()
	}
}

func (b *Bus) removeWaiter(target *waiter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, w := range b.waiters {
		if w == target {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			return
		}
	}
}

// Wait parks a raw-byte waiter: predicate runs over every queued item's
// raw bytes, used for handshake traffic that isn't FE-framed.
func (b *Bus) Wait(ctx context.Context, timeout time.Duration, predicate func(raw []byte) bool) ([]byte, error) {
	item, err := b.wait(ctx, timeout, func(it Item) bool { return predicate(it.Raw) })
	if err != nil {
		return nil, err
	}
	return item.Raw, nil
}

// WaitFrame parks a decoded-frame waiter: predicate only ever sees items
// that decoded cleanly as FE frames.
func (b *Bus) WaitFrame(ctx context.Context, timeout time.Duration, predicate func(fe.Frame) bool) (Item, error) {
	return b.wait(ctx, timeout, func(it Item) bool {
		return it.DecodeErr == nil && predicate(it.Frame)
	})
}

// QueueLen reports the number of items currently queued, for diagnostics
// and tests.
func (b *Bus) QueueLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}
