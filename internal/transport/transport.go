// Package transport abstracts the four logical BLE endpoints the RCSP
// stack rides on. GATT discovery, pairing, and OS-level reconnection are
// explicitly out of scope (spec §1): this package only needs something
// that can write bytes to a named endpoint and deliver inbound
// notifications, so real BLE bindings plug in behind the Endpoint
// interface the same way usb_device.go plugged a gousb endpoint behind a
// SendPacket/ReadPacket pair.
package transport

import (
	"context"
	"fmt"
	"sync"
)

// Name identifies one of the four logical endpoints.
type Name int

const (
	// DataW is host->device: auth bytes, FE commands, FE data frames.
	DataW Name = iota
	// DataN is device->host: FE responses and notifications.
	DataN
	// CtrlW is host->device: 9E control writes.
	CtrlW
	// CtrlN is device->host: 9E notifications (info, ready, other).
	CtrlN
)

func (n Name) String() string {
	switch n {
	case DataW:
		return "Data-W"
	case DataN:
		return "Data-N"
	case CtrlW:
		return "Ctrl-W"
	case CtrlN:
		return "Ctrl-N"
	default:
		return fmt.Sprintf("Name(%d)", int(n))
	}
}

// Endpoint is a single bidirectional byte channel. A concrete BLE binding
// implements this once per GATT characteristic; Write must prefer
// write-without-response when the characteristic advertises it and is
// responsible for its own flow control with the radio.
type Endpoint interface {
	// Write sends one opaque payload on the endpoint. It must not return
	// until the write has been accepted by the link layer (not
	// necessarily acknowledged by the peer).
	Write(ctx context.Context, payload []byte) error
}

// Notifier delivers inbound notification bytes from an endpoint. Transport
// calls Subscribe once per notify-capable endpoint at construction time.
type Notifier interface {
	Subscribe(onNotify func(payload []byte)) (unsubscribe func(), err error)
}

// Transport owns the four logical endpoints, serializes writes per
// endpoint, and fans inbound notifications out to a single callback per
// endpoint (typically the NotificationBus).
type Transport struct {
	writeMu   [4]sync.Mutex
	endpoints [4]Endpoint
	notifiers [4]Notifier
	unsubs    []func()
}

// Endpoints bundles the four concrete channels a caller wires up; DataW
// and CtrlW must implement Endpoint, DataN and CtrlN must implement
// Notifier (a single channel type may implement both).
type Endpoints struct {
	DataW Endpoint
	DataN Notifier
	CtrlW Endpoint
	CtrlN Notifier
}

// New builds a Transport over the given endpoints. It does not perform any
// GATT discovery; the caller is responsible for having already resolved
// each endpoint to a live, writable/notifiable handle.
func New(ep Endpoints) *Transport {
	t := &Transport{}
	t.endpoints[DataW] = ep.DataW
	t.endpoints[CtrlW] = ep.CtrlW
	t.notifiers[DataN] = ep.DataN
	t.notifiers[CtrlN] = ep.CtrlN
	return t
}

// Write serializes writes on the named endpoint: the next write on that
// endpoint starts only once the previous one has resolved. Writes on
// different endpoints are not ordered relative to one another.
func (t *Transport) Write(ctx context.Context, name Name, payload []byte) error {
	ep := t.endpoints[name]
	if ep == nil {
		return fmt.Errorf("transport: endpoint %s is not a write endpoint", name)
	}
	t.writeMu[name].Lock()
	defer t.writeMu[name].Unlock()
	if err := ep.Write(ctx, payload); err != nil {
		return fmt.Errorf("transport: write %s: %w", name, err)
	}
	return nil
}

// SubscribeAll wires onNotify to every notify-capable endpoint, tagging
// each delivery with the endpoint it arrived on. Call Close to tear the
// subscriptions down on disconnect.
func (t *Transport) SubscribeAll(onNotify func(name Name, payload []byte)) error {
	for _, name := range []Name{DataN, CtrlN} {
		n := name
		notifier := t.notifiers[n]
		if notifier == nil {
			continue
		}
		unsub, err := notifier.Subscribe(func(payload []byte) {
			onNotify(n, payload)
		})
		if err != nil {
			t.Close()
			return fmt.Errorf("transport: subscribe %s: %w", n, err)
		}
		t.unsubs = append(t.unsubs, unsub)
	}
	return nil
}

// Close tears down every notification subscription registered via
// SubscribeAll. It is safe to call more than once and on all exit paths,
// matching the resource-lifetime discipline in spec §5.
func (t *Transport) Close() {
	for _, unsub := range t.unsubs {
		if unsub != nil {
			unsub()
		}
	}
	t.unsubs = nil
}
