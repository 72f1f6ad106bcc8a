package upload

import (
	"context"
	"encoding/binary"
	"log"

	"ledbadge-upload/internal/bus"
	"ledbadge-upload/internal/crc16"
	"ledbadge-upload/internal/fe"
	"ledbadge-upload/internal/transport"
)

// windowAck is the device's flow-control signal: the next slice of the
// payload it is ready to receive (spec §3, §4.8).
type windowAck struct {
	seq        byte
	status     byte
	winSize    uint16
	nextOffset uint32
}

// parseWindowAck decodes the 8-byte WINDOW_ACK body carried in a
// (flag=0x80, cmd=0x1D) frame.
func parseWindowAck(body []byte) (windowAck, bool) {
	if len(body) != 8 {
		return windowAck{}, false
	}
	return windowAck{
		seq:        body[0],
		status:     body[1],
		winSize:    binary.BigEndian.Uint16(body[2:4]),
		nextOffset: binary.BigEndian.Uint32(body[4:8]),
	}, true
}

// isCommit reports whether ack signals the commit window: the final
// (prefix) chunk, sent as confirmation that the payload is fully present
// (spec §4.8).
func (a windowAck) isCommit(chunkSize uint16) bool {
	return a.nextOffset == 0 && a.winSize <= chunkSize
}

// pump is the WindowedDataPump: it consumes window-ACKs, slices the
// payload, and emits data frames until the device signals completion.
type pump struct {
	transport *transport.Transport
	bus       *bus.Bus
	sess      *Session
	machine   *Machine
}

func newPump(t *transport.Transport, b *bus.Bus, sess *Session, m *Machine) *pump {
	return &pump{transport: t, bus: b, sess: sess, machine: m}
}

// run drives the data loop to completion. It returns the frame that ended
// the loop (FILE_COMPLETE or SESSION_CLOSE) so the caller's completion
// handshake can act on it without waiting for it a second time (the bus
// only delivers each arrival once).
func (p *pump) run(ctx context.Context, progress ProgressFunc) (bus.Item, error) {
	p.machine.setPhase(PhaseDataTransfer, progress, p.sess.bytesSent, len(p.sess.payload))

	ackItem, err := p.bus.WaitFrame(ctx, p.machine.initialWindowTimeout, func(f fe.Frame) bool {
		return f.Flag == fe.FlagNotification && f.Cmd == 0x1D
	})
	if err != nil {
		return bus.Item{}, newErr(KindTimeout, string(PhaseDataTransfer), 0x1D, err)
	}

	for {
		if p.machine.cancelled() {
			return bus.Item{}, nil
		}

		ack, ok := parseWindowAck(ackItem.Frame.Body)
		if !ok {
			return bus.Item{}, newErr(KindProtocolViolation, string(PhaseDataTransfer), 0x1D, nil)
		}
		if ack.status != 0x00 {
			log.Printf("upload: window ack %d reported non-zero status 0x%02X, continuing", ack.seq, ack.status)
		}
		if ack.isCommit(p.sess.chunkSize) {
			log.Printf("upload: commit window reached at offset %d", p.sess.bytesSent)
		}

		if err := p.emitWindow(ctx, ack, progress); err != nil {
			return bus.Item{}, err
		}

		next, err := p.bus.WaitFrame(ctx, p.machine.windowTimeout, func(f fe.Frame) bool {
			if f.Flag == fe.FlagNotification && f.Cmd == 0x1D {
				return true
			}
			return f.Flag == fe.FlagCommand && (f.Cmd == 0x20 || f.Cmd == 0x1C)
		})
		if err != nil {
			return bus.Item{}, newErr(KindTimeout, string(PhaseDataTransfer), 0x1D, err)
		}
		if next.Frame.Cmd == 0x20 || next.Frame.Cmd == 0x1C {
			return next, nil
		}
		ackItem = next
	}
}

// emitWindow slices the payload at the ACK's offset and emits one data
// frame per chunk, updating the session's cumulative byte count and
// sequence counter as it goes (spec §4.8).
func (p *pump) emitWindow(ctx context.Context, ack windowAck, progress ProgressFunc) error {
	payload := p.sess.payload
	start := int(ack.nextOffset)
	if start > len(payload) {
		start = len(payload)
	}
	end := start + int(ack.winSize)
	if end > len(payload) {
		end = len(payload)
	}
	window := payload[start:end]

	chunkSize := int(p.sess.chunkSize)
	if chunkSize <= 0 {
		chunkSize = int(p.machine.defaultChunkSize)
	}

	for slot := 0; len(window) > 0; slot++ {
		n := chunkSize
		if n > len(window) {
			n = len(window)
		}
		chunk := window[:n]
		window = window[n:]

		if p.machine.cancelled() {
			return nil
		}

		seq := p.sess.nextSeq()
		sum := crc16.Sum(chunk)
		body := make([]byte, 0, 5+len(chunk))
		body = append(body, seq, 0x1D, byte(slot), byte(sum>>8), byte(sum))
		body = append(body, chunk...)

		wire, err := fe.Encode(fe.FlagNotification, 0x01, body)
		if err != nil {
			return newErr(KindProtocolViolation, string(PhaseDataTransfer), 0x01, err)
		}

		writeCtx, cancel := context.WithTimeout(ctx, p.machine.windowTimeout)
		werr := p.transport.Write(writeCtx, transport.DataW, wire)
		cancel()
		if werr != nil {
			return newErr(KindUnavailable, string(PhaseDataTransfer), 0x01, werr)
		}

		p.sess.bytesSent += len(chunk)
		p.machine.setPhase(PhaseDataTransfer, progress, p.sess.bytesSent, len(p.sess.payload))
	}
	return nil
}
