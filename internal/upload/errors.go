// Package upload implements the upload session state machine: phase
// sequencing, the windowed data pump, and the completion handshake.
package upload

import "fmt"

// Kind classifies a session failure by the taxonomy in spec §7, not by Go
// type — callers switch on Kind rather than doing type assertions.
type Kind int

const (
	// KindUnavailable means the transport was not present or not connected.
	KindUnavailable Kind = iota
	// KindTimeout means a wait exceeded its deadline on a session-critical
	// phase (best-effort phases swallow timeouts instead of surfacing them).
	KindTimeout
	// KindProtocolViolation means a decoder rejected a frame.
	KindProtocolViolation
	// KindDeviceStatus means an ACK or SESSION_CLOSE carried a non-zero
	// status byte.
	KindDeviceStatus
	// KindAuthFailed means the device did not return the success token at
	// handshake step 6.
	KindAuthFailed
	// KindCancelled means the host requested cancellation.
	KindCancelled
	// KindSizeLimit means the payload exceeds the 2,000,000-byte ceiling.
	KindSizeLimit
)

func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "Unavailable"
	case KindTimeout:
		return "Timeout"
	case KindProtocolViolation:
		return "ProtocolViolation"
	case KindDeviceStatus:
		return "DeviceStatus"
	case KindAuthFailed:
		return "AuthFailed"
	case KindCancelled:
		return "Cancelled"
	case KindSizeLimit:
		return "SizeLimit"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is the error type every session-critical failure surfaces. Phase
// and Opcode are included whenever known, so a user-visible message can
// name exactly where the upload failed (spec §7).
type Error struct {
	Kind   Kind
	Phase  string
	Opcode byte
	Status byte // only meaningful when Kind == KindDeviceStatus
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upload: %s in phase %s (cmd 0x%02X): %v", e.Kind, e.Phase, e.Opcode, e.Err)
	}
	if e.Kind == KindDeviceStatus {
		return fmt.Sprintf("upload: %s in phase %s (cmd 0x%02X): status 0x%02X", e.Kind, e.Phase, e.Opcode, e.Status)
	}
	return fmt.Sprintf("upload: %s in phase %s (cmd 0x%02X)", e.Kind, e.Phase, e.Opcode)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, phase string, opcode byte, err error) *Error {
	return &Error{Kind: kind, Phase: phase, Opcode: opcode, Err: err}
}
