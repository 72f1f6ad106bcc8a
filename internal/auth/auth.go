// Package auth drives the six-message Jieli mutual-authentication
// handshake (spec §4.7) once per connection, before any FE traffic.
package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"ledbadge-upload/internal/bus"
	"ledbadge-upload/internal/crypto"
	"ledbadge-upload/internal/transport"
)

// StepTimeout bounds each of the six handshake steps (spec §4.7, §5).
const StepTimeout = 5 * time.Second

// ErrAuthFailed means the device did not answer step 6 with the success
// token; it is fatal to the session.
var ErrAuthFailed = errors.New("auth: device rejected challenge response")

// Engine runs the handshake and remembers whether it has already
// succeeded, so repeated calls short-circuit (spec §4.7: "subsequent calls
// short-circuit").
type Engine struct {
	transport *transport.Transport
	bus       *bus.Bus

	authenticated atomic.Bool
}

// New builds an Engine over the given transport and bus.
func New(t *transport.Transport, b *bus.Bus) *Engine {
	return &Engine{transport: t, bus: b}
}

// Authenticated reports whether the handshake has already succeeded on
// this connection.
func (e *Engine) Authenticated() bool {
	return e.authenticated.Load()
}

// Authenticate runs the six-message handshake on the data endpoint. It is
// a no-op if the handshake already succeeded.
func (e *Engine) Authenticate(ctx context.Context) error {
	if e.authenticated.Load() {
		return nil
	}

	// Step 1: host -> [0x00, rand_16]
	msg1, err := crypto.RandomAuthMessage()
	if err != nil {
		return fmt.Errorf("auth: build step 1: %w", err)
	}
	if err := e.write(ctx, msg1[:]); err != nil {
		return fmt.Errorf("auth: step 1: %w", err)
	}

	// Step 2: device -> [0x01, enc_16]; the host does not verify the
	// ciphertext, it only needs to see the reply arrive.
	if _, err := e.waitRaw(ctx, func(raw []byte) bool {
		return len(raw) == 17 && raw[0] == 0x01
	}); err != nil {
		return fmt.Errorf("auth: step 2: %w", err)
	}

	// Step 3: host -> [0x02, 'p','a','s','s']
	if err := e.write(ctx, append([]byte{0x02}, "pass"...)); err != nil {
		return fmt.Errorf("auth: step 3: %w", err)
	}

	// Step 4: device -> [0x00, challenge_16]
	step4, err := e.waitRaw(ctx, func(raw []byte) bool {
		return len(raw) == 17 && raw[0] == 0x00
	})
	if err != nil {
		return fmt.Errorf("auth: step 4: %w", err)
	}
	var challenge [16]byte
	copy(challenge[:], step4[1:])

	// Step 5: host -> [0x01, encrypt(challenge, static_key)]
	resp := crypto.ChallengeResponse(challenge)
	if err := e.write(ctx, resp[:]); err != nil {
		return fmt.Errorf("auth: step 5: %w", err)
	}

	// Step 6: device -> [0x02, 'p','a','s','s'] on success, anything else
	// is a fatal auth failure.
	step6, err := e.waitRaw(ctx, func(raw []byte) bool { return len(raw) >= 1 })
	if err != nil {
		return fmt.Errorf("auth: step 6: %w", err)
	}
	if !bytes.Equal(step6, append([]byte{0x02}, "pass"...)) {
		return ErrAuthFailed
	}

	e.authenticated.Store(true)
	return nil
}

func (e *Engine) write(ctx context.Context, payload []byte) error {
	stepCtx, cancel := context.WithTimeout(ctx, StepTimeout)
	defer cancel()
	return e.transport.Write(stepCtx, transport.DataW, payload)
}

func (e *Engine) waitRaw(ctx context.Context, predicate func([]byte) bool) ([]byte, error) {
	stepCtx, cancel := context.WithTimeout(ctx, StepTimeout)
	defer cancel()
	return e.bus.Wait(stepCtx, StepTimeout, predicate)
}
