package upload

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"ledbadge-upload/internal/auth"
	"ledbadge-upload/internal/bus"
	"ledbadge-upload/internal/config"
	"ledbadge-upload/internal/crc16"
	"ledbadge-upload/internal/fe"
	"ledbadge-upload/internal/qix"
	"ledbadge-upload/internal/transport"
)

// MaxPayloadSize rejects uploads above this size before Phase 1 (spec §7,
// KindSizeLimit).
const MaxPayloadSize = 2_000_000

// DefaultChunkSize is used until Metadata's ACK suggests a different size
// (spec §4.8: adopted only if 0 < chunkSize <= 4096).
const DefaultChunkSize = 490

// MediaKind identifies the type of media being uploaded, which determines
// the extension used in the FILE_COMPLETE path response (spec §8 scenario
// 4).
type MediaKind int

const (
	MediaStill MediaKind = iota
	MediaAnimation
)

func (k MediaKind) extension() string {
	if k == MediaAnimation {
		return ".avi"
	}
	return ".jpg"
}

// Phase names the current step of the upload, used for progress reporting
// and for naming the phase in error values (spec §7).
type Phase string

const (
	PhaseIdle              Phase = "Idle"
	PhaseAuthenticating    Phase = "Authenticating"
	PhaseResetFlag         Phase = "ResetFlag"
	PhaseControlBootstrap  Phase = "ControlBootstrap"
	PhaseInfoQuery         Phase = "InfoQuery"
	PhaseConfigQuery       Phase = "ConfigQuery"
	PhaseReadySignal       Phase = "ReadySignal"
	PhaseSessionOpen       Phase = "SessionOpen"
	PhaseTransferParams    Phase = "TransferParams"
	PhaseMetadata          Phase = "Metadata"
	PhaseDataTransfer      Phase = "DataTransfer"
	PhaseCompletionHandshake Phase = "CompletionHandshake"
	PhaseComplete          Phase = "Complete"
	PhaseFailed            Phase = "Failed"
	PhaseCancelled         Phase = "Cancelled"
)

// Default timeouts, spec §5; overridable per Machine via ApplyConfig.
const (
	defaultRCSPAckTimeout       = 8 * time.Second
	defaultInitialWindowTimeout = 10 * time.Second
	defaultWindowTimeout        = 15 * time.Second
	defaultBestEffort9ETimeout  = 3 * time.Second
)

// Progress is delivered to the caller's optional progress callback at
// every phase transition and every emitted data frame (spec §6, §12).
type Progress struct {
	Phase      Phase
	BytesSent  int
	PayloadLen int
}

// ProgressFunc is the optional progress callback an upload() caller may
// supply.
type ProgressFunc func(Progress)

// Session is the UploadSession data record (spec §3): owned exclusively by
// the SessionStateMachine for the lifetime of one upload.
type Session struct {
	seqCounter  uint32 // atomic, wraps at 256; shared across FE commands and data frames
	payloadLen  uint32
	fileCRC     uint16
	chunkSize   uint16
	bytesSent   int
	payload     []byte
	kind        MediaKind
}

func (s *Session) nextSeq() byte {
	v := atomic.AddUint32(&s.seqCounter, 1) - 1
	return byte(v % 256)
}

func (s *Session) setSeq(v byte) {
	atomic.StoreUint32(&s.seqCounter, uint32(v))
}

// Machine is the SessionStateMachine: drives the auth handshake, the
// bootstrap phases, metadata negotiation, the windowed data pump, and the
// completion handshake for exactly one upload (spec §4.8).
type Machine struct {
	transport *transport.Transport
	bus       *bus.Bus
	auth      *auth.Engine
	rng       RandomSource

	mu         sync.Mutex
	phase      Phase
	cancel     atomic.Bool
	devicePath string

	// Tunables, overridable via ApplyConfig; default to the spec §4.8/§5
	// constants above.
	defaultChunkSize     uint16
	rcspAckTimeout       time.Duration
	initialWindowTimeout time.Duration
	windowTimeout        time.Duration
	bestEffort9ETimeout  time.Duration
}

// RandomSource supplies the two "rand" bytes in the metadata body and is
// overridable by tests; production callers get crypto/rand via
// NewDefaultRandomSource.
type RandomSource interface {
	Bytes(n int) []byte
}

// New builds a Machine over the given transport, notification bus, and
// auth engine, with the spec's default chunk size and timeouts. Call
// ApplyConfig to override them from a loaded UploadConfig.
func New(t *transport.Transport, b *bus.Bus, a *auth.Engine, rng RandomSource) *Machine {
	return &Machine{
		transport: t, bus: b, auth: a, rng: rng, phase: PhaseIdle,

		defaultChunkSize:     DefaultChunkSize,
		rcspAckTimeout:       defaultRCSPAckTimeout,
		initialWindowTimeout: defaultInitialWindowTimeout,
		windowTimeout:        defaultWindowTimeout,
		bestEffort9ETimeout:  defaultBestEffort9ETimeout,
	}
}

// ApplyConfig overrides the machine's chunk size and timeouts from a
// loaded UploadConfig (internal/config); zero-value fields in cfg are
// left at their New-time defaults. Must be called before Upload.
func (m *Machine) ApplyConfig(cfg *config.UploadConfig) {
	if cfg == nil {
		return
	}
	if cfg.DefaultChunkSize > 0 && cfg.DefaultChunkSize <= 4096 {
		m.defaultChunkSize = uint16(cfg.DefaultChunkSize)
	}
	if cfg.RCSPAckTimeout > 0 {
		m.rcspAckTimeout = cfg.RCSPAckTimeout
	}
	if cfg.WindowTimeout > 0 {
		m.windowTimeout = cfg.WindowTimeout
	}
	if cfg.BestEffortTimeout > 0 {
		m.bestEffort9ETimeout = cfg.BestEffortTimeout
	}
}

// Cancel requests cooperative cancellation; the machine observes it
// between frame emissions and at every suspension point (spec §5).
func (m *Machine) Cancel() {
	m.cancel.Store(true)
}

func (m *Machine) cancelled() bool {
	return m.cancel.Load()
}

func (m *Machine) setPhase(phase Phase, progress ProgressFunc, bytesSent, payloadLen int) {
	m.mu.Lock()
	m.phase = phase
	m.mu.Unlock()
	if progress != nil {
		progress(Progress{Phase: phase, BytesSent: bytesSent, PayloadLen: payloadLen})
	}
}

// Phase returns the machine's current phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// DevicePath returns the synthesized on-device filename from the most
// recent successful upload's FILE_COMPLETE exchange, or "" if none has
// completed yet.
func (m *Machine) DevicePath() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.devicePath
}

func (m *Machine) setDevicePath(name string) {
	m.mu.Lock()
	m.devicePath = name
	m.mu.Unlock()
}

// Upload drives the whole state machine for a single payload: Idle ->
// Authenticating -> ResetFlag -> ControlBootstrap -> InfoQuery ->
// ConfigQuery -> ReadySignal -> SessionOpen -> TransferParams -> Metadata
// -> DataTransfer -> CompletionHandshake -> Complete (spec §4.8).
func (m *Machine) Upload(ctx context.Context, payload []byte, kind MediaKind, name string, progress ProgressFunc) error {
	if len(payload) == 0 {
		return newErr(KindSizeLimit, string(PhaseMetadata), 0x1B, fmt.Errorf("zero-length payload rejected"))
	}
	if len(payload) > MaxPayloadSize {
		return newErr(KindSizeLimit, string(PhaseIdle), 0x00, fmt.Errorf("payload of %d bytes exceeds %d byte limit", len(payload), MaxPayloadSize))
	}

	sess := &Session{
		payload:    payload,
		payloadLen: uint32(len(payload)),
		fileCRC:    crc16.Sum(payload),
		chunkSize:  m.defaultChunkSize,
		kind:       kind,
	}

	m.bus.DisarmPathResponder()
	defer m.bus.DisarmPathResponder()

	m.setPhase(PhaseAuthenticating, progress, 0, len(payload))
	if err := m.auth.Authenticate(ctx); err != nil {
		return newErr(KindAuthFailed, string(PhaseAuthenticating), 0x00, err)
	}

	if m.cancelled() {
		return m.cancelledErr(PhaseAuthenticating)
	}

	if err := m.resetFlag(ctx, sess, progress); err != nil {
		return err // best-effort: resetFlag never returns a fatal error
	}
	if m.cancelled() {
		return m.cancelledErr(PhaseResetFlag)
	}

	m.controlBootstrapEarly(ctx, progress)

	if err := m.infoQuery(ctx, sess, progress); err != nil {
		return err
	}
	if err := m.configQuery(ctx, sess, progress); err != nil {
		return err
	}

	m.controlBootstrapLate(ctx, progress)

	if m.cancelled() {
		return m.cancelledErr(PhaseReadySignal)
	}

	if err := m.sessionOpen(ctx, sess, progress); err != nil {
		return err
	}
	if m.cancelled() {
		return m.cancelledErr(PhaseSessionOpen)
	}

	if err := m.transferParams(ctx, sess, progress); err != nil {
		return err
	}
	if m.cancelled() {
		return m.cancelledErr(PhaseTransferParams)
	}

	if err := m.metadata(ctx, sess, name, progress); err != nil {
		return err
	}
	if m.cancelled() {
		return m.cancelledErr(PhaseMetadata)
	}

	m.armPathResponder(sess)

	pump := newPump(m.transport, m.bus, sess, m)
	completionFrame, err := pump.run(ctx, progress)
	if err != nil {
		return err
	}
	if m.cancelled() {
		return m.cancelledErr(PhaseDataTransfer)
	}

	if err := m.completionHandshake(ctx, sess, completionFrame, progress); err != nil {
		return err
	}

	m.setPhase(PhaseComplete, progress, sess.bytesSent, len(payload))
	return nil
}

func (m *Machine) cancelledErr(phase Phase) error {
	m.setPhase(PhaseCancelled, nil, 0, 0)
	m.bus.DisarmPathResponder()
	return newErr(KindCancelled, string(phase), 0x00, fmt.Errorf("cancellation requested"))
}

// resetFlag drives cmd 0x06 with its fixed literal body, then sets the
// session sequence counter to 0x01 regardless of whether the device
// replied (best-effort phase, spec §4.8).
func (m *Machine) resetFlag(ctx context.Context, sess *Session, progress ProgressFunc) error {
	m.setPhase(PhaseResetFlag, progress, 0, len(sess.payload))
	wire, err := fe.Encode(fe.FlagCommand, 0x06, []byte{0x02, 0x00, 0x01})
	if err == nil {
		reqCtx, cancel := context.WithTimeout(ctx, m.rcspAckTimeout)
		if werr := m.transport.Write(reqCtx, transport.DataW, wire); werr == nil {
			_, _ = m.bus.WaitFrame(reqCtx, m.rcspAckTimeout, func(f fe.Frame) bool {
				return f.Cmd == 0x06
			})
		}
		cancel()
	}
	sess.setSeq(0x01)
	return nil
}

// controlBootstrapEarly issues the best-effort 9E bootstrap writes that
// don't expect a tracked reply (time set, settings, heartbeat, and the
// four auxiliary writes, spec §6).
func (m *Machine) controlBootstrapEarly(ctx context.Context, progress ProgressFunc) {
	m.setPhase(PhaseControlBootstrap, progress, 0, 0)
	now := time.Now()
	yr := now.Year()
	timeSet := []byte{
		byte(yr & 0xFF), byte((yr >> 8) & 0xFF),
		byte(now.Month()), byte(now.Day()), 0x00,
		byte(now.Hour()), byte(now.Minute()),
	}
	m.bestEffort9E(ctx, 0x02, timeSet)
	m.bestEffort9E(ctx, 0x16, []byte{0x01})
	m.bestEffort9E(ctx, 0x29, []byte{0x80})
	m.bestEffort9E(ctx, 0x60, []byte{0x03})
	m.bestEffort9E(ctx, 0x20, []byte{0xFF, 0x07})
	m.bestEffort9E(ctx, 0xFF, []byte{0x22, 0x00})
	m.bestEffort9E(ctx, 0xFF, []byte{0x24, 0x00})
}

// controlBootstrapLate issues the info-request and prepare 9E writes,
// which expect (best-effort) notifications on the info and ready
// endpoints respectively, under the ReadySignal phase.
func (m *Machine) controlBootstrapLate(ctx context.Context, progress ProgressFunc) {
	m.setPhase(PhaseReadySignal, progress, 0, 0)
	m.bestEffort9EWaitReply(ctx, 0xC6, []byte{0x01}, 0xC7)
	m.bestEffort9EWaitReply(ctx, 0xDC, []byte{0x0C}, 0xE6)
}

func (m *Machine) bestEffort9E(ctx context.Context, cmd byte, payload []byte) {
	wire, err := qix.Encode(cmd, payload, qix.Flags{IsRequest: true})
	if err != nil {
		return
	}
	reqCtx, cancel := context.WithTimeout(ctx, m.bestEffort9ETimeout)
	defer cancel()
	_ = m.transport.Write(reqCtx, transport.CtrlW, wire)
}

func (m *Machine) bestEffort9EWaitReply(ctx context.Context, cmd byte, payload []byte, replyCmd byte) {
	wire, err := qix.Encode(cmd, payload, qix.Flags{IsRequest: true, NeedResponse: true})
	if err != nil {
		return
	}
	reqCtx, cancel := context.WithTimeout(ctx, m.bestEffort9ETimeout)
	defer cancel()
	if err := m.transport.Write(reqCtx, transport.CtrlW, wire); err != nil {
		return
	}
	_, _ = m.bus.Wait(reqCtx, m.bestEffort9ETimeout, func(raw []byte) bool {
		f, err := qix.Decode(raw)
		return err == nil && f.Cmd == replyCmd
	})
}

// infoQuery drives cmd 0x03, best-effort (spec §4.8 phase table).
func (m *Machine) infoQuery(ctx context.Context, sess *Session, progress ProgressFunc) error {
	m.setPhase(PhaseInfoQuery, progress, 0, len(sess.payload))
	seq := sess.nextSeq()
	m.bestEffortFE(ctx, 0x03, append([]byte{seq}, 0xFF, 0xFF, 0xFF, 0xFF, 0x01))
	return nil
}

// configQuery drives cmd 0x07, best-effort.
func (m *Machine) configQuery(ctx context.Context, sess *Session, progress ProgressFunc) error {
	m.setPhase(PhaseConfigQuery, progress, 0, len(sess.payload))
	seq := sess.nextSeq()
	m.bestEffortFE(ctx, 0x07, append([]byte{seq}, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF))
	return nil
}

func (m *Machine) bestEffortFE(ctx context.Context, cmd byte, body []byte) {
	wire, err := fe.Encode(fe.FlagCommand, cmd, body)
	if err != nil {
		return
	}
	reqCtx, cancel := context.WithTimeout(ctx, m.rcspAckTimeout)
	defer cancel()
	if err := m.transport.Write(reqCtx, transport.DataW, wire); err != nil {
		return
	}
	_, _ = m.bus.WaitFrame(reqCtx, m.rcspAckTimeout, func(f fe.Frame) bool {
		return f.Cmd == cmd
	})
}

// sessionOpen drives cmd 0x21; fatal on failure (spec §4.8 phase table).
func (m *Machine) sessionOpen(ctx context.Context, sess *Session, progress ProgressFunc) error {
	m.setPhase(PhaseSessionOpen, progress, 0, len(sess.payload))
	seq := sess.nextSeq()
	_, err := m.fatalFE(ctx, PhaseSessionOpen, 0x21, []byte{seq, 0x00})
	return err
}

// transferParams drives cmd 0x27; fatal on failure.
func (m *Machine) transferParams(ctx context.Context, sess *Session, progress ProgressFunc) error {
	m.setPhase(PhaseTransferParams, progress, 0, len(sess.payload))
	seq := sess.nextSeq()
	_, err := m.fatalFE(ctx, PhaseTransferParams, 0x27, []byte{seq, 0x00, 0x00, 0x00, 0x00, 0x02, 0x01})
	return err
}

// metadata drives cmd 0x1B, adopting the suggested chunk size from the
// ACK when it falls in (0, 4096], else falling back to DefaultChunkSize
// (spec §4.8).
func (m *Machine) metadata(ctx context.Context, sess *Session, name string, progress ProgressFunc) error {
	m.setPhase(PhaseMetadata, progress, 0, len(sess.payload))
	seq := sess.nextSeq()

	if len(name) > 11 {
		name = name[:11]
	}
	body := make([]byte, 0, 1+4+2+2+len(name)+1)
	body = append(body, seq)
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], sess.payloadLen)
	body = append(body, size[:]...)
	var crcBytes [2]byte
	binary.BigEndian.PutUint16(crcBytes[:], sess.fileCRC)
	body = append(body, crcBytes[:]...)
	body = append(body, m.rng.Bytes(2)...)
	body = append(body, []byte(name)...)
	body = append(body, 0x00)

	resp, err := m.fatalFE(ctx, PhaseMetadata, 0x1B, body)
	if err != nil {
		return err
	}
	if len(resp) >= 4 {
		chunkSize := binary.BigEndian.Uint16(resp[2:4])
		if chunkSize > 0 && chunkSize <= 4096 {
			sess.chunkSize = chunkSize
		} else {
			sess.chunkSize = m.defaultChunkSize
		}
	} else {
		sess.chunkSize = m.defaultChunkSize
	}
	return nil
}

// fatalFE sends an FE command frame and waits for its ACK; any failure
// (including timeout) is fatal to the upload.
func (m *Machine) fatalFE(ctx context.Context, phase Phase, cmd byte, body []byte) ([]byte, error) {
	wire, err := fe.Encode(fe.FlagCommand, cmd, body)
	if err != nil {
		return nil, newErr(KindProtocolViolation, string(phase), cmd, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, m.rcspAckTimeout)
	defer cancel()

	if err := m.transport.Write(reqCtx, transport.DataW, wire); err != nil {
		return nil, newErr(KindUnavailable, string(phase), cmd, err)
	}

	item, err := m.bus.WaitFrame(reqCtx, m.rcspAckTimeout, func(f fe.Frame) bool {
		return f.Flag == fe.FlagResponse && f.Cmd == cmd
	})
	if err != nil {
		return nil, newErr(KindTimeout, string(phase), cmd, err)
	}
	return item.Frame.Body, nil
}

// completionHandshake waits for FILE_COMPLETE (cmd 0x20, replied via the
// bus fast path or here if the fast path missed it) and then SESSION_CLOSE
// (cmd 0x1C), replying to the latter with the device's echoed sequence
// byte and transitioning to Complete/Failed based on its status (spec
// §4.8).
func (m *Machine) completionHandshake(ctx context.Context, sess *Session, first bus.Item, progress ProgressFunc) error {
	m.setPhase(PhaseCompletionHandshake, progress, sess.bytesSent, len(sess.payload))

	fcItem := first
	if fcItem.Frame.Cmd == 0x20 {
		if !fcItem.AutoHandled {
			if err := m.replyFileComplete(ctx, sess, fcItem.Frame); err != nil {
				return err
			}
		}
		var err error
		first, err = m.bus.WaitFrame(ctx, m.windowTimeout, func(f fe.Frame) bool {
			return f.Flag == fe.FlagCommand && f.Cmd == 0x1C
		})
		if err != nil {
			return newErr(KindTimeout, string(PhaseCompletionHandshake), 0x1C, err)
		}
	}
	scItem := first

	var deviceSeq, status byte
	if len(scItem.Frame.Body) > 0 {
		deviceSeq = scItem.Frame.Body[0]
	}
	if len(scItem.Frame.Body) > 1 {
		status = scItem.Frame.Body[1]
	}
	reply, err := fe.Encode(fe.FlagResponse, 0x1C, []byte{0x00, deviceSeq})
	if err == nil {
		replyCtx, cancel := context.WithTimeout(ctx, m.rcspAckTimeout)
		_ = m.transport.Write(replyCtx, transport.DataW, reply)
		cancel()
	}

	if status != 0x00 {
		m.setPhase(PhaseFailed, progress, sess.bytesSent, len(sess.payload))
		return newErr(KindDeviceStatus, string(PhaseCompletionHandshake), 0x1C, nil).withStatus(status)
	}
	return nil
}

func (e *Error) withStatus(status byte) *Error {
	e.Status = status
	return e
}

func (m *Machine) replyFileComplete(ctx context.Context, sess *Session, frame fe.Frame) error {
	var deviceSeq byte
	if len(frame.Body) > 0 {
		deviceSeq = frame.Body[0]
	}
	now := time.Now()
	body, err := pathResponseBody(deviceSeq, sess.kind, now)
	if err != nil {
		return newErr(KindProtocolViolation, string(PhaseCompletionHandshake), 0x20, err)
	}
	m.setDevicePath(devicePathName(sess.kind, now))
	reply, err := fe.Encode(fe.FlagResponse, 0x20, body)
	if err != nil {
		return newErr(KindProtocolViolation, string(PhaseCompletionHandshake), 0x20, err)
	}
	replyCtx, cancel := context.WithTimeout(ctx, m.rcspAckTimeout)
	defer cancel()
	if err := m.transport.Write(replyCtx, transport.DataW, reply); err != nil {
		return newErr(KindUnavailable, string(PhaseCompletionHandshake), 0x20, err)
	}
	return nil
}

// armPathResponder arms the bus's FILE_COMPLETE fast path; Upload calls it
// once Metadata succeeds, before the data pump starts (spec §4.6, §4.8).
func (m *Machine) armPathResponder(sess *Session) {
	m.bus.ArmPathResponder(func(deviceSeq byte) ([]byte, error) {
		now := time.Now()
		m.setDevicePath(devicePathName(sess.kind, now))
		return pathResponseBody(deviceSeq, sess.kind, now)
	})
}

// cryptoRandSource draws the metadata body's two filler bytes from
// crypto/rand, matching the teacher's preference for crypto/rand over
// math/rand anywhere bytes cross the wire (see internal/crypto).
type cryptoRandSource struct{}

// NewDefaultRandomSource returns the RandomSource production callers should
// pass to New; it never fails (a read failure falls back to zero bytes,
// which is harmless here since this field is unvalidated filler).
func NewDefaultRandomSource() RandomSource { return cryptoRandSource{} }

func (cryptoRandSource) Bytes(n int) []byte {
	buf := make([]byte, n)
	_, _ = cryptorand.Read(buf)
	return buf
}
