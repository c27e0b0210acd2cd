package hardware

import (
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"pufkey/internal/logging"
	"pufkey/internal/puf"
	"pufkey/internal/security"
	"pufkey/internal/tick"
)

// Engine limits, modelled on the LPC55S69 PUF.
const (
	ActivationCodeSize = 1192
	KeyCodeOverhead    = 52
	KeyAlign           = 8
	MaxSlot            = 15
	BusSlots           = 2
	MinDischarge       = 400 * time.Millisecond
	MinClockHz         = 1_000_000
	MaxClockHz         = 150_000_000
)

// SupportedKeySizes lists the wrappable key lengths in bytes.
var SupportedKeySizes = []int{16, 24, 32, 64}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineClock sets the clock used for discharge timing.
func WithEngineClock(c tick.Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// WithRandom sets the entropy source for salts, helper data, nonces and
// intrinsic keys.
func WithRandom(r io.Reader) EngineOption {
	return func(e *Engine) { e.rand = r }
}

// WithEngineLogger sets the engine's logger.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithEnrollmentLedger makes the latest enrollment durable, so an
// activation code superseded by a later enrollment is rejected even by a
// freshly created engine.
func WithEnrollmentLedger(l EnrollmentLedger) EngineOption {
	return func(e *Engine) { e.ledger = l }
}

// Engine is a software PUF implementing puf.Engine over a Fingerprint.
type Engine struct {
	mu     sync.Mutex
	fp     Fingerprint
	clock  tick.Clock
	rand   io.Reader
	logger *slog.Logger
	bus    *KeyBus
	ledger EnrollmentLedger

	powered     bool
	started     bool
	poweredDown time.Time

	// activation state, valid while started
	secret  []byte
	binding []byte

	enrolled   bool
	enrollment uuid.UUID
}

var _ puf.Engine = (*Engine)(nil)

// NewEngine returns a powered-down engine over fp.
func NewEngine(fp Fingerprint, opts ...EngineOption) *Engine {
	e := &Engine{
		fp:    fp,
		clock: tick.SystemClock{},
		rand:  rand.Reader,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logging.Default().WithComponent("hardware").Logger
	}
	e.bus = NewKeyBus(BusSlots, e.logger)
	return e
}

// Bus returns the engine's key bus.
func (e *Engine) Bus() *KeyBus { return e.bus }

// DeviceID returns the fingerprint's device identifier.
func (e *Engine) DeviceID() string { return e.fp.DeviceID() }

// Sizes implements puf.Engine.
func (e *Engine) Sizes() puf.Sizes {
	return puf.Sizes{
		ActivationCodeSize: ActivationCodeSize,
		KeyCodeOverhead:    KeyCodeOverhead,
		KeyAlign:           KeyAlign,
		SupportedKeySizes:  append([]int(nil), SupportedKeySizes...),
		MaxSlot:            MaxSlot,
		BusSlots:           BusSlots,
		MinDischarge:       MinDischarge,
		MinClockHz:         MinClockHz,
		MaxClockHz:         MaxClockHz,
	}
}

// Initialize implements puf.Engine. It waits until discharge has elapsed
// since the last Deinitialize.
func (e *Engine) Initialize(discharge time.Duration, clockHz uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.powered {
		return fmt.Errorf("%w: already powered", puf.ErrEngine)
	}
	if discharge < MinDischarge {
		return fmt.Errorf("%w: discharge %s below %s", puf.ErrEngine, discharge, MinDischarge)
	}
	if clockHz < MinClockHz || clockHz > MaxClockHz {
		return fmt.Errorf("%w: clock %d Hz out of range", puf.ErrEngine, clockHz)
	}

	if !e.poweredDown.IsZero() {
		for {
			remaining := discharge - e.clock.Now().Sub(e.poweredDown)
			if remaining <= 0 {
				break
			}
			e.clock.Sleep(remaining)
		}
	}

	e.powered = true
	e.started = false
	return nil
}

// Deinitialize implements puf.Engine. The activation secret and every
// key bus register are cleared.
func (e *Engine) Deinitialize(discharge time.Duration, clockHz uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.dropActivation()
	e.bus.Clear()
	if e.powered {
		e.poweredDown = e.clock.Now()
	}
	e.powered = false
}

func (e *Engine) dropActivation() {
	security.WipeAll(e.secret, e.binding)
	e.secret, e.binding = nil, nil
	e.started = false
}

// Enroll implements puf.Engine.
func (e *Engine) Enroll(out []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.powered || e.started {
		return fmt.Errorf("%w: enroll requires a powered, unstarted engine", puf.ErrEngine)
	}
	if len(out) != ActivationCodeSize {
		return fmt.Errorf("%w: activation buffer is %d bytes", puf.ErrInvalidArgument, len(out))
	}

	id, err := e.newActivation(out)
	if err != nil {
		security.Wipe(out)
		return err
	}
	if e.ledger != nil {
		if err := e.ledger.Record(e.fp.DeviceID(), id); err != nil {
			security.Wipe(out)
			return fmt.Errorf("%w: %v", puf.ErrEnrollment, err)
		}
	}
	e.enrolled = true
	e.enrollment = id
	e.logger.Info("enrolled", slog.String("enrollment", id.String()))
	return nil
}

// Start implements puf.Engine. The activation code must verify against
// the fingerprint and, when this engine enrolled since it was created,
// belong to the latest enrollment.
func (e *Engine) Start(ac []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.powered || e.started {
		return fmt.Errorf("%w: start requires a powered, unstarted engine", puf.ErrEngine)
	}

	id, secret, err := e.openActivation(ac)
	if err != nil {
		return err
	}
	latest, known := e.enrollment, e.enrolled
	if !known && e.ledger != nil {
		latest, err = e.ledger.Latest(e.fp.DeviceID())
		if err != nil {
			security.Wipe(secret)
			return fmt.Errorf("%w: %v", puf.ErrEngine, err)
		}
		known = latest != uuid.Nil
	}
	if known && id != latest {
		security.Wipe(secret)
		return fmt.Errorf("%w: enrollment %s superseded by %s", puf.ErrActivationMismatch, id, latest)
	}

	e.secret = secret
	e.binding = activationBinding(secret)
	e.started = true
	return nil
}

// Wrap implements puf.Engine.
func (e *Engine) Wrap(slot puf.SlotIndex, src puf.KeySource, out []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return fmt.Errorf("%w: %w", puf.ErrEngine, puf.ErrNotStarted)
	}
	return e.sealKeyCode(slot, src, out)
}

// UnwrapToBuffer implements puf.Engine.
func (e *Engine) UnwrapToBuffer(kc []byte, out []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return fmt.Errorf("%w: %w", puf.ErrEngine, puf.ErrNotStarted)
	}
	plain, hdr, err := e.openKeyCode(kc)
	if err != nil {
		return err
	}
	defer security.Wipe(plain)

	if len(out) != hdr.keyLen {
		return fmt.Errorf("%w: output is %d bytes, key is %d", puf.ErrUnwrap, len(out), hdr.keyLen)
	}
	copy(out, plain[:hdr.keyLen])
	return nil
}

// UnwrapToBus implements puf.Engine.
func (e *Engine) UnwrapToBus(kc []byte, slot puf.BusSlot, nonce uint32) (puf.HardwareKeyHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return puf.HardwareKeyHandle{}, fmt.Errorf("%w: %w", puf.ErrEngine, puf.ErrNotStarted)
	}
	if int(slot) >= BusSlots {
		return puf.HardwareKeyHandle{}, fmt.Errorf("%w: bus slot %d", puf.ErrInvalidArgument, slot)
	}
	plain, hdr, err := e.openKeyCode(kc)
	if err != nil {
		return puf.HardwareKeyHandle{}, err
	}
	defer security.Wipe(plain)

	return e.bus.Load(slot, plain[:hdr.keyLen], nonce)
}
