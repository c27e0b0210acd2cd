// Package puf implements the PUF key lifecycle: enrollment, activation
// from a stored activation code, wrapping of user or intrinsic keys into
// key codes, and reconstruction of keys to a buffer or the key bus.
//
// A Manager is a state machine over one Engine:
//
//	Uninitialized/Deinitialized --Initialize--> Initialized
//	Initialized --Enroll--> Enrolled
//	Initialized --Start--> Started
//	Started --Wrap*/Unwrap*--> Started
//	any --Deinitialize--> Deinitialized
//
// Only activation codes and key codes leave the Manager. Derived keys
// live in a DerivedKey and are never logged.
package puf

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pufkey/internal/logging"
	"pufkey/internal/tick"
)

const component = "puf"

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used for status reporting.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithRecorder adds a recorder notified of every operation outcome and
// state change. It may be given more than once.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.recorders = append(m.recorders, r)
		}
	}
}

// WithClock sets the clock used to time operations.
func WithClock(c tick.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// Manager drives an Engine through its lifecycle.
//
// Individual operations are serialized by an internal lock. Callers that
// need exclusive ownership of a whole Initialize..Deinitialize cycle use
// Cycle.
type Manager struct {
	cycleMu sync.Mutex

	mu        sync.Mutex
	engine    Engine
	sizes     Sizes
	logger    *slog.Logger
	recorders []Recorder
	clock     tick.Clock

	state   State
	hold    time.Duration
	clockHz uint32
}

// NewManager returns a Manager in the Uninitialized state.
func NewManager(engine Engine, opts ...Option) *Manager {
	m := &Manager{
		engine: engine,
		sizes:  engine.Sizes(),
		clock:  tick.SystemClock{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logging.Default().WithComponent(component).Logger
	}
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Sizes returns the engine-reported size constants.
func (m *Manager) Sizes() Sizes {
	return m.sizes
}

// Initialize powers the engine. hold is the discharge interval the engine
// must respect since the last power-down; clockHz is the system clock
// the engine runs from.
func (m *Manager) Initialize(hold time.Duration, clockHz uint32) (err error) {
	const op = "initialize"
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.finish(op, m.clock.Now(), &err)

	if m.state.powered() {
		return newError(op, KindEngine, fmt.Errorf("engine busy in state %s", m.state))
	}
	if hold < m.sizes.MinDischarge {
		return newError(op, KindEngine, fmt.Errorf("discharge %s below minimum %s", hold, m.sizes.MinDischarge))
	}
	if clockHz < m.sizes.MinClockHz || clockHz > m.sizes.MaxClockHz {
		return newError(op, KindEngine, fmt.Errorf("clock %d Hz outside [%d, %d]", clockHz, m.sizes.MinClockHz, m.sizes.MaxClockHz))
	}
	if err := m.engine.Initialize(hold, clockHz); err != nil {
		return classify(op, KindEngine, err)
	}

	m.hold, m.clockHz = hold, clockHz
	m.setState(StateInitialized)
	return nil
}

// Enroll captures a new fingerprint and returns its activation code. It
// is allowed once per cycle, before Start. The returned code must be
// stored by the caller; a new cycle is needed before it can be started.
func (m *Manager) Enroll() (ac ActivationCode, err error) {
	const op = "enroll"
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.finish(op, m.clock.Now(), &err)

	if m.state != StateInitialized {
		return nil, newError(op, KindEngine, fmt.Errorf("enroll in state %s", m.state))
	}

	ac = make(ActivationCode, m.sizes.ActivationCodeSize)
	if err := m.engine.Enroll(ac); err != nil {
		return nil, classify(op, KindEnrollment, err)
	}

	m.logger.Debug("enrolled", slog.Int("code_size", len(ac)))
	m.setState(StateEnrolled)
	return ac, nil
}

// Start activates the engine from a previously enrolled activation code.
func (m *Manager) Start(ac ActivationCode) (err error) {
	const op = "start"
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.finish(op, m.clock.Now(), &err)

	switch m.state {
	case StateInitialized:
	case StateEnrolled:
		return newError(op, KindEngine, fmt.Errorf("start after enroll requires a new cycle"))
	default:
		return newError(op, KindEngine, fmt.Errorf("start in state %s", m.state))
	}
	if len(ac) != m.sizes.ActivationCodeSize {
		return newError(op, KindActivationMismatch, fmt.Errorf("activation code is %d bytes, want %d", len(ac), m.sizes.ActivationCodeSize))
	}
	if err := m.engine.Start(ac); err != nil {
		return classify(op, KindActivationMismatch, err)
	}

	m.setState(StateStarted)
	return nil
}

// WrapUserKey wraps a caller-supplied key for slot. The key is not
// retained.
func (m *Manager) WrapUserKey(slot SlotIndex, key []byte) (kc KeyCode, err error) {
	const op = "wrap_user_key"
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.finish(op, m.clock.Now(), &err)

	return m.wrap(op, slot, UserKey(key))
}

// WrapIntrinsicKey asks the engine to generate and wrap a key of length
// bytes for slot.
func (m *Manager) WrapIntrinsicKey(slot SlotIndex, length int) (kc KeyCode, err error) {
	const op = "wrap_intrinsic_key"
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.finish(op, m.clock.Now(), &err)

	return m.wrap(op, slot, IntrinsicKey(length))
}

func (m *Manager) wrap(op string, slot SlotIndex, src KeySource) (KeyCode, error) {
	if err := m.requireStarted(op); err != nil {
		return nil, err
	}
	if slot > m.sizes.MaxSlot {
		return nil, newError(op, KindInvalidArgument, fmt.Errorf("slot %d out of range [0, %d]", slot, m.sizes.MaxSlot))
	}
	if !m.sizes.SupportsKeySize(src.Len()) {
		return nil, newError(op, KindInvalidArgument, fmt.Errorf("unsupported key length %d", src.Len()))
	}

	kc := make(KeyCode, m.sizes.KeyCodeSize(src.Len()))
	if err := m.engine.Wrap(slot, src, kc); err != nil {
		return nil, classify(op, KindInvalidArgument, err)
	}

	m.logger.Debug("wrapped",
		slog.Int("slot", int(slot)),
		slog.Int("len", src.Len()),
		slog.Int("code_size", len(kc)),
	)
	return kc, nil
}

// UnwrapToBuffer reconstructs the key wrapped in kc. length must equal
// the length the key was wrapped with. The caller must Wipe the result.
func (m *Manager) UnwrapToBuffer(kc KeyCode, length int) (dk *DerivedKey, err error) {
	const op = "unwrap_to_buffer"
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.finish(op, m.clock.Now(), &err)

	if err := m.requireStarted(op); err != nil {
		return nil, err
	}
	if length <= 0 {
		return nil, newError(op, KindInvalidArgument, fmt.Errorf("invalid output length %d", length))
	}
	if want := m.sizes.KeyCodeSize(length); len(kc) != want {
		return nil, newError(op, KindUnwrap, fmt.Errorf("key code is %d bytes, want %d for a %d byte key", len(kc), want, length))
	}

	dk = newDerivedKey(length)
	if err := m.engine.UnwrapToBuffer(kc, dk.Bytes()); err != nil {
		dk.Wipe()
		return nil, classify(op, KindUnwrap, err)
	}
	return dk, nil
}

// UnwrapToBus delivers the key wrapped in kc to a key bus register. nonce
// must be fresh and unpredictable for every call.
func (m *Manager) UnwrapToBus(kc KeyCode, busSlot BusSlot, nonce uint32) (h HardwareKeyHandle, err error) {
	const op = "unwrap_to_bus"
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.finish(op, m.clock.Now(), &err)

	if err := m.requireStarted(op); err != nil {
		return HardwareKeyHandle{}, err
	}
	if int(busSlot) >= m.sizes.BusSlots {
		return HardwareKeyHandle{}, newError(op, KindInvalidArgument, fmt.Errorf("bus slot %d out of range [0, %d)", busSlot, m.sizes.BusSlots))
	}
	if _, ok := m.sizes.KeyLengthOf(kc); !ok {
		return HardwareKeyHandle{}, newError(op, KindUnwrap, fmt.Errorf("key code length %d matches no supported key size", len(kc)))
	}

	h, err = m.engine.UnwrapToBus(kc, busSlot, nonce)
	if err != nil {
		return HardwareKeyHandle{}, classify(op, KindUnwrap, err)
	}
	m.logger.Debug("delivered to bus", slog.String("handle", h.String()))
	return h, nil
}

// Deinitialize powers the engine down. It is idempotent and may be called
// in any state, including before Initialize.
func (m *Manager) Deinitialize() {
	const op = "deinitialize"
	m.mu.Lock()
	defer m.mu.Unlock()

	begin := m.clock.Now()
	if m.state.powered() {
		m.engine.Deinitialize(m.hold, m.clockHz)
	}
	if m.state != StateDeinitialized {
		m.setState(StateDeinitialized)
	}
	m.record(op, nil, m.clock.Now().Sub(begin))
}

// Cycle initializes the engine, runs fn and deinitializes on every exit
// path, panics included. Concurrent Cycle calls on one Manager run one
// after another.
func (m *Manager) Cycle(hold time.Duration, clockHz uint32, fn func(*Manager) error) error {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	if err := m.Initialize(hold, clockHz); err != nil {
		return err
	}
	defer m.Deinitialize()
	return fn(m)
}

func (m *Manager) requireStarted(op string) error {
	if m.state != StateStarted {
		return newError(op, KindEngine, fmt.Errorf("%w (state %s)", ErrNotStarted, m.state))
	}
	return nil
}

func (m *Manager) setState(s State) {
	m.state = s
	m.logger.Debug("state change", slog.String("state", s.String()))
	for _, r := range m.recorders {
		r.RecordState(s.String())
	}
}

// finish reports the result of an operation. Operations defer it, so the
// reported location is inside the operation.
func (m *Manager) finish(op string, begin time.Time, errp *error) {
	err := *errp
	logging.Result(m.logger, 1, component, op, err, StatusText(err))
	m.record(op, err, m.clock.Now().Sub(begin))
}

func (m *Manager) record(op string, err error, d time.Duration) {
	for _, r := range m.recorders {
		r.RecordOperation(op, StatusText(err), d)
	}
}
