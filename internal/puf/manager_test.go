package puf

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pufkey/internal/tick"
)

const (
	hold    = 400 * time.Millisecond
	clockHz = 96_000_000
)

type fakeEngine struct {
	mu    sync.Mutex
	sizes Sizes
	calls []string

	initErr   error
	enrollErr error
	startErr  error
	wrapErr   error
	unwrapErr error

	deinits int
	seq     byte
	keys    map[string][]byte
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		sizes: Sizes{
			ActivationCodeSize: 64,
			KeyCodeOverhead:    8,
			KeyAlign:           8,
			SupportedKeySizes:  []int{16, 32},
			MaxSlot:            3,
			BusSlots:           2,
			MinDischarge:       hold,
			MinClockHz:         1_000_000,
			MaxClockHz:         150_000_000,
		},
		keys: make(map[string][]byte),
	}
}

func (f *fakeEngine) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeEngine) Initialize(time.Duration, uint32) error {
	f.record("init")
	return f.initErr
}

func (f *fakeEngine) Enroll(out []byte) error {
	f.record("enroll")
	if f.enrollErr != nil {
		return f.enrollErr
	}
	for i := range out {
		out[i] = 0xAC
	}
	return nil
}

func (f *fakeEngine) Start(ac []byte) error {
	f.record("start")
	return f.startErr
}

func (f *fakeEngine) Wrap(slot SlotIndex, src KeySource, out []byte) error {
	f.record("wrap")
	if f.wrapErr != nil {
		return f.wrapErr
	}
	f.seq++
	out[0], out[1] = byte(slot), f.seq
	key := make([]byte, src.Len())
	if src.Intrinsic() {
		for i := range key {
			key[i] = f.seq
		}
	} else {
		copy(key, src.Key())
	}
	f.keys[string(out)] = key
	return nil
}

func (f *fakeEngine) UnwrapToBuffer(kc []byte, out []byte) error {
	f.record("unwrap")
	if f.unwrapErr != nil {
		for i := range out {
			out[i] = 0xEE
		}
		return f.unwrapErr
	}
	key, ok := f.keys[string(kc)]
	if !ok {
		return errors.New("unknown key code")
	}
	copy(out, key)
	return nil
}

func (f *fakeEngine) UnwrapToBus(kc []byte, slot BusSlot, nonce uint32) (HardwareKeyHandle, error) {
	f.record("bus")
	if f.unwrapErr != nil {
		return HardwareKeyHandle{}, f.unwrapErr
	}
	return HardwareKeyHandle{Slot: slot, Generation: uint64(nonce), KeyLength: len(f.keys[string(kc)])}, nil
}

func (f *fakeEngine) Deinitialize(time.Duration, uint32) {
	f.record("deinit")
	f.deinits++
}

func (f *fakeEngine) Sizes() Sizes { return f.sizes }

type op struct {
	name, kind string
}

type fakeRecorder struct {
	mu     sync.Mutex
	ops    []op
	states []string
}

func (r *fakeRecorder) RecordOperation(name, kind string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op{name, kind})
}

func (r *fakeRecorder) RecordState(state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *fakeEngine) {
	t.Helper()
	f := newFakeEngine()
	opts = append([]Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(tick.NewFakeClock(time.Unix(0, 0))),
	}, opts...)
	return NewManager(f, opts...), f
}

func startedManager(t *testing.T) (*Manager, *fakeEngine) {
	t.Helper()
	m, f := newTestManager(t)
	require.NoError(t, m.Initialize(hold, clockHz))
	require.NoError(t, m.Start(make(ActivationCode, f.sizes.ActivationCodeSize)))
	return m, f
}

func TestManagerLifecycle(t *testing.T) {
	rec := &fakeRecorder{}
	m, f := newTestManager(t, WithRecorder(rec))
	assert.Equal(t, StateUninitialized, m.State())

	require.NoError(t, m.Initialize(hold, clockHz))
	assert.Equal(t, StateInitialized, m.State())

	ac, err := m.Enroll()
	require.NoError(t, err)
	assert.Len(t, ac, 64)
	assert.Equal(t, StateEnrolled, m.State())

	m.Deinitialize()
	assert.Equal(t, StateDeinitialized, m.State())

	require.NoError(t, m.Initialize(hold, clockHz))
	require.NoError(t, m.Start(ac))
	assert.Equal(t, StateStarted, m.State())

	kc, err := m.WrapUserKey(0, bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)
	assert.Len(t, kc, m.Sizes().KeyCodeSize(32))

	dk, err := m.UnwrapToBuffer(kc, 32)
	require.NoError(t, err)
	assert.True(t, dk.Equal(bytes.Repeat([]byte{1}, 32)))
	dk.Wipe()

	m.Deinitialize()

	assert.Equal(t, []string{"init", "enroll", "deinit", "init", "start", "wrap", "unwrap", "deinit"}, f.calls)
	assert.Equal(t, []string{"initialized", "enrolled", "deinitialized", "initialized", "started", "deinitialized"}, rec.states)
	assert.Equal(t, op{"initialize", "Success"}, rec.ops[0])
	assert.Len(t, rec.ops, 8)
}

func TestOrderingInvariant(t *testing.T) {
	states := map[string]func(*Manager, *fakeEngine){
		"uninitialized": func(*Manager, *fakeEngine) {},
		"initialized": func(m *Manager, _ *fakeEngine) {
			require.NoError(t, m.Initialize(hold, clockHz))
		},
		"enrolled": func(m *Manager, _ *fakeEngine) {
			require.NoError(t, m.Initialize(hold, clockHz))
			_, err := m.Enroll()
			require.NoError(t, err)
		},
		"deinitialized after start": func(m *Manager, f *fakeEngine) {
			require.NoError(t, m.Initialize(hold, clockHz))
			require.NoError(t, m.Start(make(ActivationCode, 64)))
			m.Deinitialize()
		},
	}

	for name, setup := range states {
		t.Run(name, func(t *testing.T) {
			m, f := newTestManager(t)
			setup(m, f)
			before := len(f.calls)

			_, err := m.WrapUserKey(0, make([]byte, 16))
			assertNotStarted(t, err)
			_, err = m.WrapIntrinsicKey(0, 16)
			assertNotStarted(t, err)
			_, err = m.UnwrapToBuffer(make(KeyCode, 24), 16)
			assertNotStarted(t, err)
			_, err = m.UnwrapToBus(make(KeyCode, 24), 0, 1)
			assertNotStarted(t, err)

			assert.Len(t, f.calls, before, "engine must not be reached")
		})
	}
}

func assertNotStarted(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEngine)
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.Equal(t, KindEngine, KindOf(err))
}

func TestInitializeValidation(t *testing.T) {
	m, f := newTestManager(t)

	assert.ErrorIs(t, m.Initialize(hold-time.Millisecond, clockHz), ErrEngine)
	assert.ErrorIs(t, m.Initialize(hold, 0), ErrEngine)
	assert.ErrorIs(t, m.Initialize(hold, 151_000_000), ErrEngine)
	assert.Empty(t, f.calls)

	require.NoError(t, m.Initialize(hold, clockHz))
	err := m.Initialize(hold, clockHz)
	assert.ErrorIs(t, err, ErrEngine)
	assert.Contains(t, err.Error(), "busy")
	assert.Equal(t, StateInitialized, m.State())
}

func TestInitializeEngineFailure(t *testing.T) {
	m, f := newTestManager(t)
	f.initErr = errors.New("clock not locked")

	err := m.Initialize(hold, clockHz)
	assert.ErrorIs(t, err, ErrEngine)
	assert.Equal(t, StateUninitialized, m.State())
}

func TestEnrollRules(t *testing.T) {
	t.Run("once per cycle", func(t *testing.T) {
		m, _ := newTestManager(t)
		require.NoError(t, m.Initialize(hold, clockHz))
		_, err := m.Enroll()
		require.NoError(t, err)
		_, err = m.Enroll()
		assert.ErrorIs(t, err, ErrEngine)
	})

	t.Run("not after start", func(t *testing.T) {
		m, _ := startedManager(t)
		_, err := m.Enroll()
		assert.ErrorIs(t, err, ErrEngine)
	})

	t.Run("before initialize", func(t *testing.T) {
		m, _ := newTestManager(t)
		_, err := m.Enroll()
		assert.ErrorIs(t, err, ErrEngine)
	})

	t.Run("engine failure", func(t *testing.T) {
		m, f := newTestManager(t)
		f.enrollErr = errors.New("readback mismatch")
		require.NoError(t, m.Initialize(hold, clockHz))
		ac, err := m.Enroll()
		assert.Nil(t, ac)
		assert.ErrorIs(t, err, ErrEnrollment)
		assert.True(t, KindOf(err).Retryable())
		assert.Equal(t, StateInitialized, m.State())
	})

	t.Run("re-enroll in a new cycle", func(t *testing.T) {
		m, _ := newTestManager(t)
		for i := 0; i < 2; i++ {
			require.NoError(t, m.Initialize(hold, clockHz))
			_, err := m.Enroll()
			require.NoError(t, err)
			m.Deinitialize()
		}
	})
}

func TestStartRules(t *testing.T) {
	t.Run("after enroll needs new cycle", func(t *testing.T) {
		m, f := newTestManager(t)
		require.NoError(t, m.Initialize(hold, clockHz))
		ac, err := m.Enroll()
		require.NoError(t, err)
		err = m.Start(ac)
		assert.ErrorIs(t, err, ErrEngine)
		assert.NotContains(t, f.calls, "start")
	})

	t.Run("twice", func(t *testing.T) {
		m, _ := startedManager(t)
		assert.ErrorIs(t, m.Start(make(ActivationCode, 64)), ErrEngine)
	})

	t.Run("wrong size", func(t *testing.T) {
		m, f := newTestManager(t)
		require.NoError(t, m.Initialize(hold, clockHz))
		err := m.Start(make(ActivationCode, 63))
		assert.ErrorIs(t, err, ErrActivationMismatch)
		assert.NotContains(t, f.calls, "start")
	})

	t.Run("engine mismatch", func(t *testing.T) {
		m, f := newTestManager(t)
		f.startErr = errors.New("helper data does not verify")
		require.NoError(t, m.Initialize(hold, clockHz))
		err := m.Start(make(ActivationCode, 64))
		assert.ErrorIs(t, err, ErrActivationMismatch)
		assert.True(t, KindOf(err).Fatal())
		assert.Equal(t, StateInitialized, m.State())
	})

	t.Run("engine reports its own kind", func(t *testing.T) {
		m, f := newTestManager(t)
		f.startErr = fmt.Errorf("%w: not ready", ErrEngine)
		require.NoError(t, m.Initialize(hold, clockHz))
		assert.Equal(t, KindEngine, KindOf(m.Start(make(ActivationCode, 64))))
	})
}

func TestWrapValidation(t *testing.T) {
	m, f := startedManager(t)
	calls := len(f.calls)

	_, err := m.WrapUserKey(4, make([]byte, 16))
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = m.WrapUserKey(0, make([]byte, 24))
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = m.WrapUserKey(0, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = m.WrapIntrinsicKey(0, 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Len(t, f.calls, calls)

	f.wrapErr = errors.New("slot locked")
	_, err = m.WrapIntrinsicKey(1, 16)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestUnwrapToBuffer(t *testing.T) {
	m, f := startedManager(t)
	kc, err := m.WrapIntrinsicKey(2, 16)
	require.NoError(t, err)

	a, err := m.UnwrapToBuffer(kc, 16)
	require.NoError(t, err)
	b, err := m.UnwrapToBuffer(kc, 16)
	require.NoError(t, err)
	assert.Equal(t, a.Bytes(), b.Bytes())
	assert.Equal(t, 16, a.Len())

	_, err = m.UnwrapToBuffer(kc, 32)
	assert.ErrorIs(t, err, ErrUnwrap, "length mismatch")
	_, err = m.UnwrapToBuffer(kc[:len(kc)-1], 16)
	assert.ErrorIs(t, err, ErrUnwrap, "truncated")
	_, err = m.UnwrapToBuffer(kc, 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	f.unwrapErr = errors.New("tag mismatch")
	dk, err := m.UnwrapToBuffer(kc, 16)
	assert.Nil(t, dk)
	assert.ErrorIs(t, err, ErrUnwrap)
	assert.True(t, KindOf(err).Fatal())
}

func TestUnwrapToBus(t *testing.T) {
	m, f := startedManager(t)
	kc, err := m.WrapUserKey(0, make([]byte, 32))
	require.NoError(t, err)

	h, err := m.UnwrapToBus(kc, 1, 7)
	require.NoError(t, err)
	assert.Equal(t, HardwareKeyHandle{Slot: 1, Generation: 7, KeyLength: 32}, h)

	_, err = m.UnwrapToBus(kc, 2, 7)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = m.UnwrapToBus(kc[:5], 0, 7)
	assert.ErrorIs(t, err, ErrUnwrap)

	f.unwrapErr = errors.New("foreign activation")
	_, err = m.UnwrapToBus(kc, 0, 8)
	assert.ErrorIs(t, err, ErrUnwrap)
}

func TestDeinitializeIdempotent(t *testing.T) {
	m, f := newTestManager(t)

	m.Deinitialize()
	m.Deinitialize()
	assert.Equal(t, StateDeinitialized, m.State())
	assert.Zero(t, f.deinits, "nothing to power down")

	require.NoError(t, m.Initialize(hold, clockHz))
	m.Deinitialize()
	m.Deinitialize()
	assert.Equal(t, 1, f.deinits)

	require.NoError(t, m.Initialize(hold, clockHz))
	assert.Equal(t, StateInitialized, m.State())
}

func TestCycleReleasesOnEveryPath(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		m, f := newTestManager(t)
		err := m.Cycle(hold, clockHz, func(m *Manager) error {
			assert.Equal(t, StateInitialized, m.State())
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, f.deinits)
		assert.Equal(t, StateDeinitialized, m.State())
	})

	t.Run("error", func(t *testing.T) {
		m, f := newTestManager(t)
		boom := errors.New("boom")
		err := m.Cycle(hold, clockHz, func(m *Manager) error {
			require.NoError(t, m.Start(make(ActivationCode, 64)))
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, f.deinits)
	})

	t.Run("panic", func(t *testing.T) {
		m, f := newTestManager(t)
		assert.PanicsWithValue(t, "fault", func() {
			_ = m.Cycle(hold, clockHz, func(*Manager) error { panic("fault") })
		})
		assert.Equal(t, 1, f.deinits)
		assert.Equal(t, StateDeinitialized, m.State())

		require.NoError(t, m.Cycle(hold, clockHz, func(*Manager) error { return nil }))
	})

	t.Run("initialize failure", func(t *testing.T) {
		m, f := newTestManager(t)
		f.initErr = errors.New("no clock")
		called := false
		err := m.Cycle(hold, clockHz, func(*Manager) error { called = true; return nil })
		assert.ErrorIs(t, err, ErrEngine)
		assert.False(t, called)
		assert.Zero(t, f.deinits)
	})
}

func TestCycleSerializes(t *testing.T) {
	m, _ := newTestManager(t)

	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.Cycle(hold, clockHz, func(*Manager) error {
				n := active.Add(1)
				defer active.Add(-1)
				for {
					cur := maxActive.Load()
					if n <= cur || maxActive.CompareAndSwap(cur, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxActive.Load())
}

func TestStatusReporting(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	rec := &fakeRecorder{}
	m, _ := newTestManager(t, WithLogger(logger), WithRecorder(rec))

	require.NoError(t, m.Initialize(hold, clockHz))
	require.NoError(t, m.Start(make(ActivationCode, 64)))
	secret := []byte("Thispasswordisveryuncommonforher")
	kc, err := m.WrapUserKey(0, secret)
	require.NoError(t, err)
	dk, err := m.UnwrapToBuffer(kc, 32)
	require.NoError(t, err)
	logger.Info("derived", slog.Any("value", dk))
	_, err = m.UnwrapToBuffer(kc, 16)
	require.Error(t, err)

	out := buf.String()
	assert.NotContains(t, out, string(secret))
	assert.Contains(t, out, `"kind":"UnwrapError"`)
	assert.Contains(t, out, `"file":"manager.go"`)
	assert.Contains(t, out, `"op":"unwrap_to_buffer"`)
	assert.Contains(t, out, "[REDACTED]")
	assert.Equal(t, "[REDACTED]", fmt.Sprint(dk))
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%#v", dk))

	assert.Equal(t, op{"unwrap_to_buffer", "UnwrapError"}, rec.ops[len(rec.ops)-1])
}

func TestDerivedKeyWipe(t *testing.T) {
	dk := newDerivedKey(16)
	copy(dk.Bytes(), bytes.Repeat([]byte{9}, 16))
	assert.True(t, dk.Equal(bytes.Repeat([]byte{9}, 16)))

	dk.Wipe()
	dk.Wipe()
	assert.Nil(t, dk.Bytes())
	assert.Zero(t, dk.Len())
	assert.False(t, dk.Equal(nil))
	assert.False(t, dk.Equal([]byte{}))

	var nilKey *DerivedKey
	assert.Nil(t, nilKey.Bytes())
	assert.False(t, nilKey.Equal(nil))
	nilKey.Wipe()
}
