package puf

import (
	"fmt"
	"slices"
	"time"
)

// State is the lifecycle phase of the engine.
type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateEnrolled
	StateStarted
	StateDeinitialized
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateEnrolled:
		return "enrolled"
	case StateStarted:
		return "started"
	case StateDeinitialized:
		return "deinitialized"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// powered reports whether the engine holds power between Initialize and
// Deinitialize.
func (s State) powered() bool {
	return s == StateInitialized || s == StateEnrolled || s == StateStarted
}

// ActivationCode is the device-specific enrollment blob. It is not secret
// but only works on the chip and enrollment that produced it.
type ActivationCode []byte

// KeyCode is a wrapped key bound to a slot and to the activation that was
// active when it was produced.
type KeyCode []byte

// SlotIndex distinguishes independently wrapped keys.
type SlotIndex uint8

// BusSlot selects a register on the protected key bus.
type BusSlot uint8

// HardwareKeyHandle references a key delivered to the key bus. It carries
// no key bytes.
type HardwareKeyHandle struct {
	Slot       BusSlot
	Generation uint64
	KeyLength  int
}

func (h HardwareKeyHandle) String() string {
	return fmt.Sprintf("bus[%d]#%d(%d bytes)", h.Slot, h.Generation, h.KeyLength)
}

// KeySource selects where wrapped key material comes from.
type KeySource struct {
	user   []byte
	length int
}

// UserKey wraps caller-supplied key bytes. The slice is borrowed for the
// duration of the wrap call only.
func UserKey(key []byte) KeySource {
	return KeySource{user: key, length: len(key)}
}

// IntrinsicKey asks the engine to generate length bytes of key material.
func IntrinsicKey(length int) KeySource {
	return KeySource{length: length}
}

// Intrinsic reports whether the engine generates the key.
func (s KeySource) Intrinsic() bool { return s.user == nil }

// Key returns the caller-supplied bytes, or nil for intrinsic keys.
func (s KeySource) Key() []byte { return s.user }

// Len returns the length of the key to wrap.
func (s KeySource) Len() int { return s.length }

// Sizes are the engine-reported constants callers size buffers with.
type Sizes struct {
	ActivationCodeSize int
	KeyCodeOverhead    int
	KeyAlign           int
	SupportedKeySizes  []int
	MaxSlot            SlotIndex
	BusSlots           int
	MinDischarge       time.Duration
	MinClockHz         uint32
	MaxClockHz         uint32
}

// KeyCodeSize returns the key code length for a key of n bytes.
func (s Sizes) KeyCodeSize(n int) int {
	align := s.KeyAlign
	if align <= 0 {
		align = 1
	}
	return s.KeyCodeOverhead + (n+align-1)/align*align
}

// SupportsKeySize reports whether n is a wrappable key length.
func (s Sizes) SupportsKeySize(n int) bool {
	return slices.Contains(s.SupportedKeySizes, n)
}

// KeyLengthOf recovers the key length a key code was produced for, or
// false when no supported length yields that code size.
func (s Sizes) KeyLengthOf(kc KeyCode) (int, bool) {
	for _, n := range s.SupportedKeySizes {
		if s.KeyCodeSize(n) == len(kc) {
			return n, true
		}
	}
	return 0, false
}
