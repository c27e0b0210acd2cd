package puf

import "time"

// Engine is the hardware fingerprint capability the Manager drives. All
// calls are synchronous and block until the hardware is ready.
//
// Engines report failures by wrapping one of the package sentinels
// (ErrEngine, ErrUnwrap, ...). Unclassified errors are attributed to the
// operation's default kind.
type Engine interface {
	// Initialize powers the PUF SRAM. It must wait out whatever part of
	// the discharge interval has not elapsed since the last power-down.
	Initialize(discharge time.Duration, clockHz uint32) error

	// Enroll captures the fingerprint and writes the activation code to
	// out, which is exactly Sizes().ActivationCodeSize bytes.
	Enroll(out []byte) error

	// Start reconstructs the fingerprint from an activation code.
	Start(ac []byte) error

	// Wrap produces a key code for src bound to slot into out, which is
	// exactly Sizes().KeyCodeSize(src.Len()) bytes.
	Wrap(slot SlotIndex, src KeySource, out []byte) error

	// UnwrapToBuffer reconstructs a key into out.
	UnwrapToBuffer(kc []byte, out []byte) error

	// UnwrapToBus delivers a key to the protected key bus.
	UnwrapToBus(kc []byte, slot BusSlot, nonce uint32) (HardwareKeyHandle, error)

	// Deinitialize powers the PUF down. It never fails.
	Deinitialize(discharge time.Duration, clockHz uint32)

	Sizes() Sizes
}

// Recorder receives operation outcomes. kind is the status text of the
// result ("Success" on success).
type Recorder interface {
	RecordOperation(op, kind string, d time.Duration)
	RecordState(state string)
}
