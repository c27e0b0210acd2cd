//go:build !linux

package hardware

// TPMFingerprint is only implemented on Linux.
type TPMFingerprint struct{}

// NewTPMFingerprint reports ErrTPMNotAvailable on this platform.
func NewTPMFingerprint() (*TPMFingerprint, error) {
	return nil, ErrTPMNotAvailable
}

// TPMAvailable always reports false on this platform.
func TPMAvailable() bool { return false }

func (*TPMFingerprint) Response([]byte) ([]byte, error) { return nil, ErrTPMNotAvailable }

func (*TPMFingerprint) DeviceID() string { return "" }

func (*TPMFingerprint) Close() error { return nil }
