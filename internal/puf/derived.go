package puf

import (
	"log/slog"

	"pufkey/internal/security"
)

const redacted = "[REDACTED]"

// DerivedKey holds reconstructed key bytes in locked memory where the
// platform allows it. The key is never formatted or logged; callers
// must call Wipe when done.
type DerivedKey struct {
	buf *security.SecureBytes
}

func newDerivedKey(n int) *DerivedKey {
	return &DerivedKey{buf: security.NewSecureBytes(n)}
}

// Bytes returns the key material, or nil after Wipe.
func (k *DerivedKey) Bytes() []byte {
	if k == nil || k.buf == nil {
		return nil
	}
	return k.buf.Bytes()
}

// Len returns the key length.
func (k *DerivedKey) Len() int {
	if k == nil || k.buf == nil {
		return 0
	}
	return k.buf.Len()
}

// Equal compares the key against b in constant time. A wiped key equals
// nothing.
func (k *DerivedKey) Equal(b []byte) bool {
	key := k.Bytes()
	if key == nil {
		return false
	}
	return security.ConstantTimeCompare(key, b)
}

// Wipe zeroes and releases the key memory. It is safe to call repeatedly.
func (k *DerivedKey) Wipe() {
	if k == nil || k.buf == nil {
		return
	}
	k.buf.Destroy()
	k.buf = nil
}

func (k *DerivedKey) String() string { return redacted }

// GoString keeps %#v from printing the buffer.
func (k *DerivedKey) GoString() string { return redacted }

// LogValue implements slog.LogValuer.
func (k *DerivedKey) LogValue() slog.Value { return slog.StringValue(redacted) }
