package security

import (
	"crypto/subtle"
	"runtime"
)

// Wipe overwrites data with zeros.
func Wipe(data []byte) {
	if len(data) == 0 {
		return
	}
	for i := range data {
		data[i] = 0
	}
	runtime.KeepAlive(data)
}

// WipeAll wipes every slice in turn.
func WipeAll(slices ...[]byte) {
	for _, s := range slices {
		Wipe(s)
	}
}

// ConstantTimeCompare reports whether a and b are equal without leaking
// the position of the first difference.
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// GuardedExec runs fn with secret and wipes secret afterwards, on every
// exit path.
func GuardedExec(secret []byte, fn func([]byte) error) error {
	defer Wipe(secret)
	return fn(secret)
}
