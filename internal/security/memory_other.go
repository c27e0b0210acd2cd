//go:build !unix

package security

import (
	"runtime"
	"sync"
)

// SecureBytes is a fixed-size buffer for secret material. Page locking is
// not available on this platform; the buffer is still wiped on Destroy.
type SecureBytes struct {
	mu   sync.Mutex
	data []byte
}

// NewSecureBytes allocates a zeroed buffer of size bytes.
func NewSecureBytes(size int) *SecureBytes {
	sb := &SecureBytes{data: make([]byte, size)}
	runtime.SetFinalizer(sb, func(s *SecureBytes) {
		s.Destroy()
	})
	return sb
}

// Bytes returns the live buffer. Callers must not retain it past Destroy.
func (s *SecureBytes) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// Len returns the buffer length, or 0 after Destroy.
func (s *SecureBytes) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Locked always reports false on this platform.
func (s *SecureBytes) Locked() bool { return false }

// Destroy wipes the buffer. It is safe to call more than once.
func (s *SecureBytes) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return
	}
	Wipe(s.data)
	s.data = nil
	runtime.SetFinalizer(s, nil)
}
