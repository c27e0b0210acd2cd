//go:build unix

// Package security holds key-material hygiene helpers for pufkey.
//
// Derived keys live in locked pages (no swap) and are zeroed before the
// memory is handed back to the garbage collector.
package security

import (
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SecureBytes is a fixed-size buffer for secret material. The backing
// pages are mlocked when the process is allowed to do so.
type SecureBytes struct {
	mu     sync.Mutex
	data   []byte
	locked bool
}

// NewSecureBytes allocates a zeroed buffer of size bytes.
func NewSecureBytes(size int) *SecureBytes {
	sb := &SecureBytes{data: make([]byte, size)}

	// mlock may fail without CAP_IPC_LOCK or under RLIMIT_MEMLOCK; the
	// buffer is still wiped on Destroy.
	_ = sb.lock()

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

// Locked reports whether the pages are pinned in RAM.
func (s *SecureBytes) Locked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked
}

// Destroy wipes and unlocks the buffer. It is safe to call more than once.
func (s *SecureBytes) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return
	}
	Wipe(s.data)
	if s.locked {
		s.unlock()
	}
	s.data = nil
	runtime.SetFinalizer(s, nil)
}

func (s *SecureBytes) lock() error {
	if len(s.data) == 0 {
		return nil
	}
	if err := unix.Mlock(unsafe.Slice(&s.data[0], len(s.data))); err != nil {
		return err
	}
	s.locked = true
	return nil
}

func (s *SecureBytes) unlock() {
	_ = unix.Munlock(unsafe.Slice(&s.data[0], len(s.data)))
	s.locked = false
}
