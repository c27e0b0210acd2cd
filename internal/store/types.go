// Package store persists activation codes and key codes on behalf of
// callers of the PUF lifecycle manager. Only non-secret blobs are stored.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no record matches.
	ErrNotFound = errors.New("store: not found")
	// ErrNoBackend is returned by New when persistence is disabled.
	ErrNoBackend = errors.New("store: no backend configured")
	// ErrInvalidRecord is returned for records missing required fields.
	ErrInvalidRecord = errors.New("store: invalid record")
)

// Activation is the activation code produced by one enrollment.
type Activation struct {
	DeviceID     string    `json:"device_id"`
	EnrollmentID string    `json:"enrollment_id"`
	Code         []byte    `json:"code"`
	CreatedAt    time.Time `json:"created_at"`
}

// KeyCode is a wrapped key, addressed by device and a caller-chosen name.
type KeyCode struct {
	DeviceID     string    `json:"device_id"`
	Name         string    `json:"name"`
	EnrollmentID string    `json:"enrollment_id"`
	Slot         uint8     `json:"slot"`
	KeyLength    int       `json:"key_length"`
	Intrinsic    bool      `json:"intrinsic"`
	Code         []byte    `json:"code"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store is implemented by every backend.
//
// PutActivation replaces the device's activation code and drops key codes
// made under any other enrollment, since those can no longer be unwrapped.
//
// PutEnrollment does the same and installs kcs with it. Every key code
// must carry the activation's device and enrollment. On SQLite the whole
// write is one transaction. On S3 the activation object is written last
// and acts as the commit point; key codes written before a failure are
// removed again on a best-effort basis.
type Store interface {
	PutActivation(ctx context.Context, a *Activation) error
	PutEnrollment(ctx context.Context, a *Activation, kcs []KeyCode) error
	Activation(ctx context.Context, deviceID string) (*Activation, error)
	PutKeyCode(ctx context.Context, kc *KeyCode) error
	KeyCode(ctx context.Context, deviceID, name string) (*KeyCode, error)
	KeyCodes(ctx context.Context, deviceID string) ([]KeyCode, error)
	DeleteKeyCode(ctx context.Context, deviceID, name string) error
	Close() error
}

func (a *Activation) validate() error {
	if a.DeviceID == "" || a.EnrollmentID == "" || len(a.Code) == 0 {
		return ErrInvalidRecord
	}
	return nil
}

func (kc *KeyCode) validate() error {
	if kc.DeviceID == "" || kc.Name == "" || kc.EnrollmentID == "" || len(kc.Code) == 0 || kc.KeyLength <= 0 {
		return ErrInvalidRecord
	}
	return nil
}
