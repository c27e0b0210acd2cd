// Package hardware provides a software PUF engine implementing puf.Engine,
// the fingerprint sources it draws device-unique responses from, and a
// simulated protected key bus.
//
// The software engine gives weaker guarantees than silicon: whoever can
// read the fingerprint seed can clone the device. Prefer a TPM-backed
// fingerprint where one is available.
package hardware

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/hkdf"

	"pufkey/internal/security"
)

// Fingerprint errors.
var (
	ErrFingerprintClosed = errors.New("hardware: fingerprint closed")
	ErrTPMNotAvailable   = errors.New("hardware: TPM not available")
	ErrUnknownSource     = errors.New("hardware: unknown fingerprint source")
)

const (
	seedSize     = 32
	responseSize = 32
)

// Fingerprint is the device-unique challenge/response function the
// engine is built on. Responses must be deterministic per challenge.
type Fingerprint interface {
	Response(challenge []byte) ([]byte, error)
	DeviceID() string
}

// StaticFingerprint derives responses from an in-memory seed. Distinct
// seeds behave like distinct chips.
type StaticFingerprint struct {
	mu       sync.Mutex
	seed     []byte
	deviceID string
}

// NewStaticFingerprint copies seed into a new fingerprint.
func NewStaticFingerprint(seed []byte) *StaticFingerprint {
	s := make([]byte, len(seed))
	copy(s, seed)
	sum := sha256.Sum256(s)
	return &StaticFingerprint{
		seed:     s,
		deviceID: "swpuf-" + hex.EncodeToString(sum[:4]),
	}
}

// Response expands the seed with HKDF using challenge as salt.
func (f *StaticFingerprint) Response(challenge []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.seed == nil {
		return nil, ErrFingerprintClosed
	}
	r := hkdf.New(sha256.New, f.seed, challenge, []byte("pufkey-response-v1"))
	out := make([]byte, responseSize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return out, nil
}

// DeviceID returns a short identifier derived from the seed.
func (f *StaticFingerprint) DeviceID() string {
	return f.deviceID
}

// Close wipes the seed.
func (f *StaticFingerprint) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	security.Wipe(f.seed)
	f.seed = nil
	return nil
}

// SeedFingerprint is a StaticFingerprint whose seed lives in a file,
// created on first use.
type SeedFingerprint struct {
	*StaticFingerprint
	path string
}

// NewSeedFingerprint loads the seed at path or creates a fresh one.
func NewSeedFingerprint(path string) (*SeedFingerprint, error) {
	seed, err := loadOrCreateSeed(path, rand.Reader)
	if err != nil {
		return nil, err
	}
	defer security.Wipe(seed)
	return &SeedFingerprint{StaticFingerprint: NewStaticFingerprint(seed), path: path}, nil
}

// Path returns the seed file location.
func (f *SeedFingerprint) Path() string { return f.path }

func loadOrCreateSeed(path string, r io.Reader) ([]byte, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create seed dir: %w", err)
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil && len(data) == seedSize:
		return data, nil
	case err == nil:
		return nil, fmt.Errorf("seed file %s is %d bytes, want %d", path, len(data), seedSize)
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read seed: %w", err)
	}

	seed := make([]byte, seedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("generate seed: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, seed, 0o600); err != nil {
		return nil, fmt.Errorf("write seed: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("save seed: %w", err)
	}
	return seed, nil
}

// OpenFingerprint opens the fingerprint source named by kind: "seed"
// (file at seedPath), "tpm", or "auto" (TPM when present, seed
// otherwise).
func OpenFingerprint(kind, seedPath string) (Fingerprint, error) {
	switch kind {
	case "seed", "":
		return NewSeedFingerprint(seedPath)
	case "tpm":
		return NewTPMFingerprint()
	case "auto":
		if fp, err := NewTPMFingerprint(); err == nil {
			return fp, nil
		}
		return NewSeedFingerprint(seedPath)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, kind)
	}
}

// CloseFingerprint releases fp if it holds resources.
func CloseFingerprint(fp Fingerprint) error {
	if c, ok := fp.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
