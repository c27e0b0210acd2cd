//go:build linux

package hardware

import (
	"crypto/sha256"
	"fmt"
	"os"
	"sync"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
)

var tpmDevicePaths = []string{
	"/dev/tpmrm0",
	"/dev/tpm0",
}

// TPMFingerprint answers challenges with an HMAC under a keyed-hash
// primary object of the owner hierarchy. The primary is re-created from a
// fixed template on every call, so responses are stable for the life of
// the TPM's owner seed.
type TPMFingerprint struct {
	mu       sync.Mutex
	tpm      transport.TPMCloser
	deviceID string
}

func tpmDevicePath() string {
	for _, path := range tpmDevicePaths {
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err == nil {
			f.Close()
			return path
		}
	}
	return ""
}

// TPMAvailable reports whether a TPM device can be opened.
func TPMAvailable() bool {
	return tpmDevicePath() != ""
}

// NewTPMFingerprint opens the first usable TPM device.
func NewTPMFingerprint() (*TPMFingerprint, error) {
	path := tpmDevicePath()
	if path == "" {
		return nil, ErrTPMNotAvailable
	}
	t, err := transport.OpenTPM(path)
	if err != nil {
		return nil, fmt.Errorf("open TPM: %w", err)
	}

	fp := &TPMFingerprint{tpm: t}
	id, err := fp.endorsementDigest()
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("read endorsement key: %w", err)
	}
	fp.deviceID = fmt.Sprintf("tpm-%x", id[:8])
	return fp, nil
}

// Response returns HMAC-SHA256(primary, challenge) computed inside the TPM.
func (f *TPMFingerprint) Response(challenge []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.tpm == nil {
		return nil, ErrFingerprintClosed
	}

	handle, err := f.createPrimary()
	if err != nil {
		return nil, fmt.Errorf("create primary: %w", err)
	}
	defer tpm2.FlushContext{FlushHandle: handle}.Execute(f.tpm)

	rsp, err := tpm2.Hmac{
		Handle: tpm2.AuthHandle{
			Handle: handle,
			Auth:   tpm2.PasswordAuth(nil),
		},
		Buffer:  tpm2.TPM2BMaxBuffer{Buffer: challenge},
		HashAlg: tpm2.TPMAlgSHA256,
	}.Execute(f.tpm)
	if err != nil {
		return nil, fmt.Errorf("TPM HMAC: %w", err)
	}
	return rsp.OutHMAC.Buffer, nil
}

// DeviceID identifies the TPM by a digest of its endorsement key.
func (f *TPMFingerprint) DeviceID() string {
	return f.deviceID
}

// Close releases the TPM transport.
func (f *TPMFingerprint) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.tpm == nil {
		return nil
	}
	err := f.tpm.Close()
	f.tpm = nil
	return err
}

func (f *TPMFingerprint) createPrimary() (tpm2.TPMHandle, error) {
	rsp, err := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHOwner,
		InSensitive: tpm2.TPM2BSensitiveCreate{
			Sensitive: &tpm2.TPMSSensitiveCreate{
				UserAuth: tpm2.TPM2BAuth{Buffer: nil},
			},
		},
		InPublic: tpm2.New2B(tpm2.TPMTPublic{
			Type:    tpm2.TPMAlgKeyedHash,
			NameAlg: tpm2.TPMAlgSHA256,
			ObjectAttributes: tpm2.TPMAObject{
				FixedTPM:            true,
				FixedParent:         true,
				SensitiveDataOrigin: true,
				UserWithAuth:        true,
				SignEncrypt:         true,
			},
			Parameters: tpm2.NewTPMUPublicParms(
				tpm2.TPMAlgKeyedHash,
				&tpm2.TPMSKeyedHashParms{
					Scheme: tpm2.TPMTKeyedHashScheme{
						Scheme: tpm2.TPMAlgHMAC,
						Details: tpm2.NewTPMUSchemeKeyedHash(
							tpm2.TPMAlgHMAC,
							&tpm2.TPMSSchemeHMAC{HashAlg: tpm2.TPMAlgSHA256},
						),
					},
				},
			),
			Unique: tpm2.NewTPMUPublicID(
				tpm2.TPMAlgKeyedHash,
				&tpm2.TPM2BDigest{Buffer: []byte("pufkey-fingerprint-v1")},
			),
		}),
	}.Execute(f.tpm)
	if err != nil {
		return 0, err
	}
	return rsp.ObjectHandle, nil
}

func (f *TPMFingerprint) endorsementDigest() ([]byte, error) {
	rsp, err := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHEndorsement,
		InPublic:      tpm2.New2B(tpm2.RSAEKTemplate),
	}.Execute(f.tpm)
	if err != nil {
		return nil, err
	}
	defer tpm2.FlushContext{FlushHandle: rsp.ObjectHandle}.Execute(f.tpm)

	sum := sha256.Sum256(tpm2.Marshal(rsp.OutPublic))
	return sum[:], nil
}
