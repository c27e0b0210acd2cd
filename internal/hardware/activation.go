package hardware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"pufkey/internal/puf"
	"pufkey/internal/security"
)

// Activation code layout.
//
//	[0:4]       magic "PUFA"
//	[4]         format version
//	[5:8]       reserved, zero
//	[8:24]      enrollment ID
//	[24:56]     salt; the fingerprint challenge is derived from it
//	[56:1160]   helper data
//	[1160:1192] HMAC-SHA256 over [0:1160] keyed by the fingerprint response
const (
	acVersion   = 1
	acIDOff     = 8
	acSaltOff   = 24
	acHelperOff = 56
	acTagOff    = ActivationCodeSize - sha256.Size
)

var acMagic = []byte("PUFA")

func activationChallenge(salt []byte) []byte {
	return append([]byte("pufkey-activation-v1"), salt...)
}

// newActivation fills out with a fresh activation code and returns its
// enrollment ID. The fingerprint is read twice and must answer the same
// both times.
func (e *Engine) newActivation(out []byte) (uuid.UUID, error) {
	id, err := uuid.NewRandomFromReader(e.rand)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: enrollment id: %v", puf.ErrEnrollment, err)
	}

	copy(out[0:4], acMagic)
	out[4] = acVersion
	out[5], out[6], out[7] = 0, 0, 0
	copy(out[acIDOff:acSaltOff], id[:])
	if _, err := io.ReadFull(e.rand, out[acSaltOff:acTagOff]); err != nil {
		return uuid.Nil, fmt.Errorf("%w: entropy: %v", puf.ErrEnrollment, err)
	}

	challenge := activationChallenge(out[acSaltOff:acHelperOff])
	resp, err := e.fp.Response(challenge)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: fingerprint: %v", puf.ErrEnrollment, err)
	}
	defer security.Wipe(resp)

	readback, err := e.fp.Response(challenge)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: fingerprint readback: %v", puf.ErrEnrollment, err)
	}
	defer security.Wipe(readback)
	if !security.ConstantTimeCompare(resp, readback) {
		return uuid.Nil, fmt.Errorf("%w: fingerprint readback differs", puf.ErrEnrollment)
	}

	mac := hmac.New(sha256.New, resp)
	mac.Write(out[:acTagOff])
	copy(out[acTagOff:], mac.Sum(nil))
	return id, nil
}

// openActivation verifies ac against the fingerprint and derives the
// activation secret.
func (e *Engine) openActivation(ac []byte) (uuid.UUID, []byte, error) {
	if len(ac) != ActivationCodeSize {
		return uuid.Nil, nil, fmt.Errorf("%w: activation code is %d bytes", puf.ErrActivationMismatch, len(ac))
	}
	if !bytes.Equal(ac[0:4], acMagic) || ac[4] != acVersion {
		return uuid.Nil, nil, fmt.Errorf("%w: not an activation code", puf.ErrActivationMismatch)
	}

	resp, err := e.fp.Response(activationChallenge(ac[acSaltOff:acHelperOff]))
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("%w: fingerprint: %v", puf.ErrEngine, err)
	}
	defer security.Wipe(resp)

	mac := hmac.New(sha256.New, resp)
	mac.Write(ac[:acTagOff])
	if !hmac.Equal(mac.Sum(nil), ac[acTagOff:]) {
		return uuid.Nil, nil, fmt.Errorf("%w: fingerprint does not match", puf.ErrActivationMismatch)
	}

	id, err := uuid.FromBytes(ac[acIDOff:acSaltOff])
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("%w: enrollment id: %v", puf.ErrActivationMismatch, err)
	}

	secret := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, resp, id[:], []byte("pufkey-activation-secret-v1")), secret); err != nil {
		return uuid.Nil, nil, fmt.Errorf("%w: derive activation secret: %v", puf.ErrEngine, err)
	}
	return id, secret, nil
}

// activationBinding is a public tag identifying an activation inside key
// codes, so a foreign key code is rejected before decryption.
func activationBinding(secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte("pufkey-binding-v1"))
	return mac.Sum(nil)[:16]
}

// EnrollmentID extracts the enrollment ID from an activation code without
// verifying it.
func EnrollmentID(ac []byte) (uuid.UUID, error) {
	if len(ac) != ActivationCodeSize || !bytes.Equal(ac[0:4], acMagic) {
		return uuid.Nil, fmt.Errorf("%w: not an activation code", puf.ErrActivationMismatch)
	}
	return uuid.FromBytes(ac[acIDOff:acSaltOff])
}
