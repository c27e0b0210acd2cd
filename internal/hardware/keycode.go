package hardware

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"pufkey/internal/puf"
	"pufkey/internal/security"
)

// Key code layout.
//
//	[0]      format version
//	[1]      source: 1 user, 2 intrinsic
//	[2]      slot
//	[3]      reserved, zero
//	[4:8]    key length, big endian
//	[8:24]   activation binding
//	[24:36]  nonce
//	[36:]    ChaCha20-Poly1305 ciphertext of the 8-byte aligned key, then tag
//
// Bytes [0:24] are authenticated as associated data.
const (
	kcVersion    = 1
	kcHeaderSize = 8
	kcBindingEnd = kcHeaderSize + 16
	kcNonceEnd   = kcBindingEnd + chacha20poly1305.NonceSize

	sourceUser      = 1
	sourceIntrinsic = 2
)

type keyCodeHeader struct {
	source byte
	slot   puf.SlotIndex
	keyLen int
}

func alignedLen(n int) int {
	return (n + KeyAlign - 1) / KeyAlign * KeyAlign
}

// KeyCodeSize returns the key code length for an n byte key.
func KeyCodeSize(n int) int {
	return KeyCodeOverhead + alignedLen(n)
}

func supported(n int) bool {
	for _, s := range SupportedKeySizes {
		if s == n {
			return true
		}
	}
	return false
}

func (e *Engine) wrappingKey(slot puf.SlotIndex) ([]byte, error) {
	info := append([]byte("pufkey-keycode-v1"), byte(slot))
	k := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, e.secret, nil, info), k); err != nil {
		return nil, err
	}
	return k, nil
}

func (e *Engine) sealKeyCode(slot puf.SlotIndex, src puf.KeySource, out []byte) error {
	n := src.Len()
	if slot > MaxSlot {
		return fmt.Errorf("%w: slot %d", puf.ErrInvalidArgument, slot)
	}
	if !supported(n) {
		return fmt.Errorf("%w: key length %d", puf.ErrInvalidArgument, n)
	}
	if len(out) != KeyCodeSize(n) {
		return fmt.Errorf("%w: key code buffer is %d bytes, want %d", puf.ErrInvalidArgument, len(out), KeyCodeSize(n))
	}

	plain := make([]byte, alignedLen(n))
	defer security.Wipe(plain)

	source := byte(sourceUser)
	if src.Intrinsic() {
		source = sourceIntrinsic
		if _, err := io.ReadFull(e.rand, plain[:n]); err != nil {
			return fmt.Errorf("%w: intrinsic key: %v", puf.ErrEngine, err)
		}
	} else {
		copy(plain, src.Key())
	}

	out[0] = kcVersion
	out[1] = source
	out[2] = byte(slot)
	out[3] = 0
	binary.BigEndian.PutUint32(out[4:kcHeaderSize], uint32(n))
	copy(out[kcHeaderSize:kcBindingEnd], e.binding)
	if _, err := io.ReadFull(e.rand, out[kcBindingEnd:kcNonceEnd]); err != nil {
		return fmt.Errorf("%w: nonce: %v", puf.ErrEngine, err)
	}

	key, err := e.wrappingKey(slot)
	if err != nil {
		return fmt.Errorf("%w: wrapping key: %v", puf.ErrEngine, err)
	}
	defer security.Wipe(key)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return fmt.Errorf("%w: %v", puf.ErrEngine, err)
	}
	aead.Seal(out[kcNonceEnd:kcNonceEnd], out[kcBindingEnd:kcNonceEnd], plain, out[:kcBindingEnd])
	return nil
}

// openKeyCode authenticates and decrypts kc under the active activation.
// The returned plaintext is aligned and must be wiped by the caller.
func (e *Engine) openKeyCode(kc []byte) ([]byte, keyCodeHeader, error) {
	var hdr keyCodeHeader
	if len(kc) < KeyCodeOverhead {
		return nil, hdr, fmt.Errorf("%w: key code truncated to %d bytes", puf.ErrUnwrap, len(kc))
	}
	if kc[0] != kcVersion || kc[3] != 0 {
		return nil, hdr, fmt.Errorf("%w: not a key code", puf.ErrUnwrap)
	}
	hdr.source = kc[1]
	hdr.slot = puf.SlotIndex(kc[2])
	hdr.keyLen = int(binary.BigEndian.Uint32(kc[4:kcHeaderSize]))
	if hdr.source != sourceUser && hdr.source != sourceIntrinsic {
		return nil, hdr, fmt.Errorf("%w: unknown key source %d", puf.ErrUnwrap, hdr.source)
	}
	if hdr.slot > MaxSlot || !supported(hdr.keyLen) {
		return nil, hdr, fmt.Errorf("%w: malformed header", puf.ErrUnwrap)
	}
	if len(kc) != KeyCodeSize(hdr.keyLen) {
		return nil, hdr, fmt.Errorf("%w: key code is %d bytes, want %d", puf.ErrUnwrap, len(kc), KeyCodeSize(hdr.keyLen))
	}
	if !security.ConstantTimeCompare(kc[kcHeaderSize:kcBindingEnd], e.binding) {
		return nil, hdr, fmt.Errorf("%w: key code belongs to another activation", puf.ErrUnwrap)
	}

	key, err := e.wrappingKey(hdr.slot)
	if err != nil {
		return nil, hdr, fmt.Errorf("%w: wrapping key: %v", puf.ErrEngine, err)
	}
	defer security.Wipe(key)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, hdr, fmt.Errorf("%w: %v", puf.ErrEngine, err)
	}
	plain, err := aead.Open(nil, kc[kcBindingEnd:kcNonceEnd], kc[kcNonceEnd:], kc[:kcBindingEnd])
	if err != nil {
		return nil, hdr, fmt.Errorf("%w: authentication failed", puf.ErrUnwrap)
	}
	return plain, hdr, nil
}

// KeyCodeInfo describes the public header of a key code.
type KeyCodeInfo struct {
	Slot      puf.SlotIndex
	KeyLength int
	Intrinsic bool
}

// InspectKeyCode parses the public header of kc without decrypting it.
func InspectKeyCode(kc []byte) (KeyCodeInfo, error) {
	if len(kc) < KeyCodeOverhead || kc[0] != kcVersion {
		return KeyCodeInfo{}, fmt.Errorf("%w: not a key code", puf.ErrUnwrap)
	}
	n := int(binary.BigEndian.Uint32(kc[4:kcHeaderSize]))
	if len(kc) != KeyCodeSize(n) {
		return KeyCodeInfo{}, fmt.Errorf("%w: key code is %d bytes, want %d", puf.ErrUnwrap, len(kc), KeyCodeSize(n))
	}
	return KeyCodeInfo{
		Slot:      puf.SlotIndex(kc[2]),
		KeyLength: n,
		Intrinsic: kc[1] == sourceIntrinsic,
	}, nil
}
