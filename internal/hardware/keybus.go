package hardware

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"pufkey/internal/puf"
	"pufkey/internal/security"
)

// Key bus errors.
var (
	ErrStaleHandle = errors.New("hardware: key bus handle is stale")
	ErrEmptySlot   = errors.New("hardware: key bus slot is empty")
)

type busRegister struct {
	key        []byte
	generation uint64
}

// KeyBus simulates the protected path between the PUF and a crypto
// block. Keys loaded onto it are never returned to software; callers
// only hold handles and ask the bus to use them.
type KeyBus struct {
	mu         sync.Mutex
	regs       []busRegister
	generation uint64
	nonces     map[uint32]struct{}
	replays    int
	logger     *slog.Logger
}

// NewKeyBus returns a bus with slots empty registers.
func NewKeyBus(slots int, logger *slog.Logger) *KeyBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyBus{
		regs:   make([]busRegister, slots),
		nonces: make(map[uint32]struct{}),
		logger: logger,
	}
}

// Load copies key into slot and returns a handle to it. A nonce already
// seen since the last Clear is logged as a possible replay but the load
// still succeeds.
func (b *KeyBus) Load(slot puf.BusSlot, key []byte, nonce uint32) (puf.HardwareKeyHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if int(slot) >= len(b.regs) {
		return puf.HardwareKeyHandle{}, fmt.Errorf("%w: bus slot %d", puf.ErrInvalidArgument, slot)
	}
	if _, seen := b.nonces[nonce]; seen {
		b.replays++
		b.logger.Warn("bus nonce reused", slog.Int("bus_slot", int(slot)))
	}
	b.nonces[nonce] = struct{}{}

	reg := &b.regs[slot]
	security.Wipe(reg.key)
	reg.key = append(make([]byte, 0, len(key)), key...)
	b.generation++
	reg.generation = b.generation

	return puf.HardwareKeyHandle{
		Slot:       slot,
		Generation: reg.generation,
		KeyLength:  len(key),
	}, nil
}

func (b *KeyBus) register(h puf.HardwareKeyHandle) (*busRegister, error) {
	if int(h.Slot) >= len(b.regs) {
		return nil, fmt.Errorf("%w: bus slot %d", puf.ErrInvalidArgument, h.Slot)
	}
	reg := &b.regs[h.Slot]
	if reg.key == nil {
		return nil, ErrEmptySlot
	}
	if reg.generation != h.Generation {
		return nil, ErrStaleHandle
	}
	return reg, nil
}

// Encrypt seals plaintext with AES-GCM under the key behind h, the way a
// downstream crypto block consumes a bus key. The result is nonce then
// ciphertext.
func (b *KeyBus) Encrypt(h puf.HardwareKeyHandle, plaintext []byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	reg, err := b.register(h)
	if err != nil {
		return nil, err
	}
	aead, err := busCipher(reg.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt.
func (b *KeyBus) Decrypt(h puf.HardwareKeyHandle, sealed []byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	reg, err := b.register(h)
	if err != nil {
		return nil, err
	}
	aead, err := busCipher(reg.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("hardware: sealed data too short")
	}
	ns := aead.NonceSize()
	return aead.Open(nil, sealed[:ns], sealed[ns:], nil)
}

// busCipher builds AES-GCM for 16/24/32 byte keys; 64 byte keys use
// their first half.
func busCipher(key []byte) (cipher.AEAD, error) {
	if len(key) == 64 {
		key = key[:32]
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Loaded reports whether slot holds a key.
func (b *KeyBus) Loaded(slot puf.BusSlot) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int(slot) < len(b.regs) && b.regs[slot].key != nil
}

// Replays returns how many loads reused a nonce since the last Clear.
func (b *KeyBus) Replays() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.replays
}

// Clear wipes every register and forgets seen nonces.
func (b *KeyBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.regs {
		security.Wipe(b.regs[i].key)
		b.regs[i].key = nil
	}
	clear(b.nonces)
	b.replays = 0
}
