// Package nonce supplies the anti-replay values bound into hardware key
// bus transfers. Every call must yield a value the bus has not seen in
// this process; a fixed or predictable seed defeats the purpose.
package nonce

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrExhausted is returned when a counter source has wrapped around.
var ErrExhausted = errors.New("nonce: counter exhausted")

// Source yields bus-transfer nonces.
type Source interface {
	Next() (uint32, error)
}

// Random draws each nonce from a cryptographic random reader.
type Random struct {
	r io.Reader
}

// NewRandom returns a Random backed by crypto/rand.
func NewRandom() *Random {
	return &Random{r: rand.Reader}
}

// NewRandomFrom returns a Random backed by r.
func NewRandomFrom(r io.Reader) *Random {
	return &Random{r: r}
}

// Next returns 32 fresh random bits.
func (s *Random) Next() (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(s.r, b[:]); err != nil {
		return 0, fmt.Errorf("nonce: read random: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// Counter hands out strictly increasing values from a random starting
// point, so no value repeats within the lifetime of the source.
type Counter struct {
	mu    sync.Mutex
	next  uint32
	start uint32
	used  bool
}

// NewCounter seeds a Counter from crypto/rand.
func NewCounter() (*Counter, error) {
	return NewCounterFrom(rand.Reader)
}

// NewCounterFrom seeds a Counter from r.
func NewCounterFrom(r io.Reader) (*Counter, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return nil, fmt.Errorf("nonce: seed counter: %w", err)
	}
	seed := binary.BigEndian.Uint32(b[:])
	return &Counter{next: seed, start: seed}, nil
}

// Next returns the next counter value.
func (c *Counter) Next() (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.used && c.next == c.start {
		return 0, ErrExhausted
	}
	v := c.next
	c.next++
	c.used = true
	return v, nil
}

// New returns the named source: "random" or "counter".
func New(kind string) (Source, error) {
	switch kind {
	case "", "random":
		return NewRandom(), nil
	case "counter":
		return NewCounter()
	default:
		return nil, fmt.Errorf("nonce: unknown source %q", kind)
	}
}
