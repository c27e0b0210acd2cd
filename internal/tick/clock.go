package tick

import (
	"sync"
	"time"
)

// Clock is the time source used by hardware-facing code.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// SystemClock uses the runtime's monotonic clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// Sleep calls time.Sleep.
func (SystemClock) Sleep(d time.Duration) { time.Sleep(d) }

// CounterClock derives time from the global tick counter. It falls back
// to the system clock while the counter is stopped.
type CounterClock struct {
	epoch time.Time
	once  sync.Once
}

// Now returns the epoch plus the elapsed ticks.
func (c *CounterClock) Now() time.Time {
	c.once.Do(func() { c.epoch = time.Now() })
	if !Running() {
		return time.Now()
	}
	return c.epoch.Add(time.Duration(Millis()) * time.Millisecond)
}

// Sleep waits for d rounded up to whole ticks.
func (c *CounterClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	ms := uint64((d + time.Millisecond - 1) / time.Millisecond)
	if err := Delay(ms); err != nil {
		time.Sleep(d)
	}
}

// FakeClock is a manually advanced clock for tests. Sleep advances the
// clock instead of blocking.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	slept  time.Duration
	sleeps int
}

// NewFakeClock returns a FakeClock starting at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the current fake time.
func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Sleep advances the fake time by d.
func (f *FakeClock) Sleep(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d <= 0 {
		return
	}
	f.now = f.now.Add(d)
	f.slept += d
	f.sleeps++
}

// Advance moves the fake time forward without counting as a sleep.
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Slept returns the total duration passed to Sleep.
func (f *FakeClock) Slept() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.slept
}

// Sleeps returns how many non-zero Sleep calls were made.
func (f *FakeClock) Sleeps() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sleeps
}
