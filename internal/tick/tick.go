// Package tick provides the process-wide millisecond tick counter and the
// Clock abstraction used for hardware timing (discharge intervals,
// poll-until-ready loops).
//
// The counter must be started explicitly with Start and released with
// Stop. Millis reports 0 while the counter is stopped.
package tick

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNotRunning is returned by Delay when the counter has not been started.
var ErrNotRunning = errors.New("tick: counter not running")

var (
	mu      sync.Mutex
	ticks   atomic.Uint64
	running atomic.Bool
	stop    chan struct{}
	done    chan struct{}
)

// Start begins incrementing the counter once per millisecond. Calling
// Start while the counter is running is a no-op.
func Start() {
	mu.Lock()
	defer mu.Unlock()

	if running.Load() {
		return
	}
	ticks.Store(0)
	stop = make(chan struct{})
	done = make(chan struct{})
	running.Store(true)

	go run(stop, done)
}

func run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	t := time.NewTicker(time.Millisecond)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-t.C:
			ticks.Add(1)
		}
	}
}

// Stop halts the counter and waits for the ticker goroutine to exit.
// Calling Stop on a stopped counter is a no-op.
func Stop() {
	mu.Lock()
	defer mu.Unlock()

	if !running.Load() {
		return
	}
	close(stop)
	<-done
	running.Store(false)
	ticks.Store(0)
}

// Running reports whether the counter is active.
func Running() bool {
	return running.Load()
}

// Millis returns the number of ticks since Start.
func Millis() uint64 {
	return ticks.Load()
}

// Delay blocks until n ticks have elapsed.
func Delay(n uint64) error {
	if !running.Load() {
		return ErrNotRunning
	}
	target := ticks.Load() + n
	for ticks.Load() < target {
		if !running.Load() {
			return ErrNotRunning
		}
		time.Sleep(100 * time.Microsecond)
	}
	return nil
}
