// Package health runs the self-checks behind "pufctl check": whether the
// fingerprint answers, the store is reachable, the device is enrolled and
// key material can be locked in memory.
package health

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"pufkey/internal/security"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// CheckResult represents the result of a health check.
type CheckResult struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`
}

// Check is a function that performs a health check.
type Check func(ctx context.Context) CheckResult

// Component represents a health-checkable component.
type Component struct {
	Name     string
	Critical bool // failure makes the overall status unhealthy
	Check    Check
	Timeout  time.Duration
}

// Checker manages health checks.
type Checker struct {
	mu         sync.RWMutex
	components map[string]*Component
	results    map[string]CheckResult
}

// NewChecker creates a new Checker.
func NewChecker() *Checker {
	return &Checker{
		components: make(map[string]*Component),
		results:    make(map[string]CheckResult),
	}
}

// Register registers a health check component.
func (c *Checker) Register(component *Component) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if component.Timeout == 0 {
		component.Timeout = 5 * time.Second
	}
	c.components[component.Name] = component
	c.results[component.Name] = CheckResult{Name: component.Name, Status: StatusUnknown}
}

// RegisterFunc registers a simple health check function.
func (c *Checker) RegisterFunc(name string, critical bool, check Check) {
	c.Register(&Component{Name: name, Critical: critical, Check: check})
}

// Run executes every registered check concurrently and returns the
// results sorted by name.
func (c *Checker) Run(ctx context.Context) []CheckResult {
	c.mu.RLock()
	components := make([]*Component, 0, len(c.components))
	for _, comp := range c.components {
		components = append(components, comp)
	}
	c.mu.RUnlock()

	var wg sync.WaitGroup
	for _, comp := range components {
		wg.Add(1)
		go func(comp *Component) {
			defer wg.Done()
			result := runOne(ctx, comp)

			c.mu.Lock()
			c.results[comp.Name] = result
			c.mu.Unlock()
		}(comp)
	}
	wg.Wait()

	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]CheckResult, 0, len(c.results))
	for _, r := range c.results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func runOne(ctx context.Context, comp *Component) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, comp.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- CheckResult{Status: StatusUnhealthy, Message: "check panicked", Error: fmt.Sprint(r)}
			}
		}()
		done <- comp.Check(checkCtx)
	}()

	var result CheckResult
	select {
	case result = <-done:
	case <-checkCtx.Done():
		result = CheckResult{Status: StatusUnhealthy, Message: "check timed out", Error: checkCtx.Err().Error()}
	}
	result.Name = comp.Name
	result.Duration = time.Since(start)
	return result
}

// OverallStatus returns the aggregated health status.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hasUnknown := false
	hasDegraded := false

	for name, result := range c.results {
		comp := c.components[name]
		if comp == nil {
			continue
		}

		switch result.Status {
		case StatusUnhealthy:
			if comp.Critical {
				return StatusUnhealthy
			}
			hasDegraded = true
		case StatusDegraded:
			hasDegraded = true
		case StatusUnknown:
			if comp.Critical {
				hasUnknown = true
			}
		}
	}

	if hasUnknown {
		return StatusUnknown
	}
	if hasDegraded {
		return StatusDegraded
	}
	return StatusHealthy
}

// Common checks.

// FingerprintCheck asks the fingerprint source for a response to a fixed
// probe challenge. The response itself is discarded.
func FingerprintCheck(respond func(challenge []byte) ([]byte, error)) Check {
	return func(ctx context.Context) CheckResult {
		resp, err := respond([]byte("pufkey-health-probe"))
		if err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "fingerprint did not respond", Error: err.Error()}
		}
		security.Wipe(resp)
		return CheckResult{Status: StatusHealthy, Message: "fingerprint responding"}
	}
}

// LookupCheck treats notFound as degraded and any other error as unhealthy.
func LookupCheck(what string, notFound error, lookup func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		err := lookup(ctx)
		switch {
		case err == nil:
			return CheckResult{Status: StatusHealthy, Message: what + " ok"}
		case errors.Is(err, notFound):
			return CheckResult{Status: StatusDegraded, Message: what + " missing"}
		default:
			return CheckResult{Status: StatusUnhealthy, Message: what + " failed", Error: err.Error()}
		}
	}
}

// FileModeCheck reports degraded when path is readable by group or others.
func FileModeCheck(path string) Check {
	return func(ctx context.Context) CheckResult {
		info, err := os.Stat(path)
		if err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "cannot stat " + path, Error: err.Error()}
		}
		if perm := info.Mode().Perm(); perm&0o077 != 0 {
			return CheckResult{Status: StatusDegraded, Message: fmt.Sprintf("%s has mode %04o", path, perm)}
		}
		return CheckResult{Status: StatusHealthy, Message: "owner-only permissions"}
	}
}

// MemoryLockCheck reports whether key buffers can be locked into RAM.
func MemoryLockCheck() Check {
	return func(ctx context.Context) CheckResult {
		sb := security.NewSecureBytes(64)
		defer sb.Destroy()
		if !sb.Locked() {
			return CheckResult{Status: StatusDegraded, Message: "mlock unavailable, key buffers may be swapped"}
		}
		return CheckResult{Status: StatusHealthy, Message: "key buffers locked in memory"}
	}
}
