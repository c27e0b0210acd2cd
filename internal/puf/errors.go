package puf

import (
	"errors"
	"fmt"
)

// Sentinel errors, one per error kind. Errors returned by a Manager match
// exactly one of the first five via errors.Is.
var (
	ErrEngine             = errors.New("puf: engine error")
	ErrEnrollment         = errors.New("puf: enrollment failed")
	ErrActivationMismatch = errors.New("puf: activation code mismatch")
	ErrInvalidArgument    = errors.New("puf: invalid argument")
	ErrUnwrap             = errors.New("puf: unwrap failed")

	// ErrNotStarted is wrapped by wrap and unwrap calls made before a
	// successful Start in the current cycle. Its kind is KindEngine.
	ErrNotStarted = errors.New("puf: engine not started")
)

// Kind classifies a lifecycle failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindEngine
	KindEnrollment
	KindActivationMismatch
	KindInvalidArgument
	KindUnwrap
)

// String returns the status text of the kind.
func (k Kind) String() string {
	switch k {
	case KindEngine:
		return "EngineError"
	case KindEnrollment:
		return "EnrollmentError"
	case KindActivationMismatch:
		return "ActivationMismatchError"
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindUnwrap:
		return "UnwrapError"
	default:
		return "Unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindEngine:
		return ErrEngine
	case KindEnrollment:
		return ErrEnrollment
	case KindActivationMismatch:
		return ErrActivationMismatch
	case KindInvalidArgument:
		return ErrInvalidArgument
	case KindUnwrap:
		return ErrUnwrap
	}
	return nil
}

// Retryable reports whether the operation may succeed after a full
// deinitialize/initialize cycle that respects the discharge interval.
func (k Kind) Retryable() bool {
	return k == KindEngine || k == KindEnrollment
}

// Fatal reports whether the failure indicates tamper, corrupted storage
// or foreign silicon. Callers should halt rather than continue degraded.
func (k Kind) Fatal() bool {
	return k == KindActivationMismatch || k == KindUnwrap
}

// Error is returned by every fallible Manager operation.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("puf: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("puf: %s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// KindOf extracts the kind of err. Plain sentinel errors are classified
// too, so engines may return them directly.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	for _, k := range []Kind{KindEngine, KindEnrollment, KindActivationMismatch, KindInvalidArgument, KindUnwrap} {
		if errors.Is(err, k.sentinel()) {
			return k
		}
	}
	return KindUnknown
}

// StatusText maps a result to its status string: "Success" for nil, the
// kind text otherwise.
func StatusText(err error) string {
	if err == nil {
		return "Success"
	}
	return KindOf(err).String()
}

func newError(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// classify wraps an engine failure, keeping the engine's own kind when it
// reported one and falling back to def otherwise.
func classify(op string, def Kind, err error) *Error {
	if k := KindOf(err); k != KindUnknown {
		def = k
	}
	return newError(op, def, err)
}
