package config

import (
	"errors"
	"fmt"
	"strings"

	"pufkey/internal/hardware"
	"pufkey/internal/logging"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for i := range e {
		msgs = append(msgs, e[i].Error())
	}
	return strings.Join(msgs, "; ")
}

// Is makes errors.Is(err, ErrInvalidConfig) hold for any ValidationErrors.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Fields returns the names of the offending fields.
func (e ValidationErrors) Fields() []string {
	fields := make([]string, 0, len(e))
	for i := range e {
		fields = append(fields, e[i].Field)
	}
	return fields
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max any) ValidationError {
	return ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) ValidationError {
	return ValidationError{Field: field, Message: "required field is missing"}
}

func oneOf(field, value string, allowed ...string) *ValidationError {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("%q is not one of %s", value, strings.Join(allowed, ", ")),
	}
}

// ValidateConfig performs validation of the whole configuration.
func ValidateConfig(c *Config) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs ValidationErrors
	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}
	errs = append(errs, validatePUF(&c.PUF)...)
	errs = append(errs, validateFingerprint(&c.Fingerprint)...)
	errs = append(errs, validateStore(&c.Store)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validatePUF(p *PUFConfig) ValidationErrors {
	var errs ValidationErrors
	if p.HoldTime() < hardware.MinDischarge {
		errs = append(errs, ValidationError{
			Field:   "puf.hold_time_ms",
			Message: fmt.Sprintf("must be at least %d", hardware.MinDischarge.Milliseconds()),
		})
	}
	if p.ClockHz < hardware.MinClockHz || p.ClockHz > hardware.MaxClockHz {
		errs = append(errs, RangeError("puf.clock_hz", hardware.MinClockHz, hardware.MaxClockHz))
	}
	if e := oneOf("puf.nonce_source", p.NonceSource, "random", "counter"); e != nil {
		errs = append(errs, *e)
	}
	if p.TimeoutSec < 0 {
		errs = append(errs, ValidationError{Field: "puf.timeout_sec", Message: "must not be negative"})
	}
	return errs
}

func validateFingerprint(f *FingerprintConfig) ValidationErrors {
	var errs ValidationErrors
	if e := oneOf("fingerprint.source", f.Source, "seed", "tpm", "auto"); e != nil {
		errs = append(errs, *e)
	}
	if f.Source != "tpm" && f.SeedPath == "" {
		errs = append(errs, RequiredFieldError("fingerprint.seed_path"))
	}
	return errs
}

func validateStore(s *StoreConfig) ValidationErrors {
	var errs ValidationErrors
	if e := oneOf("store.backend", s.Backend, "sqlite", "s3", "none"); e != nil {
		errs = append(errs, *e)
	}
	switch s.Backend {
	case "sqlite":
		if s.Path == "" {
			errs = append(errs, RequiredFieldError("store.path"))
		}
		if s.BusyTimeoutMs < 0 {
			errs = append(errs, ValidationError{Field: "store.busy_timeout_ms", Message: "must not be negative"})
		}
	case "s3":
		if s.S3.Bucket == "" {
			errs = append(errs, RequiredFieldError("store.s3.bucket"))
		}
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors
	if _, err := logging.ParseLevel(l.Level); err != nil {
		errs = append(errs, ValidationError{Field: "logging.level", Message: err.Error()})
	}
	if _, err := logging.ParseFormat(l.Format); err != nil {
		errs = append(errs, ValidationError{Field: "logging.format", Message: err.Error()})
	}
	if e := oneOf("logging.output", l.Output, "stdout", "stderr", "file", "both"); e != nil {
		errs = append(errs, *e)
	}
	if (l.Output == "file" || l.Output == "both") && l.FilePath == "" {
		errs = append(errs, RequiredFieldError("logging.file_path"))
	}
	if l.MaxSizeMB < 1 || l.MaxSizeMB > 1024 {
		errs = append(errs, RangeError("logging.max_size_mb", 1, 1024))
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{Field: "logging.max_backups", Message: "must not be negative"})
	}
	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	if m.Enabled && m.TextfilePath != "" && !strings.HasSuffix(m.TextfilePath, ".prom") {
		return ValidationErrors{{Field: "metrics.textfile_path", Message: "must end in .prom"}}
	}
	return nil
}
