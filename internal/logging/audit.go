package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditEventOperation    AuditEventType = "operation"
	AuditEventStateChange  AuditEventType = "state_change"
	AuditEventConfigChange AuditEventType = "config_change"
	AuditEventExport       AuditEventType = "export"
	AuditEventImport       AuditEventType = "import"
)

// AuditEvent is one line of the audit trail. It never carries key
// material: only operation names, outcomes and non-secret metadata.
type AuditEvent struct {
	Timestamp   time.Time         `json:"timestamp"`
	EventType   AuditEventType    `json:"event_type"`
	Component   string            `json:"component"`
	SessionID   string            `json:"session_id"`
	OperationID string            `json:"operation_id,omitempty"`
	Action      string            `json:"action"`
	Result      string            `json:"result"`
	DurationMS  float64           `json:"duration_ms,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
}

// AuditLoggerConfig holds configuration for the audit logger.
type AuditLoggerConfig struct {
	FilePath   string
	MaxSize    int64
	MaxAge     int
	MaxBackups int
	Compress   bool
	Component  string
}

// DefaultAuditConfig returns default audit logger configuration.
func DefaultAuditConfig() *AuditLoggerConfig {
	return &AuditLoggerConfig{
		FilePath:   filepath.Join(filepath.Dir(defaultLogPath()), "audit.log"),
		MaxSize:    50,
		MaxAge:     90,
		MaxBackups: 10,
		Compress:   true,
		Component:  "pufkey",
	}
}

// AuditLogger appends JSON lines to an audit trail. Each logger carries
// a random session ID so one lifecycle run can be grepped out of a
// shared file.
type AuditLogger struct {
	mu        sync.Mutex
	w         io.Writer
	closer    io.Closer
	component string
	sessionID string
	opID      string
	now       func() time.Time
}

// NewAuditLogger opens the audit file described by cfg.
func NewAuditLogger(cfg *AuditLoggerConfig) (*AuditLogger, error) {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}
	rotator, err := NewFileRotator(&Config{
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}
	a := NewAuditWriter(rotator, cfg.Component)
	a.closer = rotator
	return a, nil
}

// NewAuditWriter creates an AuditLogger over an arbitrary writer.
func NewAuditWriter(w io.Writer, component string) *AuditLogger {
	if w == nil {
		w = os.Stderr
	}
	if component == "" {
		component = "pufkey"
	}
	return &AuditLogger{
		w:         w,
		component: component,
		sessionID: uuid.NewString(),
		now:       time.Now,
	}
}

// SessionID returns the identifier stamped on every event.
func (a *AuditLogger) SessionID() string {
	return a.sessionID
}

// BindOperation stamps events that carry no operation ID of their own
// with the one in ctx. Lifecycle recorder callbacks have no context, so
// this is how they join the command that triggered them.
func (a *AuditLogger) BindOperation(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.opID = OperationIDFromContext(ctx)
}

// Log writes an audit event.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}
	if event.Component == "" {
		event.Component = a.component
	}
	event.SessionID = a.sessionID
	if event.OperationID == "" {
		event.OperationID = OperationIDFromContext(ctx)
	}
	if event.OperationID == "" {
		event.OperationID = a.opID
	}
	for k := range event.Details {
		if shouldRedact(k) {
			event.Details[k] = "[REDACTED]"
		}
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')
	if _, err := a.w.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// RecordOperation logs the outcome of one lifecycle operation. kind is
// the status text of the result ("Success" on success).
func (a *AuditLogger) RecordOperation(op, kind string, d time.Duration) {
	result := "success"
	if kind != "Success" {
		result = "failure"
	}
	_ = a.Log(context.Background(), AuditEvent{
		EventType:  AuditEventOperation,
		Action:     op,
		Result:     result,
		DurationMS: float64(d.Microseconds()) / 1000,
		Details:    map[string]string{"status": kind},
	})
}

// RecordState logs a lifecycle state transition.
func (a *AuditLogger) RecordState(state string) {
	_ = a.Log(context.Background(), AuditEvent{
		EventType: AuditEventStateChange,
		Action:    "transition",
		Result:    "success",
		Details:   map[string]string{"state": state},
	})
}

// LogConfigChange logs a configuration reload.
func (a *AuditLogger) LogConfigChange(ctx context.Context, path string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventConfigChange,
		Action:    "config_reloaded",
		Result:    "success",
		Details:   map[string]string{"path": path},
	})
}

// LogTransfer logs a bundle export or import.
func (a *AuditLogger) LogTransfer(ctx context.Context, typ AuditEventType, target string, codes int, err error) error {
	ev := AuditEvent{
		EventType: typ,
		Action:    string(typ),
		Result:    "success",
		Details: map[string]string{
			"target": target,
			"codes":  fmt.Sprint(codes),
		},
	}
	if err != nil {
		ev.Result = "failure"
		ev.Details["error"] = err.Error()
	}
	return a.Log(ctx, ev)
}

// Close closes the underlying audit file, if the logger owns one.
func (a *AuditLogger) Close() error {
	if a.closer != nil {
		return a.closer.Close()
	}
	return nil
}
