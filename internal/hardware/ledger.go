package hardware

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// EnrollmentLedger remembers the latest enrollment of each device across
// engine restarts. Latest returns uuid.Nil for a device never recorded.
type EnrollmentLedger interface {
	Latest(deviceID string) (uuid.UUID, error)
	Record(deviceID string, id uuid.UUID) error
}

// FileLedger keeps one small file per device under a directory.
type FileLedger struct {
	dir string
}

// NewFileLedger returns a ledger rooted at dir. The directory is created
// on first Record.
func NewFileLedger(dir string) *FileLedger {
	return &FileLedger{dir: dir}
}

func (l *FileLedger) path(deviceID string) (string, error) {
	if deviceID == "" || strings.ContainsAny(deviceID, `/\`) || strings.HasPrefix(deviceID, ".") {
		return "", fmt.Errorf("hardware: invalid device id %q", deviceID)
	}
	return filepath.Join(l.dir, deviceID), nil
}

// Latest implements EnrollmentLedger.
func (l *FileLedger) Latest(deviceID string) (uuid.UUID, error) {
	path, err := l.path(deviceID)
	if err != nil {
		return uuid.Nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("read enrollment ledger: %w", err)
	}
	id, err := uuid.Parse(strings.TrimSpace(string(data)))
	if err != nil {
		return uuid.Nil, fmt.Errorf("corrupt enrollment ledger %s: %w", path, err)
	}
	return id, nil
}

// Record implements EnrollmentLedger.
func (l *FileLedger) Record(deviceID string, id uuid.UUID) error {
	path, err := l.path(deviceID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(l.dir, 0o700); err != nil {
		return fmt.Errorf("create enrollment ledger: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(id.String()+"\n"), 0o600); err != nil {
		return fmt.Errorf("write enrollment ledger: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write enrollment ledger: %w", err)
	}
	return nil
}
