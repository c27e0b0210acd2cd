package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite stores records in a local SQLite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path and runs migrations.
func OpenSQLite(path string, busyTimeout time.Duration) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d", path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &SQLite{db: db}, nil
}

// DB exposes the underlying handle for migration tooling.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLite) PutActivation(ctx context.Context, a *Activation) error {
	return s.PutEnrollment(ctx, a, nil)
}

// PutEnrollment replaces the activation and installs kcs in one
// transaction.
func (s *SQLite) PutEnrollment(ctx context.Context, a *Activation, kcs []KeyCode) error {
	if err := a.validate(); err != nil {
		return err
	}
	for i := range kcs {
		if err := kcs[i].validate(); err != nil {
			return err
		}
		if kcs[i].DeviceID != a.DeviceID || kcs[i].EnrollmentID != a.EnrollmentID {
			return fmt.Errorf("%w: key code %q does not belong to the activation", ErrInvalidRecord, kcs[i].Name)
		}
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO activations (device_id, enrollment_id, code, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			enrollment_id = excluded.enrollment_id,
			code = excluded.code,
			created_at = excluded.created_at`,
		a.DeviceID, a.EnrollmentID, a.Code, a.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert activation: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM keycodes WHERE device_id = ? AND enrollment_id != ?",
		a.DeviceID, a.EnrollmentID,
	); err != nil {
		return fmt.Errorf("drop stale key codes: %w", err)
	}

	for i := range kcs {
		if err := putKeyCode(ctx, tx, &kcs[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLite) Activation(ctx context.Context, deviceID string) (*Activation, error) {
	a := Activation{DeviceID: deviceID}
	var createdAt int64

	err := s.db.QueryRowContext(ctx,
		"SELECT enrollment_id, code, created_at FROM activations WHERE device_id = ?", deviceID,
	).Scan(&a.EnrollmentID, &a.Code, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get activation: %w", err)
	}

	a.CreatedAt = time.Unix(0, createdAt)
	return &a, nil
}

func (s *SQLite) PutKeyCode(ctx context.Context, kc *KeyCode) error {
	if err := kc.validate(); err != nil {
		return err
	}
	return putKeyCode(ctx, s.db, kc)
}

func putKeyCode(ctx context.Context, db execer, kc *KeyCode) error {
	if kc.CreatedAt.IsZero() {
		kc.CreatedAt = time.Now()
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO keycodes (device_id, name, enrollment_id, slot, key_length, intrinsic, code, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id, name) DO UPDATE SET
			enrollment_id = excluded.enrollment_id,
			slot = excluded.slot,
			key_length = excluded.key_length,
			intrinsic = excluded.intrinsic,
			code = excluded.code,
			created_at = excluded.created_at`,
		kc.DeviceID, kc.Name, kc.EnrollmentID, kc.Slot, kc.KeyLength, kc.Intrinsic, kc.Code, kc.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert key code %s: %w", kc.Name, err)
	}
	return nil
}

func (s *SQLite) KeyCode(ctx context.Context, deviceID, name string) (*KeyCode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, name, enrollment_id, slot, key_length, intrinsic, code, created_at
		FROM keycodes WHERE device_id = ? AND name = ?`, deviceID, name)
	if err != nil {
		return nil, fmt.Errorf("get key code: %w", err)
	}
	defer rows.Close()

	kcs, err := scanKeyCodes(rows)
	if err != nil {
		return nil, err
	}
	if len(kcs) == 0 {
		return nil, ErrNotFound
	}
	return &kcs[0], nil
}

func (s *SQLite) KeyCodes(ctx context.Context, deviceID string) ([]KeyCode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, name, enrollment_id, slot, key_length, intrinsic, code, created_at
		FROM keycodes WHERE device_id = ? ORDER BY name`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("list key codes: %w", err)
	}
	defer rows.Close()

	return scanKeyCodes(rows)
}

func (s *SQLite) DeleteKeyCode(ctx context.Context, deviceID, name string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM keycodes WHERE device_id = ? AND name = ?", deviceID, name)
	if err != nil {
		return fmt.Errorf("delete key code: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanKeyCodes(rows *sql.Rows) ([]KeyCode, error) {
	var out []KeyCode
	for rows.Next() {
		var kc KeyCode
		var createdAt int64
		if err := rows.Scan(&kc.DeviceID, &kc.Name, &kc.EnrollmentID, &kc.Slot, &kc.KeyLength,
			&kc.Intrinsic, &kc.Code, &createdAt); err != nil {
			return nil, fmt.Errorf("scan key code: %w", err)
		}
		kc.CreatedAt = time.Unix(0, createdAt)
		out = append(out, kc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate key codes: %w", err)
	}
	return out, nil
}
