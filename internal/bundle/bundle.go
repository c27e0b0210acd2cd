// Package bundle moves a device's activation code and key codes between
// stores as a single provisioning file, in JSON or CBOR.
package bundle

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"pufkey/internal/hardware"
	"pufkey/internal/puf"
	"pufkey/internal/store"
)

// Version is the bundle format version.
const Version = 1

const schemaURL = "https://schemas.pufkey.dev/bundle-v1.json"

//go:embed bundle-v1.schema.json
var schemaJSON []byte

var (
	// ErrInvalid wraps every structural or schema failure.
	ErrInvalid = errors.New("bundle: invalid")
	// ErrSize is returned when a blob does not fit the engine's sizes.
	ErrSize = errors.New("bundle: size mismatch")
)

// Format selects the wire encoding.
type Format int

const (
	FormatJSON Format = iota
	FormatCBOR
)

func (f Format) String() string {
	if f == FormatCBOR {
		return "cbor"
	}
	return "json"
}

// ParseFormat accepts "json" and "cbor".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "json", "":
		return FormatJSON, nil
	case "cbor":
		return FormatCBOR, nil
	}
	return FormatJSON, fmt.Errorf("bundle: unknown format %q", s)
}

// FormatFromPath picks CBOR for .cbor files and JSON otherwise.
func FormatFromPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".cbor") {
		return FormatCBOR
	}
	return FormatJSON
}

// Bundle holds everything needed to reprovision a device's key codes.
// None of it is secret.
type Bundle struct {
	Version        int       `json:"version" cbor:"1,keyasint"`
	DeviceID       string    `json:"device_id" cbor:"2,keyasint"`
	EnrollmentID   string    `json:"enrollment_id" cbor:"3,keyasint"`
	ActivationCode []byte    `json:"activation_code" cbor:"4,keyasint"`
	CreatedAt      time.Time `json:"created_at" cbor:"5,keyasint"`
	KeyCodes       []Entry   `json:"key_codes,omitempty" cbor:"6,keyasint,omitempty"`
}

// Entry is one wrapped key.
type Entry struct {
	Name      string `json:"name" cbor:"1,keyasint"`
	Slot      uint8  `json:"slot" cbor:"2,keyasint"`
	KeyLength int    `json:"key_length" cbor:"3,keyasint"`
	Intrinsic bool   `json:"intrinsic" cbor:"4,keyasint"`
	Code      []byte `json:"code" cbor:"5,keyasint"`
}

var (
	compileOnce = sync.OnceValues(compileSchema)

	encMode = func() cbor.EncMode {
		em, err := cbor.EncOptions{
			Sort: cbor.SortCoreDeterministic,
			Time: cbor.TimeRFC3339Nano,
		}.EncMode()
		if err != nil {
			panic(err)
		}
		return em
	}()
)

func compileSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return compiler.Compile(schemaURL)
}

// FromStore collects the device's activation and key codes.
func FromStore(ctx context.Context, st store.Store, deviceID string) (*Bundle, error) {
	act, err := st.Activation(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("bundle: load activation: %w", err)
	}
	kcs, err := st.KeyCodes(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("bundle: load key codes: %w", err)
	}

	b := &Bundle{
		Version:        Version,
		DeviceID:       act.DeviceID,
		EnrollmentID:   act.EnrollmentID,
		ActivationCode: act.Code,
		CreatedAt:      time.Now().UTC(),
	}
	for _, kc := range kcs {
		if kc.EnrollmentID != act.EnrollmentID {
			continue
		}
		b.KeyCodes = append(b.KeyCodes, Entry{
			Name:      kc.Name,
			Slot:      kc.Slot,
			KeyLength: kc.KeyLength,
			Intrinsic: kc.Intrinsic,
			Code:      kc.Code,
		})
	}
	return b, nil
}

// Apply writes the bundle into st as one enrollment: the activation
// replaces the stored one, key codes of older enrollments are dropped and
// the bundle's key codes are installed alongside it.
func (b *Bundle) Apply(ctx context.Context, st store.Store) error {
	if err := b.Validate(); err != nil {
		return err
	}

	kcs := make([]store.KeyCode, 0, len(b.KeyCodes))
	for _, e := range b.KeyCodes {
		kcs = append(kcs, store.KeyCode{
			DeviceID:     b.DeviceID,
			Name:         e.Name,
			EnrollmentID: b.EnrollmentID,
			Slot:         e.Slot,
			KeyLength:    e.KeyLength,
			Intrinsic:    e.Intrinsic,
			Code:         e.Code,
			CreatedAt:    b.CreatedAt,
		})
	}
	err := st.PutEnrollment(ctx, &store.Activation{
		DeviceID:     b.DeviceID,
		EnrollmentID: b.EnrollmentID,
		Code:         b.ActivationCode,
		CreatedAt:    b.CreatedAt,
	}, kcs)
	if err != nil {
		return fmt.Errorf("bundle: store enrollment: %w", err)
	}
	return nil
}

// CheckEnrollment verifies that the enrollment ID recorded in the bundle
// is the one embedded in its activation code.
func (b *Bundle) CheckEnrollment() error {
	id, err := hardware.EnrollmentID(b.ActivationCode)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if id.String() != b.EnrollmentID {
		return fmt.Errorf("%w: enrollment id %s does not match activation code (%s)", ErrInvalid, b.EnrollmentID, id)
	}
	return nil
}

// Validate checks the fields the schema cannot express.
func (b *Bundle) Validate() error {
	if b.Version != Version {
		return fmt.Errorf("%w: version %d", ErrInvalid, b.Version)
	}
	if b.DeviceID == "" {
		return fmt.Errorf("%w: missing device id", ErrInvalid)
	}
	if _, err := uuid.Parse(b.EnrollmentID); err != nil {
		return fmt.Errorf("%w: enrollment id: %v", ErrInvalid, err)
	}
	if len(b.ActivationCode) == 0 {
		return fmt.Errorf("%w: missing activation code", ErrInvalid)
	}

	seen := make(map[string]bool, len(b.KeyCodes))
	for _, e := range b.KeyCodes {
		if e.Name == "" {
			return fmt.Errorf("%w: key code without name", ErrInvalid)
		}
		if seen[e.Name] {
			return fmt.Errorf("%w: duplicate key code %q", ErrInvalid, e.Name)
		}
		seen[e.Name] = true
		if e.KeyLength <= 0 || len(e.Code) == 0 {
			return fmt.Errorf("%w: key code %q is empty", ErrInvalid, e.Name)
		}
	}
	return nil
}

// CheckSizes verifies every blob against the engine's reported sizes.
func (b *Bundle) CheckSizes(sizes puf.Sizes) error {
	if len(b.ActivationCode) != sizes.ActivationCodeSize {
		return fmt.Errorf("%w: activation code is %d bytes, engine expects %d",
			ErrSize, len(b.ActivationCode), sizes.ActivationCodeSize)
	}
	for _, e := range b.KeyCodes {
		if !sizes.SupportsKeySize(e.KeyLength) {
			return fmt.Errorf("%w: %q has unsupported length %d", ErrSize, e.Name, e.KeyLength)
		}
		if int(e.Slot) > int(sizes.MaxSlot) {
			return fmt.Errorf("%w: %q uses slot %d", ErrSize, e.Name, e.Slot)
		}
		if want := sizes.KeyCodeSize(e.KeyLength); len(e.Code) != want {
			return fmt.Errorf("%w: %q is %d bytes, engine expects %d", ErrSize, e.Name, len(e.Code), want)
		}
	}
	return nil
}

// Encode writes b to w in the given format.
func (b *Bundle) Encode(w io.Writer, f Format) error {
	if err := b.Validate(); err != nil {
		return err
	}

	var (
		data []byte
		err  error
	)
	switch f {
	case FormatCBOR:
		data, err = encMode.Marshal(b)
	default:
		data, err = json.MarshalIndent(b, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("bundle: encode %s: %w", f, err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("bundle: write: %w", err)
	}
	return nil
}

// Decode parses a bundle, detecting JSON by its leading brace.
// JSON input is checked against the bundle schema before decoding.
func Decode(data []byte) (*Bundle, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrInvalid)
	}

	var b Bundle
	if trimmed[0] == '{' {
		if err := validateJSON(trimmed); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	} else {
		if err := cbor.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("%w: cbor: %v", ErrInvalid, err)
		}
	}

	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

func validateJSON(data []byte) error {
	schema, err := compileOnce()
	if err != nil {
		return fmt.Errorf("bundle: compile schema: %w", err)
	}

	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}
