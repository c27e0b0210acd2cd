package bundle

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pufkey/internal/hardware"
	"pufkey/internal/puf"
	"pufkey/internal/store"
	"pufkey/internal/tick"
)

func sampleBundle() *Bundle {
	return &Bundle{
		Version:        Version,
		DeviceID:       "swpuf-0011223344556677",
		EnrollmentID:   uuid.NewString(),
		ActivationCode: bytes.Repeat([]byte{0xAC}, 32),
		CreatedAt:      time.Date(2026, 3, 2, 10, 15, 0, 0, time.UTC),
		KeyCodes: []Entry{
			{Name: "user", Slot: 0, KeyLength: 32, Code: bytes.Repeat([]byte{1}, 40)},
			{Name: "intrinsic", Slot: 1, KeyLength: 16, Intrinsic: true, Code: bytes.Repeat([]byte{2}, 24)},
		},
	}
}

func TestFixtureValidates(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("testdata", "bundle-v1.json"))
	require.NoError(t, err)

	b, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "swpuf-8f2c1e0a9b7d6c5e", b.DeviceID)
	require.Len(t, b.KeyCodes, 2)
	assert.True(t, b.KeyCodes[1].Intrinsic)
	assert.Equal(t, []byte("PUFA\x01\x00\x00\x00"), b.ActivationCode)
}

func TestEncodeDecode(t *testing.T) {
	for _, f := range []Format{FormatJSON, FormatCBOR} {
		t.Run(f.String(), func(t *testing.T) {
			b := sampleBundle()
			var buf bytes.Buffer
			require.NoError(t, b.Encode(&buf, f))

			if f == FormatJSON {
				assert.Equal(t, byte('{'), buf.Bytes()[0])
			}

			got, err := Decode(buf.Bytes())
			require.NoError(t, err)
			assert.Equal(t, b.DeviceID, got.DeviceID)
			assert.Equal(t, b.EnrollmentID, got.EnrollmentID)
			assert.Equal(t, b.ActivationCode, got.ActivationCode)
			assert.True(t, b.CreatedAt.Equal(got.CreatedAt))
			assert.Equal(t, b.KeyCodes, got.KeyCodes)
		})
	}
}

func TestCBORIsDeterministic(t *testing.T) {
	b := sampleBundle()
	var first, second bytes.Buffer
	require.NoError(t, b.Encode(&first, FormatCBOR))
	require.NoError(t, b.Encode(&second, FormatCBOR))
	assert.Equal(t, first.Bytes(), second.Bytes())

	var asJSON bytes.Buffer
	require.NoError(t, b.Encode(&asJSON, FormatJSON))
	assert.Less(t, first.Len(), asJSON.Len(), "CBOR carries blobs as raw bytes")
}

func TestDecodeRejectsSchemaViolations(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"wrong version", func(m map[string]any) { m["version"] = 2 }},
		{"missing activation", func(m map[string]any) { delete(m, "activation_code") }},
		{"bad enrollment id", func(m map[string]any) { m["enrollment_id"] = "not-a-uuid" }},
		{"extra field", func(m map[string]any) { m["derived_key"] = "AAAA" }},
		{"bad blob", func(m map[string]any) { m["activation_code"] = "%%%%" }},
		{"slot out of range", func(m map[string]any) {
			m["key_codes"] = []any{map[string]any{
				"name": "k", "slot": 300, "key_length": 32, "intrinsic": false, "code": "AAAA",
			}}
		}},
		{"bad name", func(m map[string]any) {
			m["key_codes"] = []any{map[string]any{
				"name": "a/b", "slot": 0, "key_length": 32, "intrinsic": false, "code": "AAAA",
			}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, sampleBundle().Encode(&buf, FormatJSON))

			var m map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
			tt.mutate(m)
			data, err := json.Marshal(m)
			require.NoError(t, err)

			_, err = Decode(data)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode(nil)
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = Decode([]byte{0xff, 0x00, 0x13})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidate(t *testing.T) {
	b := sampleBundle()
	b.KeyCodes = append(b.KeyCodes, b.KeyCodes[0])
	assert.ErrorIs(t, b.Validate(), ErrInvalid)

	b = sampleBundle()
	b.EnrollmentID = "x"
	assert.ErrorIs(t, b.Validate(), ErrInvalid)
	assert.ErrorIs(t, b.Encode(&bytes.Buffer{}, FormatJSON), ErrInvalid)

	b = sampleBundle()
	b.KeyCodes[0].Code = nil
	assert.ErrorIs(t, b.Validate(), ErrInvalid)
}

// enrolledActivation returns an activation code from a software engine.
func enrolledActivation(t *testing.T) []byte {
	t.Helper()
	e := hardware.NewEngine(
		hardware.NewStaticFingerprint(bytes.Repeat([]byte{9}, 32)),
		hardware.WithEngineClock(tick.NewFakeClock(time.Unix(1700000000, 0))),
		hardware.WithEngineLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, e.Initialize(hardware.MinDischarge, 96_000_000))
	defer e.Deinitialize(hardware.MinDischarge, 96_000_000)
	ac := make([]byte, hardware.ActivationCodeSize)
	require.NoError(t, e.Enroll(ac))
	return ac
}

func TestCheckEnrollment(t *testing.T) {
	ac := enrolledActivation(t)
	id, err := hardware.EnrollmentID(ac)
	require.NoError(t, err)

	b := sampleBundle()
	b.ActivationCode = ac
	b.EnrollmentID = id.String()
	require.NoError(t, b.CheckEnrollment())

	b.EnrollmentID = uuid.NewString()
	assert.ErrorIs(t, b.CheckEnrollment(), ErrInvalid)

	assert.ErrorIs(t, sampleBundle().CheckEnrollment(), ErrInvalid, "not an activation code")
}

func TestCheckSizes(t *testing.T) {
	sizes := puf.Sizes{
		ActivationCodeSize: hardware.ActivationCodeSize,
		KeyCodeOverhead:    hardware.KeyCodeOverhead,
		KeyAlign:           hardware.KeyAlign,
		SupportedKeySizes:  []int{16, 32},
		MaxSlot:            hardware.MaxSlot,
	}

	b := sampleBundle()
	b.ActivationCode = make([]byte, hardware.ActivationCodeSize)
	b.KeyCodes[0].Code = make([]byte, sizes.KeyCodeSize(32))
	b.KeyCodes[1].Code = make([]byte, sizes.KeyCodeSize(16))
	require.NoError(t, b.CheckSizes(sizes))

	short := *b
	short.ActivationCode = short.ActivationCode[:10]
	assert.ErrorIs(t, short.CheckSizes(sizes), ErrSize)

	b.KeyCodes[0].Code = b.KeyCodes[0].Code[1:]
	assert.ErrorIs(t, b.CheckSizes(sizes), ErrSize)

	b.KeyCodes[0].KeyLength = 24
	assert.ErrorIs(t, b.CheckSizes(sizes), ErrSize)
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	src, err := store.OpenSQLite(filepath.Join(t.TempDir(), "src.db"), 0)
	require.NoError(t, err)
	defer src.Close()

	b := sampleBundle()
	require.NoError(t, b.Apply(ctx, src))

	exported, err := FromStore(ctx, src, b.DeviceID)
	require.NoError(t, err)
	assert.Equal(t, b.EnrollmentID, exported.EnrollmentID)
	assert.ElementsMatch(t, b.KeyCodes, exported.KeyCodes)

	var buf bytes.Buffer
	require.NoError(t, exported.Encode(&buf, FormatCBOR))

	dst, err := store.OpenSQLite(filepath.Join(t.TempDir(), "dst.db"), 0)
	require.NoError(t, err)
	defer dst.Close()

	imported, err := Decode(buf.Bytes())
	require.NoError(t, err)
	require.NoError(t, imported.Apply(ctx, dst))

	kc, err := dst.KeyCode(ctx, b.DeviceID, "intrinsic")
	require.NoError(t, err)
	assert.True(t, kc.Intrinsic)
	assert.Equal(t, b.EnrollmentID, kc.EnrollmentID)
}

func TestFromStoreMissingDevice(t *testing.T) {
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "p.db"), 0)
	require.NoError(t, err)
	defer st.Close()

	_, err = FromStore(context.Background(), st, "nobody")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFormats(t *testing.T) {
	assert.Equal(t, FormatCBOR, FormatFromPath("device.CBOR"))
	assert.Equal(t, FormatJSON, FormatFromPath("device.json"))

	f, err := ParseFormat("cbor")
	require.NoError(t, err)
	assert.Equal(t, FormatCBOR, f)
	_, err = ParseFormat("xml")
	assert.Error(t, err)
}
