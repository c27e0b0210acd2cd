package hardware

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticFingerprint(t *testing.T) {
	a := NewStaticFingerprint(bytes.Repeat([]byte{1}, 32))
	b := NewStaticFingerprint(bytes.Repeat([]byte{2}, 32))

	r1, err := a.Response([]byte("challenge"))
	require.NoError(t, err)
	r2, err := a.Response([]byte("challenge"))
	require.NoError(t, err)
	other, err := a.Response([]byte("another"))
	require.NoError(t, err)
	foreign, err := b.Response([]byte("challenge"))
	require.NoError(t, err)

	assert.Len(t, r1, responseSize)
	assert.Equal(t, r1, r2)
	assert.NotEqual(t, r1, other)
	assert.NotEqual(t, r1, foreign)
	assert.NotEqual(t, a.DeviceID(), b.DeviceID())
	assert.Contains(t, a.DeviceID(), "swpuf-")

	require.NoError(t, a.Close())
	_, err = a.Response([]byte("challenge"))
	assert.ErrorIs(t, err, ErrFingerprintClosed)
}

func TestSeedFingerprintPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "puf_seed")

	fp1, err := NewSeedFingerprint(path)
	require.NoError(t, err)
	r1, err := fp1.Response([]byte("c"))
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	fp2, err := NewSeedFingerprint(path)
	require.NoError(t, err)
	r2, err := fp2.Response([]byte("c"))
	require.NoError(t, err)

	assert.Equal(t, r1, r2)
	assert.Equal(t, fp1.DeviceID(), fp2.DeviceID())
	assert.Equal(t, path, fp2.Path())
}

func TestSeedFingerprintRejectsBadSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "puf_seed")
	require.NoError(t, os.WriteFile(path, []byte("short"), 0o600))

	_, err := NewSeedFingerprint(path)
	assert.Error(t, err)
}

func TestOpenFingerprint(t *testing.T) {
	dir := t.TempDir()

	fp, err := OpenFingerprint("seed", filepath.Join(dir, "seed"))
	require.NoError(t, err)
	assert.IsType(t, &SeedFingerprint{}, fp)
	assert.NoError(t, CloseFingerprint(fp))

	fp, err = OpenFingerprint("auto", filepath.Join(dir, "seed"))
	require.NoError(t, err)
	assert.NotEmpty(t, fp.DeviceID())
	assert.NoError(t, CloseFingerprint(fp))

	_, err = OpenFingerprint("sram", "")
	assert.ErrorIs(t, err, ErrUnknownSource)
}

func TestTPMFingerprintSkipsWithoutDevice(t *testing.T) {
	if !TPMAvailable() {
		_, err := NewTPMFingerprint()
		assert.ErrorIs(t, err, ErrTPMNotAvailable)
		t.Skip("TPM not available")
	}

	fp, err := NewTPMFingerprint()
	require.NoError(t, err)
	defer fp.Close()

	r1, err := fp.Response([]byte("challenge"))
	require.NoError(t, err)
	r2, err := fp.Response([]byte("challenge"))
	require.NoError(t, err)
	assert.Equal(t, r1, r2)
	assert.Contains(t, fp.DeviceID(), "tpm-")
}
