package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeystoreSealOpenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signing.key")
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	keystore := NewKeystore()
	require.NoError(t, keystore.Seal(path, "correct horse battery staple", priv))

	opened, err := keystore.Open(path, "correct horse battery staple")
	require.NoError(t, err)
	assert.True(t, priv.Equal(opened))
}

func TestKeystoreOpenWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signing.key")
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	keystore := NewKeystore()
	require.NoError(t, keystore.Seal(path, "correct horse battery staple", priv))

	_, err = keystore.Open(path, "wrong passphrase")
	assert.ErrorIs(t, err, ErrKeystoreUnavailable)
}

func TestKeystoreOpenMissingFile(t *testing.T) {
	keystore := NewKeystore()
	_, err := keystore.Open(filepath.Join(t.TempDir(), "missing.key"), "whatever")
	assert.ErrorIs(t, err, ErrKeystoreUnavailable)
}

func TestKeystoreOpenCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signing.key")
	require.NoError(t, os.WriteFile(path, []byte("not a sealed key"), 0o600))

	keystore := NewKeystore()
	_, err := keystore.Open(path, "whatever")
	assert.ErrorIs(t, err, ErrKeystoreUnavailable)
}

func TestKeystoreOpenTamperedCiphertext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signing.key")
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	keystore := NewKeystore()
	require.NoError(t, keystore.Seal(path, "passphrase-1234", priv))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)/2] ^= 0x01
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, err = keystore.Open(path, "passphrase-1234")
	assert.ErrorIs(t, err, ErrKeystoreUnavailable)
}

func TestNormalizeFingerprint(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"plain hex", "AABBCCDD1122", "aabbccdd1122", false},
		{"trims whitespace", "  machine-id-01  ", "machine-id-01", false},
		{"allows separators", "cpu:1234.disk_5678", "cpu:1234.disk_5678", false},
		{"too short", "abc", "", true},
		{"too long", string(make([]byte, MaxFingerprintLength+1)), "", true},
		{"forbidden characters", "device id with spaces", "", true},
		{"empty", "", "", true},
		{"shell metacharacters", "device;rm -rf", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeFingerprint(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidFingerprint)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
