package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/scrypt"
)

// ErrKeystoreUnavailable signals that the sealed key could not be opened.
// Callers must treat this as a fail-closed condition, never as permission
// to fall back to unsigned operation.
var ErrKeystoreUnavailable = errors.New("keystore unavailable")

// EncryptionConfig defines sealing parameters following OWASP ASVS requirements
type EncryptionConfig struct {
	SCryptN      int // CPU/memory cost parameter (32768 minimum)
	SCryptR      int // Block size parameter
	SCryptP      int // Parallelization parameter
	SCryptKeyLen int // Derived key length (32 for AES-256)
	NonceSize    int // 96-bit nonce for GCM
}

// DefaultEncryptionConfig returns OWASP ASVS compliant sealing configuration
func DefaultEncryptionConfig() *EncryptionConfig {
	return &EncryptionConfig{
		SCryptN:      32768,
		SCryptR:      8,
		SCryptP:      1,
		SCryptKeyLen: 32,
		NonceSize:    12,
	}
}

// sealedKey is the on-disk format for the sealed Ed25519 seed
type sealedKey struct {
	Version    uint8  `json:"version"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	Timestamp  int64  `json:"timestamp"`
}

// Keystore loads and seals the process-wide Ed25519 signing key.
// The private key is derived from a 32-byte seed sealed with
// scrypt-derived AES-256-GCM.
type Keystore struct {
	cfg *EncryptionConfig
}

// NewKeystore creates a keystore with default sealing parameters
func NewKeystore() *Keystore {
	return &Keystore{cfg: DefaultEncryptionConfig()}
}

// Seal writes the Ed25519 seed to path, encrypted under passphrase
func (k *Keystore) Seal(path, passphrase string, priv ed25519.PrivateKey) error {
	if len(priv) != ed25519.PrivateKeySize {
		return fmt.Errorf("invalid private key length %d", len(priv))
	}

	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}

	aead, err := k.aead(passphrase, salt)
	if err != nil {
		return err
	}

	nonce := make([]byte, k.cfg.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := sealedKey{
		Version:    1,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, priv.Seed(), nil),
		Timestamp:  time.Now().Unix(),
	}

	data, err := json.Marshal(sealed)
	if err != nil {
		return fmt.Errorf("failed to marshal sealed key: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Open reads and unseals the Ed25519 private key from path.
// Any failure wraps ErrKeystoreUnavailable so callers can fail closed
// without inspecting the cause.
func (k *Keystore) Open(path, passphrase string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeystoreUnavailable, err)
	}

	var sealed sealedKey
	if err := json.Unmarshal(data, &sealed); err != nil {
		return nil, fmt.Errorf("%w: corrupt key file: %v", ErrKeystoreUnavailable, err)
	}
	if sealed.Version != 1 {
		return nil, fmt.Errorf("%w: unsupported key file version %d", ErrKeystoreUnavailable, sealed.Version)
	}

	aead, err := k.aead(passphrase, sealed.Salt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeystoreUnavailable, err)
	}

	seed, err := aead.Open(nil, sealed.Nonce, sealed.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decryption failed", ErrKeystoreUnavailable)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: invalid seed length %d", ErrKeystoreUnavailable, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func (k *Keystore) aead(passphrase string, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(passphrase), salt, k.cfg.SCryptN, k.cfg.SCryptR, k.cfg.SCryptP, k.cfg.SCryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher init failed: %w", err)
	}
	return cipher.NewGCMWithNonceSize(block, k.cfg.NonceSize)
}
