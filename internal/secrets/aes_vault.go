package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"regexp"

	"github.com/fabula-ai/fabula/pkg/schema"
)

// Secret keys double as environment variable names in agent launch
// config, so they follow env-var conventions.
var keyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// VaultConfig configures the AES vault key derivation.
// Provide either MasterKey (raw 32 bytes) or Passphrase + Salt.
type VaultConfig struct {
	MasterKey  []byte // raw 32-byte key (takes priority)
	Passphrase string // derive key via PBKDF2
	Salt       []byte // salt for PBKDF2 (required with Passphrase)
	Iterations int    // PBKDF2 iterations (default 100_000)
}

// AESVault encrypts secrets with AES-256-GCM before persisting. The
// secret's key is bound into the ciphertext as additional data, so a
// value copied onto another key's row fails to decrypt instead of
// leaking into the wrong agent's environment.
type AESVault struct {
	store SecretStore
	aead  cipher.AEAD
}

// NewAESVault creates a vault with AES-256-GCM encryption.
func NewAESVault(s SecretStore, cfg VaultConfig) (*AESVault, error) {
	key, err := deriveKey(cfg)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &AESVault{store: s, aead: aead}, nil
}

func deriveKey(cfg VaultConfig) ([]byte, error) {
	if len(cfg.MasterKey) > 0 {
		if len(cfg.MasterKey) != 32 {
			return nil, schema.NewErrorf(schema.ErrCodeVault,
				"master key must be 32 bytes, got %d", len(cfg.MasterKey))
		}
		return cfg.MasterKey, nil
	}
	if cfg.Passphrase == "" {
		return nil, schema.NewError(schema.ErrCodeVault, "either master_key or passphrase is required")
	}
	if len(cfg.Salt) == 0 {
		return nil, schema.NewError(schema.ErrCodeVault, "salt is required with passphrase")
	}
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = 100_000
	}
	return pbkdf2.Key(sha256.New, cfg.Passphrase, cfg.Salt, iterations, 32)
}

// Put validates the key name, encrypts the value bound to that key, and
// persists it. An existing secret under the same key is replaced.
func (v *AESVault) Put(ctx context.Context, key, value string) error {
	if !keyPattern.MatchString(key) {
		return schema.NewErrorf(schema.ErrCodeVault,
			"secret key %q is not a valid environment variable name", key)
	}
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(value), []byte(key))
	return v.store.StoreSecret(ctx, key, sealed)
}

// Resolve decrypts the secret stored under key. Decryption uses the key
// name as additional data, so it fails if the row was tampered with or
// re-keyed.
func (v *AESVault) Resolve(ctx context.Context, key string) (string, error) {
	sealed, err := v.store.GetSecret(ctx, key)
	if err != nil {
		return "", err
	}
	nonceSize := v.aead.NonceSize()
	if len(sealed) < nonceSize {
		return "", schema.NewErrorf(schema.ErrCodeVault, "secret %s: ciphertext too short", key)
	}
	plaintext, err := v.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], []byte(key))
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeVault, "decrypt secret %s: %s", key, err.Error())
	}
	return string(plaintext), nil
}

func (v *AESVault) Delete(ctx context.Context, key string) error {
	return v.store.DeleteSecret(ctx, key)
}

func (v *AESVault) List(ctx context.Context) ([]string, error) {
	return v.store.ListSecrets(ctx)
}
