package secrets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabula-ai/fabula/pkg/schema"
)

// memStore is an in-memory SecretStore for tests.
type memStore struct {
	data map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (m *memStore) StoreSecret(_ context.Context, key string, value []byte) error {
	m.data[key] = value
	return nil
}

func (m *memStore) GetSecret(_ context.Context, key string) ([]byte, error) {
	v, ok := m.data[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	return v, nil
}

func (m *memStore) DeleteSecret(_ context.Context, key string) error {
	delete(m.data, key)
	return nil
}

func (m *memStore) ListSecrets(_ context.Context) ([]string, error) {
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys, nil
}

func testVault(t *testing.T, ms *memStore) *AESVault {
	t.Helper()
	v, err := NewAESVault(ms, VaultConfig{MasterKey: make([]byte, 32)})
	require.NoError(t, err)
	return v
}

func TestVaultRoundTrip(t *testing.T) {
	ms := newMemStore()
	v := testVault(t, ms)
	ctx := context.Background()

	require.NoError(t, v.Put(ctx, "API_KEY", "sk-abc123"))

	got, err := v.Resolve(ctx, "API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "sk-abc123", got)
}

func TestVaultEncryptsAtRest(t *testing.T) {
	ms := newMemStore()
	v := testVault(t, ms)

	require.NoError(t, v.Put(context.Background(), "API_KEY", "plaintext-value"))

	// The persisted bytes must not contain the plaintext.
	assert.NotContains(t, string(ms.data["API_KEY"]), "plaintext-value")
}

func TestVaultRejectsInvalidKeyName(t *testing.T) {
	ms := newMemStore()
	v := testVault(t, ms)
	ctx := context.Background()

	for _, key := range []string{"", "2BAD", "has-dash", "has space", "a.b"} {
		err := v.Put(ctx, key, "value")
		require.Error(t, err, "key %q", key)
		var fe *schema.FabulaError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, schema.ErrCodeVault, fe.Code)
	}

	assert.NoError(t, v.Put(ctx, "_OK_2", "value"))
}

func TestVaultCiphertextBoundToKey(t *testing.T) {
	ms := newMemStore()
	v := testVault(t, ms)
	ctx := context.Background()

	require.NoError(t, v.Put(ctx, "PROD_KEY", "sk-prod"))

	// Copying the encrypted row onto another key must not decrypt: the
	// key name is part of the sealed data.
	ms.data["STAGING_KEY"] = ms.data["PROD_KEY"]
	_, err := v.Resolve(ctx, "STAGING_KEY")
	require.Error(t, err)
	var fe *schema.FabulaError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeVault, fe.Code)

	// The original row still resolves.
	got, err := v.Resolve(ctx, "PROD_KEY")
	require.NoError(t, err)
	assert.Equal(t, "sk-prod", got)
}

func TestVaultDifferentKeyCannotDecrypt(t *testing.T) {
	ms := newMemStore()
	v := testVault(t, ms)
	require.NoError(t, v.Put(context.Background(), "API_KEY", "secret"))

	otherKey := make([]byte, 32)
	otherKey[0] = 1
	other, err := NewAESVault(ms, VaultConfig{MasterKey: otherKey})
	require.NoError(t, err)

	_, err = other.Resolve(context.Background(), "API_KEY")
	require.Error(t, err)
	var fe *schema.FabulaError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeVault, fe.Code)
}

func TestVaultTamperedCiphertextRejected(t *testing.T) {
	ms := newMemStore()
	v := testVault(t, ms)
	require.NoError(t, v.Put(context.Background(), "API_KEY", "secret"))

	ms.data["API_KEY"][len(ms.data["API_KEY"])-1] ^= 0xff

	_, err := v.Resolve(context.Background(), "API_KEY")
	assert.Error(t, err)
}

func TestVaultPutReplacesValue(t *testing.T) {
	ms := newMemStore()
	v := testVault(t, ms)
	ctx := context.Background()

	require.NoError(t, v.Put(ctx, "TOKEN", "first"))
	require.NoError(t, v.Put(ctx, "TOKEN", "second"))

	got, err := v.Resolve(ctx, "TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "second", got)
}

func TestVaultPassphraseDerivation(t *testing.T) {
	ms := newMemStore()
	v1, err := NewAESVault(ms, VaultConfig{Passphrase: "correct horse", Salt: []byte("pepper")})
	require.NoError(t, err)
	require.NoError(t, v1.Put(context.Background(), "TOKEN", "t-1"))

	// Same passphrase + salt decrypts.
	v2, err := NewAESVault(ms, VaultConfig{Passphrase: "correct horse", Salt: []byte("pepper")})
	require.NoError(t, err)
	got, err := v2.Resolve(context.Background(), "TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "t-1", got)

	// Wrong passphrase does not.
	v3, err := NewAESVault(ms, VaultConfig{Passphrase: "battery staple", Salt: []byte("pepper")})
	require.NoError(t, err)
	_, err = v3.Resolve(context.Background(), "TOKEN")
	assert.Error(t, err)
}

func TestVaultConfigValidation(t *testing.T) {
	ms := newMemStore()

	_, err := NewAESVault(ms, VaultConfig{MasterKey: []byte("short")})
	assert.Error(t, err)

	_, err = NewAESVault(ms, VaultConfig{})
	assert.Error(t, err)

	_, err = NewAESVault(ms, VaultConfig{Passphrase: "p"})
	assert.Error(t, err, "passphrase without salt")
}

func TestVaultDeleteAndList(t *testing.T) {
	ms := newMemStore()
	v := testVault(t, ms)
	ctx := context.Background()

	require.NoError(t, v.Put(ctx, "A", "1"))
	require.NoError(t, v.Put(ctx, "B", "2"))

	keys, err := v.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "B"}, keys)

	require.NoError(t, v.Delete(ctx, "A"))
	_, err = v.Resolve(ctx, "A")
	assert.Error(t, err)
}
