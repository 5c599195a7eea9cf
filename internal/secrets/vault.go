package secrets

import "context"

// Vault holds the secret values referenced as ${{secrets.KEY}} in agent
// environment config. Values are encrypted at rest and only ever handed
// out as strings destined for a child process environment; plaintext
// never touches the database.
type Vault interface {
	Resolve(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// SecretStore is the minimal persistence interface needed by the vault.
// Satisfied by store.Store.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}
