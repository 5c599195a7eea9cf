package store

import "context"

// Store is the durable persistence layer for runs, outputs, invocation
// metrics, and agent sessions.
//
// Failure policy: only CreateRun failures are fatal to a run. Every other
// write is best-effort; callers log a warning and continue.
type Store interface {
	// Runs.
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// State outputs.
	SaveOutput(ctx context.Context, out *StateOutput) error
	ListOutputs(ctx context.Context, runID string) ([]*StateOutput, error)

	// Invocation metrics.
	SaveInvocation(ctx context.Context, rec *InvocationRecord) error
	ListInvocations(ctx context.Context, filter InvocationFilter) ([]*InvocationRecord, error)

	// Agent sessions.
	SaveSession(ctx context.Context, sess *Session) error
	GetSession(ctx context.Context, runID, agentID string) (*Session, error)
	DeleteSessions(ctx context.Context, runID string) error

	// Encrypted secrets (ciphertext in, ciphertext out; the vault owns the
	// crypto).
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error
}
