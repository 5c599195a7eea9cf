package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/fabula-ai/fabula/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/fabula.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, story_id, user_id, workflow_name, status, current_state, input, error, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.StoryID, run.UserID, nullStr(run.WorkflowName),
		string(run.Status), nullStr(run.CurrentState),
		nullRaw(run.Input), nullRaw(run.Error),
		timeOrNow(run.CreatedAt), nullTime(run.StartedAt), nullTime(run.CompletedAt), timeOrNow(run.UpdatedAt),
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create run %s: %s", run.ID, err.Error()).WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run := &Run{}
	var (
		workflowName, currentState sql.NullString
		input, errJSON             sql.NullString
		startedAt, completedAt     sql.NullTime
		status                     string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, story_id, user_id, workflow_name, status, current_state, input, error, total_cost_usd, input_tokens, output_tokens, created_at, started_at, completed_at, updated_at
		 FROM runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.StoryID, &run.UserID, &workflowName, &status, &currentState,
		&input, &errJSON, &run.TotalCostUSD, &run.InputTokens, &run.OutputTokens,
		&run.CreatedAt, &startedAt, &completedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	run.WorkflowName = workflowName.String
	run.CurrentState = currentState.String
	run.Status = schema.RunStatus(status)
	run.Input = rawOrNil(input)
	run.Error = rawOrNil(errJSON)
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.CurrentState != nil {
		sets = append(sets, "current_state = ?")
		args = append(args, *update.CurrentState)
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.TotalCostUSD != nil {
		sets = append(sets, "total_cost_usd = ?")
		args = append(args, *update.TotalCostUSD)
	}
	if update.InputTokens != nil {
		sets = append(sets, "input_tokens = ?")
		args = append(args, *update.InputTokens)
	}
	if update.OutputTokens != nil {
		sets = append(sets, "output_tokens = ?")
		args = append(args, *update.OutputTokens)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.StoryID != "" {
		where = append(where, "story_id = ?")
		args = append(args, filter.StoryID)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, story_id, user_id, workflow_name, status, current_state, input, error, total_cost_usd, input_tokens, output_tokens, created_at, started_at, completed_at, updated_at FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		var (
			workflowName, currentState sql.NullString
			input, errJSON             sql.NullString
			startedAt, completedAt     sql.NullTime
			status                     string
		)
		if err := rows.Scan(&run.ID, &run.StoryID, &run.UserID, &workflowName, &status, &currentState,
			&input, &errJSON, &run.TotalCostUSD, &run.InputTokens, &run.OutputTokens,
			&run.CreatedAt, &startedAt, &completedAt, &run.UpdatedAt); err != nil {
			return nil, err
		}
		run.WorkflowName = workflowName.String
		run.CurrentState = currentState.String
		run.Status = schema.RunStatus(status)
		run.Input = rawOrNil(input)
		run.Error = rawOrNil(errJSON)
		if startedAt.Valid {
			run.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			run.CompletedAt = &completedAt.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- State outputs ---

func (s *LibSQLStore) SaveOutput(ctx context.Context, out *StateOutput) error {
	var score any
	if out.Score != nil {
		score = *out.Score
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO state_outputs (run_id, state, agent_id, attempt, output, score, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		out.RunID, out.State, out.AgentID, out.Attempt,
		nullRaw(out.Output), score, timeOrNow(out.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ListOutputs(ctx context.Context, runID string) ([]*StateOutput, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, state, agent_id, attempt, output, score, created_at
		 FROM state_outputs WHERE run_id = ? ORDER BY id ASC`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outputs []*StateOutput
	for rows.Next() {
		out := &StateOutput{}
		var output sql.NullString
		var score sql.NullFloat64
		if err := rows.Scan(&out.RunID, &out.State, &out.AgentID, &out.Attempt,
			&output, &score, &out.CreatedAt); err != nil {
			return nil, err
		}
		out.Output = rawOrNil(output)
		if score.Valid {
			out.Score = &score.Float64
		}
		outputs = append(outputs, out)
	}
	return outputs, rows.Err()
}

// --- Invocation metrics ---

func (s *LibSQLStore) SaveInvocation(ctx context.Context, rec *InvocationRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invocation_metrics (id, run_id, state, agent_id, input_tokens, output_tokens, cost_usd, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RunID, rec.State, rec.AgentID,
		rec.InputTokens, rec.OutputTokens, rec.CostUSD, rec.DurationMs,
		timeOrNow(rec.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ListInvocations(ctx context.Context, filter InvocationFilter) ([]*InvocationRecord, error) {
	var where []string
	var args []any

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, filter.State)
	}

	query := `SELECT id, run_id, state, agent_id, input_tokens, output_tokens, cost_usd, duration_ms, created_at FROM invocation_metrics`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*InvocationRecord
	for rows.Next() {
		rec := &InvocationRecord{}
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.State, &rec.AgentID,
			&rec.InputTokens, &rec.OutputTokens, &rec.CostUSD, &rec.DurationMs, &rec.CreatedAt); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// --- Agent sessions ---

func (s *LibSQLStore) SaveSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_sessions (run_id, agent_id, handle, captured_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(run_id, agent_id) DO UPDATE SET handle=excluded.handle, captured_at=excluded.captured_at`,
		sess.RunID, sess.AgentID, sess.Handle, timeOrNow(sess.CapturedAt),
	)
	return err
}

func (s *LibSQLStore) GetSession(ctx context.Context, runID, agentID string) (*Session, error) {
	sess := &Session{}
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, agent_id, handle, captured_at FROM agent_sessions
		 WHERE run_id = ? AND agent_id = ?`, runID, agentID,
	).Scan(&sess.RunID, &sess.AgentID, &sess.Handle, &sess.CapturedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("session", runID+"/"+agentID)
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *LibSQLStore) DeleteSessions(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM agent_sessions WHERE run_id = ?`, runID)
	return err
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FabulaError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
