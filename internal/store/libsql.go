package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/benfinklea/nofx-local-starter-sub006/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
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

// --- Atomicity ---

type txCtxKey struct{}

// dbtx is the subset of *sql.DB / *sql.Tx the store methods need, so every
// query transparently joins an enclosing Atomically transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *LibSQLStore) conn(ctx context.Context) dbtx {
	if tx, ok := ctx.Value(txCtxKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// SupportsTransactions reports that this backend provides real transactions.
func (s *LibSQLStore) SupportsTransactions() bool { return true }

// Atomically runs fn inside a transaction. Any error from fn rolls the
// transaction back and propagates. Nested calls join the outer transaction.
func (s *LibSQLStore) Atomically(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txCtxKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(context.WithValue(ctx, txCtxKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	_, err := s.conn(ctx).ExecContext(ctx,
		`INSERT INTO runs (id, goal, status, metadata, created_at, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, nullStr(run.Goal), string(run.Status), nullRaw(run.Metadata),
		timeOrNow(run.CreatedAt), nullTime(run.StartedAt), nullTime(run.EndedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run := &Run{}
	var goal, metadata sql.NullString
	var status string
	var startedAt, endedAt sql.NullTime
	err := s.conn(ctx).QueryRowContext(ctx,
		`SELECT id, goal, status, metadata, created_at, started_at, ended_at FROM runs WHERE id = ?`, id,
	).Scan(&run.ID, &goal, &status, &metadata, &run.CreatedAt, &startedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeRunNotFound, "run %q not found", id)
	}
	if err != nil {
		return nil, err
	}
	run.Goal = goal.String
	run.Status = schema.RunStatus(status)
	run.Metadata = rawOrNil(metadata)
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		run.EndedAt = &endedAt.Time
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
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.EndedAt != nil {
		sets = append(sets, "ended_at = ?")
		args = append(args, *update.EndedAt)
	}
	if update.ClearEnd {
		sets = append(sets, "ended_at = NULL")
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, schema.ErrCodeRunNotFound, "run", id)
}

// --- Steps ---

func (s *LibSQLStore) CreateStep(ctx context.Context, step *Step) error {
	inputs, err := marshalMapOrDefault(step.Inputs)
	if err != nil {
		return fmt.Errorf("marshal step inputs: %w", err)
	}
	_, err = s.conn(ctx).ExecContext(ctx,
		`INSERT INTO steps (id, run_id, name, tool, inputs, status, outputs, idempotency_key, timeout_ms, created_at, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.RunID, step.Name, step.Tool, string(inputs), string(step.Status),
		nullRaw(step.Outputs), nullStr(step.IdempotencyKey), step.TimeoutMs,
		timeOrNow(step.CreatedAt), nullTime(step.StartedAt), nullTime(step.EndedAt),
	)
	return err
}

const stepColumns = `id, run_id, name, tool, inputs, status, outputs, idempotency_key, timeout_ms, created_at, started_at, ended_at`

func (s *LibSQLStore) GetStep(ctx context.Context, id string) (*Step, error) {
	row := s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE id = ?`, id)
	step, err := scanStep(row.Scan)
	if err == sql.ErrNoRows {
		return nil, schema.StepNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	return step, nil
}

func (s *LibSQLStore) UpdateStep(ctx context.Context, id string, update StepUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Outputs != nil {
		sets = append(sets, "outputs = ?")
		args = append(args, string(update.Outputs))
	}
	if update.ClearOut {
		sets = append(sets, "outputs = NULL")
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.EndedAt != nil {
		sets = append(sets, "ended_at = ?")
		args = append(args, *update.EndedAt)
	}
	if update.ClearStart {
		sets = append(sets, "started_at = NULL")
	}
	if update.ClearEnd {
		sets = append(sets, "ended_at = NULL")
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE steps SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, schema.ErrCodeStepNotFound, "step", id)
}

func (s *LibSQLStore) ListStepsByRun(ctx context.Context, runID string) ([]*Step, error) {
	rows, err := s.conn(ctx).QueryContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id = ? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSteps(rows)
}

func (s *LibSQLStore) CountRemainingSteps(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.conn(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM steps WHERE run_id = ? AND status NOT IN (?, ?)`,
		runID, string(schema.StepStatusSucceeded), string(schema.StepStatusCancelled),
	).Scan(&n)
	return n, err
}

func (s *LibSQLStore) ListRunningStepsStartedBefore(ctx context.Context, cutoff time.Time) ([]*Step, error) {
	rows, err := s.conn(ctx).QueryContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE status = ? AND started_at IS NOT NULL AND started_at < ?`,
		string(schema.StepStatusRunning), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSteps(rows)
}

func scanStep(scan func(dest ...any) error) (*Step, error) {
	step := &Step{}
	var inputs, outputs, idemKey sql.NullString
	var status string
	var startedAt, endedAt sql.NullTime
	if err := scan(&step.ID, &step.RunID, &step.Name, &step.Tool, &inputs, &status,
		&outputs, &idemKey, &step.TimeoutMs, &step.CreatedAt, &startedAt, &endedAt); err != nil {
		return nil, err
	}
	step.Status = schema.StepStatus(status)
	if inputs.Valid && inputs.String != "" {
		_ = json.Unmarshal([]byte(inputs.String), &step.Inputs)
	}
	step.Outputs = rawOrNil(outputs)
	step.IdempotencyKey = idemKey.String
	if startedAt.Valid {
		step.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		step.EndedAt = &endedAt.Time
	}
	return step, nil
}

func scanSteps(rows *sql.Rows) ([]*Step, error) {
	var steps []*Step
	for rows.Next() {
		step, err := scanStep(rows.Scan)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// --- Inbox ---

func (s *LibSQLStore) InboxMarkIfNew(ctx context.Context, key string) (bool, error) {
	// Atomic insert-if-absent; a conflicting concurrent claim affects 0 rows.
	res, err := s.conn(ctx).ExecContext(ctx,
		`INSERT INTO inbox (key) VALUES (?) ON CONFLICT(key) DO NOTHING`, key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *LibSQLStore) InboxDelete(ctx context.Context, key string) error {
	_, err := s.conn(ctx).ExecContext(ctx, `DELETE FROM inbox WHERE key = ?`, key)
	return err
}

// --- Events ---

// AppendEvent appends an event with a monotonically increasing per-run
// sequence. Joins an enclosing Atomically transaction when present;
// otherwise opens its own so the sequence read and insert stay consistent.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	if _, ok := ctx.Value(txCtxKey{}).(*sql.Tx); ok {
		return s.appendEvent(ctx, event)
	}
	return s.Atomically(ctx, func(ctx context.Context) error {
		return s.appendEvent(ctx, event)
	})
}

func (s *LibSQLStore) appendEvent(ctx context.Context, event *Event) error {
	c := s.conn(ctx)

	var seq int64
	err := c.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	_, err = c.ExecContext(ctx,
		`INSERT INTO events (run_id, step_id, event_type, payload, created_at, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.StepID), event.Type, nullRaw(event.Payload), event.CreatedAt, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) ListEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.conn(ctx).QueryContext(ctx,
		`SELECT id, run_id, step_id, event_type, payload, created_at, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) ListEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	where := []string{"event_type = ?"}
	args := []any{eventType}

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.StepID != "" {
		where = append(where, "step_id = ?")
		args = append(args, filter.StepID)
	}

	query := `SELECT id, run_id, step_id, event_type, payload, created_at, sequence FROM events WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &stepID, &e.Type, &payload, &e.CreatedAt, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Outbox ---

func (s *LibSQLStore) OutboxAdd(ctx context.Context, entry *OutboxEntry) error {
	_, err := s.conn(ctx).ExecContext(ctx,
		`INSERT INTO outbox (topic, payload, sent, attempts, created_at)
		 VALUES (?, ?, 0, 0, ?)`,
		entry.Topic, string(entry.Payload), timeOrNow(entry.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) OutboxPending(ctx context.Context, limit int) ([]*OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.conn(ctx).QueryContext(ctx,
		`SELECT id, topic, payload, sent, attempts, created_at, sent_at
		 FROM outbox WHERE sent = 0 ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		var sent int
		var sentAt sql.NullTime
		var payload string
		if err := rows.Scan(&e.ID, &e.Topic, &payload, &sent, &e.Attempts, &e.CreatedAt, &sentAt); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		e.Sent = sent == 1
		if sentAt.Valid {
			e.SentAt = &sentAt.Time
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *LibSQLStore) OutboxMarkSent(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.conn(ctx).ExecContext(ctx,
		`UPDATE outbox SET sent = 1, sent_at = CURRENT_TIMESTAMP, attempts = attempts + 1
		 WHERE id IN (`+placeholders+`)`, args...)
	return err
}

// --- Gates ---

func (s *LibSQLStore) CreateGate(ctx context.Context, gate *Gate) error {
	_, err := s.conn(ctx).ExecContext(ctx,
		`INSERT INTO gates (id, run_id, step_id, gate_type, status, approved_by, created_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		gate.ID, gate.RunID, gate.StepID, gate.GateType, string(gate.Status),
		nullStr(gate.ApprovedBy), timeOrNow(gate.CreatedAt), nullTime(gate.ResolvedAt),
	)
	return err
}

func (s *LibSQLStore) GetGate(ctx context.Context, runID, stepID, gateType string) (*Gate, error) {
	g := &Gate{}
	var status string
	var approvedBy sql.NullString
	var resolvedAt sql.NullTime
	err := s.conn(ctx).QueryRowContext(ctx,
		`SELECT id, run_id, step_id, gate_type, status, approved_by, created_at, resolved_at
		 FROM gates WHERE run_id = ? AND step_id = ? AND gate_type = ?`,
		runID, stepID, gateType,
	).Scan(&g.ID, &g.RunID, &g.StepID, &g.GateType, &status, &approvedBy, &g.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "gate %s/%s/%s not found", runID, stepID, gateType)
	}
	if err != nil {
		return nil, err
	}
	g.Status = schema.GateStatus(status)
	g.ApprovedBy = approvedBy.String
	if resolvedAt.Valid {
		g.ResolvedAt = &resolvedAt.Time
	}
	return g, nil
}

func (s *LibSQLStore) ResolveGate(ctx context.Context, id string, status schema.GateStatus, approvedBy string) error {
	res, err := s.conn(ctx).ExecContext(ctx,
		`UPDATE gates SET status = ?, approved_by = ?, resolved_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(status), nullStr(approvedBy), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, schema.ErrCodeNotFound, "gate", id)
}

// --- Helpers ---

func checkRowsAffected(res sql.Result, code, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(code, "%s %q not found", resource, id)
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

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
