/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Persists the three engine aggregates (comp-time accounts, on-call windows,
  approval requests) plus policy documents, the event outbox and sweep run
  records. In production, the same patterns apply to PostgreSQL - only
  minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  generic.Repository[*comptime.Account]: Store.Accounts()
  generic.Repository[*oncall.Window]:    Store.Windows()
  generic.Repository[*approval.Request]: Store.Requests()
  generic.EventSink:                     Store.Publish (outbox)

AGGREGATE ROWS:
  Each aggregate is one row: queryable header columns (employee, policy,
  status), a version column, and the full aggregate in state_json. Sub-logs
  (accrual entries, call-outs, levels, comments) are JSON arrays inside
  state_json, so their insertion order survives every save/load cycle.

OPTIMISTIC CONCURRENCY:
  Save of a new aggregate (version 0) INSERTs at version 1 and fails with
  ErrDuplicate if the id exists. Save of a loaded aggregate runs
    UPDATE ... SET version = version + 1 WHERE id = ? AND version = ?
  and fails with ErrConcurrentModification when no row matched.

KEY TABLES:
  comp_time_accounts: Comp-time banks
  on_call_windows:    Duty windows with call-outs
  approval_requests:  Approval chains
  policies:           Policy JSON documents (see factory/)
  events:             Notification outbox
  sweep_runs:         Scheduler run history

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. In production with PostgreSQL,
  database-level concurrency control handles this instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/overtime.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  accounts := store.Accounts()
  acct, err := accounts.Get(ctx, "acct-1")

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - generic/store.go: Repository contract
  - generic/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/overtime-engine/approval"
	"github.com/warp/overtime-engine/comptime"
	"github.com/warp/overtime-engine/generic"
	"github.com/warp/overtime-engine/oncall"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	var schema strings.Builder
	for _, table := range []string{tableAccounts, tableWindows, tableRequests} {
		fmt.Fprintf(&schema, `
	CREATE TABLE IF NOT EXISTS %[1]s (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL,
		policy_id TEXT,
		status TEXT NOT NULL,
		version INTEGER NOT NULL,
		state_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_employee ON %[1]s(employee_id);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_status ON %[1]s(status);
`, table)
	}

	schema.WriteString(`
	-- Policy documents
	CREATE TABLE IF NOT EXISTS policies (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		name TEXT,
		config_json TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Notification outbox
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		employee_id TEXT,
		at TEXT NOT NULL,
		payload_json TEXT,
		delivered_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_events_aggregate ON events(aggregate_id);
	CREATE INDEX IF NOT EXISTS idx_events_undelivered ON events(at) WHERE delivered_at IS NULL;

	-- Scheduler sweep history
	CREATE TABLE IF NOT EXISTS sweep_runs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		affected INTEGER NOT NULL DEFAULT 0,
		hours TEXT,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sweep_runs_kind ON sweep_runs(kind, started_at);
`)

	_, err := s.db.Exec(schema.String())
	return err
}

// =============================================================================
// AGGREGATE REPOSITORIES
// =============================================================================

const (
	tableAccounts = "comp_time_accounts"
	tableWindows  = "on_call_windows"
	tableRequests = "approval_requests"
)

// header is what an aggregate exposes as queryable columns.
type header struct {
	EmployeeID string
	PolicyID   string
	Status     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Repo is a versioned repository over one aggregate table.
type Repo[T generic.Aggregate[T]] struct {
	s      *Store
	table  string
	kind   string
	header func(T) header
}

var (
	_ generic.Repository[*comptime.Account] = (*Repo[*comptime.Account])(nil)
	_ generic.Repository[*oncall.Window]    = (*Repo[*oncall.Window])(nil)
	_ generic.Repository[*approval.Request] = (*Repo[*approval.Request])(nil)
)

// Accounts returns the comp-time account repository.
func (s *Store) Accounts() *Repo[*comptime.Account] {
	return &Repo[*comptime.Account]{s: s, table: tableAccounts, kind: "account", header: func(a *comptime.Account) header {
		status := "ACTIVE"
		if !a.Active {
			status = "INACTIVE"
		}
		return header{string(a.EmployeeID), string(a.PolicyID), status, a.CreatedAt, a.UpdatedAt}
	}}
}

// Windows returns the on-call window repository.
func (s *Store) Windows() *Repo[*oncall.Window] {
	return &Repo[*oncall.Window]{s: s, table: tableWindows, kind: "window", header: func(w *oncall.Window) header {
		return header{string(w.EmployeeID), "", string(w.Status), w.CreatedAt, w.UpdatedAt}
	}}
}

// Requests returns the approval request repository.
func (s *Store) Requests() *Repo[*approval.Request] {
	return &Repo[*approval.Request]{s: s, table: tableRequests, kind: "request", header: func(r *approval.Request) header {
		return header{string(r.EmployeeID), string(r.Kind), string(r.Status), r.CreatedAt, r.UpdatedAt}
	}}
}

// Get loads one aggregate.
func (r *Repo[T]) Get(ctx context.Context, id string) (T, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var zero T
	var version int64
	var state string
	err := r.s.db.QueryRowContext(ctx,
		"SELECT version, state_json FROM "+r.table+" WHERE id = ?", id,
	).Scan(&version, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, generic.NotFound(r.kind, id)
	}
	if err != nil {
		return zero, fmt.Errorf("load %s %s: %w", r.kind, id, err)
	}
	return decodeAggregate[T](state, version)
}

// Save inserts a new aggregate or updates a loaded one under optimistic
// versioning. On success the new version is written back onto item.
func (r *Repo[T]) Save(ctx context.Context, item T) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	state, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode %s: %w", r.kind, err)
	}
	h := r.header(item)
	id := item.AggregateID()
	version := item.AggregateVersion()

	if version == 0 {
		_, err := r.s.db.ExecContext(ctx, `
			INSERT INTO `+r.table+` (id, employee_id, policy_id, status, version, state_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, 1, ?, ?, ?)`,
			id, h.EmployeeID, nullString(h.PolicyID), h.Status, string(state),
			h.CreatedAt.Format(time.RFC3339), h.UpdatedAt.Format(time.RFC3339),
		)
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%s %s: %w", r.kind, id, generic.ErrDuplicate)
		}
		if err != nil {
			return fmt.Errorf("insert %s %s: %w", r.kind, id, err)
		}
		item.SetAggregateVersion(1)
		return nil
	}

	res, err := r.s.db.ExecContext(ctx, `
		UPDATE `+r.table+`
		SET employee_id = ?, policy_id = ?, status = ?, version = version + 1, state_json = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		h.EmployeeID, nullString(h.PolicyID), h.Status, string(state),
		h.UpdatedAt.Format(time.RFC3339), id, version,
	)
	if err != nil {
		return fmt.Errorf("update %s %s: %w", r.kind, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s at version %d: %w", r.kind, id, version, generic.ErrConcurrentModification)
	}
	item.SetAggregateVersion(version + 1)
	return nil
}

// List returns every aggregate in insertion order.
func (r *Repo[T]) List(ctx context.Context) ([]T, error) {
	return r.query(ctx, "SELECT version, state_json FROM "+r.table+" ORDER BY rowid")
}

// ListByEmployee returns one employee's aggregates in insertion order.
func (r *Repo[T]) ListByEmployee(ctx context.Context, employeeID generic.EmployeeID) ([]T, error) {
	return r.query(ctx, "SELECT version, state_json FROM "+r.table+" WHERE employee_id = ? ORDER BY rowid", string(employeeID))
}

// ListByStatus returns aggregates whose status column is one of statuses.
func (r *Repo[T]) ListByStatus(ctx context.Context, statuses ...string) ([]T, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	return r.query(ctx, "SELECT version, state_json FROM "+r.table+" WHERE status IN ("+placeholders+") ORDER BY rowid", args...)
}

func (r *Repo[T]) query(ctx context.Context, query string, args ...any) ([]T, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	rows, err := r.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []T
	for rows.Next() {
		var version int64
		var state string
		if err := rows.Scan(&version, &state); err != nil {
			return nil, err
		}
		item, err := decodeAggregate[T](state, version)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func decodeAggregate[T generic.Aggregate[T]](state string, version int64) (T, error) {
	var item T
	if err := json.Unmarshal([]byte(state), &item); err != nil {
		var zero T
		return zero, fmt.Errorf("decode aggregate: %w", err)
	}
	item.SetAggregateVersion(version)
	return item, nil
}

// =============================================================================
// POLICY STORE
// =============================================================================

// PolicyRecord is a stored policy with its JSON config.
type PolicyRecord struct {
	ID         string
	Kind       string
	Name       string
	ConfigJSON string
	Version    int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SavePolicy saves a policy record.
func (s *Store) SavePolicy(ctx context.Context, policy PolicyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO policies (id, kind, name, config_json, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			name = excluded.name,
			config_json = excluded.config_json,
			version = policies.version + 1,
			updated_at = excluded.updated_at
	`

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, query,
		policy.ID, policy.Kind, policy.Name, policy.ConfigJSON, now, now,
	)
	return err
}

// GetPolicy retrieves a policy by ID. A missing policy is a NotFoundError.
func (s *Store) GetPolicy(ctx context.Context, id string) (*PolicyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var p PolicyRecord
	var name sql.NullString
	var createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx,
		"SELECT id, kind, name, config_json, version, created_at, updated_at FROM policies WHERE id = ?",
		id,
	).Scan(&p.ID, &p.Kind, &name, &p.ConfigJSON, &p.Version, &createdAt, &updatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, generic.NotFound("policy", id)
	}
	if err != nil {
		return nil, err
	}

	p.Name = name.String
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &p, nil
}

// ListPolicies returns all policies, optionally of one kind.
func (s *Store) ListPolicies(ctx context.Context, kind string) ([]PolicyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT id, kind, name, config_json, version, created_at, updated_at FROM policies"
	var args []any
	if kind != "" {
		query += " WHERE kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []PolicyRecord
	for rows.Next() {
		var p PolicyRecord
		var name sql.NullString
		var createdAt, updatedAt string
		if err := rows.Scan(&p.ID, &p.Kind, &name, &p.ConfigJSON, &p.Version, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		p.Name = name.String
		p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// DeletePolicy removes a policy.
func (s *Store) DeletePolicy(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM policies WHERE id = ?", id)
	return err
}

// =============================================================================
// EVENT OUTBOX
// =============================================================================

var _ generic.EventSink = (*Store)(nil)

// Publish appends an event to the outbox. Re-publishing the same event id is
// a no-op.
func (s *Store) Publish(ctx context.Context, e generic.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var payload []byte
	if len(e.Payload) > 0 {
		var err error
		if payload, err = json.Marshal(e.Payload); err != nil {
			return err
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, type, aggregate_id, employee_id, at, payload_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		e.ID, string(e.Type), e.AggregateID, nullString(string(e.EmployeeID)),
		e.At.Format(time.RFC3339Nano), nullString(string(payload)),
	)
	return err
}

// ListEvents returns outbox events for an aggregate (or all when
// aggregateID is empty), oldest first.
func (s *Store) ListEvents(ctx context.Context, aggregateID string, limit int) ([]generic.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT id, type, aggregate_id, employee_id, at, payload_json FROM events"
	var args []any
	if aggregateID != "" {
		query += " WHERE aggregate_id = ?"
		args = append(args, aggregateID)
	}
	query += " ORDER BY rowid"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []generic.Event
	for rows.Next() {
		var e generic.Event
		var typ, at string
		var employeeID, payload sql.NullString
		if err := rows.Scan(&e.ID, &typ, &e.AggregateID, &employeeID, &at, &payload); err != nil {
			return nil, err
		}
		e.Type = generic.EventType(typ)
		e.EmployeeID = generic.EmployeeID(employeeID.String)
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, err
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// MarkDelivered records that an external notifier has sent the event.
func (s *Store) MarkDelivered(ctx context.Context, eventID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "UPDATE events SET delivered_at = ? WHERE id = ?", at.Format(time.RFC3339), eventID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return generic.NotFound("event", eventID)
	}
	return nil
}

// =============================================================================
// SWEEP RUNS STORE
// =============================================================================

// SweepRun records one scheduler sweep.
type SweepRun struct {
	ID          string
	Kind        string // expiry, escalation, windows
	Status      string // running, completed, failed
	Processed   int
	Affected    int
	Hours       string
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// SaveSweepRun inserts or updates a sweep run.
func (s *Store) SaveSweepRun(ctx context.Context, r SweepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO sweep_runs (id, kind, status, processed, affected, hours, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			processed = excluded.processed,
			affected = excluded.affected,
			hours = excluded.hours,
			error = excluded.error,
			completed_at = excluded.completed_at
	`

	var completedAt *string
	if r.CompletedAt != nil {
		ts := r.CompletedAt.Format(time.RFC3339)
		completedAt = &ts
	}

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.Kind, r.Status, r.Processed, r.Affected, nullString(r.Hours), nullString(r.Error),
		r.StartedAt.Format(time.RFC3339), completedAt,
	)
	return err
}

// GetSweepRuns returns sweep runs, newest first, optionally of one kind.
func (s *Store) GetSweepRuns(ctx context.Context, kind string, limit int) ([]SweepRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, kind, status, processed, affected, hours, error, started_at, completed_at
		FROM sweep_runs`
	var args []any
	if kind != "" {
		query += " WHERE kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY started_at DESC, rowid DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []SweepRun
	for rows.Next() {
		var r SweepRun
		var hours, errText, completedAt sql.NullString
		var startedAt string
		if err := rows.Scan(&r.ID, &r.Kind, &r.Status, &r.Processed, &r.Affected, &hours, &errText, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		r.Hours = hours.String
		r.Error = errText.String
		r.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
		if completedAt.Valid {
			t, _ := time.Parse(time.RFC3339, completedAt.String)
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Reset clears all data (for testing and demo scenarios).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{tableAccounts, tableWindows, tableRequests, "events", "sweep_runs", "policies"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
