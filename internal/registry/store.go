// Package registry is the durable Execution Registry: the single source of
// truth for execution state, backed by database/sql.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"executor/internal/apperrors"
	"executor/internal/execution"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	heartbeatChunk   = 500
)

const selectColumns = "id, owner_ref, state, spec, container_ref, failure_reason, exit_code, " +
	"created_at, updated_at, started_at, finished_at, last_heartbeat_at, released_at"

// Store implements execution.Registry over a SQL database.
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
	newID   func() string
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides execution id generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// New creates a Store on an open, migrated database.
func New(db *sql.DB, dialect Dialect, opts ...Option) *Store {
	s := &Store{
		db:      db,
		dialect: dialect,
		now:     time.Now,
		newID:   uuid.NewString,
		logger:  slog.With("component", "registry"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// timestamp normalizes times to the precision every dialect stores.
func (s *Store) timestamp() time.Time {
	return normalize(s.now())
}

func normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// Create inserts a new PENDING execution. The spec is validated but not
// defaulted; callers apply defaults first.
func (s *Store) Create(ctx context.Context, ownerRef string, spec execution.Spec) (*execution.Execution, error) {
	if err := execution.Validate(ownerRef, &spec); err != nil {
		return nil, err
	}

	specJSON, err := json.Marshal(spec)
	if err != nil {
		return nil, apperrors.Validation("spec", fmt.Sprintf("spec is not serializable: %v", err))
	}

	now := s.timestamp()
	exec := &execution.Execution{
		ID:        s.newID(),
		OwnerRef:  ownerRef,
		State:     execution.StatePending,
		Spec:      spec,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = s.db.ExecContext(ctx, s.dialect.Rebind(
		`INSERT INTO executions (id, owner_ref, state, spec, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`),
		exec.ID, exec.OwnerRef, string(exec.State), string(specJSON), now, now,
	)
	if err != nil {
		return nil, apperrors.Internal("registry.create", err)
	}
	return exec, nil
}

// Transition moves an execution to target with a single state-guarded
// UPDATE. When a concurrent writer changed the state first, no row
// matches and the call fails with an invalid transition error naming the
// state that won. started_at and finished_at are written at most once.
func (s *Store) Transition(ctx context.Context, id string, target execution.State, meta execution.TransitionMeta) (*execution.Execution, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if meta.From != "" && current.State != meta.From {
		return nil, apperrors.InvalidTransition("execution", id, string(current.State), string(target))
	}
	if !execution.CanTransition(current.State, target) {
		return nil, apperrors.InvalidTransition("execution", id, string(current.State), string(target))
	}

	now := s.timestamp()
	sets := []string{"state = ?", "updated_at = ?"}
	args := []any{string(target), now}

	switch target {
	case execution.StateRunning:
		if meta.ContainerRef == "" {
			return nil, apperrors.Validation("containerRef", "container reference is required to enter RUNNING")
		}
		sets = append(sets, "container_ref = ?", "started_at = COALESCE(started_at, ?)")
		args = append(args, meta.ContainerRef, now)
	case execution.StateFinished:
		sets = append(sets, "finished_at = COALESCE(finished_at, ?)", "exit_code = ?")
		args = append(args, now, nullableInt(meta.ExitCode))
	case execution.StateFailed:
		if current.ContainerRef == "" && meta.ContainerRef == "" {
			return nil, apperrors.Validation("containerRef", "container reference of the attempted container is required to enter FAILED")
		}
		sets = append(sets,
			"finished_at = COALESCE(finished_at, ?)",
			"failure_reason = ?",
			"exit_code = ?",
			"container_ref = COALESCE(container_ref, ?)",
		)
		args = append(args, now, meta.FailureReason, nullableInt(meta.ExitCode), nullableString(meta.ContainerRef))
	case execution.StateCancelled:
		sets = append(sets, "finished_at = COALESCE(finished_at, ?)", "container_ref = NULL")
		args = append(args, now)
	}

	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = ? AND state = ?", strings.Join(sets, ", "))
	args = append(args, id, string(current.State))

	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, apperrors.Internal("registry.transition", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, apperrors.Internal("registry.transition", err)
	}

	if affected == 0 {
		latest, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		s.logger.Info("Transition lost to concurrent writer",
			"executionId", id,
			"expected", current.State,
			"observed", latest.State,
			"target", target,
		)
		return nil, apperrors.InvalidTransition("execution", id, string(latest.State), string(target))
	}

	return s.Get(ctx, id)
}

// Get returns an execution by id.
func (s *Store) Get(ctx context.Context, id string) (*execution.Execution, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(
		"SELECT "+selectColumns+" FROM executions WHERE id = ?"), id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("execution", id)
	}
	if err != nil {
		return nil, apperrors.Internal("registry.get", err)
	}
	return exec, nil
}

// List returns executions matching filter, oldest first.
func (s *Store) List(ctx context.Context, filter execution.Filter) ([]*execution.Execution, error) {
	var where []string
	var args []any

	if len(filter.IDs) > 0 {
		placeholders := make([]string, len(filter.IDs))
		for i, id := range filter.IDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		where = append(where, "id IN ("+strings.Join(placeholders, ", ")+")")
	}
	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, st := range filter.States {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "state IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.OwnerRef != "" {
		where = append(where, "owner_ref = ?")
		args = append(args, filter.OwnerRef)
	}
	if !filter.CreatedAfter.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, normalize(filter.CreatedAfter))
	}
	if !filter.CreatedBefore.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, normalize(filter.CreatedBefore))
	}
	if !filter.FinishedBefore.IsZero() {
		where = append(where, "finished_at < ?")
		args = append(args, normalize(filter.FinishedBefore))
	}
	if !filter.HeartbeatBefore.IsZero() {
		where = append(where, "COALESCE(last_heartbeat_at, started_at, created_at) < ?")
		args = append(args, normalize(filter.HeartbeatBefore))
	}
	if filter.Unreleased {
		where = append(where, "released_at IS NULL")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	query := "SELECT " + selectColumns + " FROM executions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, apperrors.Internal("registry.list", err)
	}
	defer rows.Close()

	var out []*execution.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, apperrors.Internal("registry.list", err)
		}
		out = append(out, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("registry.list", err)
	}
	return out, nil
}

// Heartbeat records liveness for RUNNING executions among ids.
func (s *Store) Heartbeat(ctx context.Context, ids []string, at time.Time) (int64, error) {
	at = normalize(at)
	var total int64
	for start := 0; start < len(ids); start += heartbeatChunk {
		end := min(start+heartbeatChunk, len(ids))
		chunk := ids[start:end]

		placeholders := make([]string, len(chunk))
		args := []any{at, string(execution.StateRunning)}
		for i, id := range chunk {
			placeholders[i] = "?"
			args = append(args, id)
		}
		query := "UPDATE executions SET last_heartbeat_at = ? WHERE state = ? AND id IN (" +
			strings.Join(placeholders, ", ") + ")"

		res, err := s.db.ExecContext(ctx, s.dialect.Rebind(query), args...)
		if err != nil {
			return total, apperrors.Internal("registry.heartbeat", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, apperrors.Internal("registry.heartbeat", err)
		}
		total += n
	}
	return total, nil
}

// MarkReleased records that the execution's container resources are gone.
// It reports false when the execution was already released.
func (s *Store) MarkReleased(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(
		"UPDATE executions SET released_at = ?, updated_at = ? WHERE id = ? AND released_at IS NULL"),
		normalize(at), s.timestamp(), id,
	)
	if err != nil {
		return false, apperrors.Internal("registry.markReleased", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.Internal("registry.markReleased", err)
	}
	if n > 0 {
		return true, nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (*execution.Execution, error) {
	var (
		exec                                  execution.Execution
		state, specJSON                       string
		containerRef, failureReason           sql.NullString
		exitCode                              sql.NullInt64
		startedAt, finishedAt, heartbeat, rel sql.NullTime
	)
	err := row.Scan(
		&exec.ID, &exec.OwnerRef, &state, &specJSON, &containerRef, &failureReason, &exitCode,
		&exec.CreatedAt, &exec.UpdatedAt, &startedAt, &finishedAt, &heartbeat, &rel,
	)
	if err != nil {
		return nil, err
	}

	exec.State = execution.State(state)
	if err := json.Unmarshal([]byte(specJSON), &exec.Spec); err != nil {
		return nil, fmt.Errorf("decode spec of %s: %w", exec.ID, err)
	}
	exec.ContainerRef = containerRef.String
	exec.FailureReason = failureReason.String
	if exitCode.Valid {
		code := int(exitCode.Int64)
		exec.ExitCode = &code
	}
	exec.CreatedAt = exec.CreatedAt.UTC()
	exec.UpdatedAt = exec.UpdatedAt.UTC()
	exec.StartedAt = timePtr(startedAt)
	exec.FinishedAt = timePtr(finishedAt)
	exec.LastHeartbeatAt = timePtr(heartbeat)
	exec.ReleasedAt = timePtr(rel)
	return &exec, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

var _ execution.Registry = (*Store)(nil)
