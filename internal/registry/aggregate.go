package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"executor/internal/apperrors"
	"executor/internal/execution"
)

// DayCount is the number of executions created on one UTC calendar day.
type DayCount struct {
	Day   string `json:"day"` // YYYY-MM-DD
	Count int64  `json:"count"`
}

// OwnerCount is the number of executions submitted by one owner.
type OwnerCount struct {
	OwnerRef string `json:"ownerRef"`
	Count    int64  `json:"count"`
}

// DurationSummary describes run times of executions that reached a
// terminal state after starting.
type DurationSummary struct {
	Count      int64   `json:"count"`
	AvgSeconds float64 `json:"avgSeconds"`
	MaxSeconds float64 `json:"maxSeconds"`
}

// CountByState counts executions created at or after since, per state.
// Every state is present in the result.
func (s *Store) CountByState(ctx context.Context, since time.Time) (map[execution.State]int64, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(
		"SELECT state, COUNT(*) FROM executions WHERE created_at >= ? GROUP BY state"),
		normalize(since),
	)
	if err != nil {
		return nil, apperrors.Internal("registry.countByState", err)
	}
	defer rows.Close()

	out := make(map[execution.State]int64, len(execution.States))
	for _, st := range execution.States {
		out[st] = 0
	}
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, apperrors.Internal("registry.countByState", err)
		}
		out[execution.State(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("registry.countByState", err)
	}
	return out, nil
}

// CountByDay counts executions created at or after since, bucketed by day.
func (s *Store) CountByDay(ctx context.Context, since time.Time) ([]DayCount, error) {
	day := s.dialect.Day("created_at")
	query := fmt.Sprintf(
		"SELECT %s AS day, COUNT(*) FROM executions WHERE created_at >= ? GROUP BY %s ORDER BY day", day, day)

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), normalize(since))
	if err != nil {
		return nil, apperrors.Internal("registry.countByDay", err)
	}
	defer rows.Close()

	var out []DayCount
	for rows.Next() {
		var dc DayCount
		if err := rows.Scan(&dc.Day, &dc.Count); err != nil {
			return nil, apperrors.Internal("registry.countByDay", err)
		}
		out = append(out, dc)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("registry.countByDay", err)
	}
	return out, nil
}

// Durations summarizes run times of executions that finished at or after since.
func (s *Store) Durations(ctx context.Context, since time.Time) (DurationSummary, error) {
	secs := s.dialect.Seconds("started_at", "finished_at")
	query := fmt.Sprintf(`SELECT COUNT(*), AVG(%s), MAX(%s) FROM executions
		WHERE started_at IS NOT NULL AND finished_at IS NOT NULL AND finished_at >= ?`, secs, secs)

	var (
		sum              DurationSummary
		avgSecs, maxSecs sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(query), normalize(since)).Scan(&sum.Count, &avgSecs, &maxSecs)
	if err != nil {
		return DurationSummary{}, apperrors.Internal("registry.durations", err)
	}
	sum.AvgSeconds = avgSecs.Float64
	sum.MaxSeconds = maxSecs.Float64
	return sum, nil
}

// TopOwners returns the owners with the most executions created at or
// after since, busiest first.
func (s *Store) TopOwners(ctx context.Context, since time.Time, limit int) ([]OwnerCount, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(
		`SELECT owner_ref, COUNT(*) AS n FROM executions WHERE created_at >= ?
		GROUP BY owner_ref ORDER BY n DESC, owner_ref LIMIT ?`),
		normalize(since), limit,
	)
	if err != nil {
		return nil, apperrors.Internal("registry.topOwners", err)
	}
	defer rows.Close()

	var out []OwnerCount
	for rows.Next() {
		var oc OwnerCount
		if err := rows.Scan(&oc.OwnerRef, &oc.Count); err != nil {
			return nil, apperrors.Internal("registry.topOwners", err)
		}
		out = append(out, oc)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("registry.topOwners", err)
	}
	return out, nil
}
