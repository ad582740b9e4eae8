package store

import (
	"context"
	"fmt"
	"time"
)

const sessionColumns = `id, user_id, scenario_version_id, machine_ids, status,
	hourly_rate, accumulated_cost, started_at, expires_at,
	last_activity_at, last_heartbeat_at, terminated_at, termination_cause`

// CreateSession inserts a new session row.
func (db *DB) CreateSession(ctx context.Context, s *Session) error {
	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := db.pool.Exec(ctx, query,
		s.ID, s.UserID, s.ScenarioVersionID, s.MachineIDs, s.Status,
		s.HourlyRate, s.AccumulatedCost, s.StartedAt, s.ExpiresAt,
		s.LastActivityAt, s.LastHeartbeatAt, s.TerminatedAt, s.TerminationCause,
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// GetSession retrieves a single session by ID.
func (db *DB) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`

	var s Session
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&s.ID, &s.UserID, &s.ScenarioVersionID, &s.MachineIDs, &s.Status,
		&s.HourlyRate, &s.AccumulatedCost, &s.StartedAt, &s.ExpiresAt,
		&s.LastActivityAt, &s.LastHeartbeatAt, &s.TerminatedAt, &s.TerminationCause,
	)
	if err != nil {
		return nil, fmt.Errorf("querying session %s: %w", id, notFound(err))
	}
	return &s, nil
}

// ListSessionsByStatus returns all sessions in any of the given statuses.
func (db *DB) ListSessionsByStatus(ctx context.Context, statuses ...SessionStatus) ([]Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE status = ANY($1) ORDER BY started_at`

	strs := make([]string, len(statuses))
	for i, st := range statuses {
		strs[i] = string(st)
	}

	rows, err := db.pool.Query(ctx, query, strs)
	if err != nil {
		return nil, fmt.Errorf("querying sessions by status: %w", err)
	}
	defer rows.Close()

	var results []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(
			&s.ID, &s.UserID, &s.ScenarioVersionID, &s.MachineIDs, &s.Status,
			&s.HourlyRate, &s.AccumulatedCost, &s.StartedAt, &s.ExpiresAt,
			&s.LastActivityAt, &s.LastHeartbeatAt, &s.TerminatedAt, &s.TerminationCause,
		); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		results = append(results, s)
	}
	return results, rows.Err()
}

// CountActiveSessionsForUser counts sessions holding resources for a user,
// used to enforce the per-user concurrency quota.
func (db *DB) CountActiveSessionsForUser(ctx context.Context, userID string) (int, error) {
	query := `
		SELECT COUNT(*) FROM sessions
		WHERE user_id = $1 AND status IN ('provisioning', 'running', 'idle-warning', 'terminating')`

	var n int
	if err := db.pool.QueryRow(ctx, query, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting active sessions for user %s: %w", userID, err)
	}
	return n, nil
}

// UpdateSessionStatus moves a session to a new lifecycle status.
func (db *DB) UpdateSessionStatus(ctx context.Context, id string, status SessionStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE sessions SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("updating session %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("updating session %s status: %w", id, ErrNotFound)
	}
	return nil
}

// MarkSessionTerminated finalizes a session. Cost accrual stops here because
// AddSessionCost only matches the running statuses.
func (db *DB) MarkSessionTerminated(ctx context.Context, id, cause string, at time.Time) error {
	_, err := db.pool.Exec(ctx, `
		UPDATE sessions
		SET status = 'terminated', terminated_at = $2, termination_cause = $3
		WHERE id = $1 AND status != 'terminated'`,
		id, at, cause)
	if err != nil {
		return fmt.Errorf("terminating session %s: %w", id, err)
	}
	return nil
}

// TouchSessionActivity records solver activity, clearing an idle warning if
// one was in effect.
func (db *DB) TouchSessionActivity(ctx context.Context, id string, at time.Time) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE sessions
		SET last_activity_at = $2,
		    status = CASE WHEN status = 'idle-warning' THEN 'running' ELSE status END
		WHERE id = $1 AND status IN ('running', 'idle-warning')`,
		id, at)
	if err != nil {
		return fmt.Errorf("touching session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("touching session %s: %w", id, ErrNotFound)
	}
	return nil
}

// RecordSessionHeartbeat stores the latest gateway heartbeat.
func (db *DB) RecordSessionHeartbeat(ctx context.Context, id string, at time.Time) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE sessions SET last_heartbeat_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("recording heartbeat for session %s: %w", id, err)
	}
	return nil
}

// AddSessionCost atomically adds an accrual delta to a session's cost
// estimate. The status guard freezes cost the moment a session leaves the
// running family.
func (db *DB) AddSessionCost(ctx context.Context, id string, delta float64) error {
	_, err := db.pool.Exec(ctx, `
		UPDATE sessions
		SET accumulated_cost = accumulated_cost + $2
		WHERE id = $1 AND status IN ('running', 'idle-warning')`,
		id, delta)
	if err != nil {
		return fmt.Errorf("adding cost to session %s: %w", id, err)
	}
	return nil
}
