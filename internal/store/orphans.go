package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const orphanColumns = `id, task_id, session_id, reason, wasted_cost,
	resolution, discovered_at, resolved_at`

// InsertOrphanedTask records a reconciliation finding. Returns false when a
// finding for the task already exists, which keeps reconcile() idempotent
// across repeated passes.
func (db *DB) InsertOrphanedTask(ctx context.Context, o *OrphanedTask) (bool, error) {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.DiscoveredAt.IsZero() {
		o.DiscoveredAt = time.Now().UTC()
	}

	tag, err := db.pool.Exec(ctx, `
		INSERT INTO orphaned_tasks (`+orphanColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (task_id) DO NOTHING`,
		o.ID, o.TaskID, o.SessionID, o.Reason, o.WastedCost,
		o.Resolution, o.DiscoveredAt, o.ResolvedAt,
	)
	if err != nil {
		return false, fmt.Errorf("inserting orphaned task: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetOrphanedTask retrieves a finding by ID.
func (db *DB) GetOrphanedTask(ctx context.Context, id string) (*OrphanedTask, error) {
	query := `SELECT ` + orphanColumns + ` FROM orphaned_tasks WHERE id = $1`

	var o OrphanedTask
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&o.ID, &o.TaskID, &o.SessionID, &o.Reason, &o.WastedCost,
		&o.Resolution, &o.DiscoveredAt, &o.ResolvedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("querying orphaned task %s: %w", id, notFound(err))
	}
	return &o, nil
}

// GetOrphanedTaskByTaskID retrieves a finding by the provider task ID.
func (db *DB) GetOrphanedTaskByTaskID(ctx context.Context, taskID string) (*OrphanedTask, error) {
	query := `SELECT ` + orphanColumns + ` FROM orphaned_tasks WHERE task_id = $1`

	var o OrphanedTask
	err := db.pool.QueryRow(ctx, query, taskID).Scan(
		&o.ID, &o.TaskID, &o.SessionID, &o.Reason, &o.WastedCost,
		&o.Resolution, &o.DiscoveredAt, &o.ResolvedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("querying orphaned task for %s: %w", taskID, notFound(err))
	}
	return &o, nil
}

// ListOrphanedTasks returns findings, optionally including resolved history.
func (db *DB) ListOrphanedTasks(ctx context.Context, includeResolved bool) ([]OrphanedTask, error) {
	query := `SELECT ` + orphanColumns + `
		FROM orphaned_tasks
		WHERE $1 OR resolution = 'pending'
		ORDER BY discovered_at DESC
		LIMIT 500`

	rows, err := db.pool.Query(ctx, query, includeResolved)
	if err != nil {
		return nil, fmt.Errorf("querying orphaned tasks: %w", err)
	}
	defer rows.Close()

	var results []OrphanedTask
	for rows.Next() {
		var o OrphanedTask
		if err := rows.Scan(
			&o.ID, &o.TaskID, &o.SessionID, &o.Reason, &o.WastedCost,
			&o.Resolution, &o.DiscoveredAt, &o.ResolvedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning orphaned task row: %w", err)
		}
		results = append(results, o)
	}
	return results, rows.Err()
}

// ResolveOrphanedTask records the outcome for a finding.
func (db *DB) ResolveOrphanedTask(ctx context.Context, id, resolution string, at time.Time) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE orphaned_tasks SET resolution = $2, resolved_at = $3 WHERE id = $1`,
		id, resolution, at)
	if err != nil {
		return fmt.Errorf("resolving orphaned task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("resolving orphaned task %s: %w", id, ErrNotFound)
	}
	return nil
}
