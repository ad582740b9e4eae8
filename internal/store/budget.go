package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const budgetColumns = `month_key, current_cost, hard_cap_limit, alert_threshold,
	grace_period_hours, auto_shutdown, status, grace_period_ends_at, updated_at`

// EnsureBudgetState creates the month's budget row if missing and returns
// the current state. Safe to call concurrently from every tick loop.
func (db *DB) EnsureBudgetState(ctx context.Context, monthKey string, limit, threshold float64, graceHours int, autoShutdown bool) (*BudgetState, error) {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO budget_state (`+budgetColumns+`)
		VALUES ($1, 0, $2, $3, $4, $5, 'normal', NULL, $6)
		ON CONFLICT (month_key) DO NOTHING`,
		monthKey, limit, threshold, graceHours, autoShutdown, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("ensuring budget state for %s: %w", monthKey, err)
	}
	return db.GetBudgetState(ctx, monthKey)
}

// GetBudgetState retrieves the budget row for a month.
func (db *DB) GetBudgetState(ctx context.Context, monthKey string) (*BudgetState, error) {
	query := `SELECT ` + budgetColumns + ` FROM budget_state WHERE month_key = $1`

	var b BudgetState
	err := db.pool.QueryRow(ctx, query, monthKey).Scan(
		&b.MonthKey, &b.CurrentCost, &b.HardCapLimit, &b.AlertThreshold,
		&b.GracePeriodHours, &b.AutoShutdown, &b.Status, &b.GracePeriodEndsAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("querying budget state %s: %w", monthKey, notFound(err))
	}
	return &b, nil
}

// AddBudgetCost atomically adds an accrual delta to the month's aggregate
// and returns the new total. Multiple tick loops may hit this concurrently;
// the increment happens in the database, not read-modify-write.
func (db *DB) AddBudgetCost(ctx context.Context, monthKey string, delta float64) (float64, error) {
	var total float64
	err := db.pool.QueryRow(ctx, `
		UPDATE budget_state
		SET current_cost = current_cost + $2, updated_at = $3
		WHERE month_key = $1
		RETURNING current_cost`,
		monthKey, delta, time.Now().UTC()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("adding cost to budget %s: %w", monthKey, notFound(err))
	}
	return total, nil
}

// SetBudgetStatus records the evaluated status and grace period deadline.
func (db *DB) SetBudgetStatus(ctx context.Context, monthKey string, status BudgetStatus, graceEnd *time.Time) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE budget_state
		SET status = $2, grace_period_ends_at = $3, updated_at = $4
		WHERE month_key = $1`,
		monthKey, status, graceEnd, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("updating budget status %s: %w", monthKey, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("updating budget status %s: %w", monthKey, ErrNotFound)
	}
	return nil
}

// UpdateBudgetConfig applies an operator change to the month's policy.
func (db *DB) UpdateBudgetConfig(ctx context.Context, monthKey string, limit, threshold float64, graceHours int, autoShutdown bool) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE budget_state
		SET hard_cap_limit = $2, alert_threshold = $3, grace_period_hours = $4,
		    auto_shutdown = $5, updated_at = $6
		WHERE month_key = $1`,
		monthKey, limit, threshold, graceHours, autoShutdown, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("updating budget config %s: %w", monthKey, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("updating budget config %s: %w", monthKey, ErrNotFound)
	}
	return nil
}

// InsertBudgetAlert appends a threshold-crossing record.
func (db *DB) InsertBudgetAlert(ctx context.Context, a *BudgetAlert) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	_, err := db.pool.Exec(ctx, `
		INSERT INTO budget_alerts (id, month_key, level, cost_at_alert, cap_limit, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.MonthKey, a.Level, a.CostAtAlert, a.Limit, a.Message, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting budget alert: %w", err)
	}
	return nil
}

// HasBudgetAlert reports whether an alert at the given level was already
// emitted this month. Keeps evaluate() from duplicating alerts every tick.
func (db *DB) HasBudgetAlert(ctx context.Context, monthKey, level string) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM budget_alerts WHERE month_key = $1 AND level = $2)`,
		monthKey, level).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking budget alert %s/%s: %w", monthKey, level, err)
	}
	return exists, nil
}

// ListBudgetAlerts returns alerts for a month, newest first.
func (db *DB) ListBudgetAlerts(ctx context.Context, monthKey string) ([]BudgetAlert, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, month_key, level, cost_at_alert, cap_limit, message, created_at
		FROM budget_alerts
		WHERE month_key = $1
		ORDER BY created_at DESC`, monthKey)
	if err != nil {
		return nil, fmt.Errorf("querying budget alerts: %w", err)
	}
	defer rows.Close()

	var results []BudgetAlert
	for rows.Next() {
		var a BudgetAlert
		if err := rows.Scan(&a.ID, &a.MonthKey, &a.Level, &a.CostAtAlert, &a.Limit, &a.Message, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning budget alert row: %w", err)
		}
		results = append(results, a)
	}
	return results, rows.Err()
}
