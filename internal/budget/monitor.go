// Package budget aggregates running cost into a monthly figure and enforces
// the graduated shutdown policy around the hard cap.
package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"cyberlab-engine/internal/store"
)

// Alert levels, one BudgetAlert per month per level.
const (
	AlertWarning  = "warning"
	AlertExceeded = "exceeded"
	AlertShutdown = "shutdown"
)

// Store is the persistence surface the monitor needs.
type Store interface {
	EnsureBudgetState(ctx context.Context, monthKey string, limit, threshold float64, graceHours int, autoShutdown bool) (*store.BudgetState, error)
	GetBudgetState(ctx context.Context, monthKey string) (*store.BudgetState, error)
	AddBudgetCost(ctx context.Context, monthKey string, delta float64) (float64, error)
	SetBudgetStatus(ctx context.Context, monthKey string, status store.BudgetStatus, graceEnd *time.Time) error
	UpdateBudgetConfig(ctx context.Context, monthKey string, limit, threshold float64, graceHours int, autoShutdown bool) error
	AddSessionCost(ctx context.Context, sessionID string, delta float64) error
	InsertBudgetAlert(ctx context.Context, a *store.BudgetAlert) error
	HasBudgetAlert(ctx context.Context, monthKey, level string) (bool, error)
	ListBudgetAlerts(ctx context.Context, monthKey string) ([]store.BudgetAlert, error)
}

// Config is the boot policy; the persisted month row is authoritative once
// created and can be changed through UpdateConfig.
type Config struct {
	MonthlyLimit     float64
	AlertThreshold   float64
	GracePeriodHours int
	AutoShutdown     bool
	Currency         string
}

// Monitor tracks spend against the monthly cap.
type Monitor struct {
	store Store
	cfg   Config
	now   func() time.Time
}

func New(st Store, cfg Config) *Monitor {
	if cfg.AlertThreshold <= 0 || cfg.AlertThreshold >= 1 {
		cfg.AlertThreshold = 0.8
	}
	return &Monitor{
		store: st,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// MonthKey returns the budget bucket for t, e.g. "2026-08".
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Verdict is the outcome of one evaluation pass.
type Verdict struct {
	State            *store.BudgetState
	BlockNewSessions bool
	ForceShutdown    bool
}

// ComputeStatus derives the budget status purely from its inputs. Warning
// begins at the alert threshold, critical at the cap; a started grace
// period turns critical into exceeded. Re-evaluating identical inputs
// always yields the identical status.
func ComputeStatus(currentCost, limit, threshold float64, graceEnd *time.Time) store.BudgetStatus {
	if limit <= 0 {
		return store.BudgetExceeded
	}
	ratio := currentCost / limit
	switch {
	case ratio < threshold:
		return store.BudgetNormal
	case ratio < 1:
		return store.BudgetWarning
	case graceEnd == nil:
		return store.BudgetCritical
	default:
		return store.BudgetExceeded
	}
}

// RecordUsage adds an accrual delta to the session's cost estimate and the
// month's aggregate. Called once per tick for each running session.
func (m *Monitor) RecordUsage(ctx context.Context, sessionID string, delta float64) error {
	if delta < 0 {
		return fmt.Errorf("negative cost delta %g for session %s", delta, sessionID)
	}
	if delta == 0 {
		return nil
	}

	if err := m.store.AddSessionCost(ctx, sessionID, delta); err != nil {
		return err
	}

	monthKey := MonthKey(m.now())
	if _, err := m.ensure(ctx, monthKey); err != nil {
		return err
	}
	if _, err := m.store.AddBudgetCost(ctx, monthKey, delta); err != nil {
		return err
	}
	return nil
}

// Evaluate recomputes the month's status, emits threshold alerts (one per
// month per level), starts the grace period on crossing the cap, and
// reports whether running sessions must be force-terminated.
func (m *Monitor) Evaluate(ctx context.Context) (*Verdict, error) {
	now := m.now()
	monthKey := MonthKey(now)

	state, err := m.ensure(ctx, monthKey)
	if err != nil {
		return nil, err
	}

	status := ComputeStatus(state.CurrentCost, state.HardCapLimit, state.AlertThreshold, state.GracePeriodEndsAt)
	verdict := &Verdict{State: state}

	switch status {
	case store.BudgetWarning:
		if err := m.alertOnce(ctx, state, AlertWarning,
			fmt.Sprintf("monthly cost %.2f reached %.0f%% of the %.2f cap",
				state.CurrentCost, state.AlertThreshold*100, state.HardCapLimit)); err != nil {
			return nil, err
		}

	case store.BudgetCritical:
		// Cap crossed with no grace period yet. Auto-shutdown skips the
		// grace entirely.
		if err := m.alertOnce(ctx, state, AlertExceeded,
			fmt.Sprintf("monthly cost %.2f exceeded the %.2f cap", state.CurrentCost, state.HardCapLimit)); err != nil {
			return nil, err
		}

		graceEnd := now
		if !state.AutoShutdown {
			graceEnd = now.Add(time.Duration(state.GracePeriodHours) * time.Hour)
		}
		state.GracePeriodEndsAt = &graceEnd
		status = store.BudgetExceeded

		if state.AutoShutdown {
			verdict.ForceShutdown = true
		}

	case store.BudgetExceeded:
		if state.GracePeriodEndsAt != nil && !now.Before(*state.GracePeriodEndsAt) {
			verdict.ForceShutdown = true
		}
	}

	if verdict.ForceShutdown {
		if err := m.alertOnce(ctx, state, AlertShutdown,
			"grace period elapsed without remediation, force-terminating running sessions"); err != nil {
			return nil, err
		}
	}

	verdict.BlockNewSessions = status == store.BudgetCritical || status == store.BudgetExceeded

	if status != state.Status {
		if err := m.store.SetBudgetStatus(ctx, monthKey, status, state.GracePeriodEndsAt); err != nil {
			return nil, err
		}
		log.Info().
			Str("month", monthKey).
			Str("status", string(status)).
			Float64("cost", state.CurrentCost).
			Float64("limit", state.HardCapLimit).
			Msg("budget status changed")
	}
	state.Status = status

	return verdict, nil
}

// CanStartNewSession is the pure gate the orchestrator checks before
// provisioning. A failure to read cost state blocks starts rather than
// risking silent overspend.
func (m *Monitor) CanStartNewSession(ctx context.Context) (bool, string) {
	state, err := m.ensure(ctx, MonthKey(m.now()))
	if err != nil {
		log.Error().Err(err).Msg("budget state unreadable, refusing new session")
		return false, "budget state unavailable"
	}

	status := ComputeStatus(state.CurrentCost, state.HardCapLimit, state.AlertThreshold, state.GracePeriodEndsAt)
	if status == store.BudgetCritical || status == store.BudgetExceeded {
		return false, fmt.Sprintf("monthly budget exceeded (%.2f of %.2f %s)",
			state.CurrentCost, state.HardCapLimit, m.cfg.Currency)
	}
	return true, ""
}

// Current returns this month's budget state.
func (m *Monitor) Current(ctx context.Context) (*store.BudgetState, error) {
	return m.ensure(ctx, MonthKey(m.now()))
}

// Alerts returns this month's alert history.
func (m *Monitor) Alerts(ctx context.Context) ([]store.BudgetAlert, error) {
	return m.store.ListBudgetAlerts(ctx, MonthKey(m.now()))
}

// UpdateConfig applies an operator policy change to the current month.
// Raising the limit during a grace period is the expected remediation path;
// the next Evaluate pass recomputes status from the new cap.
func (m *Monitor) UpdateConfig(ctx context.Context, limit, threshold float64, graceHours int, autoShutdown bool) error {
	monthKey := MonthKey(m.now())
	if _, err := m.ensure(ctx, monthKey); err != nil {
		return err
	}
	if err := m.store.UpdateBudgetConfig(ctx, monthKey, limit, threshold, graceHours, autoShutdown); err != nil {
		return err
	}

	// A raised cap may put the month back under 100%; drop the grace
	// period so evaluation starts fresh.
	state, err := m.store.GetBudgetState(ctx, monthKey)
	if err != nil {
		return err
	}
	if state.GracePeriodEndsAt != nil && state.CurrentCost < state.HardCapLimit {
		return m.store.SetBudgetStatus(ctx, monthKey,
			ComputeStatus(state.CurrentCost, state.HardCapLimit, state.AlertThreshold, nil), nil)
	}
	return nil
}

func (m *Monitor) ensure(ctx context.Context, monthKey string) (*store.BudgetState, error) {
	return m.store.EnsureBudgetState(ctx, monthKey,
		m.cfg.MonthlyLimit, m.cfg.AlertThreshold, m.cfg.GracePeriodHours, m.cfg.AutoShutdown)
}

func (m *Monitor) alertOnce(ctx context.Context, state *store.BudgetState, level, message string) error {
	exists, err := m.store.HasBudgetAlert(ctx, state.MonthKey, level)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	alert := &store.BudgetAlert{
		MonthKey:    state.MonthKey,
		Level:       level,
		CostAtAlert: state.CurrentCost,
		Limit:       state.HardCapLimit,
		Message:     message,
	}
	if err := m.store.InsertBudgetAlert(ctx, alert); err != nil {
		return err
	}

	log.Warn().
		Str("month", state.MonthKey).
		Str("level", level).
		Float64("cost", state.CurrentCost).
		Msg("budget alert")
	return nil
}
