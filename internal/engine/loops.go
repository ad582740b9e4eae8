package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"cyberlab-engine/internal/store"
)

// Loops runs the engine's independent reconciliation tickers: cost accrual
// and budget evaluation, the idle/expiry sweep, and orphan reconciliation.
// Each cadence is configured separately and every pass is idempotent, so
// any instance of the service can run any tick.
type Loops struct {
	orch *Orchestrator

	budgetInterval    time.Duration
	sweepInterval     time.Duration
	reconcileInterval time.Duration

	done chan struct{}
	wg   sync.WaitGroup
}

func NewLoops(orch *Orchestrator, budgetInterval, sweepInterval, reconcileInterval time.Duration) *Loops {
	if budgetInterval <= 0 {
		budgetInterval = time.Minute
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	if reconcileInterval <= 0 {
		reconcileInterval = 5 * time.Minute
	}
	return &Loops{
		orch:              orch,
		budgetInterval:    budgetInterval,
		sweepInterval:     sweepInterval,
		reconcileInterval: reconcileInterval,
		done:              make(chan struct{}),
	}
}

// Start launches the tick loops.
func (l *Loops) Start(ctx context.Context) {
	l.wg.Add(3)
	go l.run(ctx, l.budgetInterval, func(ctx context.Context) { l.orch.BudgetTick(ctx, l.budgetInterval) })
	go l.run(ctx, l.sweepInterval, l.orch.SweepTick)
	go l.run(ctx, l.reconcileInterval, l.orch.ReconcileTick)

	log.Info().
		Dur("budget_interval", l.budgetInterval).
		Dur("sweep_interval", l.sweepInterval).
		Dur("reconcile_interval", l.reconcileInterval).
		Msg("engine loops started")
}

// Stop waits for in-flight ticks to finish.
func (l *Loops) Stop() {
	close(l.done)
	l.wg.Wait()
}

func (l *Loops) run(ctx context.Context, interval time.Duration, tick func(ctx context.Context)) {
	defer l.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// BudgetTick accrues cost for every running session, then evaluates the
// monthly state. A force-shutdown verdict terminates all active sessions
// immediately; budget cutoff overrides any idle grace still pending.
func (o *Orchestrator) BudgetTick(ctx context.Context, elapsed time.Duration) {
	sessions, err := o.store.ListSessionsByStatus(ctx, store.SessionRunning, store.SessionIdleWarning)
	if err != nil {
		log.Error().Err(err).Msg("budget tick: listing sessions failed")
		return
	}

	if elapsed <= 0 {
		elapsed = time.Minute
	}

	for _, s := range sessions {
		delta := s.HourlyRate * elapsed.Hours()
		if err := o.budget.RecordUsage(ctx, s.ID, delta); err != nil {
			log.Error().Err(err).Str("session_id", s.ID).Msg("cost accrual failed")
		}
	}

	verdict, err := o.budget.Evaluate(ctx)
	if err != nil {
		log.Error().Err(err).Msg("budget evaluation failed")
		return
	}

	if o.metrics != nil && verdict.State != nil {
		o.metrics.RecordBudget(string(verdict.State.Status), verdict.State.CurrentCost)
	}

	if verdict.ForceShutdown {
		log.Warn().Msg("budget cutoff: force-terminating all running sessions")
		o.terminateAll(ctx, CauseBudget)
	}
}

// SweepTick enforces idle thresholds and the hard expiry cap. Every status
// that holds resources is swept, so a session a crash left stuck in
// provisioning or terminating is still finalized at its expiry and stops
// counting against the user's quota.
func (o *Orchestrator) SweepTick(ctx context.Context) {
	sessions, err := o.store.ListSessionsByStatus(ctx,
		store.SessionProvisioning, store.SessionRunning, store.SessionIdleWarning, store.SessionTerminating)
	if err != nil {
		log.Error().Err(err).Msg("sweep tick: listing sessions failed")
		return
	}

	now := o.now()
	for _, s := range sessions {
		switch {
		case now.After(s.ExpiresAt):
			if err := o.TerminateSession(ctx, s.ID, CauseExpiry); err != nil {
				log.Error().Err(err).Str("session_id", s.ID).Msg("expiry termination failed")
			}

		case s.Status == store.SessionProvisioning || s.Status == store.SessionTerminating:
			// Not expired yet; idle timers apply only once running.

		case now.Sub(s.LastActivityAt) > o.cfg.IdleKillAfter:
			if err := o.TerminateSession(ctx, s.ID, CauseIdle); err != nil {
				log.Error().Err(err).Str("session_id", s.ID).Msg("idle termination failed")
			}

		case now.Sub(s.LastActivityAt) > o.cfg.IdleWarnAfter && s.Status == store.SessionRunning:
			if err := o.store.UpdateSessionStatus(ctx, s.ID, store.SessionIdleWarning); err != nil {
				log.Error().Err(err).Str("session_id", s.ID).Msg("idle warning failed")
			} else {
				log.Info().Str("session_id", s.ID).Msg("session idle, warning issued")
			}
		}
	}
}

// ReconcileTick runs one orphan reconciliation pass.
func (o *Orchestrator) ReconcileTick(ctx context.Context) {
	findings, err := o.reaper.Reconcile(ctx)
	if err != nil {
		log.Error().Err(err).Msg("orphan reconciliation failed")
		return
	}

	if o.metrics != nil {
		for _, f := range findings {
			o.metrics.OrphansFound.WithLabelValues(f.Reason).Inc()
			if f.Resolution == store.ResolutionTerminated {
				o.metrics.OrphansReaped.Inc()
			}
		}
	}
}

func (o *Orchestrator) terminateAll(ctx context.Context, cause string) {
	sessions, err := o.ListActiveSessions(ctx)
	if err != nil {
		log.Error().Err(err).Msg("listing sessions for forced shutdown failed")
		return
	}

	for _, s := range sessions {
		if err := o.TerminateSession(ctx, s.ID, cause); err != nil {
			log.Error().Err(err).Str("session_id", s.ID).Msg("forced termination failed")
		}
	}
}
