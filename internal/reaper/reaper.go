// Package reaper reconciles the provider's live task list against tracked
// sessions and terminates compute nothing is paying attention to.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"cyberlab-engine/internal/cloud"
	"cyberlab-engine/internal/store"
)

// Store is the persistence surface the reaper needs.
type Store interface {
	GetSession(ctx context.Context, id string) (*store.Session, error)
	InsertOrphanedTask(ctx context.Context, o *store.OrphanedTask) (bool, error)
	GetOrphanedTask(ctx context.Context, id string) (*store.OrphanedTask, error)
	GetOrphanedTaskByTaskID(ctx context.Context, taskID string) (*store.OrphanedTask, error)
	ListOrphanedTasks(ctx context.Context, includeResolved bool) ([]store.OrphanedTask, error)
	ResolveOrphanedTask(ctx context.Context, id, resolution string, at time.Time) error
}

// Reaper finds and terminates orphaned tasks.
type Reaper struct {
	cloud          cloud.Adapter
	store          Store
	hourlyRate     float64 // wasted-cost estimate rate, independent of session accounting
	staleAfter     time.Duration
	ignoreCooldown time.Duration
	now            func() time.Time
}

func New(adapter cloud.Adapter, st Store, hourlyRate float64, staleAfter, ignoreCooldown time.Duration) *Reaper {
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	if ignoreCooldown <= 0 {
		ignoreCooldown = time.Hour
	}
	return &Reaper{
		cloud:          adapter,
		store:          st,
		hourlyRate:     hourlyRate,
		staleAfter:     staleAfter,
		ignoreCooldown: ignoreCooldown,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Reconcile lists live tasks, classifies the ones with no valid running
// session behind them, and terminates them unless a human recently marked
// them ignored. Safe to re-run: a second pass over unchanged state yields
// no new findings, and stopping an already-stopped task is a success.
func (r *Reaper) Reconcile(ctx context.Context) ([]store.OrphanedTask, error) {
	tasks, err := r.cloud.ListRunningTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing running tasks: %w", err)
	}

	now := r.now()
	var findings []store.OrphanedTask

	for _, task := range tasks {
		reason, ok := r.classify(ctx, task, now)
		if !ok {
			continue
		}

		logger := log.With().
			Str("task_id", task.ID).
			Str("session_id", task.SessionID).
			Str("reason", reason).
			Logger()

		if existing, err := r.store.GetOrphanedTaskByTaskID(ctx, task.ID); err == nil {
			if r.withinIgnoreCooldown(existing, now) {
				logger.Debug().Msg("orphan ignored by operator, skipping")
				continue
			}
			// Known finding, task still alive: re-issue the terminate but
			// do not duplicate the record.
			if err := r.terminate(ctx, existing); err != nil {
				logger.Error().Err(err).Msg("orphan re-termination failed")
			}
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return findings, fmt.Errorf("looking up finding for task %s: %w", task.ID, err)
		}

		wasted := now.Sub(task.StartedAt).Hours() * r.hourlyRate
		if wasted < 0 {
			wasted = 0
		}

		finding := &store.OrphanedTask{
			TaskID:       task.ID,
			SessionID:    task.SessionID,
			Reason:       reason,
			WastedCost:   wasted,
			Resolution:   store.ResolutionPending,
			DiscoveredAt: now,
		}

		inserted, err := r.store.InsertOrphanedTask(ctx, finding)
		if err != nil {
			return findings, fmt.Errorf("recording orphan %s: %w", task.ID, err)
		}
		if !inserted {
			continue
		}

		logger.Warn().Float64("wasted_cost", wasted).Msg("orphaned task found")

		if err := r.terminate(ctx, finding); err != nil {
			logger.Error().Err(err).Msg("orphan termination failed, finding left pending")
		}

		findings = append(findings, *finding)
	}

	return findings, nil
}

func (r *Reaper) classify(ctx context.Context, task cloud.TaskHandle, now time.Time) (string, bool) {
	if task.SessionID == "" {
		return store.OrphanNoMatchingSession, true
	}

	session, err := r.store.GetSession(ctx, task.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.OrphanNoMatchingSession, true
		}
		// Can't prove the task is orphaned; leave it for the next pass.
		log.Error().Err(err).Str("task_id", task.ID).Msg("session lookup failed during reconcile")
		return "", false
	}

	switch {
	case session.Status == store.SessionTerminated || session.Status == store.SessionFailed:
		return store.OrphanSessionTerminated, true
	case session.Status.Active():
		if !session.LastHeartbeatAt.IsZero() && now.Sub(session.LastHeartbeatAt) > r.staleAfter {
			return store.OrphanHeartbeatStale, true
		}
	}
	return "", false
}

func (r *Reaper) withinIgnoreCooldown(o *store.OrphanedTask, now time.Time) bool {
	if o.Resolution != store.ResolutionIgnored || o.ResolvedAt == nil {
		return false
	}
	return now.Sub(*o.ResolvedAt) < r.ignoreCooldown
}

func (r *Reaper) terminate(ctx context.Context, o *store.OrphanedTask) error {
	if err := r.cloud.StopTask(ctx, o.TaskID); err != nil {
		return err
	}
	o.Resolution = store.ResolutionTerminated
	return r.store.ResolveOrphanedTask(ctx, o.ID, store.ResolutionTerminated, r.now())
}

// Terminate stops an orphaned task on operator request.
func (r *Reaper) Terminate(ctx context.Context, findingID string) error {
	finding, err := r.store.GetOrphanedTask(ctx, findingID)
	if err != nil {
		return err
	}
	return r.terminate(ctx, finding)
}

// Ignore marks a finding as intentionally left alone. The reaper will not
// touch the task again until the cooldown elapses.
func (r *Reaper) Ignore(ctx context.Context, findingID string) error {
	if _, err := r.store.GetOrphanedTask(ctx, findingID); err != nil {
		return err
	}
	return r.store.ResolveOrphanedTask(ctx, findingID, store.ResolutionIgnored, r.now())
}

// List returns findings, optionally including resolved history.
func (r *Reaper) List(ctx context.Context, includeResolved bool) ([]store.OrphanedTask, error) {
	return r.store.ListOrphanedTasks(ctx, includeResolved)
}
