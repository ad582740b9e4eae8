// Package engine composes the isolator, budget monitor, reaper and cloud
// adapter into the session lifecycle state machine.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"cyberlab-engine/internal/budget"
	"cyberlab-engine/internal/cloud"
	"cyberlab-engine/internal/config"
	"cyberlab-engine/internal/monitor"
	"cyberlab-engine/internal/netiso"
	"cyberlab-engine/internal/store"
)

// Termination causes, recorded on the session row and the audit trail.
const (
	CauseUserExit = "user-exit"
	CauseIdle     = "idle-timeout"
	CauseExpiry   = "hard-expiry"
	CauseBudget   = "budget-cutoff"
	CauseAdmin    = "admin-action"
)

// Store is the persistence surface the orchestrator needs.
type Store interface {
	CreateSession(ctx context.Context, s *store.Session) error
	GetSession(ctx context.Context, id string) (*store.Session, error)
	ListSessionsByStatus(ctx context.Context, statuses ...store.SessionStatus) ([]store.Session, error)
	CountActiveSessionsForUser(ctx context.Context, userID string) (int, error)
	UpdateSessionStatus(ctx context.Context, id string, status store.SessionStatus) error
	MarkSessionTerminated(ctx context.Context, id, cause string, at time.Time) error
	TouchSessionActivity(ctx context.Context, id string, at time.Time) error
	RecordSessionHeartbeat(ctx context.Context, id string, at time.Time) error
}

// Isolator provisions and tears down session networking.
type Isolator interface {
	Provision(ctx context.Context, sessionID string, machines []netiso.MachineSpec) (map[string]string, error)
	Teardown(ctx context.Context, sessionID string) error
}

// BudgetGate is the cost-governance surface the orchestrator consults.
type BudgetGate interface {
	CanStartNewSession(ctx context.Context) (bool, string)
	RecordUsage(ctx context.Context, sessionID string, delta float64) error
	Evaluate(ctx context.Context) (*budget.Verdict, error)
}

// Reconciler runs one orphan reconciliation pass.
type Reconciler interface {
	Reconcile(ctx context.Context) ([]store.OrphanedTask, error)
}

// Auditor records lifecycle decisions. Satisfied by store.AuditWriter.
type Auditor interface {
	Log(event *store.AuditEvent)
}

// MachineDef is one machine of a session start request.
type MachineDef struct {
	ID          string                `json:"id"`
	Name        string                `json:"name"`
	Group       netiso.NetworkGroup   `json:"group"`
	IsPivotHost bool                  `json:"is_pivot_host"`
	Entrypoints []int32               `json:"entrypoints,omitempty"`
	Image       string                `json:"image"`
	Profile     cloud.ResourceProfile `json:"profile"`
}

// StartRequest asks for a new environment session.
type StartRequest struct {
	UserID            string        `json:"user_id"`
	ScenarioVersionID string        `json:"scenario_version_id"`
	Machines          []MachineDef  `json:"machines"`
	Duration          time.Duration `json:"duration,omitempty"` // capped at the configured max
}

// Orchestrator owns the per-session lifecycle state machine.
type Orchestrator struct {
	store    Store
	cloud    cloud.Adapter
	isolator Isolator
	budget   BudgetGate
	reaper   Reconciler
	audit    Auditor
	metrics  *monitor.Metrics
	tracer   *monitor.Tracer
	cfg      config.SessionConfig

	locks *keyedMutex

	mu           sync.Mutex
	provisioning map[string]context.CancelFunc

	now func() time.Time
}

func New(st Store, adapter cloud.Adapter, iso Isolator, gate BudgetGate, rec Reconciler, audit Auditor, metrics *monitor.Metrics, cfg config.SessionConfig) *Orchestrator {
	return &Orchestrator{
		store:        st,
		cloud:        adapter,
		isolator:     iso,
		budget:       gate,
		reaper:       rec,
		audit:        audit,
		metrics:      metrics,
		tracer:       monitor.NewTracer(),
		cfg:          cfg,
		locks:        newKeyedMutex(),
		provisioning: make(map[string]context.CancelFunc),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// StartSession provisions a full environment: budget gate, quota check,
// session row, per-machine isolation, then tasks. Any mid-sequence failure
// rolls back what was already created before the session is marked failed.
func (o *Orchestrator) StartSession(ctx context.Context, req StartRequest) (*store.Session, error) {
	if len(req.Machines) == 0 {
		return nil, ErrNoMachines
	}
	for _, m := range req.Machines {
		if !m.Group.Valid() {
			return nil, fmt.Errorf("machine %s: unknown network group %q", m.ID, m.Group)
		}
	}

	if ok, reason := o.budget.CanStartNewSession(ctx); !ok {
		o.countStart("rejected")
		return nil, fmt.Errorf("%w: %s", ErrBudgetExceeded, reason)
	}

	active, err := o.store.CountActiveSessionsForUser(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("checking quota for user %s: %w", req.UserID, err)
	}
	if active >= o.cfg.MaxPerUser {
		o.countStart("rejected")
		return nil, fmt.Errorf("%w: %d of %d sessions in use", ErrQuotaExceeded, active, o.cfg.MaxPerUser)
	}

	now := o.now()
	duration := req.Duration
	if duration <= 0 || duration > o.cfg.MaxDuration {
		duration = o.cfg.MaxDuration
	}

	session := &store.Session{
		ID:                uuid.New().String(),
		UserID:            req.UserID,
		ScenarioVersionID: req.ScenarioVersionID,
		Status:            store.SessionProvisioning,
		StartedAt:         now,
		ExpiresAt:         now.Add(duration),
		LastActivityAt:    now,
		LastHeartbeatAt:   now,
	}
	for _, m := range req.Machines {
		session.MachineIDs = append(session.MachineIDs, m.ID)
		rate := m.Profile.HourlyRate
		if rate == 0 {
			rate = o.cfg.DefaultHourlyRate
		}
		session.HourlyRate += rate
	}

	spanCtx, span := o.tracer.StartSpan(ctx, "session.start",
		monitor.AttrSessionID.String(session.ID),
		monitor.AttrUserID.String(req.UserID),
		monitor.AttrScenarioID.String(req.ScenarioVersionID),
		monitor.AttrMachineCount.Int(len(req.Machines)),
	)
	defer span.End()

	logger := log.With().
		Str("session_id", session.ID).
		Str("user_id", req.UserID).
		Str("scenario", req.ScenarioVersionID).
		Logger()

	unlock := o.locks.Lock(session.ID)
	defer unlock()

	if err := o.store.CreateSession(spanCtx, session); err != nil {
		return nil, fmt.Errorf("creating session row: %w", err)
	}

	// A termination request must be able to interrupt provisioning rather
	// than wait for it. The cancel func is what Terminate pulls.
	provCtx, cancel := context.WithCancel(spanCtx)
	o.mu.Lock()
	o.provisioning[session.ID] = cancel
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		delete(o.provisioning, session.ID)
		o.mu.Unlock()
	}()

	start := o.now()

	machines := make([]netiso.MachineSpec, 0, len(req.Machines))
	for _, m := range req.Machines {
		machines = append(machines, netiso.MachineSpec{
			ID:          m.ID,
			Name:        m.Name,
			Group:       m.Group,
			IsPivotHost: m.IsPivotHost,
			Entrypoints: m.Entrypoints,
		})
	}

	groupIDs, err := o.isolator.Provision(provCtx, session.ID, machines)
	if err != nil {
		return nil, o.abortStart(session, "provision_isolation", err, logger)
	}

	for _, m := range req.Machines {
		profile := m.Profile
		if profile.HourlyRate == 0 {
			profile.HourlyRate = o.cfg.DefaultHourlyRate
		}
		_, err := o.cloud.StartTask(provCtx, cloud.TaskSpec{
			SessionID:       session.ID,
			MachineID:       m.ID,
			MachineName:     m.Name,
			Image:           m.Image,
			Role:            string(m.Group),
			Profile:         profile,
			SecurityGroupID: groupIDs[m.ID],
		})
		if err != nil {
			return nil, o.abortStart(session, "start_task", err, logger)
		}
	}

	if err := o.store.UpdateSessionStatus(provCtx, session.ID, store.SessionRunning); err != nil {
		return nil, o.abortStart(session, "mark_running", err, logger)
	}
	session.Status = store.SessionRunning

	o.countStart("started")
	if o.metrics != nil {
		o.metrics.ActiveSessions.Inc()
		o.metrics.ProvisionDuration.Observe(o.now().Sub(start).Seconds())
	}

	logger.Info().
		Int("machines", len(req.Machines)).
		Time("expires_at", session.ExpiresAt).
		Float64("hourly_rate", session.HourlyRate).
		Msg("session running")

	return session, nil
}

// abortStart rolls back partial resources and marks the session failed. The
// rollback is the normal teardown path, so a crash mid-abort leaves a state
// the sweep or reaper can still finish.
func (o *Orchestrator) abortStart(session *store.Session, op string, cause error, logger zerolog.Logger) error {
	// Provisioning contexts die with the request; cleanup must not.
	ctx, cancelCleanup := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancelCleanup()

	logger.Error().Err(cause).Str("op", op).Msg("session start failed, rolling back")

	o.stopSessionTasks(ctx, session.ID, logger)

	if err := o.store.UpdateSessionStatus(ctx, session.ID, store.SessionFailed); err != nil {
		logger.Error().Err(err).Msg("failed to mark session failed")
	}

	if err := o.isolator.Teardown(ctx, session.ID); err != nil {
		logger.Error().Err(err).Msg("rollback teardown failed")
	}

	o.countStart("failed")
	o.logEvent("session-failed", session.ID, "", fmt.Sprintf("%s: %v", op, cause))

	return &ProvisionError{SessionID: session.ID, Op: op, Err: cause}
}

// TerminateSession is the single idempotent termination routine for every
// cause: user exit, idle timeout, hard expiry, budget cutoff, admin action.
// It interrupts a still-provisioning session, stops tasks, tears down
// isolation, freezes cost and marks the row terminated. Safe to re-run.
func (o *Orchestrator) TerminateSession(ctx context.Context, sessionID, cause string) error {
	// Cancel in-flight provisioning first so the lock frees quickly.
	o.mu.Lock()
	if cancel, ok := o.provisioning[sessionID]; ok {
		cancel()
	}
	o.mu.Unlock()

	unlock := o.locks.Lock(sessionID)
	defer unlock()

	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("loading session %s: %w", sessionID, err)
	}
	if session.Status == store.SessionTerminated {
		return nil
	}

	spanCtx, span := o.tracer.StartSpan(ctx, "session.terminate",
		monitor.AttrSessionID.String(sessionID),
		monitor.AttrCause.String(cause),
	)
	defer span.End()

	logger := log.With().Str("session_id", sessionID).Str("cause", cause).Logger()
	wasActive := session.Status.Active()

	if err := o.store.UpdateSessionStatus(spanCtx, sessionID, store.SessionTerminating); err != nil {
		return fmt.Errorf("marking session %s terminating: %w", sessionID, err)
	}

	o.stopSessionTasks(spanCtx, sessionID, logger)

	if err := o.isolator.Teardown(spanCtx, sessionID); err != nil {
		// Groups left behind are picked up by the next termination re-run;
		// the session still moves to terminated so cost freezes now.
		logger.Error().Err(err).Msg("isolation teardown incomplete")
	}

	if err := o.store.MarkSessionTerminated(spanCtx, sessionID, cause, o.now()); err != nil {
		return fmt.Errorf("finalizing session %s: %w", sessionID, err)
	}

	if o.metrics != nil {
		o.metrics.RecordTermination(cause)
		if wasActive {
			o.metrics.ActiveSessions.Dec()
		}
	}
	o.logEvent("session-terminated", sessionID, "", cause)

	logger.Info().Msg("session terminated")
	return nil
}

// stopSessionTasks stops every live task belonging to a session. The task
// list comes from the provider, not stored handles, so tasks from a crashed
// earlier attempt are caught too.
func (o *Orchestrator) stopSessionTasks(ctx context.Context, sessionID string, logger zerolog.Logger) {
	tasks, err := o.cloud.ListRunningTasks(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list tasks for termination")
		return
	}

	for _, t := range tasks {
		if t.SessionID != sessionID {
			continue
		}
		if err := o.cloud.StopTask(ctx, t.ID); err != nil {
			logger.Error().Err(err).Str("task_id", t.ID).Msg("task stop failed")
		}
	}
}

// TouchActivity records solver activity on a session, clearing any idle
// warning.
func (o *Orchestrator) TouchActivity(ctx context.Context, sessionID string) error {
	if err := o.store.TouchSessionActivity(ctx, sessionID, o.now()); err != nil {
		return err
	}
	return o.store.RecordSessionHeartbeat(ctx, sessionID, o.now())
}

// Heartbeat records the environment agent's liveness signal. It does not
// count as solver activity, so idle timers keep running.
func (o *Orchestrator) Heartbeat(ctx context.Context, sessionID string) error {
	return o.store.RecordSessionHeartbeat(ctx, sessionID, o.now())
}

// GetSession returns a session row.
func (o *Orchestrator) GetSession(ctx context.Context, sessionID string) (*store.Session, error) {
	return o.store.GetSession(ctx, sessionID)
}

// ListActiveSessions returns sessions currently holding resources.
func (o *Orchestrator) ListActiveSessions(ctx context.Context) ([]store.Session, error) {
	return o.store.ListSessionsByStatus(ctx,
		store.SessionProvisioning, store.SessionRunning, store.SessionIdleWarning, store.SessionTerminating)
}

func (o *Orchestrator) countStart(outcome string) {
	if o.metrics != nil {
		o.metrics.SessionsTotal.WithLabelValues(outcome).Inc()
	}
}

func (o *Orchestrator) logEvent(kind, subjectID, actor, detail string) {
	if o.audit == nil {
		return
	}
	o.audit.Log(&store.AuditEvent{
		Kind:      kind,
		SubjectID: subjectID,
		Actor:     actor,
		Detail:    detail,
	})
}
