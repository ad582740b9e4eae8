package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"cyberlab-engine/internal/cloud"
	"cyberlab-engine/internal/engine"
	"cyberlab-engine/internal/netiso"
	"cyberlab-engine/internal/pipeline"
	"cyberlab-engine/internal/store"
)

// Sessions is the lifecycle surface the API drives. Satisfied by
// *engine.Orchestrator.
type Sessions interface {
	StartSession(ctx context.Context, req engine.StartRequest) (*store.Session, error)
	TerminateSession(ctx context.Context, sessionID, cause string) error
	TouchActivity(ctx context.Context, sessionID string) error
	Heartbeat(ctx context.Context, sessionID string) error
	GetSession(ctx context.Context, sessionID string) (*store.Session, error)
	ListActiveSessions(ctx context.Context) ([]store.Session, error)
}

// Budget is the cost-governance surface. Satisfied by *budget.Monitor.
type Budget interface {
	Current(ctx context.Context) (*store.BudgetState, error)
	Alerts(ctx context.Context) ([]store.BudgetAlert, error)
	UpdateConfig(ctx context.Context, limit, threshold float64, graceHours int, autoShutdown bool) error
	CanStartNewSession(ctx context.Context) (bool, string)
}

// Orphans is the reconciliation surface. Satisfied by *reaper.Reaper.
type Orphans interface {
	List(ctx context.Context, includeResolved bool) ([]store.OrphanedTask, error)
	Terminate(ctx context.Context, findingID string) error
	Ignore(ctx context.Context, findingID string) error
}

// Promotions is the image pipeline surface. Satisfied by *pipeline.Pipeline.
type Promotions interface {
	Submit(ctx context.Context, req pipeline.SubmitRequest) (*store.ImagePipeline, error)
	RecordScanResult(ctx context.Context, scenarioID string, passed bool, findings []store.ScanFinding) (*store.ImagePipeline, error)
	Approve(ctx context.Context, scenarioID, reviewerID, notes string, override bool, overrideReason string) (*store.ImagePipeline, error)
	Reject(ctx context.Context, scenarioID, reviewerID, reason string) (*store.ImagePipeline, error)
	Status(ctx context.Context, scenarioID string) (*store.ImagePipeline, error)
	ProductionImages(ctx context.Context) ([]store.ImagePipeline, error)
}

// AuditLog reads the operational audit trail. Satisfied by *store.DB.
type AuditLog interface {
	ListAuditEvents(ctx context.Context, subjectID string, limit int) ([]store.AuditEvent, error)
}

type Handlers struct {
	sessions Sessions
	budget   Budget
	orphans  Orphans
	images   Promotions
	audit    AuditLog
}

func NewHandlers(sessions Sessions, budget Budget, orphans Orphans, images Promotions, audit AuditLog) *Handlers {
	return &Handlers{
		sessions: sessions,
		budget:   budget,
		orphans:  orphans,
		images:   images,
		audit:    audit,
	}
}

func (h *Handlers) HandleStartSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if req.UserID == "" {
		writeError(w, "user_id is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.ScenarioVersionID == "" {
		writeError(w, "scenario_version_id is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if len(req.Machines) == 0 {
		writeError(w, "at least one machine is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	start := engine.StartRequest{
		UserID:            req.UserID,
		ScenarioVersionID: req.ScenarioVersionID,
		Duration:          req.Duration.Duration,
	}
	for _, m := range req.Machines {
		if m.ID == "" || m.Image == "" {
			writeError(w, "every machine needs an id and an image", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		profile := cloud.DefaultProfile()
		if m.CPUShares > 0 {
			profile.CPUShares = m.CPUShares
		}
		if m.MemoryMB > 0 {
			profile.MemoryMB = m.MemoryMB
		}
		if m.PidsLimit > 0 {
			profile.PidsLimit = m.PidsLimit
		}
		profile.HourlyRate = m.HourlyRate

		start.Machines = append(start.Machines, engine.MachineDef{
			ID:          m.ID,
			Name:        m.Name,
			Group:       netiso.NetworkGroup(m.Group),
			IsPivotHost: m.IsPivotHost,
			Entrypoints: m.Entrypoints,
			Image:       m.Image,
			Profile:     profile,
		})
	}

	session, err := h.sessions.StartSession(r.Context(), start)
	if err != nil {
		h.writeSessionError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, session)
}

func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "session ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	session, err := h.sessions.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "session not found", "NOT_FOUND", http.StatusNotFound, r)
			return
		}
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, session)
}

func (h *Handlers) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.sessions.ListActiveSessions(r.Context())
	if err != nil {
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// HandleTerminateSession ends a session. Regular keys record a user exit;
// admin keys record an admin action.
func (h *Handlers) HandleTerminateSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "session ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	// The body is optional; an admin may name the actor and reason.
	var req TerminateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	cause := engine.CauseUserExit
	if IsAdmin(r.Context()) {
		cause = engine.CauseAdmin
		log.Info().
			Str("session_id", id).
			Str("actor", req.Actor).
			Str("reason", req.Reason).
			Str("request_id", RequestIDFromContext(r.Context())).
			Msg("admin termination requested")
	}

	if err := h.sessions.TerminateSession(r.Context(), id, cause); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "session not found", "NOT_FOUND", http.StatusNotFound, r)
			return
		}
		log.Error().Err(err).Str("session_id", id).Str("request_id", RequestIDFromContext(r.Context())).Msg("termination failed")
		writeError(w, "termination failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "terminated", "id": id, "cause": cause})
}

func (h *Handlers) HandleTouchActivity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.sessions.TouchActivity(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "session not found", "NOT_FOUND", http.StatusNotFound, r)
			return
		}
		writeError(w, "activity update failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "active", "id": id})
}

func (h *Handlers) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.sessions.Heartbeat(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "session not found", "NOT_FOUND", http.StatusNotFound, r)
			return
		}
		writeError(w, "heartbeat failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandleGetBudget(w http.ResponseWriter, r *http.Request) {
	state, err := h.budget.Current(r.Context())
	if err != nil {
		writeError(w, "budget state unavailable", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	blocked := state.Status == store.BudgetCritical || state.Status == store.BudgetExceeded
	writeJSON(w, http.StatusOK, BudgetResponse{State: state, BlockNewSessions: blocked})
}

func (h *Handlers) HandleListBudgetAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.budget.Alerts(r.Context())
	if err != nil {
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (h *Handlers) HandleUpdateBudgetConfig(w http.ResponseWriter, r *http.Request) {
	var req BudgetConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if req.MonthlyLimit <= 0 {
		writeError(w, "monthly_limit must be > 0", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.AlertThreshold <= 0 || req.AlertThreshold >= 1 {
		writeError(w, "alert_threshold must be in (0,1)", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.GracePeriodHours < 0 {
		writeError(w, "grace_period_hours must be >= 0", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if err := h.budget.UpdateConfig(r.Context(), req.MonthlyLimit, req.AlertThreshold, req.GracePeriodHours, req.AutoShutdown); err != nil {
		writeError(w, "config update failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	state, err := h.budget.Current(r.Context())
	if err != nil {
		writeError(w, "budget state unavailable", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handlers) HandleListOrphans(w http.ResponseWriter, r *http.Request) {
	includeResolved, _ := strconv.ParseBool(r.URL.Query().Get("include_resolved"))

	findings, err := h.orphans.List(r.Context(), includeResolved)
	if err != nil {
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusOK, findings)
}

func (h *Handlers) HandleTerminateOrphan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.orphans.Terminate(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "finding not found", "NOT_FOUND", http.StatusNotFound, r)
			return
		}
		writeError(w, "orphan termination failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "terminated", "id": id})
}

func (h *Handlers) HandleIgnoreOrphan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.orphans.Ignore(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "finding not found", "NOT_FOUND", http.StatusNotFound, r)
			return
		}
		writeError(w, "orphan update failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "id": id})
}

func (h *Handlers) HandleSubmitPipeline(w http.ResponseWriter, r *http.Request) {
	var req SubmitPipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if req.ScenarioID == "" || req.ImageName == "" || req.SourceRef == "" {
		writeError(w, "scenario_id, image_name and source_ref are required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.ArtifactKind != store.ArtifactEmbedded && req.ArtifactKind != store.ArtifactDownloadable {
		writeError(w, "artifact_kind must be embedded or downloadable", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	row, err := h.images.Submit(r.Context(), pipeline.SubmitRequest{
		ScenarioID:    req.ScenarioID,
		CreatorUserID: req.CreatorUserID,
		ImageName:     req.ImageName,
		ImageTag:      req.ImageTag,
		ArtifactKind:  req.ArtifactKind,
		SourceRef:     req.SourceRef,
		AutoPromote:   req.AutoPromote,
	})
	if err != nil {
		h.writePipelineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, row)
}

func (h *Handlers) HandleRecordScan(w http.ResponseWriter, r *http.Request) {
	scenarioID := r.PathValue("scenario")

	var req ScanResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	row, err := h.images.RecordScanResult(r.Context(), scenarioID, req.Passed, req.Findings)
	if err != nil {
		h.writePipelineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (h *Handlers) HandleApprovePipeline(w http.ResponseWriter, r *http.Request) {
	scenarioID := r.PathValue("scenario")

	var req ReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.ReviewerID == "" {
		writeError(w, "reviewer_id is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	row, err := h.images.Approve(r.Context(), scenarioID, req.ReviewerID, req.Notes, req.Override, req.OverrideReason)
	if err != nil {
		h.writePipelineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (h *Handlers) HandleRejectPipeline(w http.ResponseWriter, r *http.Request) {
	scenarioID := r.PathValue("scenario")

	var req ReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.ReviewerID == "" || req.Reason == "" {
		writeError(w, "reviewer_id and reason are required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	row, err := h.images.Reject(r.Context(), scenarioID, req.ReviewerID, req.Reason)
	if err != nil {
		h.writePipelineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (h *Handlers) HandleGetPipeline(w http.ResponseWriter, r *http.Request) {
	scenarioID := r.PathValue("scenario")

	row, err := h.images.Status(r.Context(), scenarioID)
	if err != nil {
		h.writePipelineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (h *Handlers) HandleListProduction(w http.ResponseWriter, r *http.Request) {
	rows, err := h.images.ProductionImages(r.Context())
	if err != nil {
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *Handlers) HandleListAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	events, err := h.audit.ListAuditEvents(r.Context(), r.URL.Query().Get("subject_id"), limit)
	if err != nil {
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handlers) writeSessionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case engine.IsBudgetExceeded(err):
		writeError(w, err.Error(), "BUDGET_EXCEEDED", http.StatusPaymentRequired, r)
	case engine.IsQuotaExceeded(err):
		writeError(w, err.Error(), "QUOTA_EXCEEDED", http.StatusTooManyRequests, r)
	case errors.Is(err, engine.ErrNoMachines):
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "not found", "NOT_FOUND", http.StatusNotFound, r)
	default:
		var pe *engine.ProvisionError
		if errors.As(err, &pe) {
			log.Error().Err(err).Str("session_id", pe.SessionID).Str("request_id", RequestIDFromContext(r.Context())).Msg("provisioning failed")
			writeError(w, "provisioning failed, resources rolled back", "PROVISION_FAILED", http.StatusBadGateway, r)
			return
		}
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("session request failed")
		writeError(w, "internal error", "INTERNAL", http.StatusInternalServerError, r)
	}
}

func (h *Handlers) writePipelineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, pipeline.ErrInvalidTransition):
		writeError(w, err.Error(), "INVALID_TRANSITION", http.StatusConflict, r)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "pipeline not found", "NOT_FOUND", http.StatusNotFound, r)
	default:
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("pipeline request failed")
		writeError(w, "internal error", "INTERNAL", http.StatusInternalServerError, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
