package api

import (
	"time"

	"cyberlab-engine/internal/store"
)

// StartSessionRequest asks for a new environment session.
type StartSessionRequest struct {
	UserID            string           `json:"user_id"`
	ScenarioVersionID string           `json:"scenario_version_id"`
	Machines          []MachineRequest `json:"machines"`
	Duration          Duration         `json:"duration,omitempty"`
}

// MachineRequest describes one machine of the requested environment.
type MachineRequest struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Group       string  `json:"group"` // attacker, internal, service
	IsPivotHost bool    `json:"is_pivot_host,omitempty"`
	Entrypoints []int32 `json:"entrypoints,omitempty"`
	Image       string  `json:"image"`
	CPUShares   int64   `json:"cpu_shares,omitempty"`
	MemoryMB    int64   `json:"memory_mb,omitempty"`
	PidsLimit   int64   `json:"pids_limit,omitempty"`
	HourlyRate  float64 `json:"hourly_rate,omitempty"`
}

// Duration wraps time.Duration for JSON marshaling as a string like "2h".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// TerminateRequest optionally names the actor behind an admin termination.
type TerminateRequest struct {
	Actor  string `json:"actor,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// BudgetConfigRequest updates the runtime cost-governance policy.
type BudgetConfigRequest struct {
	MonthlyLimit     float64 `json:"monthly_limit"`
	AlertThreshold   float64 `json:"alert_threshold"`
	GracePeriodHours int     `json:"grace_period_hours"`
	AutoShutdown     bool    `json:"auto_shutdown"`
}

// SubmitPipelineRequest pushes a creator's local build into staging.
type SubmitPipelineRequest struct {
	ScenarioID    string `json:"scenario_id"`
	CreatorUserID string `json:"creator_user_id"`
	ImageName     string `json:"image_name"`
	ImageTag      string `json:"image_tag"`
	ArtifactKind  string `json:"artifact_kind"` // embedded or downloadable
	SourceRef     string `json:"source_ref"`
	AutoPromote   bool   `json:"auto_promote,omitempty"`
}

// ScanResultRequest records the external scanner's verdict for a staged image.
type ScanResultRequest struct {
	Passed   bool                `json:"passed"`
	Findings []store.ScanFinding `json:"findings,omitempty"`
}

// ReviewRequest carries the admin decision on a staged submission.
type ReviewRequest struct {
	ReviewerID     string `json:"reviewer_id"`
	Notes          string `json:"notes,omitempty"`
	Override       bool   `json:"override,omitempty"`
	OverrideReason string `json:"override_reason,omitempty"`
	Reason         string `json:"reason,omitempty"` // rejection reason
}

// BudgetResponse is the current month's state plus the derived gate.
type BudgetResponse struct {
	State            *store.BudgetState `json:"state"`
	BlockNewSessions bool               `json:"block_new_sessions"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Database bool   `json:"database"`
	Cloud    bool   `json:"cloud"`
	Uptime   string `json:"uptime"`
}
