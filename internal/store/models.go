package store

import "time"

// SessionStatus is the lifecycle state of an environment session.
type SessionStatus string

const (
	SessionProvisioning SessionStatus = "provisioning"
	SessionRunning      SessionStatus = "running"
	SessionIdleWarning  SessionStatus = "idle-warning"
	SessionTerminating  SessionStatus = "terminating"
	SessionTerminated   SessionStatus = "terminated"
	SessionFailed       SessionStatus = "failed"
)

// Active reports whether the session still holds (or may hold) cloud resources.
func (s SessionStatus) Active() bool {
	switch s {
	case SessionProvisioning, SessionRunning, SessionIdleWarning, SessionTerminating:
		return true
	}
	return false
}

// Session is one provisioned exercise environment.
type Session struct {
	ID                string        `json:"id" db:"id"`
	UserID            string        `json:"user_id" db:"user_id"`
	ScenarioVersionID string        `json:"scenario_version_id" db:"scenario_version_id"`
	MachineIDs        []string      `json:"machine_ids" db:"machine_ids"`
	Status            SessionStatus `json:"status" db:"status"`
	HourlyRate        float64       `json:"hourly_rate" db:"hourly_rate"` // sum over machine profiles
	AccumulatedCost   float64       `json:"accumulated_cost" db:"accumulated_cost"`
	StartedAt         time.Time     `json:"started_at" db:"started_at"`
	ExpiresAt         time.Time     `json:"expires_at" db:"expires_at"`
	LastActivityAt    time.Time     `json:"last_activity_at" db:"last_activity_at"`
	LastHeartbeatAt   time.Time     `json:"last_heartbeat_at" db:"last_heartbeat_at"`
	TerminatedAt      *time.Time    `json:"terminated_at,omitempty" db:"terminated_at"`
	TerminationCause  string        `json:"termination_cause,omitempty" db:"termination_cause"`
}

// GroupStatus is the lifecycle state of a machine security group.
type GroupStatus string

const (
	GroupCreating GroupStatus = "creating"
	GroupActive   GroupStatus = "active"
	GroupDeleting GroupStatus = "deleting"
	GroupDeleted  GroupStatus = "deleted"
	GroupFailed   GroupStatus = "failed"
)

// SecurityGroup is the per-machine network isolation record. Rows are soft
// deleted; audit and cost records keep referencing them after teardown.
type SecurityGroup struct {
	ID                string            `json:"id" db:"id"`
	SessionID         string            `json:"session_id" db:"session_id"`
	MachineID         string            `json:"machine_id" db:"machine_id"`
	MachineName       string            `json:"machine_name" db:"machine_name"`
	NetworkGroup      string            `json:"network_group" db:"network_group"`
	ProviderGroupID   string            `json:"provider_group_id" db:"provider_group_id"`
	ProviderGroupName string            `json:"provider_group_name" db:"provider_group_name"`
	IngressSources    []string          `json:"ingress_sources" db:"ingress_sources"`
	EgressTargets     []string          `json:"egress_targets" db:"egress_targets"`
	ExposedPorts      []int32           `json:"exposed_ports" db:"exposed_ports"` // what the gateway may forward, not public exposure
	Status            GroupStatus       `json:"status" db:"status"`
	ProviderMetadata  map[string]string `json:"provider_metadata,omitempty" db:"provider_metadata"`
	CreatedAt         time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at" db:"updated_at"`
	DeletedAt         *time.Time        `json:"deleted_at,omitempty" db:"deleted_at"`
}

// BudgetStatus classifies the month's spend against the hard cap.
type BudgetStatus string

const (
	BudgetNormal   BudgetStatus = "normal"
	BudgetWarning  BudgetStatus = "warning"
	BudgetCritical BudgetStatus = "critical"
	BudgetExceeded BudgetStatus = "exceeded"
)

// BudgetState is the per-calendar-month cost aggregate. MonthKey is
// "2026-08" style. CurrentCost is only ever moved by atomic increments.
type BudgetState struct {
	MonthKey          string       `json:"month_key" db:"month_key"`
	CurrentCost       float64      `json:"current_cost" db:"current_cost"`
	HardCapLimit      float64      `json:"hard_cap_limit" db:"hard_cap_limit"`
	AlertThreshold    float64      `json:"alert_threshold" db:"alert_threshold"`
	GracePeriodHours  int          `json:"grace_period_hours" db:"grace_period_hours"`
	AutoShutdown      bool         `json:"auto_shutdown" db:"auto_shutdown"`
	Status            BudgetStatus `json:"status" db:"status"`
	GracePeriodEndsAt *time.Time   `json:"grace_period_ends_at,omitempty" db:"grace_period_ends_at"`
	UpdatedAt         time.Time    `json:"updated_at" db:"updated_at"`
}

// BudgetAlert is an append-only record of a threshold crossing.
type BudgetAlert struct {
	ID          string    `json:"id" db:"id"`
	MonthKey    string    `json:"month_key" db:"month_key"`
	Level       string    `json:"level" db:"level"` // warning, critical, exceeded, shutdown
	CostAtAlert float64   `json:"cost_at_alert" db:"cost_at_alert"`
	Limit       float64   `json:"limit" db:"limit"`
	Message     string    `json:"message" db:"message"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Orphan reasons.
const (
	OrphanNoMatchingSession = "no-matching-session"
	OrphanSessionTerminated = "session-terminated-but-task-alive"
	OrphanHeartbeatStale    = "heartbeat-stale"
)

// Orphan resolutions.
const (
	ResolutionPending    = "pending"
	ResolutionTerminated = "terminated"
	ResolutionIgnored    = "ignored"
)

// OrphanedTask is a reconciliation finding: a live cloud task with no valid
// session backing it.
type OrphanedTask struct {
	ID            string     `json:"id" db:"id"`
	TaskID        string     `json:"task_id" db:"task_id"`
	SessionID     string     `json:"session_id,omitempty" db:"session_id"`
	Reason        string     `json:"reason" db:"reason"`
	WastedCost    float64    `json:"wasted_cost" db:"wasted_cost"`
	Resolution    string     `json:"resolution" db:"resolution"`
	DiscoveredAt  time.Time  `json:"discovered_at" db:"discovered_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
}

// Pipeline stages.
type PipelineStage string

const (
	StageLocal       PipelineStage = "local"
	StageStaging     PipelineStage = "staging"
	StageAdminReview PipelineStage = "admin_review"
	StageApproved    PipelineStage = "approved"
	StageProduction  PipelineStage = "production"
)

// Scan verdicts.
type ScanStatus string

const (
	ScanPending ScanStatus = "pending"
	ScanPassed  ScanStatus = "passed"
	ScanFailed  ScanStatus = "failed"
)

// ScanFinding is one itemized issue from the external security scanner.
type ScanFinding struct {
	Severity string `json:"severity"`
	RuleID   string `json:"rule_id"`
	Detail   string `json:"detail"`
}

// Artifact kinds. Embedded artifacts are baked into the session image and
// their staging copy is deleted after the production push; downloadable
// assets are retained indefinitely.
const (
	ArtifactEmbedded     = "embedded"
	ArtifactDownloadable = "downloadable"
)

// ImagePipeline is the promotion record for one (scenario, image)
// submission. A re-submission overwrites the pending row.
type ImagePipeline struct {
	ScenarioID      string        `json:"scenario_id" db:"scenario_id"`
	CreatorUserID   string        `json:"creator_user_id" db:"creator_user_id"`
	ImageName       string        `json:"image_name" db:"image_name"`
	ImageTag        string        `json:"image_tag" db:"image_tag"`
	ArtifactKind    string        `json:"artifact_kind" db:"artifact_kind"`
	Stage           PipelineStage `json:"stage" db:"stage"`
	Status          string        `json:"status" db:"status"` // pending, processing, completed, failed
	ScanStatus      ScanStatus    `json:"scan_status" db:"scan_status"`
	ScanFindings    []ScanFinding `json:"scan_findings,omitempty" db:"scan_findings"`
	ReviewerID      string        `json:"reviewer_id,omitempty" db:"reviewer_id"`
	ReviewNotes     string        `json:"review_notes,omitempty" db:"review_notes"`
	OverrideReason  string        `json:"override_reason,omitempty" db:"override_reason"`
	AutoPromote     bool          `json:"auto_promote" db:"auto_promote"`
	StagingRef      string        `json:"staging_ref,omitempty" db:"staging_ref"`
	ProductionRef   string        `json:"production_ref,omitempty" db:"production_ref"`
	SubmittedAt     time.Time     `json:"submitted_at" db:"submitted_at"`
	UpdatedAt       time.Time     `json:"updated_at" db:"updated_at"`
}

// AuditEvent is an append-only operational audit record (terminations,
// pipeline transitions, budget state changes).
type AuditEvent struct {
	ID        string    `json:"id" db:"id"`
	Kind      string    `json:"kind" db:"kind"`
	SubjectID string    `json:"subject_id" db:"subject_id"`
	Actor     string    `json:"actor,omitempty" db:"actor"`
	Detail    string    `json:"detail" db:"detail"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
