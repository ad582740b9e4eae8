// Package pipeline governs promotion of creator-submitted images through
// staging, security scan and admin review into the production registry.
// Every edge of the state machine is its own transition function; nothing
// re-derives "what state are we in" from scattered fields.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"cyberlab-engine/internal/store"
)

// ErrInvalidTransition is the sentinel behind every StateError.
var ErrInvalidTransition = errors.New("invalid pipeline transition")

// StateError reports an illegal transition attempt with an explicit reason.
// Transitions are rejected, never silently coerced.
type StateError struct {
	ScenarioID string
	From       store.PipelineStage
	Action     string
	Reason     string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("pipeline %s: cannot %s from %s: %s", e.ScenarioID, e.Action, e.From, e.Reason)
}

func (e *StateError) Unwrap() error {
	return ErrInvalidTransition
}

// Registry is the image-store surface the pipeline drives.
type Registry interface {
	PushImage(ctx context.Context, sourceRef, targetRef string) error
	RemoveImage(ctx context.Context, ref string) error
}

// Store is the persistence surface the pipeline needs.
type Store interface {
	UpsertPipeline(ctx context.Context, p *store.ImagePipeline) error
	GetPipelineByScenario(ctx context.Context, scenarioID string) (*store.ImagePipeline, error)
	ListProductionImages(ctx context.Context) ([]store.ImagePipeline, error)
}

// Auditor records promotion decisions. Satisfied by store.AuditWriter.
type Auditor interface {
	Log(event *store.AuditEvent)
}

// Config is the deployment's promotion policy.
type Config struct {
	AutoPromoteAllowed bool
	ScanRequired       bool
	StagingRegistry    string
	ProductionRegistry string
}

// Pipeline runs the promotion state machine.
type Pipeline struct {
	store    Store
	registry Registry
	audit    Auditor
	grader   *Grader
	cfg      Config
	now      func() time.Time
}

func New(st Store, registry Registry, audit Auditor, cfg Config) *Pipeline {
	return &Pipeline{
		store:    st,
		registry: registry,
		audit:    audit,
		grader:   NewGrader(),
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SubmitRequest is a creator submission of a locally built image.
type SubmitRequest struct {
	ScenarioID    string
	CreatorUserID string
	ImageName     string
	ImageTag      string
	ArtifactKind  string // embedded or downloadable
	SourceRef     string // the creator's local build reference
	AutoPromote   bool
}

// Submit runs local → staging: the artifact is copied to the staging
// registry and the row becomes reviewable. A re-submission for the same
// (scenario, image) overwrites the pending row; only the latest submission
// is reviewable.
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (*store.ImagePipeline, error) {
	if req.ScenarioID == "" || req.ImageName == "" || req.SourceRef == "" {
		return nil, &StateError{
			ScenarioID: req.ScenarioID,
			From:       store.StageLocal,
			Action:     "submit",
			Reason:     "scenario, image name and source ref are required",
		}
	}

	kind := req.ArtifactKind
	if kind == "" {
		kind = store.ArtifactEmbedded
	}
	if kind != store.ArtifactEmbedded && kind != store.ArtifactDownloadable {
		return nil, &StateError{
			ScenarioID: req.ScenarioID,
			From:       store.StageLocal,
			Action:     "submit",
			Reason:     fmt.Sprintf("unknown artifact kind %q", kind),
		}
	}

	tag := req.ImageTag
	if tag == "" {
		tag = "latest"
	}
	stagingRef := fmt.Sprintf("%s/%s:%s", p.cfg.StagingRegistry, req.ImageName, tag)

	if err := p.registry.PushImage(ctx, req.SourceRef, stagingRef); err != nil {
		return nil, fmt.Errorf("staging artifact for %s: %w", req.ScenarioID, err)
	}

	now := p.now()
	row := &store.ImagePipeline{
		ScenarioID:    req.ScenarioID,
		CreatorUserID: req.CreatorUserID,
		ImageName:     req.ImageName,
		ImageTag:      tag,
		ArtifactKind:  kind,
		Stage:         store.StageStaging,
		Status:        "pending",
		ScanStatus:    store.ScanPending,
		AutoPromote:   req.AutoPromote && p.cfg.AutoPromoteAllowed,
		StagingRef:    stagingRef,
		SubmittedAt:   now,
		UpdatedAt:     now,
	}

	if err := p.store.UpsertPipeline(ctx, row); err != nil {
		return nil, err
	}

	p.logEvent("pipeline-submitted", req.ScenarioID, req.CreatorUserID,
		fmt.Sprintf("image %s staged as %s", req.ImageName, stagingRef))
	return row, nil
}

// RecordScanResult runs staging → admin_review with the external scanner's
// verdict. A clean scan on an auto-promote submission skips review and goes
// straight to production; that path is logged identically to a manual
// approval.
func (p *Pipeline) RecordScanResult(ctx context.Context, scenarioID string, passed bool, findings []store.ScanFinding) (*store.ImagePipeline, error) {
	row, err := p.store.GetPipelineByScenario(ctx, scenarioID)
	if err != nil {
		return nil, err
	}
	if row.Stage != store.StageStaging {
		return nil, &StateError{
			ScenarioID: scenarioID,
			From:       row.Stage,
			Action:     "record scan result",
			Reason:     "scan verdicts only apply to staged submissions",
		}
	}

	row.ScanFindings = findings
	if passed {
		// Second opinion on the scanner's verdict. A passing scan that still
		// carries a critical finding is treated as failed.
		if worst, blocked := p.grader.Grade(findings); blocked {
			log.Warn().
				Str("scenario_id", scenarioID).
				Str("worst_severity", worst.String()).
				Msg("scanner passed the image but a critical finding blocks it")
			passed = false
		}
	}
	if passed {
		row.ScanStatus = store.ScanPassed
	} else {
		row.ScanStatus = store.ScanFailed
	}
	row.Stage = store.StageAdminReview
	row.UpdatedAt = p.now()

	if passed && row.AutoPromote {
		if err := p.promote(ctx, row, "auto-promote"); err != nil {
			return nil, err
		}
		return row, p.store.UpsertPipeline(ctx, row)
	}

	if err := p.store.UpsertPipeline(ctx, row); err != nil {
		return nil, err
	}

	log.Info().
		Str("scenario_id", scenarioID).
		Str("scan_status", string(row.ScanStatus)).
		Int("findings", len(findings)).
		Msg("scan verdict recorded, awaiting review")
	return row, nil
}

// Approve runs admin_review → approved → production. A failed scan can only
// be approved with an explicit override carrying a recorded justification.
// Deployments without a scanner set scan_required false; a still-pending
// scan then neither blocks approval nor holds the row in staging.
func (p *Pipeline) Approve(ctx context.Context, scenarioID, reviewerID, notes string, override bool, overrideReason string) (*store.ImagePipeline, error) {
	row, err := p.store.GetPipelineByScenario(ctx, scenarioID)
	if err != nil {
		return nil, err
	}

	scanWaived := !p.cfg.ScanRequired && row.ScanStatus == store.ScanPending

	if row.Stage != store.StageAdminReview && !(row.Stage == store.StageStaging && scanWaived) {
		return nil, &StateError{
			ScenarioID: scenarioID,
			From:       row.Stage,
			Action:     "approve",
			Reason:     "only submissions under admin review can be approved",
		}
	}

	if row.ScanStatus != store.ScanPassed && !scanWaived {
		if !override {
			return nil, &StateError{
				ScenarioID: scenarioID,
				From:       row.Stage,
				Action:     "approve",
				Reason:     fmt.Sprintf("security scan is %s and no override was given", row.ScanStatus),
			}
		}
		if overrideReason == "" {
			return nil, &StateError{
				ScenarioID: scenarioID,
				From:       row.Stage,
				Action:     "approve",
				Reason:     "scan override requires a justification",
			}
		}
		row.OverrideReason = overrideReason
	}

	row.ReviewerID = reviewerID
	row.ReviewNotes = notes
	row.Stage = store.StageApproved
	row.UpdatedAt = p.now()

	if err := p.promote(ctx, row, reviewerID); err != nil {
		row.Status = "failed"
		if upErr := p.store.UpsertPipeline(ctx, row); upErr != nil {
			log.Error().Err(upErr).Str("scenario_id", scenarioID).Msg("failed to persist promote failure")
		}
		return nil, err
	}

	return row, p.store.UpsertPipeline(ctx, row)
}

// Reject runs admin_review → local, handing the reason back to the creator
// and voiding the staged artifact.
func (p *Pipeline) Reject(ctx context.Context, scenarioID, reviewerID, reason string) (*store.ImagePipeline, error) {
	row, err := p.store.GetPipelineByScenario(ctx, scenarioID)
	if err != nil {
		return nil, err
	}
	if row.Stage != store.StageAdminReview {
		return nil, &StateError{
			ScenarioID: scenarioID,
			From:       row.Stage,
			Action:     "reject",
			Reason:     "only submissions under admin review can be rejected",
		}
	}
	if reason == "" {
		return nil, &StateError{
			ScenarioID: scenarioID,
			From:       row.Stage,
			Action:     "reject",
			Reason:     "a rejection reason is required",
		}
	}

	if row.StagingRef != "" {
		if err := p.registry.RemoveImage(ctx, row.StagingRef); err != nil {
			return nil, fmt.Errorf("voiding staged artifact %s: %w", row.StagingRef, err)
		}
	}

	row.Stage = store.StageLocal
	row.Status = "pending"
	row.ReviewerID = reviewerID
	row.ReviewNotes = reason
	row.StagingRef = ""
	row.UpdatedAt = p.now()

	if err := p.store.UpsertPipeline(ctx, row); err != nil {
		return nil, err
	}

	p.logEvent("pipeline-rejected", scenarioID, reviewerID, reason)
	return row, nil
}

// Status returns the latest pipeline row for a scenario.
func (p *Pipeline) Status(ctx context.Context, scenarioID string) (*store.ImagePipeline, error) {
	return p.store.GetPipelineByScenario(ctx, scenarioID)
}

// ProductionImages lists everything available to production sessions.
func (p *Pipeline) ProductionImages(ctx context.Context) ([]store.ImagePipeline, error) {
	return p.store.ListProductionImages(ctx)
}

// promote runs the approved → production edge: re-tag into the production
// registry, then clean up the staging copy for embedded artifacts once the
// production image is confirmed. Downloadable assets keep their staging
// copy indefinitely.
func (p *Pipeline) promote(ctx context.Context, row *store.ImagePipeline, actor string) error {
	productionRef := fmt.Sprintf("%s/%s:%s", p.cfg.ProductionRegistry, row.ImageName, row.ImageTag)

	row.Status = "processing"
	if err := p.registry.PushImage(ctx, row.StagingRef, productionRef); err != nil {
		return fmt.Errorf("promoting %s to production: %w", row.StagingRef, err)
	}

	row.ProductionRef = productionRef
	row.Stage = store.StageProduction
	row.Status = "completed"
	row.UpdatedAt = p.now()

	if row.ArtifactKind == store.ArtifactEmbedded && row.StagingRef != "" {
		if err := p.registry.RemoveImage(ctx, row.StagingRef); err != nil {
			// Production copy exists; a leftover staging image is waste,
			// not an inconsistency. The next submission overwrites it.
			log.Warn().Err(err).Str("ref", row.StagingRef).Msg("failed to delete staging artifact")
		} else {
			row.StagingRef = ""
		}
	}

	p.logEvent("pipeline-approved", row.ScenarioID, actor,
		fmt.Sprintf("image %s promoted to %s", row.ImageName, productionRef))

	log.Info().
		Str("scenario_id", row.ScenarioID).
		Str("production_ref", productionRef).
		Str("actor", actor).
		Msg("image promoted to production")
	return nil
}

func (p *Pipeline) logEvent(kind, subjectID, actor, detail string) {
	if p.audit == nil {
		return
	}
	p.audit.Log(&store.AuditEvent{
		Kind:      kind,
		SubjectID: subjectID,
		Actor:     actor,
		Detail:    detail,
	})
}
