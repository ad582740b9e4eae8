package store

import (
	"context"
	"encoding/json"
	"fmt"
)

const pipelineColumns = `scenario_id, creator_user_id, image_name, image_tag,
	artifact_kind, stage, status, scan_status, scan_findings, reviewer_id,
	review_notes, override_reason, auto_promote, staging_ref, production_ref,
	submitted_at, updated_at`

// UpsertPipeline writes a pipeline row, overwriting any pending submission
// for the same (scenario, image). Only the latest submission is reviewable.
func (db *DB) UpsertPipeline(ctx context.Context, p *ImagePipeline) error {
	findings, err := json.Marshal(p.ScanFindings)
	if err != nil {
		return fmt.Errorf("marshaling scan findings: %w", err)
	}

	_, err = db.pool.Exec(ctx, `
		INSERT INTO image_pipelines (`+pipelineColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (scenario_id, image_name) DO UPDATE SET
			creator_user_id = EXCLUDED.creator_user_id,
			image_tag = EXCLUDED.image_tag,
			artifact_kind = EXCLUDED.artifact_kind,
			stage = EXCLUDED.stage,
			status = EXCLUDED.status,
			scan_status = EXCLUDED.scan_status,
			scan_findings = EXCLUDED.scan_findings,
			reviewer_id = EXCLUDED.reviewer_id,
			review_notes = EXCLUDED.review_notes,
			override_reason = EXCLUDED.override_reason,
			auto_promote = EXCLUDED.auto_promote,
			staging_ref = EXCLUDED.staging_ref,
			production_ref = EXCLUDED.production_ref,
			submitted_at = EXCLUDED.submitted_at,
			updated_at = EXCLUDED.updated_at`,
		p.ScenarioID, p.CreatorUserID, p.ImageName, p.ImageTag,
		p.ArtifactKind, p.Stage, p.Status, p.ScanStatus, findings, p.ReviewerID,
		p.ReviewNotes, p.OverrideReason, p.AutoPromote, p.StagingRef, p.ProductionRef,
		p.SubmittedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting pipeline %s/%s: %w", p.ScenarioID, p.ImageName, err)
	}
	return nil
}

// GetPipelineByScenario returns the most recently updated pipeline row for a
// scenario.
func (db *DB) GetPipelineByScenario(ctx context.Context, scenarioID string) (*ImagePipeline, error) {
	query := `SELECT ` + pipelineColumns + `
		FROM image_pipelines WHERE scenario_id = $1
		ORDER BY updated_at DESC LIMIT 1`

	var p ImagePipeline
	var findings []byte
	err := db.pool.QueryRow(ctx, query, scenarioID).Scan(
		&p.ScenarioID, &p.CreatorUserID, &p.ImageName, &p.ImageTag,
		&p.ArtifactKind, &p.Stage, &p.Status, &p.ScanStatus, &findings, &p.ReviewerID,
		&p.ReviewNotes, &p.OverrideReason, &p.AutoPromote, &p.StagingRef, &p.ProductionRef,
		&p.SubmittedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("querying pipeline for scenario %s: %w", scenarioID, notFound(err))
	}
	if len(findings) > 0 {
		if err := json.Unmarshal(findings, &p.ScanFindings); err != nil {
			return nil, fmt.Errorf("unmarshaling scan findings: %w", err)
		}
	}
	return &p, nil
}

// ListProductionImages returns all pipeline rows that reached production.
func (db *DB) ListProductionImages(ctx context.Context) ([]ImagePipeline, error) {
	query := `SELECT ` + pipelineColumns + `
		FROM image_pipelines WHERE stage = 'production'
		ORDER BY updated_at DESC`

	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying production images: %w", err)
	}
	defer rows.Close()

	var results []ImagePipeline
	for rows.Next() {
		var p ImagePipeline
		var findings []byte
		if err := rows.Scan(
			&p.ScenarioID, &p.CreatorUserID, &p.ImageName, &p.ImageTag,
			&p.ArtifactKind, &p.Stage, &p.Status, &p.ScanStatus, &findings, &p.ReviewerID,
			&p.ReviewNotes, &p.OverrideReason, &p.AutoPromote, &p.StagingRef, &p.ProductionRef,
			&p.SubmittedAt, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning pipeline row: %w", err)
		}
		if len(findings) > 0 {
			if err := json.Unmarshal(findings, &p.ScanFindings); err != nil {
				return nil, fmt.Errorf("unmarshaling scan findings: %w", err)
			}
		}
		results = append(results, p)
	}
	return results, rows.Err()
}
