package store

import (
	"context"
	"fmt"
	"time"
)

const groupColumns = `id, session_id, machine_id, machine_name, network_group,
	provider_group_id, provider_group_name, ingress_sources, egress_targets,
	exposed_ports, status, provider_metadata, created_at, updated_at, deleted_at`

// CreateSecurityGroup inserts a new machine security group row.
func (db *DB) CreateSecurityGroup(ctx context.Context, g *SecurityGroup) error {
	query := `
		INSERT INTO machine_security_groups (` + groupColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := db.pool.Exec(ctx, query,
		g.ID, g.SessionID, g.MachineID, g.MachineName, g.NetworkGroup,
		g.ProviderGroupID, g.ProviderGroupName, g.IngressSources, g.EgressTargets,
		g.ExposedPorts, g.Status, g.ProviderMetadata, g.CreatedAt, g.UpdatedAt, g.DeletedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting security group: %w", err)
	}
	return nil
}

// ActivateSecurityGroup records the realized provider group and moves the
// row to active.
func (db *DB) ActivateSecurityGroup(ctx context.Context, id, providerGroupID string, metadata map[string]string) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE machine_security_groups
		SET status = 'active', provider_group_id = $2, provider_metadata = $3, updated_at = $4
		WHERE id = $1`,
		id, providerGroupID, metadata, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("activating security group %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("activating security group %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetSecurityGroupStatus moves a group to a new status.
func (db *DB) SetSecurityGroupStatus(ctx context.Context, id string, status GroupStatus) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE machine_security_groups SET status = $2, updated_at = $3 WHERE id = $1`,
		id, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("updating security group %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("updating security group %s status: %w", id, ErrNotFound)
	}
	return nil
}

// MarkSecurityGroupDeleted soft-deletes a group once the provider side is
// confirmed gone. Rows are never hard-deleted; audit and cost records keep
// referencing them.
func (db *DB) MarkSecurityGroupDeleted(ctx context.Context, id string, at time.Time) error {
	_, err := db.pool.Exec(ctx, `
		UPDATE machine_security_groups
		SET status = 'deleted', deleted_at = $2, updated_at = $2
		WHERE id = $1 AND status != 'deleted'`,
		id, at)
	if err != nil {
		return fmt.Errorf("soft-deleting security group %s: %w", id, err)
	}
	return nil
}

// ListSecurityGroupsBySession returns all groups for a session, including
// soft-deleted ones.
func (db *DB) ListSecurityGroupsBySession(ctx context.Context, sessionID string) ([]SecurityGroup, error) {
	query := `SELECT ` + groupColumns + `
		FROM machine_security_groups WHERE session_id = $1 ORDER BY created_at`

	rows, err := db.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying security groups for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var results []SecurityGroup
	for rows.Next() {
		var g SecurityGroup
		if err := rows.Scan(
			&g.ID, &g.SessionID, &g.MachineID, &g.MachineName, &g.NetworkGroup,
			&g.ProviderGroupID, &g.ProviderGroupName, &g.IngressSources, &g.EgressTargets,
			&g.ExposedPorts, &g.Status, &g.ProviderMetadata, &g.CreatedAt, &g.UpdatedAt, &g.DeletedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning security group row: %w", err)
		}
		results = append(results, g)
	}
	return results, rows.Err()
}
