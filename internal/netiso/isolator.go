package netiso

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"cyberlab-engine/internal/cloud"
	"cyberlab-engine/internal/store"
)

// ErrSessionRunning is returned when teardown is attempted while the owning
// session still holds the running status.
var ErrSessionRunning = errors.New("session is still running")

// Store is the persistence surface the isolator needs.
type Store interface {
	CreateSecurityGroup(ctx context.Context, g *store.SecurityGroup) error
	ActivateSecurityGroup(ctx context.Context, id, providerGroupID string, metadata map[string]string) error
	SetSecurityGroupStatus(ctx context.Context, id string, status store.GroupStatus) error
	MarkSecurityGroupDeleted(ctx context.Context, id string, at time.Time) error
	ListSecurityGroupsBySession(ctx context.Context, sessionID string) ([]store.SecurityGroup, error)
	GetSession(ctx context.Context, id string) (*store.Session, error)
}

// Isolator provisions and tears down per-machine security groups.
type Isolator struct {
	cloud       cloud.Adapter
	store       Store
	maxAttempts int
}

func New(adapter cloud.Adapter, st Store, maxAttempts int) *Isolator {
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	return &Isolator{
		cloud:       adapter,
		store:       st,
		maxAttempts: maxAttempts,
	}
}

// Provision creates one security group per machine and realizes it at the
// provider. Returns machine ID to provider group ID, for task startup. On
// failure the partial groups are left behind in their recorded states; the
// orchestrator's rollback runs Teardown over them.
func (iso *Isolator) Provision(ctx context.Context, sessionID string, machines []MachineSpec) (map[string]string, error) {
	logger := log.With().Str("session_id", sessionID).Logger()
	providerIDs := make(map[string]string, len(machines))

	for _, m := range machines {
		if !m.Group.Valid() {
			return providerIDs, fmt.Errorf("machine %s: unknown network group %q", m.ID, m.Group)
		}

		rules := DeriveRules(m, machines)
		now := time.Now().UTC()

		row := &store.SecurityGroup{
			ID:                uuid.New().String(),
			SessionID:         sessionID,
			MachineID:         m.ID,
			MachineName:       m.Name,
			NetworkGroup:      string(m.Group),
			ProviderGroupName: fmt.Sprintf("lab-%s-%s", sessionID, m.Name),
			IngressSources:    rules.IngressSources,
			EgressTargets:     rules.EgressTargets,
			ExposedPorts:      rules.GatewayPorts,
			Status:            store.GroupCreating,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := iso.store.CreateSecurityGroup(ctx, row); err != nil {
			return providerIDs, fmt.Errorf("recording security group for machine %s: %w", m.ID, err)
		}

		providerID, err := iso.realize(ctx, row, rules)
		if err != nil {
			// Group stays `creating` between attempts; only the final
			// failure marks it failed.
			if stErr := iso.store.SetSecurityGroupStatus(ctx, row.ID, store.GroupFailed); stErr != nil {
				logger.Error().Err(stErr).Str("group_id", row.ID).Msg("failed to mark group failed")
			}
			return providerIDs, fmt.Errorf("provisioning isolation for machine %s: %w", m.ID, err)
		}

		providerIDs[m.ID] = providerID
		logger.Debug().
			Str("machine_id", m.ID).
			Str("provider_group_id", providerID).
			Msg("machine isolation active")
	}

	logger.Info().Int("machines", len(machines)).Msg("session isolation provisioned")
	return providerIDs, nil
}

func (iso *Isolator) realize(ctx context.Context, row *store.SecurityGroup, rules RuleSet) (string, error) {
	req := cloud.GroupRequest{
		Name:           row.ProviderGroupName,
		SessionID:      row.SessionID,
		MachineID:      row.MachineID,
		IngressSources: rules.IngressSources,
		EgressTargets:  rules.EgressTargets,
		GatewayPorts:   rules.GatewayPorts,
	}

	var lastErr error
	for attempt := 1; attempt <= iso.maxAttempts; attempt++ {
		providerID, err := iso.cloud.CreateSecurityGroup(ctx, req)
		if err == nil {
			if err := iso.store.ActivateSecurityGroup(ctx, row.ID, providerID, nil); err != nil {
				return "", err
			}
			return providerID, nil
		}

		lastErr = err
		if cloud.IsPermanent(err) || ctx.Err() != nil {
			break
		}
		log.Warn().
			Err(err).
			Str("group", row.ProviderGroupName).
			Int("attempt", attempt).
			Msg("security group creation failed")
	}
	return "", lastErr
}

// Teardown soft-deletes every group of a session after removing the
// provider side. Idempotent: already-deleted groups are skipped and a
// missing provider group counts as deleted.
func (iso *Isolator) Teardown(ctx context.Context, sessionID string) error {
	session, err := iso.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("loading session %s: %w", sessionID, err)
	}
	if session.Status == store.SessionRunning || session.Status == store.SessionIdleWarning {
		return fmt.Errorf("teardown of session %s: %w", sessionID, ErrSessionRunning)
	}

	groups, err := iso.store.ListSecurityGroupsBySession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("listing security groups for session %s: %w", sessionID, err)
	}

	logger := log.With().Str("session_id", sessionID).Logger()
	var firstErr error

	for _, g := range groups {
		if g.Status == store.GroupDeleted {
			continue
		}

		if err := iso.store.SetSecurityGroupStatus(ctx, g.ID, store.GroupDeleting); err != nil {
			logger.Warn().Err(err).Str("group_id", g.ID).Msg("failed to mark group deleting")
		}

		if g.ProviderGroupID != "" {
			if err := iso.cloud.DeleteSecurityGroup(ctx, g.ProviderGroupID); err != nil {
				logger.Error().Err(err).Str("group_id", g.ID).Msg("provider group deletion failed")
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
		}

		if err := iso.store.MarkSecurityGroupDeleted(ctx, g.ID, time.Now().UTC()); err != nil {
			logger.Warn().Err(err).Str("group_id", g.ID).Msg("failed to mark group deleted")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if firstErr == nil {
		logger.Info().Int("groups", len(groups)).Msg("session isolation torn down")
	}
	return firstErr
}
