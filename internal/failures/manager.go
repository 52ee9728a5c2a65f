// Package failures keeps track of the deployments this node learnt about from
// its peers but could not apply.
package failures

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"

	"github.com/catalyst-network/catalyst/common/entity"
	"github.com/catalyst-network/catalyst/common/log"
	"github.com/catalyst-network/catalyst/internal/metrics"
	"github.com/catalyst-network/catalyst/internal/repository"
)

// Status is the failure state of an entity: either no failure, or failed
// with a reason and an optional description.
type Status struct {
	failed      bool
	reason      entity.FailureReason
	description string
}

// NoFailure is the status of entities not marked as failed.
func NoFailure() Status {
	return Status{}
}

// Failed is the status of an entity marked as failed.
func Failed(reason entity.FailureReason, description string) Status {
	return Status{failed: true, reason: reason, description: description}
}

func (s Status) IsFailed() bool {
	return s.failed
}

// Reason returns the failure reason, empty when not failed.
func (s Status) Reason() entity.FailureReason {
	return s.reason
}

func (s Status) Description() string {
	return s.description
}

func (s Status) String() string {
	if !s.failed {
		return "NO_FAILURE"
	}
	if s.description == "" {
		return string(s.reason)
	}
	return fmt.Sprintf("%s: %s", s.reason, s.description)
}

// Manager records, queries and clears failed deployments.
type Manager struct {
	repo  repository.FailedDeployments
	clock clockwork.Clock
	log   log.Logger
}

// NewManager returns a Manager over the given repository.
func NewManager(l log.Logger, repo repository.FailedDeployments, clock clockwork.Clock) *Manager {
	return &Manager{repo: repo, clock: clock, log: l.Named("FailedDeploymentsManager")}
}

// ReportFailure marks the entity as failed, replacing any previous record.
// The failure is stamped with the current time.
func (m *Manager) ReportFailure(ctx context.Context, t entity.Type, entityID string, originTimestamp int64,
	originServerURL string, reason entity.FailureReason, description string) error {
	f := &entity.FailedDeployment{
		EntityType:       t,
		EntityID:         entityID,
		OriginTimestamp:  originTimestamp,
		OriginServerURL:  originServerURL,
		FailureTimestamp: m.clock.Now().UnixMilli(),
		Reason:           reason,
		ErrorDescription: description,
	}
	if err := m.repo.SaveFailure(ctx, f); err != nil {
		return fmt.Errorf("reporting failure of %s %s: %w", t, entityID, err)
	}
	metrics.FailureReported(string(reason))
	m.log.Warnw("deployment failed", "type", t, "id", entityID, "origin", originServerURL,
		"reason", reason, "description", description)
	return nil
}

// ReportSuccessfulDeployment clears any failure recorded for the entity.
func (m *Manager) ReportSuccessfulDeployment(ctx context.Context, t entity.Type, entityID string) error {
	if err := m.repo.DeleteFailure(ctx, t, entityID); err != nil {
		return fmt.Errorf("clearing failure of %s %s: %w", t, entityID, err)
	}
	return nil
}

// GetAllFailedDeployments returns every failure, most recent first.
func (m *Manager) GetAllFailedDeployments(ctx context.Context) ([]*entity.FailedDeployment, error) {
	return m.repo.AllFailures(ctx)
}

// FindFailedDeployment returns the failure recorded for the entity, or nil
// when it is not marked as failed.
func (m *Manager) FindFailedDeployment(ctx context.Context, t entity.Type, entityID string) (*entity.FailedDeployment, error) {
	f, err := m.repo.Failure(ctx, t, entityID)
	if errors.Is(err, repository.ErrFailureNotFound) {
		return nil, nil
	}
	return f, err
}

// GetDeploymentStatus returns the failure status of the entity.
func (m *Manager) GetDeploymentStatus(ctx context.Context, t entity.Type, entityID string) (Status, error) {
	f, err := m.FindFailedDeployment(ctx, t, entityID)
	if err != nil {
		return Status{}, err
	}
	if f == nil {
		return NoFailure(), nil
	}
	return Failed(f.Reason, f.ErrorDescription), nil
}
