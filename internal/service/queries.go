package service

import (
	"context"
	"errors"
	"strings"

	"github.com/catalyst-network/catalyst/common/entity"
	"github.com/catalyst-network/catalyst/internal/denylist"
	"github.com/catalyst-network/catalyst/internal/repository"
)

// ErrDenylisted is returned when asked for a denylisted entity or content.
var ErrDenylisted = errors.New("target is denylisted")

// Status is the health information of the pipeline.
type Status struct {
	// HistorySize counts every committed deployment, overwritten or not.
	HistorySize        int64 `json:"historySize"`
	LastLocalTimestamp int64 `json:"lastLocalTimestamp"`
}

// Status returns the current Status.
func (s *Service) Status(ctx context.Context) (Status, error) {
	size, err := s.repo.HistorySize(ctx)
	if err != nil {
		return Status{}, err
	}
	last, err := s.repo.LastLocalTimestamp(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{HistorySize: size, LastLocalTimestamp: last}, nil
}

// Denylist returns the denylist applied when serving.
func (s *Service) Denylist() *denylist.Denylist {
	return s.denylist
}

// ActiveEntities returns the deployments currently active on pointers.
// Denylisted entities are left out.
func (s *Service) ActiveEntities(ctx context.Context, t entity.Type, pointers []string) ([]*entity.Deployment, error) {
	states, err := s.repo.PointerStates(ctx, t, pointers)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var ids []string
	for _, p := range pointers {
		st, ok := states[strings.ToLower(p)]
		if !ok || st.Active == "" {
			continue
		}
		if _, ok := seen[st.Active]; ok {
			continue
		}
		seen[st.Active] = struct{}{}
		ids = append(ids, st.Active)
	}
	return s.EntitiesByID(ctx, ids)
}

// EntitiesByID returns the known deployments among ids, denylisted ones
// left out.
func (s *Service) EntitiesByID(ctx context.Context, ids []string) ([]*entity.Deployment, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ds, err := s.repo.Deployments(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := ds[:0]
	for _, d := range ds {
		if s.denylist.IsEntityDenylisted(d.ID) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// AuditInfo returns the audit info of the entity, flagged with what the
// denylist holds about it. Denylisted entities still have their audit info
// served so that peers learn about them.
func (s *Service) AuditInfo(ctx context.Context, t entity.Type, entityID string) (*entity.AuditInfo, error) {
	d, err := s.repo.Deployment(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if d.Type != t {
		return nil, repository.ErrDeploymentNotFound
	}
	s.flagDenylisted(d)
	return &d.AuditInfo, nil
}

// DeploymentsSince returns up to limit deployments committed after
// localTimestamp, oldest first. This is what peers poll.
func (s *Service) DeploymentsSince(ctx context.Context, localTimestamp int64, limit int) ([]*entity.Deployment, error) {
	ds, err := s.repo.DeploymentsSince(ctx, localTimestamp, limit)
	if err != nil {
		return nil, err
	}
	for _, d := range ds {
		s.flagDenylisted(d)
	}
	return ds, nil
}

// Content returns the stored file with the given hash.
func (s *Service) Content(ctx context.Context, hash string) ([]byte, error) {
	if s.denylist.IsEntityDenylisted(hash) || len(s.denylist.DenylistedContents([]string{hash})) > 0 {
		return nil, ErrDenylisted
	}
	return s.storage.Retrieve(ctx, hash)
}

// ContentAvailability tells, for each hash, whether it can be served.
func (s *Service) ContentAvailability(ctx context.Context, hashes []string) (map[string]bool, error) {
	available, err := s.storage.Exist(ctx, hashes)
	if err != nil {
		return nil, err
	}
	for _, h := range s.denylist.DenylistedContents(hashes) {
		available[h] = false
	}
	return available, nil
}

// ActivePointers returns the pointers of type t with an active deployment.
func (s *Service) ActivePointers(ctx context.Context, t entity.Type) ([]string, error) {
	return s.repo.ActivePointers(ctx, t)
}

// FailedDeployments returns every failed deployment, most recent first.
func (s *Service) FailedDeployments(ctx context.Context) ([]*entity.FailedDeployment, error) {
	return s.failures.GetAllFailedDeployments(ctx)
}

func (s *Service) flagDenylisted(d *entity.Deployment) {
	d.AuditInfo.IsDenylisted = s.denylist.IsEntityDenylisted(d.ID)
	d.AuditInfo.DenylistedContent = s.denylist.DenylistedContents(d.ContentHashes())
}
