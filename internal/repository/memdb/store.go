// Package memdb keeps the repository in memory, for tests and throwaway nodes.
package memdb

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/catalyst-network/catalyst/common/entity"
	"github.com/catalyst-network/catalyst/internal/metrics"
	"github.com/catalyst-network/catalyst/internal/repository"
)

type failureKey struct {
	t  entity.Type
	id string
}

// Store represents access to the in-memory repository.
type Store struct {
	mtx         sync.RWMutex
	deployments map[string]*entity.Deployment
	history     []*entity.Deployment
	pointers    map[entity.Type]map[string]*repository.PointerState
	failures    map[failureKey]*entity.FailedDeployment
}

// NewStore returns an empty in-memory repository.
func NewStore() *Store {
	return &Store{
		deployments: make(map[string]*entity.Deployment),
		pointers:    make(map[entity.Type]map[string]*repository.PointerState),
		failures:    make(map[failureKey]*entity.FailedDeployment),
	}
}

func (s *Store) Close() error {
	return nil
}

func copyDeployment(d *entity.Deployment) *entity.Deployment {
	cp := *d
	cp.Pointers = append([]string(nil), d.Pointers...)
	cp.Content = append([]entity.ContentMapping(nil), d.Content...)
	cp.AuditInfo.AuthChain = append(entity.AuthChain(nil), d.AuditInfo.AuthChain...)
	return &cp
}

func (s *Store) Commit(ctx context.Context, c *repository.Commit) error {
	_, span := metrics.NewSpan(ctx, "memDB.Commit")
	defer span.End()

	s.mtx.Lock()
	defer s.mtx.Unlock()

	d := copyDeployment(c.Deployment)
	if _, ok := s.deployments[d.ID]; ok {
		return repository.ErrDeploymentExists
	}
	index, ok := s.pointers[d.Type]
	if !ok {
		index = make(map[string]*repository.PointerState)
		s.pointers[d.Type] = index
	}

	for _, id := range c.Overwritten {
		old, ok := s.deployments[id]
		if !ok {
			continue
		}
		old.AuditInfo.OverwrittenBy = d.ID
		for _, p := range old.LowerPointers() {
			if st, ok := index[p]; ok && st.Active == id {
				st.Active = ""
			}
		}
	}
	for _, p := range c.Last {
		p = strings.ToLower(p)
		st, ok := index[p]
		if !ok {
			st = &repository.PointerState{Pointer: p}
			index[p] = st
		}
		st.Last = d.ID
	}
	if c.Active {
		for _, p := range d.LowerPointers() {
			st, ok := index[p]
			if !ok {
				st = &repository.PointerState{Pointer: p, Last: d.ID}
				index[p] = st
			}
			st.Active = d.ID
		}
	}

	s.deployments[d.ID] = d
	s.history = append(s.history, d)
	return nil
}

func (s *Store) Deployment(ctx context.Context, entityID string) (*entity.Deployment, error) {
	_, span := metrics.NewSpan(ctx, "memDB.Deployment")
	defer span.End()

	s.mtx.RLock()
	defer s.mtx.RUnlock()
	d, ok := s.deployments[entityID]
	if !ok {
		return nil, repository.ErrDeploymentNotFound
	}
	return copyDeployment(d), nil
}

func (s *Store) Deployments(ctx context.Context, entityIDs []string) ([]*entity.Deployment, error) {
	_, span := metrics.NewSpan(ctx, "memDB.Deployments")
	defer span.End()

	s.mtx.RLock()
	defer s.mtx.RUnlock()
	out := make([]*entity.Deployment, 0, len(entityIDs))
	for _, id := range entityIDs {
		if d, ok := s.deployments[id]; ok {
			out = append(out, copyDeployment(d))
		}
	}
	return out, nil
}

func (s *Store) PointerStates(_ context.Context, t entity.Type, pointers []string) (map[string]repository.PointerState, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	out := make(map[string]repository.PointerState, len(pointers))
	index := s.pointers[t]
	for _, p := range pointers {
		p = strings.ToLower(p)
		if st, ok := index[p]; ok {
			out[p] = *st
		}
	}
	return out, nil
}

func (s *Store) ActivePointers(_ context.Context, t entity.Type) ([]string, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	var out []string
	for p, st := range s.pointers[t] {
		if st.Active != "" {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) DeploymentsSince(ctx context.Context, localTimestamp int64, limit int) ([]*entity.Deployment, error) {
	_, span := metrics.NewSpan(ctx, "memDB.DeploymentsSince")
	defer span.End()

	s.mtx.RLock()
	defer s.mtx.RUnlock()
	start := sort.Search(len(s.history), func(i int) bool {
		return s.history[i].AuditInfo.LocalTimestamp > localTimestamp
	})
	var out []*entity.Deployment
	for _, d := range s.history[start:] {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, copyDeployment(d))
	}
	return out, nil
}

func (s *Store) HistorySize(context.Context) (int64, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return int64(len(s.history)), nil
}

func (s *Store) LastLocalTimestamp(context.Context) (int64, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	if len(s.history) == 0 {
		return 0, nil
	}
	return s.history[len(s.history)-1].AuditInfo.LocalTimestamp, nil
}

func (s *Store) SaveFailure(_ context.Context, f *entity.FailedDeployment) error {
	cp := *f
	s.mtx.Lock()
	s.failures[failureKey{f.EntityType, f.EntityID}] = &cp
	s.mtx.Unlock()
	return nil
}

func (s *Store) DeleteFailure(_ context.Context, t entity.Type, entityID string) error {
	s.mtx.Lock()
	delete(s.failures, failureKey{t, entityID})
	s.mtx.Unlock()
	return nil
}

func (s *Store) Failure(_ context.Context, t entity.Type, entityID string) (*entity.FailedDeployment, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	f, ok := s.failures[failureKey{t, entityID}]
	if !ok {
		return nil, repository.ErrFailureNotFound
	}
	cp := *f
	return &cp, nil
}

func (s *Store) AllFailures(context.Context) ([]*entity.FailedDeployment, error) {
	s.mtx.RLock()
	out := make([]*entity.FailedDeployment, 0, len(s.failures))
	for _, f := range s.failures {
		cp := *f
		out = append(out, &cp)
	}
	s.mtx.RUnlock()
	repository.SortFailures(out)
	return out, nil
}
