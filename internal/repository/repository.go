// Package repository declares the durable records of a node: the append-only
// deployment history, the per pointer index and the failed deployments.
package repository

import (
	"context"
	"errors"
	"sort"

	"github.com/catalyst-network/catalyst/common/entity"
)

var (
	// ErrDeploymentNotFound is returned when no deployment has the entity id.
	ErrDeploymentNotFound = errors.New("deployment not found")
	// ErrDeploymentExists is returned when committing an entity id twice.
	ErrDeploymentExists = errors.New("deployment already exists")
	// ErrFailureNotFound is returned when the entity is not marked as failed.
	ErrFailureNotFound = errors.New("failed deployment not found")
)

// PointerState is the index entry of a pointer within an entity type.
type PointerState struct {
	Pointer string `json:"pointer"`
	// Last is the newest deployment that touched the pointer.
	Last string `json:"last"`
	// Active is the deployment currently served for the pointer, empty when
	// the last one lost another of its pointers.
	Active string `json:"active,omitempty"`
}

// Commit is everything a new deployment changes, applied atomically.
type Commit struct {
	Deployment *entity.Deployment
	// Last are the pointers the deployment becomes the newest on.
	Last []string
	// Overwritten are the entity ids that stop being active. They are marked
	// as overwritten by the deployment and leave every pointer they held.
	Overwritten []string
	// Active tells whether the deployment becomes active on all its pointers.
	Active bool
}

// Deployments is the deployment history together with the pointer index.
type Deployments interface {
	Commit(ctx context.Context, c *Commit) error
	Deployment(ctx context.Context, entityID string) (*entity.Deployment, error)
	// Deployments returns the known deployments among ids, skipping the others.
	Deployments(ctx context.Context, entityIDs []string) ([]*entity.Deployment, error)
	// PointerStates returns the state of the indexed pointers among pointers,
	// keyed by lowercase pointer.
	PointerStates(ctx context.Context, t entity.Type, pointers []string) (map[string]PointerState, error)
	ActivePointers(ctx context.Context, t entity.Type) ([]string, error)
	// DeploymentsSince returns up to limit deployments committed strictly
	// after localTimestamp, oldest first.
	DeploymentsSince(ctx context.Context, localTimestamp int64, limit int) ([]*entity.Deployment, error)
	HistorySize(ctx context.Context) (int64, error)
	LastLocalTimestamp(ctx context.Context) (int64, error)
}

// FailedDeployments is the table of deployments that could not be synced.
type FailedDeployments interface {
	// SaveFailure inserts the record, replacing any previous one for the key.
	SaveFailure(ctx context.Context, f *entity.FailedDeployment) error
	DeleteFailure(ctx context.Context, t entity.Type, entityID string) error
	Failure(ctx context.Context, t entity.Type, entityID string) (*entity.FailedDeployment, error)
	// AllFailures returns every record, most recent failure first.
	AllFailures(ctx context.Context) ([]*entity.FailedDeployment, error)
}

// Repository gathers every durable record of the node.
type Repository interface {
	Deployments
	FailedDeployments
	Close() error
}

// Type names a repository backend.
type Type string

const (
	BoltDB   Type = "bolt"
	Postgres Type = "postgres"
	MemDB    Type = "memdb"
)

// MetricValue is the value reported for the backend in the node db gauge.
func (t Type) MetricValue() float64 {
	switch t {
	case BoltDB:
		return 1
	case Postgres:
		return 2
	case MemDB:
		return 3
	}
	return 0
}

// SortFailures orders failures most recent first, by entity id on ties.
func SortFailures(fs []*entity.FailedDeployment) {
	sort.Slice(fs, func(i, j int) bool {
		if fs[i].FailureTimestamp != fs[j].FailureTimestamp {
			return fs[i].FailureTimestamp > fs[j].FailureTimestamp
		}
		return fs[i].EntityID < fs[j].EntityID
	})
}
