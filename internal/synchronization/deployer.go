// Package synchronization pulls the deployments of the other servers of the
// DAO into this node.
package synchronization

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/catalyst-network/catalyst/common/entity"
	"github.com/catalyst-network/catalyst/common/hashing"
	"github.com/catalyst-network/catalyst/common/log"
	"github.com/catalyst-network/catalyst/internal/denylist"
	"github.com/catalyst-network/catalyst/internal/failures"
	"github.com/catalyst-network/catalyst/internal/metrics"
	"github.com/catalyst-network/catalyst/internal/repository"
	"github.com/catalyst-network/catalyst/internal/service"
	"github.com/catalyst-network/catalyst/internal/storage"
)

var errNoSources = errors.New("no server to fetch from")

// Peer is the part of the peer surface needed to rebuild a deployment.
type Peer interface {
	Address() string
	AuditInfo(ctx context.Context, t entity.Type, entityID string) (*entity.AuditInfo, error)
	Content(ctx context.Context, hash string) ([]byte, error)
}

// Deployer commits rebuilt deployments.
type Deployer interface {
	DeployEntity(ctx context.Context, files []entity.ContentFile, entityID string,
		auditInfo entity.AuditInfo, dctx service.DeploymentContext) (int64, error)
}

// Event is a deployment some server announced.
type Event struct {
	Type            entity.Type
	ID              string
	OriginTimestamp int64
	OriginServerURL string
}

// SyncFailure is the outcome of a deployment that could not be synced. It
// has been recorded as failed by the time it is returned.
type SyncFailure struct {
	Reason entity.FailureReason
	Err    error
}

func (f *SyncFailure) Error() string {
	return fmt.Sprintf("%s: %v", f.Reason, f.Err)
}

func (f *SyncFailure) Unwrap() error {
	return f.Err
}

// EventDeployer rebuilds announced deployments from the servers that have
// them and feeds them to the deployment service.
type EventDeployer struct {
	service  Deployer
	known    repository.Deployments
	storage  storage.Storage
	failures *failures.Manager
	denylist *denylist.Denylist
	log      log.Logger
}

// NewEventDeployer returns an EventDeployer. dl may be nil.
func NewEventDeployer(l log.Logger, svc Deployer, known repository.Deployments, st storage.Storage,
	fm *failures.Manager, dl *denylist.Denylist) *EventDeployer {
	if dl == nil {
		dl = denylist.Disabled()
	}
	return &EventDeployer{
		service:  svc,
		known:    known,
		storage:  st,
		failures: fm,
		denylist: dl,
		log:      l.Named("EventDeployer"),
	}
}

// IsKnown reports whether the deployment is already committed here.
func (d *EventDeployer) IsKnown(ctx context.Context, entityID string) (bool, error) {
	_, err := d.known.Deployment(ctx, entityID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, repository.ErrDeploymentNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Deploy fetches the deployment from sources, in order, and commits it.
// Failures are recorded with their reason and returned as *SyncFailure. Once
// ctx is done nothing is recorded and the context error is returned.
func (d *EventDeployer) Deploy(ctx context.Context, ev Event, sources []Peer) error {
	ctx, span := metrics.NewSpan(ctx, "sync.Deploy",
		attribute.String("entity", ev.ID), attribute.String("type", ev.Type.String()))
	defer span.End()

	files, audit, failure := d.rebuild(ctx, ev, sources)
	if failure == nil {
		if _, err := d.service.DeployEntity(ctx, files, ev.ID, *audit, service.Synced); err != nil {
			failure = &SyncFailure{Reason: entity.DeploymentError, Err: err}
		}
	}
	if failure == nil {
		return nil
	}
	if ctx.Err() != nil {
		// interrupted, not failed: the next cycle tries it again
		return fmt.Errorf("syncing %s: %w", ev.ID, ctx.Err())
	}

	span.RecordError(failure)
	if err := d.failures.ReportFailure(ctx, ev.Type, ev.ID, ev.OriginTimestamp, ev.OriginServerURL,
		failure.Reason, failure.Err.Error()); err != nil {
		d.log.Errorw("could not record failed deployment", "id", ev.ID, "reason", failure.Reason, "err", err)
	}
	return failure
}

// rebuild gathers the manifest, the audit info and the content the node is
// missing.
func (d *EventDeployer) rebuild(ctx context.Context, ev Event, sources []Peer) ([]entity.ContentFile, *entity.AuditInfo, *SyncFailure) {
	if d.denylist.IsEntityDenylisted(ev.ID) {
		return nil, nil, &SyncFailure{Reason: entity.NoEntityOrAudit, Err: fmt.Errorf("entity %s is denylisted", ev.ID)}
	}

	manifest, err := fetchVerified(ctx, sources, ev.ID)
	if err != nil {
		return nil, nil, &SyncFailure{Reason: entity.NoEntityOrAudit, Err: fmt.Errorf("fetching entity: %w", err)}
	}
	audit, err := fetchAudit(ctx, sources, ev.Type, ev.ID)
	if err != nil {
		return nil, nil, &SyncFailure{Reason: entity.NoEntityOrAudit, Err: fmt.Errorf("fetching audit info: %w", err)}
	}
	e, err := entity.ParseManifest(ev.ID, manifest)
	if err != nil {
		return nil, nil, &SyncFailure{Reason: entity.NoEntityOrAudit, Err: err}
	}

	files := []entity.ContentFile{{Name: entity.ManifestFileName, Content: manifest}}
	missing, err := d.missingContent(ctx, e.ContentHashes())
	if err != nil {
		return nil, nil, &SyncFailure{Reason: entity.FetchProblem, Err: err}
	}
	if denied := d.denylist.DenylistedContents(missing); len(denied) > 0 {
		return nil, nil, &SyncFailure{Reason: entity.FetchProblem, Err: fmt.Errorf("content %v is denylisted", denied)}
	}
	for _, h := range missing {
		content, err := fetchVerified(ctx, sources, h)
		if err != nil {
			return nil, nil, &SyncFailure{Reason: entity.FetchProblem, Err: fmt.Errorf("fetching content %s: %w", h, err)}
		}
		files = append(files, entity.ContentFile{Name: h, Content: content})
	}
	return files, audit, nil
}

func (d *EventDeployer) missingContent(ctx context.Context, hashes []string) ([]string, error) {
	if len(hashes) == 0 {
		return nil, nil
	}
	stored, err := d.storage.Exist(ctx, hashes)
	if err != nil {
		return nil, fmt.Errorf("checking stored content: %w", err)
	}
	var missing []string
	for _, h := range hashes {
		if !stored[h] {
			missing = append(missing, h)
		}
	}
	return missing, nil
}

// fetchVerified downloads the file from the first source serving bytes that
// hash to it.
func fetchVerified(ctx context.Context, sources []Peer, hash string) ([]byte, error) {
	err := errNoSources
	for _, p := range sources {
		content, fetchErr := p.Content(ctx, hash)
		if fetchErr != nil {
			err = service.NewFetchError(hash+" from "+p.Address(), fetchErr)
			continue
		}
		if got, _ := hashing.Calculate(content); got != hash {
			err = service.NewFetchError(hash+" from "+p.Address(), fmt.Errorf("content hashes to %s", got))
			continue
		}
		return content, nil
	}
	return nil, err
}

func fetchAudit(ctx context.Context, sources []Peer, t entity.Type, id string) (*entity.AuditInfo, error) {
	err := errNoSources
	for _, p := range sources {
		audit, fetchErr := p.AuditInfo(ctx, t, id)
		if fetchErr != nil {
			err = service.NewFetchError("audit info of "+id+" from "+p.Address(), fetchErr)
			continue
		}
		return audit, nil
	}
	return nil, err
}
