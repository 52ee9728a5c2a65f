// Package service implements the deployment pipeline: every deployment, local
// or synced from a peer, is validated, stored and indexed through it.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"

	"github.com/catalyst-network/catalyst/common/entity"
	"github.com/catalyst-network/catalyst/common/hashing"
	"github.com/catalyst-network/catalyst/common/log"
	"github.com/catalyst-network/catalyst/internal/auth"
	"github.com/catalyst-network/catalyst/internal/denylist"
	"github.com/catalyst-network/catalyst/internal/failures"
	"github.com/catalyst-network/catalyst/internal/metrics"
	"github.com/catalyst-network/catalyst/internal/reporters"
	"github.com/catalyst-network/catalyst/internal/repository"
	"github.com/catalyst-network/catalyst/internal/storage"
)

const (
	msgNoManifest = "Failed to find the entity file. Please make sure that it is named '" +
		entity.ManifestFileName + "'."
	msgManyManifests = "Found more than one file called '" + entity.ManifestFileName +
		"'. Please make sure you upload only one with that name."
	msgHashMismatch      = "Entity file's hash didn't match the signed entity id."
	msgAlreadyDeployed   = "This entity was already deployed. You can't redeploy it"
	msgNotFailed         = "You are trying to fix an entity that is not marked as failed"
	msgNoSigner          = "The auth chain must start with the address of the signer"
	msgLegacyNotAllowed  = "Legacy entities are not allowed"
	msgHigherVersion     = "Found an overlapping entity with a higher version already deployed."
	msgTooOld            = "The request is not recent enough, please submit it again with a new timestamp."
	msgTooNew            = "The request is too far in the future. Please submit it again with a new timestamp."
	msgMissingContentFmt = "This hash is referenced in the entity but was not uploaded or previously available: %s"
)

// AccessChecker returns the reasons signer may not deploy over pointers.
type AccessChecker interface {
	HasAccess(ctx context.Context, t entity.Type, pointers []string, timestamp int64, signer string) []string
}

// Config holds the knobs of the pipeline.
type Config struct {
	// ServerURL is the public address of this node, stamped as origin of
	// local deployments.
	ServerURL string
	// RequestTTLBackwards bounds how far the timestamp of a local deployment
	// may drift from the node clock, in either direction. Zero disables it.
	RequestTTLBackwards time.Duration
	AllowLegacyEntities bool
}

// Deps are the collaborators of the Service.
type Deps struct {
	Log           log.Logger
	Clock         clockwork.Clock
	Repository    repository.Deployments
	Storage       storage.Storage
	Failures      *failures.Manager
	Authenticator *auth.Authenticator
	Access        AccessChecker
	// Denylist may be nil, which disables it.
	Denylist *denylist.Denylist
	// Reporter may be nil.
	Reporter reporters.Reporter
}

// Service validates and commits deployments and answers queries about them.
type Service struct {
	cfg      Config
	log      log.Logger
	clock    clockwork.Clock
	repo     repository.Deployments
	storage  storage.Storage
	failures *failures.Manager
	auth     *auth.Authenticator
	access   AccessChecker
	denylist *denylist.Denylist
	reporter reporters.Reporter

	locks *pointerLocks

	// commitMu orders the appends to the history by local timestamp.
	commitMu    sync.Mutex
	lastLocalTs int64
}

// New returns a Service, resuming the local timestamps after the last one
// committed to the repository.
func New(ctx context.Context, cfg Config, d Deps) (*Service, error) {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Denylist == nil {
		d.Denylist = denylist.Disabled()
	}
	if d.Reporter == nil {
		d.Reporter = reporters.Noop{}
	}
	last, err := d.Repository.LastLocalTimestamp(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading last local timestamp: %w", err)
	}
	return &Service{
		cfg:         cfg,
		log:         d.Log.Named("DeploymentService"),
		clock:       d.Clock,
		repo:        d.Repository,
		storage:     d.Storage,
		failures:    d.Failures,
		auth:        d.Authenticator,
		access:      d.Access,
		denylist:    d.Denylist,
		reporter:    d.Reporter,
		locks:       newPointerLocks(),
		lastLocalTs: last,
	}, nil
}

// DeployEntity validates the uploaded files as the entity entityID and
// commits it. It returns the local timestamp the deployment was committed
// at. Nothing is written unless every validation passes.
func (s *Service) DeployEntity(ctx context.Context, files []entity.ContentFile, entityID string,
	auditInfo entity.AuditInfo, dctx DeploymentContext) (int64, error) {
	ctx, span := metrics.NewSpan(ctx, "service.DeployEntity",
		attribute.String("entity", entityID), attribute.String("context", dctx.String()))
	defer span.End()

	var entityType entity.Type
	ts, err := s.deploy(ctx, files, entityID, auditInfo, dctx, &entityType)
	if err != nil {
		span.RecordError(err)
		metrics.DeploymentRejected(entityType.String(), dctx.String(), errorKind(err))
		s.log.Debugw("deployment rejected", "id", entityID, "context", dctx, "err", err)
		return 0, err
	}
	return ts, nil
}

// pending is a validated deployment waiting to be committed.
type pending struct {
	entity   *entity.Entity
	audit    entity.AuditInfo
	signer   string
	manifest []byte
	uploaded map[string][]byte
	dctx     DeploymentContext
}

func (s *Service) deploy(ctx context.Context, files []entity.ContentFile, entityID string,
	auditInfo entity.AuditInfo, dctx DeploymentContext, entityType *entity.Type) (int64, error) {
	manifest, err := manifestFile(files)
	if err != nil {
		return 0, err
	}
	if hash, err := hashing.Calculate(manifest); err != nil || hash != entityID {
		return 0, newValidationError(msgHashMismatch)
	}
	e, err := entity.ParseManifest(entityID, manifest)
	if err != nil {
		return 0, newValidationError(err.Error())
	}
	*entityType = e.Type

	if dctx == FixAttempt {
		f, err := s.failures.FindFailedDeployment(ctx, e.Type, entityID)
		if err != nil {
			return 0, newDeploymentError("looking up the failure", err)
		}
		if f == nil {
			return 0, newValidationError(msgNotFailed)
		}
	}

	existing, err := s.repo.Deployment(ctx, entityID)
	switch {
	case err == nil:
		return s.alreadyDeployed(ctx, existing, dctx)
	case !errors.Is(err, repository.ErrDeploymentNotFound):
		return 0, newDeploymentError("looking up the deployment", err)
	}

	if dctx == Local {
		if err := s.checkRequestTTL(e); err != nil {
			return 0, err
		}
	}

	uploaded, err := s.reconcileContent(ctx, e, files)
	if err != nil {
		return 0, err
	}

	signer, err := s.checkAuthorship(ctx, e, auditInfo.AuthChain, dctx)
	if err != nil {
		return 0, err
	}

	if dctx != LocalLegacyEntity {
		if violations := s.access.HasAccess(ctx, e.Type, e.Pointers, e.Timestamp, signer); len(violations) > 0 {
			return 0, newValidationError(violations...)
		}
	}

	return s.commit(ctx, &pending{
		entity:   e,
		audit:    s.stampAuditInfo(e, auditInfo, dctx),
		signer:   signer,
		manifest: manifest,
		uploaded: uploaded,
		dctx:     dctx,
	})
}

func manifestFile(files []entity.ContentFile) ([]byte, error) {
	var manifests [][]byte
	for _, f := range files {
		if f.Name == entity.ManifestFileName {
			manifests = append(manifests, f.Content)
		}
	}
	switch len(manifests) {
	case 0:
		return nil, newValidationError(msgNoManifest)
	case 1:
		return manifests[0], nil
	default:
		return nil, newValidationError(msgManyManifests)
	}
}

// alreadyDeployed handles a deployment whose entity id is already committed.
// Peers may send the same deployment many times, users may not.
func (s *Service) alreadyDeployed(ctx context.Context, existing *entity.Deployment, dctx DeploymentContext) (int64, error) {
	if dctx.isLocal() {
		return 0, newValidationError(msgAlreadyDeployed)
	}
	if err := s.failures.ReportSuccessfulDeployment(ctx, existing.Type, existing.ID); err != nil {
		return 0, newDeploymentError("clearing the failure", err)
	}
	return existing.AuditInfo.LocalTimestamp, nil
}

func (s *Service) checkRequestTTL(e *entity.Entity) error {
	ttl := s.cfg.RequestTTLBackwards
	if ttl <= 0 {
		return nil
	}
	now := s.clock.Now()
	ts := time.UnixMilli(e.Timestamp)
	if now.Sub(ts) > ttl {
		return newValidationError(msgTooOld)
	}
	if ts.Sub(now) > ttl {
		return newValidationError(msgTooNew)
	}
	return nil
}

// reconcileContent hashes the uploaded files and checks every hash the
// entity references was either uploaded or is already stored. It returns the
// referenced uploads by hash.
func (s *Service) reconcileContent(ctx context.Context, e *entity.Entity, files []entity.ContentFile) (map[string][]byte, error) {
	byHash := make(map[string][]byte, len(files))
	for _, f := range files {
		if f.Name == entity.ManifestFileName {
			continue
		}
		h, err := hashing.Calculate(f.Content)
		if err != nil {
			return nil, newDeploymentError("hashing content", err)
		}
		byHash[h] = f.Content
	}

	uploaded := make(map[string][]byte)
	var notUploaded []string
	for _, h := range e.ContentHashes() {
		if content, ok := byHash[h]; ok {
			uploaded[h] = content
		} else {
			notUploaded = append(notUploaded, h)
		}
	}
	if len(notUploaded) == 0 {
		return uploaded, nil
	}

	stored, err := s.storage.Exist(ctx, notUploaded)
	if err != nil {
		return nil, newDeploymentError("checking stored content", err)
	}
	var violations []string
	for _, h := range notUploaded {
		if !stored[h] {
			violations = append(violations, fmt.Sprintf(msgMissingContentFmt, h))
		}
	}
	if len(violations) > 0 {
		return nil, newValidationError(violations...)
	}
	return uploaded, nil
}

// checkAuthorship validates the auth chain over the entity id and returns
// the signer address.
func (s *Service) checkAuthorship(ctx context.Context, e *entity.Entity, chain entity.AuthChain,
	dctx DeploymentContext) (string, error) {
	signer := strings.ToLower(auth.OwnerAddress(chain))
	if signer == "" {
		return "", newValidationError(msgNoSigner)
	}
	// ephemeral keys must be valid when the entity was created, not now,
	// since synced entities may be arbitrarily old
	res := s.auth.ValidateSignature(ctx, e.ID, chain, time.UnixMilli(e.Timestamp))
	if !res.OK {
		return "", newValidationError("The signature is invalid. " + res.Message)
	}
	if dctx == LocalLegacyEntity {
		if !s.cfg.AllowLegacyEntities {
			return "", newValidationError(msgLegacyNotAllowed)
		}
		if !s.auth.IsOperator(signer) {
			return "", newValidationError(fmt.Sprintf("Expected an address owned by %s. Instead, we found %s",
				s.auth.Operator(), signer))
		}
	}
	return signer, nil
}

// stampAuditInfo drops whatever the submitter or peer computed locally and
// sets the provenance of the deployment.
func (s *Service) stampAuditInfo(e *entity.Entity, in entity.AuditInfo, dctx DeploymentContext) entity.AuditInfo {
	audit := entity.AuditInfo{
		Version:         in.Version,
		AuthChain:       in.AuthChain,
		OriginServerURL: in.OriginServerURL,
		OriginTimestamp: in.OriginTimestamp,
		IsFix:           dctx == FixAttempt,
		MigrationData:   in.MigrationData,
	}
	if audit.Version == "" {
		audit.Version = e.Version
	}
	if audit.Version == "" {
		audit.Version = entity.CurrentVersion
	}
	if dctx.isLocal() {
		audit.OriginServerURL = s.cfg.ServerURL
		audit.OriginTimestamp = s.clock.Now().UnixMilli()
	}
	return audit
}

// commit runs the conflict check, stores the content and appends the
// deployment, holding every pointer of the entity.
func (s *Service) commit(ctx context.Context, p *pending) (int64, error) {
	ctx, span := metrics.NewSpan(ctx, "service.commit")
	defer span.End()

	e := p.entity
	unlock := s.locks.lock(e.Type, e.Pointers)
	defer unlock()

	pointers := e.LowerPointers()
	states, err := s.repo.PointerStates(ctx, e.Type, pointers)
	if err != nil {
		return 0, newDeploymentError("reading pointers", err)
	}
	related, err := s.relatedDeployments(ctx, states)
	if err != nil {
		return 0, newDeploymentError("reading overlapping deployments", err)
	}

	for _, st := range states {
		if active, ok := related[st.Active]; ok && active.AuditInfo.Version.IsHigherThan(p.audit.Version) {
			return 0, newValidationError(msgHigherVersion)
		}
	}
	c, lostTo := resolve(e, p.audit.Version, pointers, states, related)

	// the commit itself must not be abandoned halfway by a cancelled caller
	ctx = context.WithoutCancel(ctx)

	if err := s.storeContent(ctx, e.ID, p.manifest, p.uploaded); err != nil {
		return 0, err
	}

	d := &entity.Deployment{Entity: *e, AuditInfo: p.audit, DeployedBy: p.signer}
	if !c.Active {
		d.AuditInfo.OverwrittenBy = lostTo
	}
	c.Deployment = d

	s.commitMu.Lock()
	d.AuditInfo.LocalTimestamp = s.nextLocalTimestamp()
	err = s.repo.Commit(ctx, c)
	if err == nil {
		s.lastLocalTs = d.AuditInfo.LocalTimestamp
	}
	s.commitMu.Unlock()

	if errors.Is(err, repository.ErrDeploymentExists) {
		existing, lookupErr := s.repo.Deployment(ctx, e.ID)
		if lookupErr != nil {
			return 0, newDeploymentError("looking up the deployment", lookupErr)
		}
		return s.alreadyDeployed(ctx, existing, p.dctx)
	}
	if err != nil {
		return 0, newDeploymentError("committing", err)
	}

	s.afterCommit(ctx, d, p.dctx)
	return d.AuditInfo.LocalTimestamp, nil
}

func (s *Service) afterCommit(ctx context.Context, d *entity.Deployment, dctx DeploymentContext) {
	metrics.DeploymentCommitted(d.Type.String(), dctx.String())
	s.log.Infow("deployment committed", "id", d.ID, "type", d.Type, "context", dctx,
		"local_ts", d.AuditInfo.LocalTimestamp, "active", d.IsActive())

	if dctx == Synced || dctx == FixAttempt {
		if err := s.failures.ReportSuccessfulDeployment(ctx, d.Type, d.ID); err != nil {
			s.log.Errorw("failed to clear failure", "id", d.ID, "err", err)
		}
	}
	if err := s.reporter.ReportDeployment(ctx, d); err != nil {
		s.log.Warnw("failed to report deployment", "id", d.ID, "err", err)
	}
}

func (s *Service) nextLocalTimestamp() int64 {
	ts := s.clock.Now().UnixMilli()
	if ts <= s.lastLocalTs {
		ts = s.lastLocalTs + 1
	}
	return ts
}

func (s *Service) relatedDeployments(ctx context.Context, states map[string]repository.PointerState) (map[string]*entity.Deployment, error) {
	seen := make(map[string]struct{})
	var ids []string
	for _, st := range states {
		for _, id := range []string{st.Last, st.Active} {
			if _, ok := seen[id]; id == "" || ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	ds, err := s.repo.Deployments(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*entity.Deployment, len(ds))
	for _, d := range ds {
		out[d.ID] = d
	}
	return out, nil
}

// storeContent writes the manifest and the uploaded content that storage
// does not hold yet.
func (s *Service) storeContent(ctx context.Context, entityID string, manifest []byte, uploaded map[string][]byte) error {
	all := make(map[string][]byte, len(uploaded)+1)
	for h, c := range uploaded {
		all[h] = c
	}
	all[entityID] = manifest

	hashes := make([]string, 0, len(all))
	for h := range all {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)

	stored, err := s.storage.Exist(ctx, hashes)
	if err != nil {
		return newDeploymentError("checking stored content", err)
	}
	for _, h := range hashes {
		if stored[h] {
			continue
		}
		if err := s.storage.Store(ctx, h, all[h]); err != nil {
			return newDeploymentError("storing content", err)
		}
		metrics.StoredContentCounter.Inc()
	}
	return nil
}

// resolve decides which pointers the entity becomes the newest deployment
// on. Higher versions always win; within a version the happened-before order
// decides. The entity is active only when it is the newest on all of its
// pointers, and whatever was active on a pointer it wins stops being active.
// lostTo is a deployment that beat it, when it is not active.
func resolve(e *entity.Entity, version entity.Version, pointers []string,
	states map[string]repository.PointerState, related map[string]*entity.Deployment) (*repository.Commit, string) {
	c := &repository.Commit{Active: true}
	var lostTo string
	overwritten := make(map[string]struct{})
	for _, p := range pointers {
		st := states[p]
		if last, ok := related[st.Last]; ok && !supersedes(e, version, last) {
			c.Active = false
			if lostTo == "" {
				lostTo = last.ID
			}
			continue
		}
		c.Last = append(c.Last, p)
		if st.Active != "" && st.Active != e.ID {
			if _, ok := overwritten[st.Active]; !ok {
				overwritten[st.Active] = struct{}{}
				c.Overwritten = append(c.Overwritten, st.Active)
			}
		}
	}
	return c, lostTo
}

func supersedes(e *entity.Entity, version entity.Version, other *entity.Deployment) bool {
	switch {
	case version.IsHigherThan(other.AuditInfo.Version):
		return true
	case other.AuditInfo.Version.IsHigherThan(version):
		return false
	default:
		return entity.HappenedBefore(other, e)
	}
}
