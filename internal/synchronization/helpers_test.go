package synchronization

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/catalyst-network/catalyst/common/entity"
	"github.com/catalyst-network/catalyst/common/hashing"
	"github.com/catalyst-network/catalyst/common/testlogger"
	"github.com/catalyst-network/catalyst/internal/access"
	"github.com/catalyst-network/catalyst/internal/auth"
	"github.com/catalyst-network/catalyst/internal/denylist"
	"github.com/catalyst-network/catalyst/internal/failures"
	"github.com/catalyst-network/catalyst/internal/repository/memdb"
	"github.com/catalyst-network/catalyst/internal/service"
	"github.com/catalyst-network/catalyst/internal/storage"
	"github.com/catalyst-network/catalyst/internal/test"
)

type allowAll struct{}

func (allowAll) IsParcelAuthorized(context.Context, string, int, int, int64) (bool, error) {
	return true, nil
}

// fakePeer serves deployments from memory.
type fakePeer struct {
	address string

	mu          sync.Mutex
	audits      map[string]*entity.AuditInfo
	contents    map[string][]byte
	deployments []*entity.Deployment
	down        bool
}

func newFakePeer(address string) *fakePeer {
	return &fakePeer{address: address, audits: make(map[string]*entity.AuditInfo), contents: make(map[string][]byte)}
}

func (p *fakePeer) Address() string {
	return p.address
}

func (p *fakePeer) AuditInfo(_ context.Context, _ entity.Type, id string) (*entity.AuditInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.audits[id]
	if !ok || p.down {
		return nil, fmt.Errorf("no audit info for %s", id)
	}
	cp := *a
	return &cp, nil
}

func (p *fakePeer) Content(_ context.Context, hash string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.contents[hash]
	if !ok || p.down {
		return nil, fmt.Errorf("no content %s", hash)
	}
	return c, nil
}

func (p *fakePeer) DeploymentsSince(_ context.Context, localTs int64, limit int) ([]*entity.Deployment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return nil, fmt.Errorf("%s is down", p.address)
	}
	var out []*entity.Deployment
	for _, d := range p.deployments {
		if d.AuditInfo.LocalTimestamp > localTs && (limit <= 0 || len(out) < limit) {
			out = append(out, d)
		}
	}
	return out, nil
}

// add publishes a scene deployment signed by signer. It returns the
// entity id and the hashes of its content.
func (p *fakePeer) add(t testing.TB, signer *test.Identity, timestamp int64, pointers []string, contents ...[]byte) (string, []string) {
	t.Helper()
	var mappings []entity.ContentMapping
	var hashes []string
	for i, c := range contents {
		h := hashing.MustCalculate(c)
		mappings = append(mappings, entity.ContentMapping{File: fmt.Sprintf("file%d", i), Hash: h})
		hashes = append(hashes, h)
	}
	raw, err := json.Marshal(entity.Entity{Type: entity.Scene, Pointers: pointers, Timestamp: timestamp, Content: mappings})
	require.NoError(t, err)
	id := hashing.MustCalculate(raw)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.contents[id] = raw
	for i, c := range contents {
		p.contents[hashes[i]] = c
	}
	audit := entity.AuditInfo{
		Version:         entity.V3,
		AuthChain:       signer.SimpleChain(id),
		OriginServerURL: p.address,
		OriginTimestamp: timestamp,
		LocalTimestamp:  int64(len(p.deployments) + 1),
	}
	p.audits[id] = &audit
	p.deployments = append(p.deployments, &entity.Deployment{
		Entity:    entity.Entity{ID: id, Type: entity.Scene, Pointers: pointers, Timestamp: timestamp, Content: mappings},
		AuditInfo: audit,
	})
	return id, hashes
}

func (p *fakePeer) drop(hash string) {
	p.mu.Lock()
	delete(p.contents, hash)
	p.mu.Unlock()
}

func (p *fakePeer) restore(hash string, content []byte) {
	p.mu.Lock()
	p.contents[hash] = content
	p.mu.Unlock()
}

type node struct {
	service  *service.Service
	repo     *memdb.Store
	storage  storage.Storage
	failures *failures.Manager
	deployer *EventDeployer
	denylist *denylist.Denylist
	clock    clockwork.FakeClock
	user     *test.Identity
}

func newNode(t *testing.T, dl *denylist.Denylist) *node {
	t.Helper()
	test.Tracer(t)
	l := testlogger.New(t)
	n := &node{
		repo:     memdb.NewStore(),
		storage:  storage.NewMemoryStorage(),
		clock:    clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		user:     test.NewIdentity(t),
		denylist: dl,
	}
	n.failures = failures.NewManager(l, n.repo, n.clock)
	authenticator := auth.NewAuthenticator(test.NewIdentity(t).Address, nil)
	svc, err := service.New(context.Background(), service.Config{RequestTTLBackwards: 20 * time.Minute}, service.Deps{
		Log:           l,
		Clock:         n.clock,
		Repository:    n.repo,
		Storage:       n.storage,
		Failures:      n.failures,
		Authenticator: authenticator,
		Access:        access.NewAccessChecker().Register(entity.Scene, access.NewSceneChecker(authenticator, allowAll{})),
		Denylist:      dl,
	})
	require.NoError(t, err)
	n.service = svc
	n.deployer = NewEventDeployer(l, svc, n.repo, n.storage, n.failures, dl)
	return n
}

func (n *node) status(t *testing.T, id string) failures.Status {
	t.Helper()
	s, err := n.failures.GetDeploymentStatus(context.Background(), entity.Scene, id)
	require.NoError(t, err)
	return s
}

func (n *node) active(t *testing.T, pointers ...string) []string {
	t.Helper()
	ds, err := n.service.ActiveEntities(context.Background(), entity.Scene, pointers)
	require.NoError(t, err)
	var ids []string
	for _, d := range ds {
		ids = append(ids, d.ID)
	}
	return ids
}
