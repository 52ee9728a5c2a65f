package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalyst-network/catalyst/common/entity"
	"github.com/catalyst-network/catalyst/common/hashing"
	"github.com/catalyst-network/catalyst/common/testlogger"
	"github.com/catalyst-network/catalyst/internal/access"
	"github.com/catalyst-network/catalyst/internal/auth"
	"github.com/catalyst-network/catalyst/internal/denylist"
	"github.com/catalyst-network/catalyst/internal/failures"
	"github.com/catalyst-network/catalyst/internal/repository/memdb"
	"github.com/catalyst-network/catalyst/internal/storage"
	"github.com/catalyst-network/catalyst/internal/test"
)

type allowAll struct{}

func (allowAll) IsParcelAuthorized(context.Context, string, int, int, int64) (bool, error) {
	return true, nil
}

func (allowAll) CanDeployItem(context.Context, string, string, string, int64) (bool, error) {
	return true, nil
}

type denyAll struct{}

func (denyAll) IsParcelAuthorized(context.Context, string, int, int, int64) (bool, error) {
	return false, nil
}

// countingStorage counts the writes of every hash.
type countingStorage struct {
	storage.Storage
	mu     sync.Mutex
	writes map[string]int
}

func (c *countingStorage) Store(ctx context.Context, hash string, content []byte) error {
	c.mu.Lock()
	c.writes[hash]++
	c.mu.Unlock()
	return c.Storage.Store(ctx, hash, content)
}

type recordingReporter struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingReporter) ReportDeployment(_ context.Context, d *entity.Deployment) error {
	r.mu.Lock()
	r.ids = append(r.ids, d.ID)
	r.mu.Unlock()
	return nil
}

type env struct {
	svc      *Service
	clock    clockwork.FakeClock
	repo     *memdb.Store
	storage  *countingStorage
	failures *failures.Manager
	reporter *recordingReporter
	operator *test.Identity
	user     *test.Identity
}

type envOption func(*Config, *Deps)

func newEnv(t *testing.T, opts ...envOption) *env {
	t.Helper()
	l := testlogger.New(t)
	e := &env{
		clock:    clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		repo:     memdb.NewStore(),
		storage:  &countingStorage{Storage: storage.NewMemoryStorage(), writes: make(map[string]int)},
		reporter: &recordingReporter{},
		operator: test.NewIdentity(t),
		user:     test.NewIdentity(t),
	}
	e.failures = failures.NewManager(l, e.repo, e.clock)
	authenticator := auth.NewAuthenticator(e.operator.Address, nil)
	checker := access.NewAccessChecker().
		Register(entity.Profile, access.NewProfileChecker(authenticator)).
		Register(entity.Scene, access.NewSceneChecker(authenticator, allowAll{})).
		Register(entity.Wearable, access.NewWearableChecker(allowAll{}))

	cfg := Config{ServerURL: "http://localhost:6969", RequestTTLBackwards: 20 * time.Minute}
	deps := Deps{
		Log:           l,
		Clock:         e.clock,
		Repository:    e.repo,
		Storage:       e.storage,
		Failures:      e.failures,
		Authenticator: authenticator,
		Access:        checker,
		Reporter:      e.reporter,
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	svc, err := New(context.Background(), cfg, deps)
	require.NoError(t, err)
	e.svc = svc
	return e
}

// built is an entity ready to be deployed.
type built struct {
	id    string
	files []entity.ContentFile
}

func buildEntity(t testing.TB, typ entity.Type, timestamp int64, pointers []string, contents ...[]byte) built {
	t.Helper()
	manifest := map[string]interface{}{
		"type":      typ,
		"pointers":  pointers,
		"timestamp": timestamp,
		"metadata":  map[string]string{"name": "test"},
	}
	var mappings []entity.ContentMapping
	var files []entity.ContentFile
	for i, c := range contents {
		name := fmt.Sprintf("file%d.bin", i)
		mappings = append(mappings, entity.ContentMapping{File: name, Hash: hashing.MustCalculate(c)})
		files = append(files, entity.ContentFile{Name: name, Content: c})
	}
	if len(mappings) > 0 {
		manifest["content"] = mappings
	}
	raw, err := json.Marshal(manifest)
	require.NoError(t, err)
	files = append(files, entity.ContentFile{Name: entity.ManifestFileName, Content: raw})
	return built{id: hashing.MustCalculate(raw), files: files}
}

func (e *env) now() int64 {
	return e.clock.Now().UnixMilli()
}

func (e *env) deploy(b built, signer *test.Identity, dctx DeploymentContext) (int64, error) {
	audit := entity.AuditInfo{Version: entity.V3, AuthChain: signer.SimpleChain(b.id)}
	return e.svc.DeployEntity(context.Background(), b.files, b.id, audit, dctx)
}

func validationMessages(t *testing.T, err error) []string {
	t.Helper()
	var v *ValidationError
	require.ErrorAs(t, err, &v)
	return v.Errors
}

func TestDeploySucceeds(t *testing.T) {
	e := newEnv(t)
	content := []byte("some content")
	b := buildEntity(t, entity.Profile, e.now(), []string{e.user.Address}, content)

	ts, err := e.deploy(b, e.user, Local)
	require.NoError(t, err)
	require.Equal(t, e.now(), ts)

	status, err := e.svc.Status(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, status.HistorySize)
	require.Equal(t, ts, status.LastLocalTimestamp)

	stored, err := e.svc.Content(context.Background(), hashing.MustCalculate(content))
	require.NoError(t, err)
	require.Equal(t, content, stored)
	_, err = e.svc.Content(context.Background(), b.id)
	require.NoError(t, err)

	got, err := e.svc.ActiveEntities(context.Background(), entity.Profile, []string{e.user.Address})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, b.id, got[0].ID)
	require.Equal(t, e.user.Address, got[0].DeployedBy)
	require.Equal(t, "http://localhost:6969", got[0].AuditInfo.OriginServerURL)
	require.Equal(t, []string{b.id}, e.reporter.ids)
}

func TestManifestFileIsRequiredOnce(t *testing.T) {
	e := newEnv(t)
	b := buildEntity(t, entity.Profile, e.now(), []string{e.user.Address})

	_, err := e.svc.DeployEntity(context.Background(), nil, b.id, entity.AuditInfo{}, Local)
	require.Equal(t, []string{msgNoManifest}, validationMessages(t, err))

	twice := append(b.files, b.files[len(b.files)-1])
	_, err = e.svc.DeployEntity(context.Background(), twice, b.id, entity.AuditInfo{}, Local)
	require.Equal(t,
		[]string{"Found more than one file called 'entity.json'. Please make sure you upload only one with that name."},
		validationMessages(t, err))
}

func TestEntityIDMustMatchManifest(t *testing.T) {
	e := newEnv(t)
	b := buildEntity(t, entity.Profile, e.now(), []string{e.user.Address})
	b.id = hashing.MustCalculate([]byte("something else"))

	_, err := e.deploy(b, e.user, Local)
	require.Equal(t, []string{msgHashMismatch}, validationMessages(t, err))
}

func TestContentIsNeverWrittenTwice(t *testing.T) {
	e := newEnv(t)
	shared := []byte("shared texture")
	sharedHash := hashing.MustCalculate(shared)

	first := buildEntity(t, entity.Scene, e.now(), []string{"0,0"}, shared)
	_, err := e.deploy(first, e.user, Local)
	require.NoError(t, err)

	second := buildEntity(t, entity.Scene, e.now()+1, []string{"1,1"}, shared)
	_, err = e.deploy(second, e.user, Local)
	require.NoError(t, err)

	// already stored content needs not be uploaded again
	third := buildEntity(t, entity.Scene, e.now()+2, []string{"2,2"}, shared)
	third.files = third.files[1:]
	_, err = e.deploy(third, e.user, Local)
	require.NoError(t, err)

	require.Equal(t, 1, e.storage.writes[sharedHash])
}

func TestReferencedContentMustBeAvailable(t *testing.T) {
	e := newEnv(t)
	missing := []byte("never uploaded")
	b := buildEntity(t, entity.Scene, e.now(), []string{"0,0"}, missing)
	b.files = b.files[1:]

	_, err := e.deploy(b, e.user, Local)
	require.Equal(t, []string{fmt.Sprintf(msgMissingContentFmt, hashing.MustCalculate(missing))},
		validationMessages(t, err))
	require.Empty(t, e.storage.writes)
}

func TestUnreferencedFilesAreIgnored(t *testing.T) {
	e := newEnv(t)
	b := buildEntity(t, entity.Profile, e.now(), []string{e.user.Address})
	b.files = append(b.files, entity.ContentFile{Name: "extra.txt", Content: []byte("extra")})

	_, err := e.deploy(b, e.user, Local)
	require.NoError(t, err)
	require.Zero(t, e.storage.writes[hashing.MustCalculate([]byte("extra"))])
}

func TestDefaultProfilesAreOperatorOnly(t *testing.T) {
	e := newEnv(t)
	b := buildEntity(t, entity.Profile, e.now(), []string{"default10"})

	_, err := e.deploy(b, e.user, Local)
	require.Equal(t, []string{"Only the operator can add or modify default profiles"}, validationMessages(t, err))

	_, err = e.deploy(b, e.operator, Local)
	require.NoError(t, err)
}

func TestMalformedWearablePointerIsEchoed(t *testing.T) {
	e := newEnv(t)
	b := buildEntity(t, entity.Wearable, e.now(), []string{"invalid_pointer"})

	_, err := e.deploy(b, e.user, Local)
	msgs := validationMessages(t, err)
	require.Len(t, msgs, 1)
	require.Contains(t, msgs[0], "Invalid pointer: (invalid_pointer)")
}

func TestAccessViolationsAreJoined(t *testing.T) {
	e := newEnv(t, func(_ *Config, d *Deps) {
		d.Access = access.NewAccessChecker().Register(entity.Scene, access.NewSceneChecker(d.Authenticator, denyAll{}))
	})
	b := buildEntity(t, entity.Scene, e.now(), []string{"0,0", "0,1"})

	_, err := e.deploy(b, e.user, Local)
	require.Len(t, validationMessages(t, err), 2)
	require.Contains(t, err.Error(), "(0,0)\n")
}

func TestInvalidSignatureIsRejected(t *testing.T) {
	e := newEnv(t)
	b := buildEntity(t, entity.Profile, e.now(), []string{e.user.Address})
	chain := e.user.SimpleChain(b.id)
	chain[1].Signature = e.operator.SimpleChain(b.id)[1].Signature

	_, err := e.svc.DeployEntity(context.Background(), b.files, b.id, entity.AuditInfo{AuthChain: chain}, Local)
	require.True(t, IsValidationError(err))
	require.Contains(t, err.Error(), "The signature is invalid.")
}

func TestLegacyEntities(t *testing.T) {
	b := func(e *env) built {
		return buildEntity(t, entity.Scene, e.now()-int64(time.Hour/time.Millisecond), []string{"0,0"})
	}

	e := newEnv(t)
	_, err := e.deploy(b(e), e.operator, LocalLegacyEntity)
	require.Equal(t, []string{msgLegacyNotAllowed}, validationMessages(t, err))

	e = newEnv(t, func(c *Config, _ *Deps) { c.AllowLegacyEntities = true })
	_, err = e.deploy(b(e), e.user, LocalLegacyEntity)
	require.Equal(t,
		[]string{fmt.Sprintf("Expected an address owned by %s. Instead, we found %s", e.operator.Address, e.user.Address)},
		validationMessages(t, err))

	_, err = e.deploy(b(e), e.operator, LocalLegacyEntity)
	require.NoError(t, err)
}

func TestRequestTTL(t *testing.T) {
	e := newEnv(t)
	tooOld := buildEntity(t, entity.Profile, e.clock.Now().Add(-21*time.Minute).UnixMilli(), []string{e.user.Address})
	_, err := e.deploy(tooOld, e.user, Local)
	require.Equal(t, []string{msgTooOld}, validationMessages(t, err))

	tooNew := buildEntity(t, entity.Profile, e.clock.Now().Add(21*time.Minute).UnixMilli(), []string{e.user.Address})
	_, err = e.deploy(tooNew, e.user, Local)
	require.Equal(t, []string{msgTooNew}, validationMessages(t, err))

	// synced deployments are old by nature
	_, err = e.deploy(tooOld, e.user, Synced)
	require.NoError(t, err)
}

func TestRedeployingSameEntity(t *testing.T) {
	e := newEnv(t)
	b := buildEntity(t, entity.Profile, e.now(), []string{e.user.Address})
	ts, err := e.deploy(b, e.user, Local)
	require.NoError(t, err)

	_, err = e.deploy(b, e.user, Local)
	require.Equal(t, []string{msgAlreadyDeployed}, validationMessages(t, err))

	again, err := e.deploy(b, e.user, Synced)
	require.NoError(t, err)
	require.Equal(t, ts, again)

	status, err := e.svc.Status(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, status.HistorySize)
}

func TestFixAttempts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	b := buildEntity(t, entity.Scene, e.now(), []string{"0,0"})

	_, err := e.deploy(b, e.user, FixAttempt)
	require.Equal(t, []string{msgNotFailed}, validationMessages(t, err))

	require.NoError(t, e.failures.ReportFailure(ctx, entity.Scene, b.id, e.now(), "http://peer", entity.FetchProblem, ""))
	_, err = e.deploy(b, e.user, FixAttempt)
	require.NoError(t, err)

	status, err := e.failures.GetDeploymentStatus(ctx, entity.Scene, b.id)
	require.NoError(t, err)
	require.False(t, status.IsFailed())

	audit, err := e.svc.AuditInfo(ctx, entity.Scene, b.id)
	require.NoError(t, err)
	require.True(t, audit.IsFix)
	require.Empty(t, audit.OverwrittenBy)
}

func TestSyncedDeploymentClearsFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	b := buildEntity(t, entity.Scene, e.now(), []string{"0,0"})
	require.NoError(t, e.failures.ReportFailure(ctx, entity.Scene, b.id, e.now(), "http://peer", entity.DeploymentError, "boom"))

	_, err := e.deploy(b, e.user, Synced)
	require.NoError(t, err)
	fs, err := e.failures.GetAllFailedDeployments(ctx)
	require.NoError(t, err)
	require.Empty(t, fs)
}

func TestNewerDeploymentOverwrites(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	now := e.now()

	a := buildEntity(t, entity.Scene, now-3000, []string{"0,0", "0,1"})
	c := buildEntity(t, entity.Scene, now-1000, []string{"0,1"})
	b := buildEntity(t, entity.Scene, now-2000, []string{"0,0", "0,1"})

	for _, x := range []built{a, c, b} {
		_, err := e.deploy(x, e.user, Local)
		require.NoError(t, err)
	}

	audit, err := e.svc.AuditInfo(ctx, entity.Scene, a.id)
	require.NoError(t, err)
	require.Equal(t, c.id, audit.OverwrittenBy)

	// b arrived late and lost 0,1 to c
	audit, err = e.svc.AuditInfo(ctx, entity.Scene, b.id)
	require.NoError(t, err)
	require.Equal(t, c.id, audit.OverwrittenBy)

	active, err := e.svc.ActivePointers(ctx, entity.Scene)
	require.NoError(t, err)
	require.Equal(t, []string{"0,1"}, active)

	got, err := e.svc.ActiveEntities(ctx, entity.Scene, []string{"0,0", "0,1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, c.id, got[0].ID)
}

func TestHigherVersionTakesPrecedenceOverTime(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pointer := []string{"0,0"}

	newerV2 := buildEntity(t, entity.Scene, e.now()-1000, pointer)
	audit := entity.AuditInfo{Version: entity.V2, AuthChain: e.user.SimpleChain(newerV2.id)}
	_, err := e.svc.DeployEntity(ctx, newerV2.files, newerV2.id, audit, Local)
	require.NoError(t, err)

	olderV3 := buildEntity(t, entity.Scene, e.now()-2000, pointer)
	_, err = e.deploy(olderV3, e.user, Local)
	require.NoError(t, err)

	got, err := e.svc.ActiveEntities(ctx, entity.Scene, pointer)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, olderV3.id, got[0].ID)

	newestV2 := buildEntity(t, entity.Scene, e.now(), pointer)
	audit = entity.AuditInfo{Version: entity.V2, AuthChain: e.user.SimpleChain(newestV2.id)}
	_, err = e.svc.DeployEntity(ctx, newestV2.files, newestV2.id, audit, Local)
	require.Equal(t, []string{msgHigherVersion}, validationMessages(t, err))
}

func TestLocalTimestampsIncrease(t *testing.T) {
	e := newEnv(t)
	var last int64
	for i := 0; i < 5; i++ {
		b := buildEntity(t, entity.Scene, e.now()-int64(i), []string{fmt.Sprintf("%d,0", i)})
		ts, err := e.deploy(b, e.user, Local)
		require.NoError(t, err)
		require.Greater(t, ts, last)
		last = ts
	}

	// a restarted service resumes after the last committed timestamp
	svc, err := New(context.Background(), Config{}, Deps{
		Log: testlogger.New(t), Clock: e.clock, Repository: e.repo, Storage: e.storage,
		Failures: e.failures, Authenticator: e.svc.auth, Access: e.svc.access,
	})
	require.NoError(t, err)
	require.Equal(t, last, svc.lastLocalTs)
	require.Equal(t, last+1, svc.nextLocalTimestamp())
}

func TestConcurrentDeploymentsOnSamePointer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	var entities []built
	for i := 0; i < 10; i++ {
		entities = append(entities, buildEntity(t, entity.Scene, e.now()-int64(i*100), []string{"5,5", "5,6"}))
	}

	var wg sync.WaitGroup
	for _, b := range entities {
		wg.Add(1)
		go func(b built) {
			defer wg.Done()
			_, err := e.deploy(b, e.user, Synced)
			assert.NoError(t, err)
		}(b)
	}
	wg.Wait()

	got, err := e.svc.ActiveEntities(ctx, entity.Scene, []string{"5,5", "5,6"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, entities[0].id, got[0].ID)
}

func TestDenylistedTargetsAreNotServed(t *testing.T) {
	l := testlogger.New(t)
	dl, err := denylist.Open(l, t.TempDir())
	require.NoError(t, err)
	defer dl.Close()

	e := newEnv(t, func(_ *Config, d *Deps) { d.Denylist = dl })
	ctx := context.Background()
	content := []byte("forbidden")
	hash := hashing.MustCalculate(content)
	b := buildEntity(t, entity.Scene, e.now(), []string{"0,0"}, content)
	_, err = e.deploy(b, e.user, Local)
	require.NoError(t, err)

	require.NoError(t, dl.Add(ctx, denylist.Entry{Target: denylist.ContentTarget, ID: hash}))
	_, err = e.svc.Content(ctx, hash)
	require.ErrorIs(t, err, ErrDenylisted)
	available, err := e.svc.ContentAvailability(ctx, []string{hash, b.id})
	require.NoError(t, err)
	require.Equal(t, map[string]bool{hash: false, b.id: true}, available)

	require.NoError(t, dl.Add(ctx, denylist.Entry{Target: denylist.EntityTarget, ID: b.id}))
	got, err := e.svc.EntitiesByID(ctx, []string{b.id})
	require.NoError(t, err)
	require.Empty(t, got)
	audit, err := e.svc.AuditInfo(ctx, entity.Scene, b.id)
	require.NoError(t, err)
	require.True(t, audit.IsDenylisted)
	require.Equal(t, []string{hash}, audit.DenylistedContent)
}
