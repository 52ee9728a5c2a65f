package http_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	clock "github.com/jonboulle/clockwork"
	json "github.com/nikkolasg/hexjson"
	"github.com/stretchr/testify/require"

	"github.com/catalyst-network/catalyst/common/entity"
	"github.com/catalyst-network/catalyst/common/hashing"
	"github.com/catalyst-network/catalyst/common/testlogger"
	"github.com/catalyst-network/catalyst/internal/access"
	"github.com/catalyst-network/catalyst/internal/auth"
	"github.com/catalyst-network/catalyst/internal/challenge"
	"github.com/catalyst-network/catalyst/internal/cluster"
	"github.com/catalyst-network/catalyst/internal/denylist"
	"github.com/catalyst-network/catalyst/internal/failures"
	dhttp "github.com/catalyst-network/catalyst/internal/http"
	cnet "github.com/catalyst-network/catalyst/internal/net"
	"github.com/catalyst-network/catalyst/internal/repository/memdb"
	"github.com/catalyst-network/catalyst/internal/service"
	"github.com/catalyst-network/catalyst/internal/storage"
	"github.com/catalyst-network/catalyst/internal/test"
	"github.com/catalyst-network/catalyst/internal/wearables"
)

type server struct {
	url       string
	clk       clock.FakeClock
	challenge *challenge.Supervisor
	operator  *test.Identity
	user      *test.Identity
}

func withServer(t *testing.T) *server {
	t.Helper()
	lg := testlogger.New(t)
	s := &server{
		clk:       clock.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		challenge: challenge.NewSupervisor(),
		operator:  test.NewIdentity(t),
		user:      test.NewIdentity(t),
	}
	repo := memdb.NewStore()
	dl, err := denylist.Open(lg, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = dl.Close() })

	authenticator := auth.NewAuthenticator(s.operator.Address, nil)
	svc, err := service.New(context.Background(), service.Config{
		ServerURL:           "http://localhost:6969/content",
		RequestTTLBackwards: 20 * time.Minute,
		AllowLegacyEntities: true,
	}, service.Deps{
		Log:           lg,
		Clock:         s.clk,
		Repository:    repo,
		Storage:       storage.NewMemoryStorage(),
		Failures:      failures.NewManager(lg, repo, s.clk),
		Authenticator: authenticator,
		Access:        access.NewAccessChecker().Register(entity.Profile, access.NewProfileChecker(authenticator)),
		Denylist:      dl,
	})
	require.NoError(t, err)

	handler, err := dhttp.New(context.Background(), dhttp.Deps{
		Log:           lg,
		Name:          "test-node",
		Clock:         s.clk,
		Service:       svc,
		Challenge:     s.challenge,
		Authenticator: authenticator,
		RequestTTL:    20 * time.Minute,
		Wearables: wearables.NewManager(lg, svc, map[string][]string{
			wearables.BaseAvatars: {"urn:catalyst:off-chain:base-avatars:sneakers"},
		}, "http://localhost:6969/content"),
	})
	require.NoError(t, err)

	srv := httptest.NewServer(handler.GetHTTPHandler())
	t.Cleanup(srv.Close)
	s.url = srv.URL
	return s
}

func getWithCtx(ctx context.Context, url string, t *testing.T) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, code int, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, code, resp.StatusCode, string(body))
	if out != nil {
		require.NoError(t, json.Unmarshal(body, out))
	}
}

type upload struct {
	id       string
	manifest []byte
	files    map[string][]byte
}

func newUpload(t *testing.T, typ entity.Type, timestamp int64, pointers []string, metadata interface{}, contents map[string][]byte) upload {
	t.Helper()
	e := map[string]interface{}{"type": typ, "pointers": pointers, "timestamp": timestamp, "metadata": metadata}
	var mappings []entity.ContentMapping
	for name, c := range contents {
		mappings = append(mappings, entity.ContentMapping{File: name, Hash: hashing.MustCalculate(c)})
	}
	if len(mappings) > 0 {
		e["content"] = mappings
	}
	raw, err := json.Marshal(e)
	require.NoError(t, err)
	return upload{id: hashing.MustCalculate(raw), manifest: raw, files: contents}
}

func (s *server) post(t *testing.T, path string, u upload, chain entity.AuthChain, extra map[string]string) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("entityId", u.id))
	rawChain, err := json.Marshal(chain)
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("authChain", string(rawChain)))
	for k, v := range extra {
		require.NoError(t, mw.WriteField(k, v))
	}
	write := func(name string, content []byte) {
		fw, err := mw.CreateFormFile(name, name)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	write(entity.ManifestFileName, u.manifest)
	for name, c := range u.files {
		write(name, c)
	}
	require.NoError(t, mw.Close())

	resp, err := http.Post(s.url+path, mw.FormDataContentType(), &body)
	require.NoError(t, err)
	return resp
}

func TestStatusAndChallenge(t *testing.T) {
	ctx := context.Background()
	s := withServer(t)

	for _, prefix := range []string{"", cluster.ContentSuffix} {
		var status cnet.ServerStatus
		decode(t, getWithCtx(ctx, s.url+prefix+cnet.StatusPath, t), http.StatusOK, &status)
		require.Equal(t, "test-node", status.Name)
		require.Equal(t, s.clk.Now().UnixMilli(), status.CurrentTime)
		require.Equal(t, "Stopped", status.SynchronizationStatus)
		require.Equal(t, s.challenge.Challenge(), status.Challenge)
	}

	c := cnet.NewPeerClient(testlogger.New(t), s.url+cluster.ContentSuffix, time.Second, nil)
	text, err := c.Challenge(ctx)
	require.NoError(t, err)
	require.True(t, s.challenge.IsChallengeOK(text))
}

func TestDeployAndQuery(t *testing.T) {
	ctx := context.Background()
	s := withServer(t)
	content := []byte("a profile picture")
	hash := hashing.MustCalculate(content)
	u := newUpload(t, entity.Profile, s.clk.Now().UnixMilli(), []string{s.user.Address},
		map[string]string{"name": "someone"}, map[string][]byte{"face.png": content})

	var deployed cnet.DeployResponse
	decode(t, s.post(t, cnet.EntitiesPath, u, s.user.SimpleChain(u.id), nil), http.StatusOK, &deployed)
	require.Equal(t, s.clk.Now().UnixMilli(), deployed.CreationTimestamp)

	var found []entity.Entity
	url := fmt.Sprintf("%s%s/profile?%s=%s", s.url, cnet.EntitiesPath, cnet.PointerParam, s.user.Address)
	decode(t, getWithCtx(ctx, url, t), http.StatusOK, &found)
	require.Len(t, found, 1)
	require.Equal(t, u.id, found[0].ID)

	decode(t, getWithCtx(ctx, s.url+cnet.EntitiesPath+"/profile", t), http.StatusBadRequest, nil)
	decode(t, getWithCtx(ctx, s.url+cnet.EntitiesPath+"/car?id="+u.id, t), http.StatusBadRequest, nil)

	var pointers []string
	decode(t, getWithCtx(ctx, s.url+cnet.PointersPath+"/profile", t), http.StatusOK, &pointers)
	require.Equal(t, []string{strings.ToLower(s.user.Address)}, pointers)

	// peers go through the client
	peer := cnet.NewPeerClient(testlogger.New(t), s.url+cluster.ContentSuffix, time.Second, nil)
	ds, err := peer.DeploymentsSince(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	require.Equal(t, u.id, ds[0].ID)
	require.Equal(t, deployed.CreationTimestamp, ds[0].AuditInfo.LocalTimestamp)

	ds, err = peer.DeploymentsSince(ctx, deployed.CreationTimestamp, 10)
	require.NoError(t, err)
	require.Empty(t, ds)

	audit, err := peer.AuditInfo(ctx, entity.Profile, u.id)
	require.NoError(t, err)
	require.Equal(t, "http://localhost:6969/content", audit.OriginServerURL)
	_, err = peer.AuditInfo(ctx, entity.Scene, u.id)
	require.ErrorIs(t, err, cnet.ErrNotFound)

	got, err := peer.Content(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, content, got)
	manifest, err := peer.Content(ctx, u.id)
	require.NoError(t, err)
	require.Equal(t, u.manifest, manifest)

	available, err := peer.Availability(ctx, []string{hash, "QmUnknown"})
	require.NoError(t, err)
	require.Equal(t, map[string]bool{hash: true, "QmUnknown": false}, available)
}

func TestInvalidDeploymentListsEveryError(t *testing.T) {
	s := withServer(t)
	u := newUpload(t, entity.Profile, s.clk.Now().UnixMilli(), []string{s.user.Address}, nil,
		map[string][]byte{"a.png": []byte("not uploaded"), "b.png": []byte("neither")})
	u.files = nil

	var res cnet.ErrorResponse
	decode(t, s.post(t, cnet.EntitiesPath, u, s.user.SimpleChain(u.id), nil), http.StatusBadRequest, &res)
	require.Len(t, res.Errors, 2)
	for _, msg := range res.Errors {
		require.Contains(t, msg, "was not uploaded or previously available")
	}

	var failed []*entity.FailedDeployment
	decode(t, getWithCtx(context.Background(), s.url+cnet.FailedPath, t), http.StatusOK, &failed)
	require.Empty(t, failed)
}

func TestFixFlagNeedsAFailedDeployment(t *testing.T) {
	s := withServer(t)
	u := newUpload(t, entity.Profile, s.clk.Now().UnixMilli(), []string{s.user.Address}, nil, nil)

	var res cnet.ErrorResponse
	decode(t, s.post(t, cnet.EntitiesPath, u, s.user.SimpleChain(u.id), map[string]string{"fix": "true"}),
		http.StatusBadRequest, &res)
	require.Len(t, res.Errors, 1)
	require.Contains(t, res.Errors[0], "not marked as failed")
}

func TestLegacyEntitiesNeedTheOperator(t *testing.T) {
	s := withServer(t)
	u := newUpload(t, entity.Profile, s.clk.Now().Add(-48*time.Hour).UnixMilli(), []string{s.user.Address}, nil, nil)

	decode(t, s.post(t, cnet.LegacyPath, u, s.user.SimpleChain(u.id), nil), http.StatusBadRequest, nil)
	decode(t, s.post(t, cnet.LegacyPath, u, s.operator.SimpleChain(u.id), nil), http.StatusOK, nil)
}

func TestLegacyEntitiesKeepTheirVersion(t *testing.T) {
	ctx := context.Background()
	s := withServer(t)
	pointer := []string{s.operator.Address}
	legacy := map[string]string{"version": "v2", "migration_data": `{"data":"data"}`}

	old := newUpload(t, entity.Profile, s.clk.Now().Add(-10*time.Minute).UnixMilli(), pointer, map[string]string{"v": "old"}, nil)
	decode(t, s.post(t, cnet.LegacyPath, old, s.operator.SimpleChain(old.id), legacy), http.StatusOK, nil)

	peer := cnet.NewPeerClient(testlogger.New(t), s.url+cluster.ContentSuffix, time.Second, nil)
	audit, err := peer.AuditInfo(ctx, entity.Profile, old.id)
	require.NoError(t, err)
	require.Equal(t, entity.V2, audit.Version)
	require.JSONEq(t, `{"data":"data"}`, string(audit.MigrationData))

	current := newUpload(t, entity.Profile, s.clk.Now().Add(-5*time.Minute).UnixMilli(), pointer, map[string]string{"v": "current"}, nil)
	decode(t, s.post(t, cnet.EntitiesPath, current, s.operator.SimpleChain(current.id), nil), http.StatusOK, nil)
	audit, err = peer.AuditInfo(ctx, entity.Profile, current.id)
	require.NoError(t, err)
	require.Equal(t, entity.CurrentVersion, audit.Version)

	// a newer v2 entity cannot take the pointer back from a v3 one
	newer := newUpload(t, entity.Profile, s.clk.Now().Add(-time.Minute).UnixMilli(), pointer, map[string]string{"v": "newer"}, nil)
	var res cnet.ErrorResponse
	decode(t, s.post(t, cnet.LegacyPath, newer, s.operator.SimpleChain(newer.id), legacy), http.StatusBadRequest, &res)
	require.Equal(t, []string{"Found an overlapping entity with a higher version already deployed."}, res.Errors)

	bad := newUpload(t, entity.Profile, s.clk.Now().Add(-time.Minute).UnixMilli(), pointer, map[string]string{"v": "bad"}, nil)
	decode(t, s.post(t, cnet.LegacyPath, bad, s.operator.SimpleChain(bad.id), map[string]string{"version": "two"}),
		http.StatusBadRequest, nil)
	decode(t, s.post(t, cnet.LegacyPath, bad, s.operator.SimpleChain(bad.id), map[string]string{"migration_data": "{"}),
		http.StatusBadRequest, nil)
}

func TestValidateSignature(t *testing.T) {
	s := withServer(t)
	validate := func(req cnet.SignatureValidationRequest) cnet.SignatureValidationResponse {
		raw, err := json.Marshal(req)
		require.NoError(t, err)
		resp, err := http.Post(s.url+cnet.ValidateSigPath, "application/json", bytes.NewReader(raw))
		require.NoError(t, err)
		var out cnet.SignatureValidationResponse
		decode(t, resp, http.StatusOK, &out)
		return out
	}

	res := validate(cnet.SignatureValidationRequest{SignedMessage: "hello", AuthChain: s.user.SimpleChain("hello")})
	require.True(t, res.Valid)
	require.Equal(t, s.user.Address, res.OwnerAddress)

	res = validate(cnet.SignatureValidationRequest{Timestamp: "1700", AuthChain: s.user.SimpleChain("hello")})
	require.False(t, res.Valid)
	require.Empty(t, res.OwnerAddress)
	require.NotEmpty(t, res.Error)

	resp, err := http.Post(s.url+cnet.ValidateSigPath, "application/json", strings.NewReader(`{"authChain":[]}`))
	require.NoError(t, err)
	decode(t, resp, http.StatusBadRequest, nil)
}

func TestDenylist(t *testing.T) {
	ctx := context.Background()
	s := withServer(t)
	content := []byte("offensive")
	hash := hashing.MustCalculate(content)
	u := newUpload(t, entity.Profile, s.clk.Now().UnixMilli(), []string{s.user.Address}, nil,
		map[string][]byte{"img.png": content})
	decode(t, s.post(t, cnet.EntitiesPath, u, s.user.SimpleChain(u.id), nil), http.StatusOK, nil)

	edit := func(method string, signer *test.Identity, code int) {
		ts := s.clk.Now().UnixMilli()
		msg := cnet.DenylistMessage(string(denylist.ContentTarget), hash, ts)
		raw, err := json.Marshal(cnet.DenylistRequest{Reason: "abuse", Timestamp: ts, AuthChain: signer.SimpleChain(msg)})
		require.NoError(t, err)
		req, err := http.NewRequestWithContext(ctx, method, s.url+cnet.DenylistPath+"/content/"+hash, bytes.NewReader(raw))
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		decode(t, resp, code, nil)
	}

	edit(http.MethodPut, s.user, http.StatusForbidden)
	decode(t, getWithCtx(ctx, s.url+cnet.ContentsPath+"/"+hash, t), http.StatusOK, nil)

	edit(http.MethodPut, s.operator, http.StatusNoContent)
	decode(t, getWithCtx(ctx, s.url+cnet.ContentsPath+"/"+hash, t), http.StatusNotFound, nil)
	var entries []denylist.Entry
	decode(t, getWithCtx(ctx, s.url+cnet.DenylistPath, t), http.StatusOK, &entries)
	require.Len(t, entries, 1)
	require.Equal(t, "abuse", entries[0].Reason)

	edit(http.MethodDelete, s.operator, http.StatusNoContent)
	decode(t, getWithCtx(ctx, s.url+cnet.ContentsPath+"/"+hash, t), http.StatusOK, nil)
}

func TestDenylistEditsMustBeRecent(t *testing.T) {
	ctx := context.Background()
	s := withServer(t)
	hash := hashing.MustCalculate([]byte("offensive"))

	edit := func(method string, ts int64) *http.Response {
		msg := cnet.DenylistMessage(string(denylist.ContentTarget), hash, ts)
		raw, err := json.Marshal(cnet.DenylistRequest{Reason: "abuse", Timestamp: ts, AuthChain: s.operator.SimpleChain(msg)})
		require.NoError(t, err)
		req, err := http.NewRequestWithContext(ctx, method, s.url+cnet.DenylistPath+"/content/"+hash, bytes.NewReader(raw))
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	// a correctly signed edit captured earlier cannot be replayed
	stale := s.clk.Now().Add(-21 * time.Minute).UnixMilli()
	decode(t, edit(http.MethodPut, stale), http.StatusBadRequest, nil)
	decode(t, edit(http.MethodPut, s.clk.Now().Add(21*time.Minute).UnixMilli()), http.StatusBadRequest, nil)
	var entries []denylist.Entry
	decode(t, getWithCtx(ctx, s.url+cnet.DenylistPath, t), http.StatusOK, &entries)
	require.Empty(t, entries)

	decode(t, edit(http.MethodPut, s.clk.Now().Add(-time.Minute).UnixMilli()), http.StatusNoContent, nil)
	decode(t, getWithCtx(ctx, s.url+cnet.DenylistPath, t), http.StatusOK, &entries)
	require.Len(t, entries, 1)

	decode(t, edit(http.MethodDelete, stale), http.StatusBadRequest, nil)
	decode(t, getWithCtx(ctx, s.url+cnet.DenylistPath, t), http.StatusOK, &entries)
	require.Len(t, entries, 1)
}

func TestOffChainWearables(t *testing.T) {
	ctx := context.Background()
	s := withServer(t)
	pointer := "urn:catalyst:off-chain:base-avatars:sneakers"
	u := newUpload(t, entity.Wearable, s.clk.Now().Add(-time.Hour).UnixMilli(), []string{pointer}, map[string]interface{}{
		"id":        pointer,
		"thumbnail": "thumb.png",
		"i18n":      []map[string]string{{"code": "en", "text": "Sneakers"}},
	}, map[string][]byte{"thumb.png": []byte("png")})
	decode(t, s.post(t, cnet.LegacyPath, u, s.operator.SimpleChain(u.id), nil), http.StatusOK, nil)

	var res struct {
		Wearables []wearables.Wearable `json:"wearables"`
	}
	decode(t, getWithCtx(ctx, s.url+cnet.WearablesPath+"?textSearch=sneak", t), http.StatusOK, &res)
	require.Len(t, res.Wearables, 1)
	require.Equal(t, pointer, res.Wearables[0].ID)
	require.Equal(t, "http://localhost:6969/content/contents/"+hashing.MustCalculate([]byte("png")), res.Wearables[0].Thumbnail)

	decode(t, getWithCtx(ctx, s.url+cnet.WearablesPath+"?textSearch=hat", t), http.StatusOK, &res)
	require.Empty(t, res.Wearables)
}
