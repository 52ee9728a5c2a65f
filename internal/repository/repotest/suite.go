// Package repotest checks a repository backend against the behaviour every
// backend shares.
package repotest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/catalyst-network/catalyst/common/entity"
	"github.com/catalyst-network/catalyst/internal/repository"
)

// NewDeployment builds a deployment committed at localTimestamp.
func NewDeployment(id string, t entity.Type, timestamp, localTimestamp int64, pointers ...string) *entity.Deployment {
	return &entity.Deployment{
		Entity: entity.Entity{
			ID:        id,
			Version:   entity.V3,
			Type:      t,
			Pointers:  pointers,
			Timestamp: timestamp,
			Content:   []entity.ContentMapping{{File: "scene.json", Hash: "Qm" + id}},
			Metadata:  []byte(`{"name":"` + id + `"}`),
		},
		AuditInfo: entity.AuditInfo{
			Version:        entity.V3,
			AuthChain:      entity.AuthChain{{Type: entity.AuthLinkSigner, Payload: "0xsigner"}},
			LocalTimestamp: localTimestamp,
		},
		DeployedBy: "0xsigner",
	}
}

// Run exercises the repository built by newRepo, which must be empty.
func Run(t *testing.T, newRepo func(t *testing.T) repository.Repository) {
	t.Run("CommitAndQuery", func(t *testing.T) { testCommitAndQuery(t, newRepo(t)) })
	t.Run("Overwrite", func(t *testing.T) { testOverwrite(t, newRepo(t)) })
	t.Run("PartialOverwrite", func(t *testing.T) { testPartialOverwrite(t, newRepo(t)) })
	t.Run("RepeatedPointers", func(t *testing.T) { testRepeatedPointers(t, newRepo(t)) })
	t.Run("DeploymentsSince", func(t *testing.T) { testDeploymentsSince(t, newRepo(t)) })
	t.Run("Failures", func(t *testing.T) { testFailures(t, newRepo(t)) })
}

func testCommitAndQuery(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	defer repo.Close()

	size, err := repo.HistorySize(ctx)
	require.NoError(t, err)
	require.Zero(t, size)
	_, err = repo.Deployment(ctx, "QmA")
	require.ErrorIs(t, err, repository.ErrDeploymentNotFound)

	d := NewDeployment("QmA", entity.Scene, 10, 100, "0,0", "0,1")
	require.NoError(t, repo.Commit(ctx, &repository.Commit{Deployment: d, Last: d.Pointers, Active: true}))
	require.ErrorIs(t, repo.Commit(ctx, &repository.Commit{Deployment: d, Last: d.Pointers, Active: true}),
		repository.ErrDeploymentExists)

	got, err := repo.Deployment(ctx, "QmA")
	require.NoError(t, err)
	require.Equal(t, d.Entity.ID, got.ID)
	require.Equal(t, d.Pointers, got.Pointers)
	require.Equal(t, d.Content, got.Content)
	require.JSONEq(t, string(d.Metadata), string(got.Metadata))
	require.Equal(t, d.AuditInfo.AuthChain, got.AuditInfo.AuthChain)
	require.True(t, got.IsActive())

	states, err := repo.PointerStates(ctx, entity.Scene, []string{"0,0", "0,1", "5,5"})
	require.NoError(t, err)
	require.Equal(t, map[string]repository.PointerState{
		"0,0": {Pointer: "0,0", Last: "QmA", Active: "QmA"},
		"0,1": {Pointer: "0,1", Last: "QmA", Active: "QmA"},
	}, states)

	states, err = repo.PointerStates(ctx, entity.Profile, []string{"0,0"})
	require.NoError(t, err)
	require.Empty(t, states)

	active, err := repo.ActivePointers(ctx, entity.Scene)
	require.NoError(t, err)
	require.Equal(t, []string{"0,0", "0,1"}, active)

	size, err = repo.HistorySize(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, size)
	last, err := repo.LastLocalTimestamp(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 100, last)

	ds, err := repo.Deployments(ctx, []string{"QmA", "QmMissing"})
	require.NoError(t, err)
	require.Len(t, ds, 1)
}

func testOverwrite(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	defer repo.Close()

	a := NewDeployment("QmA", entity.Profile, 10, 100, "0xAbc")
	b := NewDeployment("QmB", entity.Profile, 20, 101, "0xabc")
	require.NoError(t, repo.Commit(ctx, &repository.Commit{Deployment: a, Last: a.LowerPointers(), Active: true}))
	require.NoError(t, repo.Commit(ctx, &repository.Commit{
		Deployment: b, Last: b.LowerPointers(), Overwritten: []string{"QmA"}, Active: true,
	}))

	got, err := repo.Deployment(ctx, "QmA")
	require.NoError(t, err)
	require.Equal(t, "QmB", got.AuditInfo.OverwrittenBy)

	states, err := repo.PointerStates(ctx, entity.Profile, []string{"0xABC"})
	require.NoError(t, err)
	require.Equal(t, "QmB", states["0xabc"].Active)

	size, err := repo.HistorySize(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, size)
}

func testPartialOverwrite(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	defer repo.Close()

	// a holds p0 and p1, c is newer on p1 only, b arrives late: newer than a
	// on p0 but older than c on p1.
	a := NewDeployment("QmA", entity.Scene, 10, 100, "0,0", "0,1")
	c := NewDeployment("QmC", entity.Scene, 30, 101, "0,1")
	b := NewDeployment("QmB", entity.Scene, 20, 102, "0,0", "0,1")
	b.AuditInfo.OverwrittenBy = "QmC"

	require.NoError(t, repo.Commit(ctx, &repository.Commit{Deployment: a, Last: a.Pointers, Active: true}))
	require.NoError(t, repo.Commit(ctx, &repository.Commit{
		Deployment: c, Last: c.Pointers, Overwritten: []string{"QmA"}, Active: true,
	}))
	require.NoError(t, repo.Commit(ctx, &repository.Commit{Deployment: b, Last: []string{"0,0"}}))

	states, err := repo.PointerStates(ctx, entity.Scene, []string{"0,0", "0,1"})
	require.NoError(t, err)
	require.Equal(t, repository.PointerState{Pointer: "0,0", Last: "QmB"}, states["0,0"])
	require.Equal(t, repository.PointerState{Pointer: "0,1", Last: "QmC", Active: "QmC"}, states["0,1"])

	active, err := repo.ActivePointers(ctx, entity.Scene)
	require.NoError(t, err)
	require.Equal(t, []string{"0,1"}, active)

	got, err := repo.Deployment(ctx, "QmB")
	require.NoError(t, err)
	require.False(t, got.IsActive())
}

func testRepeatedPointers(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	defer repo.Close()

	d := NewDeployment("QmA", entity.Scene, 10, 100, "0,0", "0,0", "URN:X", "urn:x")
	require.NoError(t, repo.Commit(ctx, &repository.Commit{Deployment: d, Last: d.LowerPointers(), Active: true}))

	active, err := repo.ActivePointers(ctx, entity.Scene)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"0,0", "urn:x"}, active)

	states, err := repo.PointerStates(ctx, entity.Scene, []string{"0,0", "urn:x"})
	require.NoError(t, err)
	require.Equal(t, "QmA", states["0,0"].Active)
	require.Equal(t, "QmA", states["urn:x"].Active)
}

func testDeploymentsSince(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	defer repo.Close()

	for i, id := range []string{"QmA", "QmB", "QmC", "QmD"} {
		d := NewDeployment(id, entity.Profile, int64(i), int64(100+i), "0x"+id)
		require.NoError(t, repo.Commit(ctx, &repository.Commit{Deployment: d, Last: d.LowerPointers(), Active: true}))
	}

	ds, err := repo.DeploymentsSince(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, ds, 4)

	ds, err = repo.DeploymentsSince(ctx, 101, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"QmC", "QmD"}, ids(ds))

	ds, err = repo.DeploymentsSince(ctx, 100, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"QmB", "QmC"}, ids(ds))

	ds, err = repo.DeploymentsSince(ctx, 200, 0)
	require.NoError(t, err)
	require.Empty(t, ds)
}

func testFailures(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	defer repo.Close()

	_, err := repo.Failure(ctx, entity.Scene, "QmA")
	require.ErrorIs(t, err, repository.ErrFailureNotFound)

	f := &entity.FailedDeployment{
		EntityType:       entity.Scene,
		EntityID:         "QmA",
		OriginTimestamp:  10,
		OriginServerURL:  "http://peer",
		FailureTimestamp: 100,
		Reason:           entity.FetchProblem,
	}
	require.NoError(t, repo.SaveFailure(ctx, f))

	f2 := *f
	f2.FailureTimestamp = 200
	f2.Reason = entity.DeploymentError
	f2.ErrorDescription = "boom"
	require.NoError(t, repo.SaveFailure(ctx, &f2))
	require.NoError(t, repo.SaveFailure(ctx, &entity.FailedDeployment{
		EntityType: entity.Profile, EntityID: "QmB", FailureTimestamp: 150, Reason: entity.NoEntityOrAudit,
	}))

	got, err := repo.Failure(ctx, entity.Scene, "QmA")
	require.NoError(t, err)
	require.Equal(t, &f2, got)

	all, err := repo.AllFailures(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "QmA", all[0].EntityID)
	require.Equal(t, "QmB", all[1].EntityID)

	require.NoError(t, repo.DeleteFailure(ctx, entity.Scene, "QmA"))
	require.NoError(t, repo.DeleteFailure(ctx, entity.Scene, "QmA"))
	_, err = repo.Failure(ctx, entity.Scene, "QmA")
	require.ErrorIs(t, err, repository.ErrFailureNotFound)
}

func ids(ds []*entity.Deployment) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.ID
	}
	return out
}
