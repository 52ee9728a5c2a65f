package cluster

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/catalyst-network/catalyst/common/entity"
	"github.com/catalyst-network/catalyst/common/testlogger"
	"github.com/catalyst-network/catalyst/internal/challenge"
)

type fakeRegistry struct {
	mu      sync.Mutex
	servers []entity.PeerIdentity
	err     error
}

func (f *fakeRegistry) AllServers(context.Context) ([]entity.PeerIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]entity.PeerIdentity(nil), f.servers...), f.err
}

func TestHardcodedDAOClient(t *testing.T) {
	dao := ParseHardcodedDAO(" http://a/ ,http://b,, ")
	require.Equal(t, []entity.PeerIdentity{
		{Address: "http://a", Owner: ZeroAddress, ID: "0"},
		{Address: "http://b", Owner: ZeroAddress, ID: "1"},
	}, dao.Catalysts())

	servers, err := dao.AllServers(context.Background())
	require.NoError(t, err)
	require.Equal(t, "http://a/content", servers[0].Address)
	require.Equal(t, "http://b/content", servers[1].Address)
	require.Equal(t, "1", servers[1].ID)
}

func TestRefreshDetectsIdentity(t *testing.T) {
	ctx := context.Background()
	sup := challenge.NewSupervisor()
	registry := &fakeRegistry{servers: NewHardcodedDAOClient([]string{"http://c", "http://me", "http://b"}).Catalysts()}
	peers := ChallengeFunc(func(_ context.Context, address string) (string, error) {
		switch address {
		case "http://me":
			return sup.Challenge(), nil
		case "http://b":
			return "", errors.New("unreachable")
		}
		return "someone else", nil
	})
	c := New(testlogger.New(t), registry, peers, sup)
	require.Nil(t, c.IdentityInDAO())
	require.Empty(t, c.AllServers())

	require.NoError(t, c.Refresh(ctx))
	id := c.IdentityInDAO()
	require.NotNil(t, id)
	require.Equal(t, "http://me", id.Address)
	require.Equal(t, "1", id.ID)

	servers := c.AllServers()
	require.Len(t, servers, 2)
	require.Equal(t, "http://b", servers[0].Address)
	require.Equal(t, "http://c", servers[1].Address)
}

func TestRefreshWithoutIdentity(t *testing.T) {
	sup := challenge.NewSupervisor()
	registry := &fakeRegistry{servers: NewHardcodedDAOClient([]string{"http://a"}).Catalysts()}
	c := New(testlogger.New(t), registry, ChallengeFunc(func(context.Context, string) (string, error) {
		return "other", nil
	}), sup)

	require.NoError(t, c.Refresh(context.Background()))
	require.Nil(t, c.IdentityInDAO())
	require.Len(t, c.AllServers(), 1)
}

func TestRefreshForgetsRemovedIdentity(t *testing.T) {
	ctx := context.Background()
	sup := challenge.NewSupervisor()
	registry := &fakeRegistry{servers: NewHardcodedDAOClient([]string{"http://me", "http://a"}).Catalysts()}
	c := New(testlogger.New(t), registry, ChallengeFunc(func(_ context.Context, address string) (string, error) {
		if address == "http://me" {
			return sup.Challenge(), nil
		}
		return "other", nil
	}), sup)
	require.NoError(t, c.Refresh(ctx))
	require.NotNil(t, c.IdentityInDAO())

	registry.mu.Lock()
	registry.servers = registry.servers[1:]
	registry.mu.Unlock()
	require.NoError(t, c.Refresh(ctx))
	require.Nil(t, c.IdentityInDAO())

	registry.err = errors.New("registry down")
	require.ErrorContains(t, c.Refresh(ctx), "registry down")
	require.Len(t, c.AllServers(), 1)
}
