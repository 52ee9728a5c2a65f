// Package cluster tracks the content servers of the DAO this node syncs with.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/catalyst-network/catalyst/common/entity"
	"github.com/catalyst-network/catalyst/common/log"
	"github.com/catalyst-network/catalyst/internal/challenge"
	"github.com/catalyst-network/catalyst/internal/metrics"
)

// ErrNoIdentity is returned while this node has not found itself in the DAO.
var ErrNoIdentity = errors.New("identity in DAO not detected yet")

// ChallengeClient asks a server for its challenge token.
type ChallengeClient interface {
	Challenge(ctx context.Context, address string) (string, error)
}

// ChallengeFunc adapts a function to ChallengeClient.
type ChallengeFunc func(ctx context.Context, address string) (string, error)

func (f ChallengeFunc) Challenge(ctx context.Context, address string) (string, error) {
	return f(ctx, address)
}

// Cluster is the current view of the DAO: the other servers, and which of
// the registered ones is this node.
type Cluster struct {
	registry  RegistryClient
	peers     ChallengeClient
	challenge *challenge.Supervisor
	log       log.Logger

	mu       sync.RWMutex
	servers  []entity.PeerIdentity
	identity *entity.PeerIdentity
}

// New returns an empty Cluster. Refresh must be called to populate it.
func New(l log.Logger, registry RegistryClient, peers ChallengeClient, sup *challenge.Supervisor) *Cluster {
	return &Cluster{registry: registry, peers: peers, challenge: sup, log: l.Named("ContentCluster")}
}

// Refresh reloads the servers from the registry and, until found, looks for
// this node among them.
func (c *Cluster) Refresh(ctx context.Context) error {
	ctx, span := metrics.NewSpan(ctx, "cluster.Refresh")
	defer span.End()

	registered, err := c.registry.AllServers(ctx)
	if err != nil {
		return fmt.Errorf("listing DAO servers: %w", err)
	}

	identity := c.IdentityInDAO()
	if identity != nil && !contains(registered, identity.Address) {
		c.log.Warnw("this node is not registered in the DAO anymore", "address", identity.Address)
		identity = nil
	}
	if identity == nil {
		identity = c.detectIdentity(ctx, registered)
	}

	others := make([]entity.PeerIdentity, 0, len(registered))
	for _, s := range registered {
		if identity != nil && s.Address == identity.Address {
			continue
		}
		others = append(others, s)
	}
	sort.Slice(others, func(i, j int) bool { return others[i].Address < others[j].Address })

	c.mu.Lock()
	c.servers = others
	c.identity = identity
	c.mu.Unlock()

	metrics.KnownPeers.Set(float64(len(others)))
	c.log.Debugw("refreshed DAO servers", "servers", len(others), "identified", identity != nil)
	return nil
}

// detectIdentity asks every server for its challenge. The one answering
// ours is this node.
func (c *Cluster) detectIdentity(ctx context.Context, servers []entity.PeerIdentity) *entity.PeerIdentity {
	found := make(chan entity.PeerIdentity, len(servers))
	var wg sync.WaitGroup
	for _, s := range servers {
		wg.Add(1)
		go func(s entity.PeerIdentity) {
			defer wg.Done()
			text, err := c.peers.Challenge(ctx, s.Address)
			if err != nil {
				c.log.Debugw("challenge failed", "server", s.Address, "err", err)
				return
			}
			if c.challenge.IsChallengeOK(text) {
				found <- s
			}
		}(s)
	}
	wg.Wait()
	close(found)

	id, ok := <-found
	if !ok {
		c.log.Warnw("could not find this node among the DAO servers", "servers", len(servers))
		return nil
	}
	c.log.Infow("detected identity in DAO", "address", id.Address, "id", id.ID)
	return &id
}

// AllServers returns the registered servers other than this node.
func (c *Cluster) AllServers() []entity.PeerIdentity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]entity.PeerIdentity(nil), c.servers...)
}

// IdentityInDAO returns the registration of this node, nil until detected.
func (c *Cluster) IdentityInDAO() *entity.PeerIdentity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.identity == nil {
		return nil
	}
	id := *c.identity
	return &id
}

func contains(servers []entity.PeerIdentity, address string) bool {
	for _, s := range servers {
		if s.Address == address {
			return true
		}
	}
	return false
}
