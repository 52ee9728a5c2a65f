package synchronization

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"

	"github.com/catalyst-network/catalyst/common/entity"
	"github.com/catalyst-network/catalyst/common/log"
	"github.com/catalyst-network/catalyst/internal/cluster"
	"github.com/catalyst-network/catalyst/internal/failures"
	"github.com/catalyst-network/catalyst/internal/metrics"
)

// DefaultBatchSize is how many deployments are asked to a peer at once.
const DefaultBatchSize = 500

// State of the synchronization manager.
type State int32

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "Running"
	}
	return "Stopped"
}

// Source lists what a peer has deployed, on top of what an EventDeployer
// needs from it.
type Source interface {
	Peer
	DeploymentsSince(ctx context.Context, localTs int64, limit int) ([]*entity.Deployment, error)
}

// Dialer returns the Source for a server address.
type Dialer func(address string) Source

// Cluster is the view of the DAO the manager syncs with.
type Cluster interface {
	Refresh(ctx context.Context) error
	AllServers() []entity.PeerIdentity
	IdentityInDAO() *entity.PeerIdentity
}

// Config of the synchronization manager.
type Config struct {
	SyncInterval    time.Duration
	RefreshInterval time.Duration
	RetryInterval   time.Duration
	BatchSize       int
	// Disabled stops the node from pulling anything from its peers.
	Disabled bool
}

// Manager runs the three synchronization loops: peer refresh, peer polling
// and failed deployment retries. None of their errors is fatal: each loop
// logs them and runs again on its next tick.
type Manager struct {
	cfg      Config
	log      log.Logger
	clock    clockwork.Clock
	cluster  Cluster
	dial     Dialer
	deployer *EventDeployer
	failures *failures.Manager

	state atomic.Int32

	mu sync.Mutex
	// watermarks are the newest local timestamps processed per peer
	watermarks map[string]int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager returns a stopped Manager.
func NewManager(l log.Logger, cfg Config, clock clockwork.Clock, c Cluster, dial Dialer,
	deployer *EventDeployer, fm *failures.Manager) *Manager {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Manager{
		cfg:        cfg,
		log:        l.Named("ClusterSynchronizationManager"),
		clock:      clock,
		cluster:    c,
		dial:       dial,
		deployer:   deployer,
		failures:   fm,
		watermarks: make(map[string]int64),
	}
}

// State returns the current state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Start moves the manager to Running and starts its loops. It does nothing
// when synchronization is disabled or the manager already runs.
func (m *Manager) Start(ctx context.Context) {
	if m.cfg.Disabled {
		m.log.Warnw("synchronization is disabled, only local deployments will be served")
		return
	}
	if !m.state.CompareAndSwap(int32(Stopped), int32(Running)) {
		return
	}
	metrics.SyncState.Set(1)

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.loop(ctx, "refresh", m.cfg.RefreshInterval, true, m.RefreshPeers)
	m.loop(ctx, "sync", m.cfg.SyncInterval, true, m.SyncWithPeers)
	m.loop(ctx, "retry", m.cfg.RetryInterval, false, m.RetryFailedDeployments)
	m.log.Infow("synchronization started", "sync", m.cfg.SyncInterval, "refresh", m.cfg.RefreshInterval,
		"retry", m.cfg.RetryInterval)
}

// Stop cancels the loops and waits for the running cycles, whose commits
// always complete, to return.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.wg.Wait()
	metrics.SyncState.Set(0)
}

func (m *Manager) loop(ctx context.Context, name string, interval time.Duration, immediately bool,
	action func(context.Context) error) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := m.clock.NewTicker(interval)
		defer ticker.Stop()

		if immediately {
			m.run(ctx, name, action)
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				m.run(ctx, name, action)
			}
		}
	}()
}

func (m *Manager) run(ctx context.Context, name string, action func(context.Context) error) {
	if err := action(ctx); err != nil && ctx.Err() == nil {
		m.log.Warnw("synchronization cycle failed", "cycle", name, "err", err)
	}
}

// RefreshPeers reloads the servers of the DAO.
func (m *Manager) RefreshPeers(ctx context.Context) error {
	return m.cluster.Refresh(ctx)
}

// SyncWithPeers pulls from every server the deployments committed since the
// last cycle. It does nothing until this node knows its own identity.
func (m *Manager) SyncWithPeers(ctx context.Context) error {
	if m.cluster.IdentityInDAO() == nil {
		return cluster.ErrNoIdentity
	}
	ctx, span := metrics.NewSpan(ctx, "sync.SyncWithPeers")
	defer span.End()
	start := m.clock.Now()

	servers := m.cluster.AllServers()
	var (
		wg     sync.WaitGroup
		errMu  sync.Mutex
		result *multierror.Error
	)
	for _, s := range servers {
		wg.Add(1)
		go func(address string) {
			defer wg.Done()
			if err := m.syncWithPeer(ctx, address, servers); err != nil {
				errMu.Lock()
				result = multierror.Append(result, fmt.Errorf("syncing with %s: %w", address, err))
				errMu.Unlock()
			}
		}(s.Address)
	}
	wg.Wait()

	metrics.SyncCycleDuration.Observe(m.clock.Since(start).Seconds())
	return result.ErrorOrNil()
}

// syncWithPeer pages through the history of the peer. Deployments that fail
// are recorded and left to the retry loop, so the watermark moves past them.
func (m *Manager) syncWithPeer(ctx context.Context, address string, servers []entity.PeerIdentity) error {
	peer := m.dial(address)
	sources := m.sources(address, servers)
	for {
		from := m.watermark(address)
		ds, err := peer.DeploymentsSince(ctx, from, m.cfg.BatchSize)
		if err != nil {
			return err
		}
		for _, d := range ds {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.deployFromPeer(ctx, address, d, sources)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.advance(address, d.AuditInfo.LocalTimestamp)
		}
		if len(ds) < m.cfg.BatchSize || m.watermark(address) == from {
			return nil
		}
	}
}

func (m *Manager) deployFromPeer(ctx context.Context, address string, d *entity.Deployment, sources []Peer) {
	known, err := m.deployer.IsKnown(ctx, d.ID)
	if err != nil {
		m.log.Warnw("could not check deployment", "id", d.ID, "err", err)
	}
	if known {
		return
	}
	origin := d.AuditInfo.OriginServerURL
	if origin == "" {
		origin = address
	}
	ev := Event{Type: d.Type, ID: d.ID, OriginTimestamp: d.AuditInfo.OriginTimestamp, OriginServerURL: origin}
	if err := m.deployer.Deploy(ctx, ev, sources); err != nil {
		m.log.Infow("could not sync deployment", "id", d.ID, "peer", address, "err", err)
		return
	}
	metrics.SyncedDeploymentsCounter.WithLabelValues(address).Inc()
}

// RetryFailedDeployments retries every deployment marked as failed.
func (m *Manager) RetryFailedDeployments(ctx context.Context) error {
	if m.cluster.IdentityInDAO() == nil {
		return cluster.ErrNoIdentity
	}
	ctx, span := metrics.NewSpan(ctx, "sync.RetryFailedDeployments")
	defer span.End()

	fs, err := m.failures.GetAllFailedDeployments(ctx)
	if err != nil {
		return err
	}
	servers := m.cluster.AllServers()
	var result *multierror.Error
	for _, f := range fs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ev := Event{Type: f.EntityType, ID: f.EntityID, OriginTimestamp: f.OriginTimestamp, OriginServerURL: f.OriginServerURL}
		err := m.deployer.Deploy(ctx, ev, m.sources(f.OriginServerURL, servers))
		var failure *SyncFailure
		if err != nil && !errors.As(err, &failure) {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// sources lists the servers to fetch from, preferred first.
func (m *Manager) sources(preferred string, servers []entity.PeerIdentity) []Peer {
	out := make([]Peer, 0, len(servers)+1)
	seen := make(map[string]struct{}, len(servers)+1)
	add := func(address string) {
		if _, ok := seen[address]; address == "" || ok {
			return
		}
		seen[address] = struct{}{}
		out = append(out, m.dial(address))
	}
	add(preferred)
	for _, s := range servers {
		add(s.Address)
	}
	return out
}

func (m *Manager) watermark(address string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watermarks[address]
}

func (m *Manager) advance(address string, localTs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if localTs > m.watermarks[address] {
		m.watermarks[address] = localTs
	}
}
