package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/catalyst-network/catalyst/common/entity"
	"github.com/catalyst-network/catalyst/common/log"
	"github.com/catalyst-network/catalyst/internal/access"
	"github.com/catalyst-network/catalyst/internal/auth"
	"github.com/catalyst-network/catalyst/internal/challenge"
	"github.com/catalyst-network/catalyst/internal/cluster"
	"github.com/catalyst-network/catalyst/internal/denylist"
	"github.com/catalyst-network/catalyst/internal/failures"
	dhttp "github.com/catalyst-network/catalyst/internal/http"
	"github.com/catalyst-network/catalyst/internal/metrics"
	cnet "github.com/catalyst-network/catalyst/internal/net"
	"github.com/catalyst-network/catalyst/internal/reporters"
	"github.com/catalyst-network/catalyst/internal/repository"
	"github.com/catalyst-network/catalyst/internal/repository/boltdb"
	"github.com/catalyst-network/catalyst/internal/repository/memdb"
	"github.com/catalyst-network/catalyst/internal/repository/postgresdb/database"
	"github.com/catalyst-network/catalyst/internal/repository/postgresdb/pgdb"
	"github.com/catalyst-network/catalyst/internal/repository/postgresdb/schema"
	"github.com/catalyst-network/catalyst/internal/service"
	"github.com/catalyst-network/catalyst/internal/storage"
	"github.com/catalyst-network/catalyst/internal/synchronization"
	"github.com/catalyst-network/catalyst/internal/wearables"
)

// Node is a running catalyst content server: the deployment pipeline, the
// synchronization with the rest of the DAO and the API serving both.
type Node struct {
	opts *Config
	log  log.Logger

	repo      repository.Repository
	storage   storage.Storage
	denylist  *denylist.Denylist
	failures  *failures.Manager
	service   *service.Service
	challenge *challenge.Supervisor
	clients   *cnet.Clients
	cluster   *cluster.Cluster
	sync      *synchronization.Manager
	wearables *wearables.Manager
	handler   *dhttp.Handler

	stopTracer func(context.Context)

	state    sync.Mutex
	listener net.Listener
	server   *http.Server
	serveErr chan error
}

// NewNode assembles a node from its config. Nothing is served until Start.
func NewNode(ctx context.Context, c *Config) (*Node, error) {
	ctx, span := metrics.NewSpan(ctx, "NewNode")
	defer span.End()

	if c.serverURL == "" {
		return nil, errors.New("config: the public url of the node is required")
	}
	n := &Node{opts: c, log: c.Logger().Named("Node")}

	stopTracer, err := metrics.InitTracer(c.name, c.tracesEndpoint, c.tracesProbability)
	if err != nil {
		return nil, fmt.Errorf("starting tracer: %w", err)
	}
	n.stopTracer = stopTracer

	if err := n.init(ctx); err != nil {
		span.RecordError(err)
		_ = n.close()
		return nil, err
	}

	metrics.StorageBackend.
		WithLabelValues(string(c.repoType)).
		Set(c.repoType.MetricValue())
	return n, nil
}

func (n *Node) init(ctx context.Context) error {
	c := n.opts
	var err error

	if n.repo, err = openRepository(ctx, c); err != nil {
		return fmt.Errorf("opening %s repository: %w", c.repoType, err)
	}
	if n.storage, err = openStorage(c); err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	if c.denylistDisabled {
		n.denylist = denylist.Disabled()
	} else if n.denylist, err = denylist.Open(c.logger, c.configFolder); err != nil {
		return fmt.Errorf("opening denylist: %w", err)
	}

	var reporter reporters.Reporter = reporters.Noop{}
	if c.sqs != nil {
		if reporter, err = reporters.NewSQSReporter(c.logger, *c.sqs); err != nil {
			return err
		}
	}

	// No contract verifier is configured: chains signed through an EIP-1654
	// contract wallet are refused as invalid, plain ECDSA chains are checked.
	authenticator := auth.NewAuthenticator(c.operator, nil)
	checker := c.access
	if checker == nil {
		if checker, err = n.accessChecker(authenticator); err != nil {
			return err
		}
	}

	n.failures = failures.NewManager(c.logger, n.repo, c.clock)
	n.service, err = service.New(ctx, service.Config{
		ServerURL:           contentURL(c.serverURL),
		RequestTTLBackwards: c.requestTTLBackwards,
		AllowLegacyEntities: c.allowLegacy,
	}, service.Deps{
		Log:           c.logger,
		Clock:         c.clock,
		Repository:    n.repo,
		Storage:       n.storage,
		Failures:      n.failures,
		Authenticator: authenticator,
		Access:        checker,
		Denylist:      n.denylist,
		Reporter:      reporter,
	})
	if err != nil {
		return err
	}

	n.challenge = challenge.NewSupervisor()
	n.clients = cnet.NewClients(c.logger, c.fetchTimeout, c.transport)
	n.cluster = cluster.New(c.logger, cluster.NewHardcodedDAOClient(c.dao), n.clients, n.challenge)

	deployer := synchronization.NewEventDeployer(c.logger, n.service, n.repo, n.storage, n.failures, n.denylist)
	n.sync = synchronization.NewManager(c.logger, synchronization.Config{
		SyncInterval:    c.syncInterval,
		RefreshInterval: c.refreshInterval,
		RetryInterval:   c.retryInterval,
		Disabled:        c.syncDisabled,
	}, c.clock, n.cluster, func(address string) synchronization.Source {
		return n.clients.For(address)
	}, deployer, n.failures)

	n.wearables = wearables.NewManager(c.logger, n.service, c.offChainWearables, contentURL(c.serverURL))
	n.handler, err = dhttp.New(ctx, dhttp.Deps{
		Log:           c.logger,
		Name:          c.name,
		Clock:         c.clock,
		Service:       n.service,
		Challenge:     n.challenge,
		Sync:          n.sync,
		Authenticator: authenticator,
		Wearables:     n.wearables,
		RequestTTL:    c.requestTTLBackwards,
	})
	return err
}

func (n *Node) accessChecker(authenticator *auth.Authenticator) (*access.AccessChecker, error) {
	c := n.opts
	graph, err := access.NewTheGraphClient(c.logger, &http.Client{Timeout: c.fetchTimeout, Transport: c.transport},
		c.landsURL, c.itemsURL, access.DefaultCacheSize)
	if err != nil {
		return nil, err
	}
	return access.NewAccessChecker().
		Register(entity.Profile, access.NewProfileChecker(authenticator)).
		Register(entity.Scene, access.NewSceneChecker(authenticator, graph)).
		Register(entity.Wearable, access.NewWearableChecker(graph)), nil
}

func openRepository(ctx context.Context, c *Config) (repository.Repository, error) {
	switch c.repoType {
	case repository.BoltDB:
		store, err := boltdb.NewStore(ctx, c.logger, c.DBFolder(), c.boltOpts)
		if err != nil {
			return nil, err
		}
		return store, nil
	case repository.Postgres:
		cfg, err := database.ConfigFromDSN(c.pgDSN)
		if err != nil {
			return nil, err
		}
		db, err := database.Open(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := schema.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
		return pgdb.NewStore(c.logger, db), nil
	case repository.MemDB:
		return memdb.NewStore(), nil
	default:
		return nil, fmt.Errorf("unknown repository type %q", c.repoType)
	}
}

func openStorage(c *Config) (storage.Storage, error) {
	if c.s3 != nil {
		s3, err := storage.NewS3Storage(*c.s3)
		if err != nil {
			return nil, err
		}
		return s3, nil
	}
	folder, err := storage.NewFolderStorage(c.ContentsFolder())
	if err != nil {
		return nil, err
	}
	return folder, nil
}

// contentURL is the address the content API of a catalyst is reached at.
func contentURL(serverURL string) string {
	return strings.TrimSuffix(serverURL, "/") + cluster.ContentSuffix
}

// Start serves the API and starts the synchronization.
func (n *Node) Start(ctx context.Context) error {
	n.state.Lock()
	defer n.state.Unlock()
	if n.server != nil {
		return errors.New("node already started")
	}

	l := n.opts.listener
	if l == nil {
		var err error
		if l, err = net.Listen("tcp", n.opts.listenAddr); err != nil {
			return fmt.Errorf("listening on %s: %w", n.opts.listenAddr, err)
		}
	}
	n.listener = l
	n.server = &http.Server{Handler: n.handler.GetHTTPHandler(), ReadHeaderTimeout: 10 * time.Second}
	n.serveErr = make(chan error, 1)
	go func() {
		err := n.server.Serve(l)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		n.serveErr <- err
	}()

	n.sync.Start(context.WithoutCancel(ctx))
	metrics.StartTimestamp.SetToCurrentTime()
	n.log.Infow("node started", "listen", l.Addr().String(), "url", n.opts.serverURL,
		"repository", n.opts.repoType, "sync", n.sync.State())
	return nil
}

// Stop halts the synchronization, then the API, then closes the stores.
func (n *Node) Stop(ctx context.Context) error {
	n.state.Lock()
	defer n.state.Unlock()

	var result *multierror.Error
	n.sync.Stop()
	if n.server != nil {
		ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
		if err := n.server.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("stopping http server: %w", err))
		}
		if err := <-n.serveErr; err != nil {
			result = multierror.Append(result, fmt.Errorf("serving http: %w", err))
		}
		n.server = nil
	}
	if err := n.close(); err != nil {
		result = multierror.Append(result, err)
	}
	n.stopTracer(ctx)
	n.log.Infow("node stopped")
	return result.ErrorOrNil()
}

func (n *Node) close() error {
	var result *multierror.Error
	if n.denylist != nil {
		if err := n.denylist.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing denylist: %w", err))
		}
	}
	if n.repo != nil {
		if err := n.repo.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing repository: %w", err))
		}
	}
	return result.ErrorOrNil()
}

// Addr returns the address the API is served on, nil before Start.
func (n *Node) Addr() net.Addr {
	n.state.Lock()
	defer n.state.Unlock()
	if n.listener == nil {
		return nil
	}
	return n.listener.Addr()
}

// Service returns the deployment pipeline.
func (n *Node) Service() *service.Service {
	return n.service
}

// Cluster returns the view of the DAO.
func (n *Node) Cluster() *cluster.Cluster {
	return n.cluster
}

// Synchronization returns the synchronization manager.
func (n *Node) Synchronization() *synchronization.Manager {
	return n.sync
}

// Handler returns the API handler, to wrap it with access logs.
func (n *Node) Handler() *dhttp.Handler {
	return n.handler
}
