package core

import (
	"net"
	"net/http"
	"path"
	"time"

	"github.com/jonboulle/clockwork"
	bolt "go.etcd.io/bbolt"

	"github.com/catalyst-network/catalyst/common/log"
	"github.com/catalyst-network/catalyst/internal/reporters"
	"github.com/catalyst-network/catalyst/internal/repository"
	"github.com/catalyst-network/catalyst/internal/service"
	"github.com/catalyst-network/catalyst/internal/storage"
)

// ConfigOption is a function that applies a specific setting to a Config.
type ConfigOption func(*Config)

// Config holds all relevant information for a catalyst node to run.
type Config struct {
	configFolder string
	name         string
	serverURL    string
	listenAddr   string
	listener     net.Listener

	repoType  repository.Type
	pgDSN     string
	boltOpts  *bolt.Options
	s3        *storage.S3Config
	sqs       *reporters.SQSConfig
	operator  string
	dao       []string
	landsURL  string
	itemsURL  string
	access    service.AccessChecker
	transport http.RoundTripper

	syncInterval        time.Duration
	refreshInterval     time.Duration
	retryInterval       time.Duration
	fetchTimeout        time.Duration
	requestTTLBackwards time.Duration
	syncDisabled        bool
	allowLegacy         bool
	denylistDisabled    bool
	offChainWearables   map[string][]string

	tracesEndpoint    string
	tracesProbability float64

	logger log.Logger
	clock  clockwork.Clock
}

// NewConfig returns the config to pass to a node with the default options set
// and the updated values given by the options.
func NewConfig(opts ...ConfigOption) *Config {
	c := &Config{
		configFolder:        DefaultConfigFolder(),
		name:                DefaultServiceName,
		listenAddr:          DefaultListenAddress,
		repoType:            repository.BoltDB,
		syncInterval:        DefaultSyncInterval,
		refreshInterval:     DefaultRefreshInterval,
		retryInterval:       DefaultRetryInterval,
		fetchTimeout:        DefaultFetchTimeout,
		requestTTLBackwards: DefaultRequestTTLBackwards,
		logger:              log.DefaultLogger(),
		clock:               clockwork.NewRealClock(),
	}
	for i := range opts {
		opts[i](c)
	}
	return c
}

// ConfigFolder returns the folder under which the node stores everything.
func (c *Config) ConfigFolder() string {
	return c.configFolder
}

// DBFolder returns the folder of the bolt repository.
func (c *Config) DBFolder() string {
	return path.Join(c.configFolder, DefaultDBFolder)
}

// ContentsFolder returns the folder content is stored in on disk.
func (c *Config) ContentsFolder() string {
	return path.Join(c.configFolder, DefaultContentsFolder)
}

// ServerURL returns the public url of the node, as registered in the DAO.
func (c *Config) ServerURL() string {
	return c.serverURL
}

// ListenAddress returns the address the API is served on.
func (c *Config) ListenAddress() string {
	return c.listenAddr
}

// Logger returns the logger associated with this config.
func (c *Config) Logger() log.Logger {
	return c.logger
}

// WithConfigFolder sets the base folder of the node.
func WithConfigFolder(folder string) ConfigOption {
	return func(c *Config) {
		c.configFolder = folder
	}
}

// WithName sets the name reported in the status.
func WithName(name string) ConfigOption {
	return func(c *Config) {
		c.name = name
	}
}

// WithServerURL sets the public url of the node.
func WithServerURL(u string) ConfigOption {
	return func(c *Config) {
		c.serverURL = u
	}
}

// WithListenAddress sets the address the API is served on.
func WithListenAddress(addr string) ConfigOption {
	return func(c *Config) {
		c.listenAddr = addr
	}
}

// WithListener serves the API on an already bound listener.
func WithListener(l net.Listener) ConfigOption {
	return func(c *Config) {
		c.listener = l
	}
}

// WithRepository selects the repository backend. The dsn is only used by
// postgres.
func WithRepository(t repository.Type, dsn string) ConfigOption {
	return func(c *Config) {
		c.repoType = t
		c.pgDSN = dsn
	}
}

// WithBoltOptions applies boltdb specific options to the bolt repository.
func WithBoltOptions(opts *bolt.Options) ConfigOption {
	return func(c *Config) {
		c.boltOpts = opts
	}
}

// WithS3Storage keeps content in a bucket instead of on disk.
func WithS3Storage(cfg storage.S3Config) ConfigOption {
	return func(c *Config) {
		c.s3 = &cfg
	}
}

// WithSQSReporter reports every committed deployment to a queue.
func WithSQSReporter(cfg reporters.SQSConfig) ConfigOption {
	return func(c *Config) {
		c.sqs = &cfg
	}
}

// WithOperator sets the address of the operator of the node.
func WithOperator(address string) ConfigOption {
	return func(c *Config) {
		c.operator = address
	}
}

// WithDAO sets the servers of the DAO.
func WithDAO(addresses ...string) ConfigOption {
	return func(c *Config) {
		c.dao = addresses
	}
}

// WithSubgraphs sets the land and collection subgraphs used to check access.
func WithSubgraphs(landsURL, collectionsURL string) ConfigOption {
	return func(c *Config) {
		c.landsURL = landsURL
		c.itemsURL = collectionsURL
	}
}

// WithAccessChecker replaces the access checks built from the subgraphs.
func WithAccessChecker(a service.AccessChecker) ConfigOption {
	return func(c *Config) {
		c.access = a
	}
}

// WithTransport sets the transport used to reach peers and subgraphs.
func WithTransport(t http.RoundTripper) ConfigOption {
	return func(c *Config) {
		c.transport = t
	}
}

// WithSyncIntervals sets how often peers are polled, the DAO refreshed and
// failed deployments retried.
func WithSyncIntervals(sync, refresh, retry time.Duration) ConfigOption {
	return func(c *Config) {
		c.syncInterval = sync
		c.refreshInterval = refresh
		c.retryInterval = retry
	}
}

// WithFetchTimeout bounds every request to a peer.
func WithFetchTimeout(t time.Duration) ConfigOption {
	return func(c *Config) {
		c.fetchTimeout = t
	}
}

// WithRequestTTLBackwards bounds the drift of local deployment timestamps.
func WithRequestTTLBackwards(t time.Duration) ConfigOption {
	return func(c *Config) {
		c.requestTTLBackwards = t
	}
}

// WithSyncDisabled keeps the node from pulling deployments from its peers.
func WithSyncDisabled(disabled bool) ConfigOption {
	return func(c *Config) {
		c.syncDisabled = disabled
	}
}

// WithLegacyEntities lets the operator deploy legacy entities.
func WithLegacyEntities(allow bool) ConfigOption {
	return func(c *Config) {
		c.allowLegacy = allow
	}
}

// WithDenylistDisabled turns the denylist off.
func WithDenylistDisabled(disabled bool) ConfigOption {
	return func(c *Config) {
		c.denylistDisabled = disabled
	}
}

// WithOffChainWearables overrides the off-chain collections and their
// pointers.
func WithOffChainWearables(collections map[string][]string) ConfigOption {
	return func(c *Config) {
		c.offChainWearables = collections
	}
}

// WithTracing exports a share of the traces to an OTLP endpoint.
func WithTracing(endpoint string, probability float64) ConfigOption {
	return func(c *Config) {
		c.tracesEndpoint = endpoint
		c.tracesProbability = probability
	}
}

// WithLogLevel sets the logging verbosity to the given level.
func WithLogLevel(level int, jsonFormat bool) ConfigOption {
	return func(c *Config) {
		c.logger = log.New(nil, level, jsonFormat)
	}
}

// WithLogger sets the logger of the node.
func WithLogger(l log.Logger) ConfigOption {
	return func(c *Config) {
		c.logger = l
	}
}

// WithClock sets the clock of the node.
func WithClock(clock clockwork.Clock) ConfigOption {
	return func(c *Config) {
		c.clock = clock
	}
}
