package metrics

import (
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/catalyst-network/catalyst/common"
	"github.com/catalyst-network/catalyst/common/log"
)

var (
	// PrivateMetrics about the internal world (go process, private stuff)
	PrivateMetrics = prometheus.NewRegistry()
	// HTTPMetrics about the public surface area (content and sync endpoints)
	HTTPMetrics = prometheus.NewRegistry()
	// ClientMetrics about the requests this node makes to its peers
	ClientMetrics = prometheus.NewRegistry()

	// DeploymentsCounter counts committed deployments.
	DeploymentsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "catalyst_deployments_total",
		Help: "Number of deployments committed by this node",
	}, []string{"entity_type", "context"})

	// RejectedDeploymentsCounter counts deployments refused by the pipeline.
	RejectedDeploymentsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "catalyst_rejected_deployments_total",
		Help: "Number of deployments rejected by this node",
	}, []string{"entity_type", "context", "kind"})

	// FailedDeploymentsCounter counts synced deployments recorded as failed.
	FailedDeploymentsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "catalyst_failed_deployments_total",
		Help: "Number of synced deployments that could not be applied",
	}, []string{"reason"})

	// StoredContentCounter counts content files written to storage.
	StoredContentCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "catalyst_stored_content_total",
		Help: "Number of content files written to storage",
	})

	// SyncCycleDuration measures how long a full pass over the peers takes.
	SyncCycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "catalyst_sync_cycle_duration_seconds",
		Help:    "Duration of a synchronization pass over all peers",
		Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120},
	})

	// SyncedDeploymentsCounter counts deployments pulled from each peer.
	SyncedDeploymentsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "catalyst_synced_deployments_total",
		Help: "Number of deployments obtained from a peer",
	}, []string{"peer_address"})

	// PeerDialFailures counts failed requests to peers.
	PeerDialFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "catalyst_peer_failures_total",
		Help: "Number of times a request to a peer failed",
	}, []string{"peer_address"})

	// KnownPeers is the size of the current peer set.
	KnownPeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "catalyst_known_peers",
		Help: "Number of peers currently known to this node",
	})

	// SyncState is 1 while the synchronization manager runs.
	SyncState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "catalyst_sync_state",
		Help: "Synchronization state: 0-Stopped, 1-Running",
	})

	// HTTPCallCounter (HTTP) how many http requests
	HTTPCallCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_call_counter",
		Help: "Number of HTTP calls received",
	}, []string{"code", "method"})

	// HTTPLatency (HTTP) how long http request handling takes
	HTTPLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_response_duration",
		Help:    "histogram of request latencies",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	// HTTPInFlight (HTTP) how many http requests exist
	HTTPInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight",
		Help: "A gauge of requests currently being served.",
	})

	// ClientRequests measures how many requests were sent to peers
	ClientRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "client_api_requests_total",
		Help: "A counter for requests from this node to its peers.",
	}, []string{"code", "method"})

	// ClientLatencyVec tracks raw http request latencies
	ClientLatencyVec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "client_request_duration_seconds",
		Help:    "A histogram of client request latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{})

	// ClientInFlight tracks in-flight requests to peers
	ClientInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "client_in_flight",
		Help: "A gauge of in-flight requests to peers.",
	})

	// StartTimestamp contains the timestamp in seconds since the epoch of the process startup
	StartTimestamp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "catalyst_start_timestamp",
		Help: "Timestamp when the catalyst process started up in seconds since the Epoch",
	})

	// StorageBackend reports the repository the node is running with
	StorageBackend = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "catalyst_node_db",
		Help: "The repository type the node is running with. 1=bolt, 2=postgres, 3=memdb",
	}, []string{"db_type"})

	buildTime = prometheus.NewUntypedFunc(prometheus.UntypedOpts{
		Name:        "catalyst_build_time",
		Help:        "Timestamp when the binary was built in seconds since the Epoch",
		ConstLabels: map[string]string{"build": common.COMMIT, "version": common.GetAppVersion().String()},
	}, func() float64 { return float64(getBuildTimestamp(common.BUILDDATE)) })

	metricsBound sync.Once
)

func bindMetrics(l log.Logger) {
	// The private go-level metrics live in private.
	if err := PrivateMetrics.Register(collectors.NewGoCollector()); err != nil {
		l.Errorw("error in bindMetrics", "metrics", "goCollector", "err", err)
		return
	}
	if err := PrivateMetrics.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		l.Errorw("error in bindMetrics", "metrics", "processCollector", "err", err)
		return
	}

	node := []prometheus.Collector{
		DeploymentsCounter,
		RejectedDeploymentsCounter,
		FailedDeploymentsCounter,
		StoredContentCounter,
		SyncCycleDuration,
		SyncedDeploymentsCounter,
		PeerDialFailures,
		KnownPeers,
		SyncState,
		StartTimestamp,
		StorageBackend,
		buildTime,
	}
	for _, c := range node {
		if err := PrivateMetrics.Register(c); err != nil {
			l.Errorw("error in bindMetrics", "metrics", "bindMetrics", "err", err)
			return
		}
	}

	httpMetrics := []prometheus.Collector{
		HTTPCallCounter,
		HTTPLatency,
		HTTPInFlight,
	}
	for _, c := range httpMetrics {
		if err := HTTPMetrics.Register(c); err != nil {
			l.Errorw("error in bindMetrics", "metrics", "bindMetrics", "err", err)
			return
		}
		if err := PrivateMetrics.Register(c); err != nil {
			l.Errorw("error in bindMetrics", "metrics", "bindMetrics", "err", err)
			return
		}
	}

	if err := RegisterClientMetrics(ClientMetrics); err != nil {
		l.Errorw("error in bindMetrics", "metrics", "bindMetrics", "err", err)
		return
	}
	if err := RegisterClientMetrics(PrivateMetrics); err != nil {
		l.Errorw("error in bindMetrics", "metrics", "bindMetrics", "err", err)
		return
	}
}

// RegisterClientMetrics registers the peer client metrics with the given registry
func RegisterClientMetrics(r prometheus.Registerer) error {
	client := []prometheus.Collector{
		ClientRequests,
		ClientLatencyVec,
		ClientInFlight,
	}
	for _, c := range client {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Handler returns the http handler serving every registered metric.
func Handler() http.Handler {
	return promhttp.HandlerFor(PrivateMetrics, promhttp.HandlerOpts{Registry: PrivateMetrics})
}

// HTTPHandler exposes only HTTPMetrics, the API surface of the node.
func HTTPHandler() http.Handler {
	return promhttp.HandlerFor(HTTPMetrics, promhttp.HandlerOpts{Registry: HTTPMetrics})
}

// ClientHandler exposes only ClientMetrics, the requests made to peers.
func ClientHandler() http.Handler {
	return promhttp.HandlerFor(ClientMetrics, promhttp.HandlerOpts{Registry: ClientMetrics})
}

// Bind registers the metrics once. Start calls it; callers serving Handler on
// their own listener call it directly.
func Bind(logger log.Logger) {
	metricsBound.Do(func() {
		bindMetrics(logger)
	})
}

// Start starts a prometheus metrics server with debug endpoints. If metricsBind is only a port it
// listens on localhost.
func Start(logger log.Logger, metricsBind string) net.Listener {
	logger.Infow("metrics starting", "desired_port", metricsBind)
	Bind(logger)

	// handle metricsBind being just a port value
	if !strings.Contains(metricsBind, ":") {
		metricsBind = "127.0.0.1:" + metricsBind
	}

	//nolint:noctx
	l, err := net.Listen("tcp", metricsBind)
	if err != nil {
		logger.Warnw("", "metrics", "listen failed", "err", err)
		return nil
	}
	logger.Infow("metric listener started", "addr", l.Addr())

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.Handle("/metrics/http", HTTPHandler())
	mux.Handle("/metrics/client", ClientHandler())
	mux.HandleFunc("/debug/gc", func(w http.ResponseWriter, _ *http.Request) {
		runtime.GC()
		fmt.Fprintf(w, "GC run complete")
	})

	s := http.Server{Addr: l.Addr().String(), ReadHeaderTimeout: 3 * time.Second, Handler: mux}
	go func() {
		logger.Warnw("", "metrics", "listen finished", "err", s.Serve(l))
	}()
	return l
}

func getBuildTimestamp(buildDate string) int64 {
	if buildDate == "" {
		return 0
	}

	layout := "02/01/2006@15:04:05"
	t, err := time.Parse(layout, buildDate)
	if err != nil {
		return 0
	}
	return t.Unix()
}

// DeploymentCommitted records a successful deployment.
func DeploymentCommitted(entityType, context string) {
	DeploymentsCounter.WithLabelValues(entityType, context).Inc()
}

// DeploymentRejected records a deployment refused with the given error kind.
func DeploymentRejected(entityType, context, kind string) {
	RejectedDeploymentsCounter.WithLabelValues(entityType, context, kind).Inc()
}

// FailureReported records a synced deployment that could not be applied.
func FailureReported(reason string) {
	FailedDeploymentsCounter.WithLabelValues(reason).Inc()
}
