package net

import (
	"context"
	"errors"
	"fmt"
	"io"
	nhttp "net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/nikkolasg/hexjson"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/catalyst-network/catalyst/common/entity"
	"github.com/catalyst-network/catalyst/common/log"
	"github.com/catalyst-network/catalyst/internal/metrics"
)

// DefaultTimeout bounds every request to a peer.
const DefaultTimeout = 2 * time.Minute

const maxErrorBody = 4096

// ErrNotFound is returned when the peer does not have what was asked.
var ErrNotFound = errors.New("not found on peer")

// PeerClient talks to the peer surface of one node.
type PeerClient struct {
	base   string
	client *nhttp.Client
	agent  string
	log    log.Logger
}

// NewPeerClient returns a client for the node at baseURL. Every request
// fails after timeout.
func NewPeerClient(l log.Logger, baseURL string, timeout time.Duration, transport nhttp.RoundTripper) *PeerClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &PeerClient{
		base:   strings.TrimSuffix(baseURL, "/"),
		client: instrumentClient(timeout, transport),
		agent:  "catalyst-sync/1.0",
		log:    l.Named("PeerClient").With("peer", baseURL),
	}
}

// instrumentClient wraps transport with the peer request metrics.
func instrumentClient(timeout time.Duration, transport nhttp.RoundTripper) *nhttp.Client {
	if transport == nil {
		transport = nhttp.DefaultTransport
	}
	transport = promhttp.InstrumentRoundTripperInFlight(metrics.ClientInFlight,
		promhttp.InstrumentRoundTripperCounter(metrics.ClientRequests,
			promhttp.InstrumentRoundTripperDuration(metrics.ClientLatencyVec, transport)))
	return &nhttp.Client{Timeout: timeout, Transport: transport}
}

// Address returns the base url of the peer.
func (c *PeerClient) Address() string {
	return c.base
}

func (c *PeerClient) String() string {
	return fmt.Sprintf("Peer(%q)", c.base)
}

func (c *PeerClient) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := nhttp.NewRequestWithContext(ctx, nhttp.MethodGet, u, nhttp.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", c.agent)

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.PeerDialFailures.WithLabelValues(c.base).Inc()
		return nil, fmt.Errorf("doing request to %s: %w", u, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == nhttp.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", u, ErrNotFound)
	case resp.StatusCode != nhttp.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("%s answered %d: %s", u, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response of %s: %w", u, err)
	}
	return body, nil
}

func (c *PeerClient) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	body, err := c.get(ctx, path, query)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding response of %s%s: %w", c.base, path, err)
	}
	return nil
}

// Status returns the status of the peer.
func (c *PeerClient) Status(ctx context.Context) (*ServerStatus, error) {
	var status ServerStatus
	if err := c.getJSON(ctx, StatusPath, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Challenge returns the challenge token of the peer.
func (c *PeerClient) Challenge(ctx context.Context) (string, error) {
	var res ChallengeResponse
	if err := c.getJSON(ctx, ChallengePath, nil, &res); err != nil {
		return "", err
	}
	return res.ChallengeText, nil
}

// DeploymentsSince returns up to limit deployments the peer committed after
// its local timestamp localTs, oldest first.
func (c *PeerClient) DeploymentsSince(ctx context.Context, localTs int64, limit int) ([]*entity.Deployment, error) {
	q := url.Values{}
	q.Set(FromLocalTimestampParam, strconv.FormatInt(localTs, 10))
	if limit > 0 {
		q.Set(LimitParam, strconv.Itoa(limit))
	}
	var res DeploymentsResponse
	if err := c.getJSON(ctx, DeploymentsPath, q, &res); err != nil {
		return nil, err
	}
	return res.Deployments, nil
}

// AuditInfo returns the audit info the peer holds for the entity.
func (c *PeerClient) AuditInfo(ctx context.Context, t entity.Type, entityID string) (*entity.AuditInfo, error) {
	var audit entity.AuditInfo
	path := AuditPath + "/" + url.PathEscape(t.String()) + "/" + url.PathEscape(entityID)
	if err := c.getJSON(ctx, path, nil, &audit); err != nil {
		return nil, err
	}
	return &audit, nil
}

// Content downloads the file with the given hash. Manifests are files too,
// stored under their entity id.
func (c *PeerClient) Content(ctx context.Context, hash string) ([]byte, error) {
	return c.get(ctx, ContentsPath+"/"+url.PathEscape(hash), nil)
}

// Availability asks which of the hashes the peer can serve.
func (c *PeerClient) Availability(ctx context.Context, hashes []string) (map[string]bool, error) {
	q := url.Values{}
	for _, h := range hashes {
		q.Add(ContentIDParam, h)
	}
	var res []ContentAvailability
	if err := c.getJSON(ctx, AvailabilityPath, q, &res); err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(res))
	for _, a := range res {
		out[a.CID] = a.Available
	}
	return out, nil
}

// Clients hands out one PeerClient per peer address.
type Clients struct {
	mu        sync.Mutex
	clients   map[string]*PeerClient
	timeout   time.Duration
	transport nhttp.RoundTripper
	log       log.Logger
}

// NewClients returns an empty pool whose clients use timeout and transport.
func NewClients(l log.Logger, timeout time.Duration, transport nhttp.RoundTripper) *Clients {
	return &Clients{clients: make(map[string]*PeerClient), timeout: timeout, transport: transport, log: l}
}

// For returns the client of the peer at address.
func (c *Clients) For(address string) *PeerClient {
	address = strings.TrimSuffix(address, "/")
	c.mu.Lock()
	defer c.mu.Unlock()
	pc, ok := c.clients[address]
	if !ok {
		pc = NewPeerClient(c.log, address, c.timeout, c.transport)
		c.clients[address] = pc
	}
	return pc
}

// Challenge asks the peer at address for its challenge token.
func (c *Clients) Challenge(ctx context.Context, address string) (string, error) {
	return c.For(address).Challenge(ctx)
}
