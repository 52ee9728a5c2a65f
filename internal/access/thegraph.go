package access

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	lru "github.com/hashicorp/golang-lru"

	"github.com/catalyst-network/catalyst/common/log"
)

// DefaultCacheSize is the number of registry answers kept in memory.
const DefaultCacheSize = 4096

// ErrSubgraph is returned when the subgraph answers with errors.
var ErrSubgraph = errors.New("subgraph query failed")

// TheGraphClient queries the land and collections subgraphs. Answers are
// cached by (address, target, timestamp), which never change once observed.
type TheGraphClient struct {
	landsURL       string
	collectionsURL string
	client         *http.Client
	cache          *lru.ARCCache
	log            log.Logger
}

// NewTheGraphClient returns a client for the given subgraph endpoints.
func NewTheGraphClient(l log.Logger, client *http.Client, landsURL, collectionsURL string, cacheSize int) (*TheGraphClient, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.NewARC(cacheSize)
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &TheGraphClient{
		landsURL:       landsURL,
		collectionsURL: collectionsURL,
		client:         client,
		cache:          cache,
		log:            l.Named("TheGraphClient"),
	}, nil
}

const parcelQuery = `query Parcel($x: BigInt!, $y: BigInt!, $timestamp: BigInt!) {
  parcels(where: {x: $x, y: $y, updatedAt_lte: $timestamp}) {
    owner { address }
    operator
    updateOperator
    estate { owner { address } operator updateOperator }
  }
}`

type graphAccount struct {
	Address string `json:"address"`
}

type graphEstate struct {
	Owner          *graphAccount `json:"owner"`
	Operator       string        `json:"operator"`
	UpdateOperator string        `json:"updateOperator"`
}

type graphParcel struct {
	Owner          *graphAccount `json:"owner"`
	Operator       string        `json:"operator"`
	UpdateOperator string        `json:"updateOperator"`
	Estate         *graphEstate  `json:"estate"`
}

// IsParcelAuthorized implements LandRegistry.
func (g *TheGraphClient) IsParcelAuthorized(ctx context.Context, address string, x, y int, timestamp int64) (bool, error) {
	address = strings.ToLower(address)
	key := fmt.Sprintf("parcel/%s/%d,%d/%d", address, x, y, timestamp)
	if v, ok := g.cache.Get(key); ok {
		return v.(bool), nil
	}

	var out struct {
		Parcels []graphParcel `json:"parcels"`
	}
	vars := map[string]interface{}{"x": fmt.Sprint(x), "y": fmt.Sprint(y), "timestamp": fmt.Sprint(timestamp / 1000)}
	if err := g.query(ctx, g.landsURL, parcelQuery, vars, &out); err != nil {
		return false, err
	}

	authorized := false
	for _, p := range out.Parcels {
		candidates := []string{p.Operator, p.UpdateOperator}
		if p.Owner != nil {
			candidates = append(candidates, p.Owner.Address)
		}
		if p.Estate != nil {
			candidates = append(candidates, p.Estate.Operator, p.Estate.UpdateOperator)
			if p.Estate.Owner != nil {
				candidates = append(candidates, p.Estate.Owner.Address)
			}
		}
		if containsAddress(candidates, address) {
			authorized = true
			break
		}
	}
	g.cache.Add(key, authorized)
	return authorized, nil
}

const itemQuery = `query Item($urn: String!) {
  items(where: {urn: $urn}) {
    collection { id creator managers minters }
    managers
  }
}`

type graphItem struct {
	Collection struct {
		ID       string   `json:"id"`
		Creator  string   `json:"creator"`
		Managers []string `json:"managers"`
		Minters  []string `json:"minters"`
	} `json:"collection"`
	Managers []string `json:"managers"`
}

// CanDeployItem implements CollectionsRegistry. Creators and managers of the
// collection, and managers of the item, may deploy it.
func (g *TheGraphClient) CanDeployItem(ctx context.Context, address, collection, itemURN string, timestamp int64) (bool, error) {
	address = strings.ToLower(address)
	key := fmt.Sprintf("item/%s/%s/%d", address, itemURN, timestamp)
	if v, ok := g.cache.Get(key); ok {
		return v.(bool), nil
	}

	var out struct {
		Items []graphItem `json:"items"`
	}
	if err := g.query(ctx, g.collectionsURL, itemQuery, map[string]interface{}{"urn": itemURN}, &out); err != nil {
		return false, err
	}

	authorized := false
	for _, it := range out.Items {
		if !strings.EqualFold(it.Collection.ID, collection) {
			continue
		}
		candidates := append([]string{it.Collection.Creator}, it.Collection.Managers...)
		candidates = append(candidates, it.Managers...)
		if containsAddress(candidates, address) {
			authorized = true
			break
		}
	}
	g.cache.Add(key, authorized)
	return authorized, nil
}

type graphRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

type graphResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (g *TheGraphClient) query(ctx context.Context, url, query string, vars map[string]interface{}, out interface{}) error {
	body, err := json.Marshal(graphRequest{Query: query, Variables: vars})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("querying %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s answered %d", ErrSubgraph, url, resp.StatusCode)
	}

	var gr graphResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return fmt.Errorf("decoding subgraph answer: %w", err)
	}
	if len(gr.Errors) > 0 {
		g.log.Debugw("subgraph returned errors", "url", url, "err", gr.Errors[0].Message)
		return fmt.Errorf("%w: %s", ErrSubgraph, gr.Errors[0].Message)
	}
	return json.Unmarshal(gr.Data, out)
}

func containsAddress(candidates []string, address string) bool {
	for _, c := range candidates {
		if c != "" && strings.ToLower(c) == address {
			return true
		}
	}
	return false
}
