package cluster

import (
	"context"
	"strconv"
	"strings"

	"github.com/catalyst-network/catalyst/common/entity"
)

// ZeroAddress owns the servers of a hardcoded DAO.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// ContentSuffix is where the content server of a catalyst is mounted.
const ContentSuffix = "/content"

// RegistryClient lists the content servers registered in the DAO.
type RegistryClient interface {
	AllServers(ctx context.Context) ([]entity.PeerIdentity, error)
}

// HardcodedDAOClient is a DAO made of a fixed list of catalysts, used for
// private networks and tests.
type HardcodedDAOClient struct {
	catalysts []entity.PeerIdentity
}

// NewHardcodedDAOClient registers the catalysts at addresses, in order.
// Their ids are their positions in the list.
func NewHardcodedDAOClient(addresses []string) *HardcodedDAOClient {
	h := &HardcodedDAOClient{}
	for _, a := range addresses {
		a = strings.TrimSuffix(strings.TrimSpace(a), "/")
		if a == "" {
			continue
		}
		h.catalysts = append(h.catalysts, entity.PeerIdentity{
			Address: a,
			Owner:   ZeroAddress,
			ID:      strconv.Itoa(len(h.catalysts)),
		})
	}
	return h
}

// ParseHardcodedDAO reads a comma separated list of catalyst addresses.
func ParseHardcodedDAO(list string) *HardcodedDAOClient {
	return NewHardcodedDAOClient(strings.Split(list, ","))
}

// Catalysts returns the registered catalysts.
func (h *HardcodedDAOClient) Catalysts() []entity.PeerIdentity {
	return append([]entity.PeerIdentity(nil), h.catalysts...)
}

// AllServers implements RegistryClient: the content server of every
// registered catalyst.
func (h *HardcodedDAOClient) AllServers(context.Context) ([]entity.PeerIdentity, error) {
	out := make([]entity.PeerIdentity, len(h.catalysts))
	for i, c := range h.catalysts {
		c.Address += ContentSuffix
		out[i] = c
	}
	return out, nil
}
