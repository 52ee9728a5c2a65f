// Package test holds helpers shared by the tests of several packages.
package test

import (
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/require"

	"github.com/catalyst-network/catalyst/common/entity"
	"github.com/catalyst-network/catalyst/internal/auth"
)

// Identity is a wallet able to sign deployments.
type Identity struct {
	Key     *secp256k1.PrivateKey
	Address string
}

// NewIdentity generates a fresh random wallet.
func NewIdentity(t testing.TB) *Identity {
	key, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	return &Identity{Key: key, Address: auth.AddressOf(key.PubKey())}
}

// SimpleChain is a chain in which the identity signs the entity id directly.
func (i *Identity) SimpleChain(entityID string) entity.AuthChain {
	return entity.AuthChain{
		{Type: entity.AuthLinkSigner, Payload: i.Address},
		{Type: entity.AuthLinkSignedEntity, Payload: entityID, Signature: auth.Sign(i.Key, entityID)},
	}
}

// EphemeralChain delegates to a throwaway key valid until expiration, which
// then signs the entity id.
func (i *Identity) EphemeralChain(t testing.TB, entityID string, expiration time.Time) entity.AuthChain {
	ephemeral := NewIdentity(t)
	payload := auth.EphemeralPayload(ephemeral.Address, expiration)
	return entity.AuthChain{
		{Type: entity.AuthLinkSigner, Payload: i.Address},
		{Type: entity.AuthLinkEphemeral, Payload: payload, Signature: auth.Sign(i.Key, payload)},
		{Type: entity.AuthLinkSignedEntity, Payload: entityID, Signature: auth.Sign(ephemeral.Key, entityID)},
	}
}
