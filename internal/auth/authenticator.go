// Package auth validates the signed delegation chains attached to deployments.
package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/catalyst-network/catalyst/common/entity"
)

const (
	ephemeralAddressLabel = "Ephemeral address:"
	expirationLabel       = "Expiration:"
)

// Result is the outcome of validating an AuthChain.
type Result struct {
	OK      bool
	Message string
}

func failed(format string, args ...interface{}) Result {
	return Result{Message: "ERROR. " + fmt.Sprintf(format, args...)}
}

// ContractVerifier checks EIP-1654 signatures against a smart contract wallet.
type ContractVerifier interface {
	IsValidSignature(ctx context.Context, contract string, message, signature string) (bool, error)
}

// Authenticator validates auth chains and knows the operator address, the
// only one allowed to touch reserved pointers.
type Authenticator struct {
	operator string
	verifier ContractVerifier
}

// NewAuthenticator returns an Authenticator for the given operator address.
// verifier may be nil, in which case EIP-1654 links are refused.
func NewAuthenticator(operatorAddress string, verifier ContractVerifier) *Authenticator {
	return &Authenticator{operator: strings.ToLower(operatorAddress), verifier: verifier}
}

// Operator returns the operator address.
func (a *Authenticator) Operator() string {
	return a.operator
}

// IsOperator reports whether address belongs to the operator, case-insensitive.
func (a *Authenticator) IsOperator(address string) bool {
	return strings.ToLower(address) == a.operator
}

// OwnerAddress returns the address the chain acts on behalf of.
func OwnerAddress(chain entity.AuthChain) string {
	if len(chain) == 0 {
		return ""
	}
	return chain[0].Payload
}

// ValidateSignature checks that chain delegates from its signer down to a
// final signature over expectedFinalAuthority. Ephemeral keys must not be
// expired at expirationCutoff.
func (a *Authenticator) ValidateSignature(ctx context.Context, expectedFinalAuthority string,
	chain entity.AuthChain, expirationCutoff time.Time) Result {
	if len(chain) < 2 {
		return failed("Malformed authChain: expected at least a signer and a signed link.")
	}
	if chain[0].Type != entity.AuthLinkSigner || chain[0].Payload == "" {
		return failed("Malformed authChain: the first link must be of type %s.", entity.AuthLinkSigner)
	}

	authority := chain[0].Payload
	for i := 1; i < len(chain); i++ {
		if ctx.Err() != nil {
			return failed("%v", ctx.Err())
		}
		link := chain[i]
		last := i == len(chain)-1

		switch link.Type {
		case entity.AuthLinkEphemeral, entity.AuthLinkEIP1654Ephemeral:
			if last {
				return failed("Malformed authChain: the last link must sign the entity.")
			}
			if res := a.checkLink(ctx, authority, link); !res.OK {
				return res
			}
			next, expiration, err := parseEphemeralPayload(link.Payload)
			if err != nil {
				return failed("Link type: %s. %v.", link.Type, err)
			}
			if !expiration.After(expirationCutoff) {
				return failed("Link type: %s. Ephemeral key expired.", link.Type)
			}
			authority = next
		case entity.AuthLinkSignedEntity, entity.AuthLinkEIP1654SignedEntity:
			if !last {
				return failed("Malformed authChain: %s must be the last link.", link.Type)
			}
			if link.Payload != expectedFinalAuthority {
				return failed("Link type: %s. Payload does not match the expected final authority.", link.Type)
			}
			if res := a.checkLink(ctx, authority, link); !res.OK {
				return res
			}
		default:
			return failed("Malformed authChain: unexpected link type %s.", link.Type)
		}
	}
	return Result{OK: true}
}

func (a *Authenticator) checkLink(ctx context.Context, authority string, link entity.AuthLink) Result {
	switch link.Type {
	case entity.AuthLinkEIP1654Ephemeral, entity.AuthLinkEIP1654SignedEntity:
		if a.verifier == nil {
			return failed("Link type: %s. No contract verifier available.", link.Type)
		}
		ok, err := a.verifier.IsValidSignature(ctx, authority, link.Payload, link.Signature)
		if err != nil {
			return failed("Link type: %s. %v", link.Type, err)
		}
		if !ok {
			return failed("Link type: %s. Invalid signature.", link.Type)
		}
		return Result{OK: true}
	default:
		signer, err := RecoverAddress(link.Payload, link.Signature)
		if err != nil {
			return failed("Link type: %s. %v.", link.Type, err)
		}
		if !strings.EqualFold(signer, authority) {
			return failed("Link type: %s. Invalid signer address.", link.Type)
		}
		return Result{OK: true}
	}
}

func parseEphemeralPayload(payload string) (string, time.Time, error) {
	var address, expiration string
	for _, line := range strings.Split(payload, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, ephemeralAddressLabel):
			address = strings.TrimSpace(strings.TrimPrefix(line, ephemeralAddressLabel))
		case strings.HasPrefix(line, expirationLabel):
			expiration = strings.TrimSpace(strings.TrimPrefix(line, expirationLabel))
		}
	}
	if address == "" || expiration == "" {
		return "", time.Time{}, fmt.Errorf("malformed ephemeral payload")
	}
	exp, err := time.Parse(time.RFC3339Nano, expiration)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("malformed ephemeral expiration: %w", err)
	}
	return address, exp, nil
}

// EphemeralPayload builds the payload of an ephemeral delegation link.
func EphemeralPayload(ephemeralAddress string, expiration time.Time) string {
	return fmt.Sprintf("Catalyst Login\n%s %s\n%s %s",
		ephemeralAddressLabel, ephemeralAddress,
		expirationLabel, expiration.UTC().Format(time.RFC3339Nano))
}
