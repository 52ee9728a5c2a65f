// Package net is the HTTP surface nodes use to talk to each other: the wire
// types and the client a node polls its peers with.
package net

import (
	"fmt"

	"github.com/catalyst-network/catalyst/common/entity"
)

// Routes of the peer surface, relative to the base url of a node.
const (
	StatusPath       = "/status"
	ChallengePath    = "/challenge"
	DeploymentsPath  = "/deployments"
	AuditPath        = "/audit"
	ContentsPath     = "/contents"
	AvailabilityPath = "/available-content"
	EntitiesPath     = "/entities"
	LegacyPath       = "/legacy-entities"
	PointersPath     = "/pointers"
	FailedPath       = "/failed-deployments"
	DenylistPath     = "/denylist"
	ValidateSigPath  = "/crypto/validate-signature"
	WearablesPath    = "/collections/wearables"
)

// Query parameters.
const (
	FromLocalTimestampParam = "fromLocalTimestamp"
	LimitParam              = "limit"
	ContentIDParam          = "cid"
	EntityIDParam           = "id"
	PointerParam            = "pointer"
)

// ServerStatus is what a node reports about itself.
type ServerStatus struct {
	Name                  string `json:"name"`
	Version               string `json:"version"`
	CurrentTime           int64  `json:"currentTime"`
	HistorySize           int64  `json:"historySize"`
	SynchronizationStatus string `json:"synchronizationStatus"`
	Challenge             string `json:"challenge,omitempty"`
}

// ChallengeResponse carries the challenge token of a node.
type ChallengeResponse struct {
	ChallengeText string `json:"challengeText"`
}

// DeploymentsResponse is a page of the history of a node.
type DeploymentsResponse struct {
	Deployments []*entity.Deployment `json:"deployments"`
}

// ContentAvailability tells whether a node can serve a content.
type ContentAvailability struct {
	CID       string `json:"cid"`
	Available bool   `json:"available"`
}

// DeployResponse is the answer to a successful deployment.
type DeployResponse struct {
	CreationTimestamp int64 `json:"creationTimestamp"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Errors []string `json:"errors"`
}

// SignatureValidationRequest asks whether authChain signs SignedMessage, or
// Timestamp when no message is given.
type SignatureValidationRequest struct {
	SignedMessage string           `json:"signedMessage,omitempty"`
	Timestamp     string           `json:"timestamp,omitempty"`
	AuthChain     entity.AuthChain `json:"authChain"`
}

// SignatureValidationResponse is the outcome of a SignatureValidationRequest.
type SignatureValidationResponse struct {
	Valid        bool   `json:"valid"`
	OwnerAddress string `json:"ownerAddress"`
	Error        string `json:"error,omitempty"`
}

// DenylistRequest edits the denylist. AuthChain must be signed by the
// operator over DenylistMessage.
type DenylistRequest struct {
	Reason    string           `json:"reason,omitempty"`
	Timestamp int64            `json:"timestamp"`
	AuthChain entity.AuthChain `json:"authChain"`
}

// DenylistMessage is the message signed to denylist, or undo the denylisting
// of, the target id.
func DenylistMessage(target, id string, timestamp int64) string {
	return fmt.Sprintf("%s-%s-%d", target, id, timestamp)
}
