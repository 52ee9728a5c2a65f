package entity

import "encoding/json"

// AuthLinkType tags each link of an authorship chain.
type AuthLinkType string

const (
	AuthLinkSigner              AuthLinkType = "SIGNER"
	AuthLinkEphemeral           AuthLinkType = "ECDSA_EPHEMERAL"
	AuthLinkSignedEntity        AuthLinkType = "ECDSA_SIGNED_ENTITY"
	AuthLinkEIP1654Ephemeral    AuthLinkType = "ECDSA_EIP_1654_EPHEMERAL"
	AuthLinkEIP1654SignedEntity AuthLinkType = "ECDSA_EIP_1654_SIGNED_ENTITY"
)

// AuthLink is one signed delegation of an AuthChain.
type AuthLink struct {
	Type      AuthLinkType `json:"type"`
	Payload   string       `json:"payload"`
	Signature string       `json:"signature,omitempty"`
}

// AuthChain proves that its last signature acts on behalf of the address
// declared by its first link.
type AuthChain []AuthLink

// AuditInfo is the provenance attached to every deployment.
type AuditInfo struct {
	Version           Version         `json:"version"`
	AuthChain         AuthChain       `json:"authChain"`
	OriginServerURL   string          `json:"originServerUrl,omitempty"`
	OriginTimestamp   int64           `json:"originTimestamp,omitempty"`
	LocalTimestamp    int64           `json:"localTimestamp,omitempty"`
	IsFix             bool            `json:"isFix,omitempty"`
	OverwrittenBy     string          `json:"overwrittenBy,omitempty"`
	IsDenylisted      bool            `json:"isDenylisted,omitempty"`
	DenylistedContent []string        `json:"denylistedContent,omitempty"`
	MigrationData     json.RawMessage `json:"migrationData,omitempty"`
}

// Deployment is a committed entity together with its audit information.
type Deployment struct {
	Entity
	AuditInfo  AuditInfo `json:"auditInfo"`
	DeployedBy string    `json:"deployedBy"`
}

// IsActive reports whether no later deployment overwrote this one.
func (d *Deployment) IsActive() bool {
	return d.AuditInfo.OverwrittenBy == ""
}

// FailureReason explains why a synced deployment could not be applied.
type FailureReason string

const (
	// NoEntityOrAudit means the entity or its audit info could not be fetched.
	NoEntityOrAudit FailureReason = "NO_ENTITY_OR_AUDIT"
	// FetchProblem means some of the referenced content could not be fetched.
	FetchProblem FailureReason = "FETCH_PROBLEM"
	// DeploymentError means the deployment was rejected while being applied.
	DeploymentError FailureReason = "DEPLOYMENT_ERROR"
)

// FailedDeployment records a deployment this node learnt about but could not apply.
type FailedDeployment struct {
	EntityType       Type          `json:"entityType" db:"entity_type"`
	EntityID         string        `json:"entityId" db:"entity_id"`
	OriginTimestamp  int64         `json:"originTimestamp" db:"origin_timestamp"`
	OriginServerURL  string        `json:"originServerUrl" db:"origin_server_url"`
	FailureTimestamp int64         `json:"failureTimestamp" db:"failure_timestamp"`
	Reason           FailureReason `json:"reason" db:"reason"`
	ErrorDescription string        `json:"errorDescription,omitempty" db:"error_description"`
}

// PeerIdentity is a catalyst registered in the DAO.
type PeerIdentity struct {
	Address string `json:"address"`
	Owner   string `json:"owner"`
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
}
