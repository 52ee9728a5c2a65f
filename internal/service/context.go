package service

// DeploymentContext tells how a deployment reached the node, which decides
// the checks it goes through.
type DeploymentContext string

const (
	// Local deployments are submitted by users to this node.
	Local DeploymentContext = "LOCAL"
	// LocalLegacyEntity deployments migrate entities from the legacy
	// content server. Only the operator may submit them.
	LocalLegacyEntity DeploymentContext = "LOCAL_LEGACY_ENTITY"
	// FixAttempt resubmits a deployment that failed to sync.
	FixAttempt DeploymentContext = "FIX_ATTEMPT"
	// Synced deployments were fetched from a peer.
	Synced DeploymentContext = "SYNCED"
)

func (c DeploymentContext) String() string {
	return string(c)
}

func (c DeploymentContext) isLocal() bool {
	return c == Local || c == LocalLegacyEntity
}
