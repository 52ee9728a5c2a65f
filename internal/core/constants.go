package core

import (
	"path"
	"time"

	"github.com/catalyst-network/catalyst/internal/fs"
)

// DefaultConfigFolderName is the name of the folder holding the repository,
// the content and the denylist of the node. It is relative to the user's
// home directory.
const DefaultConfigFolderName = ".catalyst"

// DefaultConfigFolder returns the default path of the configuration folder.
func DefaultConfigFolder() string {
	return path.Join(fs.HomeFolder(), DefaultConfigFolderName)
}

// DefaultDBFolder is the name of the folder in which the bolt repository is
// saved. It is relative to the config folder.
const DefaultDBFolder = "db"

// DefaultContentsFolder is where content files are stored when no bucket is
// configured. It is relative to the config folder.
const DefaultContentsFolder = "contents"

// DefaultListenAddress is where the content API is served.
const DefaultListenAddress = "0.0.0.0:6969"

// DefaultSyncInterval is how often peers are polled for new deployments.
const DefaultSyncInterval = 45 * time.Second

// DefaultRefreshInterval is how often the DAO is asked for its servers.
const DefaultRefreshInterval = 30 * time.Minute

// DefaultRetryInterval is how often failed deployments are retried.
const DefaultRetryInterval = 5 * time.Minute

// DefaultFetchTimeout bounds every request to a peer.
const DefaultFetchTimeout = 2 * time.Minute

// DefaultRequestTTLBackwards is how far from the node clock the timestamp of
// a local deployment may be.
const DefaultRequestTTLBackwards = 20 * time.Minute

// DefaultServiceName names the node in traces and status answers.
const DefaultServiceName = "catalyst"

const shutdownTimeout = 10 * time.Second
