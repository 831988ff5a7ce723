package common

import "time"

const (
	// TLD is the top level domain of overlay names.
	TLD = ".hop"

	// B32Suffix follows the base32 form of a peer hash.
	B32Suffix = ".b32" + TLD

	// DefaultAdminAddr is where the status endpoint listens.
	DefaultAdminAddr = "127.0.0.1:26736"

	// DefaultOverlayPortString is the default port the yamux overlay node
	// listens on.
	DefaultOverlayPortString = "7657"

	// DefaultConfigFile is read when no --config is given.
	DefaultConfigFile = "/etc/hop/httptunnel.toml"
)

// Timeouts shared by the server and client tunnels.
const (
	// BrowserKeepAliveTimeout is how long a browser may idle between two
	// requests on a persistent connection.
	BrowserKeepAliveTimeout = 2 * time.Minute
)
