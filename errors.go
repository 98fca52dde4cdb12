package harbor

import (
	"errors"

	"github.com/dep2p/harbor/pkg/types"
)

var (
	// ErrNodeClosed the node was closed.
	ErrNodeClosed = errors.New("node closed")

	// ErrNetworkRunning the network is already started.
	ErrNetworkRunning = errors.New("network already running")

	// ErrNetworkStopped the operation needs a started network.
	ErrNetworkStopped = errors.New("network not running")
)

// Re-exported so callers need not import pkg/types for the common checks.
var (
	ErrAuthenticationFailed = types.ErrAuthenticationFailed
	ErrValidation           = types.ErrValidation
	ErrSignatureInvalid     = types.ErrSignatureInvalid
	ErrUnauthorized         = types.ErrUnauthorized
	ErrPeerUnreachable      = types.ErrPeerUnreachable
	ErrTransport            = types.ErrTransport
	ErrCorruptStore         = types.ErrCorruptStore
	ErrInvalidPassphrase    = types.ErrInvalidPassphrase
	ErrIdentityLocked       = types.ErrIdentityLocked
	ErrIdentityExists       = types.ErrIdentityExists
	ErrNotFound             = types.ErrNotFound
)
