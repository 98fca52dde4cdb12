package network

import (
	"errors"
	"fmt"

	"github.com/dep2p/harbor/pkg/types"
)

var (
	// ErrNotRunning the network is not started or already stopped.
	ErrNotRunning = errors.New("network not running")

	// ErrAlreadyRunning Start was called twice.
	ErrAlreadyRunning = errors.New("network already running")

	// ErrSelfDial the target is the local peer.
	ErrSelfDial = fmt.Errorf("%w: dial to self", types.ErrValidation)

	// ErrBlocked the peer is blocked.
	ErrBlocked = fmt.Errorf("%w: peer is blocked", types.ErrUnauthorized)

	// ErrNotConnected no live connection to the peer.
	ErrNotConnected = fmt.Errorf("%w: not connected", types.ErrPeerUnreachable)

	// ErrUnexpectedKind a message kind arrived where it is not allowed.
	ErrUnexpectedKind = fmt.Errorf("%w: unexpected message kind", types.ErrValidation)

	// ErrIncompatibleVersion the peer speaks another protocol major version.
	ErrIncompatibleVersion = fmt.Errorf("%w: incompatible protocol version", types.ErrValidation)

	// ErrNotRelay the peer did not advertise relay service.
	ErrNotRelay = fmt.Errorf("%w: peer is not a relay", types.ErrValidation)
)
