package transport

import (
	"errors"
	"fmt"

	"github.com/dep2p/harbor/pkg/types"
)

var (
	// ErrNoTransport no registered transport can dial the address.
	ErrNoTransport = fmt.Errorf("%w: no suitable transport for address", types.ErrTransport)

	// ErrInvalidAddress the multiaddr is not usable by the transport.
	ErrInvalidAddress = fmt.Errorf("%w: invalid multiaddr", types.ErrValidation)

	// ErrPeerIDMismatch the remote proved a different identity than expected.
	ErrPeerIDMismatch = fmt.Errorf("%w: peer ID mismatch", types.ErrAuthenticationFailed)

	// ErrClosed the transport or listener was closed.
	ErrClosed = errors.New("transport closed")
)
