package quic

import (
	"errors"
	"fmt"

	"github.com/dep2p/harbor/pkg/types"
)

var (
	// ErrTransportClosed the transport was closed.
	ErrTransportClosed = errors.New("quic transport closed")

	// ErrListenerClosed the listener was closed.
	ErrListenerClosed = errors.New("quic listener closed")

	// ErrAlreadyListening a transport owns exactly one socket.
	ErrAlreadyListening = errors.New("quic transport already listening")

	// ErrNoCertificate the peer presented no usable certificate.
	ErrNoCertificate = fmt.Errorf("%w: no TLS certificate", types.ErrAuthenticationFailed)
)
