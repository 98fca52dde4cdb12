package protocol

import (
	"errors"
	"fmt"

	"github.com/dep2p/harbor/pkg/types"
)

var (
	// ErrUnknownKind a message kind this build does not know.
	ErrUnknownKind = fmt.Errorf("%w: unknown message kind", types.ErrValidation)
	// ErrFrameTooLarge a frame exceeded the configured maximum.
	ErrFrameTooLarge = fmt.Errorf("%w: frame too large", types.ErrValidation)
	// ErrSenderMismatch the envelope sender is not the connection's peer.
	ErrSenderMismatch = fmt.Errorf("%w: envelope sender mismatch", types.ErrSignatureInvalid)
	// ErrDuplicateHandler a handler is already registered for the kind.
	ErrDuplicateHandler = errors.New("handler already registered")
	// ErrNoHandler no handler is registered for the kind.
	ErrNoHandler = errors.New("no handler registered")
)

// Error codes carried by an Error response.
const (
	CodeBadRequest uint32 = iota + 1
	CodeNotIdentified
	CodeUnavailable
	CodeInternal
)

// AsError maps a remote Error response onto the local error kinds.
func AsError(e *Error) error {
	switch e.Code {
	case CodeBadRequest:
		return fmt.Errorf("%w: remote: %s", types.ErrValidation, e.Message)
	case CodeNotIdentified:
		return fmt.Errorf("%w: remote: %s", types.ErrNotIdentified, e.Message)
	case CodeUnavailable:
		return fmt.Errorf("%w: remote: %s", types.ErrPeerUnreachable, e.Message)
	default:
		return fmt.Errorf("%w: remote: %s", types.ErrTransport, e.Message)
	}
}

// CodeFor picks the response code for a handler error.
func CodeFor(err error) uint32 {
	switch {
	case errors.Is(err, types.ErrValidation), errors.Is(err, types.ErrSignatureInvalid):
		return CodeBadRequest
	case errors.Is(err, types.ErrNotIdentified):
		return CodeNotIdentified
	case errors.Is(err, types.ErrIdentityLocked), errors.Is(err, ErrNoHandler):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}
