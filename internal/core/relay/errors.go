package relay

import (
	"errors"
	"fmt"

	"github.com/dep2p/harbor/pkg/types"
)

var (
	// ErrServerClosed the relay server was stopped.
	ErrServerClosed = errors.New("relay server closed")

	// ErrClientClosed the relay client was closed.
	ErrClientClosed = errors.New("relay client closed")

	// ErrMalformedMessage a hop or stop message failed to decode.
	ErrMalformedMessage = fmt.Errorf("%w: malformed relay message", types.ErrValidation)

	// ErrUnexpectedMessage the message type is wrong for this point of the
	// exchange.
	ErrUnexpectedMessage = fmt.Errorf("%w: unexpected relay message", types.ErrValidation)

	// ErrReservationRefused the relay refused the reservation.
	ErrReservationRefused = fmt.Errorf("%w: reservation refused", types.ErrTransport)

	// ErrResourceLimitExceeded the relay is out of slots.
	ErrResourceLimitExceeded = fmt.Errorf("%w: relay resource limit exceeded", types.ErrTransport)

	// ErrTooManyCircuits the peer already holds its share of circuits.
	ErrTooManyCircuits = fmt.Errorf("%w: too many circuits", types.ErrTransport)

	// ErrNoReservation the target holds no reservation on the relay.
	ErrNoReservation = fmt.Errorf("%w: target has no reservation", types.ErrPeerUnreachable)

	// ErrConnectFailed the relay could not reach the target.
	ErrConnectFailed = fmt.Errorf("%w: relay could not reach target", types.ErrPeerUnreachable)

	// ErrPermissionDenied the remote refused the circuit.
	ErrPermissionDenied = fmt.Errorf("%w: circuit refused", types.ErrTransport)

	// ErrHandshake end to end authentication over the circuit failed.
	ErrHandshake = fmt.Errorf("%w: circuit handshake", types.ErrAuthenticationFailed)
)

// Status is the outcome carried in hop and stop replies.
type Status uint32

const (
	StatusUnused Status = iota
	StatusOK
	StatusReservationRefused
	StatusResourceLimitExceeded
	StatusPermissionDenied
	StatusConnectionFailed
	StatusNoReservation
	StatusMalformedMessage
	StatusUnexpectedMessage
)

var statusNames = map[Status]string{
	StatusUnused:                "UNUSED",
	StatusOK:                    "OK",
	StatusReservationRefused:    "RESERVATION_REFUSED",
	StatusResourceLimitExceeded: "RESOURCE_LIMIT_EXCEEDED",
	StatusPermissionDenied:      "PERMISSION_DENIED",
	StatusConnectionFailed:      "CONNECTION_FAILED",
	StatusNoReservation:         "NO_RESERVATION",
	StatusMalformedMessage:      "MALFORMED_MESSAGE",
	StatusUnexpectedMessage:     "UNEXPECTED_MESSAGE",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Status(%d)", uint32(s))
}

// Err maps a non-OK status to its error. StatusOK maps to nil.
func (s Status) Err() error {
	switch s {
	case StatusOK:
		return nil
	case StatusReservationRefused:
		return ErrReservationRefused
	case StatusResourceLimitExceeded:
		return ErrResourceLimitExceeded
	case StatusPermissionDenied:
		return ErrPermissionDenied
	case StatusConnectionFailed:
		return ErrConnectFailed
	case StatusNoReservation:
		return ErrNoReservation
	case StatusMalformedMessage:
		return ErrMalformedMessage
	case StatusUnexpectedMessage:
		return ErrUnexpectedMessage
	default:
		return fmt.Errorf("%w: relay status %s", types.ErrTransport, s)
	}
}

// statusFor maps a server-side error to the status sent back.
func statusFor(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrTooManyCircuits), errors.Is(err, ErrResourceLimitExceeded):
		return StatusResourceLimitExceeded
	case errors.Is(err, ErrNoReservation):
		return StatusNoReservation
	case errors.Is(err, ErrMalformedMessage):
		return StatusMalformedMessage
	case errors.Is(err, ErrUnexpectedMessage):
		return StatusUnexpectedMessage
	case errors.Is(err, ErrPermissionDenied):
		return StatusPermissionDenied
	default:
		return StatusConnectionFailed
	}
}
