package crypto

import (
	"errors"
	"fmt"

	"github.com/dep2p/harbor/pkg/types"
)

var (
	// ErrInvalidKey key material of the wrong size or a low-order point.
	ErrInvalidKey = fmt.Errorf("%w: invalid key", types.ErrValidation)

	// ErrDecrypt re-exported so callers of this package need not import types.
	ErrDecrypt = types.ErrDecrypt

	// ErrSignatureInvalid re-exported for the same reason.
	ErrSignatureInvalid = types.ErrSignatureInvalid

	errCounterExhausted = errors.New("crypto: nonce counter exhausted")
)
