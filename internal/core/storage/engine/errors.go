package engine

import "errors"

var (
	// ErrNotFound key absent.
	ErrNotFound = errors.New("storage: key not found")

	// ErrEmptyKey zero-length key.
	ErrEmptyKey = errors.New("storage: empty key")

	// ErrClosed engine closed.
	ErrClosed = errors.New("storage: engine closed")

	// ErrReadOnly write attempted on a read-only engine or transaction.
	ErrReadOnly = errors.New("storage: read-only mode")

	// ErrConflict optimistic transaction conflict.
	ErrConflict = errors.New("storage: transaction conflict")

	// ErrTooLarge transaction exceeds engine limits.
	ErrTooLarge = errors.New("storage: transaction too large")

	// ErrInvalidConfig bad engine configuration.
	ErrInvalidConfig = errors.New("storage: invalid configuration")

	// ErrCorrupted stored value failed to decode.
	ErrCorrupted = errors.New("storage: data corrupted")
)

// IsNotFound reports whether err is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
