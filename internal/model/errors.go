package model

import (
	"errors"
	"fmt"

	"github.com/potshot/pool-engine/internal/kv"
)

var (
	// ErrValidation marks malformed input: empty question, too few
	// outcomes, non-positive amount, out-of-range outcome index.
	ErrValidation = errors.New("validation failed")

	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrMarketNotOpen     = errors.New("market is not open")
	ErrAlreadyStaked     = errors.New("already staked on this market")

	// ErrSettledOutcomeMismatch is returned when a settled market is
	// settled again with a different outcome. The recorded outcome stands.
	ErrSettledOutcomeMismatch = errors.New("market already settled with a different outcome")

	ErrInvalidTransition = errors.New("invalid market transition")
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")

	// ErrTransient is returned when conflict retries are exhausted. Callers
	// may retry the whole operation.
	ErrTransient = kv.ErrRetriesExhausted

	// ErrStoreUnavailable wraps backend transport failures.
	ErrStoreUnavailable = kv.ErrUnavailable
)

// Invalid builds an ErrValidation with a reason.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
