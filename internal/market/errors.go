package market

import (
	"errors"
	"fmt"
)

// Rejection kinds. Every error returned by the engine wraps exactly one.
var (
	ErrValidation             = errors.New("validation error")
	ErrAuthorization          = errors.New("authorization error")
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrRatioViolation         = errors.New("ratio violation")
	ErrObjectNotFound         = errors.New("object not found")
	ErrAssetFrozen            = errors.New("asset frozen")
	ErrInsufficientBalance    = errors.New("insufficient balance")

	// ErrInternal marks an invariant breach. The whole block is rejected.
	ErrInternal = errors.New("internal error")
)

func reject(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// ErrorKind maps err to a stable label for metrics and rejection records
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrAuthorization):
		return "authorization"
	case errors.Is(err, ErrInsufficientCollateral):
		return "insufficient_collateral"
	case errors.Is(err, ErrRatioViolation):
		return "ratio_violation"
	case errors.Is(err, ErrObjectNotFound):
		return "object_not_found"
	case errors.Is(err, ErrAssetFrozen):
		return "asset_frozen"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrInternal):
		return "internal"
	default:
		return "unknown"
	}
}

// IsRejection reports whether err rejects a single operation rather than
// the whole block
func IsRejection(err error) bool {
	return err != nil && !errors.Is(err, ErrInternal) && ErrorKind(err) != "unknown"
}
