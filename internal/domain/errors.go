package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrValidation             = errors.New("invalid parameters")
	ErrInsufficientCredits    = errors.New("insufficient credits")
	ErrProviderUnavailable    = errors.New("provider unavailable")
	ErrProviderRejected       = errors.New("provider rejected request")
	ErrMaterialization        = errors.New("materialization failure")
	ErrReconciliationConflict = errors.New("reconciliation conflict")
	ErrProcessorUnavailable   = errors.New("payment processor unavailable")
	ErrInvalidState           = errors.New("invalid job state")
	ErrJobBusy                = errors.New("job is being processed")
	ErrDuplicateOperation     = errors.New("duplicate operation")
)

// InsufficientCreditsError carries the amounts reported by a 402 response.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientCreditsError) Unwrap() error {
	return ErrInsufficientCredits
}

// Validationf builds an error matching ErrValidation.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
