package providers

import (
	"errors"
	"fmt"
	"net/http"

	"genledger/internal/domain"
)

// Unavailable wraps a transient failure: network errors, timeouts, 429 and 5xx.
func Unavailable(provider string, err error) error {
	return fmt.Errorf("%s: %w: %w", provider, domain.ErrProviderUnavailable, err)
}

// Rejected wraps a permanent failure.
func Rejected(provider, reason string) error {
	return fmt.Errorf("%s: %w: %s", provider, domain.ErrProviderRejected, reason)
}

// ClassifyStatus maps a non-2xx HTTP status to the provider error taxonomy.
func ClassifyStatus(provider string, status int, detail string) error {
	if status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500 {
		return Unavailable(provider, fmt.Errorf("status %d: %s", status, detail))
	}
	return Rejected(provider, fmt.Sprintf("status %d: %s", status, detail))
}

// IsTransient reports whether err may succeed when retried.
func IsTransient(err error) bool {
	return errors.Is(err, domain.ErrProviderUnavailable)
}
