package handlers

import (
	"context"
	"errors"
	"net/http"

	"genledger/internal/domain"
)

type insufficientCreditsResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Required  int64  `json:"required"`
	Available int64  `json:"available"`
}

// fail maps a service error onto its HTTP status. Anything unrecognized is
// logged and reported as 500 without its detail.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	var insufficient *domain.InsufficientCreditsError
	switch {
	case errors.As(err, &insufficient):
		a.json(w, http.StatusPaymentRequired, insufficientCreditsResponse{
			Error:     "insufficient_credits",
			Message:   err.Error(),
			Required:  insufficient.Required,
			Available: insufficient.Available,
		})
	case errors.Is(err, domain.ErrValidation):
		a.error(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing account context")
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, domain.ErrInvalidState):
		a.error(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, domain.ErrJobBusy):
		a.error(w, http.StatusConflict, "job_busy", err.Error())
	case errors.Is(err, domain.ErrReconciliationConflict):
		a.error(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, domain.ErrProviderRejected):
		a.error(w, http.StatusBadGateway, "provider_rejected", err.Error())
	case errors.Is(err, domain.ErrProviderUnavailable):
		a.error(w, http.StatusServiceUnavailable, "provider_unavailable", "generation provider unavailable, try again later")
	case errors.Is(err, domain.ErrProcessorUnavailable):
		a.error(w, http.StatusServiceUnavailable, "processor_unavailable", "payment processor unavailable, try again later")
	case errors.Is(err, context.Canceled):
		// client went away; nothing useful to write
	default:
		a.Logger.Error().Err(err).Str("path", r.URL.Path).Msg("http: unhandled error")
		a.error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
