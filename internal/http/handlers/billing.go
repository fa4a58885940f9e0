package handlers

import (
	"errors"
	"io"
	"net/http"

	"genledger/internal/domain"
)

// WebhookSignatureHeader carries the processor's "t=..,v1=.." signature.
const WebhookSignatureHeader = "Webhook-Signature"

type verifyRequest struct {
	ExternalSessionID string `json:"externalSessionId"`
}

type verifyResponse struct {
	Status  string `json:"status"`
	Synced  bool   `json:"synced"`
	Granted bool   `json:"granted"`
}

// BillingVerify syncs the subscription behind a finished checkout session.
func (a *App) BillingVerify(w http.ResponseWriter, r *http.Request) {
	accountID := a.currentAccountID(r)
	if accountID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing account context")
		return
	}
	var req verifyRequest
	if !a.decode(w, r, &req) {
		return
	}
	res, err := a.Billing.Verify(r.Context(), accountID, req.ExternalSessionID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, verifyResponse{Status: string(res.Status), Synced: res.Synced, Granted: res.Granted})
}

// BillingWebhook is called by the processor, not by account holders, so it sits
// outside the bearer-token group and authenticates by signature instead.
func (a *App) BillingWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "unreadable payload")
		return
	}
	res, err := a.Billing.HandleWebhook(r.Context(), payload, r.Header.Get(WebhookSignatureHeader))
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			a.error(w, http.StatusBadRequest, "invalid_webhook", err.Error())
			return
		}
		// Non-2xx makes the processor redeliver later.
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, map[string]bool{"received": true, "duplicate": res.Duplicate})
}
