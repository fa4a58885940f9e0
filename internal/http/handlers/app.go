package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"genledger/internal/billing"
	"genledger/internal/domain"
	"genledger/internal/infra"
	"genledger/internal/jobs"
	"genledger/internal/middleware"
)

// maxBodyBytes caps JSON request bodies and webhook payloads.
const maxBodyBytes = 1 << 20

// App carries the services the HTTP handlers call into.
type App struct {
	Gateway *jobs.Gateway
	Poller  *jobs.Poller
	Actions *jobs.Actions
	Jobs    domain.JobRepository
	Ledger  domain.Ledger
	Billing *billing.Reconciler
	Logger  infra.Logger

	// Ping checks the backing store for the health endpoint. Nil means always healthy.
	Ping func(ctx context.Context) error
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, msg string) {
	a.json(w, code, map[string]string{"error": errCode, "message": msg})
}

func (a *App) currentAccountID(r *http.Request) string {
	return middleware.AccountIDFromContext(r.Context())
}

func (a *App) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return false
	}
	return true
}
