package handlers

import (
	"net/http"
	"strconv"
	"time"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

type transactionDTO struct {
	ID        string    `json:"id"`
	Amount    int64     `json:"amount"`
	Kind      string    `json:"kind"`
	JobID     string    `json:"jobId,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type creditsResponse struct {
	Balance      int64            `json:"balance"`
	Transactions []transactionDTO `json:"transactions"`
}

// Credits returns the caller's balance and most recent ledger entries.
func (a *App) Credits(w http.ResponseWriter, r *http.Request) {
	accountID := a.currentAccountID(r)
	if accountID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing account context")
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			a.error(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	balance, err := a.Ledger.Balance(r.Context(), accountID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	txs, err := a.Ledger.Transactions(r.Context(), accountID, limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	resp := creditsResponse{Balance: balance, Transactions: make([]transactionDTO, 0, len(txs))}
	for _, tx := range txs {
		resp.Transactions = append(resp.Transactions, transactionDTO{
			ID:        tx.ID,
			Amount:    tx.Amount,
			Kind:      string(tx.Kind),
			JobID:     tx.RelatedJobID,
			Reason:    tx.Reason,
			CreatedAt: tx.CreatedAt,
		})
	}
	a.json(w, http.StatusOK, resp)
}
