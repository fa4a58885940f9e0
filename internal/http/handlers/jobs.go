package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"genledger/internal/domain"
	"genledger/internal/jobs"
)

type createJobRequest struct {
	Kind           string          `json:"kind"`
	RequestedCount int             `json:"requestedCount"`
	Params         json.RawMessage `json:"params"`
}

type jobResponse struct {
	JobID          string    `json:"jobId"`
	Kind           string    `json:"kind"`
	State          string    `json:"state"`
	RequestedCount int       `json:"requestedCount"`
	Outputs        []string  `json:"outputs,omitempty"`
	Error          string    `json:"error,omitempty"`
	CreditsCharged int64     `json:"creditsCharged"`
	Actions        []string  `json:"actions"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func toJobResponse(job *domain.Job) jobResponse {
	resp := jobResponse{
		JobID:          job.ID,
		Kind:           string(job.Kind),
		State:          string(job.State),
		RequestedCount: job.RequestedCount,
		CreditsCharged: job.CreditsCharged,
		Actions:        jobs.AvailableActions(job),
		CreatedAt:      job.CreatedAt,
		UpdatedAt:      job.UpdatedAt,
	}
	switch job.State {
	case domain.JobStateCompleted:
		resp.Outputs = job.Outputs
	case domain.JobStateFailed:
		resp.Error = job.ErrorReason
	}
	return resp
}

// JobsCreate charges the caller and dispatches a new generation job.
func (a *App) JobsCreate(w http.ResponseWriter, r *http.Request) {
	accountID := a.currentAccountID(r)
	if accountID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing account context")
		return
	}
	var req createJobRequest
	if !a.decode(w, r, &req) {
		return
	}
	job, err := a.Gateway.Submit(r.Context(), jobs.SubmitRequest{
		OwnerID:        accountID,
		Kind:           domain.JobKind(req.Kind),
		RequestedCount: req.RequestedCount,
		Params:         req.Params,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusCreated, toJobResponse(job))
}

// jobIDParam reads {id}. Job ids are UUIDs, so anything else cannot name a job.
func (a *App) jobIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		a.error(w, http.StatusNotFound, "not_found", "resource not found")
		return "", false
	}
	return id, true
}

// JobStatus reconciles the job once before answering, so a status request
// makes progress even when no poller is running.
func (a *App) JobStatus(w http.ResponseWriter, r *http.Request) {
	accountID := a.currentAccountID(r)
	if accountID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing account context")
		return
	}
	jobID, ok := a.jobIDParam(w, r)
	if !ok {
		return
	}
	job, err := a.Jobs.GetForOwner(r.Context(), jobID, accountID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if job.State.Open() {
		reconciled, err := a.Poller.Reconcile(r.Context(), job.ID)
		if err != nil {
			a.Logger.Warn().Err(err).Str("job_id", job.ID).Msg("http: reconcile on status failed")
		} else {
			job = reconciled
		}
	}
	a.json(w, http.StatusOK, toJobResponse(job))
}

func (a *App) JobRetry(w http.ResponseWriter, r *http.Request) {
	accountID := a.currentAccountID(r)
	if accountID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing account context")
		return
	}
	jobID, ok := a.jobIDParam(w, r)
	if !ok {
		return
	}
	job, err := a.Actions.Retry(r.Context(), accountID, jobID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, toJobResponse(job))
}

type refundResponse struct {
	jobResponse
	RefundedCredits int64  `json:"refundedCredits"`
	TransactionID   string `json:"transactionId,omitempty"`
}

func (a *App) JobRefund(w http.ResponseWriter, r *http.Request) {
	accountID := a.currentAccountID(r)
	if accountID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing account context")
		return
	}
	jobID, ok := a.jobIDParam(w, r)
	if !ok {
		return
	}
	tx, job, err := a.Actions.Refund(r.Context(), accountID, jobID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	resp := refundResponse{jobResponse: toJobResponse(job)}
	if tx != nil {
		resp.RefundedCredits = tx.Amount
		resp.TransactionID = tx.ID
	}
	a.json(w, http.StatusOK, resp)
}
