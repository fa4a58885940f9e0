package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"genledger/internal/domain"
	"genledger/internal/infra"
	"genledger/internal/observability"
	"genledger/internal/providers"
)

// Actions are the owner-initiated recoveries offered for FAILED jobs.
type Actions struct {
	jobs        domain.JobRepository
	leases      domain.LeaseStore
	ledger      domain.Ledger
	provider    Provider
	retry       providers.RetryPolicy
	leaseTTL    time.Duration
	callTimeout time.Duration
	logger      infra.Logger
	metrics     *observability.Metrics
}

type ActionsOptions struct {
	Retry       providers.RetryPolicy
	LeaseTTL    time.Duration
	CallTimeout time.Duration
	Metrics     *observability.Metrics
}

func NewActions(jobs domain.JobRepository, leases domain.LeaseStore, ledger domain.Ledger, provider Provider, logger infra.Logger, opts ActionsOptions) *Actions {
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = providers.DefaultRetryPolicy()
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 30 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 5 * time.Second
	}
	return &Actions{
		jobs:        jobs,
		leases:      leases,
		ledger:      ledger,
		provider:    provider,
		retry:       opts.Retry,
		leaseTTL:    opts.LeaseTTL,
		callTimeout: opts.CallTimeout,
		logger:      logger,
		metrics:     opts.Metrics,
	}
}

// AvailableActions lists what the owner may do with job next.
func AvailableActions(job *domain.Job) []string {
	if job.State == domain.JobStateFailed && !job.Archived() {
		return []string{"retry", "refund"}
	}
	return []string{}
}

// Retry resubmits the sub-items of a FAILED job that no longer have a usable
// provider ref and moves the job back to IN_QUEUE. Refs whose requests are still
// alive at the provider are kept. The ledger is not touched.
func (a *Actions) Retry(ctx context.Context, ownerID, jobID string) (*domain.Job, error) {
	job, release, err := a.lockFailed(ctx, ownerID, jobID)
	if err != nil {
		return nil, err
	}
	defer release()

	log := a.logger.With().Str("job_id", job.ID).Str("action", "retry").Logger()
	refs := a.reusableRefs(ctx, log, job)
	kept := countRefs(refs)

	refs, submitErr := submitMissing(ctx, a.provider, a.retry, log, a.metrics, job, refs)
	if submitErr != nil {
		if countRefs(refs) > kept {
			if _, err := a.jobs.SetFailedRefs(context.WithoutCancel(ctx), job.ID, refs); err != nil {
				log.Error().Err(err).Msg("jobs: store refs of failed retry")
			}
		}
		return nil, submitErr
	}

	ok, err := a.jobs.Enqueue(ctx, job.ID, refs, domain.JobStateFailed)
	if err != nil {
		return nil, fmt.Errorf("retry: enqueue: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: job changed during retry", domain.ErrInvalidState)
	}
	a.metrics.JobTransition(string(domain.JobStateInQueue))
	log.Info().Int("reused", kept).Int("submitted", job.RequestedCount-kept).Msg("jobs: job retried")
	return a.jobs.Get(ctx, job.ID)
}

// reusableRefs keeps the refs of requests the provider has not failed. A ref
// that cannot be checked because of a transient error is kept as well.
func (a *Actions) reusableRefs(ctx context.Context, log infra.Logger, job *domain.Job) []domain.ProviderRef {
	refs := make([]domain.ProviderRef, job.RequestedCount)
	copy(refs, job.ProviderRefs)
	for i, ref := range refs {
		if ref.IsZero() {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
		res, err := a.provider.Poll(callCtx, ref)
		cancel()
		switch {
		case err != nil && providers.IsTransient(err):
			log.Debug().Err(err).Str("ref", ref.String()).Msg("jobs: keeping unverified ref")
		case err != nil, res.Status == providers.StatusFailed:
			refs[i] = domain.ProviderRef{}
		}
	}
	return refs
}

// Refund archives a FAILED job and credits its owner with creditsCharged. A job
// that was already refunded returns the existing REFUND transaction.
func (a *Actions) Refund(ctx context.Context, ownerID, jobID string) (*domain.CreditTransaction, *domain.Job, error) {
	job, err := a.jobs.GetForOwner(ctx, jobID, ownerID)
	if err != nil {
		return nil, nil, err
	}
	if job.State != domain.JobStateFailed {
		return nil, nil, fmt.Errorf("%w: job is %s, not FAILED", domain.ErrInvalidState, job.State)
	}
	job, release, err := a.lock(ctx, job)
	if err != nil {
		return nil, nil, err
	}
	defer release()
	if job.State != domain.JobStateFailed {
		return nil, nil, fmt.Errorf("%w: job is %s, not FAILED", domain.ErrInvalidState, job.State)
	}

	// Archive first so a concurrent Retry can no longer revive the job.
	archived, err := a.jobs.Archive(ctx, job.ID)
	if err != nil {
		return nil, nil, err
	}
	existing, err := a.ledger.FindJobTransaction(ctx, job.ID, domain.TxRefund)
	switch {
	case err == nil:
		return existing, archived, nil
	case !errors.Is(err, domain.ErrNotFound):
		return nil, nil, err
	}
	if job.CreditsCharged == 0 {
		return nil, archived, nil
	}
	tx, err := a.ledger.Refund(ctx, job.OwnerID, job.CreditsCharged, job.ID)
	if err != nil {
		return nil, nil, err
	}
	a.logger.Info().Str("job_id", job.ID).Int64("amount", tx.Amount).Msg("jobs: job refunded")
	return tx, archived, nil
}

// lockFailed loads the owner's job and holds its lease while it is FAILED and
// not archived.
func (a *Actions) lockFailed(ctx context.Context, ownerID, jobID string) (*domain.Job, func(), error) {
	job, err := a.jobs.GetForOwner(ctx, jobID, ownerID)
	if err != nil {
		return nil, nil, err
	}
	if err := checkFailed(job); err != nil {
		return nil, nil, err
	}
	job, release, err := a.lock(ctx, job)
	if err != nil {
		return nil, nil, err
	}
	if err := checkFailed(job); err != nil {
		release()
		return nil, nil, err
	}
	return job, release, nil
}

// lock takes the job's lease and reloads it.
func (a *Actions) lock(ctx context.Context, job *domain.Job) (*domain.Job, func(), error) {
	owner := "action/" + uuid.NewString()
	acquired, err := a.leases.AcquireLease(ctx, job.ID, owner, a.leaseTTL)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire lease: %w", err)
	}
	if !acquired {
		a.metrics.LeaseContention()
		return nil, nil, domain.ErrJobBusy
	}
	release := func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := a.leases.ReleaseLease(rctx, job.ID, owner); err != nil {
			a.logger.Warn().Err(err).Str("job_id", job.ID).Msg("jobs: release lease")
		}
	}
	fresh, err := a.jobs.Get(ctx, job.ID)
	if err != nil {
		release()
		return nil, nil, err
	}
	return fresh, release, nil
}

func checkFailed(job *domain.Job) error {
	if job.State != domain.JobStateFailed {
		return fmt.Errorf("%w: job is %s, not FAILED", domain.ErrInvalidState, job.State)
	}
	if job.Archived() {
		return fmt.Errorf("%w: job was refunded", domain.ErrInvalidState)
	}
	return nil
}
