// Package jobs drives generation jobs through their lifecycle: submission with an
// up-front ledger charge, provider reconciliation, artifact materialization and
// the explicit retry and refund actions available to FAILED jobs.
package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"genledger/internal/domain"
	"genledger/internal/domain/jsoncfg"
	"genledger/internal/infra"
	"genledger/internal/observability"
	"genledger/internal/providers"
)

// Provider is the slice of the provider registry the engine relies on.
type Provider interface {
	Supports(kind domain.JobKind) bool
	ProviderFor(kind domain.JobKind) string
	Submit(ctx context.Context, kind domain.JobKind, payload []byte) (domain.ProviderRef, error)
	Poll(ctx context.Context, ref domain.ProviderRef) (providers.PollResult, error)
}

var _ Provider = (*providers.Registry)(nil)

// Pricer computes the credits reserved for a job before it reaches a provider.
type Pricer interface {
	Price(ctx context.Context, kind domain.JobKind, count int, params jsoncfg.GenerationParams) (int64, error)
}

// UnitPricer charges a flat per-item cost by kind. Kinds without an entry cost
// DefaultCost per item.
type UnitPricer struct {
	Costs       map[string]int64
	DefaultCost int64
}

func (p UnitPricer) Price(_ context.Context, kind domain.JobKind, count int, _ jsoncfg.GenerationParams) (int64, error) {
	unit, ok := p.Costs[string(kind)]
	if !ok {
		unit = p.DefaultCost
	}
	if unit < 0 {
		return 0, domain.Validationf("negative unit cost for kind %q", kind)
	}
	return unit * int64(count), nil
}

// SubmitRequest is a caller's request to generate RequestedCount items of Kind.
type SubmitRequest struct {
	OwnerID        string
	Kind           domain.JobKind
	RequestedCount int
	Params         []byte
}

// Gateway validates, prices, charges and dispatches new jobs.
type Gateway struct {
	jobs     domain.JobRepository
	ledger   domain.Ledger
	provider Provider
	pricer   Pricer
	maxBatch int
	retry    providers.RetryPolicy
	logger   infra.Logger
	metrics  *observability.Metrics
}

type GatewayOptions struct {
	MaxBatch int
	Retry    providers.RetryPolicy
	Metrics  *observability.Metrics
}

func NewGateway(jobs domain.JobRepository, ledger domain.Ledger, provider Provider, pricer Pricer, logger infra.Logger, opts GatewayOptions) *Gateway {
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 10
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = providers.DefaultRetryPolicy()
	}
	return &Gateway{
		jobs:     jobs,
		ledger:   ledger,
		provider: provider,
		pricer:   pricer,
		maxBatch: opts.MaxBatch,
		retry:    opts.Retry,
		logger:   logger,
		metrics:  opts.Metrics,
	}
}

// Submit creates a job, charges its owner and dispatches every sub-item.
//
// A job whose sub-items were all accepted is returned IN_QUEUE. When no sub-item
// was accepted the charge is refunded, the job deleted and the provider error
// returned. A partially accepted batch is returned FAILED with the refs it did
// obtain so Retry can fill the rest without another charge.
func (g *Gateway) Submit(ctx context.Context, req SubmitRequest) (*domain.Job, error) {
	if req.OwnerID == "" {
		return nil, domain.ErrUnauthorized
	}
	if !g.provider.Supports(req.Kind) {
		return nil, domain.Validationf("unsupported job kind %q", req.Kind)
	}
	if req.RequestedCount < 1 || req.RequestedCount > g.maxBatch {
		return nil, domain.Validationf("requestedCount must be between 1 and %d", g.maxBatch)
	}
	params, payload, err := jsoncfg.ParseParams(req.Params)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}
	cost, err := g.pricer.Price(ctx, req.Kind, req.RequestedCount, params)
	if err != nil {
		return nil, err
	}

	job := &domain.Job{
		ID:             uuid.NewString(),
		OwnerID:        req.OwnerID,
		Kind:           req.Kind,
		Params:         payload,
		RequestedCount: req.RequestedCount,
		ProviderRefs:   make([]domain.ProviderRef, req.RequestedCount),
		CreditsCharged: cost,
	}
	if err := g.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("gateway: create job: %w", err)
	}
	log := g.logger.With().Str("job_id", job.ID).Str("owner_id", job.OwnerID).Str("kind", string(job.Kind)).Logger()

	if cost > 0 {
		if _, err := g.ledger.Charge(ctx, job.OwnerID, cost, job.ID); err != nil {
			g.discard(ctx, log, job.ID)
			g.metrics.JobSubmitted(string(req.Kind), outcomeFor(err))
			return nil, err
		}
	}
	if _, err := g.jobs.MarkPending(ctx, job.ID); err != nil {
		log.Error().Err(err).Msg("gateway: mark pending failed")
		return nil, g.abandon(ctx, log, job, fmt.Errorf("gateway: mark pending: %w", err))
	}

	refs, submitErr := submitMissing(ctx, g.provider, g.retry, log, g.metrics, job, job.ProviderRefs)
	obtained := countRefs(refs)

	switch {
	case obtained == job.RequestedCount:
		ok, err := g.jobs.Enqueue(ctx, job.ID, refs, domain.JobStatePending)
		if err != nil {
			return nil, fmt.Errorf("gateway: enqueue: %w", err)
		}
		if !ok {
			log.Warn().Msg("gateway: job left PENDING before enqueue")
		}
		g.metrics.JobSubmitted(string(req.Kind), "queued")
		g.metrics.JobTransition(string(domain.JobStateInQueue))
	case obtained == 0:
		g.metrics.JobSubmitted(string(req.Kind), outcomeFor(submitErr))
		return nil, g.abandon(ctx, log, job, submitErr)
	default:
		reason := fmt.Sprintf("partial submission: %d of %d items queued: %v", obtained, job.RequestedCount, submitErr)
		if _, err := g.jobs.Fail(ctx, job.ID, reason, refs); err != nil {
			return nil, fmt.Errorf("gateway: record partial submission: %w", err)
		}
		log.Warn().Int("obtained", obtained).Err(submitErr).Msg("gateway: partial submission")
		g.metrics.JobSubmitted(string(req.Kind), "partial")
		g.metrics.JobTransition(string(domain.JobStateFailed))
	}

	return g.jobs.Get(ctx, job.ID)
}

// submitMissing fills every empty slot of current. It stops at the first sub-item
// that still fails after retries and returns what was obtained so far.
func submitMissing(ctx context.Context, provider Provider, retry providers.RetryPolicy, log infra.Logger, metrics *observability.Metrics, job *domain.Job, current []domain.ProviderRef) ([]domain.ProviderRef, error) {
	refs := make([]domain.ProviderRef, job.RequestedCount)
	copy(refs, current)
	for i := range refs {
		if !refs[i].IsZero() {
			continue
		}
		var ref domain.ProviderRef
		err := retry.Do(ctx, log, func(ctx context.Context) error {
			var err error
			ref, err = provider.Submit(ctx, job.Kind, job.Params)
			return err
		})
		if err != nil {
			metrics.ProviderError(provider.ProviderFor(job.Kind), "submit", errorClass(err))
			log.Warn().Err(err).Int("item", i).Msg("gateway: submit failed")
			return refs, err
		}
		refs[i] = ref
	}
	return refs, nil
}

// abandon undoes a job that never reached a provider: the charge is refunded and
// the job deleted. If the refund fails the job is failed instead so the owner can
// still ask for the refund explicitly.
func (g *Gateway) abandon(ctx context.Context, log infra.Logger, job *domain.Job, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if job.CreditsCharged > 0 {
		if _, err := g.ledger.Refund(ctx, job.OwnerID, job.CreditsCharged, job.ID); err != nil {
			log.Error().Err(err).Msg("gateway: refund after failed submission")
			if _, ferr := g.jobs.Fail(ctx, job.ID, "submission failed: "+cause.Error(), nil); ferr != nil {
				log.Error().Err(ferr).Msg("gateway: fail job after refund error")
			}
			return cause
		}
	}
	g.discard(ctx, log, job.ID)
	return cause
}

func (g *Gateway) discard(ctx context.Context, log infra.Logger, jobID string) {
	if err := g.jobs.Delete(context.WithoutCancel(ctx), jobID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		log.Error().Err(err).Msg("gateway: delete unsubmitted job")
	}
}

func countRefs(refs []domain.ProviderRef) int {
	n := 0
	for _, ref := range refs {
		if !ref.IsZero() {
			n++
		}
	}
	return n
}

func outcomeFor(err error) string {
	switch {
	case err == nil:
		return "queued"
	case errors.Is(err, domain.ErrInsufficientCredits):
		return "insufficient_credits"
	case errors.Is(err, domain.ErrProviderRejected):
		return "rejected"
	case errors.Is(err, domain.ErrProviderUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

func errorClass(err error) string {
	switch {
	case providers.IsTransient(err):
		return "transient"
	case errors.Is(err, domain.ErrProviderRejected):
		return "rejected"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "other"
	}
}
