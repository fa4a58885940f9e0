package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"genledger/internal/domain"
	"genledger/internal/infra"
	"genledger/internal/observability"
	"genledger/internal/providers"
)

// Artifacts turns transient provider URLs into durable ones. *Materializer implements it.
type Artifacts interface {
	Materialize(ctx context.Context, job *domain.Job, urls []string) ([]string, error)
}

type PollerConfig struct {
	Interval      time.Duration
	CallTimeout   time.Duration
	Concurrency   int
	MaxIdleCycles int
	// IdleTimeout fails a job that made no progress for this long. It defaults to
	// MaxIdleCycles poll intervals, so status requests polled at any rate do not
	// shorten it.
	IdleTimeout time.Duration
	LeaseTTL    time.Duration
	BatchSize     int
	WorkerID      string

	// MaterializeTimeout bounds a materialization and is also how long a job may
	// sit in ARTIFACTS_READY before the sweep fails it.
	MaterializeTimeout time.Duration
	// PendingTimeout fails PENDING jobs whose submission never finished.
	PendingTimeout time.Duration
}

func (c *PollerConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 5 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.MaxIdleCycles <= 0 {
		c.MaxIdleCycles = 900
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = time.Duration(c.MaxIdleCycles) * c.Interval
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.MaterializeTimeout <= 0 {
		c.MaterializeTimeout = 10 * time.Minute
	}
	if c.PendingTimeout <= 0 {
		c.PendingTimeout = 5 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.WorkerID == "" {
		c.WorkerID = uuid.NewString()
	}
}

// Poller reconciles open jobs against their providers. Every reconcile of a job
// runs under its lease so concurrent pollers, status requests and actions never
// act on the same job at once.
type Poller struct {
	jobs      domain.JobRepository
	leases    domain.LeaseStore
	provider  Provider
	artifacts Artifacts
	cfg       PollerConfig
	logger    infra.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

func NewPoller(jobs domain.JobRepository, leases domain.LeaseStore, provider Provider, artifacts Artifacts, logger infra.Logger, metrics *observability.Metrics, cfg PollerConfig) *Poller {
	cfg.applyDefaults()
	return &Poller{
		jobs:      jobs,
		leases:    leases,
		provider:  provider,
		artifacts: artifacts,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
	}
}

// Run reconciles open jobs every Interval until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info().Str("worker_id", p.cfg.WorkerID).Dur("interval", p.cfg.Interval).Msg("poller: started")
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error().Err(err).Msg("poller: cycle failed")
		}
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("poller: stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs one pass: every open job and every job stuck in
// ARTIFACTS_READY past MaterializeTimeout gets one reconcile.
func (p *Poller) RunOnce(ctx context.Context) error {
	started := p.now()
	open, err := p.jobs.ListOpen(ctx, p.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list open jobs: %w", err)
	}
	stale, err := p.jobs.ListStaleSettled(ctx, started.Add(-p.cfg.MaterializeTimeout), p.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list stale settled jobs: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, job := range append(open, stale...) {
		jobID := job.ID
		g.Go(func() error {
			if _, err := p.Reconcile(gctx, jobID); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Error().Err(err).Str("job_id", jobID).Msg("poller: reconcile failed")
			}
			return nil
		})
	}
	err = g.Wait()
	p.metrics.ObservePollCycle(len(open), p.now().Sub(started))
	return err
}

// Reconcile runs one guarded reconcile of jobID and returns the job as stored
// afterwards. When another worker holds the job's lease the stored job is
// returned unchanged.
func (p *Poller) Reconcile(ctx context.Context, jobID string) (*domain.Job, error) {
	owner := p.cfg.WorkerID + "/" + uuid.NewString()
	acquired, err := p.leases.AcquireLease(ctx, jobID, owner, p.cfg.LeaseTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	if !acquired {
		p.metrics.LeaseContention()
		return p.jobs.Get(ctx, jobID)
	}
	defer p.release(ctx, jobID, owner)

	job, err := p.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := p.reconcile(ctx, job); err != nil {
		return nil, err
	}
	return p.jobs.Get(ctx, jobID)
}

func (p *Poller) release(ctx context.Context, jobID, owner string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.leases.ReleaseLease(ctx, jobID, owner); err != nil {
		p.logger.Warn().Err(err).Str("job_id", jobID).Msg("poller: release lease")
	}
}

func (p *Poller) reconcile(ctx context.Context, job *domain.Job) error {
	if job.Archived() {
		return nil
	}
	switch job.State {
	case domain.JobStatePending:
		if p.now().Sub(job.UpdatedAt) > p.cfg.PendingTimeout {
			return p.fail(ctx, job, "submission did not complete")
		}
		return nil
	case domain.JobStateInQueue, domain.JobStateInProgress:
		return p.observe(ctx, job)
	case domain.JobStateArtifactsReady:
		if job.SettledAt != nil && p.now().Sub(*job.SettledAt) > p.cfg.MaterializeTimeout {
			return p.fail(ctx, job, "materialization did not complete")
		}
		return nil
	default:
		return nil
	}
}

// observation folds the poll results of every sub-item of a job.
type observation struct {
	failed     string
	readyURLs  []string
	allReady   bool
	anyRunning bool
}

func (p *Poller) observe(ctx context.Context, job *domain.Job) error {
	if missing := job.MissingRefs(); len(missing) > 0 {
		return p.fail(ctx, job, fmt.Sprintf("missing provider ref for item %d", missing[0]))
	}

	obs := p.pollAll(ctx, job.ProviderRefs[:job.RequestedCount])
	if err := ctx.Err(); err != nil {
		return err
	}

	switch {
	case obs.failed != "":
		return p.fail(ctx, job, obs.failed)
	case obs.allReady:
		return p.settle(ctx, job, obs.readyURLs)
	case obs.anyRunning && job.State == domain.JobStateInQueue:
		ok, err := p.jobs.Advance(ctx, job.ID, domain.JobStateInQueue, domain.JobStateInProgress)
		if err != nil {
			return err
		}
		if ok {
			p.metrics.JobTransition(string(domain.JobStateInProgress))
		}
		return nil
	default:
		cycles, err := p.jobs.TouchIdle(ctx, job.ID)
		if err != nil {
			return err
		}
		if idle := p.now().Sub(job.ProgressAt); idle >= p.cfg.IdleTimeout {
			return p.fail(ctx, job, fmt.Sprintf("timed out after %s without progress (%d polls)", idle.Truncate(time.Second), cycles))
		}
		return nil
	}
}

// pollAll polls every sub-item at once so one cycle takes at most CallTimeout,
// well inside the lease.
func (p *Poller) pollAll(ctx context.Context, refs []domain.ProviderRef) observation {
	type polled struct {
		res providers.PollResult
		err error
	}
	results := make([]polled, len(refs))
	var g errgroup.Group
	for i, ref := range refs {
		i, ref := i, ref
		g.Go(func() error {
			res, err := p.pollOne(ctx, ref)
			results[i] = polled{res: res, err: err}
			return nil
		})
	}
	_ = g.Wait()

	obs := observation{allReady: true}
	for i, r := range results {
		if r.err != nil {
			if !providers.IsTransient(r.err) && !errors.Is(r.err, context.DeadlineExceeded) {
				obs.failed = fmt.Sprintf("item %d: %v", i, r.err)
				return obs
			}
			obs.allReady = false
			continue
		}
		switch r.res.Status {
		case providers.StatusFailed:
			reason := r.res.Reason
			if reason == "" {
				reason = "provider reported failure"
			}
			obs.failed = fmt.Sprintf("item %d: %s", i, reason)
			return obs
		case providers.StatusReady:
			if len(r.res.URLs) == 0 {
				obs.allReady = false
				continue
			}
			obs.readyURLs = append(obs.readyURLs, r.res.URLs...)
		case providers.StatusRunning:
			obs.anyRunning = true
			obs.allReady = false
		default:
			obs.allReady = false
		}
	}
	return obs
}

func (p *Poller) pollOne(ctx context.Context, ref domain.ProviderRef) (providers.PollResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()
	res, err := p.provider.Poll(callCtx, ref)
	if err != nil {
		p.metrics.ProviderError(ref.Provider, "poll", errorClass(err))
		p.logger.Debug().Err(err).Str("ref", ref.String()).Msg("poller: poll failed")
	}
	return res, err
}

// settle claims the settled guard and, when this call won it, materializes the
// artifacts. Losing the claim means another worker owns materialization.
func (p *Poller) settle(ctx context.Context, job *domain.Job, urls []string) error {
	claimed, err := p.jobs.SettleArtifacts(ctx, job.ID, urls)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}
	p.metrics.JobTransition(string(domain.JobStateArtifactsReady))

	// Materialization outlives a cancelled status request.
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.MaterializeTimeout)
	defer cancel()
	outputs, err := p.artifacts.Materialize(mctx, job, urls)
	if err != nil {
		p.logger.Error().Err(err).Str("job_id", job.ID).Msg("poller: materialization failed")
		return p.fail(mctx, job, err.Error())
	}
	ok, err := p.jobs.Complete(mctx, job.ID, outputs)
	if err != nil {
		return err
	}
	if ok {
		p.metrics.JobTransition(string(domain.JobStateCompleted))
		p.logger.Info().Str("job_id", job.ID).Int("outputs", len(outputs)).Msg("poller: job completed")
	}
	return nil
}

func (p *Poller) fail(ctx context.Context, job *domain.Job, reason string) error {
	ok, err := p.jobs.Fail(ctx, job.ID, reason, nil)
	if err != nil {
		return err
	}
	if ok {
		p.metrics.JobTransition(string(domain.JobStateFailed))
		p.logger.Warn().Str("job_id", job.ID).Str("reason", reason).Msg("poller: job failed")
	}
	return nil
}
