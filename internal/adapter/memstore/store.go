// Package memstore keeps jobs, the ledger and billing state in process memory.
// It backs STORE_DRIVER=memory and the package tests; every method follows the
// same conditional-update contract as the Postgres repositories.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"genledger/internal/domain"
)

type Store struct {
	mu     sync.Mutex
	now    func() time.Time
	logger zerolog.Logger

	jobs         map[string]*domain.Job
	balances     map[string]int64
	transactions []domain.CreditTransaction
	subs         map[string]domain.Subscription
	events       map[string]*domain.WebhookEvent
}

// New returns an empty store.
func New(logger zerolog.Logger) *Store {
	return &Store{
		now:      time.Now,
		logger:   logger,
		jobs:     make(map[string]*domain.Job),
		balances: make(map[string]int64),
		subs:     make(map[string]domain.Subscription),
		events:   make(map[string]*domain.WebhookEvent),
	}
}

// SetClock replaces the time source used for leases and timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Create(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	now := s.now()
	job.State = domain.JobStateDraft
	job.CreatedAt, job.UpdatedAt, job.ProgressAt = now, now, now
	if job.ProviderRefs == nil {
		job.ProviderRefs = []domain.ProviderRef{}
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *Store) Get(_ context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return job.Clone(), nil
}

func (s *Store) GetForOwner(ctx context.Context, jobID, ownerID string) (*domain.Job, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != ownerID {
		return nil, domain.ErrNotFound
	}
	return job, nil
}

func (s *Store) Delete(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || (job.State != domain.JobStateDraft && job.State != domain.JobStatePending) {
		return domain.ErrNotFound
	}
	delete(s.jobs, jobID)
	return nil
}

func (s *Store) ListOpen(_ context.Context, limit int) ([]*domain.Job, error) {
	return s.list(limit, func(j *domain.Job) bool {
		return j.State.Pollable() && !j.Archived()
	}), nil
}

func (s *Store) ListStaleSettled(_ context.Context, settledBefore time.Time, limit int) ([]*domain.Job, error) {
	return s.list(limit, func(j *domain.Job) bool {
		return j.State == domain.JobStateArtifactsReady && j.SettledAt != nil && j.SettledAt.Before(settledBefore)
	}), nil
}

func (s *Store) list(limit int, keep func(*domain.Job) bool) []*domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Job
	for _, job := range s.jobs {
		if keep(job) {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// update applies fn to the stored job under the lock when cond holds.
func (s *Store) update(jobID string, cond func(*domain.Job) bool, fn func(*domain.Job)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || !cond(job) {
		return false
	}
	fn(job)
	return true
}

func (s *Store) MarkPending(_ context.Context, jobID string) (bool, error) {
	return s.update(jobID,
		func(j *domain.Job) bool { return j.State == domain.JobStateDraft },
		func(j *domain.Job) {
			j.State = domain.JobStatePending
			j.UpdatedAt = s.now()
		}), nil
}

func (s *Store) Enqueue(_ context.Context, jobID string, refs []domain.ProviderRef, from ...domain.JobState) (bool, error) {
	return s.update(jobID,
		func(j *domain.Job) bool { return !j.Archived() && stateIn(j.State, from) },
		func(j *domain.Job) {
			j.State = domain.JobStateInQueue
			j.ProviderRefs = append([]domain.ProviderRef(nil), refs...)
			j.ErrorReason = ""
			j.SettledAt = nil
			j.TransientURLs = nil
			j.Outputs = nil
			j.IdleCycles = 0
			j.UpdatedAt = s.now()
			j.ProgressAt = j.UpdatedAt
		}), nil
}

func (s *Store) Advance(_ context.Context, jobID string, from, to domain.JobState) (bool, error) {
	if !from.CanAdvanceTo(to) {
		return false, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidState, from, to)
	}
	return s.update(jobID,
		func(j *domain.Job) bool { return j.State == from && j.SettledAt == nil },
		func(j *domain.Job) {
			j.State = to
			j.IdleCycles = 0
			j.UpdatedAt = s.now()
			j.ProgressAt = j.UpdatedAt
		}), nil
}

func (s *Store) TouchIdle(_ context.Context, jobID string) (int, error) {
	var cycles int
	s.update(jobID,
		func(j *domain.Job) bool { return j.State.Open() },
		func(j *domain.Job) {
			j.IdleCycles++
			cycles = j.IdleCycles
		})
	return cycles, nil
}

func (s *Store) Fail(_ context.Context, jobID, reason string, refs []domain.ProviderRef) (bool, error) {
	return s.update(jobID,
		func(j *domain.Job) bool { return !j.State.Terminal() },
		func(j *domain.Job) {
			j.State = domain.JobStateFailed
			j.ErrorReason = reason
			if refs != nil {
				j.ProviderRefs = append([]domain.ProviderRef(nil), refs...)
			}
			j.UpdatedAt = s.now()
		}), nil
}

func (s *Store) SettleArtifacts(_ context.Context, jobID string, urls []string) (bool, error) {
	return s.update(jobID,
		func(j *domain.Job) bool {
			return j.SettledAt == nil && (j.State == domain.JobStateInQueue || j.State == domain.JobStateInProgress)
		},
		func(j *domain.Job) {
			now := s.now()
			j.State = domain.JobStateArtifactsReady
			j.SettledAt = &now
			j.TransientURLs = append([]string(nil), urls...)
			j.IdleCycles = 0
			j.UpdatedAt, j.ProgressAt = now, now
		}), nil
}

func (s *Store) Complete(_ context.Context, jobID string, outputs []string) (bool, error) {
	return s.update(jobID,
		func(j *domain.Job) bool { return j.State == domain.JobStateArtifactsReady },
		func(j *domain.Job) {
			j.State = domain.JobStateCompleted
			j.Outputs = append([]string(nil), outputs...)
			j.UpdatedAt = s.now()
		}), nil
}

func (s *Store) SetFailedRefs(_ context.Context, jobID string, refs []domain.ProviderRef) (bool, error) {
	return s.update(jobID,
		func(j *domain.Job) bool { return j.State == domain.JobStateFailed && !j.Archived() },
		func(j *domain.Job) {
			j.ProviderRefs = append([]domain.ProviderRef(nil), refs...)
			j.UpdatedAt = s.now()
		}), nil
}

func (s *Store) Archive(_ context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if job.State != domain.JobStateFailed {
		return nil, fmt.Errorf("%w: only failed jobs can be archived", domain.ErrInvalidState)
	}
	if job.ArchivedAt == nil {
		now := s.now()
		job.ArchivedAt = &now
		job.UpdatedAt = now
	}
	return job.Clone(), nil
}

func (s *Store) AcquireLease(_ context.Context, jobID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, nil
	}
	now := s.now()
	if job.ClaimedBy != "" && job.ClaimedAt != nil && now.Sub(*job.ClaimedAt) < ttl {
		return false, nil
	}
	job.ClaimedBy = owner
	job.ClaimedAt = &now
	return true, nil
}

func (s *Store) ReleaseLease(_ context.Context, jobID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok && job.ClaimedBy == owner {
		job.ClaimedBy = ""
		job.ClaimedAt = nil
	}
	return nil
}

func stateIn(state domain.JobState, allowed []domain.JobState) bool {
	for _, s := range allowed {
		if s == state {
			return true
		}
	}
	return false
}

func newTransactionID() string {
	return uuid.NewString()
}

var (
	_ domain.JobRepository          = (*Store)(nil)
	_ domain.LeaseStore             = (*Store)(nil)
	_ domain.Ledger                 = (*Store)(nil)
	_ domain.SubscriptionRepository = (*Store)(nil)
	_ domain.WebhookEventRepository = (*Store)(nil)
)
