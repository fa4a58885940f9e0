package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"genledger/internal/domain"
	"genledger/internal/infra"
	"genledger/internal/sqlinline"
)

// JobRepositoryPG implements domain.JobRepository and domain.LeaseStore.
type JobRepositoryPG struct {
	db infra.SQLExecutor
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(db infra.SQLExecutor) *JobRepositoryPG {
	return &JobRepositoryPG{db: db}
}

// Create inserts a new DRAFT job record.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.Job) error {
	row := r.db.QueryRow(ctx, sqlinline.QInsertJob,
		job.ID,
		job.OwnerID,
		string(job.Kind),
		nullableBytes(job.Params),
		domain.EncodeProviderRefs(job.ProviderRefs),
		job.RequestedCount,
		job.CreditsCharged,
	)
	if err := row.Scan(&job.CreatedAt, &job.ProgressAt); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	job.UpdatedAt = job.CreatedAt
	job.State = domain.JobStateDraft
	return nil
}

// Get fetches a job by its identifier.
func (r *JobRepositoryPG) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	return scanJob(r.db.QueryRow(ctx, sqlinline.QSelectJob, jobID))
}

// GetForOwner fetches a job only if it belongs to ownerID.
func (r *JobRepositoryPG) GetForOwner(ctx context.Context, jobID, ownerID string) (*domain.Job, error) {
	return scanJob(r.db.QueryRow(ctx, sqlinline.QSelectJobForOwner, jobID, ownerID))
}

func (r *JobRepositoryPG) Delete(ctx context.Context, jobID string) error {
	tag, err := r.db.Exec(ctx, sqlinline.QDeleteUnqueuedJob, jobID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *JobRepositoryPG) ListOpen(ctx context.Context, limit int) ([]*domain.Job, error) {
	rows, err := r.db.Query(ctx, sqlinline.QListOpenJobs, limit)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (r *JobRepositoryPG) ListStaleSettled(ctx context.Context, settledBefore time.Time, limit int) ([]*domain.Job, error) {
	rows, err := r.db.Query(ctx, sqlinline.QListStaleSettledJobs, settledBefore, limit)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (r *JobRepositoryPG) MarkPending(ctx context.Context, jobID string) (bool, error) {
	return r.execApplied(ctx, sqlinline.QMarkJobPending, jobID)
}

func (r *JobRepositoryPG) Enqueue(ctx context.Context, jobID string, refs []domain.ProviderRef, from ...domain.JobState) (bool, error) {
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}
	return r.execApplied(ctx, sqlinline.QEnqueueJob, jobID, domain.EncodeProviderRefs(refs), states)
}

func (r *JobRepositoryPG) Advance(ctx context.Context, jobID string, from, to domain.JobState) (bool, error) {
	if !from.CanAdvanceTo(to) {
		return false, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidState, from, to)
	}
	return r.execApplied(ctx, sqlinline.QAdvanceJob, jobID, string(from), string(to))
}

// TouchIdle increments the no-progress counter and returns its new value. A job
// that already left the open states reports zero.
func (r *JobRepositoryPG) TouchIdle(ctx context.Context, jobID string) (int, error) {
	var cycles int
	if err := r.db.QueryRow(ctx, sqlinline.QTouchJobIdle, jobID).Scan(&cycles); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return cycles, nil
}

func (r *JobRepositoryPG) Fail(ctx context.Context, jobID, reason string, refs []domain.ProviderRef) (bool, error) {
	var encoded []string
	if refs != nil {
		encoded = domain.EncodeProviderRefs(refs)
	}
	return r.execApplied(ctx, sqlinline.QFailJob, jobID, reason, encoded)
}

func (r *JobRepositoryPG) SettleArtifacts(ctx context.Context, jobID string, urls []string) (bool, error) {
	return r.execApplied(ctx, sqlinline.QSettleJobArtifacts, jobID, urls)
}

func (r *JobRepositoryPG) Complete(ctx context.Context, jobID string, outputs []string) (bool, error) {
	return r.execApplied(ctx, sqlinline.QCompleteJob, jobID, outputs)
}

func (r *JobRepositoryPG) SetFailedRefs(ctx context.Context, jobID string, refs []domain.ProviderRef) (bool, error) {
	return r.execApplied(ctx, sqlinline.QSetFailedJobRefs, jobID, domain.EncodeProviderRefs(refs))
}

func (r *JobRepositoryPG) Archive(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := scanJob(r.db.QueryRow(ctx, sqlinline.QArchiveFailedJob, jobID))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if _, getErr := r.Get(ctx, jobID); getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("%w: only failed jobs can be archived", domain.ErrInvalidState)
}

// AcquireLease claims the in-flight guard when it is free or expired.
func (r *JobRepositoryPG) AcquireLease(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error) {
	return r.execApplied(ctx, sqlinline.QAcquireJobLease, jobID, owner, ttl.Seconds())
}

func (r *JobRepositoryPG) ReleaseLease(ctx context.Context, jobID, owner string) error {
	_, err := r.db.Exec(ctx, sqlinline.QReleaseJobLease, jobID, owner)
	return err
}

func (r *JobRepositoryPG) execApplied(ctx context.Context, query string, args ...any) (bool, error) {
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func collectJobs(rows pgx.Rows) ([]*domain.Job, error) {
	defer rows.Close()
	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job         domain.Job
		kind, state string
		refs        []string
	)
	if err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&kind,
		&state,
		&job.Params,
		&refs,
		&job.RequestedCount,
		&job.TransientURLs,
		&job.Outputs,
		&job.ErrorReason,
		&job.CreditsCharged,
		&job.IdleCycles,
		&job.ProgressAt,
		&job.ClaimedBy,
		&job.ClaimedAt,
		&job.SettledAt,
		&job.ArchivedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	decoded, err := domain.DecodeProviderRefs(refs)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", job.ID, err)
	}
	job.Kind = domain.JobKind(kind)
	job.State = domain.JobState(state)
	job.ProviderRefs = decoded
	return &job, nil
}

func nullableBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

var (
	_ domain.JobRepository = (*JobRepositoryPG)(nil)
	_ domain.LeaseStore    = (*JobRepositoryPG)(nil)
)
