package domain

import (
	"context"
	"time"
)

// JobRepository persists jobs. Every state-changing method is a conditional update
// that reports whether it applied, so concurrent writers never regress a job.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, jobID string) (*Job, error)
	GetForOwner(ctx context.Context, jobID, ownerID string) (*Job, error)
	// Delete removes a job that never reached the provider (DRAFT or PENDING).
	Delete(ctx context.Context, jobID string) error
	// ListOpen returns unarchived jobs that still wait on a provider
	// (PENDING, IN_QUEUE, IN_PROGRESS), least recently updated first.
	ListOpen(ctx context.Context, limit int) ([]*Job, error)
	// ListStaleSettled returns ARTIFACTS_READY jobs settled before the cutoff.
	ListStaleSettled(ctx context.Context, settledBefore time.Time, limit int) ([]*Job, error)

	MarkPending(ctx context.Context, jobID string) (bool, error)
	// Enqueue stores refs and moves the job to IN_QUEUE from one of the given states,
	// clearing error, settled guard, transient urls and idle counter. Archived jobs
	// are never enqueued.
	Enqueue(ctx context.Context, jobID string, refs []ProviderRef, from ...JobState) (bool, error)
	Advance(ctx context.Context, jobID string, from, to JobState) (bool, error)
	TouchIdle(ctx context.Context, jobID string) (int, error)
	// Fail moves any non-terminal job to FAILED. When refs is non-nil they replace the
	// stored refs in the same update.
	Fail(ctx context.Context, jobID, reason string, refs []ProviderRef) (bool, error)
	// SettleArtifacts claims the settled guard: it succeeds for exactly one caller
	// and moves the job to ARTIFACTS_READY with the transient urls.
	SettleArtifacts(ctx context.Context, jobID string, urls []string) (bool, error)
	Complete(ctx context.Context, jobID string, outputs []string) (bool, error)
	// SetFailedRefs replaces the refs of a FAILED, unarchived job so sub-items
	// resubmitted by an unsuccessful Retry are not submitted again.
	SetFailedRefs(ctx context.Context, jobID string, refs []ProviderRef) (bool, error)
	// Archive marks a FAILED job as archived; repeated calls return the same job.
	Archive(ctx context.Context, jobID string) (*Job, error)
}

// LeaseStore holds the in-flight guard: a short-lived, owner-tagged claim on a job.
type LeaseStore interface {
	AcquireLease(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, jobID, owner string) error
}

// Ledger is the append-only credit transaction log with its cached balance.
// Each mutation is a single atomic read-modify-write per account.
type Ledger interface {
	Charge(ctx context.Context, accountID string, amount int64, jobID string) (*CreditTransaction, error)
	Refund(ctx context.Context, accountID string, amount int64, jobID string) (*CreditTransaction, error)
	Grant(ctx context.Context, req GrantRequest) (*CreditTransaction, error)
	// FindJobTransaction returns the CHARGE or REFUND recorded for jobID, or ErrNotFound.
	FindJobTransaction(ctx context.Context, jobID string, kind TransactionKind) (*CreditTransaction, error)
	Balance(ctx context.Context, accountID string) (int64, error)
	Transactions(ctx context.Context, accountID string, limit int) ([]CreditTransaction, error)
}

// SubscriptionRepository stores one subscription row per account.
type SubscriptionRepository interface {
	GetSubscription(ctx context.Context, accountID string) (*Subscription, error)
	// UpsertSubscription applies sub unless the stored row already reflects the same
	// transition. It reports whether a write happened.
	UpsertSubscription(ctx context.Context, sub Subscription) (bool, error)
}

// WebhookEventRepository dedups processor notifications by event id.
type WebhookEventRepository interface {
	// RecordEvent stores the event if unseen and reports whether it was already
	// processed successfully.
	RecordEvent(ctx context.Context, ev WebhookEvent) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, errMsg string) error
}
