package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"genledger/internal/domain"
)

func newJob(t *testing.T, store *Store, id string) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), &domain.Job{
		ID:             id,
		OwnerID:        "acct",
		Kind:           domain.JobKindImage,
		RequestedCount: 2,
		CreditsCharged: 4,
	}))
}

func TestSettleArtifactsClaimsOnce(t *testing.T) {
	ctx := context.Background()
	store := New(zerolog.Nop())
	newJob(t, store, "job-1")

	ok, _ := store.MarkPending(ctx, "job-1")
	require.True(t, ok)
	ok, _ = store.Enqueue(ctx, "job-1", []domain.ProviderRef{{Provider: "p", RequestID: "1"}}, domain.JobStatePending)
	require.True(t, ok)

	ok, _ = store.SettleArtifacts(ctx, "job-1", []string{"u1"})
	require.True(t, ok)
	ok, _ = store.SettleArtifacts(ctx, "job-1", []string{"u1"})
	require.False(t, ok)

	ok, _ = store.Advance(ctx, "job-1", domain.JobStateInQueue, domain.JobStateInProgress)
	require.False(t, ok, "settled job must not be advanced by stale observers")

	job, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, domain.JobStateArtifactsReady, job.State)
	require.Equal(t, []string{"u1"}, job.TransientURLs)
}

func TestLeaseExpires(t *testing.T) {
	ctx := context.Background()
	store := New(zerolog.Nop())
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })
	newJob(t, store, "job-1")

	ok, _ := store.AcquireLease(ctx, "job-1", "a", 30*time.Second)
	require.True(t, ok)
	ok, _ = store.AcquireLease(ctx, "job-1", "b", 30*time.Second)
	require.False(t, ok)

	now = now.Add(31 * time.Second)
	ok, _ = store.AcquireLease(ctx, "job-1", "b", 30*time.Second)
	require.True(t, ok)

	require.NoError(t, store.ReleaseLease(ctx, "job-1", "a"))
	ok, _ = store.AcquireLease(ctx, "job-1", "c", 30*time.Second)
	require.False(t, ok, "release by a stale owner must not drop the current lease")
}

func TestArchiveOnlyFailed(t *testing.T) {
	ctx := context.Background()
	store := New(zerolog.Nop())
	newJob(t, store, "job-1")

	_, err := store.Archive(ctx, "job-1")
	require.ErrorIs(t, err, domain.ErrInvalidState)

	ok, _ := store.Fail(ctx, "job-1", "boom", nil)
	require.True(t, ok)
	first, err := store.Archive(ctx, "job-1")
	require.NoError(t, err)
	second, err := store.Archive(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, first.ArchivedAt, second.ArchivedAt)

	ok, _ = store.Enqueue(ctx, "job-1", nil, domain.JobStateFailed)
	require.False(t, ok, "archived jobs cannot be retried")
}

func TestUpsertSubscriptionConverges(t *testing.T) {
	ctx := context.Background()
	store := New(zerolog.Nop())
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sub := domain.Subscription{
		AccountID:              "acct",
		ExternalSubscriptionID: "sub_1",
		PlanID:                 "pro",
		Status:                 domain.SubscriptionActive,
		CurrentPeriodStart:     start,
		CurrentPeriodEnd:       start.AddDate(0, 1, 0),
	}
	applied, err := store.UpsertSubscription(ctx, sub)
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = store.UpsertSubscription(ctx, sub)
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, 1, store.SubscriptionCount())
}
