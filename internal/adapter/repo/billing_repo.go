package repo

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"genledger/internal/domain"
	"genledger/internal/infra"
	"genledger/internal/sqlinline"
)

// BillingRepositoryPG stores subscriptions and webhook deliveries.
type BillingRepositoryPG struct {
	db infra.SQLExecutor
}

func NewBillingRepository(db infra.SQLExecutor) *BillingRepositoryPG {
	return &BillingRepositoryPG{db: db}
}

func (r *BillingRepositoryPG) GetSubscription(ctx context.Context, accountID string) (*domain.Subscription, error) {
	var (
		sub    domain.Subscription
		status string
	)
	err := r.db.QueryRow(ctx, sqlinline.QSelectSubscription, accountID).Scan(
		&sub.AccountID,
		&sub.ExternalSubscriptionID,
		&sub.PlanID,
		&status,
		&sub.CurrentPeriodStart,
		&sub.CurrentPeriodEnd,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	sub.Status = domain.SubscriptionStatus(status)
	return &sub, nil
}

// UpsertSubscription writes sub unless the stored row already matches it; the
// comparison happens inside the statement so concurrent writers converge.
func (r *BillingRepositoryPG) UpsertSubscription(ctx context.Context, sub domain.Subscription) (bool, error) {
	var accountID string
	err := r.db.QueryRow(ctx, sqlinline.QUpsertSubscription,
		sub.AccountID,
		sub.ExternalSubscriptionID,
		sub.PlanID,
		string(sub.Status),
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
	).Scan(&accountID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *BillingRepositoryPG) RecordEvent(ctx context.Context, ev domain.WebhookEvent) (bool, error) {
	var processed bool
	if err := r.db.QueryRow(ctx, sqlinline.QRecordWebhookEvent, ev.ID, ev.Type).Scan(&processed); err != nil {
		return false, err
	}
	return processed, nil
}

func (r *BillingRepositoryPG) MarkEventProcessed(ctx context.Context, eventID, errMsg string) error {
	_, err := r.db.Exec(ctx, sqlinline.QMarkWebhookEventProcessed, eventID, errMsg)
	return err
}

var (
	_ domain.SubscriptionRepository = (*BillingRepositoryPG)(nil)
	_ domain.WebhookEventRepository = (*BillingRepositoryPG)(nil)
)
