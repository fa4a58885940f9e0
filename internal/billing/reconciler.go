package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"genledger/internal/domain"
	"genledger/internal/infra"
	"genledger/internal/observability"
)

// SyncResult reports what one reconciliation changed.
type SyncResult struct {
	Status domain.SubscriptionStatus
	// Synced is true when the local subscription row was written.
	Synced bool
	// Granted is true when this call added the plan credits.
	Granted bool
	// Duplicate is true for a webhook event that was already processed.
	Duplicate bool
}

type Options struct {
	PlanCredits        map[string]int64
	GrantDedupWindow   time.Duration
	WebhookSecret      string
	SignatureTolerance time.Duration
	Metrics            *observability.Metrics
}

// Reconciler converges the local subscription and ledger with the processor.
// Both entry points re-read canonical state by id and share one sync path, so
// any ordering or repetition of verify calls and webhook deliveries yields one
// subscription row and one grant per period.
type Reconciler struct {
	subs      domain.SubscriptionRepository
	events    domain.WebhookEventRepository
	ledger    domain.Ledger
	processor Processor
	opts      Options
	logger    infra.Logger
	now       func() time.Time
}

func NewReconciler(subs domain.SubscriptionRepository, events domain.WebhookEventRepository, ledger domain.Ledger, processor Processor, logger infra.Logger, opts Options) *Reconciler {
	if opts.SignatureTolerance == 0 {
		opts.SignatureTolerance = DefaultSignatureTolerance
	}
	if opts.GrantDedupWindow == 0 {
		opts.GrantDedupWindow = 5 * time.Minute
	}
	return &Reconciler{
		subs:      subs,
		events:    events,
		ledger:    ledger,
		processor: processor,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
	}
}

// Verify is the synchronous path run when the client returns from checkout.
func (r *Reconciler) Verify(ctx context.Context, accountID, sessionID string) (SyncResult, error) {
	if accountID == "" {
		return SyncResult{}, domain.ErrUnauthorized
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return SyncResult{}, domain.Validationf("externalSessionId is required")
	}
	session, err := r.processor.CheckoutSession(ctx, sessionID)
	if err != nil {
		r.opts.Metrics.BillingSync("verify", "processor_error")
		return SyncResult{}, err
	}
	if session.AccountID != accountID {
		r.opts.Metrics.BillingSync("verify", "conflict")
		return SyncResult{}, fmt.Errorf("%w: session %s belongs to another account", domain.ErrReconciliationConflict, sessionID)
	}
	if session.SubscriptionID == "" {
		return SyncResult{}, fmt.Errorf("%w: session %s has no subscription", domain.ErrReconciliationConflict, sessionID)
	}
	sub, err := r.processor.Subscription(ctx, session.SubscriptionID)
	if err != nil {
		r.opts.Metrics.BillingSync("verify", "processor_error")
		return SyncResult{}, err
	}
	if sub.AccountID != "" && sub.AccountID != accountID {
		r.opts.Metrics.BillingSync("verify", "conflict")
		return SyncResult{}, fmt.Errorf("%w: subscription %s belongs to another account", domain.ErrReconciliationConflict, sub.ID)
	}
	sub.AccountID = accountID
	return r.sync(ctx, "verify", sub.Local())
}

// webhookEvent is the envelope of a processor notification.
type webhookEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		SubscriptionID string `json:"subscription"`
	} `json:"data"`
}

// HandleWebhook authenticates a delivery, dedups it by event id and syncs the
// subscription it refers to.
func (r *Reconciler) HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) (SyncResult, error) {
	if err := VerifySignature(r.opts.WebhookSecret, payload, signatureHeader, r.now(), r.opts.SignatureTolerance); err != nil {
		r.opts.Metrics.BillingSync("webhook", "bad_signature")
		return SyncResult{}, err
	}
	var ev webhookEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return SyncResult{}, domain.Validationf("webhook payload: %v", err)
	}
	if ev.ID == "" {
		return SyncResult{}, domain.Validationf("webhook event id is required")
	}

	processed, err := r.events.RecordEvent(ctx, domain.WebhookEvent{ID: ev.ID, Type: ev.Type})
	if err != nil {
		return SyncResult{}, err
	}
	log := r.logger.With().Str("event_id", ev.ID).Str("event_type", ev.Type).Logger()
	if processed {
		r.opts.Metrics.BillingSync("webhook", "duplicate")
		log.Debug().Msg("billing: duplicate webhook delivery")
		return SyncResult{Duplicate: true}, nil
	}
	if ev.Data.SubscriptionID == "" {
		log.Debug().Msg("billing: ignoring event without subscription")
		return SyncResult{}, r.events.MarkEventProcessed(ctx, ev.ID, "")
	}

	result, err := r.handleSubscription(ctx, ev.Data.SubscriptionID)
	if err != nil {
		if markErr := r.events.MarkEventProcessed(context.WithoutCancel(ctx), ev.ID, err.Error()); markErr != nil {
			log.Error().Err(markErr).Msg("billing: record webhook failure")
		}
		return SyncResult{}, err
	}
	if err := r.events.MarkEventProcessed(ctx, ev.ID, ""); err != nil {
		return SyncResult{}, err
	}
	return result, nil
}

func (r *Reconciler) handleSubscription(ctx context.Context, subscriptionID string) (SyncResult, error) {
	sub, err := r.processor.Subscription(ctx, subscriptionID)
	if err != nil {
		r.opts.Metrics.BillingSync("webhook", "processor_error")
		return SyncResult{}, err
	}
	if sub.AccountID == "" {
		return SyncResult{}, fmt.Errorf("%w: subscription %s has no account reference", domain.ErrReconciliationConflict, sub.ID)
	}
	return r.sync(ctx, "webhook", sub.Local())
}

// sync upserts the subscription and grants the plan credits for an entitled
// period. The grant is keyed by subscription and period start, so it is safe to
// attempt on every call. A lapsed subscription never replaces a different one
// that is still entitled.
func (r *Reconciler) sync(ctx context.Context, path string, sub domain.Subscription) (SyncResult, error) {
	log := r.logger.With().Str("account_id", sub.AccountID).Str("subscription_id", sub.ExternalSubscriptionID).Logger()

	stored, err := r.subs.GetSubscription(ctx, sub.AccountID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
	case err != nil:
		return SyncResult{}, fmt.Errorf("billing: load subscription: %w", err)
	case stored.ExternalSubscriptionID != sub.ExternalSubscriptionID && stored.Status.Entitled() && !sub.Status.Entitled():
		log.Info().Str("active_subscription_id", stored.ExternalSubscriptionID).Msg("billing: ignoring lapsed subscription")
		r.opts.Metrics.BillingSync(path, "superseded")
		return SyncResult{Status: stored.Status}, nil
	}

	synced, err := r.subs.UpsertSubscription(ctx, sub)
	if err != nil {
		r.opts.Metrics.BillingSync(path, "error")
		return SyncResult{}, fmt.Errorf("billing: upsert subscription: %w", err)
	}
	result := SyncResult{Status: sub.Status, Synced: synced}
	if !sub.Status.Entitled() {
		r.opts.Metrics.BillingSync(path, outcome(result))
		return result, nil
	}

	credits := r.opts.PlanCredits[sub.PlanID]
	if credits <= 0 {
		log.Warn().Str("plan_id", sub.PlanID).Msg("billing: plan has no credit allowance")
		r.opts.Metrics.BillingSync(path, outcome(result))
		return result, nil
	}
	req := domain.GrantRequest{
		AccountID: sub.AccountID,
		Amount:    credits,
		Kind:      domain.TxSubscriptionGrant,
		Reason:    "subscription started: " + sub.PlanID,
	}
	if sub.CurrentPeriodStart.IsZero() {
		req.DedupWindow = r.opts.GrantDedupWindow
	} else {
		req.IdempotencyKey = GrantKey(sub)
	}
	_, err = r.ledger.Grant(ctx, req)
	switch {
	case err == nil:
		result.Granted = true
		log.Info().Int64("credits", credits).Str("plan_id", sub.PlanID).Msg("billing: plan credits granted")
	case errors.Is(err, domain.ErrDuplicateOperation):
	default:
		r.opts.Metrics.BillingSync(path, "error")
		return SyncResult{}, fmt.Errorf("billing: grant plan credits: %w", err)
	}
	r.opts.Metrics.BillingSync(path, outcome(result))
	return result, nil
}

// GrantKey is the idempotency key of the plan grant for sub's current period.
func GrantKey(sub domain.Subscription) string {
	return fmt.Sprintf("subscription:%s:%d", sub.ExternalSubscriptionID, sub.CurrentPeriodStart.Unix())
}

func outcome(r SyncResult) string {
	switch {
	case r.Granted:
		return "granted"
	case r.Synced:
		return "synced"
	default:
		return "noop"
	}
}
