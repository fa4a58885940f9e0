package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genledger/internal/adapter/memstore"
	"genledger/internal/domain"
)

const (
	testSecret  = "whsec_test"
	testAccount = "acct-42"
)

type fakeProcessor struct {
	mu       sync.Mutex
	sessions map[string]CheckoutSession
	subs     map[string]ProcessorSubscription
	err      error
	calls    int
}

func (p *fakeProcessor) CheckoutSession(_ context.Context, id string) (CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return CheckoutSession{}, p.err
	}
	s, ok := p.sessions[id]
	if !ok {
		return CheckoutSession{}, domain.ErrNotFound
	}
	return s, nil
}

func (p *fakeProcessor) Subscription(_ context.Context, id string) (ProcessorSubscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return ProcessorSubscription{}, p.err
	}
	s, ok := p.subs[id]
	if !ok {
		return ProcessorSubscription{}, domain.ErrNotFound
	}
	return s, nil
}

func (p *fakeProcessor) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func newFixture(periodStart int64) (*Reconciler, *memstore.Store, *fakeProcessor) {
	store := memstore.New(zerolog.Nop())
	processor := &fakeProcessor{
		sessions: map[string]CheckoutSession{
			"cs_1": {ID: "cs_1", AccountID: testAccount, SubscriptionID: "sub_1", Status: "complete"},
		},
		subs: map[string]ProcessorSubscription{
			"sub_1": {
				ID: "sub_1", AccountID: testAccount, PlanID: "pro", Status: "active",
				CurrentPeriodStart: periodStart, CurrentPeriodEnd: periodStart + 30*24*3600,
			},
		},
	}
	r := NewReconciler(store, store, store, processor, zerolog.Nop(), Options{
		PlanCredits:   map[string]int64{"pro": 500},
		WebhookSecret: testSecret,
	})
	return r, store, processor
}

func webhookPayload(t *testing.T, eventID, subscriptionID string) ([]byte, string) {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":   eventID,
		"type": "customer.subscription.updated",
		"data": map[string]string{"subscription": subscriptionID},
	})
	require.NoError(t, err)
	return payload, Sign(testSecret, payload, time.Now())
}

func balance(t *testing.T, store *memstore.Store) int64 {
	t.Helper()
	b, err := store.Balance(context.Background(), testAccount)
	require.NoError(t, err)
	return b
}

func TestVerifyGrantsOncePerPeriod(t *testing.T) {
	r, store, _ := newFixture(time.Now().Add(-time.Hour).Unix())
	ctx := context.Background()

	first, err := r.Verify(ctx, testAccount, "cs_1")
	require.NoError(t, err)
	assert.True(t, first.Synced)
	assert.True(t, first.Granted)
	assert.Equal(t, domain.SubscriptionActive, first.Status)

	second, err := r.Verify(ctx, testAccount, "cs_1")
	require.NoError(t, err)
	assert.False(t, second.Synced)
	assert.False(t, second.Granted)

	assert.Equal(t, int64(500), balance(t, store))
	assert.Equal(t, 1, store.SubscriptionCount())
}

func TestVerifyAndWebhookInAnyOrderGrantOnce(t *testing.T) {
	r, store, _ := newFixture(time.Now().Add(-time.Hour).Unix())
	ctx := context.Background()

	type delivery struct {
		payload []byte
		sig     string
	}
	deliveries := make([]delivery, 12)
	for i := range deliveries {
		eventID := "evt_same"
		if i%3 == 2 {
			eventID = fmt.Sprintf("evt_%d", i)
		}
		payload, sig := webhookPayload(t, eventID, "sub_1")
		deliveries[i] = delivery{payload: payload, sig: sig}
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(deliveries))
	for i, d := range deliveries {
		wg.Add(1)
		go func(i int, d delivery) {
			defer wg.Done()
			var err error
			if i%3 == 0 {
				_, err = r.Verify(ctx, testAccount, "cs_1")
			} else {
				_, err = r.HandleWebhook(ctx, d.payload, d.sig)
			}
			if err != nil {
				errs <- err
			}
		}(i, d)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("reconcile: %v", err)
	}

	assert.Equal(t, int64(500), balance(t, store))
	assert.Equal(t, 1, store.SubscriptionCount())
	txs, err := store.Transactions(ctx, testAccount, 20)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, domain.TxSubscriptionGrant, txs[0].Kind)
}

func TestWindowFallbackWithoutPeriodStart(t *testing.T) {
	r, store, _ := newFixture(0)
	ctx := context.Background()

	payload, sig := webhookPayload(t, "evt_1", "sub_1")
	res, err := r.HandleWebhook(ctx, payload, sig)
	require.NoError(t, err)
	assert.True(t, res.Granted)

	res, err = r.Verify(ctx, testAccount, "cs_1")
	require.NoError(t, err)
	assert.False(t, res.Granted)
	assert.Equal(t, int64(500), balance(t, store))
}

func TestDuplicateWebhookDeliveryIsNoop(t *testing.T) {
	r, _, processor := newFixture(time.Now().Unix())
	ctx := context.Background()
	payload, sig := webhookPayload(t, "evt_1", "sub_1")

	_, err := r.HandleWebhook(ctx, payload, sig)
	require.NoError(t, err)
	calls := processor.calls

	res, err := r.HandleWebhook(ctx, payload, sig)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, calls, processor.calls)
}

func TestProcessorFailureMutatesNothing(t *testing.T) {
	r, store, processor := newFixture(time.Now().Unix())
	ctx := context.Background()
	processor.setErr(fmt.Errorf("%w: status 503", domain.ErrProcessorUnavailable))

	_, err := r.Verify(ctx, testAccount, "cs_1")
	require.ErrorIs(t, err, domain.ErrProcessorUnavailable)

	payload, sig := webhookPayload(t, "evt_1", "sub_1")
	_, err = r.HandleWebhook(ctx, payload, sig)
	require.ErrorIs(t, err, domain.ErrProcessorUnavailable)

	assert.Zero(t, store.SubscriptionCount())
	assert.Zero(t, balance(t, store))

	// The failed delivery is retried by the processor and then processed.
	processor.setErr(nil)
	res, err := r.HandleWebhook(ctx, payload, sig)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.True(t, res.Granted)
}

func TestVerifyRejectsForeignSession(t *testing.T) {
	r, store, _ := newFixture(time.Now().Unix())

	_, err := r.Verify(context.Background(), "acct-other", "cs_1")

	require.ErrorIs(t, err, domain.ErrReconciliationConflict)
	assert.Zero(t, store.SubscriptionCount())
}

func TestLapsedSubscriptionDoesNotGrant(t *testing.T) {
	r, store, processor := newFixture(time.Now().Unix())
	sub := processor.subs["sub_1"]
	sub.Status = "past_due"
	processor.subs["sub_1"] = sub

	res, err := r.Verify(context.Background(), testAccount, "cs_1")
	require.NoError(t, err)

	assert.True(t, res.Synced)
	assert.False(t, res.Granted)
	assert.Zero(t, balance(t, store))
}

func TestLapsedOldSubscriptionKeepsActiveRow(t *testing.T) {
	now := time.Now()
	for _, path := range []string{"verify", "webhook"} {
		t.Run(path, func(t *testing.T) {
			r, store, processor := newFixture(now.Add(-time.Hour).Unix())
			ctx := context.Background()
			processor.sessions["cs_old"] = CheckoutSession{ID: "cs_old", AccountID: testAccount, SubscriptionID: "sub_old", Status: "complete"}
			processor.subs["sub_old"] = ProcessorSubscription{
				ID: "sub_old", AccountID: testAccount, PlanID: "basic", Status: "canceled",
				CurrentPeriodStart: now.Add(-60 * 24 * time.Hour).Unix(),
			}

			_, err := r.Verify(ctx, testAccount, "cs_1")
			require.NoError(t, err)

			var res SyncResult
			if path == "verify" {
				res, err = r.Verify(ctx, testAccount, "cs_old")
			} else {
				payload, sig := webhookPayload(t, "evt_old", "sub_old")
				res, err = r.HandleWebhook(ctx, payload, sig)
			}
			require.NoError(t, err)
			assert.False(t, res.Synced)
			assert.Equal(t, domain.SubscriptionActive, res.Status)

			stored, err := store.GetSubscription(ctx, testAccount)
			require.NoError(t, err)
			assert.Equal(t, "sub_1", stored.ExternalSubscriptionID)
			assert.Equal(t, domain.SubscriptionActive, stored.Status)
			assert.Equal(t, int64(500), balance(t, store))
		})
	}
}

func TestWebhookSignatureChecks(t *testing.T) {
	r, store, _ := newFixture(time.Now().Unix())
	payload, _ := webhookPayload(t, "evt_1", "sub_1")

	cases := map[string]string{
		"empty":     "",
		"wrong key": Sign("other-secret", payload, time.Now()),
		"stale":     Sign(testSecret, payload, time.Now().Add(-time.Hour)),
		"no v1":     fmt.Sprintf("t=%d", time.Now().Unix()),
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := r.HandleWebhook(context.Background(), payload, header)
			require.True(t, errors.Is(err, domain.ErrValidation), "err = %v", err)
		})
	}
	assert.Zero(t, store.SubscriptionCount())
}

func TestVerifySignatureAcceptsRotatedSecret(t *testing.T) {
	payload := []byte(`{"id":"evt"}`)
	now := time.Now()
	good := Sign(testSecret, payload, now)
	header := good + ",v1=deadbeef"

	require.NoError(t, VerifySignature(testSecret, payload, header, now, DefaultSignatureTolerance))
}
