package repo

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"genledger/internal/domain"
	"genledger/internal/infra"
	"genledger/internal/sqlinline"
)

type stubRow struct {
	values []any
	err    error
}

func (r stubRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan: got %d dest for %d values", len(dest), len(r.values))
	}
	for i, v := range r.values {
		reflect.ValueOf(dest[i]).Elem().Set(reflect.ValueOf(v))
	}
	return nil
}

// stubDB answers each query constant with a canned row or exec result.
type stubDB struct {
	mu       sync.Mutex
	rows     map[string]stubRow
	affected map[string]int64
	calls    []string
	args     map[string][]any
	txCount  int
}

func newStubDB() *stubDB {
	return &stubDB{rows: map[string]stubRow{}, affected: map[string]int64{}, args: map[string][]any{}}
}

func (s *stubDB) record(query string, args []any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, query)
	s.args[query] = args
}

func (s *stubDB) called(query string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls {
		if c == query {
			return true
		}
	}
	return false
}

func (s *stubDB) Exec(_ context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	s.record(query, args)
	return pgconn.NewCommandTag(fmt.Sprintf("UPDATE %d", s.affected[query])), nil
}

func (s *stubDB) QueryRow(_ context.Context, query string, args ...any) pgx.Row {
	s.record(query, args)
	row, ok := s.rows[query]
	if !ok {
		return stubRow{err: pgx.ErrNoRows}
	}
	return row
}

func (s *stubDB) Query(_ context.Context, query string, args ...any) (pgx.Rows, error) {
	s.record(query, args)
	return nil, errors.New("query not stubbed")
}

func (s *stubDB) InTx(_ context.Context, fn func(infra.SQLExecutor) error) error {
	s.mu.Lock()
	s.txCount++
	s.mu.Unlock()
	return fn(s)
}

func TestLedgerChargeInsufficientCredits(t *testing.T) {
	db := newStubDB()
	db.rows[sqlinline.QLockCreditAccount] = stubRow{values: []any{int64(3)}}
	ledger := NewLedgerRepository(db, zerolog.Nop())

	_, err := ledger.Charge(context.Background(), "acct-1", 6, "job-1")
	var insufficient *domain.InsufficientCreditsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected insufficient credits error, got %v", err)
	}
	if insufficient.Required != 6 || insufficient.Available != 3 {
		t.Fatalf("unexpected amounts: %+v", insufficient)
	}
	if db.called(sqlinline.QInsertCreditTransaction) {
		t.Fatal("transaction inserted despite insufficient balance")
	}
}

func TestLedgerChargeAppendsAndUpdatesBalance(t *testing.T) {
	db := newStubDB()
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	db.rows[sqlinline.QLockCreditAccount] = stubRow{values: []any{int64(10)}}
	db.rows[sqlinline.QInsertCreditTransaction] = stubRow{values: []any{created}}
	ledger := NewLedgerRepository(db, zerolog.Nop())

	tx, err := ledger.Charge(context.Background(), "acct-1", 6, "job-1")
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if tx.Amount != -6 || tx.Kind != domain.TxCharge || !tx.CreatedAt.Equal(created) {
		t.Fatalf("unexpected transaction: %+v", tx)
	}
	args := db.args[sqlinline.QUpdateCreditBalance]
	if len(args) != 2 || args[1] != int64(4) {
		t.Fatalf("balance update args = %#v, want new balance 4", args)
	}
	if db.txCount != 1 {
		t.Fatalf("expected one transaction, got %d", db.txCount)
	}
}

func TestLedgerChargeRejectsDuplicate(t *testing.T) {
	db := newStubDB()
	db.rows[sqlinline.QLockCreditAccount] = stubRow{values: []any{int64(10)}}
	db.rows[sqlinline.QSelectJobTransaction] = stubRow{values: []any{"tx-1", "acct-1", int64(-6)}}
	ledger := NewLedgerRepository(db, zerolog.Nop())

	_, err := ledger.Charge(context.Background(), "acct-1", 6, "job-1")
	if !errors.Is(err, domain.ErrDuplicateOperation) {
		t.Fatalf("expected duplicate operation, got %v", err)
	}
}

func TestLedgerRefundNeverExceedsCharge(t *testing.T) {
	db := newStubDB()
	db.rows[sqlinline.QLockCreditAccount] = stubRow{values: []any{int64(4)}}
	db.rows[sqlinline.QSelectJobTransaction] = stubRow{values: []any{"tx-1", "acct-1", int64(-6)}}
	ledger := NewLedgerRepository(db, zerolog.Nop())

	if _, err := ledger.Refund(context.Background(), "acct-1", 7, "job-1"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestLedgerGrantHonorsIdempotencyKey(t *testing.T) {
	db := newStubDB()
	db.rows[sqlinline.QLockCreditAccount] = stubRow{values: []any{int64(0)}}
	db.rows[sqlinline.QSelectTransactionByKey] = stubRow{values: []any{"tx-9"}}
	ledger := NewLedgerRepository(db, zerolog.Nop())

	_, err := ledger.Grant(context.Background(), domain.GrantRequest{
		AccountID:      "acct-1",
		Amount:         100,
		Kind:           domain.TxSubscriptionGrant,
		IdempotencyKey: "subscription:sub_1:1700000000",
	})
	if !errors.Is(err, domain.ErrDuplicateOperation) {
		t.Fatalf("expected duplicate operation, got %v", err)
	}
	if db.called(sqlinline.QInsertCreditTransaction) {
		t.Fatal("grant inserted despite existing key")
	}
}

func TestUpsertSubscriptionNoopWhenUnchanged(t *testing.T) {
	db := newStubDB()
	repo := NewBillingRepository(db)

	applied, err := repo.UpsertSubscription(context.Background(), domain.Subscription{AccountID: "acct-1"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if applied {
		t.Fatal("expected no-op when statement returns no row")
	}

	db.rows[sqlinline.QUpsertSubscription] = stubRow{values: []any{"acct-1"}}
	applied, err = repo.UpsertSubscription(context.Background(), domain.Subscription{AccountID: "acct-1"})
	if err != nil || !applied {
		t.Fatalf("expected applied upsert, got %v %v", applied, err)
	}
}

func TestJobRepositoryConditionalUpdates(t *testing.T) {
	db := newStubDB()
	repo := NewJobRepository(db)

	ok, err := repo.SettleArtifacts(context.Background(), "job-1", []string{"https://x/1.png"})
	if err != nil || ok {
		t.Fatalf("settle without matching row = %v %v, want false", ok, err)
	}

	db.affected[sqlinline.QSettleJobArtifacts] = 1
	ok, err = repo.SettleArtifacts(context.Background(), "job-1", []string{"https://x/1.png"})
	if err != nil || !ok {
		t.Fatalf("settle = %v %v, want true", ok, err)
	}

	if _, err := repo.Advance(context.Background(), "job-1", domain.JobStateInProgress, domain.JobStateInQueue); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected invalid state for regression, got %v", err)
	}

	db.affected[sqlinline.QEnqueueJob] = 1
	refs := []domain.ProviderRef{{Provider: "qwen", RequestID: "a"}, {}}
	if _, err := repo.Enqueue(context.Background(), "job-1", refs, domain.JobStateFailed); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	args := db.args[sqlinline.QEnqueueJob]
	encoded := args[1].([]string)
	if encoded[0] != "qwen:a" || encoded[1] != "" {
		t.Fatalf("encoded refs = %#v", encoded)
	}
	states := args[2].([]string)
	if len(states) != 1 || states[0] != "FAILED" {
		t.Fatalf("allowed states = %#v", states)
	}
}

func TestAcquireLeasePassesTTLSeconds(t *testing.T) {
	db := newStubDB()
	db.affected[sqlinline.QAcquireJobLease] = 1
	repo := NewJobRepository(db)

	ok, err := repo.AcquireLease(context.Background(), "job-1", "worker-a", 30*time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire = %v %v", ok, err)
	}
	if got := db.args[sqlinline.QAcquireJobLease][2]; got != float64(30) {
		t.Fatalf("ttl arg = %#v, want 30", got)
	}
}

func TestJobCreateStampsProgress(t *testing.T) {
	db := newStubDB()
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	db.rows[sqlinline.QInsertJob] = stubRow{values: []any{created, created}}
	jobs := NewJobRepository(db)

	job := &domain.Job{ID: "8c0f6a4e-0b1d-4a57-9a53-5f0f3f1d2c11", OwnerID: "acct-1", Kind: domain.JobKindImage, RequestedCount: 1}
	if err := jobs.Create(context.Background(), job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if job.State != domain.JobStateDraft {
		t.Fatalf("state = %s, want DRAFT", job.State)
	}
	if !job.ProgressAt.Equal(created) || !job.UpdatedAt.Equal(created) {
		t.Fatalf("timestamps not stamped: progress=%v updated=%v", job.ProgressAt, job.UpdatedAt)
	}
}
