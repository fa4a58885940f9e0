package domain

import "time"

// TransactionKind enumerates the reasons a balance may change.
type TransactionKind string

const (
	TxCharge            TransactionKind = "CHARGE"
	TxRefund            TransactionKind = "REFUND"
	TxSubscriptionGrant TransactionKind = "SUBSCRIPTION_GRANT"
	TxAdjustment        TransactionKind = "ADJUSTMENT"
)

// CreditAccount caches the balance projected from the transaction log.
type CreditAccount struct {
	ID        string
	Balance   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreditTransaction is an immutable ledger entry. Amount is signed: charges are
// negative, refunds and grants positive.
type CreditTransaction struct {
	ID             string
	AccountID      string
	Amount         int64
	Kind           TransactionKind
	RelatedJobID   string
	IdempotencyKey string
	Reason         string
	CreatedAt      time.Time
}

// GrantRequest describes a positive balance change not tied to a job.
type GrantRequest struct {
	AccountID      string
	Amount         int64
	Kind           TransactionKind
	Reason         string
	IdempotencyKey string
	// DedupWindow, when positive and IdempotencyKey is empty, rejects the grant if a
	// transaction of the same kind and reason exists within the trailing window.
	DedupWindow time.Duration
}
