package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"genledger/internal/domain"
	"genledger/internal/infra"
	"genledger/internal/sqlinline"
)

// LedgerRepositoryPG implements domain.Ledger. Every mutation locks the account
// row with SELECT ... FOR UPDATE inside one transaction.
type LedgerRepositoryPG struct {
	db     infra.TxExecutor
	logger zerolog.Logger
}

// NewLedgerRepository creates a ledger backed by PostgreSQL.
func NewLedgerRepository(db infra.TxExecutor, logger zerolog.Logger) *LedgerRepositoryPG {
	return &LedgerRepositoryPG{db: db, logger: logger}
}

func (r *LedgerRepositoryPG) Charge(ctx context.Context, accountID string, amount int64, jobID string) (*domain.CreditTransaction, error) {
	if amount <= 0 {
		return nil, domain.Validationf("charge amount must be positive")
	}
	var out *domain.CreditTransaction
	err := r.db.InTx(ctx, func(tx infra.SQLExecutor) error {
		balance, err := lockAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if _, found, err := jobTransaction(ctx, tx, jobID, domain.TxCharge); err != nil {
			return err
		} else if found {
			return r.duplicate(accountID, jobID, domain.TxCharge)
		}
		if balance < amount {
			return &domain.InsufficientCreditsError{Required: amount, Available: balance}
		}
		out, err = appendTransaction(ctx, tx, balance, domain.CreditTransaction{
			AccountID:    accountID,
			Amount:       -amount,
			Kind:         domain.TxCharge,
			RelatedJobID: jobID,
			Reason:       "generation job charge",
		})
		return err
	})
	if isUniqueViolation(err) {
		return nil, r.duplicate(accountID, jobID, domain.TxCharge)
	}
	return out, err
}

// Refund credits back at most the amount charged for jobID.
func (r *LedgerRepositoryPG) Refund(ctx context.Context, accountID string, amount int64, jobID string) (*domain.CreditTransaction, error) {
	if amount <= 0 {
		return nil, domain.Validationf("refund amount must be positive")
	}
	var out *domain.CreditTransaction
	err := r.db.InTx(ctx, func(tx infra.SQLExecutor) error {
		balance, err := lockAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}
		charge, found, err := jobTransaction(ctx, tx, jobID, domain.TxCharge)
		if err != nil {
			return err
		}
		if !found || charge.AccountID != accountID {
			return fmt.Errorf("%w: no charge for job %s", domain.ErrInvalidState, jobID)
		}
		if amount > -charge.Amount {
			return domain.Validationf("refund %d exceeds charge %d", amount, -charge.Amount)
		}
		if _, found, err := jobTransaction(ctx, tx, jobID, domain.TxRefund); err != nil {
			return err
		} else if found {
			return r.duplicate(accountID, jobID, domain.TxRefund)
		}
		out, err = appendTransaction(ctx, tx, balance, domain.CreditTransaction{
			AccountID:    accountID,
			Amount:       amount,
			Kind:         domain.TxRefund,
			RelatedJobID: jobID,
			Reason:       "generation job refund",
		})
		return err
	})
	if isUniqueViolation(err) {
		return nil, r.duplicate(accountID, jobID, domain.TxRefund)
	}
	return out, err
}

// Grant adds credits not tied to a job. A repeated idempotency key, or a grant of
// the same kind and reason inside DedupWindow, returns ErrDuplicateOperation.
func (r *LedgerRepositoryPG) Grant(ctx context.Context, req domain.GrantRequest) (*domain.CreditTransaction, error) {
	if req.Amount <= 0 {
		return nil, domain.Validationf("grant amount must be positive")
	}
	if req.Kind == "" {
		req.Kind = domain.TxAdjustment
	}
	if req.Kind == domain.TxCharge || req.Kind == domain.TxRefund {
		return nil, domain.Validationf("grant kind %s is not allowed", req.Kind)
	}
	var out *domain.CreditTransaction
	err := r.db.InTx(ctx, func(tx infra.SQLExecutor) error {
		balance, err := lockAccount(ctx, tx, req.AccountID)
		if err != nil {
			return err
		}
		var existing string
		switch {
		case req.IdempotencyKey != "":
			err = tx.QueryRow(ctx, sqlinline.QSelectTransactionByKey, req.AccountID, req.IdempotencyKey).Scan(&existing)
		case req.DedupWindow > 0:
			err = tx.QueryRow(ctx, sqlinline.QSelectRecentGrant, req.AccountID, string(req.Kind), req.Reason, req.DedupWindow.Seconds()).Scan(&existing)
		default:
			err = pgx.ErrNoRows
		}
		if err == nil {
			return fmt.Errorf("%w: grant already applied as %s", domain.ErrDuplicateOperation, existing)
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		out, err = appendTransaction(ctx, tx, balance, domain.CreditTransaction{
			AccountID:      req.AccountID,
			Amount:         req.Amount,
			Kind:           req.Kind,
			IdempotencyKey: req.IdempotencyKey,
			Reason:         req.Reason,
		})
		return err
	})
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: grant key %s", domain.ErrDuplicateOperation, req.IdempotencyKey)
	}
	return out, err
}

func (r *LedgerRepositoryPG) FindJobTransaction(ctx context.Context, jobID string, kind domain.TransactionKind) (*domain.CreditTransaction, error) {
	tx, found, err := jobTransaction(ctx, r.db, jobID, kind)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, domain.ErrNotFound
	}
	return &tx, nil
}

func (r *LedgerRepositoryPG) Balance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	if err := r.db.QueryRow(ctx, sqlinline.QSelectCreditBalance, accountID).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return balance, nil
}

func (r *LedgerRepositoryPG) Transactions(ctx context.Context, accountID string, limit int) ([]domain.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, sqlinline.QListCreditTransactions, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.CreditTransaction
	for rows.Next() {
		var (
			tx   domain.CreditTransaction
			kind string
		)
		if err := rows.Scan(&tx.ID, &tx.AccountID, &tx.Amount, &kind, &tx.RelatedJobID, &tx.IdempotencyKey, &tx.Reason, &tx.CreatedAt); err != nil {
			return nil, err
		}
		tx.Kind = domain.TransactionKind(kind)
		out = append(out, tx)
	}
	return out, rows.Err()
}

// duplicate reports a second CHARGE or REFUND for the same job. It is an
// invariant breach upstream, so it is logged at fatal level without exiting.
func (r *LedgerRepositoryPG) duplicate(accountID, jobID string, kind domain.TransactionKind) error {
	r.logger.WithLevel(zerolog.FatalLevel).
		Str("account_id", accountID).
		Str("job_id", jobID).
		Str("kind", string(kind)).
		Msg("ledger: duplicate job transaction rejected")
	return fmt.Errorf("%w: %s already recorded for job %s", domain.ErrDuplicateOperation, kind, jobID)
}

func lockAccount(ctx context.Context, tx infra.SQLExecutor, accountID string) (int64, error) {
	if accountID == "" {
		return 0, domain.Validationf("account id is required")
	}
	if _, err := tx.Exec(ctx, sqlinline.QEnsureCreditAccount, accountID); err != nil {
		return 0, fmt.Errorf("ensure account: %w", err)
	}
	var balance int64
	if err := tx.QueryRow(ctx, sqlinline.QLockCreditAccount, accountID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("lock account: %w", err)
	}
	return balance, nil
}

func jobTransaction(ctx context.Context, tx infra.SQLExecutor, jobID string, kind domain.TransactionKind) (domain.CreditTransaction, bool, error) {
	var out domain.CreditTransaction
	if jobID == "" {
		return out, false, domain.Validationf("job id is required")
	}
	err := tx.QueryRow(ctx, sqlinline.QSelectJobTransaction, jobID, string(kind)).Scan(&out.ID, &out.AccountID, &out.Amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return out, false, nil
	}
	if err != nil {
		return out, false, err
	}
	out.Kind = kind
	out.RelatedJobID = jobID
	return out, true, nil
}

func appendTransaction(ctx context.Context, tx infra.SQLExecutor, balance int64, entry domain.CreditTransaction) (*domain.CreditTransaction, error) {
	next := balance + entry.Amount
	if next < 0 {
		return nil, &domain.InsufficientCreditsError{Required: -entry.Amount, Available: balance}
	}
	entry.ID = uuid.NewString()
	if err := tx.QueryRow(ctx, sqlinline.QInsertCreditTransaction,
		entry.ID,
		entry.AccountID,
		entry.Amount,
		string(entry.Kind),
		entry.RelatedJobID,
		entry.IdempotencyKey,
		entry.Reason,
	).Scan(&entry.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}
	if _, err := tx.Exec(ctx, sqlinline.QUpdateCreditBalance, entry.AccountID, next); err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}
	return &entry, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ domain.Ledger = (*LedgerRepositoryPG)(nil)
