package memstore

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"genledger/internal/domain"
)

func (s *Store) Charge(_ context.Context, accountID string, amount int64, jobID string) (*domain.CreditTransaction, error) {
	if amount <= 0 {
		return nil, domain.Validationf("charge amount must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, found := s.jobTransaction(jobID, domain.TxCharge); found {
		return nil, s.duplicate(accountID, jobID, domain.TxCharge)
	}
	balance := s.balances[accountID]
	if balance < amount {
		return nil, &domain.InsufficientCreditsError{Required: amount, Available: balance}
	}
	return s.appendLocked(domain.CreditTransaction{
		AccountID:    accountID,
		Amount:       -amount,
		Kind:         domain.TxCharge,
		RelatedJobID: jobID,
		Reason:       "generation job charge",
	}), nil
}

func (s *Store) Refund(_ context.Context, accountID string, amount int64, jobID string) (*domain.CreditTransaction, error) {
	if amount <= 0 {
		return nil, domain.Validationf("refund amount must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	charge, found := s.jobTransaction(jobID, domain.TxCharge)
	if !found || charge.AccountID != accountID {
		return nil, fmt.Errorf("%w: no charge for job %s", domain.ErrInvalidState, jobID)
	}
	if amount > -charge.Amount {
		return nil, domain.Validationf("refund %d exceeds charge %d", amount, -charge.Amount)
	}
	if _, found := s.jobTransaction(jobID, domain.TxRefund); found {
		return nil, s.duplicate(accountID, jobID, domain.TxRefund)
	}
	return s.appendLocked(domain.CreditTransaction{
		AccountID:    accountID,
		Amount:       amount,
		Kind:         domain.TxRefund,
		RelatedJobID: jobID,
		Reason:       "generation job refund",
	}), nil
}

func (s *Store) Grant(_ context.Context, req domain.GrantRequest) (*domain.CreditTransaction, error) {
	if req.Amount <= 0 {
		return nil, domain.Validationf("grant amount must be positive")
	}
	if req.Kind == "" {
		req.Kind = domain.TxAdjustment
	}
	if req.Kind == domain.TxCharge || req.Kind == domain.TxRefund {
		return nil, domain.Validationf("grant kind %s is not allowed", req.Kind)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, tx := range s.transactions {
		if tx.AccountID != req.AccountID {
			continue
		}
		if req.IdempotencyKey != "" {
			if tx.IdempotencyKey == req.IdempotencyKey {
				return nil, fmt.Errorf("%w: grant already applied as %s", domain.ErrDuplicateOperation, tx.ID)
			}
			continue
		}
		if req.DedupWindow > 0 && tx.Kind == req.Kind && tx.Reason == req.Reason && now.Sub(tx.CreatedAt) < req.DedupWindow {
			return nil, fmt.Errorf("%w: grant already applied as %s", domain.ErrDuplicateOperation, tx.ID)
		}
	}
	return s.appendLocked(domain.CreditTransaction{
		AccountID:      req.AccountID,
		Amount:         req.Amount,
		Kind:           req.Kind,
		IdempotencyKey: req.IdempotencyKey,
		Reason:         req.Reason,
	}), nil
}

func (s *Store) FindJobTransaction(_ context.Context, jobID string, kind domain.TransactionKind) (*domain.CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, found := s.jobTransaction(jobID, kind)
	if !found {
		return nil, domain.ErrNotFound
	}
	return &tx, nil
}

func (s *Store) Balance(_ context.Context, accountID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[accountID], nil
}

// Transactions returns the newest entries first.
func (s *Store) Transactions(_ context.Context, accountID string, limit int) ([]domain.CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.CreditTransaction
	for i := len(s.transactions) - 1; i >= 0; i-- {
		if s.transactions[i].AccountID != accountID {
			continue
		}
		out = append(out, s.transactions[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) jobTransaction(jobID string, kind domain.TransactionKind) (domain.CreditTransaction, bool) {
	for _, tx := range s.transactions {
		if tx.RelatedJobID == jobID && tx.Kind == kind {
			return tx, true
		}
	}
	return domain.CreditTransaction{}, false
}

func (s *Store) appendLocked(entry domain.CreditTransaction) *domain.CreditTransaction {
	entry.ID = newTransactionID()
	entry.CreatedAt = s.now()
	s.transactions = append(s.transactions, entry)
	s.balances[entry.AccountID] += entry.Amount
	return &entry
}

func (s *Store) duplicate(accountID, jobID string, kind domain.TransactionKind) error {
	s.logger.WithLevel(zerolog.FatalLevel).
		Str("account_id", accountID).
		Str("job_id", jobID).
		Str("kind", string(kind)).
		Msg("ledger: duplicate job transaction rejected")
	return fmt.Errorf("%w: %s already recorded for job %s", domain.ErrDuplicateOperation, kind, jobID)
}
