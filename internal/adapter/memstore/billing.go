package memstore

import (
	"context"

	"genledger/internal/domain"
)

func (s *Store) GetSubscription(_ context.Context, accountID string) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[accountID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &sub, nil
}

func (s *Store) UpsertSubscription(_ context.Context, sub domain.Subscription) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if stored, ok := s.subs[sub.AccountID]; ok {
		if stored.SameTransition(sub) {
			return false, nil
		}
		sub.CreatedAt = stored.CreatedAt
	} else {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	s.subs[sub.AccountID] = sub
	return true, nil
}

func (s *Store) RecordEvent(_ context.Context, ev domain.WebhookEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stored, ok := s.events[ev.ID]; ok {
		return stored.ProcessedAt != nil, nil
	}
	ev.ReceivedAt = s.now()
	s.events[ev.ID] = &ev
	return false, nil
}

func (s *Store) MarkEventProcessed(_ context.Context, eventID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventID]
	if !ok {
		return domain.ErrNotFound
	}
	ev.Error = errMsg
	if errMsg == "" {
		now := s.now()
		ev.ProcessedAt = &now
	} else {
		ev.ProcessedAt = nil
	}
	return nil
}

// SubscriptionCount reports how many subscription rows exist.
func (s *Store) SubscriptionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
