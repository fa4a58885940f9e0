package domain

import "time"

// SubscriptionStatus mirrors the processor's subscription status.
type SubscriptionStatus string

const (
	SubscriptionActive     SubscriptionStatus = "active"
	SubscriptionTrialing   SubscriptionStatus = "trialing"
	SubscriptionPastDue    SubscriptionStatus = "past_due"
	SubscriptionCanceled   SubscriptionStatus = "canceled"
	SubscriptionIncomplete SubscriptionStatus = "incomplete"
)

// Entitled reports whether the status unlocks the plan's credit grant.
func (s SubscriptionStatus) Entitled() bool {
	return s == SubscriptionActive || s == SubscriptionTrialing
}

// Subscription is the single local row per account mirroring the processor state.
type Subscription struct {
	AccountID              string
	ExternalSubscriptionID string
	PlanID                 string
	Status                 SubscriptionStatus
	CurrentPeriodStart     time.Time
	CurrentPeriodEnd       time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// SameTransition reports whether other describes the transition already stored.
func (s Subscription) SameTransition(other Subscription) bool {
	return s.ExternalSubscriptionID == other.ExternalSubscriptionID &&
		s.PlanID == other.PlanID &&
		s.Status == other.Status &&
		s.CurrentPeriodStart.Equal(other.CurrentPeriodStart) &&
		s.CurrentPeriodEnd.Equal(other.CurrentPeriodEnd)
}

// WebhookEvent records a delivered processor notification for dedup.
type WebhookEvent struct {
	ID          string
	Type        string
	ReceivedAt  time.Time
	ProcessedAt *time.Time
	Error       string
}
