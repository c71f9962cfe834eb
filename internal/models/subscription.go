package models

import "time"

// SubscriptionStatus mirrors the billing provider's subscription status.
type SubscriptionStatus string

// SubscriptionStatus values tracked by the reconciler.
const (
	SubscriptionStatusIncomplete        SubscriptionStatus = "incomplete"
	SubscriptionStatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubscriptionStatusActive            SubscriptionStatus = "active"
	SubscriptionStatusPastDue           SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled          SubscriptionStatus = "canceled"
)

// Terminal reports whether no further transitions are accepted.
func (s SubscriptionStatus) Terminal() bool {
	return s == SubscriptionStatusCanceled || s == SubscriptionStatusIncompleteExpired
}

// CanTransition reports whether a subscription may move from s to next.
// Terminal statuses accept nothing, and nothing returns to incomplete.
func (s SubscriptionStatus) CanTransition(next SubscriptionStatus) bool {
	switch s {
	case SubscriptionStatusIncomplete:
		return next == SubscriptionStatusIncomplete || next == SubscriptionStatusActive ||
			next == SubscriptionStatusIncompleteExpired || next == SubscriptionStatusCanceled
	case SubscriptionStatusActive, SubscriptionStatusPastDue:
		return next == SubscriptionStatusActive || next == SubscriptionStatusPastDue ||
			next == SubscriptionStatusCanceled
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionStatusIncomplete, SubscriptionStatusIncompleteExpired,
		SubscriptionStatusActive, SubscriptionStatusPastDue, SubscriptionStatusCanceled:
		return true
	default:
		return false
	}
}

// Subscription is a recurring, externally billed lease on one model.
type Subscription struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID uint64 `gorm:"not null;index"`    // Subscribing user ID.
	User   User   `gorm:"foreignKey:UserID"` // Subscribing user.

	ModelID uint64 `gorm:"not null;index"`     // Leased model ID.
	Model   Model  `gorm:"foreignKey:ModelID"` // Leased model.

	StripeSubscriptionID string `gorm:"type:varchar(255);not null;uniqueIndex"` // External subscription ID.

	Status   SubscriptionStatus `gorm:"type:varchar(32);not null;index"` // Current billing status.
	GPUCount int                `gorm:"not null;default:0"`              // GPU count captured at checkout.

	CurrentPeriodStart *time.Time // Current billing period start.
	CurrentPeriodEnd   *time.Time // Current billing period end.

	LatestInvoiceID string `gorm:"type:varchar(255)"` // Most recent invoice seen.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
