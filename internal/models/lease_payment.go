package models

import "time"

// LeasePayment is an append-only record of a paid subscription invoice.
type LeasePayment struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	InvoiceID      string `gorm:"type:varchar(255);not null;uniqueIndex"` // External invoice ID (idempotency key).
	SubscriptionID uint64 `gorm:"not null;index"`                         // Related subscription ID.
	Amount         int64  `gorm:"not null;default:0"`                     // Amount paid in minor units.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}
