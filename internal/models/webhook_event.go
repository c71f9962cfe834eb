package models

import "time"

// WebhookEvent journals billing provider deliveries for auditing and replay detection.
type WebhookEvent struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Provider        string `gorm:"type:varchar(20);not null;uniqueIndex:idx_webhook_events_provider_event,priority:1"`  // Billing provider name.
	ProviderEventID string `gorm:"type:varchar(255);not null;uniqueIndex:idx_webhook_events_provider_event,priority:2"` // Provider event ID.
	EventType       string `gorm:"type:varchar(100);not null;index"`                                                    // Provider event type.

	Attempts        int        `gorm:"not null;default:0"` // Delivery attempts seen.
	ProcessedAt     *time.Time `gorm:"index"`              // Successful processing time.
	ProcessingError string     `gorm:"type:text"`          // Last processing error.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
