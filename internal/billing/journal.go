package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/router-for-me/gpulease/internal/models"
)

// ProviderStripe names the Stripe provider in the webhook journal.
const ProviderStripe = "stripe"

// maxJournalError caps the stored processing error.
const maxJournalError = 1024

// Journal records provider deliveries so that processed events are skipped on redelivery.
type Journal struct {
	db *gorm.DB
}

// NewJournal constructs a Journal.
func NewJournal(conn *gorm.DB) *Journal { return &Journal{db: conn} }

// Begin records a delivery attempt and reports whether the event was already processed.
func (j *Journal) Begin(ctx context.Context, provider, eventID, eventType string) (bool, error) {
	if j == nil || j.db == nil {
		return false, fmt.Errorf("billing: journal not configured")
	}
	row := models.WebhookEvent{
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       eventType,
		Attempts:        1,
	}
	errUpsert := j.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "provider"}, {Name: "provider_event_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"attempts":   gorm.Expr("webhook_events.attempts + 1"),
			"updated_at": time.Now().UTC(),
		}),
	}).Create(&row).Error
	if errUpsert != nil {
		return false, fmt.Errorf("billing: journal event: %w", errUpsert)
	}

	var stored models.WebhookEvent
	if errFind := j.db.WithContext(ctx).
		Where("provider = ? AND provider_event_id = ?", provider, eventID).
		First(&stored).Error; errFind != nil {
		return false, fmt.Errorf("billing: load journal entry: %w", errFind)
	}
	return stored.ProcessedAt != nil, nil
}

// Finish records the result of processing an event. A nil errProcess marks it processed.
func (j *Journal) Finish(ctx context.Context, provider, eventID string, errProcess error) error {
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if errProcess == nil {
		now := time.Now().UTC()
		updates["processed_at"] = &now
		updates["processing_error"] = ""
	} else {
		msg := errProcess.Error()
		if len(msg) > maxJournalError {
			msg = msg[:maxJournalError]
		}
		updates["processing_error"] = msg
	}
	res := j.db.WithContext(ctx).
		Model(&models.WebhookEvent{}).
		Where("provider = ? AND provider_event_id = ?", provider, eventID).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("billing: finish journal entry: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("billing: finish journal entry: %w", gorm.ErrRecordNotFound)
	}
	return nil
}

// Prune deletes processed entries older than cutoff and returns how many were removed.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res := j.db.WithContext(ctx).
		Where("processed_at IS NOT NULL AND processed_at < ?", cutoff.UTC()).
		Delete(&models.WebhookEvent{})
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("billing: prune journal: %w", res.Error)
	}
	return res.RowsAffected, nil
}
