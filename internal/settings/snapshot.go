package settings

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/router-for-me/gpulease/internal/models"
	"gorm.io/gorm"
)

type dbConfigSnapshot struct {
	updatedAt time.Time
	values    map[string]json.RawMessage
}

var (
	snapshotMu sync.RWMutex
	snapshot   = dbConfigSnapshot{values: map[string]json.RawMessage{}}
)

// StoreDBConfig replaces the in-memory settings snapshot.
func StoreDBConfig(updatedAt time.Time, values map[string]json.RawMessage) {
	copied := make(map[string]json.RawMessage, len(values))
	for key, value := range values {
		copied[key] = append(json.RawMessage(nil), value...)
	}
	snapshotMu.Lock()
	snapshot = dbConfigSnapshot{updatedAt: updatedAt, values: copied}
	snapshotMu.Unlock()
}

// DBConfigValue returns the raw JSON value stored for key.
func DBConfigValue(key string) (json.RawMessage, bool) {
	snapshotMu.RLock()
	defer snapshotMu.RUnlock()
	value, ok := snapshot.values[key]
	return value, ok
}

// DBConfigUpdatedAt returns the newest update time in the snapshot.
func DBConfigUpdatedAt() time.Time {
	snapshotMu.RLock()
	defer snapshotMu.RUnlock()
	return snapshot.updatedAt
}

// Reload rebuilds the in-memory settings snapshot from the DB.
func Reload(ctx context.Context, db *gorm.DB) error {
	var rows []models.Setting
	if errFind := db.WithContext(ctx).
		Select("key", "value", "updated_at").
		Order("key ASC").
		Find(&rows).Error; errFind != nil {
		return errFind
	}

	values := make(map[string]json.RawMessage, len(rows))
	maxUpdatedAt := time.Time{}
	for _, row := range rows {
		key := strings.TrimSpace(row.Key)
		if key == "" {
			continue
		}
		values[key] = json.RawMessage(row.Value)
		if rowUpdatedAt := row.UpdatedAt.UTC(); rowUpdatedAt.After(maxUpdatedAt) {
			maxUpdatedAt = rowUpdatedAt
		}
	}

	StoreDBConfig(maxUpdatedAt, values)
	return nil
}

// IntValue returns the non-negative integer stored for key, or fallback.
func IntValue(key string, fallback int) int {
	raw, ok := DBConfigValue(key)
	if !ok {
		return fallback
	}
	if parsed, okParse := ParseNonNegativeInt(raw); okParse {
		return parsed
	}
	return fallback
}
