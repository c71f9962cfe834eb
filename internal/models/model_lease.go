package models

import (
	"time"

	"gorm.io/datatypes"
)

// ModelLease records a credit-funded admission of a model into the pool.
type ModelLease struct {
	ID  uint64 `gorm:"primaryKey;autoIncrement"`              // Primary key.
	UID string `gorm:"type:varchar(36);not null;uniqueIndex"` // Public lease identifier.

	UserID  uint64 `gorm:"not null;index"` // Paying user ID.
	ModelID uint64 `gorm:"not null;index"` // Admitted model ID.

	GPUs    int            `gorm:"not null"`                         // GPU units granted.
	Cost    int64          `gorm:"not null"`                         // Credits debited.
	Evicted datatypes.JSON `gorm:"type:jsonb;not null;default:'[]'"` // Model IDs evicted to make room.
	Renewal bool           `gorm:"not null;default:false"`           // Lease on an already enabled model.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}
