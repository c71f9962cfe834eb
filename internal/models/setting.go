package models

import (
	"time"

	"gorm.io/datatypes"
)

// Setting stores a runtime-tunable configuration value.
type Setting struct {
	Key   string         `gorm:"type:varchar(100);primaryKey"` // Setting key.
	Value datatypes.JSON `gorm:"type:jsonb;not null"`          // JSON-encoded value.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
