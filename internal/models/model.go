package models

import "time"

// Model is a servable AI model competing for GPU capacity in the shared pool.
type Model struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Name string `gorm:"type:varchar(255);not null;uniqueIndex"` // Public model name used for leasing.
	Slug string `gorm:"type:varchar(255);not null;uniqueIndex"` // URL-safe name.

	RequiredGPUs *int `gorm:"column:required_gpus"` // GPU units needed to serve; nil until estimated.

	Enabled   bool       `gorm:"not null;default:false;index"` // Whether the fleet should serve the model.
	EnabledAt *time.Time `gorm:"index"`                        // Enablement time; set iff Enabled.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// GPUs returns the resolved GPU requirement, or 0 when unresolved.
func (m *Model) GPUs() int {
	if m == nil || m.RequiredGPUs == nil {
		return 0
	}
	return *m.RequiredGPUs
}
