package models

import "time"

// CapacityLockName names the lock row shared by every capacity-mutating transaction.
const CapacityLockName = "capacity"

// SchedulerLock is a named row updated at the start of a transaction to serialize writers.
type SchedulerLock struct {
	Name      string    `gorm:"type:varchar(64);primaryKey"` // Lock name.
	Holder    string    `gorm:"type:varchar(64)"`            // Last operation holding the lock.
	UpdatedAt time.Time `gorm:"not null"`                    // Last acquisition time.
}
