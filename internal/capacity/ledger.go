// Package capacity owns model enablement and the pool-wide GPU bound.
package capacity

import (
	"context"
	"fmt"
	"time"

	"github.com/router-for-me/gpulease/internal/db"
	"github.com/router-for-me/gpulease/internal/models"
	"gorm.io/gorm"
)

// Pool defaults.
const (
	// DefaultPoolCapacity is the number of GPU units the platform serves concurrently.
	DefaultPoolCapacity = 8
	// DefaultImmunityWindow protects a freshly enabled model from eviction.
	DefaultImmunityWindow = 7 * 24 * time.Hour
)

// Ledger reads and toggles model enablement inside caller-owned transactions.
// Usage is always derived from the models table; there is no stored counter.
type Ledger struct {
	capacity int
	immunity time.Duration
}

// NewLedger constructs a Ledger, applying defaults for non-positive values.
func NewLedger(capacity int, immunity time.Duration) *Ledger {
	if capacity <= 0 {
		capacity = DefaultPoolCapacity
	}
	if immunity <= 0 {
		immunity = DefaultImmunityWindow
	}
	return &Ledger{capacity: capacity, immunity: immunity}
}

// Capacity returns the pool size in GPU units.
func (l *Ledger) Capacity() int { return l.capacity }

// ImmunityWindow returns the eviction protection period.
func (l *Ledger) ImmunityWindow() time.Duration { return l.immunity }

// Lock acquires the capacity lock for the rest of tx.
// It must be the first write of any transaction that may enable a model.
func (l *Ledger) Lock(ctx context.Context, tx *gorm.DB, holder string) error {
	res := tx.WithContext(ctx).
		Model(&models.SchedulerLock{}).
		Where("name = ?", models.CapacityLockName).
		Updates(map[string]any{"holder": holder, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("capacity: lock: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrLockMissing
	}
	return nil
}

// CurrentUsage sums the GPU requirements of all enabled models.
func (l *Ledger) CurrentUsage(ctx context.Context, tx *gorm.DB) (int, error) {
	var total int64
	if errSum := tx.WithContext(ctx).
		Model(&models.Model{}).
		Where("enabled = ?", true).
		Select("COALESCE(SUM(required_gpus), 0)").
		Scan(&total).Error; errSum != nil {
		return 0, fmt.Errorf("capacity: current usage: %w", errSum)
	}
	return int(total), nil
}

// Fits reports whether gpus more units fit next to the current usage.
func (l *Ledger) Fits(ctx context.Context, tx *gorm.DB, gpus int) (int, bool, error) {
	usage, err := l.CurrentUsage(ctx, tx)
	if err != nil {
		return 0, false, err
	}
	return usage, usage+gpus <= l.capacity, nil
}

// Enable marks m as served from now. The caller must have verified that m fits.
func (l *Ledger) Enable(ctx context.Context, tx *gorm.DB, m *models.Model, now time.Time) error {
	if m == nil {
		return ErrModelMissing
	}
	enabledAt := now.UTC()
	res := tx.WithContext(ctx).
		Model(&models.Model{}).
		Where("id = ?", m.ID).
		Updates(map[string]any{"enabled": true, "enabled_at": enabledAt})
	if res.Error != nil {
		return fmt.Errorf("capacity: enable model %d: %w", m.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("capacity: enable model %d: %w", m.ID, ErrModelMissing)
	}
	m.Enabled = true
	m.EnabledAt = &enabledAt
	return nil
}

// Disable stops serving m and clears its enablement time.
func (l *Ledger) Disable(ctx context.Context, tx *gorm.DB, m *models.Model) error {
	if m == nil {
		return ErrModelMissing
	}
	res := tx.WithContext(ctx).
		Model(&models.Model{}).
		Where("id = ?", m.ID).
		Updates(map[string]any{"enabled": false, "enabled_at": nil})
	if res.Error != nil {
		return fmt.Errorf("capacity: disable model %d: %w", m.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("capacity: disable model %d: %w", m.ID, ErrModelMissing)
	}
	m.Enabled = false
	m.EnabledAt = nil
	return nil
}

// EnabledModels loads every enabled model, row-locked where supported.
func (l *Ledger) EnabledModels(ctx context.Context, tx *gorm.DB) ([]models.Model, error) {
	var rows []models.Model
	if errFind := db.ForUpdate(tx.WithContext(ctx)).
		Where("enabled = ?", true).
		Order("enabled_at ASC, id ASC").
		Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("capacity: list enabled models: %w", errFind)
	}
	return rows, nil
}

// PlanEviction selects victims that free at least deficit GPUs as of now.
func (l *Ledger) PlanEviction(ctx context.Context, tx *gorm.DB, deficit int, now time.Time) ([]models.Model, error) {
	enabled, err := l.EnabledModels(ctx, tx)
	if err != nil {
		return nil, err
	}
	return SelectVictims(enabled, deficit, now, l.immunity)
}

// CheckInvariant recomputes usage and fails when it exceeds capacity.
func (l *Ledger) CheckInvariant(ctx context.Context, tx *gorm.DB) (int, error) {
	usage, err := l.CurrentUsage(ctx, tx)
	if err != nil {
		return 0, err
	}
	if usage > l.capacity {
		return usage, fmt.Errorf("%w: usage=%d capacity=%d", ErrCapacityExceeded, usage, l.capacity)
	}
	return usage, nil
}

// Report summarizes pool state for the periodic audit.
type Report struct {
	Usage        int
	Capacity     int
	Enabled      int
	Inconsistent []uint64 // Models whose enabled flag and enablement time disagree.
}

// Audit reads pool state without mutating it.
func (l *Ledger) Audit(ctx context.Context, tx *gorm.DB) (Report, error) {
	usage, err := l.CurrentUsage(ctx, tx)
	if err != nil {
		return Report{}, err
	}
	report := Report{Usage: usage, Capacity: l.capacity}

	var enabled int64
	if errCount := tx.WithContext(ctx).Model(&models.Model{}).Where("enabled = ?", true).Count(&enabled).Error; errCount != nil {
		return Report{}, fmt.Errorf("capacity: audit count: %w", errCount)
	}
	report.Enabled = int(enabled)

	if errPluck := tx.WithContext(ctx).
		Model(&models.Model{}).
		Where("(enabled = ? AND enabled_at IS NULL) OR (enabled = ? AND enabled_at IS NOT NULL)", true, false).
		Order("id ASC").
		Pluck("id", &report.Inconsistent).Error; errPluck != nil {
		return Report{}, fmt.Errorf("capacity: audit consistency: %w", errPluck)
	}
	return report, nil
}
