// Package catalog registers models and resolves their GPU requirements.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gosimple/slug"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/router-for-me/gpulease/internal/capacity"
	"github.com/router-for-me/gpulease/internal/db"
	"github.com/router-for-me/gpulease/internal/estimator"
	"github.com/router-for-me/gpulease/internal/models"
)

var (
	// ErrInvalidName indicates an empty or unsluggable model name.
	ErrInvalidName = errors.New("catalog: invalid model name")
	// ErrModelExists indicates the name or slug is already registered.
	ErrModelExists = errors.New("catalog: model already registered")
	// ErrModelNotFound indicates no model with the given name.
	ErrModelNotFound = errors.New("catalog: model not found")
	// ErrModelEnabled indicates the requirement of an enabled model cannot change.
	ErrModelEnabled = errors.New("catalog: model is enabled")
	// ErrNoEstimator indicates no GPU estimator is configured.
	ErrNoEstimator = errors.New("catalog: no gpu estimator configured")
)

// Catalog manages the set of leasable models.
type Catalog struct {
	db        *gorm.DB
	capacity  *capacity.Ledger
	estimator estimator.Estimator
	txTimeout time.Duration
}

// New constructs a Catalog.
func New(conn *gorm.DB, capacityLedger *capacity.Ledger, est estimator.Estimator, txTimeout time.Duration) *Catalog {
	return &Catalog{db: conn, capacity: capacityLedger, estimator: est, txTimeout: txTimeout}
}

// Register creates a disabled model and asks the estimator for its GPU
// requirement. An estimator failure leaves the requirement unresolved.
func (c *Catalog) Register(ctx context.Context, name string) (*models.Model, error) {
	name = strings.TrimSpace(name)
	modelSlug := slug.Make(name)
	if name == "" || modelSlug == "" {
		return nil, ErrInvalidName
	}

	model := models.Model{Name: name, Slug: modelSlug}
	if gpus, ok := c.estimate(ctx, name); ok {
		model.RequiredGPUs = &gpus
	}

	if errCreate := c.db.WithContext(ctx).Create(&model).Error; errCreate != nil {
		if db.IsUniqueViolation(errCreate) {
			return nil, fmt.Errorf("%w: %s", ErrModelExists, name)
		}
		return nil, fmt.Errorf("catalog: create model: %w", errCreate)
	}
	log.WithFields(log.Fields{"model": model.Name, "slug": model.Slug, "required_gpus": model.GPUs(), "resolved": model.RequiredGPUs != nil}).
		Info("catalog: model registered")
	return &model, nil
}

// Resolve re-queries the estimator for a disabled model.
func (c *Catalog) Resolve(ctx context.Context, name string) (*models.Model, error) {
	name = strings.TrimSpace(name)
	if c.estimator == nil {
		return nil, ErrNoEstimator
	}
	gpus, errEstimate := c.estimator.Estimate(ctx, name)
	if errEstimate != nil {
		return nil, fmt.Errorf("catalog: estimate %s: %w", name, errEstimate)
	}

	var model models.Model
	errTx := db.WithTx(ctx, c.db, c.txTimeout, func(tx *gorm.DB) error {
		if errLock := c.capacity.Lock(ctx, tx, "catalog.resolve"); errLock != nil {
			return errLock
		}
		if errFind := db.ForUpdate(tx.WithContext(ctx)).Where("name = ?", name).First(&model).Error; errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrModelNotFound, name)
			}
			return fmt.Errorf("catalog: load model: %w", errFind)
		}
		if model.Enabled {
			return fmt.Errorf("%w: %s", ErrModelEnabled, name)
		}
		model.RequiredGPUs = &gpus
		if errUpdate := tx.WithContext(ctx).Model(&model).Update("required_gpus", gpus).Error; errUpdate != nil {
			return fmt.Errorf("catalog: update model: %w", errUpdate)
		}
		return nil
	})
	if errTx != nil {
		return nil, errTx
	}
	return &model, nil
}

// List returns all models ordered by name.
func (c *Catalog) List(ctx context.Context) ([]models.Model, error) {
	var rows []models.Model
	if errFind := c.db.WithContext(ctx).Order("name ASC").Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("catalog: list models: %w", errFind)
	}
	return rows, nil
}

func (c *Catalog) estimate(ctx context.Context, name string) (int, bool) {
	if c.estimator == nil {
		return 0, false
	}
	gpus, err := c.estimator.Estimate(ctx, name)
	if err != nil {
		log.WithError(err).WithField("model", name).Warn("catalog: gpu estimate unavailable")
		return 0, false
	}
	return gpus, true
}
