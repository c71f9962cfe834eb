// Package admission grants one-time, credit-funded model leases.
package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/router-for-me/gpulease/internal/alert"
	"github.com/router-for-me/gpulease/internal/capacity"
	"github.com/router-for-me/gpulease/internal/credit"
	"github.com/router-for-me/gpulease/internal/db"
	"github.com/router-for-me/gpulease/internal/metrics"
	"github.com/router-for-me/gpulease/internal/models"
)

// DefaultCostPerGPU is the credit price of one GPU unit per lease.
const DefaultCostPerGPU int64 = 1

var (
	// ErrModelNotFound indicates no model with the requested name exists.
	ErrModelNotFound = errors.New("admission: model not found")
	// ErrModelNotReady indicates the model's GPU requirement is not known yet.
	ErrModelNotReady = errors.New("admission: model gpu requirement not resolved")
)

// Options tunes a Controller. Zero values select defaults.
type Options struct {
	CostPerGPU int64
	TxTimeout  time.Duration
	Now        func() time.Time
	Sink       alert.Sink
}

// Controller admits models into the pool in exchange for credits, evicting
// older leases when the pool is full.
type Controller struct {
	db         *gorm.DB
	capacity   *capacity.Ledger
	credits    *credit.Ledger
	costPerGPU int64
	txTimeout  time.Duration
	now        func() time.Time
	sink       alert.Sink
}

// NewController constructs a Controller.
func NewController(conn *gorm.DB, capacityLedger *capacity.Ledger, creditLedger *credit.Ledger, opts Options) *Controller {
	c := &Controller{
		db:         conn,
		capacity:   capacityLedger,
		credits:    creditLedger,
		costPerGPU: opts.CostPerGPU,
		txTimeout:  opts.TxTimeout,
		now:        opts.Now,
		sink:       opts.Sink,
	}
	if c.costPerGPU <= 0 {
		c.costPerGPU = DefaultCostPerGPU
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.sink == nil {
		c.sink = alert.NewLogSink()
	}
	if c.credits == nil {
		c.credits = credit.NewLedger()
	}
	return c
}

// Result describes a committed lease.
type Result struct {
	Lease    models.ModelLease
	Model    models.Model
	Evicted  []models.Model
	Usage    int
	Capacity int
	Balance  int64
}

// Cost returns the credit price of leasing gpus GPU units.
// Admission checks and debits use this same figure.
func (c *Controller) Cost(gpus int) int64 {
	return int64(gpus) * c.costPerGPU
}

// LeaseModel enables modelName for userID, evicting non-immune models if needed,
// and debits the lease cost. Either everything commits or nothing does.
func (c *Controller) LeaseModel(ctx context.Context, modelName string, userID uint64) (*Result, error) {
	name := strings.TrimSpace(modelName)
	if name == "" {
		metrics.LeaseRequestsTotal.WithLabelValues(Outcome(ErrModelNotFound)).Inc()
		return nil, ErrModelNotFound
	}

	var result *Result
	errTx := db.WithTx(ctx, c.db, c.txTimeout, func(tx *gorm.DB) error {
		res, errLease := c.lease(ctx, tx, name, userID)
		if errLease != nil {
			return errLease
		}
		result = res
		return nil
	})
	metrics.LeaseRequestsTotal.WithLabelValues(Outcome(errTx)).Inc()
	if errTx != nil {
		if !IsRejection(errTx) {
			c.sink.Report(ctx, errTx, map[string]any{"source": "admission", "model": name, "user_id": userID})
		}
		return nil, errTx
	}

	metrics.EvictionsTotal.Add(float64(len(result.Evicted)))
	metrics.PoolUsageGPUs.Set(float64(result.Usage))
	log.WithFields(log.Fields{
		"lease":   result.Lease.UID,
		"model":   result.Model.Name,
		"user_id": userID,
		"gpus":    result.Lease.GPUs,
		"evicted": len(result.Evicted),
		"usage":   result.Usage,
		"renewal": result.Lease.Renewal,
	}).Info("admission: lease granted")
	return result, nil
}

func (c *Controller) lease(ctx context.Context, tx *gorm.DB, name string, userID uint64) (*Result, error) {
	if errLock := c.capacity.Lock(ctx, tx, "lease"); errLock != nil {
		return nil, errLock
	}

	var model models.Model
	if errFind := db.ForUpdate(tx.WithContext(ctx)).Where("name = ?", name).First(&model).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrModelNotFound
		}
		return nil, fmt.Errorf("admission: load model: %w", errFind)
	}
	if model.RequiredGPUs == nil {
		return nil, ErrModelNotReady
	}
	gpus := model.GPUs()
	if gpus > c.capacity.Capacity() {
		return nil, capacity.ErrResourceTooLarge
	}
	cost := c.Cost(gpus)

	var user models.User
	if errFind := db.ForUpdate(tx.WithContext(ctx)).Where("id = ?", userID).First(&user).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, credit.ErrUserNotFound
		}
		return nil, fmt.Errorf("admission: load user: %w", errFind)
	}
	if user.Credits < cost {
		return nil, credit.ErrInsufficientCredits
	}

	now := c.now().UTC()
	renewal := model.Enabled
	var evicted []models.Model
	if !renewal {
		usage, fits, errFits := c.capacity.Fits(ctx, tx, gpus)
		if errFits != nil {
			return nil, errFits
		}
		if !fits {
			deficit := usage + gpus - c.capacity.Capacity()
			plan, errPlan := c.capacity.PlanEviction(ctx, tx, deficit, now)
			if errPlan != nil {
				return nil, errPlan
			}
			for i := range plan {
				if errDisable := c.capacity.Disable(ctx, tx, &plan[i]); errDisable != nil {
					return nil, errDisable
				}
			}
			evicted = plan
		}
	}
	if errEnable := c.capacity.Enable(ctx, tx, &model, now); errEnable != nil {
		return nil, errEnable
	}
	if errDebit := c.credits.Debit(ctx, tx, user.ID, cost); errDebit != nil {
		return nil, errDebit
	}

	usage, errInvariant := c.capacity.CheckInvariant(ctx, tx)
	if errInvariant != nil {
		return nil, errInvariant
	}

	evictedIDs := make([]uint64, 0, len(evicted))
	for _, victim := range evicted {
		evictedIDs = append(evictedIDs, victim.ID)
	}
	evictedJSON, errMarshal := json.Marshal(evictedIDs)
	if errMarshal != nil {
		return nil, fmt.Errorf("admission: encode evicted: %w", errMarshal)
	}

	lease := models.ModelLease{
		UID:       uuid.NewString(),
		UserID:    user.ID,
		ModelID:   model.ID,
		GPUs:      gpus,
		Cost:      cost,
		Evicted:   datatypes.JSON(evictedJSON),
		Renewal:   renewal,
		CreatedAt: now,
	}
	if errCreate := tx.WithContext(ctx).Create(&lease).Error; errCreate != nil {
		return nil, fmt.Errorf("admission: record lease: %w", errCreate)
	}

	return &Result{
		Lease:    lease,
		Model:    model,
		Evicted:  evicted,
		Usage:    usage,
		Capacity: c.capacity.Capacity(),
		Balance:  user.Credits - cost,
	}, nil
}

// IsRejection reports whether err is an expected refusal rather than a fault.
func IsRejection(err error) bool {
	return errors.Is(err, ErrModelNotFound) ||
		errors.Is(err, ErrModelNotReady) ||
		errors.Is(err, capacity.ErrResourceTooLarge) ||
		errors.Is(err, capacity.ErrInsufficientEvictableCapacity) ||
		errors.Is(err, credit.ErrInsufficientCredits) ||
		errors.Is(err, credit.ErrUserNotFound)
}

// Outcome maps a LeaseModel error to a short metrics label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "admitted"
	case errors.Is(err, ErrModelNotFound), errors.Is(err, ErrModelNotReady), errors.Is(err, credit.ErrUserNotFound):
		return "invalid"
	case errors.Is(err, capacity.ErrResourceTooLarge):
		return "too_large"
	case errors.Is(err, credit.ErrInsufficientCredits):
		return "insufficient_credits"
	case errors.Is(err, capacity.ErrInsufficientEvictableCapacity):
		return "no_evictable_capacity"
	default:
		return "error"
	}
}
