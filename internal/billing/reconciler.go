// Package billing reconciles recurring billing events with pool capacity.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/router-for-me/gpulease/internal/alert"
	"github.com/router-for-me/gpulease/internal/capacity"
	"github.com/router-for-me/gpulease/internal/db"
	"github.com/router-for-me/gpulease/internal/metrics"
	"github.com/router-for-me/gpulease/internal/models"
)

var (
	// ErrMissingEntity indicates an event references a row that does not exist (yet).
	ErrMissingEntity = errors.New("billing: referenced entity missing")
	// ErrModelAlreadySubscribed indicates the model already has a non-terminal subscription.
	ErrModelAlreadySubscribed = errors.New("billing: model already has an open subscription")
)

// Outcome describes how an event was handled.
type Outcome string

// Outcome values.
const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeRejected  Outcome = "rejected"
)

var terminalStatuses = []models.SubscriptionStatus{
	models.SubscriptionStatusCanceled,
	models.SubscriptionStatusIncompleteExpired,
}

// Options tunes a Reconciler. Zero values select defaults.
type Options struct {
	TxTimeout time.Duration
	Now       func() time.Time
	Sink      alert.Sink
}

// Reconciler applies billing events to subscriptions and model enablement.
// Each event runs in one transaction that holds the capacity lock, re-reads
// the rows it touches, and is safe to re-run.
type Reconciler struct {
	db        *gorm.DB
	capacity  *capacity.Ledger
	journal   *Journal
	txTimeout time.Duration
	now       func() time.Time
	sink      alert.Sink
}

// NewReconciler constructs a Reconciler.
func NewReconciler(conn *gorm.DB, capacityLedger *capacity.Ledger, opts Options) *Reconciler {
	r := &Reconciler{
		db:        conn,
		capacity:  capacityLedger,
		journal:   NewJournal(conn),
		txTimeout: opts.TxTimeout,
		now:       opts.Now,
		sink:      opts.Sink,
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.sink == nil {
		r.sink = alert.NewLogSink()
	}
	return r
}

// Journal returns the webhook journal used by the reconciler.
func (r *Reconciler) Journal() *Journal { return r.journal }

// Retryable reports whether the gateway should redeliver an event that failed with err.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrInvalidEvent) &&
		!errors.Is(err, ErrUnsupportedEvent) &&
		!errors.Is(err, ErrModelAlreadySubscribed)
}

// Dispatch routes ev to its handler.
func (r *Reconciler) Dispatch(ctx context.Context, ev Event) (Outcome, error) {
	var (
		outcome Outcome
		err     error
	)
	switch e := ev.(type) {
	case SubscriptionCreated:
		outcome, err = r.SubscriptionCreated(ctx, e)
	case SubscriptionUpdated:
		outcome, err = r.SubscriptionUpdated(ctx, e)
	case InvoicePaid:
		outcome, err = r.InvoicePaid(ctx, e)
	case InvoicePaymentFailed:
		outcome, err = r.InvoicePaymentFailed(ctx, e)
	default:
		return OutcomeIgnored, fmt.Errorf("%w: %T", ErrUnsupportedEvent, ev)
	}

	label := string(outcome)
	if err != nil {
		label = "error"
		if errors.Is(err, ErrModelAlreadySubscribed) {
			label = string(OutcomeRejected)
		}
	}
	metrics.BillingEventsTotal.WithLabelValues(string(ev.Kind()), label).Inc()

	if err != nil && Retryable(err) {
		r.sink.Report(ctx, err, map[string]any{"source": "billing", "kind": string(ev.Kind())})
	}
	return outcome, err
}

// SubscriptionCreated records a new subscription. Capacity is not touched: the
// model is enabled once an invoice for it is paid.
func (r *Reconciler) SubscriptionCreated(ctx context.Context, ev SubscriptionCreated) (Outcome, error) {
	outcome := OutcomeApplied
	errTx := db.WithTx(ctx, r.db, r.txTimeout, func(tx *gorm.DB) error {
		if errLock := r.capacity.Lock(ctx, tx, "subscription.created"); errLock != nil {
			return errLock
		}

		var existing []models.Subscription
		res := tx.WithContext(ctx).Where("stripe_subscription_id = ?", ev.StripeSubscriptionID).Limit(1).Find(&existing)
		if res.Error != nil {
			return fmt.Errorf("billing: load subscription: %w", res.Error)
		}
		if res.RowsAffected > 0 {
			outcome = OutcomeDuplicate
			return nil
		}

		var userCount, modelCount int64
		if errCount := tx.WithContext(ctx).Model(&models.User{}).Where("id = ?", ev.Metadata.UserID).Count(&userCount).Error; errCount != nil {
			return fmt.Errorf("billing: check user: %w", errCount)
		}
		if userCount == 0 {
			return fmt.Errorf("%w: user %d", ErrMissingEntity, ev.Metadata.UserID)
		}
		if errCount := tx.WithContext(ctx).Model(&models.Model{}).Where("id = ?", ev.Metadata.ModelID).Count(&modelCount).Error; errCount != nil {
			return fmt.Errorf("billing: check model: %w", errCount)
		}
		if modelCount == 0 {
			return fmt.Errorf("%w: model %d", ErrMissingEntity, ev.Metadata.ModelID)
		}

		if !ev.Status.Terminal() {
			var open int64
			if errCount := tx.WithContext(ctx).
				Model(&models.Subscription{}).
				Where("model_id = ? AND status NOT IN ?", ev.Metadata.ModelID, terminalStatuses).
				Count(&open).Error; errCount != nil {
				return fmt.Errorf("billing: check open subscriptions: %w", errCount)
			}
			if open > 0 {
				return fmt.Errorf("%w: model %d", ErrModelAlreadySubscribed, ev.Metadata.ModelID)
			}
		}

		sub := models.Subscription{
			UserID:               ev.Metadata.UserID,
			ModelID:              ev.Metadata.ModelID,
			StripeSubscriptionID: ev.StripeSubscriptionID,
			Status:               ev.Status,
			GPUCount:             ev.Metadata.GPUCount,
			CurrentPeriodStart:   ev.Period.Start,
			CurrentPeriodEnd:     ev.Period.End,
			LatestInvoiceID:      ev.LatestInvoiceID,
		}
		if errCreate := tx.WithContext(ctx).Create(&sub).Error; errCreate != nil {
			return fmt.Errorf("billing: create subscription: %w", errCreate)
		}
		return nil
	})
	if errTx != nil {
		if errors.Is(errTx, ErrModelAlreadySubscribed) {
			return OutcomeRejected, errTx
		}
		return "", errTx
	}
	r.logOutcome(KindSubscriptionCreated, ev.StripeSubscriptionID, outcome)
	return outcome, nil
}

// SubscriptionUpdated persists a status or period change and toggles the model
// on cancellation and on recovery from past_due.
func (r *Reconciler) SubscriptionUpdated(ctx context.Context, ev SubscriptionUpdated) (Outcome, error) {
	outcome := OutcomeApplied
	var blocked *models.Model
	errTx := db.WithTx(ctx, r.db, r.txTimeout, func(tx *gorm.DB) error {
		outcome, blocked = OutcomeApplied, nil
		if errLock := r.capacity.Lock(ctx, tx, "subscription.updated"); errLock != nil {
			return errLock
		}
		sub, model, errLoad := r.loadSubscription(ctx, tx, ev.StripeSubscriptionID)
		if errLoad != nil {
			return errLoad
		}

		previous := sub.Status
		if previous == models.SubscriptionStatusIncomplete && ev.Status == models.SubscriptionStatusActive &&
			ev.LatestInvoiceID == sub.LatestInvoiceID {
			outcome = OutcomeDuplicate
			return nil
		}
		if previous.Terminal() {
			outcome = OutcomeIgnored
			if previous == ev.Status {
				outcome = OutcomeDuplicate
			}
			return nil
		}
		if previous == ev.Status && ev.LatestInvoiceID == sub.LatestInvoiceID && samePeriod(sub, ev.Period) {
			outcome = OutcomeDuplicate
			return nil
		}
		if !previous.CanTransition(ev.Status) {
			outcome = OutcomeIgnored
			return nil
		}

		sub.Status = ev.Status
		applyPeriod(sub, ev.Period)
		if ev.LatestInvoiceID != "" {
			sub.LatestInvoiceID = ev.LatestInvoiceID
		}
		if errSave := tx.WithContext(ctx).Save(sub).Error; errSave != nil {
			return fmt.Errorf("billing: save subscription: %w", errSave)
		}

		switch {
		case ev.Status.Terminal() && model.Enabled:
			return r.capacity.Disable(ctx, tx, model)
		case previous == models.SubscriptionStatusPastDue && ev.Status == models.SubscriptionStatusActive && !model.Enabled:
			enabled, errEnable := r.enableIfFits(ctx, tx, model)
			if errEnable != nil {
				return errEnable
			}
			if !enabled {
				blocked = model
			}
		}
		return nil
	})
	if errTx != nil {
		return "", errTx
	}
	r.reportBlocked(ctx, blocked, ev.StripeSubscriptionID)
	r.logOutcome(KindSubscriptionUpdated, ev.StripeSubscriptionID, outcome)
	return outcome, nil
}

// InvoicePaid records the payment exactly once and enables the model when the
// subscription is active.
func (r *Reconciler) InvoicePaid(ctx context.Context, ev InvoicePaid) (Outcome, error) {
	outcome := OutcomeApplied
	var blocked *models.Model
	errTx := db.WithTx(ctx, r.db, r.txTimeout, func(tx *gorm.DB) error {
		outcome, blocked = OutcomeApplied, nil
		if errLock := r.capacity.Lock(ctx, tx, "invoice.paid"); errLock != nil {
			return errLock
		}

		var paid int64
		if errCount := tx.WithContext(ctx).Model(&models.LeasePayment{}).Where("invoice_id = ?", ev.InvoiceID).Count(&paid).Error; errCount != nil {
			return fmt.Errorf("billing: check payment: %w", errCount)
		}
		if paid > 0 {
			outcome = OutcomeDuplicate
			return nil
		}

		sub, model, errLoad := r.loadSubscription(ctx, tx, ev.StripeSubscriptionID)
		if errLoad != nil {
			return errLoad
		}

		status := ev.Status
		if status == "" {
			status = models.SubscriptionStatusActive
		}
		if sub.Status.CanTransition(status) {
			sub.Status = status
		}
		sub.LatestInvoiceID = ev.InvoiceID
		applyPeriod(sub, ev.Period)
		if errSave := tx.WithContext(ctx).Save(sub).Error; errSave != nil {
			return fmt.Errorf("billing: save subscription: %w", errSave)
		}

		payment := models.LeasePayment{
			InvoiceID:      ev.InvoiceID,
			SubscriptionID: sub.ID,
			Amount:         ev.Amount,
			CreatedAt:      r.now().UTC(),
		}
		if errCreate := tx.WithContext(ctx).Create(&payment).Error; errCreate != nil {
			return fmt.Errorf("billing: record payment: %w", errCreate)
		}

		if sub.Status == models.SubscriptionStatusActive && !model.Enabled {
			enabled, errEnable := r.enableIfFits(ctx, tx, model)
			if errEnable != nil {
				return errEnable
			}
			if !enabled {
				blocked = model
			}
		}
		return nil
	})
	if errTx != nil {
		return "", errTx
	}
	r.reportBlocked(ctx, blocked, ev.StripeSubscriptionID)
	r.logOutcome(KindInvoicePaid, ev.InvoiceID, outcome)
	return outcome, nil
}

// InvoicePaymentFailed records a failed collection and, once the provider stops
// retrying, disables the model and cancels the subscription.
func (r *Reconciler) InvoicePaymentFailed(ctx context.Context, ev InvoicePaymentFailed) (Outcome, error) {
	outcome := OutcomeApplied
	errTx := db.WithTx(ctx, r.db, r.txTimeout, func(tx *gorm.DB) error {
		outcome = OutcomeApplied
		if errLock := r.capacity.Lock(ctx, tx, "invoice.payment_failed"); errLock != nil {
			return errLock
		}
		sub, model, errLoad := r.loadSubscription(ctx, tx, ev.StripeSubscriptionID)
		if errLoad != nil {
			return errLoad
		}

		switch {
		case sub.Status == models.SubscriptionStatusCanceled:
			outcome = OutcomeDuplicate
			return nil
		case sub.Status.Terminal():
			outcome = OutcomeIgnored
			return nil
		}

		var paid int64
		if errCount := tx.WithContext(ctx).Model(&models.LeasePayment{}).Where("invoice_id = ?", ev.InvoiceID).Count(&paid).Error; errCount != nil {
			return fmt.Errorf("billing: check payment: %w", errCount)
		}
		if paid > 0 {
			outcome = OutcomeIgnored
			return nil
		}

		status := ev.Status
		if status == "" {
			status = models.SubscriptionStatusPastDue
			if sub.Status == models.SubscriptionStatusIncomplete {
				status = models.SubscriptionStatusIncomplete
			}
		}
		if !sub.Status.CanTransition(status) {
			status = sub.Status
		}
		if ev.FinalAttempt() {
			if model.Enabled {
				if errDisable := r.capacity.Disable(ctx, tx, model); errDisable != nil {
					return errDisable
				}
			}
			status = models.SubscriptionStatusCanceled
		}
		sub.Status = status
		sub.LatestInvoiceID = ev.InvoiceID
		if errSave := tx.WithContext(ctx).Save(sub).Error; errSave != nil {
			return fmt.Errorf("billing: save subscription: %w", errSave)
		}
		return nil
	})
	if errTx != nil {
		return "", errTx
	}
	r.logOutcome(KindInvoicePaymentFailed, ev.InvoiceID, outcome)
	return outcome, nil
}

// ReactivatePending enables models of active subscriptions that could not be
// enabled earlier because the pool was full. It returns how many were enabled.
func (r *Reconciler) ReactivatePending(ctx context.Context) (int, error) {
	var pending []models.Subscription
	if errFind := r.db.WithContext(ctx).
		Joins("JOIN models ON models.id = subscriptions.model_id").
		Where("subscriptions.status = ? AND models.enabled = ?", models.SubscriptionStatusActive, false).
		Order("subscriptions.id ASC").
		Find(&pending).Error; errFind != nil {
		return 0, fmt.Errorf("billing: list pending activations: %w", errFind)
	}

	enabledCount := 0
	for _, candidate := range pending {
		enabled := false
		errTx := db.WithTx(ctx, r.db, r.txTimeout, func(tx *gorm.DB) error {
			enabled = false
			if errLock := r.capacity.Lock(ctx, tx, "reactivate"); errLock != nil {
				return errLock
			}
			sub, model, errLoad := r.loadSubscription(ctx, tx, candidate.StripeSubscriptionID)
			if errLoad != nil {
				return errLoad
			}
			if sub.Status != models.SubscriptionStatusActive || model.Enabled {
				return nil
			}
			var errEnable error
			enabled, errEnable = r.enableIfFits(ctx, tx, model)
			return errEnable
		})
		if errTx != nil {
			return enabledCount, errTx
		}
		if enabled {
			enabledCount++
		}
	}
	return enabledCount, nil
}

// loadSubscription re-reads the subscription and its model inside tx.
func (r *Reconciler) loadSubscription(ctx context.Context, tx *gorm.DB, stripeSubscriptionID string) (*models.Subscription, *models.Model, error) {
	var sub models.Subscription
	if errFind := db.ForUpdate(tx.WithContext(ctx)).
		Where("stripe_subscription_id = ?", stripeSubscriptionID).
		First(&sub).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, nil, fmt.Errorf("%w: subscription %s", ErrMissingEntity, stripeSubscriptionID)
		}
		return nil, nil, fmt.Errorf("billing: load subscription: %w", errFind)
	}
	var model models.Model
	if errFind := db.ForUpdate(tx.WithContext(ctx)).Where("id = ?", sub.ModelID).First(&model).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, nil, fmt.Errorf("%w: model %d", ErrMissingEntity, sub.ModelID)
		}
		return nil, nil, fmt.Errorf("billing: load model: %w", errFind)
	}
	return &sub, &model, nil
}

// enableIfFits enables model without eviction or charge when the pool has room.
func (r *Reconciler) enableIfFits(ctx context.Context, tx *gorm.DB, model *models.Model) (bool, error) {
	if model.RequiredGPUs == nil {
		return false, nil
	}
	_, fits, errFits := r.capacity.Fits(ctx, tx, model.GPUs())
	if errFits != nil {
		return false, errFits
	}
	if !fits {
		return false, nil
	}
	if errEnable := r.capacity.Enable(ctx, tx, model, r.now()); errEnable != nil {
		return false, errEnable
	}
	return true, nil
}

func (r *Reconciler) reportBlocked(ctx context.Context, model *models.Model, ref string) {
	if model == nil {
		return
	}
	errBlocked := fmt.Errorf("%w: subscribed model %s waiting for capacity", capacity.ErrInsufficientEvictableCapacity, model.Name)
	r.sink.Report(ctx, errBlocked, map[string]any{"source": "billing", "model": model.Name, "ref": ref})
}

func (r *Reconciler) logOutcome(kind Kind, ref string, outcome Outcome) {
	log.WithFields(log.Fields{"kind": kind, "ref": ref, "outcome": outcome}).Info("billing: event reconciled")
}

func samePeriod(sub *models.Subscription, period Period) bool {
	return sameTime(sub.CurrentPeriodStart, period.Start) && sameTime(sub.CurrentPeriodEnd, period.End)
}

func sameTime(stored, incoming *time.Time) bool {
	if incoming == nil {
		return true
	}
	return stored != nil && stored.Equal(*incoming)
}

func applyPeriod(sub *models.Subscription, period Period) {
	if period.Start != nil {
		sub.CurrentPeriodStart = period.Start
	}
	if period.End != nil {
		sub.CurrentPeriodEnd = period.End
	}
}
