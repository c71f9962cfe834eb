package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v74"

	"github.com/router-for-me/gpulease/internal/models"
)

var (
	// ErrInvalidEvent indicates a payload that cannot be turned into a valid event.
	ErrInvalidEvent = errors.New("billing: invalid event")
	// ErrUnsupportedEvent indicates an event type the reconciler does not consume.
	ErrUnsupportedEvent = errors.New("billing: unsupported event")
)

// Metadata keys attached to subscriptions by the checkout flow.
const (
	MetadataUserID   = "user_id"
	MetadataModelID  = "model_id"
	MetadataGPUCount = "gpu_count"
)

// Stripe event types consumed by the reconciler.
const (
	stripeSubscriptionCreated = "customer.subscription.created"
	stripeSubscriptionUpdated = "customer.subscription.updated"
	stripeSubscriptionDeleted = "customer.subscription.deleted"
	stripeInvoicePaid         = "invoice.paid"
	stripeInvoiceSucceeded    = "invoice.payment_succeeded"
	stripeInvoiceFailed       = "invoice.payment_failed"
)

// Kind names a billing event variant.
type Kind string

// Kind values.
const (
	KindSubscriptionCreated  Kind = "subscription_created"
	KindSubscriptionUpdated  Kind = "subscription_updated"
	KindInvoicePaid          Kind = "invoice_paid"
	KindInvoicePaymentFailed Kind = "invoice_payment_failed"
)

// Event is a validated billing event. The set of implementations is closed.
type Event interface {
	Kind() Kind
	isEvent()
}

// Period is a billing period; either bound may be unknown.
type Period struct {
	Start *time.Time
	End   *time.Time
}

// SubscriptionMetadata is the bag attached at checkout.
type SubscriptionMetadata struct {
	UserID   uint64
	ModelID  uint64
	GPUCount int
}

// SubscriptionCreated reports a new subscription.
type SubscriptionCreated struct {
	StripeSubscriptionID string
	Status               models.SubscriptionStatus
	Metadata             SubscriptionMetadata
	Period               Period
	LatestInvoiceID      string
}

// SubscriptionUpdated reports a status or period change.
type SubscriptionUpdated struct {
	StripeSubscriptionID string
	Status               models.SubscriptionStatus
	Period               Period
	LatestInvoiceID      string
}

// InvoicePaid reports a settled invoice.
type InvoicePaid struct {
	InvoiceID            string
	StripeSubscriptionID string
	Amount               int64
	// Status is the subscription status implied by the payment; empty means active.
	Status models.SubscriptionStatus
	Period Period
}

// InvoicePaymentFailed reports a failed collection attempt.
type InvoicePaymentFailed struct {
	InvoiceID            string
	StripeSubscriptionID string
	// Status is the subscription status reported with the failure; may be empty.
	Status models.SubscriptionStatus
	// NextAttempt is nil when the provider will not retry.
	NextAttempt *time.Time
}

// Kind implements Event.
func (SubscriptionCreated) Kind() Kind { return KindSubscriptionCreated }

// Kind implements Event.
func (SubscriptionUpdated) Kind() Kind { return KindSubscriptionUpdated }

// Kind implements Event.
func (InvoicePaid) Kind() Kind { return KindInvoicePaid }

// Kind implements Event.
func (InvoicePaymentFailed) Kind() Kind { return KindInvoicePaymentFailed }

func (SubscriptionCreated) isEvent()  {}
func (SubscriptionUpdated) isEvent()  {}
func (InvoicePaid) isEvent()          {}
func (InvoicePaymentFailed) isEvent() {}

// FinalAttempt reports whether the provider has given up collecting the invoice.
func (e InvoicePaymentFailed) FinalAttempt() bool { return e.NextAttempt == nil }

// ParseStripeEvent validates a Stripe event and converts it to an Event.
func ParseStripeEvent(evt stripe.Event) (Event, error) {
	if evt.Data == nil || len(evt.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: missing data object", ErrInvalidEvent)
	}

	switch string(evt.Type) {
	case stripeSubscriptionCreated:
		sub, err := decodeSubscription(evt.Data.Raw)
		if err != nil {
			return nil, err
		}
		meta, err := parseMetadata(sub.Metadata)
		if err != nil {
			return nil, err
		}
		status, err := mapSubscriptionStatus(sub.Status)
		if err != nil {
			return nil, err
		}
		return SubscriptionCreated{
			StripeSubscriptionID: sub.ID,
			Status:               status,
			Metadata:             meta,
			Period:               subscriptionPeriod(sub),
			LatestInvoiceID:      latestInvoiceID(sub),
		}, nil

	case stripeSubscriptionUpdated, stripeSubscriptionDeleted:
		sub, err := decodeSubscription(evt.Data.Raw)
		if err != nil {
			return nil, err
		}
		status, err := mapSubscriptionStatus(sub.Status)
		if err != nil {
			return nil, err
		}
		if string(evt.Type) == stripeSubscriptionDeleted {
			status = models.SubscriptionStatusCanceled
		}
		return SubscriptionUpdated{
			StripeSubscriptionID: sub.ID,
			Status:               status,
			Period:               subscriptionPeriod(sub),
			LatestInvoiceID:      latestInvoiceID(sub),
		}, nil

	case stripeInvoicePaid, stripeInvoiceSucceeded:
		inv, err := decodeInvoice(evt.Data.Raw)
		if err != nil {
			return nil, err
		}
		return InvoicePaid{
			InvoiceID:            inv.ID,
			StripeSubscriptionID: inv.Subscription.ID,
			Amount:               inv.AmountPaid,
			Period:               invoicePeriod(inv),
		}, nil

	case stripeInvoiceFailed:
		inv, err := decodeInvoice(evt.Data.Raw)
		if err != nil {
			return nil, err
		}
		var next *time.Time
		if inv.NextPaymentAttempt > 0 {
			at := time.Unix(inv.NextPaymentAttempt, 0).UTC()
			next = &at
		}
		return InvoicePaymentFailed{
			InvoiceID:            inv.ID,
			StripeSubscriptionID: inv.Subscription.ID,
			NextAttempt:          next,
		}, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEvent, evt.Type)
	}
}

func decodeSubscription(raw json.RawMessage) (*stripe.Subscription, error) {
	var sub stripe.Subscription
	if errUnmarshal := json.Unmarshal(raw, &sub); errUnmarshal != nil {
		return nil, fmt.Errorf("%w: decode subscription: %v", ErrInvalidEvent, errUnmarshal)
	}
	if strings.TrimSpace(sub.ID) == "" {
		return nil, fmt.Errorf("%w: subscription id missing", ErrInvalidEvent)
	}
	return &sub, nil
}

// decodeInvoice rejects invoices that are not tied to a subscription as unsupported.
func decodeInvoice(raw json.RawMessage) (*stripe.Invoice, error) {
	var inv stripe.Invoice
	if errUnmarshal := json.Unmarshal(raw, &inv); errUnmarshal != nil {
		return nil, fmt.Errorf("%w: decode invoice: %v", ErrInvalidEvent, errUnmarshal)
	}
	if strings.TrimSpace(inv.ID) == "" {
		return nil, fmt.Errorf("%w: invoice id missing", ErrInvalidEvent)
	}
	if inv.Subscription == nil || strings.TrimSpace(inv.Subscription.ID) == "" {
		return nil, fmt.Errorf("%w: invoice %s has no subscription", ErrUnsupportedEvent, inv.ID)
	}
	return &inv, nil
}

func parseMetadata(meta map[string]string) (SubscriptionMetadata, error) {
	userID, errUser := strconv.ParseUint(strings.TrimSpace(meta[MetadataUserID]), 10, 64)
	if errUser != nil || userID == 0 {
		return SubscriptionMetadata{}, fmt.Errorf("%w: metadata %s missing or invalid", ErrInvalidEvent, MetadataUserID)
	}
	modelID, errModel := strconv.ParseUint(strings.TrimSpace(meta[MetadataModelID]), 10, 64)
	if errModel != nil || modelID == 0 {
		return SubscriptionMetadata{}, fmt.Errorf("%w: metadata %s missing or invalid", ErrInvalidEvent, MetadataModelID)
	}
	gpuCount := 0
	if raw := strings.TrimSpace(meta[MetadataGPUCount]); raw != "" {
		parsed, errGPU := strconv.Atoi(raw)
		if errGPU != nil || parsed < 0 {
			return SubscriptionMetadata{}, fmt.Errorf("%w: metadata %s invalid", ErrInvalidEvent, MetadataGPUCount)
		}
		gpuCount = parsed
	}
	return SubscriptionMetadata{UserID: userID, ModelID: modelID, GPUCount: gpuCount}, nil
}

// mapSubscriptionStatus folds provider statuses into the tracked set.
func mapSubscriptionStatus(status stripe.SubscriptionStatus) (models.SubscriptionStatus, error) {
	switch s := models.SubscriptionStatus(status); s {
	case models.SubscriptionStatusIncomplete, models.SubscriptionStatusIncompleteExpired,
		models.SubscriptionStatusActive, models.SubscriptionStatusPastDue, models.SubscriptionStatusCanceled:
		return s, nil
	case "trialing":
		return models.SubscriptionStatusActive, nil
	case "unpaid", "paused":
		return models.SubscriptionStatusPastDue, nil
	default:
		return "", fmt.Errorf("%w: unknown subscription status %q", ErrInvalidEvent, status)
	}
}

func subscriptionPeriod(sub *stripe.Subscription) Period {
	return Period{Start: unixTime(sub.CurrentPeriodStart), End: unixTime(sub.CurrentPeriodEnd)}
}

func invoicePeriod(inv *stripe.Invoice) Period {
	if inv.Lines != nil && len(inv.Lines.Data) > 0 && inv.Lines.Data[0] != nil && inv.Lines.Data[0].Period != nil {
		period := inv.Lines.Data[0].Period
		return Period{Start: unixTime(period.Start), End: unixTime(period.End)}
	}
	return Period{}
}

func latestInvoiceID(sub *stripe.Subscription) string {
	if sub.LatestInvoice == nil {
		return ""
	}
	return sub.LatestInvoice.ID
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
