package billing

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/webhook"
)

// VerifyStripePayload checks the Stripe-Signature header and decodes the event.
func VerifyStripePayload(payload []byte, signature, secret string) (stripe.Event, error) {
	if secret == "" {
		return stripe.Event{}, fmt.Errorf("%w: webhook secret not configured", ErrInvalidEvent)
	}
	evt, errConstruct := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if errConstruct != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, errConstruct)
	}
	return evt, nil
}

// HandleStripeEvent journals evt, translates it and dispatches it. Events that
// were already processed report OutcomeDuplicate without touching state.
func (r *Reconciler) HandleStripeEvent(ctx context.Context, evt stripe.Event) (Outcome, error) {
	if evt.ID == "" {
		return "", fmt.Errorf("%w: missing event id", ErrInvalidEvent)
	}
	eventType := string(evt.Type)
	fields := log.Fields{"event_id": evt.ID, "event_type": eventType}

	processed, errBegin := r.journal.Begin(ctx, ProviderStripe, evt.ID, eventType)
	if errBegin != nil {
		return "", errBegin
	}
	if processed {
		log.WithFields(fields).Info("billing: stripe event already processed")
		return OutcomeDuplicate, nil
	}

	ev, errParse := ParseStripeEvent(evt)
	if errParse != nil {
		if errors.Is(errParse, ErrUnsupportedEvent) {
			log.WithFields(fields).Debug("billing: stripe event ignored")
			if errFinish := r.journal.Finish(ctx, ProviderStripe, evt.ID, nil); errFinish != nil {
				return "", errFinish
			}
			return OutcomeIgnored, nil
		}
		r.finish(ctx, evt.ID, errParse)
		return "", errParse
	}

	outcome, errDispatch := r.Dispatch(ctx, ev)
	switch {
	case errDispatch == nil:
		if errFinish := r.journal.Finish(ctx, ProviderStripe, evt.ID, nil); errFinish != nil {
			return "", errFinish
		}
	case !Retryable(errDispatch):
		log.WithFields(fields).WithError(errDispatch).Warn("billing: stripe event rejected")
		if errFinish := r.journal.Finish(ctx, ProviderStripe, evt.ID, nil); errFinish != nil {
			return "", errFinish
		}
	default:
		log.WithFields(fields).WithError(errDispatch).Error("billing: stripe event failed")
		r.finish(ctx, evt.ID, errDispatch)
	}
	return outcome, errDispatch
}

func (r *Reconciler) finish(ctx context.Context, eventID string, errProcess error) {
	if errFinish := r.journal.Finish(ctx, ProviderStripe, eventID, errProcess); errFinish != nil {
		log.WithError(errFinish).WithField("event_id", eventID).Warn("billing: record journal failure")
	}
}
