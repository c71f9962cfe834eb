package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/gpulease/internal/billing"
	log "github.com/sirupsen/logrus"
)

// maxWebhookBytes caps the accepted webhook body.
const maxWebhookBytes = 65536

// StripeWebhookHandler receives billing gateway events.
type StripeWebhookHandler struct {
	reconciler *billing.Reconciler
	secret     string
}

// NewStripeWebhookHandler constructs a StripeWebhookHandler.
func NewStripeWebhookHandler(reconciler *billing.Reconciler, secret string) *StripeWebhookHandler {
	return &StripeWebhookHandler{reconciler: reconciler, secret: secret}
}

// Handle verifies and reconciles one event. Retryable failures answer 500 so
// the gateway redelivers; everything else is acknowledged.
func (h *StripeWebhookHandler) Handle(c *gin.Context) {
	payload, errRead := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBytes+1))
	if errRead != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body failed"})
		return
	}
	if len(payload) > maxWebhookBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
		return
	}

	evt, errVerify := billing.VerifyStripePayload(payload, c.GetHeader("Stripe-Signature"), h.secret)
	if errVerify != nil {
		log.WithError(errVerify).Warn("stripe webhook: signature verification failed")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		return
	}

	outcome, errHandle := h.reconciler.HandleStripeEvent(c.Request.Context(), evt)
	switch {
	case errHandle == nil:
		c.JSON(http.StatusOK, gin.H{"received": true, "outcome": outcome})
	case errors.Is(errHandle, billing.ErrInvalidEvent):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event"})
	case !billing.Retryable(errHandle):
		c.JSON(http.StatusOK, gin.H{"received": true, "outcome": billing.OutcomeRejected})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
	}
}
