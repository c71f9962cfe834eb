package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/gpulease/internal/admission"
	"github.com/router-for-me/gpulease/internal/capacity"
	"github.com/router-for-me/gpulease/internal/credit"
	"github.com/router-for-me/gpulease/internal/ratelimit"
	log "github.com/sirupsen/logrus"
)

// UserIDKey is the gin context key holding the authenticated user ID.
const UserIDKey = "userID"

// LeaseHandler serves one-time lease requests.
type LeaseHandler struct {
	controller *admission.Controller
	limiter    *ratelimit.Manager
}

// NewLeaseHandler constructs a LeaseHandler. A nil limiter disables rate limiting.
func NewLeaseHandler(controller *admission.Controller, limiter *ratelimit.Manager) *LeaseHandler {
	return &LeaseHandler{controller: controller, limiter: limiter}
}

// createLeaseRequest defines the request body for a lease.
type createLeaseRequest struct {
	Model string `json:"model"`
}

// Create admits the requested model for the caller.
func (h *LeaseHandler) Create(c *gin.Context) {
	userID := c.GetUint64(UserIDKey)
	if h.limiter != nil {
		result, errLimit := h.limiter.AllowUser(c.Request.Context(), userID)
		if errLimit != nil {
			log.WithError(errLimit).Warn("lease: rate limit check failed")
		} else if !result.Allowed {
			retryAfter := result.RetryAfter(h.limiter.Now())
			c.Header("X-RateLimit-Reset", strconv.FormatInt(result.Reset.Unix(), 10))
			c.Header("Retry-After", strconv.Itoa(int(retryAfter/time.Second)))
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limited"})
			return
		}
	}

	var body createLeaseRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	result, errLease := h.controller.LeaseModel(c.Request.Context(), body.Model, userID)
	if errLease != nil {
		status, message := leaseErrorStatus(errLease)
		c.JSON(status, gin.H{"error": message})
		return
	}

	evicted := make([]gin.H, 0, len(result.Evicted))
	for _, m := range result.Evicted {
		evicted = append(evicted, gin.H{"id": m.ID, "name": m.Name, "gpus": m.GPUs()})
	}
	c.JSON(http.StatusCreated, gin.H{
		"lease": gin.H{
			"id":         result.Lease.UID,
			"model":      result.Model.Name,
			"gpus":       result.Lease.GPUs,
			"cost":       result.Lease.Cost,
			"renewal":    result.Lease.Renewal,
			"created_at": result.Lease.CreatedAt,
		},
		"evicted":  evicted,
		"usage":    result.Usage,
		"capacity": result.Capacity,
		"credits":  result.Balance,
	})
}

func leaseErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, admission.ErrModelNotFound):
		return http.StatusBadRequest, "unknown model"
	case errors.Is(err, admission.ErrModelNotReady):
		return http.StatusBadRequest, "model gpu requirement not resolved"
	case errors.Is(err, credit.ErrUserNotFound):
		return http.StatusBadRequest, "unknown user"
	case errors.Is(err, credit.ErrInsufficientCredits):
		return http.StatusPaymentRequired, "insufficient credits"
	case errors.Is(err, capacity.ErrInsufficientEvictableCapacity):
		return http.StatusConflict, "no evictable capacity"
	case errors.Is(err, capacity.ErrResourceTooLarge):
		return http.StatusRequestEntityTooLarge, "model exceeds pool capacity"
	default:
		return http.StatusInternalServerError, "lease failed"
	}
}
