package front

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/gpulease/internal/admission"
	"github.com/router-for-me/gpulease/internal/billing"
	"github.com/router-for-me/gpulease/internal/capacity"
	"github.com/router-for-me/gpulease/internal/config"
	"github.com/router-for-me/gpulease/internal/credit"
	"github.com/router-for-me/gpulease/internal/http/api/front/handlers"
	"github.com/router-for-me/gpulease/internal/ratelimit"
	"github.com/router-for-me/gpulease/internal/security"
	"gorm.io/gorm"
)

// Deps carries the services the user API drives.
type Deps struct {
	Admission  *admission.Controller
	Capacity   *capacity.Ledger
	Credits    *credit.Ledger
	Reconciler *billing.Reconciler
	Limiter    *ratelimit.Manager
	Stripe     config.StripeConfig
}

// RegisterFrontRoutes registers the user API and the billing webhook.
func RegisterFrontRoutes(r *gin.Engine, db *gorm.DB, jwtCfg config.JWTConfig, deps Deps) {
	if r == nil || db == nil {
		return
	}

	if deps.Reconciler != nil {
		webhookHandler := handlers.NewStripeWebhookHandler(deps.Reconciler, deps.Stripe.WebhookSecret)
		r.POST("/v1/billing/stripe/webhook", webhookHandler.Handle)
	}

	authed := r.Group("/v1")
	authed.Use(userAuthMiddleware(jwtCfg))

	leaseHandler := handlers.NewLeaseHandler(deps.Admission, deps.Limiter)
	authed.POST("/leases", leaseHandler.Create)

	poolHandler := handlers.NewPoolHandler(db, deps.Capacity)
	authed.GET("/pool", poolHandler.Get)

	creditHandler := handlers.NewCreditHandler(db, deps.Credits)
	authed.GET("/credits", creditHandler.Get)
}

// userAuthMiddleware validates user JWTs and stores the caller's user ID.
func userAuthMiddleware(jwtCfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}
		token, ok := security.BearerToken(authHeader)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}
		claims, errJWT := security.ParseToken(jwtCfg.Secret, token)
		if errJWT != nil || claims.UserID == 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(handlers.UserIDKey, claims.UserID)
		c.Next()
	}
}
