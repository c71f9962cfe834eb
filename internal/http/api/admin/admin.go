package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/gpulease/internal/capacity"
	"github.com/router-for-me/gpulease/internal/catalog"
	"github.com/router-for-me/gpulease/internal/config"
	"github.com/router-for-me/gpulease/internal/credit"
	handlers "github.com/router-for-me/gpulease/internal/http/api/admin/handlers"
	"github.com/router-for-me/gpulease/internal/metrics"
	"github.com/router-for-me/gpulease/internal/security"
	"gorm.io/gorm"
)

// Deps carries the services the admin API drives.
type Deps struct {
	Catalog  *catalog.Catalog
	Capacity *capacity.Ledger
	Credits  *credit.Ledger
}

// RegisterAdminRoutes registers admin routes, middleware, and handlers.
func RegisterAdminRoutes(r *gin.Engine, db *gorm.DB, jwtCfg config.JWTConfig, deps Deps) {
	if r == nil || db == nil {
		return
	}

	healthHandler := handlers.NewHealthHandler(db)
	r.GET("/healthz", healthHandler.Healthz)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	authed := r.Group("/v0/admin")
	authed.Use(adminAuthMiddleware(jwtCfg))

	if deps.Catalog != nil {
		modelHandler := handlers.NewModelHandler(deps.Catalog, deps.Capacity)
		authed.POST("/models", modelHandler.Register)
		authed.GET("/models", modelHandler.List)
		authed.POST("/models/:name/resolve", modelHandler.Resolve)
	}

	userHandler := handlers.NewUserHandler(db, deps.Credits, jwtCfg)
	authed.POST("/users", userHandler.Create)
	authed.GET("/users", userHandler.List)
	authed.GET("/users/:id", userHandler.Get)
	authed.POST("/users/:id/credits", userHandler.GrantCredits)
	authed.POST("/users/:id/token", userHandler.IssueToken)

	settingHandler := handlers.NewSettingHandler(db)
	authed.GET("/settings", settingHandler.List)
	authed.GET("/settings/:key", settingHandler.Get)
	authed.PUT("/settings/:key", settingHandler.Put)
	authed.DELETE("/settings/:key", settingHandler.Delete)
}

// adminAuthMiddleware validates admin JWTs.
func adminAuthMiddleware(jwtCfg config.JWTConfig) gin.HandlerFunc {
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
		if errJWT != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if !claims.Admin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin token required"})
			return
		}

		c.Set("adminSubject", claims.Subject)
		c.Next()
	}
}
