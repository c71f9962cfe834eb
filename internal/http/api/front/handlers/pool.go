package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/gpulease/internal/capacity"
	"gorm.io/gorm"
)

// PoolHandler reports the shared GPU pool.
type PoolHandler struct {
	db       *gorm.DB
	capacity *capacity.Ledger
}

// NewPoolHandler constructs a PoolHandler.
func NewPoolHandler(db *gorm.DB, capacityLedger *capacity.Ledger) *PoolHandler {
	return &PoolHandler{db: db, capacity: capacityLedger}
}

// Get returns usage, capacity and the enabled models with their immunity expiry.
func (h *PoolHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	usage, errUsage := h.capacity.CurrentUsage(ctx, h.db)
	if errUsage != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read pool failed"})
		return
	}
	enabled, errEnabled := h.capacity.EnabledModels(ctx, h.db)
	if errEnabled != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read pool failed"})
		return
	}

	now := time.Now().UTC()
	window := h.capacity.ImmunityWindow()
	out := make([]gin.H, 0, len(enabled))
	for _, m := range enabled {
		out = append(out, gin.H{
			"name":         m.Name,
			"gpus":         m.GPUs(),
			"enabled_at":   m.EnabledAt,
			"immune_until": capacity.ImmuneUntil(m, window),
			"immune":       capacity.IsImmune(m, now, window),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"usage":    usage,
		"capacity": h.capacity.Capacity(),
		"models":   out,
	})
}
