package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/gpulease/internal/capacity"
	"github.com/router-for-me/gpulease/internal/catalog"
	"github.com/router-for-me/gpulease/internal/models"
)

// ModelHandler manages the model catalog.
type ModelHandler struct {
	catalog  *catalog.Catalog
	capacity *capacity.Ledger
}

// NewModelHandler constructs a ModelHandler.
func NewModelHandler(cat *catalog.Catalog, capacityLedger *capacity.Ledger) *ModelHandler {
	return &ModelHandler{catalog: cat, capacity: capacityLedger}
}

// registerModelRequest defines the request body for model registration.
type registerModelRequest struct {
	Name string `json:"name"`
}

// Register adds a disabled model to the catalog.
func (h *ModelHandler) Register(c *gin.Context) {
	var body registerModelRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	model, errRegister := h.catalog.Register(c.Request.Context(), body.Name)
	switch {
	case errRegister == nil:
		c.JSON(http.StatusCreated, h.formatModel(model))
	case errors.Is(errRegister, catalog.ErrInvalidName):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid model name"})
	case errors.Is(errRegister, catalog.ErrModelExists):
		c.JSON(http.StatusConflict, gin.H{"error": "model already exists"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "register model failed"})
	}
}

// Resolve re-queries the GPU estimator for a disabled model.
func (h *ModelHandler) Resolve(c *gin.Context) {
	name := strings.TrimSpace(c.Param("name"))
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid name"})
		return
	}
	model, errResolve := h.catalog.Resolve(c.Request.Context(), name)
	switch {
	case errResolve == nil:
		c.JSON(http.StatusOK, h.formatModel(model))
	case errors.Is(errResolve, catalog.ErrModelNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(errResolve, catalog.ErrModelEnabled):
		c.JSON(http.StatusConflict, gin.H{"error": "model is enabled"})
	case errors.Is(errResolve, catalog.ErrNoEstimator):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "estimator not configured"})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": "resolve model failed"})
	}
}

// List returns all models with their enablement state.
func (h *ModelHandler) List(c *gin.Context) {
	rows, errList := h.catalog.List(c.Request.Context())
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list models failed"})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for i := range rows {
		out = append(out, h.formatModel(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"models": out})
}

func (h *ModelHandler) formatModel(m *models.Model) gin.H {
	out := gin.H{
		"id":            m.ID,
		"name":          m.Name,
		"slug":          m.Slug,
		"required_gpus": m.RequiredGPUs,
		"enabled":       m.Enabled,
		"enabled_at":    m.EnabledAt,
		"created_at":    m.CreatedAt,
	}
	if m.Enabled && h.capacity != nil {
		out["immune_until"] = capacity.ImmuneUntil(*m, h.capacity.ImmunityWindow())
	}
	return out
}
