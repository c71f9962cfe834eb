package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/gpulease/internal/models"
	internalsettings "github.com/router-for-me/gpulease/internal/settings"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SettingHandler manages the runtime settings that tune rate limiting and
// journal retention.
type SettingHandler struct {
	db *gorm.DB
}

// NewSettingHandler constructs a settings handler.
func NewSettingHandler(db *gorm.DB) *SettingHandler {
	return &SettingHandler{db: db}
}

// List returns every known setting with its effective value.
func (h *SettingHandler) List(c *gin.Context) {
	var rows []models.Setting
	if errFind := h.db.WithContext(c.Request.Context()).Order("key ASC").Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list settings failed"})
		return
	}
	stored := make(map[string]*models.Setting, len(rows))
	for i := range rows {
		stored[rows[i].Key] = &rows[i]
	}

	defs := internalsettings.Definitions()
	out := make([]gin.H, 0, len(defs))
	for _, def := range defs {
		out = append(out, formatSetting(def, stored[def.Key]))
	}
	c.JSON(http.StatusOK, gin.H{"settings": out})
}

// Get returns the effective value of a setting.
func (h *SettingHandler) Get(c *gin.Context) {
	def, ok := lookupSetting(c)
	if !ok {
		return
	}
	var row models.Setting
	errFind := h.db.WithContext(c.Request.Context()).Where("key = ?", def.Key).First(&row).Error
	switch {
	case errFind == nil:
		c.JSON(http.StatusOK, formatSetting(def, &row))
	case errors.Is(errFind, gorm.ErrRecordNotFound):
		c.JSON(http.StatusOK, formatSetting(def, nil))
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
	}
}

// putSettingRequest captures the payload for storing a setting.
type putSettingRequest struct {
	Value json.RawMessage `json:"value"`
}

// Put stores a validated value for a setting and refreshes the snapshot.
func (h *SettingHandler) Put(c *gin.Context) {
	def, ok := lookupSetting(c)
	if !ok {
		return
	}
	var body putSettingRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	value, errNormalize := internalsettings.Normalize(def.Key, body.Value)
	if errNormalize != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errNormalize.Error()})
		return
	}

	now := time.Now().UTC()
	row := models.Setting{Key: def.Key, Value: datatypes.JSON(value), CreatedAt: now, UpdatedAt: now}
	errUpsert := h.db.WithContext(c.Request.Context()).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
	if errUpsert != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store setting failed"})
		return
	}
	if errReload := internalsettings.Reload(c.Request.Context(), h.db); errReload != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "refresh settings snapshot failed"})
		return
	}
	c.JSON(http.StatusOK, formatSetting(def, &row))
}

// Delete reverts a setting to its default and refreshes the snapshot.
func (h *SettingHandler) Delete(c *gin.Context) {
	def, ok := lookupSetting(c)
	if !ok {
		return
	}
	res := h.db.WithContext(c.Request.Context()).Where("key = ?", def.Key).Delete(&models.Setting{})
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not set"})
		return
	}
	if errReload := internalsettings.Reload(c.Request.Context(), h.db); errReload != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "refresh settings snapshot failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func lookupSetting(c *gin.Context) (internalsettings.Definition, bool) {
	def, ok := internalsettings.Lookup(strings.TrimSpace(c.Param("key")))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown setting"})
		return internalsettings.Definition{}, false
	}
	return def, true
}

func formatSetting(def internalsettings.Definition, row *models.Setting) gin.H {
	out := gin.H{
		"key":    def.Key,
		"kind":   def.Kind,
		"stored": row != nil,
	}
	if row == nil {
		out["value"] = def.Display(nil)
		return out
	}
	out["value"] = def.Display(json.RawMessage(row.Value))
	out["updated_at"] = row.UpdatedAt
	return out
}
