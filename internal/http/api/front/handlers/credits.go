package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/gpulease/internal/credit"
	"gorm.io/gorm"
)

// CreditHandler reports the caller's credit balance.
type CreditHandler struct {
	db      *gorm.DB
	credits *credit.Ledger
}

// NewCreditHandler constructs a CreditHandler.
func NewCreditHandler(db *gorm.DB, credits *credit.Ledger) *CreditHandler {
	if credits == nil {
		credits = credit.NewLedger()
	}
	return &CreditHandler{db: db, credits: credits}
}

// Get returns the current balance.
func (h *CreditHandler) Get(c *gin.Context) {
	balance, errBalance := h.credits.Balance(c.Request.Context(), h.db, c.GetUint64(UserIDKey))
	if errBalance != nil {
		if errors.Is(errBalance, credit.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read balance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"credits": balance})
}
