package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/gpulease/internal/config"
	"github.com/router-for-me/gpulease/internal/credit"
	dbutil "github.com/router-for-me/gpulease/internal/db"
	"github.com/router-for-me/gpulease/internal/models"
	"github.com/router-for-me/gpulease/internal/security"
	"gorm.io/gorm"
)

// UserHandler manages user accounts and credit balances.
type UserHandler struct {
	db      *gorm.DB
	credits *credit.Ledger
	jwtCfg  config.JWTConfig
}

// NewUserHandler constructs a UserHandler.
func NewUserHandler(db *gorm.DB, credits *credit.Ledger, jwtCfg config.JWTConfig) *UserHandler {
	if credits == nil {
		credits = credit.NewLedger()
	}
	return &UserHandler{db: db, credits: credits, jwtCfg: jwtCfg}
}

// createUserRequest defines the request body for user creation.
type createUserRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Credits  int64  `json:"credits"`
}

// Create creates a new user account with an optional opening balance.
func (h *UserHandler) Create(c *gin.Context) {
	var body createUserRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	username := strings.TrimSpace(body.Username)
	if username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing username"})
		return
	}
	if body.Credits < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "credits must be non-negative"})
		return
	}

	user := models.User{
		Username: username,
		Email:    strings.TrimSpace(body.Email),
		Credits:  body.Credits,
	}
	if errCreate := h.db.WithContext(c.Request.Context()).Create(&user).Error; errCreate != nil {
		if dbutil.IsUniqueViolation(errCreate) {
			c.JSON(http.StatusConflict, gin.H{"error": "username already exists"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create user failed"})
		return
	}
	c.JSON(http.StatusCreated, formatUser(&user))
}

// List returns all users ordered by ID.
func (h *UserHandler) List(c *gin.Context) {
	var rows []models.User
	if errFind := h.db.WithContext(c.Request.Context()).Order("id ASC").Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list users failed"})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for i := range rows {
		out = append(out, formatUser(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"users": out})
}

// Get returns a user by ID.
func (h *UserHandler) Get(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var user models.User
	if errFind := h.db.WithContext(c.Request.Context()).First(&user, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, formatUser(&user))
}

// grantCreditsRequest defines the request body for a credit top-up.
type grantCreditsRequest struct {
	Amount int64 `json:"amount"`
}

// GrantCredits adds credits to a user's balance.
func (h *UserHandler) GrantCredits(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var body grantCreditsRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	ctx := c.Request.Context()
	var balance int64
	errTx := dbutil.WithTx(ctx, h.db, 0, func(tx *gorm.DB) error {
		if errGrant := h.credits.Grant(ctx, tx, id, body.Amount); errGrant != nil {
			return errGrant
		}
		var errBalance error
		balance, errBalance = h.credits.Balance(ctx, tx, id)
		return errBalance
	})
	switch {
	case errTx == nil:
		c.JSON(http.StatusOK, gin.H{"id": id, "credits": balance})
	case errors.Is(errTx, credit.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be non-negative"})
	case errors.Is(errTx, credit.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "grant credits failed"})
	}
}

// IssueToken returns a bearer token for the user API.
func (h *UserHandler) IssueToken(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var count int64
	if errCount := h.db.WithContext(c.Request.Context()).Model(&models.User{}).Where("id = ?", id).Count(&count).Error; errCount != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	if count == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	now := time.Now().UTC()
	token, errIssue := security.IssueToken(h.jwtCfg.Secret, id, false, h.jwtCfg.Expiry, now)
	if errIssue != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expires_at": now.Add(h.jwtCfg.Expiry)})
}

func formatUser(user *models.User) gin.H {
	return gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"email":      user.Email,
		"credits":    user.Credits,
		"created_at": user.CreatedAt,
		"updated_at": user.UpdatedAt,
	}
}

func parseID(c *gin.Context) (uint64, bool) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errParse != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}
