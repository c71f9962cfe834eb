// Package credit owns user credit balances.
package credit

import (
	"context"
	"errors"
	"fmt"

	"github.com/router-for-me/gpulease/internal/models"
	"gorm.io/gorm"
)

var (
	// ErrInsufficientCredits indicates the balance cannot cover the amount.
	ErrInsufficientCredits = errors.New("credit: insufficient credits")
	// ErrUserNotFound indicates the user does not exist.
	ErrUserNotFound = errors.New("credit: user not found")
	// ErrInvalidAmount indicates a negative amount.
	ErrInvalidAmount = errors.New("credit: invalid amount")
)

// Ledger debits and grants credits inside caller-owned transactions so that
// balance changes commit together with the capacity they pay for.
type Ledger struct{}

// NewLedger constructs a Ledger.
func NewLedger() *Ledger { return &Ledger{} }

// Balance returns the current credit balance of userID.
func (l *Ledger) Balance(ctx context.Context, tx *gorm.DB, userID uint64) (int64, error) {
	var user models.User
	if errFind := tx.WithContext(ctx).Select("id", "credits").Where("id = ?", userID).First(&user).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return 0, ErrUserNotFound
		}
		return 0, fmt.Errorf("credit: balance: %w", errFind)
	}
	return user.Credits, nil
}

// Debit subtracts amount from userID's balance, refusing to go negative.
func (l *Ledger) Debit(ctx context.Context, tx *gorm.DB, userID uint64, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	res := tx.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ? AND credits >= ?", userID, amount).
		Update("credits", gorm.Expr("credits - ?", amount))
	if res.Error != nil {
		return fmt.Errorf("credit: debit: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	if _, errBalance := l.Balance(ctx, tx, userID); errBalance != nil {
		return errBalance
	}
	return ErrInsufficientCredits
}

// Grant adds amount to userID's balance.
func (l *Ledger) Grant(ctx context.Context, tx *gorm.DB, userID uint64, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	res := tx.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Update("credits", gorm.Expr("credits + ?", amount))
	if res.Error != nil {
		return fmt.Errorf("credit: grant: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}
