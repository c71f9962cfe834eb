package credit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/router-for-me/gpulease/internal/db"
	"github.com/router-for-me/gpulease/internal/models"
)

func TestLedger_DebitAndGrant(t *testing.T) {
	conn, err := db.Open("file:" + filepath.Join(t.TempDir(), "credit-test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	user := models.User{Username: "ada", Credits: 10}
	if errCreate := conn.Create(&user).Error; errCreate != nil {
		t.Fatalf("create user: %v", errCreate)
	}

	ledger := NewLedger()
	ctx := context.Background()

	if errDebit := ledger.Debit(ctx, conn, user.ID, 4); errDebit != nil {
		t.Fatalf("debit: %v", errDebit)
	}
	if errDebit := ledger.Debit(ctx, conn, user.ID, 7); !errors.Is(errDebit, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", errDebit)
	}
	balance, err := ledger.Balance(ctx, conn, user.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 6 {
		t.Fatalf("expected balance=6 after rejected debit, got %d", balance)
	}

	if errDebit := ledger.Debit(ctx, conn, user.ID, 6); errDebit != nil {
		t.Fatalf("debit to zero: %v", errDebit)
	}
	if errGrant := ledger.Grant(ctx, conn, user.ID, 5); errGrant != nil {
		t.Fatalf("grant: %v", errGrant)
	}
	balance, _ = ledger.Balance(ctx, conn, user.ID)
	if balance != 5 {
		t.Fatalf("expected balance=5, got %d", balance)
	}

	if errDebit := ledger.Debit(ctx, conn, 999, 1); !errors.Is(errDebit, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", errDebit)
	}
	if errGrant := ledger.Grant(ctx, conn, 999, 1); !errors.Is(errGrant, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", errGrant)
	}
	if errDebit := ledger.Debit(ctx, conn, user.ID, -1); !errors.Is(errDebit, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", errDebit)
	}
}
