package db

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/router-for-me/gpulease/internal/models"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := Open("file:" + filepath.Join(t.TempDir(), "db-test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

func TestOpen_RejectsEmptyDSN(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}

func TestOpen_LoggerSkipsRecordNotFound(t *testing.T) {
	conn := openTestDB(t)
	hook := logtest.NewGlobal()
	defer hook.Reset()

	var sub models.Subscription
	if errFind := conn.Where("stripe_subscription_id = ?", "sub_missing").First(&sub).Error; !errors.Is(errFind, gorm.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", errFind)
	}
	if entries := hook.AllEntries(); len(entries) != 0 {
		t.Fatalf("expected no log for a missing row, got %d entries: %q", len(entries), hook.LastEntry().Message)
	}

	if errRaw := conn.Exec("SELECT * FROM no_such_table").Error; errRaw == nil {
		t.Fatalf("expected error for unknown table")
	}
	if len(hook.AllEntries()) == 0 {
		t.Fatalf("expected failing statements to be logged")
	}
}

func TestMigrate_IdempotentAndSeedsLock(t *testing.T) {
	conn := openTestDB(t)
	if DialectName(conn) != DialectSQLite || !IsSQLite(conn) {
		t.Fatalf("expected sqlite dialect, got %q", DialectName(conn))
	}
	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("second migrate: %v", errMigrate)
	}
	var count int64
	if errCount := conn.Model(&models.SchedulerLock{}).Count(&count).Error; errCount != nil {
		t.Fatalf("count locks: %v", errCount)
	}
	if count != 1 {
		t.Fatalf("expected one lock row, got %d", count)
	}
}

func TestMigrate_OneOpenSubscriptionPerModel(t *testing.T) {
	conn := openTestDB(t)
	gpus := 2
	user := models.User{Username: "alice"}
	model := models.Model{Name: "m", Slug: "m", RequiredGPUs: &gpus}
	if errCreate := conn.Create(&user).Error; errCreate != nil {
		t.Fatalf("create user: %v", errCreate)
	}
	if errCreate := conn.Create(&model).Error; errCreate != nil {
		t.Fatalf("create model: %v", errCreate)
	}

	subscription := func(id string, status models.SubscriptionStatus) error {
		return conn.Create(&models.Subscription{
			UserID:               user.ID,
			ModelID:              model.ID,
			StripeSubscriptionID: id,
			Status:               status,
		}).Error
	}
	if err := subscription("sub_old", models.SubscriptionStatusCanceled); err != nil {
		t.Fatalf("terminal subscription: %v", err)
	}
	if err := subscription("sub_a", models.SubscriptionStatusActive); err != nil {
		t.Fatalf("open subscription: %v", err)
	}
	err := subscription("sub_b", models.SubscriptionStatusIncomplete)
	if err == nil || !IsUniqueViolation(err) {
		t.Fatalf("expected unique violation for a second open subscription, got %v", err)
	}
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	conn := openTestDB(t)
	errBoom := errors.New("boom")

	err := WithTx(context.Background(), conn, time.Second, func(tx *gorm.DB) error {
		if errCreate := tx.Create(&models.User{Username: "ghost"}).Error; errCreate != nil {
			return errCreate
		}
		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected errBoom, got %v", err)
	}
	var count int64
	conn.Model(&models.User{}).Count(&count)
	if count != 0 {
		t.Fatalf("expected rollback, found %d users", count)
	}
}

func TestWithTx_RetriesAbortedTransactions(t *testing.T) {
	conn := openTestDB(t)

	attempts := 0
	err := WithTx(context.Background(), conn, time.Second, func(tx *gorm.DB) error {
		attempts++
		if attempts == 1 {
			return fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: pgSerializationFailure})
		}
		return tx.Create(&models.User{Username: "retry"}).Error
	})
	if err != nil || attempts != 2 {
		t.Fatalf("expected success on second attempt, got err=%v attempts=%d", err, attempts)
	}

	attempts = 0
	err = WithTx(context.Background(), conn, time.Second, func(*gorm.DB) error {
		attempts++
		return &pgconn.PgError{Code: pgDeadlockDetected}
	})
	if !IsRetryable(err) || attempts != maxTxAttempts {
		t.Fatalf("expected %d attempts, got %d (err=%v)", maxTxAttempts, attempts, err)
	}
}

func TestErrorClassifiers(t *testing.T) {
	if IsRetryable(nil) || IsUniqueViolation(nil) {
		t.Fatalf("nil is neither retryable nor a unique violation")
	}
	if !IsRetryable(errors.New("database is locked (5) (SQLITE_BUSY)")) {
		t.Fatalf("sqlite busy should be retryable")
	}
	if IsRetryable(&pgconn.PgError{Code: pgUniqueViolation}) {
		t.Fatalf("unique violations are not retryable")
	}
	if !IsUniqueViolation(&pgconn.PgError{Code: pgUniqueViolation}) || !IsUniqueViolation(gorm.ErrDuplicatedKey) {
		t.Fatalf("expected unique violation")
	}
}
