package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	// DefaultTxTimeout bounds a single transaction attempt when the caller passes zero.
	DefaultTxTimeout = 10 * time.Second
	// maxTxAttempts caps retries of transactions aborted by concurrent writers.
	maxTxAttempts = 3
)

// PostgreSQL error codes handled by the transaction helper.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
)

// WithTx runs fn in a transaction bounded by timeout. Attempts aborted by a
// serialization failure, deadlock or busy database are retried from scratch.
// A timeout or any other error rolls the transaction back with no effect.
func WithTx(ctx context.Context, conn *gorm.DB, timeout time.Duration, fn func(tx *gorm.DB) error) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		timeout = DefaultTxTimeout
	}

	var errTx error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		errTx = runTx(ctx, conn, timeout, fn)
		if errTx == nil || !IsRetryable(errTx) {
			return errTx
		}
		if ctx.Err() != nil {
			return errTx
		}
		log.WithError(errTx).WithField("attempt", attempt).Debug("db: retrying aborted transaction")
		time.Sleep(time.Duration(attempt) * 25 * time.Millisecond)
	}
	return errTx
}

func runTx(ctx context.Context, conn *gorm.DB, timeout time.Duration, fn func(tx *gorm.DB) error) error {
	txCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var opts *sql.TxOptions
	if !IsSQLite(conn) {
		opts = &sql.TxOptions{Isolation: sql.LevelReadCommitted}
	}
	return conn.WithContext(txCtx).Transaction(fn, opts)
}

// IsRetryable reports whether err came from a transaction aborted by a concurrent writer.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
