package db

import (
	"fmt"
	"time"

	"github.com/router-for-me/gpulease/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// schedulerModels lists the tables managed by AutoMigrate, parents first.
var schedulerModels = []any{
	&models.User{},
	&models.Model{},
	&models.Subscription{},
	&models.LeasePayment{},
	&models.ModelLease{},
	&models.WebhookEvent{},
	&models.SchedulerLock{},
	&models.Setting{},
}

// Migrate runs database migrations for the current dialect.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	switch DialectName(conn) {
	case DialectSQLite:
		return migrateSQLite(conn)
	case DialectPostgres, "":
		return migratePostgres(conn)
	default:
		return fmt.Errorf("db: unsupported dialect: %s", DialectName(conn))
	}
}

// migratePostgres applies PostgreSQL-specific schema updates and indexes.
func migratePostgres(conn *gorm.DB) error {
	if errAutoMigrate := conn.AutoMigrate(schedulerModels...); errAutoMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errAutoMigrate)
	}
	if errOpenSub := ensureOpenSubscriptionIndex(conn); errOpenSub != nil {
		return errOpenSub
	}
	if errStatusCheck := conn.Exec(`
		DO $$
		BEGIN
			IF NOT EXISTS (
				SELECT 1 FROM pg_constraint WHERE conname = 'chk_subscriptions_status'
			) THEN
				ALTER TABLE subscriptions
				ADD CONSTRAINT chk_subscriptions_status
				CHECK (status IN ('incomplete', 'incomplete_expired', 'active', 'past_due', 'canceled'));
			END IF;
		END $$;
	`).Error; errStatusCheck != nil {
		return fmt.Errorf("db: add subscription status check: %w", errStatusCheck)
	}
	if errEnabledCheck := conn.Exec(`
		DO $$
		BEGIN
			IF NOT EXISTS (
				SELECT 1 FROM pg_constraint WHERE conname = 'chk_models_enabled_at'
			) THEN
				ALTER TABLE models
				ADD CONSTRAINT chk_models_enabled_at
				CHECK ((enabled AND enabled_at IS NOT NULL) OR (NOT enabled AND enabled_at IS NULL));
			END IF;
		END $$;
	`).Error; errEnabledCheck != nil {
		return fmt.Errorf("db: add model enabled check: %w", errEnabledCheck)
	}
	return ensureCapacityLock(conn)
}

// migrateSQLite applies SQLite-specific schema updates and indexes.
func migrateSQLite(conn *gorm.DB) error {
	if errAutoMigrate := conn.AutoMigrate(schedulerModels...); errAutoMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errAutoMigrate)
	}
	if errOpenSub := ensureOpenSubscriptionIndex(conn); errOpenSub != nil {
		return errOpenSub
	}
	return ensureCapacityLock(conn)
}

// ensureOpenSubscriptionIndex allows at most one non-terminal subscription per model.
func ensureOpenSubscriptionIndex(conn *gorm.DB) error {
	if errIndex := conn.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_model_open
		ON subscriptions (model_id)
		WHERE status NOT IN ('canceled', 'incomplete_expired')
	`).Error; errIndex != nil {
		return fmt.Errorf("db: create open subscription index: %w", errIndex)
	}
	return nil
}

// ensureCapacityLock seeds the lock row used to serialize capacity mutations.
func ensureCapacityLock(conn *gorm.DB) error {
	row := models.SchedulerLock{Name: models.CapacityLockName, Holder: "migrate", UpdatedAt: time.Now().UTC()}
	if errSeed := conn.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; errSeed != nil {
		return fmt.Errorf("db: seed capacity lock: %w", errSeed)
	}
	return nil
}
