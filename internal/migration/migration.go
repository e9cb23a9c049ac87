package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	accountingdomain "github.com/smallbiznis/hotspotd/internal/accounting/domain"
	devicedomain "github.com/smallbiznis/hotspotd/internal/device/domain"
	loyaltydomain "github.com/smallbiznis/hotspotd/internal/loyalty/domain"
	purchasedomain "github.com/smallbiznis/hotspotd/internal/purchase/domain"
	sessiondomain "github.com/smallbiznis/hotspotd/internal/session/domain"
	"github.com/smallbiznis/hotspotd/internal/seed"
	voucherdomain "github.com/smallbiznis/hotspotd/internal/voucher/domain"
	"gorm.io/gorm"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

const migrationsDir = "migrations"

// Models lists every table owned by the engine, in dependency order.
func Models() []any {
	return []any{
		&voucherdomain.Voucher{},
		&devicedomain.Binding{},
		&sessiondomain.Session{},
		&accountingdomain.AuditRecord{},
		&accountingdomain.DeadLetter{},
		&loyaltydomain.PointRule{},
		&loyaltydomain.Transaction{},
		&loyaltydomain.RewardInventory{},
		&purchasedomain.Event{},
	}
}

// Migrate brings the schema up to date. PostgreSQL runs the embedded SQL
// migrations; other dialects are created from the models.
func Migrate(conn *gorm.DB) error {
	if conn.Dialector.Name() == "postgres" {
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}
	return AutoMigrate(conn)
}

func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Closing the migrator would close the shared *sql.DB.
	return nil
}

// AutoMigrate creates the schema from the models and seeds the default
// point rules. Used for sqlite and mysql deployments and in tests.
func AutoMigrate(conn *gorm.DB) error {
	if err := conn.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	if conn.Dialector.Name() == "sqlite" {
		err := conn.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_sessions_online_voucher
			ON sessions (voucher_id) WHERE status = 'ONLINE'`).Error
		if err != nil {
			return fmt.Errorf("create online session index: %w", err)
		}
	}
	return seed.EnsurePointRules(conn)
}
