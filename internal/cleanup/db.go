package cleanup

import (
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"go.uber.org/zap"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// modernc pure-Go SQLite driver — no CGO required. Registers itself as
	// "sqlite" in database/sql.
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// cleanupLink is one row of the Cleanup Tracker's persisted ledger: one
// outbound bundle this node authored while handling one inbound CALL.
// Per spec §9 the ledger tolerates lost entries — it exists to bound the
// in-memory map's size across restarts, not to guarantee delivery.
type cleanupLink struct {
	ID               uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt        time.Time `gorm:"not null"`
	InboundBundleID  string    `gorm:"not null;index"`
	OutboundBundleID string    `gorm:"not null"`
}

func (l *cleanupLink) BeforeCreate(tx *gorm.DB) error {
	if l.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		l.ID = id
	}
	return nil
}

// OpenDB opens (creating if absent) the sqlite-backed ledger at dsn and
// applies pending migrations. logger is required, matching the teacher's
// db.New contract.
func OpenDB(dsn string, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		return nil, fmt.Errorf("cleanup: logger is required")
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cleanup: failed to open sqlite: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	database, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("cleanup: failed to initialize gorm: %w", err)
	}

	if err := runMigrations(sqlDB, logger); err != nil {
		return nil, fmt.Errorf("cleanup: migrations failed: %w", err)
	}

	return database, nil
}

func runMigrations(sqlDB *sql.DB, logger *zap.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	drv, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	logger.Info("cleanup tracker ledger migrations applied")
	return nil
}
