package database

import (
	"fmt"
	"strings"
	"time"

	"csgo-arbiter/internal/config"
	"csgo-arbiter/internal/models"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Dialect picks the gorm driver for a DSN and returns the DSN the driver expects.
// "sqlite:" prefixed DSNs select SQLite, postgres URLs or key/value strings select
// Postgres, anything else is treated as a MySQL DSN.
func Dialect(dsn string) (string, string) {
	switch {
	case strings.HasPrefix(dsn, "sqlite:"):
		return DriverSQLite, strings.TrimPrefix(dsn, "sqlite:")
	case strings.HasPrefix(dsn, "file:"), strings.HasSuffix(dsn, ".db"):
		return DriverSQLite, dsn
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"), strings.HasPrefix(dsn, "host="):
		return DriverPostgres, dsn
	default:
		return DriverMySQL, dsn
	}
}

// Initialize opens the database, tunes the pool and migrates the schema.
func Initialize(cfg config.DatabaseConfig, logger *zap.Logger, debug bool) (*gorm.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn is empty")
	}

	driver, dsn := Dialect(cfg.DSN)
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		dialector = mysql.Open(dsn)
	}

	logMode := gormlogger.Silent
	if debug {
		logMode = gormlogger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  gormlogger.Default.LogMode(logMode),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s database: %w", driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if driver == DriverSQLite {
		// single writer; also keeps in-memory databases alive on one connection
		sqlDB.SetMaxOpenConns(1)
		if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
			return nil, fmt.Errorf("failed to enable sqlite foreign keys: %w", err)
		}
	} else {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Named("database").Info("database initialized", zap.String("driver", driver))
	}
	return db, nil
}

// Migrate creates or updates every table.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
