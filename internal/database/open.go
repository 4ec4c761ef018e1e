package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/tally/backend/internal/expenses"
	"github.com/MarcoPoloResearchLab/tally/backend/internal/groups"
	"github.com/MarcoPoloResearchLab/tally/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var errUnknownDriver = errors.New("unknown database driver")

// Config selects the storage backend.
type Config struct {
	Driver string
	Path   string
	DSN    string
}

// Open establishes a database connection and performs schema migrations.
func Open(cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	dialector, target, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}

	if normalizeDriver(cfg.Driver) == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := migrateSchema(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized",
			zap.String("driver", normalizeDriver(cfg.Driver)),
			zap.String("target", target))
	}

	return db, nil
}

func migrateSchema(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(&users.User{}, &groups.Group{}, &groups.Member{}, &expenses.Expense{}, &migrationRecord{}); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}

// dialectorFor returns the gorm dialector and a loggable description of the target.
func dialectorFor(cfg Config) (gorm.Dialector, string, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverSQLite:
		path := strings.TrimSpace(cfg.Path)
		if path == "" {
			return nil, "", fmt.Errorf("database path is required")
		}
		return sqlite.Open(path), path, nil
	case DriverPostgres:
		dsn := strings.TrimSpace(cfg.DSN)
		if dsn == "" {
			return nil, "", fmt.Errorf("database dsn is required for postgres")
		}
		return postgres.Open(dsn), "postgres", nil
	default:
		return nil, "", fmt.Errorf("%w: %q", errUnknownDriver, cfg.Driver)
	}
}

func normalizeDriver(driver string) string {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		return DriverSQLite
	}
	return driver
}
