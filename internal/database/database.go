package database

import (
	"fmt"

	"github.com/voltsim/voltsim/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase opens the SQLite store at path and migrates the schema.
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}

	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// Migrate creates or updates every table the exchange core persists.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&types.Order{},
		&types.Fill{},
		&types.DayAheadPrice{},
		&types.RealTimePrice{},
		&types.TradingSession{},
		&types.UserCapital{},
		&types.CapitalLedgerEntry{},
		&types.OrderSettlement{},
		&types.IdempotencyRecord{},
	)
}
