package database

import (
	"errors"
	"fmt"

	"github.com/azuranistirah-beep/canonsite-sub000/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrNotActive is returned when settling a trade that is no longer active.
	ErrNotActive = errors.New("trade is not active")
)

// NewDatabase creates a new database connection and performs auto-migration.
func NewDatabase(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// sqlite serialises writers; a single connection also keeps an
	// in-memory database alive and shared across goroutines.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// AutoMigrate creates or updates the schema. Existing rows are kept so that
// balances and active trades survive a restart.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.Trade{}, &models.Balance{}, &models.AlertNotification{}); err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	return nil
}
