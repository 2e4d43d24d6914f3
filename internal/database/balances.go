package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/azuranistirah-beep/canonsite-sub000/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// BalanceRepository stores one balance row per account mode.
type BalanceRepository struct {
	db *gorm.DB
}

// NewBalanceRepository creates a balance repository over db.
func NewBalanceRepository(db *gorm.DB) *BalanceRepository {
	return &BalanceRepository{db: db}
}

// Get returns the stored balance of mode, or ErrNotFound.
func (r *BalanceRepository) Get(ctx context.Context, mode models.AccountMode) (decimal.Decimal, error) {
	var row models.Balance
	err := r.db.WithContext(ctx).Where("account_mode = ?", mode).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, fmt.Errorf("balance %s: %w", mode, ErrNotFound)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read balance %s: %w", mode, err)
	}
	return row.Amount, nil
}

// Put writes amount as the balance of mode, creating the row if needed.
func (r *BalanceRepository) Put(ctx context.Context, mode models.AccountMode, amount decimal.Decimal) error {
	var row models.Balance
	err := r.db.WithContext(ctx).Where("account_mode = ?", mode).First(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		row = models.Balance{AccountMode: mode, Amount: amount}
		if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
			return fmt.Errorf("failed to create balance %s: %w", mode, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("failed to read balance %s: %w", mode, err)
	}

	if err := r.db.WithContext(ctx).Model(&row).Update("amount", amount).Error; err != nil {
		return fmt.Errorf("failed to write balance %s: %w", mode, err)
	}
	return nil
}
