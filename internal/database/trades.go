package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/azuranistirah-beep/canonsite-sub000/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TradeRepository persists trades.
type TradeRepository struct {
	db *gorm.DB
}

// NewTradeRepository creates a trade repository over db.
func NewTradeRepository(db *gorm.DB) *TradeRepository {
	return &TradeRepository{db: db}
}

// Create inserts a new trade row.
func (r *TradeRepository) Create(ctx context.Context, trade *models.Trade) error {
	if err := r.db.WithContext(ctx).Create(trade).Error; err != nil {
		return fmt.Errorf("failed to create trade %s: %w", trade.TradeID, err)
	}
	return nil
}

// Settle writes the settlement columns of a trade that is still active. It
// returns ErrNotActive when another caller already settled it, so exactly
// one caller owns each settlement.
func (r *TradeRepository) Settle(ctx context.Context, trade *models.Trade) error {
	res := r.db.WithContext(ctx).Model(&models.Trade{}).
		Where("trade_id = ? AND status = ?", trade.TradeID, models.StatusActive).
		Updates(map[string]interface{}{
			"status":      trade.Status,
			"closed_at":   trade.ClosedAt,
			"close_price": trade.ClosePrice,
			"profit_loss": trade.ProfitLoss,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to settle trade %s: %w", trade.TradeID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("trade %s: %w", trade.TradeID, ErrNotActive)
	}
	return nil
}

// Reopen reverts a settled trade to active so it is settled again.
func (r *TradeRepository) Reopen(ctx context.Context, tradeID string) error {
	res := r.db.WithContext(ctx).Model(&models.Trade{}).
		Where("trade_id = ? AND status IN ?", tradeID, []models.TradeStatus{models.StatusWon, models.StatusLost}).
		Updates(map[string]interface{}{
			"status":      models.StatusActive,
			"closed_at":   nil,
			"close_price": nil,
			"profit_loss": decimal.Zero,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to reopen trade %s: %w", tradeID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("trade %s: %w", tradeID, ErrNotFound)
	}
	return nil
}

// Get returns the trade with the given id.
func (r *TradeRepository) Get(ctx context.Context, tradeID string) (*models.Trade, error) {
	var trade models.Trade
	err := r.db.WithContext(ctx).Where("trade_id = ?", tradeID).First(&trade).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("trade %s: %w", tradeID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trade %s: %w", tradeID, err)
	}
	return &trade, nil
}

// Active returns every trade still waiting for settlement.
func (r *TradeRepository) Active(ctx context.Context) ([]models.Trade, error) {
	var trades []models.Trade
	if err := r.db.WithContext(ctx).Where("status = ?", models.StatusActive).Order("expires_at asc").Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("failed to list active trades: %w", err)
	}
	return trades, nil
}

// Recent returns up to limit trades, most recent first.
func (r *TradeRepository) Recent(ctx context.Context, limit int) ([]models.Trade, error) {
	var trades []models.Trade
	if err := r.db.WithContext(ctx).Order("opened_at desc").Limit(limit).Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	return trades, nil
}

// SettledSince returns every settled trade closed at or after since.
func (r *TradeRepository) SettledSince(ctx context.Context, since time.Time) ([]models.Trade, error) {
	var trades []models.Trade
	err := r.db.WithContext(ctx).
		Where("status IN ?", []models.TradeStatus{models.StatusWon, models.StatusLost}).
		Where("closed_at >= ?", since).
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list settled trades: %w", err)
	}
	return trades, nil
}
