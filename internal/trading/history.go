package trading

import (
	"context"
	"fmt"
	"time"

	"github.com/azuranistirah-beep/canonsite-sub000/internal/models"
	"github.com/shopspring/decimal"
)

// StatsDetail holds settled-trade statistics for one period.
type StatsDetail struct {
	TotalTrades int64           `json:"total_trades"`
	WonTrades   int64           `json:"won_trades"`
	WinRate     float64         `json:"win_rate"`
	TotalProfit decimal.Decimal `json:"total_profit"`
}

// Statistics compares the last 24 hours with all time.
type Statistics struct {
	Since24h StatsDetail `json:"since_24h"`
	AllTime  StatsDetail `json:"all_time"`
}

// History returns up to limit trades, most recent first.
func (m *Manager) History(ctx context.Context, limit int) ([]models.Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	trades, err := m.store.Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("could not load trade history: %w", err)
	}
	return trades, nil
}

// Statistics computes win rate and profit over settled trades.
func (m *Manager) Statistics(ctx context.Context) (Statistics, error) {
	trades, err := m.store.SettledSince(ctx, time.Time{})
	if err != nil {
		return Statistics{}, fmt.Errorf("could not load settled trades: %w", err)
	}

	since24h := m.now().Add(-24 * time.Hour)
	var stats Statistics
	for _, t := range trades {
		stats.AllTime.add(t)
		if t.ClosedAt != nil && t.ClosedAt.After(since24h) {
			stats.Since24h.add(t)
		}
	}
	stats.AllTime.finish()
	stats.Since24h.finish()
	return stats, nil
}

func (s *StatsDetail) add(t models.Trade) {
	s.TotalTrades++
	if t.Status == models.StatusWon {
		s.WonTrades++
	}
	s.TotalProfit = s.TotalProfit.Add(t.ProfitLoss)
}

func (s *StatsDetail) finish() {
	if s.TotalTrades > 0 {
		s.WinRate = float64(s.WonTrades) / float64(s.TotalTrades)
	}
}
