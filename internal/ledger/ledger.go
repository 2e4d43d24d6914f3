// Package ledger holds the per-account-mode balances.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/azuranistirah-beep/canonsite-sub000/internal/config"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/database"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrUnknownMode is returned for account modes other than practice and live.
var ErrUnknownMode = errors.New("unknown account mode")

// Store is the persisted balance of each account mode.
type Store interface {
	Get(ctx context.Context, mode models.AccountMode) (decimal.Decimal, error)
	Put(ctx context.Context, mode models.AccountMode, amount decimal.Decimal) error
}

var _ Store = (*database.BalanceRepository)(nil)

// Ledger owns the in-memory balances. The in-memory value only changes
// after the store accepted the new amount.
type Ledger struct {
	store  Store
	seeds  map[models.AccountMode]decimal.Decimal
	logger *zap.Logger

	mu       sync.RWMutex
	balances map[models.AccountMode]decimal.Decimal
}

// New creates a ledger seeded with the configured opening balances.
func New(store Store, cfg config.Balances, logger *zap.Logger) *Ledger {
	return &Ledger{
		store: store,
		seeds: map[models.AccountMode]decimal.Decimal{
			models.Practice: decimal.NewFromFloat(cfg.Practice),
			models.Live:     decimal.NewFromFloat(cfg.Live),
		},
		logger:   logger.Named("ledger"),
		balances: make(map[models.AccountMode]decimal.Decimal),
	}
}

// Load reads every balance from the store, writing the opening balance for
// modes that have never been stored.
func (l *Ledger) Load(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, mode := range []models.AccountMode{models.Practice, models.Live} {
		amount, err := l.store.Get(ctx, mode)
		if errors.Is(err, database.ErrNotFound) {
			amount = l.seeds[mode]
			if err := l.store.Put(ctx, mode, amount); err != nil {
				return fmt.Errorf("could not seed %s balance: %w", mode, err)
			}
			l.logger.Info("seeded balance", zap.String("mode", string(mode)), zap.String("amount", amount.String()))
		} else if err != nil {
			return fmt.Errorf("could not load %s balance: %w", mode, err)
		}
		l.balances[mode] = amount
	}
	return nil
}

// Balance returns the current balance of mode.
func (l *Ledger) Balance(mode models.AccountMode) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[mode]
}

// Debit subtracts amount from mode and returns the new balance.
func (l *Ledger) Debit(ctx context.Context, mode models.AccountMode, amount decimal.Decimal) (decimal.Decimal, error) {
	return l.adjust(ctx, mode, amount.Neg(), false)
}

// Credit adds amount to mode and returns the new balance.
func (l *Ledger) Credit(ctx context.Context, mode models.AccountMode, amount decimal.Decimal) (decimal.Decimal, error) {
	return l.adjust(ctx, mode, amount, false)
}

// ApplySettlement returns the reserved stake plus profitLoss to mode. A lost
// trade credits nothing because its stake was debited at open. The practice
// balance never drops below zero.
func (l *Ledger) ApplySettlement(ctx context.Context, mode models.AccountMode, stake, profitLoss decimal.Decimal) (decimal.Decimal, error) {
	return l.adjust(ctx, mode, stake.Add(profitLoss), mode == models.Practice)
}

func (l *Ledger) adjust(ctx context.Context, mode models.AccountMode, delta decimal.Decimal, floor bool) (decimal.Decimal, error) {
	if !mode.Valid() {
		return decimal.Zero, ErrUnknownMode
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	current := l.balances[mode]
	next := current.Add(delta)
	if floor && next.IsNegative() {
		next = decimal.Zero
	}

	if err := l.store.Put(ctx, mode, next); err != nil {
		return current, fmt.Errorf("could not write %s balance: %w", mode, err)
	}
	l.balances[mode] = next

	l.logger.Debug("balance adjusted",
		zap.String("mode", string(mode)),
		zap.String("delta", delta.String()),
		zap.String("balance", next.String()),
	)
	return next, nil
}
