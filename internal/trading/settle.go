package trading

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/azuranistirah-beep/canonsite-sub000/internal/database"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/models"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/notify"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	settleTimeout    = 10 * time.Second
	settleRetryDelay = 5 * time.Second
)

func newSource() rand.Source {
	return rand.NewSource(time.Now().UnixNano())
}

// ProfitLoss is +stake*payout/100 for a won trade and -stake for a lost one.
func ProfitLoss(stake decimal.Decimal, payoutRate float64, won bool) decimal.Decimal {
	if !won {
		return stake.Neg()
	}
	return stake.Mul(decimal.NewFromFloat(payoutRate)).Div(decimal.NewFromInt(100))
}

// nextActiveLocked picks the scheduled trade expiring first, if any. Only
// resumed trades can be scheduled without holding the slot.
func (m *Manager) nextActiveLocked() string {
	var next *models.Trade
	for _, t := range m.scheduled {
		if next == nil || t.ExpiresAt.Before(next.ExpiresAt) {
			next = t
		}
	}
	if next == nil {
		return ""
	}
	return next.TradeID
}

// settle closes trade id. The first call takes the trade out of the
// schedule and frees the active slot before anything else happens; later
// calls for the same id return errNotScheduled.
//
// The terminal row is written before the balance is credited, and only the
// caller whose write moved the row out of active credits it. A failed write
// leaves the trade active and retries it; a failed credit reopens the row.
func (m *Manager) settle(id string) error {
	m.mu.Lock()
	t, ok := m.scheduled[id]
	if !ok {
		m.mu.Unlock()
		return errNotScheduled
	}
	delete(m.scheduled, id)
	delete(m.remaining, id)
	if m.activeID == id {
		m.activeID = m.nextActiveLocked()
	}
	trade := *t
	m.mu.Unlock()

	l := m.logger.With(zap.String("trade_id", trade.TradeID), zap.String("symbol", trade.Symbol))

	exit, ok := m.prices.Reconciled(trade.Symbol)
	if !ok {
		l.Warn("no price at settlement, settling at entry price")
		exit = trade.EntryPrice
	}

	won := m.rule.Won(trade.Direction, trade.EntryPrice, exit)
	pl := ProfitLoss(trade.Stake, trade.PayoutRate, won)
	closedAt := m.now()

	trade.Status = models.StatusLost
	if won {
		trade.Status = models.StatusWon
	}
	trade.ClosedAt = &closedAt
	trade.ClosePrice = &exit
	trade.ProfitLoss = pl

	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	if err := m.store.Settle(ctx, &trade); err != nil {
		if errors.Is(err, database.ErrNotActive) {
			l.Warn("trade already settled, skipping credit")
			return errNotScheduled
		}
		l.Error("failed to persist settlement, retrying", zap.Error(err), zap.Duration("retry_in", m.retryDelay))
		m.retryLater(t)
		return &PersistenceError{Op: "settle trade", Err: err}
	}

	balance, err := m.ledger.ApplySettlement(ctx, trade.AccountMode, trade.Stake, pl)
	if err != nil {
		l.Error("failed to credit settlement, reopening trade", zap.Error(err))
		if rerr := m.store.Reopen(ctx, trade.TradeID); rerr != nil {
			l.Error("failed to reopen trade after credit failure", zap.Error(rerr))
		} else {
			m.retryLater(t)
		}
		return &PersistenceError{Op: "credit settlement", Err: err}
	}

	l.Info("trade settled",
		zap.String("status", string(trade.Status)),
		zap.Float64("entry_price", trade.EntryPrice),
		zap.Float64("exit_price", exit),
		zap.String("profit_loss", pl.String()),
		zap.String("balance", balance.String()),
		zap.String("rule", m.rule.Name()),
	)

	settled := notify.TradeSettled{
		TradeID:    trade.TradeID,
		Symbol:     trade.Symbol,
		Direction:  trade.Direction,
		EntryPrice: trade.EntryPrice,
		ExitPrice:  exit,
		ProfitLoss: pl,
	}
	if won {
		m.notifier.Dispatch(notify.TradeWon{TradeSettled: settled})
	} else {
		m.notifier.Dispatch(notify.TradeLost{TradeSettled: settled})
	}
	return nil
}
