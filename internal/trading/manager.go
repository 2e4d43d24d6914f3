// Package trading opens fixed-duration trades against the reconciled price
// and settles each of them exactly once at expiry.
package trading

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/azuranistirah-beep/canonsite-sub000/internal/catalog"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/config"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/database"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/ledger"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/models"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/notify"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/pricing"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/staleness"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Prices is the reconciled price read path.
type Prices interface {
	Reconciled(symbol string) (float64, bool)
}

// Freshness gates trading on stale prices.
type Freshness interface {
	CanTrade(symbol string) error
}

// Ledger is the balance owner. Only the manager calls its mutators.
type Ledger interface {
	Balance(mode models.AccountMode) decimal.Decimal
	Debit(ctx context.Context, mode models.AccountMode, amount decimal.Decimal) (decimal.Decimal, error)
	Credit(ctx context.Context, mode models.AccountMode, amount decimal.Decimal) (decimal.Decimal, error)
	ApplySettlement(ctx context.Context, mode models.AccountMode, stake, profitLoss decimal.Decimal) (decimal.Decimal, error)
}

// Store persists trades.
type Store interface {
	Create(ctx context.Context, trade *models.Trade) error
	Settle(ctx context.Context, trade *models.Trade) error
	Reopen(ctx context.Context, tradeID string) error
	Active(ctx context.Context) ([]models.Trade, error)
	Recent(ctx context.Context, limit int) ([]models.Trade, error)
	SettledSince(ctx context.Context, since time.Time) ([]models.Trade, error)
}

// Notifier receives trade lifecycle events.
type Notifier interface {
	Dispatch(ev notify.Event)
}

var (
	_ Prices    = (*pricing.Aggregator)(nil)
	_ Freshness = (*staleness.Tracker)(nil)
	_ Ledger    = (*ledger.Ledger)(nil)
	_ Store     = (*database.TradeRepository)(nil)
	_ Notifier  = (*notify.Dispatcher)(nil)
)

// OpenRequest describes a trade to open.
type OpenRequest struct {
	Mode            models.AccountMode `json:"mode"`
	Symbol          string             `json:"symbol"`
	Direction       models.Direction   `json:"direction"`
	Stake           decimal.Decimal    `json:"stake"`
	DurationSeconds int                `json:"duration_seconds"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the wall clock used for timestamps and expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRetryDelay sets how long a failed settlement waits before retrying.
func WithRetryDelay(d time.Duration) Option {
	return func(m *Manager) { m.retryDelay = d }
}

// WithOutcomeRule replaces the configured outcome rule.
func WithOutcomeRule(rule OutcomeRule) Option {
	return func(m *Manager) { m.rule = rule }
}

// Manager owns the single active-trade slot and the settlement schedule.
type Manager struct {
	cfg        config.Trading
	catalog    *catalog.Catalog
	prices     Prices
	freshness  Freshness
	ledger     Ledger
	store      Store
	notifier   Notifier
	rule       OutcomeRule
	logger     *zap.Logger
	now        func() time.Time
	retryDelay time.Duration

	mu         sync.Mutex
	submitting bool
	activeID   string
	scheduled  map[string]*models.Trade
	remaining  map[string]int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a trade manager. The outcome rule defaults to the directional
// rule with the configured override rate.
func New(cfg config.Trading, cat *catalog.Catalog, prices Prices, freshness Freshness, l Ledger, store Store, notifier Notifier, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		cfg:        cfg,
		catalog:    cat,
		prices:     prices,
		freshness:  freshness,
		ledger:     l,
		store:      store,
		notifier:   notifier,
		logger:     logger.Named("trading"),
		now:        time.Now,
		retryDelay: settleRetryDelay,
		scheduled:  make(map[string]*models.Trade),
		remaining:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.rule == nil {
		m.rule = NewOverrideRule(cfg.WinOverrideRate, newSource())
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// Open validates req, reserves the stake and starts the trade's countdown.
// Every failure is surfaced as a rejection notification.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (models.Trade, error) {
	trade, err := m.open(ctx, req)
	if err != nil {
		m.logger.Warn("trade rejected", zap.String("symbol", req.Symbol), zap.Error(err))
		m.notifier.Dispatch(notify.TradeRejected{Symbol: req.Symbol, Reason: err.Error()})
		return models.Trade{}, err
	}
	return trade, nil
}

func (m *Manager) open(ctx context.Context, req OpenRequest) (models.Trade, error) {
	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		return models.Trade{}, ErrStopped
	}
	if m.submitting || m.activeID != "" {
		m.mu.Unlock()
		return models.Trade{}, reject(ReasonTradeActive, ErrTradeActive)
	}
	m.submitting = true
	m.mu.Unlock()

	committed := false
	defer func() {
		if !committed {
			m.mu.Lock()
			m.submitting = false
			m.mu.Unlock()
		}
	}()

	asset, err := m.check(req)
	if err != nil {
		return models.Trade{}, err
	}

	if err := m.freshness.CanTrade(req.Symbol); err != nil {
		return models.Trade{}, reject(ReasonPriceUnavailable, fmt.Errorf("%w: %v", ErrPriceUnavailable, err))
	}
	entry, ok := m.prices.Reconciled(req.Symbol)
	if !ok {
		return models.Trade{}, reject(ReasonPriceUnavailable, fmt.Errorf("%w: no valid price for %s", ErrPriceUnavailable, req.Symbol))
	}

	if _, err := m.ledger.Debit(ctx, req.Mode, req.Stake); err != nil {
		return models.Trade{}, &PersistenceError{Op: "reserve stake", Err: err}
	}

	openedAt := m.now()
	trade := &models.Trade{
		TradeID:         uuid.NewString(),
		AccountMode:     req.Mode,
		Symbol:          req.Symbol,
		Direction:       req.Direction,
		Stake:           req.Stake,
		PayoutRate:      asset.PayoutRate,
		EntryPrice:      entry,
		DurationSeconds: req.DurationSeconds,
		OpenedAt:        openedAt,
		ExpiresAt:       openedAt.Add(time.Duration(req.DurationSeconds) * time.Second),
		Status:          models.StatusPending,
	}

	trade.Status = models.StatusActive
	if err := m.store.Create(ctx, trade); err != nil {
		if _, rerr := m.ledger.Credit(context.WithoutCancel(ctx), req.Mode, req.Stake); rerr != nil {
			m.logger.Error("failed to refund stake after persistence failure",
				zap.String("trade_id", trade.TradeID), zap.Error(rerr))
		}
		return models.Trade{}, &PersistenceError{Op: "persist trade", Err: err}
	}

	m.mu.Lock()
	m.submitting = false
	if m.ctx.Err() != nil {
		// Stopped while persisting: the trade stays active in the store and
		// is settled by Resume after the next start.
		m.mu.Unlock()
		committed = true
		m.logger.Warn("trade manager stopped before scheduling, trade left for resume", zap.String("trade_id", trade.TradeID))
		return *trade, nil
	}
	m.activeID = trade.TradeID
	m.scheduleLocked(trade)
	m.mu.Unlock()
	committed = true

	m.logger.Info("trade opened",
		zap.String("trade_id", trade.TradeID),
		zap.String("symbol", trade.Symbol),
		zap.String("direction", string(trade.Direction)),
		zap.String("stake", trade.Stake.String()),
		zap.Float64("entry_price", entry),
		zap.Time("expires_at", trade.ExpiresAt),
	)
	m.notifier.Dispatch(notify.TradeOpened{
		TradeID:         trade.TradeID,
		Symbol:          trade.Symbol,
		Direction:       trade.Direction,
		Stake:           trade.Stake,
		EntryPrice:      entry,
		DurationSeconds: trade.DurationSeconds,
	})
	return *trade, nil
}

// check validates the request shape and the balance.
func (m *Manager) check(req OpenRequest) (catalog.Asset, error) {
	if !req.Mode.Valid() {
		return catalog.Asset{}, reject(ReasonValidation, fmt.Errorf("%w: %q", ErrInvalidMode, req.Mode))
	}
	if !req.Direction.Valid() {
		return catalog.Asset{}, reject(ReasonValidation, fmt.Errorf("%w: %q", ErrInvalidDirection, req.Direction))
	}
	asset, ok := m.catalog.Lookup(req.Symbol)
	if !ok {
		return catalog.Asset{}, reject(ReasonValidation, fmt.Errorf("%w: %s", ErrUnknownAsset, req.Symbol))
	}
	minStake, maxStake := decimal.NewFromFloat(m.cfg.MinStake), decimal.NewFromFloat(m.cfg.MaxStake)
	if req.Stake.LessThan(minStake) || req.Stake.GreaterThan(maxStake) {
		return catalog.Asset{}, reject(ReasonValidation, fmt.Errorf("%w: %s not in [%s, %s]", ErrInvalidStake, req.Stake, minStake, maxStake))
	}
	if !slices.Contains(m.cfg.Durations, req.DurationSeconds) {
		return catalog.Asset{}, reject(ReasonValidation, fmt.Errorf("%w: %ds", ErrInvalidDuration, req.DurationSeconds))
	}
	if balance := m.ledger.Balance(req.Mode); req.Stake.GreaterThan(balance) {
		return catalog.Asset{}, reject(ReasonInsufficientBalance, fmt.Errorf("%w: stake %s, balance %s", ErrInsufficientBalance, req.Stake, balance))
	}
	return asset, nil
}

// Active returns the trade holding the active slot.
func (m *Manager) Active() (models.Trade, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.scheduled[m.activeID]
	if !ok {
		return models.Trade{}, false
	}
	return *t, true
}

// Remaining returns the countdown of the active trade in whole seconds.
func (m *Manager) Remaining() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeID == "" {
		return 0, false
	}
	secs, ok := m.remaining[m.activeID]
	return secs, ok
}

// Resume reschedules trades persisted as active, typically after a restart.
// Trades whose expiry already passed settle immediately.
func (m *Manager) Resume(ctx context.Context) error {
	trades, err := m.store.Active(ctx)
	if err != nil {
		return fmt.Errorf("could not load active trades: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx.Err() != nil {
		return ErrStopped
	}
	for i := range trades {
		t := trades[i]
		if _, ok := m.scheduled[t.TradeID]; ok {
			continue
		}
		if m.activeID == "" {
			m.activeID = t.TradeID
		}
		m.scheduleLocked(&t)
		m.logger.Info("resumed active trade", zap.String("trade_id", t.TradeID), zap.Time("expires_at", t.ExpiresAt))
	}
	return nil
}

// Stop halts every countdown and rejects further opens. Unsettled trades
// stay active in the store and are picked up again by Resume.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("trade manager stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// scheduleLocked starts the countdown of t. It settles t once its absolute
// expiry passes, independent of any caller.
func (m *Manager) scheduleLocked(t *models.Trade) {
	m.scheduled[t.TradeID] = t
	m.remaining[t.TradeID] = secondsUntil(t.ExpiresAt, m.now())

	m.wg.Add(1)
	go func(id string, expiresAt time.Time) {
		defer m.wg.Done()
		m.countdown(id, expiresAt)
	}(t.TradeID, t.ExpiresAt)
}

// retryLater puts t back on the schedule after a failed settlement and
// settles it again after retryDelay.
func (m *Manager) retryLater(t *models.Trade) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx.Err() != nil {
		return
	}
	if _, ok := m.scheduled[t.TradeID]; ok {
		return
	}
	m.scheduled[t.TradeID] = t
	m.remaining[t.TradeID] = 0
	if m.activeID == "" {
		m.activeID = t.TradeID
	}

	m.wg.Add(1)
	go func(id string) {
		defer m.wg.Done()
		timer := time.NewTimer(m.retryDelay)
		defer timer.Stop()
		select {
		case <-m.ctx.Done():
		case <-timer.C:
			_ = m.settle(id)
		}
	}(t.TradeID)
}

func (m *Manager) countdown(id string, expiresAt time.Time) {
	timer := time.NewTimer(max(expiresAt.Sub(m.now()), 0))
	defer timer.Stop()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			secs := secondsUntil(expiresAt, m.now())
			m.mu.Lock()
			if _, ok := m.scheduled[id]; ok {
				m.remaining[id] = secs
			}
			m.mu.Unlock()
			m.logger.Debug("countdown", zap.String("trade_id", id), zap.Int("remaining", secs))
		case <-timer.C:
			m.settle(id)
			return
		}
	}
}

func secondsUntil(t, now time.Time) int {
	d := t.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

var errNotScheduled = errors.New("trade not scheduled")
