package trading

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/azuranistirah-beep/canonsite-sub000/internal/catalog"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/config"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/database"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/ledger"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/models"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/notify"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/staleness"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePrices struct {
	mu     sync.Mutex
	prices map[string]float64
}

func (f *fakePrices) set(symbol string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = price
}

func (f *fakePrices) clear(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.prices, symbol)
}

func (f *fakePrices) Reconciled(symbol string) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prices[symbol]
	return p, ok
}

type fakeFreshness struct {
	mu      sync.Mutex
	expired map[string]bool
}

func (f *fakeFreshness) CanTrade(symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.expired[symbol] {
		return staleness.ErrExpired
	}
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Dispatch(ev notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingNotifier) count(kind notify.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind() == kind {
			n++
		}
	}
	return n
}

type failingStore struct {
	*database.TradeRepository
	createErr error
	settleErr error
}

func (s *failingStore) Create(ctx context.Context, trade *models.Trade) error {
	if s.createErr != nil {
		return s.createErr
	}
	return s.TradeRepository.Create(ctx, trade)
}

func (s *failingStore) Settle(ctx context.Context, trade *models.Trade) error {
	if s.settleErr != nil {
		return s.settleErr
	}
	return s.TradeRepository.Settle(ctx, trade)
}

type failingLedger struct {
	*ledger.Ledger
	err error
}

func (l *failingLedger) ApplySettlement(ctx context.Context, mode models.AccountMode, stake, profitLoss decimal.Decimal) (decimal.Decimal, error) {
	return l.Balance(mode), l.err
}

type fixture struct {
	manager   *Manager
	prices    *fakePrices
	freshness *fakeFreshness
	ledger    *ledger.Ledger
	trades    *database.TradeRepository
	notifier  *recordingNotifier
}

func testTrading() config.Trading {
	cfg := config.Default().Trading
	cfg.Durations = []int{1, 5, 15, 30, 60, 120, 300}
	return cfg
}

// newFixture builds a manager over in-memory sqlite with a practice balance
// of 10000. store may replace the trade store.
func newFixture(t *testing.T, rule OutcomeRule, wrap func(*database.TradeRepository) Store, opts ...Option) *fixture {
	t.Helper()
	db, err := database.NewDatabase("file::memory:")
	require.NoError(t, err)

	f := &fixture{
		prices:    &fakePrices{prices: map[string]float64{"BTC": 50000, "ETH": 3000}},
		freshness: &fakeFreshness{expired: map[string]bool{}},
		trades:    database.NewTradeRepository(db),
		notifier:  &recordingNotifier{},
	}
	f.ledger = ledger.New(database.NewBalanceRepository(db), config.Balances{Practice: 10000}, zap.NewNop())
	require.NoError(t, f.ledger.Load(context.Background()))

	var store Store = f.trades
	if wrap != nil {
		store = wrap(f.trades)
	}
	opts = append([]Option{WithOutcomeRule(rule)}, opts...)
	f.manager = New(testTrading(), catalog.Default(), f.prices, f.freshness, f.ledger, store, f.notifier, zap.NewNop(), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = f.manager.Stop(ctx)
	})
	return f
}

func btcLong(stake int64, duration int) OpenRequest {
	return OpenRequest{Mode: models.Practice, Symbol: "BTC", Direction: models.Long, Stake: decimal.NewFromInt(stake), DurationSeconds: duration}
}

func TestScenarios_SettlementMath(t *testing.T) {
	testCases := []struct {
		name       string
		exit       float64
		status     models.TradeStatus
		profitLoss string
		balance    string
		notifyKind notify.Kind
	}{
		{name: "directionally correct wins", exit: 50500, status: models.StatusWon, profitLoss: "95", balance: "10095", notifyKind: notify.KindTradeWon},
		{name: "directionally wrong with failed draw loses", exit: 49000, status: models.StatusLost, profitLoss: "-100", balance: "9900", notifyKind: notify.KindTradeLost},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Arrange
			f := newFixture(t, NewOverrideRule(0, newSource()), nil)

			// Act
			trade, err := f.manager.Open(context.Background(), btcLong(100, 5))
			require.NoError(t, err)
			assert.Equal(t, "9900", f.ledger.Balance(models.Practice).String(), "stake reserved at open")
			assert.Equal(t, 50000.0, trade.EntryPrice)
			assert.Equal(t, models.StatusActive, trade.Status)

			f.prices.set("BTC", tc.exit)
			require.NoError(t, f.manager.settle(trade.TradeID))

			// Assert
			stored, err := f.trades.Get(context.Background(), trade.TradeID)
			require.NoError(t, err)
			assert.Equal(t, tc.status, stored.Status)
			assert.True(t, decimal.RequireFromString(tc.profitLoss).Equal(stored.ProfitLoss), "profit_loss %s", stored.ProfitLoss)
			require.NotNil(t, stored.ClosePrice)
			assert.Equal(t, tc.exit, *stored.ClosePrice)
			assert.NotNil(t, stored.ClosedAt)
			assert.Equal(t, tc.balance, f.ledger.Balance(models.Practice).String())
			assert.Equal(t, 1, f.notifier.count(tc.notifyKind))

			_, active := f.manager.Active()
			assert.False(t, active)
		})
	}
}

func TestSettle_OverrideDrawWinsWrongDirection(t *testing.T) {
	f := newFixture(t, NewOverrideRule(1, newSource()), nil)
	trade, err := f.manager.Open(context.Background(), btcLong(100, 5))
	require.NoError(t, err)

	f.prices.set("BTC", 49000)
	require.NoError(t, f.manager.settle(trade.TradeID))

	stored, err := f.trades.Get(context.Background(), trade.TradeID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWon, stored.Status)
	assert.Equal(t, "10095", f.ledger.Balance(models.Practice).String())
}

func TestSettle_FallsBackToEntryPrice(t *testing.T) {
	f := newFixture(t, DirectionalRule{}, nil)
	trade, err := f.manager.Open(context.Background(), btcLong(100, 5))
	require.NoError(t, err)

	f.prices.clear("BTC")
	require.NoError(t, f.manager.settle(trade.TradeID))

	stored, err := f.trades.Get(context.Background(), trade.TradeID)
	require.NoError(t, err)
	require.NotNil(t, stored.ClosePrice)
	assert.Equal(t, 50000.0, *stored.ClosePrice)
	assert.Equal(t, models.StatusLost, stored.Status, "an unchanged price is not directionally correct")
}

func TestOpen_SingleFlight(t *testing.T) {
	// Arrange
	f := newFixture(t, DirectionalRule{}, nil)
	_, err := f.manager.Open(context.Background(), btcLong(100, 5))
	require.NoError(t, err)
	balanceBefore := f.ledger.Balance(models.Practice)

	// Act
	_, err = f.manager.Open(context.Background(), OpenRequest{Mode: models.Practice, Symbol: "ETH", Direction: models.Short, Stake: decimal.NewFromInt(50), DurationSeconds: 5})

	// Assert
	var pe *PreconditionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ReasonTradeActive, pe.Reason)
	assert.ErrorIs(t, err, ErrTradeActive)
	assert.True(t, balanceBefore.Equal(f.ledger.Balance(models.Practice)), "no balance mutation")

	recent, err := f.trades.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1, "no trade record created")
	assert.Equal(t, 1, f.notifier.count(notify.KindTradeRejected))
}

func TestOpen_ConcurrentCallsOpenOne(t *testing.T) {
	f := newFixture(t, DirectionalRule{}, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var opened int
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.manager.Open(context.Background(), btcLong(100, 5)); err == nil {
				mu.Lock()
				opened++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrTradeActive)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, opened)
	assert.Equal(t, "9900", f.ledger.Balance(models.Practice).String())
}

func TestOpen_Preconditions(t *testing.T) {
	testCases := []struct {
		name     string
		req      OpenRequest
		setup    func(*fixture)
		reason   Reason
		sentinel error
	}{
		{name: "stake below min", req: btcLong(0, 5), reason: ReasonValidation, sentinel: ErrInvalidStake},
		{name: "stake above max", req: btcLong(20000, 5), reason: ReasonValidation, sentinel: ErrInvalidStake},
		{name: "duration not allowed", req: btcLong(100, 7), reason: ReasonValidation, sentinel: ErrInvalidDuration},
		{name: "unknown asset", req: OpenRequest{Mode: models.Practice, Symbol: "DOGE", Direction: models.Long, Stake: decimal.NewFromInt(10), DurationSeconds: 5}, reason: ReasonValidation, sentinel: ErrUnknownAsset},
		{name: "bad direction", req: OpenRequest{Mode: models.Practice, Symbol: "BTC", Direction: "sideways", Stake: decimal.NewFromInt(10), DurationSeconds: 5}, reason: ReasonValidation, sentinel: ErrInvalidDirection},
		{name: "bad mode", req: OpenRequest{Mode: "demo", Symbol: "BTC", Direction: models.Long, Stake: decimal.NewFromInt(10), DurationSeconds: 5}, reason: ReasonValidation, sentinel: ErrInvalidMode},
		{name: "live balance empty", req: OpenRequest{Mode: models.Live, Symbol: "BTC", Direction: models.Long, Stake: decimal.NewFromInt(10), DurationSeconds: 5}, reason: ReasonInsufficientBalance, sentinel: ErrInsufficientBalance},
		{name: "no price", req: btcLong(100, 5), setup: func(f *fixture) { f.prices.clear("BTC") }, reason: ReasonPriceUnavailable, sentinel: ErrPriceUnavailable},
		{name: "expired price", req: btcLong(100, 5), setup: func(f *fixture) { f.freshness.expired["BTC"] = true }, reason: ReasonPriceUnavailable, sentinel: ErrPriceUnavailable},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, DirectionalRule{}, nil)
			if tc.setup != nil {
				tc.setup(f)
			}

			_, err := f.manager.Open(context.Background(), tc.req)

			var pe *PreconditionError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tc.reason, pe.Reason)
			assert.ErrorIs(t, err, tc.sentinel)
			assert.Equal(t, "10000", f.ledger.Balance(models.Practice).String())
			assert.Equal(t, 1, f.notifier.count(notify.KindTradeRejected))

			// The slot is free again after a rejection.
			f.prices.set("BTC", 50000)
			f.freshness.expired["BTC"] = false
			_, err = f.manager.Open(context.Background(), btcLong(100, 5))
			assert.NoError(t, err)
		})
	}
}

func TestOpen_PersistenceFailureRollsBack(t *testing.T) {
	f := newFixture(t, DirectionalRule{}, func(r *database.TradeRepository) Store {
		return &failingStore{TradeRepository: r, createErr: errors.New("database is locked")}
	})

	_, err := f.manager.Open(context.Background(), btcLong(100, 5))

	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, err.Error(), "database is locked")
	assert.Equal(t, "10000", f.ledger.Balance(models.Practice).String(), "debit refunded")
	_, active := f.manager.Active()
	assert.False(t, active)
	assert.Equal(t, 1, f.notifier.count(notify.KindTradeRejected))

	// A rolled back attempt does not hold the slot.
	_, err = f.manager.Open(context.Background(), btcLong(100, 5))
	assert.ErrorAs(t, err, &pe)
}

func TestSettle_WriteFailureIsNotCreditedAndResumes(t *testing.T) {
	// Arrange
	ctx := context.Background()
	store := &failingStore{settleErr: errors.New("disk I/O error")}
	f := newFixture(t, DirectionalRule{}, func(r *database.TradeRepository) Store {
		store.TradeRepository = r
		return store
	}, WithRetryDelay(time.Hour))
	trade, err := f.manager.Open(ctx, btcLong(100, 300))
	require.NoError(t, err)
	f.prices.set("BTC", 50500)

	// Act
	err = f.manager.settle(trade.TradeID)

	// Assert
	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "9900", f.ledger.Balance(models.Practice).String(), "no credit without a settled row")
	stored, err := f.trades.Get(ctx, trade.TradeID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, stored.Status)
	assert.Equal(t, 0, f.notifier.count(notify.KindTradeWon))
	active, ok := f.manager.Active()
	require.True(t, ok, "the trade is retried")
	assert.Equal(t, trade.TradeID, active.TradeID)

	// A restarted manager settles it exactly once.
	require.NoError(t, f.manager.Stop(ctx))
	restarted := New(testTrading(), catalog.Default(), f.prices, f.freshness, f.ledger, f.trades, f.notifier, zap.NewNop(), WithOutcomeRule(DirectionalRule{}))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = restarted.Stop(stopCtx)
	})
	require.NoError(t, restarted.Resume(ctx))
	require.NoError(t, restarted.settle(trade.TradeID))

	assert.Equal(t, "10095", f.ledger.Balance(models.Practice).String())
	stored, err = f.trades.Get(ctx, trade.TradeID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWon, stored.Status)
	assert.ErrorIs(t, restarted.settle(trade.TradeID), errNotScheduled)
	assert.ErrorIs(t, f.trades.Settle(ctx, stored), database.ErrNotActive)
	assert.Equal(t, 1, f.notifier.count(notify.KindTradeWon))
}

func TestSettle_CreditFailureReopensTrade(t *testing.T) {
	// Arrange
	ctx := context.Background()
	f := newFixture(t, DirectionalRule{}, nil)
	m := New(testTrading(), catalog.Default(), f.prices, f.freshness,
		&failingLedger{Ledger: f.ledger, err: errors.New("database is locked")},
		f.trades, f.notifier, zap.NewNop(), WithOutcomeRule(DirectionalRule{}), WithRetryDelay(time.Hour))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Stop(stopCtx)
	})
	trade, err := m.Open(ctx, btcLong(100, 300))
	require.NoError(t, err)
	f.prices.set("BTC", 50500)

	// Act
	err = m.settle(trade.TradeID)

	// Assert
	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "9900", f.ledger.Balance(models.Practice).String())
	stored, err := f.trades.Get(ctx, trade.TradeID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, stored.Status, "an uncredited settlement is reopened")
	assert.Nil(t, stored.ClosedAt)
	assert.Equal(t, 0, f.notifier.count(notify.KindTradeWon))
	_, ok := m.Active()
	assert.True(t, ok)
}

func TestOpen_AfterStopIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DirectionalRule{}, nil)
	require.NoError(t, f.manager.Stop(ctx))

	_, err := f.manager.Open(ctx, btcLong(100, 5))

	assert.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, "10000", f.ledger.Balance(models.Practice).String())
	recent, err := f.trades.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, recent)
	_, active := f.manager.Active()
	assert.False(t, active)
	assert.ErrorIs(t, f.manager.Resume(ctx), ErrStopped)
}

func TestSettle_ExactlyOnce(t *testing.T) {
	f := newFixture(t, DirectionalRule{}, nil)
	trade, err := f.manager.Open(context.Background(), btcLong(100, 5))
	require.NoError(t, err)
	f.prices.set("BTC", 50500)

	var wg sync.WaitGroup
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- f.manager.settle(trade.TradeID)
		}()
	}
	wg.Wait()
	close(results)

	var ok int
	for err := range results {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, errNotScheduled)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, "10095", f.ledger.Balance(models.Practice).String())
	assert.Equal(t, 1, f.notifier.count(notify.KindTradeWon))
}

func TestCountdown_SettlesAtExpiry(t *testing.T) {
	f := newFixture(t, DirectionalRule{}, nil)
	trade, err := f.manager.Open(context.Background(), btcLong(100, 1))
	require.NoError(t, err)

	secs, ok := f.manager.Remaining()
	require.True(t, ok)
	assert.Equal(t, 1, secs)
	active, ok := f.manager.Active()
	require.True(t, ok)
	assert.Equal(t, trade.TradeID, active.TradeID)

	f.prices.set("BTC", 50100)
	assert.Eventually(t, func() bool {
		stored, err := f.trades.Get(context.Background(), trade.TradeID)
		return err == nil && stored.Status == models.StatusWon
	}, 3*time.Second, 20*time.Millisecond)

	_, ok = f.manager.Active()
	assert.False(t, ok)
	_, ok = f.manager.Remaining()
	assert.False(t, ok)
}

func TestResume(t *testing.T) {
	f := newFixture(t, DirectionalRule{}, nil)
	ctx := context.Background()
	now := time.Now()

	overdue := &models.Trade{
		TradeID: "overdue", AccountMode: models.Practice, Symbol: "ETH", Direction: models.Short,
		Stake: decimal.NewFromInt(10), PayoutRate: 92, EntryPrice: 3100, DurationSeconds: 5,
		OpenedAt: now.Add(-time.Minute), ExpiresAt: now.Add(-55 * time.Second), Status: models.StatusActive,
	}
	running := &models.Trade{
		TradeID: "running", AccountMode: models.Practice, Symbol: "BTC", Direction: models.Long,
		Stake: decimal.NewFromInt(10), PayoutRate: 95, EntryPrice: 49000, DurationSeconds: 300,
		OpenedAt: now, ExpiresAt: now.Add(300 * time.Second), Status: models.StatusActive,
	}
	require.NoError(t, f.trades.Create(ctx, overdue))
	require.NoError(t, f.trades.Create(ctx, running))

	require.NoError(t, f.manager.Resume(ctx))

	assert.Eventually(t, func() bool {
		stored, err := f.trades.Get(ctx, "overdue")
		return err == nil && stored.Status == models.StatusWon
	}, 2*time.Second, 20*time.Millisecond)

	assert.Eventually(t, func() bool {
		active, ok := f.manager.Active()
		return ok && active.TradeID == "running"
	}, 2*time.Second, 20*time.Millisecond)

	_, err := f.manager.Open(ctx, btcLong(100, 5))
	assert.ErrorIs(t, err, ErrTradeActive)
}

func TestStatistics(t *testing.T) {
	f := newFixture(t, DirectionalRule{}, nil)
	ctx := context.Background()

	for i, exit := range []float64{50500, 49000, 51000} {
		trade, err := f.manager.Open(ctx, btcLong(100, 5))
		require.NoError(t, err, "trade %d", i)
		f.prices.set("BTC", exit)
		require.NoError(t, f.manager.settle(trade.TradeID))
		f.prices.set("BTC", 50000)
	}

	stats, err := f.manager.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.AllTime.TotalTrades)
	assert.Equal(t, int64(2), stats.AllTime.WonTrades)
	assert.InDelta(t, 2.0/3.0, stats.AllTime.WinRate, 1e-9)
	assert.Equal(t, "90", stats.AllTime.TotalProfit.String())
	assert.Equal(t, int64(3), stats.Since24h.TotalTrades)

	history, err := f.manager.History(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestProfitLoss(t *testing.T) {
	testCases := []struct {
		stake    string
		payout   float64
		won      bool
		expected string
	}{
		{"100", 95, true, "95"},
		{"100", 95, false, "-100"},
		{"37.5", 80, true, "30"},
		{"10", 88, true, "8.8"},
	}
	for _, tc := range testCases {
		t.Run(fmt.Sprintf("%s@%g won=%v", tc.stake, tc.payout, tc.won), func(t *testing.T) {
			got := ProfitLoss(decimal.RequireFromString(tc.stake), tc.payout, tc.won)
			assert.True(t, decimal.RequireFromString(tc.expected).Equal(got), "got %s", got)
		})
	}
}
