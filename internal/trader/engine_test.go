package trader

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/azuranistirah-beep/canonsite-sub000/internal/config"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/database"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/feed"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/models"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/notify"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/pricing"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/staleness"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/trading"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// offlineClient fails every poll, leaving prices to the test.
type offlineClient struct{}

func (offlineClient) GetTicker(ctx context.Context, venue, symbol string) (*feed.Ticker, error) {
	return nil, &feed.FeedError{Op: "ticker", Err: errors.New("offline")}
}

func (offlineClient) GetBasket(ctx context.Context) (map[string]feed.BasketEntry, error) {
	return nil, &feed.FeedError{Op: "basket", Err: errors.New("offline")}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Feeds.StreamGrace = 0
	cfg.Feeds.StreamPollInterval = time.Hour
	cfg.Feeds.BasketPollInterval = time.Hour

	db, err := database.NewDatabase("file::memory:")
	require.NoError(t, err)

	e := NewEngine(zap.NewNop(), &cfg, offlineClient{}, nil, db)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
	})
	return e
}

var quoteSeq atomic.Int64

// quote builds a REST quote captured strictly after every earlier one.
func quote(symbol string, price float64) pricing.Quote {
	at := time.Now().Add(time.Duration(quoteSeq.Add(1)) * time.Microsecond)
	return pricing.Quote{Symbol: symbol, Price: price, CapturedAt: at, Source: pricing.SourceRest}
}

func TestEngine_Start(t *testing.T) {
	e := newTestEngine(t)

	assert.Equal(t, "BTC", e.Prices.Selected())
	assert.Equal(t, models.Practice, e.Mode())
	assert.Equal(t, "10000", e.Ledger.Balance(models.Practice).String())

	status := e.Status()
	assert.Equal(t, "BTC", status.Selected.Symbol)
	assert.Equal(t, staleness.Expired, status.Selected.Level, "no quote yet")
	assert.Len(t, status.Watchlist, 5)
	assert.Nil(t, status.ActiveTrade)
}

func TestEngine_OpenUsesSessionMode(t *testing.T) {
	e := newTestEngine(t)
	require.Equal(t, pricing.Accepted, e.Prices.Apply(quote("BTC", 50000)))
	req := trading.OpenRequest{Symbol: "BTC", Direction: models.Long, Stake: decimal.NewFromInt(100), DurationSeconds: 60}

	require.NoError(t, e.SetMode(models.Live))
	_, err := e.Open(context.Background(), req)
	assert.ErrorIs(t, err, trading.ErrInsufficientBalance)

	require.NoError(t, e.SetMode(models.Practice))
	trade, err := e.Open(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.Practice, trade.AccountMode)

	status := e.Status()
	require.NotNil(t, status.ActiveTrade)
	assert.Equal(t, trade.TradeID, status.ActiveTrade.TradeID)
	assert.Equal(t, 60, status.Remaining)
	assert.Equal(t, "9900", status.Balances[models.Practice].String())

	toasts := e.Notifier.Toasts()
	require.Len(t, toasts, 2)
	assert.Equal(t, notify.KindTradeRejected, toasts[0].Kind)
	assert.Equal(t, notify.KindTradeOpened, toasts[1].Kind)

	assert.ErrorIs(t, e.SetMode("demo"), trading.ErrInvalidMode)
}

func TestEngine_MovementAlertToTrade(t *testing.T) {
	e := newTestEngine(t)

	e.Prices.Apply(quote("ETH", 3000))
	e.Prices.Apply(quote("ETH", 3400))

	alert, ok := e.Movement.Current()
	require.True(t, ok)
	assert.Equal(t, "ETH", alert.Symbol)

	taken, err := e.TradeNow(alert.ID)
	require.NoError(t, err)
	assert.Equal(t, alert.ID, taken.ID)
	assert.Equal(t, "ETH", e.Prices.Selected())
	_, ok = e.Movement.Current()
	assert.False(t, ok)

	assert.Eventually(t, func() bool {
		unread, err := e.Notifier.Unread(context.Background(), 10)
		return err == nil && len(unread) == 1 && unread[0].AlertID == alert.ID
	}, 2*time.Second, 20*time.Millisecond)
}

func TestEngine_TradeNowOnSelectedAssetKeepsPrice(t *testing.T) {
	// Arrange
	e := newTestEngine(t)
	require.Equal(t, "BTC", e.Prices.Selected())
	require.Equal(t, pricing.Accepted, e.Prices.Apply(quote("BTC", 50000)))
	require.Equal(t, pricing.Accepted, e.Prices.Apply(quote("BTC", 56000)))

	alert, ok := e.Movement.Current()
	require.True(t, ok)
	require.Equal(t, "BTC", alert.Symbol)

	// Act
	_, err := e.TradeNow(alert.ID)
	require.NoError(t, err)

	// Assert
	price, ok := e.Prices.Reconciled("BTC")
	require.True(t, ok, "trade now must not reset the displayed price")
	assert.Equal(t, 56000.0, price)

	trade, err := e.Open(context.Background(), trading.OpenRequest{
		Symbol: alert.Symbol, Direction: models.Long, Stake: decimal.NewFromInt(100), DurationSeconds: 60,
	})
	require.NoError(t, err)
	assert.Equal(t, 56000.0, trade.EntryPrice)
}
