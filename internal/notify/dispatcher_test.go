package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/azuranistirah-beep/canonsite-sub000/internal/config"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/database"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockStore is a mock implementation of Store.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Insert(ctx context.Context, alert *models.AlertNotification) error {
	return m.Called(ctx, alert).Error(0)
}

func (m *MockStore) Unread(ctx context.Context, limit int) ([]models.AlertNotification, error) {
	args := m.Called(ctx, limit)
	alerts, _ := args.Get(0).([]models.AlertNotification)
	return alerts, args.Error(1)
}

func (m *MockStore) MarkRead(ctx context.Context, alertID string) error {
	return m.Called(ctx, alertID).Error(0)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var testAlerts = config.Alerts{Threshold1: 5, Threshold2: 10, ToastTTL: 6 * time.Second, QueueCap: 10}

func won() TradeWon {
	return TradeWon{TradeSettled{
		TradeID:    "t-1",
		Symbol:     "BTC",
		Direction:  models.Long,
		EntryPrice: 50000,
		ExitPrice:  50500,
		ProfitLoss: decimal.NewFromInt(95),
	}}
}

func TestDispatch_ToastKinds(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	store := new(MockStore)
	d := New(store, testAlerts, zap.NewNop(), WithClock(clock.Now))
	defer d.Close()

	d.Dispatch(TradeOpened{TradeID: "t-1", Symbol: "BTC", Direction: models.Long, Stake: decimal.NewFromInt(100), EntryPrice: 50000, DurationSeconds: 5})
	clock.Advance(2 * time.Second)
	d.Dispatch(TradeRejected{Symbol: "ETH", Reason: "trade already active"})
	d.Dispatch(MovementTier1{Symbol: "SOL", Prev: 100, Next: 106, ChangePercent: 6})

	toasts := d.Toasts()
	require.Len(t, toasts, 3)
	assert.Equal(t, KindTradeOpened, toasts[0].Kind)
	assert.Equal(t, "BTC long opened at 50000, stake 100.00, 5s", toasts[0].Message)
	assert.Equal(t, KindTradeRejected, toasts[1].Kind)
	assert.Equal(t, SeverityError, toasts[1].Severity)
	assert.Equal(t, "SOL moved +6.00% (100 -> 106)", toasts[2].Message)

	// The first toast expires 6s after it was raised.
	clock.Advance(5 * time.Second)
	toasts = d.Toasts()
	require.Len(t, toasts, 2)
	assert.Equal(t, KindTradeRejected, toasts[0].Kind)

	clock.Advance(2 * time.Second)
	assert.Empty(t, d.Toasts())

	// Toast kinds never reach the store.
	store.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything)
}

func TestDispatch_PersistsAndBroadcasts(t *testing.T) {
	db, err := database.NewDatabase("file::memory:")
	require.NoError(t, err)
	d := New(database.NewAlertRepository(db), testAlerts, zap.NewNop())

	alerts, unsubscribe := d.Subscribe()
	defer unsubscribe()

	d.Dispatch(won())
	d.Dispatch(MovementTier2{AlertID: "m-1", Symbol: "ETH", Prev: 3000, Next: 2600, ChangePercent: 13.33})

	first := receive(t, alerts)
	assert.Equal(t, string(KindTradeWon), first.Kind)
	require.NotNil(t, first.TradeID)
	assert.Equal(t, "t-1", *first.TradeID)
	assert.Equal(t, "BTC long won: +95.00 (entry 50000, exit 50500)", first.Message)

	second := receive(t, alerts)
	assert.Equal(t, "m-1", second.AlertID)
	assert.Equal(t, "ETH moved sharply -13.33% (3000 -> 2600)", second.Message)

	unread, err := d.Unread(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, unread, 2)

	require.NoError(t, d.MarkRead(context.Background(), "m-1"))
	unread, err = d.Unread(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, unread, 1)
	assert.Empty(t, d.Toasts())

	d.Close()
}

func TestDispatch_StoreFailureIsNotBroadcast(t *testing.T) {
	store := new(MockStore)
	store.On("Insert", mock.Anything, mock.Anything).Return(errors.New("database is locked")).Once()
	d := New(store, testAlerts, zap.NewNop())
	alerts, _ := d.Subscribe()

	d.Dispatch(TradeLost{TradeSettled{TradeID: "t-2", Symbol: "BTC", ProfitLoss: decimal.NewFromInt(-100)}})
	d.Close()

	_, ok := <-alerts
	assert.False(t, ok, "channel closed without delivering the failed alert")
	store.AssertExpectations(t)
}

func TestDispatch_AfterCloseIsDropped(t *testing.T) {
	store := new(MockStore)
	d := New(store, testAlerts, zap.NewNop())
	d.Close()

	assert.NotPanics(t, func() {
		d.Dispatch(won())
		d.Dispatch(TradeOpened{Symbol: "BTC"})
	})
	d.Close()
	store.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything)
}

func TestKindPersisted(t *testing.T) {
	testCases := []struct {
		kind      Kind
		persisted bool
	}{
		{KindTradeOpened, false},
		{KindTradeRejected, false},
		{KindMovementTier1, false},
		{KindTradeWon, true},
		{KindTradeLost, true},
		{KindMovementTier2, true},
	}
	for _, tc := range testCases {
		t.Run(string(tc.kind), func(t *testing.T) {
			assert.Equal(t, tc.persisted, tc.kind.Persisted())
		})
	}
}

func receive(t *testing.T, ch <-chan models.AlertNotification) models.AlertNotification {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for alert")
		return models.AlertNotification{}
	}
}
