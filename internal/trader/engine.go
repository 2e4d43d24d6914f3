package trader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/azuranistirah-beep/canonsite-sub000/internal/catalog"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/config"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/database"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/feed"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/ledger"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/models"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/movement"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/notify"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/pricing"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/staleness"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/trading"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Engine is the session controller. It constructs every component, owns
// their start/stop lifecycle and holds the session's account mode.
type Engine struct {
	UUID      string
	Name      string
	StartTime time.Time

	logger *zap.Logger
	cfg    *config.Config

	Catalog   *catalog.Catalog
	Prices    *pricing.Aggregator
	Staleness *staleness.Tracker
	Movement  *movement.Detector
	Notifier  *notify.Dispatcher
	Ledger    *ledger.Ledger
	Trades    *trading.Manager

	mu   sync.RWMutex
	mode models.AccountMode
}

// NewEngine wires the components over the given feeds and database.
// streamer may be nil to run on REST polling alone.
func NewEngine(logger *zap.Logger, cfg *config.Config, rest feed.PriceClient, streamer feed.Streamer, db *gorm.DB) *Engine {
	cat := catalog.Default()
	notifier := notify.New(database.NewAlertRepository(db), cfg.Alerts, logger)
	prices := pricing.New(cfg.Feeds, cfg.Validation, cat, rest, streamer, logger)
	tracker := staleness.New(cfg.Staleness, prices, logger)
	detector := movement.New(cfg.Alerts, notifier, logger)
	prices.AddObserver(detector)
	l := ledger.New(database.NewBalanceRepository(db), cfg.Balances, logger)
	trades := trading.New(cfg.Trading, cat, prices, tracker, l, database.NewTradeRepository(db), notifier, logger)

	return &Engine{
		UUID:      uuid.NewString(),
		Name:      "settlement-engine",
		logger:    logger.Named("engine"),
		cfg:       cfg,
		Catalog:   cat,
		Prices:    prices,
		Staleness: tracker,
		Movement:  detector,
		Notifier:  notifier,
		Ledger:    l,
		Trades:    trades,
		mode:      models.AccountMode(cfg.Trading.DefaultMode),
	}
}

// Start loads balances, resumes unsettled trades and starts the feeds.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info("Initializing engine...", zap.String("uuid", e.UUID))
	e.StartTime = time.Now()

	if err := e.Ledger.Load(ctx); err != nil {
		return fmt.Errorf("could not load balances: %w", err)
	}
	if err := e.Prices.Watch(e.cfg.Trading.Watchlist...); err != nil {
		return fmt.Errorf("invalid watchlist: %w", err)
	}
	if err := e.Prices.Select(e.cfg.Trading.DefaultAsset); err != nil {
		return fmt.Errorf("invalid default asset %q: %w", e.cfg.Trading.DefaultAsset, err)
	}
	if err := e.Prices.Start(ctx); err != nil {
		return fmt.Errorf("could not start price feeds: %w", err)
	}
	if err := e.Staleness.Start(ctx); err != nil {
		return fmt.Errorf("could not start staleness tracker: %w", err)
	}
	if err := e.Trades.Resume(ctx); err != nil {
		return fmt.Errorf("could not resume trades: %w", err)
	}

	e.logger.Info("Engine started",
		zap.String("asset", e.cfg.Trading.DefaultAsset),
		zap.String("mode", string(e.Mode())),
	)
	return nil
}

// Stop shuts every component down in reverse order.
func (e *Engine) Stop(ctx context.Context) error {
	e.logger.Info("Stopping engine...")
	err := errors.Join(
		e.Trades.Stop(ctx),
		e.Staleness.Stop(ctx),
		e.Prices.Stop(ctx),
	)
	e.Notifier.Close()
	return err
}

// Run starts the engine and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Stop(stopCtx)
}

// Mode returns the session's account mode.
func (e *Engine) Mode() models.AccountMode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mode
}

// SetMode switches the session between practice and live funds.
func (e *Engine) SetMode(mode models.AccountMode) error {
	if !mode.Valid() {
		return trading.ErrInvalidMode
	}
	e.mu.Lock()
	e.mode = mode
	e.mu.Unlock()
	e.logger.Info("account mode changed", zap.String("mode", string(mode)))
	return nil
}

// Open opens a trade in the session's account mode unless req names one.
func (e *Engine) Open(ctx context.Context, req trading.OpenRequest) (models.Trade, error) {
	if req.Mode == "" {
		req.Mode = e.Mode()
	}
	return e.Trades.Open(ctx, req)
}

// TradeNow closes a movement alert and selects its asset so a trade can be
// prefilled from it. The displayed price is kept when the alert is for the
// asset already selected.
func (e *Engine) TradeNow(id string) (movement.Alert, error) {
	alert, err := e.Movement.TradeNow(id)
	if err != nil {
		return movement.Alert{}, err
	}
	if e.Prices.Selected() != alert.Symbol {
		if err := e.Prices.Select(alert.Symbol); err != nil {
			return movement.Alert{}, err
		}
	}
	return alert, nil
}

// AssetStatus is the price view of one asset.
type AssetStatus struct {
	Symbol     string          `json:"symbol"`
	Price      float64         `json:"price"`
	Change24h  float64         `json:"change_24h"`
	Valid      bool            `json:"valid"`
	Source     pricing.Source  `json:"source,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Level      staleness.Level `json:"level"`
	StreamLive bool            `json:"stream_live"`
}

// Status is a snapshot of the whole session.
type Status struct {
	UUID          string                                 `json:"uuid"`
	Name          string                                 `json:"name"`
	StartTime     time.Time                              `json:"start_time"`
	Uptime        string                                 `json:"uptime"`
	Mode          models.AccountMode                     `json:"mode"`
	Balances      map[models.AccountMode]decimal.Decimal `json:"balances"`
	Selected      AssetStatus                            `json:"selected"`
	Watchlist     []AssetStatus                          `json:"watchlist"`
	ActiveTrade   *models.Trade                          `json:"active_trade,omitempty"`
	Remaining     int                                    `json:"remaining_seconds"`
	MovementAlert *movement.Alert                        `json:"movement_alert,omitempty"`
	PendingAlerts int                                    `json:"pending_alerts"`
}

// Asset returns the price view of symbol.
func (e *Engine) Asset(symbol string) AssetStatus {
	st, _ := e.Prices.Current(symbol)
	return AssetStatus{
		Symbol:     symbol,
		Price:      st.LastValidPrice,
		Change24h:  st.Change24h,
		Valid:      st.IsValid,
		Source:     st.Source,
		UpdatedAt:  st.LastUpdatedAt,
		Level:      e.Staleness.Status(symbol),
		StreamLive: e.Prices.StreamLive(symbol),
	}
}

// Status builds a session snapshot.
func (e *Engine) Status() Status {
	s := Status{
		UUID:      e.UUID,
		Name:      e.Name,
		StartTime: e.StartTime,
		Uptime:    time.Since(e.StartTime).Truncate(time.Second).String(),
		Mode:      e.Mode(),
		Balances: map[models.AccountMode]decimal.Decimal{
			models.Practice: e.Ledger.Balance(models.Practice),
			models.Live:     e.Ledger.Balance(models.Live),
		},
		Selected:      e.Asset(e.Prices.Selected()),
		PendingAlerts: len(e.Movement.Pending()),
	}
	for _, symbol := range e.cfg.Trading.Watchlist {
		s.Watchlist = append(s.Watchlist, e.Asset(symbol))
	}
	if t, ok := e.Trades.Active(); ok {
		s.ActiveTrade = &t
		s.Remaining, _ = e.Trades.Remaining()
	}
	if a, ok := e.Movement.Current(); ok {
		s.MovementAlert = &a
	}
	return s
}
