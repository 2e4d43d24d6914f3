package pricing

import (
	"context"
	"sync"
	"time"

	"github.com/azuranistirah-beep/canonsite-sub000/internal/catalog"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/feed"
	"go.uber.org/zap"
)

const (
	streamRetryMin = time.Second
	streamRetryMax = 30 * time.Second
)

// Start begins polling and, for a push-capable selection, streaming.
func (a *Aggregator) Start(ctx context.Context) error {
	a.mu.Lock()
	a.runCtx, a.cancel = context.WithCancel(ctx)
	runCtx := a.runCtx
	gen := a.generation
	selected := a.selected
	a.mu.Unlock()

	if asset, ok := a.catalog.Lookup(selected); ok {
		a.startStream(runCtx, gen, asset)
	}

	a.wg.Add(2)
	go a.runTickerLoop(runCtx)
	go a.runBasketLoop(runCtx)

	a.logger.Info("price aggregator started",
		zap.Duration("ticker_interval", a.cfg.StreamPollInterval),
		zap.Duration("basket_interval", a.cfg.BasketPollInterval),
	)
	return nil
}

// Stop cancels pollers and the stream and waits for them to exit.
func (a *Aggregator) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	a.runCtx = nil
	a.streamCancel = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info("price aggregator stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RefreshAll re-issues every poll immediately and waits for them.
func (a *Aggregator) RefreshAll(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.pollTickers(ctx)
	}()
	go func() {
		defer wg.Done()
		a.pollBasket(ctx)
	}()
	wg.Wait()
}

func (a *Aggregator) runTickerLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.StreamPollInterval)
	defer ticker.Stop()

	a.pollTickers(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pollTickers(ctx)
		case <-a.kick:
			// A selection change wants its first price now.
			a.RefreshAll(ctx)
		}
	}
}

func (a *Aggregator) runBasketLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.BasketPollInterval)
	defer ticker.Stop()

	a.pollBasket(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pollBasket(ctx)
		}
	}
}

type tickerJob struct {
	asset catalog.Asset
	gen   uint64
	bound bool
}

// pollTickers fetches the REST ticker of the selected push asset and every
// push asset on the watchlist, concurrently.
func (a *Aggregator) pollTickers(ctx context.Context) {
	a.mu.RLock()
	selected, gen := a.selected, a.generation
	watch := append([]string(nil), a.watchlist...)
	a.mu.RUnlock()

	var jobs []tickerJob
	seen := make(map[string]struct{})
	for i, symbol := range append([]string{selected}, watch...) {
		asset, ok := a.catalog.Lookup(symbol)
		if !ok || !asset.Category.PushCapable() {
			continue
		}
		if _, dup := seen[symbol]; dup {
			continue
		}
		seen[symbol] = struct{}{}
		jobs = append(jobs, tickerJob{asset: asset, gen: gen, bound: i == 0})
	}

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(job tickerJob) {
			defer wg.Done()
			a.fetchTicker(ctx, job)
		}(job)
	}
	wg.Wait()
}

func (a *Aggregator) fetchTicker(ctx context.Context, job tickerJob) {
	ctx, cancel := context.WithTimeout(ctx, a.requestTimeout())
	defer cancel()

	capturedAt := a.now()
	ticker, err := a.rest.GetTicker(ctx, job.asset.Venue, job.asset.TickerSymbol)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Warn("ticker poll failed", zap.String("symbol", job.asset.Symbol), zap.Error(err))
		}
		return
	}

	a.apply(Quote{
		Symbol:     job.asset.Symbol,
		Price:      ticker.Price.InexactFloat64(),
		Change24h:  ticker.Change24h.InexactFloat64(),
		CapturedAt: capturedAt,
		Source:     SourceRest,
	}, job.gen, job.bound)
}

// pollBasket fetches every non-push asset in one call.
func (a *Aggregator) pollBasket(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, a.requestTimeout())
	defer cancel()

	a.mu.RLock()
	selected, gen := a.selected, a.generation
	a.mu.RUnlock()

	capturedAt := a.now()
	entries, err := a.rest.GetBasket(ctx)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Warn("basket poll failed", zap.Error(err))
		}
		return
	}

	for key, entry := range entries {
		asset, ok := a.catalog.ByBasketKey(key)
		if !ok || asset.Category.PushCapable() {
			continue
		}
		a.apply(Quote{
			Symbol:     asset.Symbol,
			Price:      entry.Price.InexactFloat64(),
			Change24h:  entry.Change.InexactFloat64(),
			CapturedAt: capturedAt,
			Source:     SourceBasket,
		}, gen, asset.Symbol == selected)
	}
}

func (a *Aggregator) requestTimeout() time.Duration {
	if a.cfg.RequestTimeout > 0 {
		return a.cfg.RequestTimeout
	}
	return 3 * time.Second
}

// startStream launches the stream goroutine for a push-capable selection.
func (a *Aggregator) startStream(parent context.Context, gen uint64, asset catalog.Asset) {
	if a.streamer == nil || !asset.Category.PushCapable() || asset.StreamSymbol == "" {
		return
	}

	ctx, cancel := context.WithCancel(parent)
	a.mu.Lock()
	if gen != a.generation {
		a.mu.Unlock()
		cancel()
		return
	}
	a.streamCancel = cancel
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer cancel()
		a.runStream(ctx, gen, asset)
	}()
}

func (a *Aggregator) runStream(ctx context.Context, gen uint64, asset catalog.Asset) {
	l := a.logger.With(zap.String("symbol", asset.Symbol), zap.String("stream", asset.StreamSymbol))
	wait := streamRetryMin

	for ctx.Err() == nil {
		ticks, err := a.streamer.Stream(ctx, asset.StreamSymbol)
		if err != nil {
			l.Warn("stream connect failed, relying on REST", zap.Error(err), zap.Duration("retry_in", wait))
			if !sleep(ctx, wait) {
				return
			}
			wait = min(wait*2, streamRetryMax)
			continue
		}

		a.setStreamConnected(gen, true)
		wait = streamRetryMin
		l.Info("stream connected")

		for tick := range ticks {
			a.onTick(gen, asset, tick)
		}

		a.setStreamConnected(gen, false)
		if ctx.Err() != nil {
			return
		}
		l.Warn("stream disconnected, reconnecting", zap.Duration("retry_in", wait))
		if !sleep(ctx, wait) {
			return
		}
	}
}

func (a *Aggregator) onTick(gen uint64, asset catalog.Asset, tick feed.Tick) {
	a.mu.Lock()
	if gen != a.generation {
		a.mu.Unlock()
		return
	}
	a.streamTicked = true
	a.mu.Unlock()

	a.apply(Quote{
		Symbol:     asset.Symbol,
		Price:      tick.Price,
		CapturedAt: tick.ReceivedAt,
		Source:     SourceStream,
	}, gen, true)
}

func (a *Aggregator) setStreamConnected(gen uint64, connected bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if gen == a.generation {
		a.streamConnected = connected
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
