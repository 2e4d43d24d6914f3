// Package staleness classifies how old the accepted price of each tracked
// asset is.
package staleness

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/azuranistirah-beep/canonsite-sub000/internal/config"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/pricing"
	"go.uber.org/zap"
)

// ErrExpired is returned by CanTrade when the price is too old to trade on.
var ErrExpired = errors.New("price expired")

// Level is the freshness of an asset's price.
type Level string

const (
	Fresh   Level = "fresh"
	Delayed Level = "delayed"
	Expired Level = "expired"
)

// PriceSource is the part of the aggregator the tracker reads.
type PriceSource interface {
	Current(symbol string) (pricing.State, bool)
	StreamLive(symbol string) bool
	Tracked() []string
	RefreshAll(ctx context.Context)
}

var _ PriceSource = (*pricing.Aggregator)(nil)

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// Tracker re-evaluates every tracked asset on a fixed interval.
type Tracker struct {
	cfg    config.Staleness
	prices PriceSource
	logger *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	levels map[string]Level

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a tracker over prices.
func New(cfg config.Staleness, prices PriceSource, logger *zap.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		cfg:    cfg,
		prices: prices,
		logger: logger.Named("staleness"),
		now:    time.Now,
		levels: make(map[string]Level),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start runs the evaluation loop until ctx is cancelled or Stop is called.
func (t *Tracker) Start(ctx context.Context) error {
	ctx, t.cancel = context.WithCancel(ctx)
	t.evaluate()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.evaluate()
			}
		}
	}()
	return nil
}

// Stop ends the evaluation loop.
func (t *Tracker) Stop(ctx context.Context) error {
	if t.cancel != nil {
		t.cancel()
	}
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status classifies symbol against the current clock. Assets that never
// had an accepted quote are expired.
func (t *Tracker) Status(symbol string) Level {
	st, ok := t.prices.Current(symbol)
	if !ok || !st.HasPrice() {
		return Expired
	}
	last := st.LastCapturedAt
	if last.IsZero() {
		last = st.LastUpdatedAt
	}
	switch age := t.now().Sub(last); {
	case age >= t.cfg.Expired:
		return Expired
	case age >= t.cfg.Delayed:
		return Delayed
	default:
		return Fresh
	}
}

// Snapshot returns the levels computed by the last evaluation.
func (t *Tracker) Snapshot() map[string]Level {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Level, len(t.levels))
	for k, v := range t.levels {
		out[k] = v
	}
	return out
}

// CanTrade reports whether a new trade may open on symbol. A live stream
// overrides an expired timestamp.
func (t *Tracker) CanTrade(symbol string) error {
	if t.prices.StreamLive(symbol) {
		return nil
	}
	if t.Status(symbol) == Expired {
		return fmt.Errorf("%s: %w", symbol, ErrExpired)
	}
	return nil
}

// ForceRefresh re-issues every poll immediately, then re-evaluates.
func (t *Tracker) ForceRefresh(ctx context.Context) map[string]Level {
	t.logger.Info("forced refresh requested")
	t.prices.RefreshAll(ctx)
	t.evaluate()
	return t.Snapshot()
}

func (t *Tracker) evaluate() {
	symbols := t.prices.Tracked()
	next := make(map[string]Level, len(symbols))
	for _, s := range symbols {
		next[s] = t.Status(s)
	}

	t.mu.Lock()
	prev := t.levels
	t.levels = next
	t.mu.Unlock()

	for s, level := range next {
		if prev[s] == level {
			continue
		}
		l := t.logger.With(zap.String("symbol", s), zap.String("level", string(level)))
		switch level {
		case Expired:
			l.Warn("price expired, new trades blocked unless stream is live")
		case Delayed:
			l.Warn("price delayed")
		default:
			l.Debug("price fresh")
		}
	}
}
