// Package pricing reconciles push and polled quotes into one authoritative
// price per asset.
//
// All writes go through Aggregator.apply, which holds the only lock over the
// accepted state. Readers always go through Current/Reconciled so that timer
// and network callbacks observe the latest state rather than a copy taken
// when the callback was created.
package pricing

import (
	"context"
	"sync"
	"time"

	"github.com/azuranistirah-beep/canonsite-sub000/internal/catalog"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/config"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/feed"
	"go.uber.org/zap"
)

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// Aggregator merges the tick stream with REST polling and owns the accepted
// price state of every asset.
type Aggregator struct {
	cfg       config.Feeds
	catalog   *catalog.Catalog
	rest      feed.PriceClient
	streamer  feed.Streamer
	validator *Validator
	logger    *zap.Logger
	now       func() time.Time

	mu              sync.RWMutex
	states          map[string]*State
	background      map[string]Quote
	watchlist       []string
	observers       []Observer
	selected        string
	generation      uint64
	graceUntil      time.Time
	streamTicked    bool
	streamConnected bool
	streamCancel    context.CancelFunc

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	kick   chan struct{}
}

// New creates an aggregator. streamer may be nil, in which case push assets
// fall back to REST polling only.
func New(cfg config.Feeds, validation config.Validation, cat *catalog.Catalog, rest feed.PriceClient, streamer feed.Streamer, logger *zap.Logger, opts ...Option) *Aggregator {
	a := &Aggregator{
		cfg:        cfg,
		catalog:    cat,
		rest:       rest,
		streamer:   streamer,
		validator:  NewValidator(validation),
		logger:     logger.Named("aggregator"),
		now:        time.Now,
		states:     make(map[string]*State),
		background: make(map[string]Quote),
		kick:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AddObserver registers o for accepted-quote notifications.
func (a *Aggregator) AddObserver(o Observer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observers = append(a.observers, o)
}

// Watch replaces the background watchlist.
func (a *Aggregator) Watch(symbols ...string) error {
	for _, s := range symbols {
		if _, ok := a.catalog.Lookup(s); !ok {
			return ErrUnknownAsset
		}
	}
	a.mu.Lock()
	a.watchlist = append([]string(nil), symbols...)
	a.mu.Unlock()
	return nil
}

// Selected returns the currently displayed asset.
func (a *Aggregator) Selected() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.selected
}

// Select switches the displayed asset. In-flight responses for the previous
// selection are discarded, the stream is recreated, and the new asset starts
// from an empty state with a grace window for the stream to warm up.
// Selecting the asset already displayed changes nothing.
func (a *Aggregator) Select(symbol string) error {
	asset, ok := a.catalog.Lookup(symbol)
	if !ok {
		return ErrUnknownAsset
	}

	a.mu.Lock()
	if a.selected == symbol {
		a.mu.Unlock()
		return nil
	}
	a.generation++
	gen := a.generation
	a.selected = symbol
	a.streamTicked = false
	a.streamConnected = false
	delete(a.states, symbol)
	a.graceUntil = time.Time{}
	if asset.Category.PushCapable() {
		a.graceUntil = a.now().Add(a.cfg.StreamGrace)
	}
	oldCancel := a.streamCancel
	a.streamCancel = nil
	runCtx := a.runCtx
	a.mu.Unlock()

	if oldCancel != nil {
		oldCancel()
	}
	if runCtx != nil {
		a.startStream(runCtx, gen, asset)
	}

	select {
	case a.kick <- struct{}{}:
	default:
	}

	a.logger.Info("asset selected", zap.String("symbol", symbol), zap.Uint64("generation", gen))
	return nil
}

// Current returns the accepted state of symbol. It is the single read path
// for every consumer.
func (a *Aggregator) Current(symbol string) (State, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	st, ok := a.states[symbol]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// Reconciled returns the authoritative price of symbol if one is valid.
func (a *Aggregator) Reconciled(symbol string) (float64, bool) {
	st, ok := a.Current(symbol)
	if !ok || !st.IsValid || !st.HasPrice() {
		return 0, false
	}
	return st.LastValidPrice, true
}

// Background returns the last validated REST quote for symbol.
func (a *Aggregator) Background(symbol string) (Quote, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	q, ok := a.background[symbol]
	return q, ok
}

// Snapshot returns the accepted state of every asset with one.
func (a *Aggregator) Snapshot() []State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]State, 0, len(a.states))
	for _, st := range a.states {
		out = append(out, *st)
	}
	return out
}

// Tracked returns the selected asset followed by the watchlist, deduplicated.
func (a *Aggregator) Tracked() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	seen := make(map[string]struct{}, len(a.watchlist)+1)
	var out []string
	for _, s := range append([]string{a.selected}, a.watchlist...) {
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// StreamLive reports whether the push stream is connected and has delivered
// at least one tick for symbol since it was selected.
func (a *Aggregator) StreamLive(symbol string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.selected == symbol && a.streamConnected && a.streamTicked
}

// Apply feeds a quote that is not bound to a particular selection.
func (a *Aggregator) Apply(q Quote) Outcome {
	return a.apply(q, 0, false)
}

type notification struct {
	symbol     string
	prev, next float64
	capturedAt time.Time
}

// apply is the only mutator of accepted state. bound quotes carry the
// selection generation they were requested under and are dropped when the
// selection has since moved on.
func (a *Aggregator) apply(q Quote, gen uint64, bound bool) Outcome {
	asset, ok := a.catalog.Lookup(q.Symbol)
	if !ok {
		return Unknown
	}

	a.mu.Lock()
	outcome, note := a.applyLocked(asset, q, gen, bound)
	observers := a.observers
	a.mu.Unlock()

	l := a.logger.With(zap.String("symbol", q.Symbol), zap.String("source", string(q.Source)), zap.Float64("price", q.Price))
	switch outcome {
	case Rejected:
		l.Warn("quote rejected by validation")
	case Superseded:
		l.Debug("dropping response for previous selection")
	case OutOfOrder:
		l.Debug("dropping quote older than accepted state", zap.Time("captured_at", q.CapturedAt))
	}

	if note != nil {
		for _, o := range observers {
			o.PriceAccepted(note.symbol, note.prev, note.next, note.capturedAt)
		}
	}
	return outcome
}

func (a *Aggregator) applyLocked(asset catalog.Asset, q Quote, gen uint64, bound bool) (Outcome, *notification) {
	if bound && gen != a.generation {
		return Superseded, nil
	}
	if q.Source == SourceStream && (q.Symbol != a.selected || gen != a.generation) {
		return Superseded, nil
	}

	st := a.states[q.Symbol]
	verr := a.validator.Check(asset, q.Price)

	if q.Source != SourceStream {
		if verr == nil {
			if prev, seen := a.background[q.Symbol]; !seen || !q.CapturedAt.Before(prev.CapturedAt) {
				a.background[q.Symbol] = q
			}
		}
		// The stream is authoritative for the displayed asset once it has
		// ticked, and is waited for during the grace window. REST quotes
		// leave its state alone then.
		if q.Symbol == a.selected && asset.Category.PushCapable() &&
			(a.streamTicked || a.now().Before(a.graceUntil)) {
			if verr != nil {
				return Rejected, nil
			}
			return Cached, nil
		}
	}

	if st != nil && !st.LastCapturedAt.IsZero() && !q.CapturedAt.After(st.LastCapturedAt) {
		return OutOfOrder, nil
	}

	if st == nil {
		st = &State{Symbol: q.Symbol}
		a.states[q.Symbol] = st
	}

	if verr != nil {
		st.IsValid = false
		return Rejected, nil
	}

	prev := st.LastValidPrice
	st.LastValidPrice = q.Price
	if q.Source != SourceStream {
		st.Change24h = q.Change24h
	}
	st.LastUpdatedAt = a.now()
	st.LastCapturedAt = q.CapturedAt
	st.IsValid = true
	st.Source = q.Source

	return Accepted, &notification{symbol: q.Symbol, prev: prev, next: q.Price, capturedAt: q.CapturedAt}
}
