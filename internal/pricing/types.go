package pricing

import (
	"errors"
	"time"
)

// ErrUnknownAsset is returned for symbols missing from the catalog.
var ErrUnknownAsset = errors.New("unknown asset")

// Source identifies which feed produced a quote.
type Source string

const (
	SourceStream Source = "stream"
	SourceRest   Source = "rest"
	SourceBasket Source = "basket"
)

// Quote is an ephemeral price observation produced by a feed.
type Quote struct {
	Symbol     string    `json:"symbol"`
	Price      float64   `json:"price"`
	Change24h  float64   `json:"change_24h"`
	CapturedAt time.Time `json:"captured_at"`
	Source     Source    `json:"source"`
}

// State is the accepted price state of one asset. Only quotes that pass
// validation move LastValidPrice; a rejected quote only clears IsValid.
type State struct {
	Symbol         string    `json:"symbol"`
	LastValidPrice float64   `json:"last_valid_price"`
	Change24h      float64   `json:"change_24h"`
	LastUpdatedAt  time.Time `json:"last_updated_at"`
	LastCapturedAt time.Time `json:"last_captured_at"`
	IsValid        bool      `json:"is_valid"`
	Source         Source    `json:"source"`
}

// HasPrice reports whether a quote was ever accepted.
func (s State) HasPrice() bool {
	return s.LastValidPrice > 0
}

// Outcome describes what Apply did with a quote.
type Outcome int

const (
	Accepted Outcome = iota
	Rejected
	Superseded
	OutOfOrder
	Cached
	Unknown
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Superseded:
		return "superseded"
	case OutOfOrder:
		return "out_of_order"
	case Cached:
		return "cached"
	default:
		return "unknown"
	}
}

// Observer is notified after each accepted quote, outside of any lock.
// prev is zero for the first accepted quote of an asset.
type Observer interface {
	PriceAccepted(symbol string, prev, next float64, capturedAt time.Time)
}

// ObserverFunc is a function adapter for Observer.
type ObserverFunc func(symbol string, prev, next float64, capturedAt time.Time)

func (f ObserverFunc) PriceAccepted(symbol string, prev, next float64, capturedAt time.Time) {
	f(symbol, prev, next, capturedAt)
}
