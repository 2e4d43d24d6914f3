// Package catalog is the static registry of tradable instruments.
package catalog

import (
	"sort"
	"strings"
)

// Category groups assets by how their prices are sourced and validated.
type Category string

const (
	Crypto    Category = "crypto"
	Forex     Category = "forex"
	Commodity Category = "commodity"
	Equity    Category = "equity"
)

// PushCapable reports whether the category has a live tick stream.
func (c Category) PushCapable() bool {
	return c == Crypto
}

// Asset is an immutable catalog entry.
type Asset struct {
	Symbol     string   `json:"symbol"`
	Name       string   `json:"name"`
	Category   Category `json:"category"`
	PayoutRate float64  `json:"payout_rate"` // percent of stake paid as profit on a win

	// Feed identifiers. Push assets use StreamSymbol and Venue/TickerSymbol;
	// everything else is read from the basket under BasketKey.
	StreamSymbol string `json:"stream_symbol,omitempty"`
	Venue        string `json:"venue,omitempty"`
	TickerSymbol string `json:"ticker_symbol,omitempty"`
	BasketKey    string `json:"basket_key,omitempty"`
}

// Catalog is a read-only lookup of assets.
type Catalog struct {
	bySymbol map[string]Asset
	ordered  []Asset
}

// New builds a catalog from the given assets. Later duplicates win.
func New(assets ...Asset) *Catalog {
	c := &Catalog{bySymbol: make(map[string]Asset, len(assets))}
	for _, a := range assets {
		c.bySymbol[a.Symbol] = a
	}
	for _, a := range c.bySymbol {
		c.ordered = append(c.ordered, a)
	}
	sort.Slice(c.ordered, func(i, j int) bool {
		if c.ordered[i].Category != c.ordered[j].Category {
			return c.ordered[i].Category < c.ordered[j].Category
		}
		return c.ordered[i].Symbol < c.ordered[j].Symbol
	})
	return c
}

// Default returns the built-in instrument list.
func Default() *Catalog {
	return New(
		crypto("BTC", "Bitcoin", 95),
		crypto("ETH", "Ethereum", 92),
		crypto("SOL", "Solana", 90),
		crypto("XRP", "Ripple", 88),
		basket("EUR/USD", "Euro / US Dollar", Forex, 85),
		basket("GBP/USD", "British Pound / US Dollar", Forex, 85),
		basket("USD/JPY", "US Dollar / Japanese Yen", Forex, 82),
		basket("XAU/USD", "Gold", Commodity, 80),
		basket("XAG/USD", "Silver", Commodity, 78),
		basket("WTI", "Crude Oil WTI", Commodity, 78),
		basket("AAPL", "Apple Inc.", Equity, 75),
		basket("TSLA", "Tesla Inc.", Equity, 75),
		basket("NVDA", "NVIDIA Corp.", Equity, 75),
	)
}

func crypto(symbol, name string, payout float64) Asset {
	return Asset{
		Symbol:       symbol,
		Name:         name,
		Category:     Crypto,
		PayoutRate:   payout,
		StreamSymbol: strings.ToLower(symbol) + "usdt@trade",
		Venue:        "binance",
		TickerSymbol: symbol + "USDT",
	}
}

func basket(symbol, name string, category Category, payout float64) Asset {
	return Asset{
		Symbol:     symbol,
		Name:       name,
		Category:   category,
		PayoutRate: payout,
		BasketKey:  symbol,
	}
}

// Lookup returns the asset registered under symbol.
func (c *Catalog) Lookup(symbol string) (Asset, bool) {
	a, ok := c.bySymbol[symbol]
	return a, ok
}

// ByCategory returns all assets of one category, ordered by symbol.
func (c *Catalog) ByCategory(category Category) []Asset {
	var out []Asset
	for _, a := range c.ordered {
		if a.Category == category {
			out = append(out, a)
		}
	}
	return out
}

// All returns every asset, ordered by category then symbol.
func (c *Catalog) All() []Asset {
	out := make([]Asset, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// ByBasketKey resolves a basket display key back to its asset.
func (c *Catalog) ByBasketKey(key string) (Asset, bool) {
	for _, a := range c.ordered {
		if a.BasketKey != "" && a.BasketKey == key {
			return a, true
		}
	}
	return Asset{}, false
}
