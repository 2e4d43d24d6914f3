package pricing

import (
	"fmt"
	"math"

	"github.com/azuranistirah-beep/canonsite-sub000/internal/catalog"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/config"
)

// ValidationError reports a price outside its category's sanity range.
type ValidationError struct {
	Symbol   string
	Category catalog.Category
	Price    float64
	Range    config.Range
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s price %g outside %s range [%g, %g]", e.Symbol, e.Price, e.Category, e.Range.Min, e.Range.Max)
}

// Validator checks prices against per-category [min, max] bands.
type Validator struct {
	ranges map[catalog.Category]config.Range
}

// NewValidator builds a validator from the configured ranges.
func NewValidator(cfg config.Validation) *Validator {
	return &Validator{
		ranges: map[catalog.Category]config.Range{
			catalog.Crypto:    cfg.Crypto,
			catalog.Forex:     cfg.Forex,
			catalog.Commodity: cfg.Commodity,
			catalog.Equity:    cfg.Equity,
		},
	}
}

// Check returns a *ValidationError when price is not usable for asset.
func (v *Validator) Check(asset catalog.Asset, price float64) error {
	r, ok := v.ranges[asset.Category]
	if !ok || math.IsNaN(price) || math.IsInf(price, 0) || price < r.Min || price > r.Max {
		return &ValidationError{Symbol: asset.Symbol, Category: asset.Category, Price: price, Range: r}
	}
	return nil
}
