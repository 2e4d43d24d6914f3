package trading

import (
	"math/rand"
	"sync"

	"github.com/azuranistirah-beep/canonsite-sub000/internal/models"
)

// OutcomeRule decides whether a trade settled as won.
type OutcomeRule interface {
	// Name returns the unique name of the rule.
	Name() string

	// Won reports the outcome of a trade that entered at entry and exited at exit.
	Won(direction models.Direction, entry, exit float64) bool
}

// Directional reports whether exit is strictly on the predicted side of entry.
func Directional(direction models.Direction, entry, exit float64) bool {
	switch direction {
	case models.Long:
		return exit > entry
	case models.Short:
		return exit < entry
	}
	return false
}

// DirectionalRule settles on price movement alone.
type DirectionalRule struct{}

func (DirectionalRule) Name() string { return "directional" }

func (DirectionalRule) Won(direction models.Direction, entry, exit float64) bool {
	return Directional(direction, entry, exit)
}

// OverrideRule wins directionally correct trades and, independently, wins a
// directionally wrong trade when a draw with probability Rate succeeds.
type OverrideRule struct {
	Rate float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewOverrideRule creates an override rule drawing from src.
func NewOverrideRule(rate float64, src rand.Source) *OverrideRule {
	return &OverrideRule{Rate: rate, rng: rand.New(src)}
}

func (r *OverrideRule) Name() string { return "directional_with_override" }

func (r *OverrideRule) Won(direction models.Direction, entry, exit float64) bool {
	if Directional(direction, entry, exit) {
		return true
	}
	if r.Rate <= 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float64() < r.Rate
}
