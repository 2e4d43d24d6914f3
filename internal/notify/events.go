package notify

import (
	"fmt"

	"github.com/azuranistirah-beep/canonsite-sub000/internal/models"
	"github.com/shopspring/decimal"
)

// Kind identifies an event type.
type Kind string

const (
	KindTradeOpened   Kind = "trade_opened"
	KindTradeWon      Kind = "trade_won"
	KindTradeLost     Kind = "trade_lost"
	KindTradeRejected Kind = "trade_rejected"
	KindMovementTier1 Kind = "movement_tier1"
	KindMovementTier2 Kind = "movement_tier2"
)

// Persisted reports whether events of kind k go to the alert store rather
// than the local toast list.
func (k Kind) Persisted() bool {
	return k == KindTradeWon || k == KindTradeLost || k == KindMovementTier2
}

// Severity is the display level of a notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is one of the payload types in this file. The set is closed.
type Event interface {
	Kind() Kind
	Severity() Severity
	Message() string
	isEvent()
}

// TradeOpened is raised once a trade is active.
type TradeOpened struct {
	TradeID         string
	Symbol          string
	Direction       models.Direction
	Stake           decimal.Decimal
	EntryPrice      float64
	DurationSeconds int
}

// TradeSettled carries the outcome of a settled trade.
type TradeSettled struct {
	TradeID    string
	Symbol     string
	Direction  models.Direction
	EntryPrice float64
	ExitPrice  float64
	ProfitLoss decimal.Decimal
}

// TradeWon is raised when a trade settles as won.
type TradeWon struct{ TradeSettled }

// TradeLost is raised when a trade settles as lost.
type TradeLost struct{ TradeSettled }

// TradeRejected is raised when opening a trade fails.
type TradeRejected struct {
	Symbol string
	Reason string
}

// MovementTier1 is a moderate quote-to-quote move.
type MovementTier1 struct {
	Symbol        string
	Prev, Next    float64
	ChangePercent float64
}

// MovementTier2 is a large move that queued a MovementAlert.
type MovementTier2 struct {
	AlertID       string
	Symbol        string
	Prev, Next    float64
	ChangePercent float64
}

func (TradeOpened) Kind() Kind   { return KindTradeOpened }
func (TradeWon) Kind() Kind      { return KindTradeWon }
func (TradeLost) Kind() Kind     { return KindTradeLost }
func (TradeRejected) Kind() Kind { return KindTradeRejected }
func (MovementTier1) Kind() Kind { return KindMovementTier1 }
func (MovementTier2) Kind() Kind { return KindMovementTier2 }

func (TradeOpened) Severity() Severity   { return SeverityInfo }
func (TradeWon) Severity() Severity      { return SeveritySuccess }
func (TradeLost) Severity() Severity     { return SeverityError }
func (TradeRejected) Severity() Severity { return SeverityError }
func (MovementTier1) Severity() Severity { return SeverityInfo }
func (MovementTier2) Severity() Severity { return SeverityWarning }

func (e TradeOpened) Message() string {
	return fmt.Sprintf("%s %s opened at %g, stake %s, %ds", e.Symbol, e.Direction, e.EntryPrice, e.Stake.StringFixed(2), e.DurationSeconds)
}

func (e TradeWon) Message() string {
	return fmt.Sprintf("%s %s won: +%s (entry %g, exit %g)", e.Symbol, e.Direction, e.ProfitLoss.StringFixed(2), e.EntryPrice, e.ExitPrice)
}

func (e TradeLost) Message() string {
	return fmt.Sprintf("%s %s lost: %s (entry %g, exit %g)", e.Symbol, e.Direction, e.ProfitLoss.StringFixed(2), e.EntryPrice, e.ExitPrice)
}

func (e TradeRejected) Message() string {
	return fmt.Sprintf("trade on %s rejected: %s", e.Symbol, e.Reason)
}

func (e MovementTier1) Message() string {
	return fmt.Sprintf("%s moved %s%.2f%% (%g -> %g)", e.Symbol, sign(e.Prev, e.Next), e.ChangePercent, e.Prev, e.Next)
}

func (e MovementTier2) Message() string {
	return fmt.Sprintf("%s moved sharply %s%.2f%% (%g -> %g)", e.Symbol, sign(e.Prev, e.Next), e.ChangePercent, e.Prev, e.Next)
}

func (TradeOpened) isEvent()   {}
func (TradeWon) isEvent()      {}
func (TradeLost) isEvent()     {}
func (TradeRejected) isEvent() {}
func (MovementTier1) isEvent() {}
func (MovementTier2) isEvent() {}

func sign(prev, next float64) string {
	if next < prev {
		return "-"
	}
	return "+"
}

// record builds the persisted form of a persisted-kind event.
func record(id string, ev Event) *models.AlertNotification {
	n := &models.AlertNotification{
		AlertID:  id,
		Kind:     string(ev.Kind()),
		Severity: string(ev.Severity()),
		Message:  ev.Message(),
	}
	switch e := ev.(type) {
	case TradeWon:
		n.Symbol, n.TradeID = e.Symbol, &e.TradeID
	case TradeLost:
		n.Symbol, n.TradeID = e.Symbol, &e.TradeID
	case MovementTier2:
		n.Symbol = e.Symbol
	}
	return n
}
