package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// AccountMode partitions balances and trades between virtual and real funds.
type AccountMode string

const (
	Practice AccountMode = "practice"
	Live     AccountMode = "live"
)

// Valid reports whether m is a known account mode.
func (m AccountMode) Valid() bool {
	return m == Practice || m == Live
}

// Direction is the predicted side of a trade.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == Long || d == Short
}

// TradeStatus moves pending -> active -> won|lost. A settlement whose
// balance credit failed is reopened to active.
type TradeStatus string

const (
	StatusPending TradeStatus = "pending"
	StatusActive  TradeStatus = "active"
	StatusWon     TradeStatus = "won"
	StatusLost    TradeStatus = "lost"
)

// Terminal reports whether s is a settled status.
func (s TradeStatus) Terminal() bool {
	return s == StatusWon || s == StatusLost
}

// Trade represents a fixed-duration directional trade.
type Trade struct {
	gorm.Model
	TradeID         string          `gorm:"uniqueIndex;size:36;not null" json:"trade_id"`
	AccountMode     AccountMode     `gorm:"index;not null" json:"account_mode"`
	Symbol          string          `gorm:"not null" json:"symbol"`
	Direction       Direction       `gorm:"not null" json:"direction"`
	Stake           decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"stake"`
	PayoutRate      float64         `gorm:"not null" json:"payout_rate"`
	EntryPrice      float64         `gorm:"not null" json:"entry_price"`
	DurationSeconds int             `gorm:"not null" json:"duration_seconds"`
	OpenedAt        time.Time       `json:"opened_at"`
	ExpiresAt       time.Time       `gorm:"index" json:"expires_at"`
	Status          TradeStatus     `gorm:"index;not null" json:"status"`
	ClosedAt        *time.Time      `json:"closed_at,omitempty"`
	ClosePrice      *float64        `json:"close_price,omitempty"`
	ProfitLoss      decimal.Decimal `gorm:"type:decimal(20,8);default:0" json:"profit_loss"`
}
