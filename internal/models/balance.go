package models

import (
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Balance is the stored amount of one account mode.
type Balance struct {
	gorm.Model
	AccountMode AccountMode     `gorm:"uniqueIndex;not null"`
	Amount      decimal.Decimal `gorm:"type:decimal(20,8);not null"`
}
