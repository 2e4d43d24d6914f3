package models

import "gorm.io/gorm"

// AlertNotification is a persisted, user-facing alert.
type AlertNotification struct {
	gorm.Model
	AlertID  string  `gorm:"uniqueIndex;size:36;not null" json:"alert_id"`
	Kind     string  `gorm:"index;not null" json:"kind"`
	Severity string  `gorm:"not null" json:"severity"`
	Message  string  `gorm:"not null" json:"message"`
	Symbol   string  `json:"symbol,omitempty"`
	TradeID  *string `json:"trade_id,omitempty"`
	Read     bool    `gorm:"index;default:false" json:"read"`
}
