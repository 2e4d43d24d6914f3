package database

import (
	"context"
	"fmt"

	"github.com/azuranistirah-beep/canonsite-sub000/internal/models"
	"gorm.io/gorm"
)

// AlertRepository is the append-only alert store.
type AlertRepository struct {
	db *gorm.DB
}

// NewAlertRepository creates an alert repository over db.
func NewAlertRepository(db *gorm.DB) *AlertRepository {
	return &AlertRepository{db: db}
}

// Insert appends an alert. Read is always stored false.
func (r *AlertRepository) Insert(ctx context.Context, alert *models.AlertNotification) error {
	alert.Read = false
	if err := r.db.WithContext(ctx).Create(alert).Error; err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

// Unread returns up to limit unread alerts, newest first.
func (r *AlertRepository) Unread(ctx context.Context, limit int) ([]models.AlertNotification, error) {
	var alerts []models.AlertNotification
	err := r.db.WithContext(ctx).Where("read = ?", false).Order("created_at desc").Limit(limit).Find(&alerts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list unread alerts: %w", err)
	}
	return alerts, nil
}

// MarkRead flags the alert with alertID as read.
func (r *AlertRepository) MarkRead(ctx context.Context, alertID string) error {
	res := r.db.WithContext(ctx).Model(&models.AlertNotification{}).Where("alert_id = ?", alertID).Update("read", true)
	if res.Error != nil {
		return fmt.Errorf("failed to mark alert %s read: %w", alertID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("alert %s: %w", alertID, ErrNotFound)
	}
	return nil
}
