// Package movement raises two-tier alerts on large quote-to-quote moves.
package movement

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/azuranistirah-beep/canonsite-sub000/internal/config"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/notify"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/pricing"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrAlertNotFound is returned for ids that are not pending.
var ErrAlertNotFound = errors.New("movement alert not found")

// Direction of a price move.
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

// Alert is a tier-2 move waiting for the user. It is terminal once
// dismissed or traded on.
type Alert struct {
	ID            string    `json:"id"`
	Symbol        string    `json:"symbol"`
	PrevPrice     float64   `json:"prev_price"`
	NewPrice      float64   `json:"new_price"`
	ChangePercent float64   `json:"change_percent"`
	Direction     Direction `json:"direction"`
	Timestamp     time.Time `json:"timestamp"`
	Dismissed     bool      `json:"dismissed"`
}

// Notifier receives the events raised by the detector.
type Notifier interface {
	Dispatch(ev notify.Event)
}

// Detector watches accepted quotes.
type Detector struct {
	cfg      config.Alerts
	notifier Notifier
	logger   *zap.Logger

	mu     sync.Mutex
	alerts []Alert
}

var _ pricing.Observer = (*Detector)(nil)

// New creates a detector with the configured thresholds.
func New(cfg config.Alerts, notifier Notifier, logger *zap.Logger) *Detector {
	if cfg.QueueCap < 1 {
		cfg.QueueCap = 1
	}
	return &Detector{
		cfg:      cfg,
		notifier: notifier,
		logger:   logger.Named("movement"),
	}
}

// PriceAccepted classifies the move from prev to next.
func (d *Detector) PriceAccepted(symbol string, prev, next float64, capturedAt time.Time) {
	if prev <= 0 {
		return
	}
	change := math.Abs(next-prev) / prev * 100

	switch {
	case change >= d.cfg.Threshold2:
		alert := Alert{
			ID:            uuid.NewString(),
			Symbol:        symbol,
			PrevPrice:     prev,
			NewPrice:      next,
			ChangePercent: change,
			Direction:     direction(prev, next),
			Timestamp:     capturedAt,
		}
		d.enqueue(alert)
		d.logger.Info("large price move",
			zap.String("symbol", symbol),
			zap.Float64("change_percent", change),
			zap.String("alert_id", alert.ID),
		)
		d.notifier.Dispatch(notify.MovementTier2{
			AlertID:       alert.ID,
			Symbol:        symbol,
			Prev:          prev,
			Next:          next,
			ChangePercent: change,
		})
	case change >= d.cfg.Threshold1:
		d.notifier.Dispatch(notify.MovementTier1{
			Symbol:        symbol,
			Prev:          prev,
			Next:          next,
			ChangePercent: change,
		})
	}
}

func (d *Detector) enqueue(alert Alert) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alerts = append(d.alerts, alert)
	if over := len(d.alerts) - d.cfg.QueueCap; over > 0 {
		d.alerts = append([]Alert(nil), d.alerts[over:]...)
	}
}

// Current returns the oldest pending alert.
func (d *Detector) Current() (Alert, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.alerts) == 0 {
		return Alert{}, false
	}
	return d.alerts[0], true
}

// Pending returns every pending alert, oldest first.
func (d *Detector) Pending() []Alert {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Alert(nil), d.alerts...)
}

// Dismiss closes the alert without acting on it.
func (d *Detector) Dismiss(id string) error {
	_, err := d.take(id)
	return err
}

// TradeNow closes the alert and returns it so the caller can prefill a
// trade on its asset.
func (d *Detector) TradeNow(id string) (Alert, error) {
	return d.take(id)
}

func (d *Detector) take(id string) (Alert, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, a := range d.alerts {
		if a.ID == id {
			d.alerts = append(d.alerts[:i:i], d.alerts[i+1:]...)
			a.Dismissed = true
			return a, nil
		}
	}
	return Alert{}, ErrAlertNotFound
}

func direction(prev, next float64) Direction {
	if next < prev {
		return Down
	}
	return Up
}
