// Package notify turns lifecycle and alert events into short-lived toasts
// and persisted alert notifications.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/azuranistirah-beep/canonsite-sub000/internal/config"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/database"
	"github.com/azuranistirah-beep/canonsite-sub000/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	queueSize     = 64
	subscriberBuf = 16
	insertTimeout = 5 * time.Second
)

// Store is the append-only alert store.
type Store interface {
	Insert(ctx context.Context, alert *models.AlertNotification) error
	Unread(ctx context.Context, limit int) ([]models.AlertNotification, error)
	MarkRead(ctx context.Context, alertID string) error
}

var _ Store = (*database.AlertRepository)(nil)

// Toast is an ephemeral local notification.
type Toast struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock overrides the wall clock used for toast expiry.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// Dispatcher routes events. Dispatch never blocks the caller; persistence
// runs on a single worker and failures are logged, not retried.
type Dispatcher struct {
	store  Store
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	toasts  []Toast
	subs    map[int]chan models.AlertNotification
	nextSub int
	closed  bool

	queue chan *models.AlertNotification
	done  chan struct{}
}

// New creates a dispatcher and starts its persistence worker.
func New(store Store, cfg config.Alerts, logger *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:  store,
		ttl:    cfg.ToastTTL,
		logger: logger.Named("notify"),
		now:    time.Now,
		subs:   make(map[int]chan models.AlertNotification),
		queue:  make(chan *models.AlertNotification, queueSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	go d.run()
	return d
}

// Dispatch routes ev to the toast list or the alert store.
func (d *Dispatcher) Dispatch(ev Event) {
	l := d.logger.With(zap.String("kind", string(ev.Kind())))

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		l.Debug("dispatcher closed, dropping event")
		return
	}

	if !ev.Kind().Persisted() {
		now := d.now()
		d.pruneLocked(now)
		d.toasts = append(d.toasts, Toast{
			ID:        uuid.NewString(),
			Kind:      ev.Kind(),
			Severity:  ev.Severity(),
			Message:   ev.Message(),
			CreatedAt: now,
			ExpiresAt: now.Add(d.ttl),
		})
		l.Debug("toast raised", zap.String("message", ev.Message()))
		return
	}

	id := uuid.NewString()
	if e, ok := ev.(MovementTier2); ok && e.AlertID != "" {
		id = e.AlertID
	}
	select {
	case d.queue <- record(id, ev):
	default:
		l.Warn("alert queue full, dropping notification", zap.String("message", ev.Message()))
	}
}

// Toasts returns the toasts that have not expired yet, oldest first.
func (d *Dispatcher) Toasts() []Toast {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pruneLocked(d.now())
	return append([]Toast(nil), d.toasts...)
}

func (d *Dispatcher) pruneLocked(now time.Time) {
	kept := d.toasts[:0]
	for _, t := range d.toasts {
		if now.Before(t.ExpiresAt) {
			kept = append(kept, t)
		}
	}
	d.toasts = kept
}

// Subscribe registers a live listener for persisted alerts. Slow listeners
// miss alerts rather than stall the worker. The returned func unsubscribes.
func (d *Dispatcher) Subscribe() (<-chan models.AlertNotification, func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextSub
	d.nextSub++
	ch := make(chan models.AlertNotification, subscriberBuf)
	d.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			if c, ok := d.subs[id]; ok {
				delete(d.subs, id)
				close(c)
			}
		})
	}
}

// Unread returns up to limit unread persisted alerts.
func (d *Dispatcher) Unread(ctx context.Context, limit int) ([]models.AlertNotification, error) {
	return d.store.Unread(ctx, limit)
}

// MarkRead flags a persisted alert as read.
func (d *Dispatcher) MarkRead(ctx context.Context, alertID string) error {
	return d.store.MarkRead(ctx, alertID)
}

// Close stops accepting events, drains queued alerts and closes every
// subscriber channel.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	<-d.done

	d.mu.Lock()
	for id, ch := range d.subs {
		delete(d.subs, id)
		close(ch)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) run() {
	defer close(d.done)

	for n := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
		err := d.store.Insert(ctx, n)
		cancel()
		if err != nil {
			d.logger.Error("failed to persist alert", zap.String("kind", n.Kind), zap.Error(err))
			continue
		}
		d.broadcast(*n)
	}
}

func (d *Dispatcher) broadcast(n models.AlertNotification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ch := range d.subs {
		select {
		case ch <- n:
		default:
			d.logger.Warn("subscriber too slow, dropping alert", zap.String("alert_id", n.AlertID))
		}
	}
}
