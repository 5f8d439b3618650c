// Package worker persists notifications consumed from the message broker.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"greenbudget/internal/amqp"
	"greenbudget/internal/log"
	"greenbudget/internal/notify"
)

// Store is where consumed notifications end up.
type Store interface {
	notify.Notifier
	PruneNotifications(ctx context.Context, before time.Time) (int64, error)
}

// Consumer delivers broker messages to a handler until ctx is done.
type Consumer interface {
	ConsumeNotifications(ctx context.Context, handler amqp.Handler) error
}

type Config struct {
	// Retention is how long stored notifications are kept (default: 7 days).
	Retention time.Duration
	// PruneInterval is how often old notifications are removed (default: 1h).
	PruneInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Retention:     7 * 24 * time.Hour,
		PruneInterval: time.Hour,
	}
}

// NotificationWorker stores consumed notifications and prunes old ones.
type NotificationWorker struct {
	store  Store
	config Config
	logger *log.Logger
	now    func() time.Time
}

func NewNotificationWorker(store Store, config Config, logger *log.Logger) *NotificationWorker {
	def := DefaultConfig()
	if config.Retention <= 0 {
		config.Retention = def.Retention
	}
	if config.PruneInterval <= 0 {
		config.PruneInterval = def.PruneInterval
	}
	return &NotificationWorker{
		store:  store,
		config: config,
		logger: log.OrDiscard(logger).WithComponent(log.ComponentWorker),
		now:    time.Now,
	}
}

// HandleMessage stores one notification. Messages older than the retention
// window are acknowledged without being stored.
func (w *NotificationWorker) HandleMessage(ctx context.Context, msg *amqp.NotificationMessage) error {
	n := msg.Notification
	if !n.Time.IsZero() && n.Time.Before(w.now().Add(-w.config.Retention)) {
		w.logger.DebugContext(ctx, "expired notification skipped", log.FieldEntityID, n.ID)
		return nil
	}
	if err := w.store.Notify(ctx, n); err != nil {
		return fmt.Errorf("store notification %s: %w", n.ID, err)
	}
	w.logger.InfoContext(ctx, "notification stored",
		log.FieldEntityID, n.ID,
		log.FieldDomain, n.Domain,
		"level", n.Level,
		"source", msg.Source)
	return nil
}

// Prune removes notifications older than the retention window.
func (w *NotificationWorker) Prune(ctx context.Context) (int64, error) {
	return w.store.PruneNotifications(ctx, w.now().Add(-w.config.Retention))
}

// Run consumes messages and prunes periodically until ctx is cancelled.
func (w *NotificationWorker) Run(parent context.Context, consumer Consumer) error {
	g, ctx := errgroup.WithContext(parent)

	g.Go(func() error {
		return consumer.ConsumeNotifications(ctx, w.HandleMessage)
	})

	g.Go(func() error {
		ticker := time.NewTicker(w.config.PruneInterval)
		defer ticker.Stop()

		if _, err := w.Prune(ctx); err != nil {
			w.logger.WarnContext(ctx, "startup prune failed", log.FieldError, err)
		}
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if _, err := w.Prune(ctx); err != nil {
					w.logger.ErrorContext(ctx, "prune failed", log.FieldError, err)
				}
			}
		}
	})

	err := g.Wait()
	if parent.Err() != nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
