package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/case-import/internal/worker/domain"
)

// Notifier delivers the completion notice of a batch
type Notifier interface {
	Notify(ctx context.Context, n domain.BatchNotification) error
}

// Publisher sends a message body to a broker
type Publisher interface {
	Publish(ctx context.Context, body []byte, contentType string) error
}

// AMQPNotifier publishes notifications as JSON for mail and chat consumers
type AMQPNotifier struct {
	publisher Publisher
}

// NewAMQPNotifier creates a notifier on top of a broker publisher
func NewAMQPNotifier(p Publisher) *AMQPNotifier {
	return &AMQPNotifier{publisher: p}
}

// Notify implements Notifier
func (a *AMQPNotifier) Notify(ctx context.Context, n domain.BatchNotification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	if err := a.publisher.Publish(ctx, body, "application/json"); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// NotificationSaver stores in-app notifications
type NotificationSaver interface {
	SaveNotification(ctx context.Context, n domain.BatchNotification) error
}

// StoreNotifier writes an in-app notification for the requesting user
type StoreNotifier struct {
	store NotificationSaver
}

// NewStoreNotifier creates a StoreNotifier
func NewStoreNotifier(s NotificationSaver) *StoreNotifier {
	return &StoreNotifier{store: s}
}

// Notify implements Notifier
func (s *StoreNotifier) Notify(ctx context.Context, n domain.BatchNotification) error {
	return s.store.SaveNotification(ctx, n)
}

// LogNotifier only logs the notification
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier
func (l *LogNotifier) Notify(_ context.Context, n domain.BatchNotification) error {
	l.logger.Info("Batch import finished",
		slog.String("batch_id", n.BatchID),
		slog.String("tenant_id", n.TenantID),
		slog.String("status", string(n.Status)),
		slog.Int("total", n.Total),
		slog.Int("success", n.Success),
		slog.Int("failed", n.Failed),
		slog.Int("skipped", n.Skipped),
	)
	return nil
}

// Fanout delivers to every notifier. A failing notifier does not stop the
// others; the failures are joined into the returned error.
type Fanout struct {
	notifiers []Notifier
	logger    *slog.Logger
}

// NewFanout creates a Fanout
func NewFanout(logger *slog.Logger, notifiers ...Notifier) *Fanout {
	return &Fanout{notifiers: notifiers, logger: logger}
}

// Notify implements Notifier
func (f *Fanout) Notify(ctx context.Context, n domain.BatchNotification) error {
	var errs []error
	for _, notifier := range f.notifiers {
		if err := notifier.Notify(ctx, n); err != nil {
			f.logger.Error("Notifier failed",
				slog.String("batch_id", n.BatchID),
				slog.String("notifier", fmt.Sprintf("%T", notifier)),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
