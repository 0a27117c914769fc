package worker

import (
	"context"
	"fmt"
	"log"

	"shop-core/internal/broker"
	"shop-core/internal/currency"
	"shop-core/internal/models"
	"shop-core/internal/notifier"
	"shop-core/internal/util"

	"go.uber.org/zap"
)

// NotificationWorker consumes domain events and turns the buyer-facing
// ones into email. Delivery errors are logged and swallowed so a flaky
// mailer never stalls the consumer group.
type NotificationWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	mailer       notifier.Mailer
	cur          currency.Currency
	logger       *zap.Logger
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(
	consumer *broker.Consumer,
	mailer notifier.Mailer,
	cur currency.Currency,
) *NotificationWorker {
	w := &NotificationWorker{
		consumer: consumer,
		mailer:   mailer,
		cur:      cur,
		logger:   util.GetLogger(),
	}

	eventHandler := broker.NewEventHandler()
	eventHandler.OnOrderStatusChanged(w.handleStatusChanged)
	eventHandler.OnCouponPurchased(w.handleCouponPurchased)
	eventHandler.OnCouponExpired(w.handleCouponExpired)
	w.eventHandler = eventHandler

	return w
}

// Start starts the worker
func (w *NotificationWorker) Start(ctx context.Context) error {
	log.Println("Starting notification worker...")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *NotificationWorker) Stop() error {
	log.Println("Stopping notification worker...")
	return w.consumer.Close()
}

func (w *NotificationWorker) handleStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error {
	if !event.Notify || event.Email == "" {
		return nil
	}

	subject := fmt.Sprintf("Order #%d is now %s", event.OrderID, event.NewStatus)
	body := fmt.Sprintf("Your order #%d moved from %s to %s.",
		event.OrderID, event.OldStatus, event.NewStatus)

	if err := w.mailer.Send(ctx, event.Email, subject, body); err != nil {
		w.logger.Warn("Status email delivery failed",
			zap.Int64("order_id", event.OrderID),
			zap.Error(err))
	}
	return nil
}

func (w *NotificationWorker) handleCouponPurchased(ctx context.Context, event *models.CouponPurchasedEvent) error {
	if event.Email == "" {
		return nil
	}

	subject := "Your gift card is ready"
	body := fmt.Sprintf("Gift card %s worth %s%s is now active on your account.",
		event.Code, w.cur.Symbol, w.cur.Format(event.Amount))

	if err := w.mailer.Send(ctx, event.Email, subject, body); err != nil {
		w.logger.Warn("Gift card email delivery failed",
			zap.String("code", event.Code),
			zap.Error(err))
	}
	return nil
}

func (w *NotificationWorker) handleCouponExpired(ctx context.Context, event *models.CouponExpiredEvent) error {
	if event.Email == "" {
		return nil
	}

	subject := fmt.Sprintf("Gift card %s has expired", event.Code)
	body := fmt.Sprintf("The remaining balance of %s%s on gift card %s has expired.",
		w.cur.Symbol, w.cur.Format(event.Amount), event.Code)

	if err := w.mailer.Send(ctx, event.Email, subject, body); err != nil {
		w.logger.Warn("Expiry email delivery failed",
			zap.String("code", event.Code),
			zap.Error(err))
	}
	return nil
}
