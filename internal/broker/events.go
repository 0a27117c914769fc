package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"shop-core/internal/models"

	"github.com/segmentio/kafka-go"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishOrderStatusChanged publishes OrderStatusChanged event
func (ep *EventPublisher) PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error {
	key := fmt.Sprintf("order-%d", event.OrderID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishPaymentRecorded publishes PaymentRecorded event
func (ep *EventPublisher) PublishPaymentRecorded(ctx context.Context, event *models.PaymentRecordedEvent) error {
	key := fmt.Sprintf("order-%d", event.OrderID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishCouponPurchased publishes CouponPurchased event
func (ep *EventPublisher) PublishCouponPurchased(ctx context.Context, event *models.CouponPurchasedEvent) error {
	key := fmt.Sprintf("coupon-%s", event.Code)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishCouponApplied publishes CouponApplied event
func (ep *EventPublisher) PublishCouponApplied(ctx context.Context, event *models.CouponAppliedEvent) error {
	key := fmt.Sprintf("order-%d", event.OrderID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishCouponExpired publishes CouponExpired event
func (ep *EventPublisher) PublishCouponExpired(ctx context.Context, event *models.CouponExpiredEvent) error {
	key := fmt.Sprintf("coupon-%s", event.Code)
	return ep.producer.PublishEvent(ctx, key, event)
}

// EventHandler routes consumed events to registered handlers
type EventHandler struct {
	onStatusChanged   func(context.Context, *models.OrderStatusChangedEvent) error
	onCouponPurchased func(context.Context, *models.CouponPurchasedEvent) error
	onCouponExpired   func(context.Context, *models.CouponExpiredEvent) error
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{}
}

// OnOrderStatusChanged registers a handler for OrderStatusChanged events
func (eh *EventHandler) OnOrderStatusChanged(handler func(context.Context, *models.OrderStatusChangedEvent) error) {
	eh.onStatusChanged = handler
}

// OnCouponPurchased registers a handler for CouponPurchased events
func (eh *EventHandler) OnCouponPurchased(handler func(context.Context, *models.CouponPurchasedEvent) error) {
	eh.onCouponPurchased = handler
}

// OnCouponExpired registers a handler for CouponExpired events
func (eh *EventHandler) OnCouponExpired(handler func(context.Context, *models.CouponExpiredEvent) error) {
	eh.onCouponExpired = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	log.Printf("Handling event: type=%s, id=%s", baseEvent.EventType, baseEvent.EventID)

	switch baseEvent.EventType {
	case models.EventTypeOrderStatusChanged:
		if eh.onStatusChanged != nil {
			var event models.OrderStatusChangedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal OrderStatusChanged event: %w", err)
			}
			return eh.onStatusChanged(ctx, &event)
		}

	case models.EventTypeCouponPurchased:
		if eh.onCouponPurchased != nil {
			var event models.CouponPurchasedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal CouponPurchased event: %w", err)
			}
			return eh.onCouponPurchased(ctx, &event)
		}

	case models.EventTypeCouponExpired:
		if eh.onCouponExpired != nil {
			var event models.CouponExpiredEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal CouponExpired event: %w", err)
			}
			return eh.onCouponExpired(ctx, &event)
		}

	default:
		log.Printf("Unhandled event type: %s", baseEvent.EventType)
	}

	return nil
}
