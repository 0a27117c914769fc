package gateway

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"shop-core/internal/models"
	"shop-core/internal/service"
	"shop-core/internal/store"
	"shop-core/internal/util"

	"go.uber.org/zap"
)

// Outcome classifies how a notification pipeline ended. Every outcome is
// terminal; the provider owns retry-on-failure semantics.
type Outcome string

const (
	OutcomeProcessed    Outcome = "processed"
	OutcomeVerifyFailed Outcome = "verification_failure"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeUnknownOrder Outcome = "unknown_order"
	OutcomeError        Outcome = "error"
)

// ProcessorStore is the persistence surface the notification pipeline needs.
type ProcessorStore interface {
	RecordNotification(ctx context.Context, n *models.NotificationRecord) error
	IsNotificationProcessed(ctx context.Context, provider, externalID string) (bool, error)
	MarkNotificationProcessed(ctx context.Context, provider, externalID, eventType string) (bool, error)
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
}

// DuplicateCache is a best-effort fast path in front of the durable
// idempotency check. A cache failure never fails the pipeline.
type DuplicateCache interface {
	NotificationSeen(ctx context.Context, provider, externalID string) (bool, error)
	MarkNotificationSeen(ctx context.Context, provider, externalID string, ttl time.Duration) error
}

// Processor runs the shared Verify -> log -> idempotency gate -> dispatch
// pipeline for all registered provider adapters.
type Processor struct {
	gateways map[string]Gateway
	store    ProcessorStore
	payments *service.PaymentService
	orders   *service.OrderService
	cache    DuplicateCache
	logger   *zap.Logger
}

// NewProcessor creates a notification processor over the given adapters
func NewProcessor(
	gateways []Gateway,
	store ProcessorStore,
	payments *service.PaymentService,
	orders *service.OrderService,
	cache DuplicateCache,
) *Processor {
	byName := make(map[string]Gateway, len(gateways))
	for _, gw := range gateways {
		byName[gw.Name()] = gw
	}
	return &Processor{
		gateways: byName,
		store:    store,
		payments: payments,
		orders:   orders,
		cache:    cache,
		logger:   util.GetLogger(),
	}
}

// Handle runs one inbound notification through the full pipeline. Every
// call leaves a NotificationRecord behind, whatever the outcome.
func (p *Processor) Handle(ctx context.Context, provider string, raw []byte, headers http.Header) Outcome {
	ctx, span := util.StartSpan(ctx, "Processor.Handle")
	defer span.End()

	start := time.Now()
	defer func() {
		util.WebhookProcessingLatency.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	}()
	util.WebhooksReceivedTotal.WithLabelValues(provider).Inc()

	gw, ok := p.gateways[provider]
	if !ok {
		p.logger.Warn("Notification for unregistered provider", zap.String("provider", provider))
		util.WebhooksRejectedTotal.WithLabelValues(provider).Inc()
		return OutcomeVerifyFailed
	}

	txn, err := gw.Verify(ctx, raw, headers)
	if err != nil {
		p.logger.Warn("Notification failed verification",
			zap.String("provider", provider), zap.Error(err))
		util.WebhooksRejectedTotal.WithLabelValues(provider).Inc()
		p.record(ctx, provider, "", "", raw, false, 0)
		return OutcomeVerifyFailed
	}

	// Resolve the order before claiming the idempotency key so that a
	// notification racing its own order's creation stays retriable.
	var orderID int64
	order, err := p.store.GetOrderByID(ctx, txn.OrderID)
	switch {
	case err == nil:
		orderID = order.ID
	case errors.Is(err, store.ErrNotFound):
		// data-integrity warning, not fatal
	default:
		p.logger.Error("Failed to load order for notification",
			zap.String("provider", provider),
			zap.Int64("order_id", txn.OrderID),
			zap.Error(err))
		p.record(ctx, provider, txn.ExternalID, txn.EventType, raw, true, 0)
		return OutcomeError
	}

	p.record(ctx, provider, txn.ExternalID, txn.EventType, raw, true, orderID)

	if order == nil {
		p.logger.Warn("Notification references unknown order",
			zap.String("provider", provider),
			zap.String("external_id", txn.ExternalID),
			zap.Int64("order_id", txn.OrderID))
		util.WebhooksUnknownOrderTotal.WithLabelValues(provider).Inc()
		return OutcomeUnknownOrder
	}

	if p.isDuplicate(ctx, provider, txn) {
		util.WebhooksDuplicateTotal.WithLabelValues(provider).Inc()
		return OutcomeDuplicate
	}

	outcome := p.dispatch(ctx, gw, order, txn)

	if outcome == OutcomeProcessed && p.cache != nil {
		if err := p.cache.MarkNotificationSeen(ctx, provider, txn.ExternalID, 24*time.Hour); err != nil {
			p.logger.Warn("Failed to cache processed notification", zap.Error(err))
		}
	}
	return outcome
}

// isDuplicate runs the layered idempotency gate: cache fast path, durable
// pre-check, then the authoritative claim via the primary-key insert.
func (p *Processor) isDuplicate(ctx context.Context, provider string, txn *Transaction) bool {
	if p.cache != nil {
		seen, err := p.cache.NotificationSeen(ctx, provider, txn.ExternalID)
		if err != nil {
			p.logger.Warn("Duplicate cache unavailable", zap.Error(err))
		} else if seen {
			p.logger.Info("Duplicate notification (cache)",
				zap.String("provider", provider),
				zap.String("external_id", txn.ExternalID))
			return true
		}
	}

	processed, err := p.store.IsNotificationProcessed(ctx, provider, txn.ExternalID)
	if err != nil {
		p.logger.Error("Idempotency pre-check failed", zap.Error(err))
		// fall through to the claim, which is authoritative
	} else if processed {
		p.logger.Info("Duplicate notification",
			zap.String("provider", provider),
			zap.String("external_id", txn.ExternalID))
		return true
	}

	claimed, err := p.store.MarkNotificationProcessed(ctx, provider, txn.ExternalID, txn.EventType)
	if err != nil {
		p.logger.Error("Failed to claim notification key", zap.Error(err))
		return true // do not process without a claim
	}
	if !claimed {
		p.logger.Info("Lost notification claim to a concurrent retry",
			zap.String("provider", provider),
			zap.String("external_id", txn.ExternalID))
		return true
	}
	return false
}

// dispatch routes a claimed transaction by canonical event type.
func (p *Processor) dispatch(ctx context.Context, gw Gateway, order *models.Order, txn *Transaction) Outcome {
	actor := "gateway:" + gw.Name()

	if txn.Currency != "" && txn.Currency != order.Currency {
		p.logger.Warn("Notification currency differs from order",
			zap.Int64("order_id", order.ID),
			zap.String("order_currency", order.Currency),
			zap.String("txn_currency", txn.Currency))
	}

	switch txn.EventType {
	case EventCheckoutCompleted, EventPaymentSucceeded:
		payment := &models.Payment{
			OrderID:     order.ID,
			Amount:      txn.Gross,
			Gateway:     gw.Name(),
			ExternalRef: txn.ExternalID,
			Completed:   true,
		}
		if err := p.payments.Record(ctx, payment); err != nil {
			if errors.Is(err, store.ErrDuplicatePayment) {
				// the ledger constraint caught a retry that slipped the gate
				return OutcomeDuplicate
			}
			p.logger.Error("Failed to record gateway payment",
				zap.Int64("order_id", order.ID), zap.Error(err))
			return OutcomeError
		}
		return OutcomeProcessed

	case EventInvoiceCreated:
		if err := p.orders.UpdateStatus(ctx, order.ID, models.OrderStatusInvoiced, actor, "", true); err != nil {
			p.logger.Error("Failed to mark order invoiced",
				zap.Int64("order_id", order.ID), zap.Error(err))
			return OutcomeError
		}
		return OutcomeProcessed

	case EventRefunded:
		if err := p.orders.UpdateStatus(ctx, order.ID, models.OrderStatusRefunded, actor, "", true); err != nil {
			if errors.Is(err, service.ErrNotRefundable) {
				p.logger.Warn("Refund notification for unsettled order",
					zap.Int64("order_id", order.ID))
				return OutcomeProcessed
			}
			p.logger.Error("Failed to mark order refunded",
				zap.Int64("order_id", order.ID), zap.Error(err))
			return OutcomeError
		}
		return OutcomeProcessed

	case EventPaymentFailed:
		p.logger.Info("Payment failed at gateway",
			zap.Int64("order_id", order.ID),
			zap.String("external_id", txn.ExternalID))
		return OutcomeProcessed

	default:
		// acknowledged so the provider stops retrying an event we do not act on
		p.logger.Info("Ignoring unhandled event type",
			zap.String("provider", gw.Name()),
			zap.String("event_type", txn.EventType))
		return OutcomeProcessed
	}
}

func (p *Processor) record(ctx context.Context, provider, externalID, eventType string, raw []byte, verified bool, orderID int64) {
	n := &models.NotificationRecord{
		Provider:   provider,
		ExternalID: externalID,
		EventType:  eventType,
		RawPayload: raw,
		Verified:   verified,
	}
	if orderID != 0 {
		n.OrderID = sql.NullInt64{Int64: orderID, Valid: true}
	}
	if err := p.store.RecordNotification(ctx, n); err != nil {
		p.logger.Error("Failed to persist notification record", zap.Error(err))
	}
}
