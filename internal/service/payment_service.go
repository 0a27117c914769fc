package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"shop-core/internal/models"
	"shop-core/internal/store"
	"shop-core/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PaymentStore is the persistence surface the payment ledger needs.
type PaymentStore interface {
	CreatePayment(ctx context.Context, payment *models.Payment) error
	GetPaymentByID(ctx context.Context, id int64) (*models.Payment, error)
	GetPaymentsByOrderID(ctx context.Context, orderID int64) ([]models.Payment, error)
	SumPaid(ctx context.Context, orderID int64) (int64, error)
	DeletePayment(ctx context.Context, paymentID int64) error
}

// PaymentService is the payment ledger: one row per discrete settlement,
// unique on (gateway, external reference).
type PaymentService struct {
	store  PaymentStore
	orders *OrderService
	events EventSink
	logger *zap.Logger
}

// NewPaymentService creates a new payment service
func NewPaymentService(store PaymentStore, orders *OrderService, events EventSink) *PaymentService {
	return &PaymentService{
		store:  store,
		orders: orders,
		events: events,
		logger: util.GetLogger(),
	}
}

// Record writes one payment to the ledger and settles the order if it is
// now fully covered. A (gateway, external_ref) collision returns
// store.ErrDuplicatePayment with no other effect; callers treat it as an
// already-processed notification.
func (ps *PaymentService) Record(ctx context.Context, payment *models.Payment) error {
	ctx, span := util.StartSpan(ctx, "PaymentService.Record")
	defer span.End()

	if payment.Amount <= 0 {
		return fmt.Errorf("payment amount must be positive, got %d", payment.Amount)
	}

	if err := ps.store.CreatePayment(ctx, payment); err != nil {
		if errors.Is(err, store.ErrDuplicatePayment) {
			return err
		}
		return fmt.Errorf("failed to record payment: %w", err)
	}

	util.PaymentsRecordedTotal.WithLabelValues(payment.Gateway).Inc()
	ps.logger.Info("Payment recorded",
		zap.Int64("payment_id", payment.ID),
		zap.Int64("order_id", payment.OrderID),
		zap.String("gateway", payment.Gateway),
		zap.String("external_ref", payment.ExternalRef),
		zap.Int64("amount", payment.Amount))

	event := &models.PaymentRecordedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypePaymentRecorded,
			Timestamp: time.Now(),
		},
		OrderID:     payment.OrderID,
		PaymentID:   payment.ID,
		Gateway:     payment.Gateway,
		ExternalRef: payment.ExternalRef,
		Amount:      payment.Amount,
	}
	if err := ps.events.PublishPaymentRecorded(ctx, event); err != nil {
		ps.logger.Error("Failed to publish PaymentRecorded event", zap.Error(err))
	}

	if payment.Completed {
		if err := ps.orders.SettleIfCovered(ctx, payment.OrderID, "gateway:"+payment.Gateway); err != nil {
			ps.logger.Error("Failed to reconcile order after payment",
				zap.Int64("order_id", payment.OrderID), zap.Error(err))
		}
	}
	return nil
}

// RecordManual enters a staff-keyed payment into the ledger
func (ps *PaymentService) RecordManual(ctx context.Context, orderID, amount int64, comment, actor string) (*models.Payment, error) {
	payment := &models.Payment{
		OrderID:     orderID,
		Amount:      amount,
		Gateway:     "manual",
		ExternalRef: uuid.New().String(),
		Completed:   true,
		Comment:     fmt.Sprintf("%s (entered by %s)", comment, actor),
	}
	if err := ps.Record(ctx, payment); err != nil {
		return nil, err
	}
	return payment, nil
}

// SumPaid returns the completed-payment total for an order
func (ps *PaymentService) SumPaid(ctx context.Context, orderID int64) (int64, error) {
	return ps.store.SumPaid(ctx, orderID)
}

// List returns the ledger rows for an order
func (ps *PaymentService) List(ctx context.Context, orderID int64) ([]models.Payment, error) {
	return ps.store.GetPaymentsByOrderID(ctx, orderID)
}

// Delete removes a ledger row (administrative only) and re-runs the paid
// balance check; an order left under-covered is flagged for review.
func (ps *PaymentService) Delete(ctx context.Context, paymentID int64, actor string) error {
	payment, err := ps.store.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return err
	}
	if err := ps.store.DeletePayment(ctx, paymentID); err != nil {
		return err
	}

	ps.logger.Warn("Payment deleted",
		zap.Int64("payment_id", paymentID),
		zap.Int64("order_id", payment.OrderID),
		zap.String("actor", actor))

	order, err := ps.orders.store.GetOrderByID(ctx, payment.OrderID)
	if err != nil {
		return err
	}
	if err := ps.orders.RecomputeTotals(ctx, order); err != nil {
		return err
	}

	paid, err := ps.store.SumPaid(ctx, payment.OrderID)
	if err != nil {
		return err
	}
	if models.StatusSettled(order.Status) && paid+order.CreditApplied < order.Total {
		if err := ps.orders.store.SetOrderNeedsReview(ctx, payment.OrderID); err != nil {
			ps.logger.Error("Failed to flag under-paid order", zap.Error(err))
		}
	}
	return nil
}
