package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"shop-core/internal/models"
	"shop-core/internal/util"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrUnknownStatus    = errors.New("unknown order status")
	ErrNotRefundable    = errors.New("order has no settled payment to refund")
	ErrOrderNotInCart   = errors.New("order is no longer a cart")
	ErrOrderNotOpen     = errors.New("order no longer accepts store credit")
	ErrGuestCredit      = errors.New("store credit requires a registered buyer")
	ErrCreditExceedsDue = errors.New("credit exceeds the order's balance due")
)

// OrderStore is the persistence surface the order aggregate needs.
type OrderStore interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByToken(ctx context.Context, token string) (*models.Order, error)
	GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, status string) error
	UpdateOrderTotals(ctx context.Context, order *models.Order) error
	UpdateOrderCredit(ctx context.Context, orderID, creditApplied int64, detail models.CreditMap) error
	FinalizeOrder(ctx context.Context, orderID, seqNum int64, token string, billing, shipto models.Address) error
	SetOrderNeedsReview(ctx context.Context, orderID int64) error
	AppendStatusLog(ctx context.Context, entry *models.StatusLogEntry) error
	GetStatusLog(ctx context.Context, orderID int64) ([]models.StatusLogEntry, error)
	CreateOrderItem(ctx context.Context, item *models.OrderItem) error
	UpdateOrderItemQuantity(ctx context.Context, itemID int64, quantity int) error
	UpdateOrderItemSpecial(ctx context.Context, itemID int64, special models.KV) error
	DeleteOrderItem(ctx context.Context, itemID int64) error
	GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	SumPaid(ctx context.Context, orderID int64) (int64, error)
}

// EventSink receives domain events for side-effect delivery (email, audit
// consumers). Failures are logged by callers and never block the outcome.
type EventSink interface {
	PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error
	PublishPaymentRecorded(ctx context.Context, event *models.PaymentRecordedEvent) error
	PublishCouponPurchased(ctx context.Context, event *models.CouponPurchasedEvent) error
	PublishCouponApplied(ctx context.Context, event *models.CouponAppliedEvent) error
	PublishCouponExpired(ctx context.Context, event *models.CouponExpiredEvent) error
}

// Pricer quotes shipping, handling, and discount for an order. The real
// carrier and promotion engines live outside the core.
type Pricer interface {
	Quote(ctx context.Context, order *models.Order, items []models.OrderItem) (shipping, handling, discount int64, err error)
}

type zeroPricer struct{}

func (zeroPricer) Quote(context.Context, *models.Order, []models.OrderItem) (int64, int64, int64, error) {
	return 0, 0, 0, nil
}

// OrderService owns the order aggregate: line items, totals, and the
// status state machine with its fulfillment side effects.
type OrderService struct {
	store      OrderStore
	events     EventSink
	coupons    *CouponService
	seq        *snowflake.Node
	pricer     Pricer
	currency   string
	fulfillers map[string]Fulfiller
	logger     *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(
	store OrderStore,
	events EventSink,
	coupons *CouponService,
	seq *snowflake.Node,
	pricer Pricer,
	currencyCode string,
	pluginHooks map[int64]PluginHook,
) *OrderService {
	if pricer == nil {
		pricer = zeroPricer{}
	}
	return &OrderService{
		store:      store,
		events:     events,
		coupons:    coupons,
		seq:        seq,
		pricer:     pricer,
		currency:   currencyCode,
		fulfillers: newFulfillers(coupons, store, pluginHooks),
		logger:     util.GetLogger(),
	}
}

// CreateCart opens a new order in the cart state
func (os *OrderService) CreateCart(ctx context.Context, userID int64, guestEmail string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateCart")
	defer span.End()

	order := &models.Order{
		UserID:     userID,
		GuestEmail: guestEmail,
		Status:     models.OrderStatusCart,
		Currency:   os.currency,
	}
	if err := os.store.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	os.logger.Info("Cart created", zap.Int64("order_id", order.ID), zap.Int64("user_id", userID))
	return order, nil
}

// AddItemRequest carries one cart line. UnitPrice is the price at the time
// of add; it is frozen on the item and never re-derived.
type AddItemRequest struct {
	ProductID int64     `json:"product_id" binding:"required"`
	Kind      string    `json:"kind" binding:"required"`
	Name      string    `json:"name"`
	Quantity  int       `json:"quantity" binding:"required,min=1"`
	UnitPrice int64     `json:"unit_price" binding:"required"`
	TaxRateBP int64     `json:"tax_rate_bp"`
	Options   models.KV `json:"options"`
	Special   models.KV `json:"special"`
}

// AddItem appends a line to a cart and recomputes totals
func (os *OrderService) AddItem(ctx context.Context, orderID int64, req *AddItemRequest) (*models.OrderItem, error) {
	order, err := os.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusCart {
		return nil, ErrOrderNotInCart
	}
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("quantity must be positive, got %d", req.Quantity)
	}
	if _, ok := os.fulfillers[req.Kind]; !ok {
		return nil, fmt.Errorf("unknown item kind: %s", req.Kind)
	}

	item := &models.OrderItem{
		OrderID:   orderID,
		ProductID: req.ProductID,
		Kind:      req.Kind,
		Name:      req.Name,
		Quantity:  req.Quantity,
		UnitPrice: req.UnitPrice,
		TaxRateBP: req.TaxRateBP,
		Options:   req.Options,
		Special:   req.Special,
	}
	if err := os.store.CreateOrderItem(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to create order item: %w", err)
	}

	if err := os.RecomputeTotals(ctx, order); err != nil {
		return nil, err
	}
	return item, nil
}

// UpdateItemQuantity changes a cart line and recomputes totals
func (os *OrderService) UpdateItemQuantity(ctx context.Context, orderID, itemID int64, quantity int) error {
	order, err := os.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != models.OrderStatusCart {
		return ErrOrderNotInCart
	}
	if quantity <= 0 {
		return fmt.Errorf("quantity must be positive, got %d", quantity)
	}
	if err := os.store.UpdateOrderItemQuantity(ctx, itemID, quantity); err != nil {
		return err
	}
	return os.RecomputeTotals(ctx, order)
}

// RemoveItem drops a cart line and recomputes totals
func (os *OrderService) RemoveItem(ctx context.Context, orderID, itemID int64) error {
	order, err := os.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != models.OrderStatusCart {
		return ErrOrderNotInCart
	}
	if err := os.store.DeleteOrderItem(ctx, itemID); err != nil {
		return err
	}
	return os.RecomputeTotals(ctx, order)
}

// RecomputeTotals re-runs the money math from the line items. Never cached
// across calls; every mutating path ends here. Invariant:
// total = subtotal + tax + shipping + handling - discount.
func (os *OrderService) RecomputeTotals(ctx context.Context, order *models.Order) error {
	items, err := os.store.GetOrderItemsByOrderID(ctx, order.ID)
	if err != nil {
		return fmt.Errorf("failed to get order items: %w", err)
	}

	var subtotal, tax int64
	for _, item := range items {
		line := item.UnitPrice * int64(item.Quantity)
		subtotal += line
		tax += (line*item.TaxRateBP + 5000) / 10000
	}

	shipping, handling, discount, err := os.pricer.Quote(ctx, order, items)
	if err != nil {
		return fmt.Errorf("failed to quote rates: %w", err)
	}

	order.Subtotal = subtotal
	order.Tax = tax
	order.Shipping = shipping
	order.Handling = handling
	order.Discount = discount
	order.Total = subtotal + tax + shipping + handling - discount
	if order.Total < 0 {
		order.Total = 0
	}

	return os.store.UpdateOrderTotals(ctx, order)
}

// Checkout finalizes a cart: address snapshots are copied onto the order,
// the sequence number and anonymous-access token are minted, and the order
// moves to pending.
func (os *OrderService) Checkout(ctx context.Context, orderID int64, billing, shipto models.Address, paymentMethod string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Checkout")
	defer span.End()

	order, err := os.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusCart {
		return nil, ErrOrderNotInCart
	}

	items, err := os.store.GetOrderItemsByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("cannot check out an empty cart")
	}

	seqNum := os.seq.Generate().Int64()
	token := uuid.New().String()
	if err := os.store.FinalizeOrder(ctx, orderID, seqNum, token, billing, shipto); err != nil {
		return nil, fmt.Errorf("failed to finalize order: %w", err)
	}
	order.SeqNum = seqNum
	order.Token = token
	order.Billing = billing
	order.Shipto = shipto
	order.PaymentMethod = paymentMethod

	if err := os.RecomputeTotals(ctx, order); err != nil {
		return nil, err
	}
	if err := os.UpdateStatus(ctx, orderID, models.OrderStatusPending, "checkout", "", true); err != nil {
		return nil, err
	}
	order.Status = models.OrderStatusPending

	// credit drawn at the cart stage may already cover the whole order
	if err := os.SettleIfCovered(ctx, orderID, "checkout"); err != nil {
		os.logger.Error("Failed to settle credit-covered order",
			zap.Int64("order_id", orderID), zap.Error(err))
	} else if fresh, err := os.store.GetOrderByID(ctx, orderID); err == nil {
		order.Status = fresh.Status
	}

	return order, nil
}

// ApplyCredit draws store credit from the buyer's instruments onto the
// order. All-or-nothing per the coupon ledger contract. Credit is only
// accepted on open (cart or pending) orders and never beyond the balance
// due, so amount_paid + credit_applied can never exceed the total.
func (os *OrderService) ApplyCredit(ctx context.Context, orderID, amount int64) (map[string]int64, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ApplyCredit")
	defer span.End()

	order, err := os.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID == 0 {
		return nil, ErrGuestCredit
	}
	if order.Status != models.OrderStatusCart && order.Status != models.OrderStatusPending {
		return nil, ErrOrderNotOpen
	}

	paid, err := os.store.SumPaid(ctx, orderID)
	if err != nil {
		return nil, err
	}
	due := order.Total - order.CreditApplied - paid
	if amount > due {
		return nil, fmt.Errorf("%w: %d over a due of %d", ErrCreditExceedsDue, amount, due)
	}

	applied, err := os.coupons.Apply(ctx, order.UserID, amount, orderID, "checkout")
	if err != nil {
		return nil, err
	}

	detail := order.CreditDetail
	if detail == nil {
		detail = models.CreditMap{}
	}
	for code, v := range applied {
		detail[code] += v
	}
	order.CreditApplied += amount
	order.CreditDetail = detail
	if err := os.store.UpdateOrderCredit(ctx, orderID, order.CreditApplied, detail); err != nil {
		return nil, fmt.Errorf("failed to record applied credit: %w", err)
	}

	// a pending order fully covered by credit sees no gateway payment, so
	// settlement has to happen here
	if order.Status == models.OrderStatusPending {
		if err := os.SettleIfCovered(ctx, orderID, "checkout"); err != nil {
			os.logger.Error("Failed to settle credit-covered order",
				zap.Int64("order_id", orderID), zap.Error(err))
		}
	}

	return applied, nil
}

// UpdateStatus drives the state machine. Rules:
//   - unrecognized target: ErrUnknownStatus
//   - same status: no-op that still appends a comment when one is supplied
//   - lower or equal precedence: silent no-op (tolerates out-of-order
//     gateway notifications; no duplicate log entries)
//   - refunded: only from a settled state
//
// Effective transitions persist the status, append one log row, publish an
// event, and run transition-specific side effects.
func (os *OrderService) UpdateStatus(ctx context.Context, orderID int64, newStatus, actor, comment string, notify bool) error {
	ctx, span := util.StartSpan(ctx, "OrderService.UpdateStatus")
	defer span.End()

	newRank, ok := models.StatusRank(newStatus)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStatus, newStatus)
	}

	order, err := os.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}

	if order.Status == newStatus {
		if comment != "" {
			entry := &models.StatusLogEntry{
				OrderID:   orderID,
				OldStatus: order.Status,
				NewStatus: newStatus,
				Actor:     actor,
				Comment:   comment,
				Notify:    notify,
			}
			if err := os.store.AppendStatusLog(ctx, entry); err != nil {
				return fmt.Errorf("failed to append status log: %w", err)
			}
		}
		return nil
	}

	if newStatus == models.OrderStatusRefunded && !models.StatusSettled(order.Status) {
		return fmt.Errorf("order %d in %s: %w", orderID, order.Status, ErrNotRefundable)
	}

	curRank, _ := models.StatusRank(order.Status)
	if newRank <= curRank {
		os.logger.Info("Ignoring lower-precedence status",
			zap.Int64("order_id", orderID),
			zap.String("current", order.Status),
			zap.String("requested", newStatus))
		return nil
	}

	if err := os.store.UpdateOrderStatus(ctx, orderID, newStatus); err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}

	entry := &models.StatusLogEntry{
		OrderID:   orderID,
		OldStatus: order.Status,
		NewStatus: newStatus,
		Actor:     actor,
		Comment:   comment,
		Notify:    notify,
	}
	if err := os.store.AppendStatusLog(ctx, entry); err != nil {
		return fmt.Errorf("failed to append status log: %w", err)
	}

	os.logger.Info("Order status changed",
		zap.Int64("order_id", orderID),
		zap.String("old", order.Status),
		zap.String("new", newStatus),
		zap.String("actor", actor))

	event := &models.OrderStatusChangedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderStatusChanged,
			Timestamp: time.Now(),
		},
		OrderID:   orderID,
		UserID:    order.UserID,
		Email:     order.GuestEmail,
		OldStatus: order.Status,
		NewStatus: newStatus,
		Notify:    notify,
	}
	if err := os.events.PublishOrderStatusChanged(ctx, event); err != nil {
		os.logger.Error("Failed to publish OrderStatusChanged event", zap.Error(err))
	}

	switch {
	case models.StatusSettled(newStatus) && !models.StatusSettled(order.Status):
		util.OrdersPaidTotal.Inc()
		os.fulfillPurchase(ctx, order)
	case newStatus == models.OrderStatusRefunded:
		util.OrdersRefundedTotal.Inc()
		os.handleRefund(ctx, order)
	case newStatus == models.OrderStatusCanceled:
		os.restoreCredit(ctx, order)
	}

	return nil
}

// fulfillPurchase runs the per-item purchase handlers. A handler failure is
// logged and flags the order for manual review; the payment stands.
func (os *OrderService) fulfillPurchase(ctx context.Context, order *models.Order) {
	items, err := os.store.GetOrderItemsByOrderID(ctx, order.ID)
	if err != nil {
		os.logger.Error("Failed to load items for fulfillment",
			zap.Int64("order_id", order.ID), zap.Error(err))
		return
	}

	for i := range items {
		item := &items[i]
		fulfiller, ok := os.fulfillers[item.Kind]
		if !ok {
			os.logger.Error("No fulfiller for item kind",
				zap.Int64("item_id", item.ID), zap.String("kind", item.Kind))
			continue
		}
		if err := fulfiller.HandlePurchase(ctx, order, item); err != nil {
			util.FulfillmentFailuresTotal.WithLabelValues(item.Kind).Inc()
			os.logger.Error("Fulfillment handler failed",
				zap.Int64("order_id", order.ID),
				zap.Int64("item_id", item.ID),
				zap.String("kind", item.Kind),
				zap.Error(err))
			if err := os.store.SetOrderNeedsReview(ctx, order.ID); err != nil {
				os.logger.Error("Failed to flag order for review", zap.Error(err))
			}
		}
	}
}

// handleRefund runs the per-item refund handlers and restores store credit
// that funded the order.
func (os *OrderService) handleRefund(ctx context.Context, order *models.Order) {
	items, err := os.store.GetOrderItemsByOrderID(ctx, order.ID)
	if err != nil {
		os.logger.Error("Failed to load items for refund",
			zap.Int64("order_id", order.ID), zap.Error(err))
		return
	}

	for i := range items {
		item := &items[i]
		fulfiller, ok := os.fulfillers[item.Kind]
		if !ok {
			continue
		}
		if err := fulfiller.HandleRefund(ctx, order, item); err != nil {
			os.logger.Error("Refund handler failed",
				zap.Int64("order_id", order.ID),
				zap.Int64("item_id", item.ID),
				zap.Error(err))
		}
	}

	os.restoreCredit(ctx, order)
}

// restoreCredit returns applied store credit to its instruments, per-code.
func (os *OrderService) restoreCredit(ctx context.Context, order *models.Order) {
	if order.CreditApplied == 0 || len(order.CreditDetail) == 0 {
		return
	}

	for code, amount := range order.CreditDetail {
		if err := os.coupons.Restore(ctx, code, amount, order.ID, "revert"); err != nil {
			os.logger.Error("Failed to restore store credit",
				zap.Int64("order_id", order.ID),
				zap.String("code", code),
				zap.Error(err))
		}
	}

	if err := os.store.UpdateOrderCredit(ctx, order.ID, 0, models.CreditMap{}); err != nil {
		os.logger.Error("Failed to clear applied credit", zap.Error(err))
	}
}

// BalanceDue returns total - credit - completed payments; never negative.
func (os *OrderService) BalanceDue(ctx context.Context, orderID int64) (int64, error) {
	order, err := os.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return 0, err
	}
	paid, err := os.store.SumPaid(ctx, orderID)
	if err != nil {
		return 0, err
	}
	due := order.Total - order.CreditApplied - paid
	if due < 0 {
		due = 0
	}
	return due, nil
}

// SettleIfCovered advances a pending order to paid once completed payments
// plus applied credit cover the total. A zero-total order is covered
// trivially. Carts and already-settled orders are left alone.
func (os *OrderService) SettleIfCovered(ctx context.Context, orderID int64, actor string) error {
	order, err := os.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != models.OrderStatusPending {
		return nil
	}
	paid, err := os.store.SumPaid(ctx, orderID)
	if err != nil {
		return err
	}
	if paid+order.CreditApplied >= order.Total {
		return os.UpdateStatus(ctx, orderID, models.OrderStatusPaid, actor, "", true)
	}
	return nil
}

// GetOrder retrieves an order with its items
func (os *OrderService) GetOrder(ctx context.Context, orderID int64) (*models.Order, []models.OrderItem, error) {
	order, err := os.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	items, err := os.store.GetOrderItemsByOrderID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	return order, items, nil
}

// GetOrderByToken retrieves a guest order via its access token
func (os *OrderService) GetOrderByToken(ctx context.Context, token string) (*models.Order, []models.OrderItem, error) {
	order, err := os.store.GetOrderByToken(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	items, err := os.store.GetOrderItemsByOrderID(ctx, order.ID)
	if err != nil {
		return nil, nil, err
	}
	return order, items, nil
}

// OrdersByUser returns a buyer's order history, newest first
func (os *OrderService) OrdersByUser(ctx context.Context, userID int64) ([]models.Order, error) {
	return os.store.GetOrdersByUserID(ctx, userID)
}

// StatusLog returns the order's append-only status/comment log
func (os *OrderService) StatusLog(ctx context.Context, orderID int64) ([]models.StatusLogEntry, error) {
	return os.store.GetStatusLog(ctx, orderID)
}
