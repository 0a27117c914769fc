package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"shop-core/config"
	"shop-core/internal/models"
	"shop-core/internal/service"
	"shop-core/internal/store"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdapter returns a canned verification result.
type fakeAdapter struct {
	txn *Transaction
	err error
}

func (f *fakeAdapter) Name() string { return "test" }

func (f *fakeAdapter) Verify(ctx context.Context, raw []byte, headers http.Header) (*Transaction, error) {
	if f.err != nil {
		return nil, f.err
	}
	cp := *f.txn
	return &cp, nil
}

// procStore backs the whole pipeline in memory: orders, the payment
// ledger, the notification log, and the idempotency claims.
type procStore struct {
	mu            sync.Mutex
	orders        map[int64]*models.Order
	payments      []models.Payment
	statusLog     []models.StatusLogEntry
	notifications []models.NotificationRecord
	processed     map[string]bool
	nextID        int64
}

func newProcStore() *procStore {
	return &procStore{
		orders:    make(map[int64]*models.Order),
		processed: make(map[string]bool),
	}
}

func claimKey(provider, externalID string) string { return provider + "|" + externalID }

func (s *procStore) seedOrder(id int64, status string, total int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[id] = &models.Order{ID: id, UserID: 7, Status: status, Currency: "USD", Total: total}
}

func (s *procStore) CreateOrder(ctx context.Context, order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	order.ID = s.nextID
	cp := *order
	s.orders[order.ID] = &cp
	return nil
}

func (s *procStore) RecordNotification(ctx context.Context, n *models.NotificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, *n)
	return nil
}

func (s *procStore) IsNotificationProcessed(ctx context.Context, provider, externalID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processed[claimKey(provider, externalID)], nil
}

func (s *procStore) MarkNotificationProcessed(ctx context.Context, provider, externalID, eventType string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := claimKey(provider, externalID)
	if s.processed[key] {
		return false, nil
	}
	s.processed[key] = true
	return true, nil
}

func (s *procStore) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, store.ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (s *procStore) GetOrderByToken(ctx context.Context, token string) (*models.Order, error) {
	return nil, store.ErrNotFound
}

func (s *procStore) GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error) {
	return nil, nil
}

func (s *procStore) UpdateOrderStatus(ctx context.Context, orderID int64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return store.ErrNotFound
	}
	o.Status = status
	return nil
}

func (s *procStore) UpdateOrderTotals(ctx context.Context, order *models.Order) error { return nil }

func (s *procStore) UpdateOrderCredit(ctx context.Context, orderID, creditApplied int64, detail models.CreditMap) error {
	return nil
}

func (s *procStore) FinalizeOrder(ctx context.Context, orderID, seqNum int64, token string, billing, shipto models.Address) error {
	return nil
}

func (s *procStore) SetOrderNeedsReview(ctx context.Context, orderID int64) error { return nil }

func (s *procStore) AppendStatusLog(ctx context.Context, entry *models.StatusLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusLog = append(s.statusLog, *entry)
	return nil
}

func (s *procStore) GetStatusLog(ctx context.Context, orderID int64) ([]models.StatusLogEntry, error) {
	return nil, nil
}

func (s *procStore) CreateOrderItem(ctx context.Context, item *models.OrderItem) error { return nil }

func (s *procStore) UpdateOrderItemQuantity(ctx context.Context, itemID int64, quantity int) error {
	return nil
}

func (s *procStore) UpdateOrderItemSpecial(ctx context.Context, itemID int64, special models.KV) error {
	return nil
}

func (s *procStore) DeleteOrderItem(ctx context.Context, itemID int64) error { return nil }

func (s *procStore) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	return nil, nil
}

func (s *procStore) CreatePayment(ctx context.Context, payment *models.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.Gateway == payment.Gateway && p.ExternalRef == payment.ExternalRef {
			return store.ErrDuplicatePayment
		}
	}
	s.nextID++
	payment.ID = s.nextID
	s.payments = append(s.payments, *payment)
	return nil
}

func (s *procStore) GetPaymentByID(ctx context.Context, id int64) (*models.Payment, error) {
	return nil, store.ErrNotFound
}

func (s *procStore) GetPaymentsByOrderID(ctx context.Context, orderID int64) ([]models.Payment, error) {
	return nil, nil
}

func (s *procStore) SumPaid(ctx context.Context, orderID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum int64
	for _, p := range s.payments {
		if p.OrderID == orderID && p.Completed {
			sum += p.Amount
		}
	}
	return sum, nil
}

func (s *procStore) DeletePayment(ctx context.Context, paymentID int64) error { return nil }

// nopCouponStore satisfies the coupon ledger interface; these tests never
// touch store credit.
type nopCouponStore struct{}

func (nopCouponStore) CreateCoupon(ctx context.Context, coupon *models.Coupon) error { return nil }
func (nopCouponStore) GetCouponByCode(ctx context.Context, code string) (*models.Coupon, error) {
	return nil, store.ErrNotFound
}
func (nopCouponStore) GetCouponsByBuyer(ctx context.Context, buyerID int64) ([]models.Coupon, error) {
	return nil, nil
}
func (nopCouponStore) ApplyStoreCredit(ctx context.Context, buyerID, amount, orderID int64, actor string) (map[string]int64, error) {
	return nil, store.ErrInsufficientBalance
}
func (nopCouponStore) RestoreStoreCredit(ctx context.Context, code string, amount, orderID int64, actor string) (int64, error) {
	return 0, nil
}
func (nopCouponStore) VoidCoupon(ctx context.Context, code, actor string) error   { return nil }
func (nopCouponStore) UnvoidCoupon(ctx context.Context, code, actor string) error { return nil }
func (nopCouponStore) ActivateCoupon(ctx context.Context, code string) error      { return nil }
func (nopCouponStore) ExpireCoupons(ctx context.Context, now time.Time, actor string) ([]models.Coupon, error) {
	return nil, nil
}
func (nopCouponStore) AppendCouponLog(ctx context.Context, entry *models.CouponLogEntry) error {
	return nil
}
func (nopCouponStore) GetCouponLog(ctx context.Context, code string) ([]models.CouponLogEntry, error) {
	return nil, nil
}

// nopEvents drops all published events.
type nopEvents struct{}

func (nopEvents) PublishOrderStatusChanged(ctx context.Context, e *models.OrderStatusChangedEvent) error {
	return nil
}
func (nopEvents) PublishPaymentRecorded(ctx context.Context, e *models.PaymentRecordedEvent) error {
	return nil
}
func (nopEvents) PublishCouponPurchased(ctx context.Context, e *models.CouponPurchasedEvent) error {
	return nil
}
func (nopEvents) PublishCouponApplied(ctx context.Context, e *models.CouponAppliedEvent) error {
	return nil
}
func (nopEvents) PublishCouponExpired(ctx context.Context, e *models.CouponExpiredEvent) error {
	return nil
}

// memCache is an in-memory stand-in for the redis duplicate cache.
type memCache struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMemCache() *memCache { return &memCache{seen: make(map[string]bool)} }

func (c *memCache) NotificationSeen(ctx context.Context, provider, externalID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen[claimKey(provider, externalID)], nil
}

func (c *memCache) MarkNotificationSeen(ctx context.Context, provider, externalID string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[claimKey(provider, externalID)] = true
	return nil
}

func newTestProcessor(t *testing.T, adapter Gateway, st *procStore, cache DuplicateCache) *Processor {
	t.Helper()
	events := nopEvents{}
	credits := service.NewCouponService(nopCouponStore{}, nil, events, config.CouponConfig{
		Alphabet: "ABC123", Mask: "XXXX", MaxCodeTry: 3,
	})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	orders := service.NewOrderService(st, events, credits, node, nil, "USD", nil)
	payments := service.NewPaymentService(st, orders, events)
	return NewProcessor([]Gateway{adapter}, st, payments, orders, cache)
}

func succeededTxn(externalID string, orderID, gross int64) *Transaction {
	return &Transaction{
		ExternalID: externalID,
		OrderID:    orderID,
		Gross:      gross,
		Currency:   "USD",
		EventType:  EventPaymentSucceeded,
	}
}

func TestHandleProcessesThenDeduplicates(t *testing.T) {
	st := newProcStore()
	st.seedOrder(5, models.OrderStatusPending, 2599)
	p := newTestProcessor(t, &fakeAdapter{txn: succeededTxn("pi_123", 5, 2599)}, st, nil)
	ctx := context.Background()

	assert.Equal(t, OutcomeProcessed, p.Handle(ctx, "test", []byte(`{}`), nil))

	order, _ := st.GetOrderByID(ctx, 5)
	assert.Equal(t, models.OrderStatusPaid, order.Status)
	assert.Len(t, st.payments, 1)

	// redelivery of the same event
	assert.Equal(t, OutcomeDuplicate, p.Handle(ctx, "test", []byte(`{}`), nil))
	assert.Len(t, st.payments, 1, "a redelivered notification must not add a ledger row")
	assert.Len(t, st.notifications, 2, "every inbound call is logged, duplicates included")
}

func TestHandleVerificationFailure(t *testing.T) {
	st := newProcStore()
	p := newTestProcessor(t, &fakeAdapter{err: fmt.Errorf("%w: bad signature", ErrVerification)}, st, nil)

	outcome := p.Handle(context.Background(), "test", []byte(`{}`), nil)
	assert.Equal(t, OutcomeVerifyFailed, outcome)

	require.Len(t, st.notifications, 1)
	assert.False(t, st.notifications[0].Verified)
	assert.Empty(t, st.processed, "a rejected notification must not consume its key")
	assert.Empty(t, st.payments)
}

func TestHandleUnknownOrderStaysRetriable(t *testing.T) {
	st := newProcStore()
	p := newTestProcessor(t, &fakeAdapter{txn: succeededTxn("pi_early", 9, 1000)}, st, nil)
	ctx := context.Background()

	// notification races its own order's creation
	assert.Equal(t, OutcomeUnknownOrder, p.Handle(ctx, "test", []byte(`{}`), nil))
	assert.Empty(t, st.processed, "the key must stay unclaimed so a retry can land")
	assert.Empty(t, st.payments)

	st.seedOrder(9, models.OrderStatusPending, 1000)
	assert.Equal(t, OutcomeProcessed, p.Handle(ctx, "test", []byte(`{}`), nil))
	assert.Len(t, st.payments, 1)
	order, _ := st.GetOrderByID(ctx, 9)
	assert.Equal(t, models.OrderStatusPaid, order.Status)
}

func TestHandleUnregisteredProvider(t *testing.T) {
	st := newProcStore()
	p := newTestProcessor(t, &fakeAdapter{txn: succeededTxn("x", 1, 1)}, st, nil)

	outcome := p.Handle(context.Background(), "carrier-pigeon", []byte(`{}`), nil)
	assert.Equal(t, OutcomeVerifyFailed, outcome)
}

func TestHandleRefundForUnsettledOrderTolerated(t *testing.T) {
	st := newProcStore()
	st.seedOrder(5, models.OrderStatusPending, 1000)
	txn := succeededTxn("re_1", 5, 1000)
	txn.EventType = EventRefunded
	p := newTestProcessor(t, &fakeAdapter{txn: txn}, st, nil)
	ctx := context.Background()

	// acked so the provider stops retrying, but the order does not move
	assert.Equal(t, OutcomeProcessed, p.Handle(ctx, "test", []byte(`{}`), nil))
	order, _ := st.GetOrderByID(ctx, 5)
	assert.Equal(t, models.OrderStatusPending, order.Status)
}

func TestHandleRefundSettledOrder(t *testing.T) {
	st := newProcStore()
	st.seedOrder(5, models.OrderStatusPaid, 1000)
	txn := succeededTxn("re_2", 5, 1000)
	txn.EventType = EventRefunded
	p := newTestProcessor(t, &fakeAdapter{txn: txn}, st, nil)
	ctx := context.Background()

	assert.Equal(t, OutcomeProcessed, p.Handle(ctx, "test", []byte(`{}`), nil))
	order, _ := st.GetOrderByID(ctx, 5)
	assert.Equal(t, models.OrderStatusRefunded, order.Status)
}

func TestHandleInvoiceEvent(t *testing.T) {
	st := newProcStore()
	st.seedOrder(5, models.OrderStatusPending, 1000)
	txn := succeededTxn("in_1", 5, 0)
	txn.EventType = EventInvoiceCreated
	p := newTestProcessor(t, &fakeAdapter{txn: txn}, st, nil)
	ctx := context.Background()

	assert.Equal(t, OutcomeProcessed, p.Handle(ctx, "test", []byte(`{}`), nil))
	order, _ := st.GetOrderByID(ctx, 5)
	assert.Equal(t, models.OrderStatusInvoiced, order.Status)
	assert.Empty(t, st.payments, "invoicing settles without a ledger row")
}

func TestHandleUnmappedEventTypeAcked(t *testing.T) {
	st := newProcStore()
	st.seedOrder(5, models.OrderStatusPending, 1000)
	txn := succeededTxn("ev_odd", 5, 0)
	txn.EventType = "customer.updated"
	p := newTestProcessor(t, &fakeAdapter{txn: txn}, st, nil)
	ctx := context.Background()

	assert.Equal(t, OutcomeProcessed, p.Handle(ctx, "test", []byte(`{}`), nil))
	order, _ := st.GetOrderByID(ctx, 5)
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.Empty(t, st.payments)
}

func TestHandleCacheFastPath(t *testing.T) {
	st := newProcStore()
	st.seedOrder(5, models.OrderStatusPending, 1000)
	cache := newMemCache()
	p := newTestProcessor(t, &fakeAdapter{txn: succeededTxn("pi_c", 5, 1000)}, st, cache)
	ctx := context.Background()

	assert.Equal(t, OutcomeProcessed, p.Handle(ctx, "test", []byte(`{}`), nil))
	assert.True(t, cache.seen[claimKey("test", "pi_c")], "processed keys land in the cache")

	assert.Equal(t, OutcomeDuplicate, p.Handle(ctx, "test", []byte(`{}`), nil))
	assert.Len(t, st.payments, 1)
}
