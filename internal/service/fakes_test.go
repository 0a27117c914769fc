package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"shop-core/internal/models"
	"shop-core/internal/store"
)

// memStore is an in-memory OrderStore + PaymentStore for service tests.
type memStore struct {
	mu        sync.Mutex
	orders    map[int64]*models.Order
	items     map[int64]*models.OrderItem
	payments  map[int64]*models.Payment
	statusLog []models.StatusLogEntry
	nextID    int64
}

func newMemStore() *memStore {
	return &memStore{
		orders:   make(map[int64]*models.Order),
		items:    make(map[int64]*models.OrderItem),
		payments: make(map[int64]*models.Payment),
	}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memStore) CreateOrder(ctx context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	order.ID = m.id()
	order.CreatedAt = time.Now()
	cp := *order
	m.orders[order.ID] = &cp
	return nil
}

func (m *memStore) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, store.ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (m *memStore) GetOrderByToken(ctx context.Context, token string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.Token == token {
			cp := *o
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("order token: %w", store.ErrNotFound)
}

func (m *memStore) GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Order
	for _, o := range m.orders {
		if o.UserID == userID {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (m *memStore) UpdateOrderStatus(ctx context.Context, orderID int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return store.ErrNotFound
	}
	o.Status = status
	return nil
}

func (m *memStore) UpdateOrderTotals(ctx context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[order.ID]
	if !ok {
		return store.ErrNotFound
	}
	o.Subtotal = order.Subtotal
	o.Tax = order.Tax
	o.Shipping = order.Shipping
	o.Handling = order.Handling
	o.Discount = order.Discount
	o.Total = order.Total
	return nil
}

func (m *memStore) UpdateOrderCredit(ctx context.Context, orderID, creditApplied int64, detail models.CreditMap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return store.ErrNotFound
	}
	o.CreditApplied = creditApplied
	o.CreditDetail = detail
	return nil
}

func (m *memStore) FinalizeOrder(ctx context.Context, orderID, seqNum int64, token string, billing, shipto models.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return store.ErrNotFound
	}
	o.SeqNum = seqNum
	o.Token = token
	o.Billing = billing
	o.Shipto = shipto
	return nil
}

func (m *memStore) SetOrderNeedsReview(ctx context.Context, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return store.ErrNotFound
	}
	o.NeedsReview = true
	return nil
}

func (m *memStore) AppendStatusLog(ctx context.Context, entry *models.StatusLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.ID = m.id()
	entry.CreatedAt = time.Now()
	m.statusLog = append(m.statusLog, *entry)
	return nil
}

func (m *memStore) GetStatusLog(ctx context.Context, orderID int64) ([]models.StatusLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.StatusLogEntry
	for _, e := range m.statusLog {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) CreateOrderItem(ctx context.Context, item *models.OrderItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item.ID = m.id()
	cp := *item
	m.items[item.ID] = &cp
	return nil
}

func (m *memStore) UpdateOrderItemQuantity(ctx context.Context, itemID int64, quantity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[itemID]
	if !ok {
		return store.ErrNotFound
	}
	it.Quantity = quantity
	return nil
}

func (m *memStore) UpdateOrderItemSpecial(ctx context.Context, itemID int64, special models.KV) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[itemID]
	if !ok {
		return store.ErrNotFound
	}
	it.Special = special
	return nil
}

func (m *memStore) DeleteOrderItem(ctx context.Context, itemID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, itemID)
	return nil
}

func (m *memStore) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.OrderItem
	for _, it := range m.items {
		if it.OrderID == orderID {
			out = append(out, *it)
		}
	}
	return out, nil
}

func (m *memStore) CreatePayment(ctx context.Context, payment *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.Gateway == payment.Gateway && p.ExternalRef == payment.ExternalRef {
			return store.ErrDuplicatePayment
		}
	}
	payment.ID = m.id()
	payment.CreatedAt = time.Now()
	cp := *payment
	m.payments[payment.ID] = &cp
	return nil
}

func (m *memStore) GetPaymentByID(ctx context.Context, id int64) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, fmt.Errorf("payment %d: %w", id, store.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) GetPaymentsByOrderID(ctx context.Context, orderID int64) ([]models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Payment
	for _, p := range m.payments {
		if p.OrderID == orderID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *memStore) SumPaid(ctx context.Context, orderID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum int64
	for _, p := range m.payments {
		if p.OrderID == orderID && p.Completed {
			sum += p.Amount
		}
	}
	return sum, nil
}

func (m *memStore) DeletePayment(ctx context.Context, paymentID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[paymentID]; !ok {
		return store.ErrNotFound
	}
	delete(m.payments, paymentID)
	return nil
}

// memCouponStore is an in-memory CouponStore.
type memCouponStore struct {
	mu      sync.Mutex
	coupons map[string]*models.Coupon
	order   []string // insertion order stands in for redeemed_at ordering
	log     []models.CouponLogEntry
	nextID  int64
}

func newMemCouponStore() *memCouponStore {
	return &memCouponStore{coupons: make(map[string]*models.Coupon)}
}

func (m *memCouponStore) CreateCoupon(ctx context.Context, coupon *models.Coupon) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.coupons[coupon.Code]; ok {
		return store.ErrDuplicateCode
	}
	m.nextID++
	coupon.ID = m.nextID
	cp := *coupon
	m.coupons[coupon.Code] = &cp
	m.order = append(m.order, coupon.Code)
	return nil
}

func (m *memCouponStore) GetCouponByCode(ctx context.Context, code string) (*models.Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.coupons[code]
	if !ok {
		return nil, fmt.Errorf("coupon %s: %w", code, store.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (m *memCouponStore) GetCouponsByBuyer(ctx context.Context, buyerID int64) ([]models.Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Coupon
	for _, code := range m.order {
		if c := m.coupons[code]; c.BuyerID == buyerID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *memCouponStore) ApplyStoreCredit(ctx context.Context, buyerID, amount, orderID int64, actor string) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var available int64
	for _, code := range m.order {
		c := m.coupons[code]
		if c.BuyerID == buyerID && c.Status == models.CouponStatusValid {
			available += c.Balance
		}
	}
	if available < amount {
		return nil, store.ErrInsufficientBalance
	}

	applied := make(map[string]int64)
	remaining := amount
	for _, code := range m.order {
		if remaining == 0 {
			break
		}
		c := m.coupons[code]
		if c.BuyerID != buyerID || c.Status != models.CouponStatusValid || c.Balance == 0 {
			continue
		}
		take := c.Balance
		if take > remaining {
			take = remaining
		}
		c.Balance -= take
		c.RedeemedAt.Time, c.RedeemedAt.Valid = time.Now(), true
		applied[code] = take
		remaining -= take
	}
	return applied, nil
}

func (m *memCouponStore) RestoreStoreCredit(ctx context.Context, code string, amount, orderID int64, actor string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.coupons[code]
	if !ok {
		return 0, store.ErrNotFound
	}
	restored := amount
	if headroom := c.Amount - c.Balance; restored > headroom {
		restored = headroom
	}
	c.Balance += restored
	return restored, nil
}

func (m *memCouponStore) VoidCoupon(ctx context.Context, code, actor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.coupons[code]
	if !ok {
		return store.ErrNotFound
	}
	if c.Status != models.CouponStatusValid || c.Balance == 0 {
		return store.ErrCouponNotVoidable
	}
	c.Status = models.CouponStatusVoid
	return nil
}

func (m *memCouponStore) UnvoidCoupon(ctx context.Context, code, actor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.coupons[code]
	if !ok {
		return store.ErrNotFound
	}
	c.Status = models.CouponStatusValid
	return nil
}

func (m *memCouponStore) ActivateCoupon(ctx context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.coupons[code]
	if !ok {
		return store.ErrNotFound
	}
	c.Status = models.CouponStatusValid
	return nil
}

func (m *memCouponStore) ExpireCoupons(ctx context.Context, now time.Time, actor string) ([]models.Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Coupon
	for _, code := range m.order {
		c := m.coupons[code]
		if c.ExpiresAt.Valid && c.ExpiresAt.Time.Before(now) && c.Balance > 0 {
			out = append(out, *c)
			c.Balance = 0
		}
	}
	return out, nil
}

func (m *memCouponStore) AppendCouponLog(ctx context.Context, entry *models.CouponLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	entry.ID = m.nextID
	m.log = append(m.log, *entry)
	return nil
}

func (m *memCouponStore) GetCouponLog(ctx context.Context, code string) ([]models.CouponLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.CouponLogEntry
	for _, e := range m.log {
		if e.Code == code {
			out = append(out, e)
		}
	}
	return out, nil
}

// recordingEvents captures published events.
type recordingEvents struct {
	mu            sync.Mutex
	statusChanged []models.OrderStatusChangedEvent
	payments      []models.PaymentRecordedEvent
	purchased     []models.CouponPurchasedEvent
	applied       []models.CouponAppliedEvent
	expired       []models.CouponExpiredEvent
}

func (r *recordingEvents) PublishOrderStatusChanged(ctx context.Context, e *models.OrderStatusChangedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statusChanged = append(r.statusChanged, *e)
	return nil
}

func (r *recordingEvents) PublishPaymentRecorded(ctx context.Context, e *models.PaymentRecordedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payments = append(r.payments, *e)
	return nil
}

func (r *recordingEvents) PublishCouponPurchased(ctx context.Context, e *models.CouponPurchasedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purchased = append(r.purchased, *e)
	return nil
}

func (r *recordingEvents) PublishCouponApplied(ctx context.Context, e *models.CouponAppliedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, *e)
	return nil
}

func (r *recordingEvents) PublishCouponExpired(ctx context.Context, e *models.CouponExpiredEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expired = append(r.expired, *e)
	return nil
}
