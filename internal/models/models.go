package models

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Order statuses, in lifecycle order. "invoiced" settles an order the same
// way "paid" does (net-terms flow), so both carry the same precedence.
const (
	OrderStatusCart       = "cart"
	OrderStatusPending    = "pending"
	OrderStatusCanceled   = "canceled"
	OrderStatusPaid       = "paid"
	OrderStatusInvoiced   = "invoiced"
	OrderStatusProcessing = "processing"
	OrderStatusShipped    = "shipped"
	OrderStatusClosed     = "closed"
	OrderStatusRefunded   = "refunded"
)

var statusRank = map[string]int{
	OrderStatusCart:       0,
	OrderStatusPending:    10,
	OrderStatusCanceled:   15,
	OrderStatusPaid:       20,
	OrderStatusInvoiced:   20,
	OrderStatusProcessing: 30,
	OrderStatusShipped:    40,
	OrderStatusClosed:     50,
	OrderStatusRefunded:   60,
}

// StatusRank returns the precedence of a status. ok is false for
// unrecognized values.
func StatusRank(status string) (int, bool) {
	rank, ok := statusRank[status]
	return rank, ok
}

// StatusSettled reports whether a status means the order has been paid or
// invoiced (payment side effects have run).
func StatusSettled(status string) bool {
	rank, ok := statusRank[status]
	return ok && rank >= statusRank[OrderStatusPaid] && status != OrderStatusRefunded
}

// Item kinds select the fulfillment handler for a line item.
const (
	ItemKindPhysical = "physical"
	ItemKindDownload = "download"
	ItemKindCoupon   = "coupon"
	ItemKindPlugin   = "plugin"
)

// KV is an opaque key-value bag stored as a JSON column (item options,
// special fields such as a gift-card recipient email).
type KV map[string]string

func (m KV) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *KV) Scan(src interface{}) error {
	if src == nil {
		*m = KV{}
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into KV", src)
	}
	return json.Unmarshal(b, m)
}

// CreditMap records which store-credit instruments funded an order and by
// how much, keyed by coupon code. Needed to restore the exact per-code
// amounts when an order reverts or refunds.
type CreditMap map[string]int64

func (m CreditMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *CreditMap) Scan(src interface{}) error {
	if src == nil {
		*m = CreditMap{}
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into CreditMap", src)
	}
	return json.Unmarshal(b, m)
}

// Address is a billing/shipping snapshot copied onto the order at
// finalization time, never a reference into a customer table.
type Address struct {
	Name    string `json:"name"`
	Company string `json:"company,omitempty"`
	Street  string `json:"street"`
	City    string `json:"city"`
	Region  string `json:"region,omitempty"`
	Postal  string `json:"postal,omitempty"`
	Country string `json:"country"`
}

func (a Address) Value() (driver.Value, error) {
	return json.Marshal(a)
}

func (a *Address) Scan(src interface{}) error {
	if src == nil {
		*a = Address{}
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into Address", src)
	}
	return json.Unmarshal(b, a)
}

// Order is the purchase aggregate. All money fields are integer minor units
// in the order's currency. Total is recomputed from the other fields on
// every mutation, never trusted from storage.
type Order struct {
	ID            int64         `db:"id" json:"id"`
	SeqNum        int64         `db:"seq_num" json:"seq_num,omitempty"`
	Token         string        `db:"token" json:"token,omitempty"`
	UserID        int64         `db:"user_id" json:"user_id"` // 0 for guest orders
	GuestEmail    string        `db:"guest_email" json:"guest_email,omitempty"`
	Status        string        `db:"status" json:"status"`
	Currency      string        `db:"currency" json:"currency"`
	Subtotal      int64         `db:"subtotal" json:"subtotal"`
	Tax           int64         `db:"tax" json:"tax"`
	Shipping      int64         `db:"shipping" json:"shipping"`
	Handling      int64         `db:"handling" json:"handling"`
	Discount      int64         `db:"discount" json:"discount"`
	CreditApplied int64         `db:"credit_applied" json:"credit_applied"`
	CreditDetail  CreditMap     `db:"credit_detail" json:"credit_detail,omitempty"`
	Total         int64         `db:"total" json:"total"`
	Billing       Address       `db:"billing" json:"billing"`
	Shipto        Address       `db:"shipto" json:"shipto"`
	PaymentMethod string        `db:"payment_method" json:"payment_method,omitempty"`
	GatewayRef    string        `db:"gateway_ref" json:"gateway_ref,omitempty"`
	NeedsReview   bool          `db:"needs_review" json:"needs_review,omitempty"`
	PaidAt        sql.NullTime  `db:"paid_at" json:"-"`
	CreatedAt     time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at" json:"updated_at"`
}

// OrderItem is owned by exactly one order. UnitPrice is frozen at the time
// the item is added and never re-derived from the catalog.
type OrderItem struct {
	ID        int64  `db:"id" json:"id"`
	OrderID   int64  `db:"order_id" json:"order_id"`
	ProductID int64  `db:"product_id" json:"product_id"`
	Kind      string `db:"kind" json:"kind"`
	Name      string `db:"name" json:"name"`
	Quantity  int    `db:"quantity" json:"quantity"`
	UnitPrice int64  `db:"unit_price" json:"unit_price"`
	TaxRateBP int64  `db:"tax_rate_bp" json:"tax_rate_bp"` // basis points
	Options   KV     `db:"options" json:"options,omitempty"`
	Special   KV     `db:"special" json:"special,omitempty"` // e.g. gift-card recipient
}

// StatusLogEntry is one append-only row of the order status/comment log.
type StatusLogEntry struct {
	ID        int64     `db:"id" json:"id"`
	OrderID   int64     `db:"order_id" json:"order_id"`
	OldStatus string    `db:"old_status" json:"old_status"`
	NewStatus string    `db:"new_status" json:"new_status"`
	Actor     string    `db:"actor" json:"actor"`
	Comment   string    `db:"comment" json:"comment,omitempty"`
	Notify    bool      `db:"notify" json:"notify"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Payment is one discrete settlement applied to an order. The pair
// (gateway, external_ref) is unique system-wide and is the idempotency key
// that prevents double-recording the same settlement event.
type Payment struct {
	ID          int64     `db:"id" json:"id"`
	OrderID     int64     `db:"order_id" json:"order_id"`
	Amount      int64     `db:"amount" json:"amount"`
	Gateway     string    `db:"gateway" json:"gateway"`
	ExternalRef string    `db:"external_ref" json:"external_ref"`
	Completed   bool      `db:"completed" json:"completed"`
	Comment     string    `db:"comment" json:"comment,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Coupon statuses
const (
	CouponStatusPending = "pending"
	CouponStatusValid   = "valid"
	CouponStatusVoid    = "void"
)

// Coupon is a store-credit instrument. Invariant: 0 <= Balance <= Amount.
type Coupon struct {
	ID          int64        `db:"id" json:"id"`
	Code        string       `db:"code" json:"code"`
	BuyerID     int64        `db:"buyer_id" json:"buyer_id"`
	Email       string       `db:"email" json:"email,omitempty"`
	Amount      int64        `db:"amount" json:"amount"`
	Balance     int64        `db:"balance" json:"balance"`
	Status      string       `db:"status" json:"status"`
	PurchasedAt time.Time    `db:"purchased_at" json:"purchased_at"`
	RedeemedAt  sql.NullTime `db:"redeemed_at" json:"-"`
	ExpiresAt   sql.NullTime `db:"expires_at" json:"-"`
}

// Coupon ledger reason codes
const (
	CouponReasonPurchase = "purchase"
	CouponReasonApply    = "apply"
	CouponReasonRestore  = "restore"
	CouponReasonVoid     = "void"
	CouponReasonUnvoid   = "unvoid"
	CouponReasonExpire   = "expire"
)

// CouponLogEntry is an append-only audit row. Rows are never updated or
// deleted.
type CouponLogEntry struct {
	ID        int64         `db:"id" json:"id"`
	Code      string        `db:"code" json:"code"`
	UserID    int64         `db:"user_id" json:"user_id"`
	Actor     string        `db:"actor" json:"actor"`
	OrderID   sql.NullInt64 `db:"order_id" json:"order_id,omitempty"`
	Amount    int64         `db:"amount" json:"amount"`
	Reason    string        `db:"reason" json:"reason"`
	CreatedAt time.Time     `db:"created_at" json:"created_at"`
}

// NotificationRecord is the durable log of every inbound gateway
// notification, written regardless of outcome and never mutated.
type NotificationRecord struct {
	ID         int64         `db:"id" json:"id"`
	Provider   string        `db:"provider" json:"provider"`
	ExternalID string        `db:"external_id" json:"external_id"`
	EventType  string        `db:"event_type" json:"event_type"`
	RawPayload []byte        `db:"raw_payload" json:"-"`
	Verified   bool          `db:"verified" json:"verified"`
	OrderID    sql.NullInt64 `db:"order_id" json:"order_id,omitempty"`
	CreatedAt  time.Time     `db:"created_at" json:"created_at"`
}
