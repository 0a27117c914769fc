package models

import "time"

// Event types
const (
	EventTypeOrderStatusChanged = "ORDER_STATUS_CHANGED"
	EventTypePaymentRecorded    = "PAYMENT_RECORDED"
	EventTypeCouponPurchased    = "COUPON_PURCHASED"
	EventTypeCouponApplied      = "COUPON_APPLIED"
	EventTypeCouponExpired      = "COUPON_EXPIRED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderStatusChangedEvent published on every effective status transition
type OrderStatusChangedEvent struct {
	BaseEvent
	OrderID   int64  `json:"order_id"`
	UserID    int64  `json:"user_id"`
	Email     string `json:"email,omitempty"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
	Notify    bool   `json:"notify"`
}

// PaymentRecordedEvent published when a payment lands in the ledger
type PaymentRecordedEvent struct {
	BaseEvent
	OrderID     int64  `json:"order_id"`
	PaymentID   int64  `json:"payment_id"`
	Gateway     string `json:"gateway"`
	ExternalRef string `json:"external_ref"`
	Amount      int64  `json:"amount"`
}

// CouponPurchasedEvent published when a gift-card instrument is minted;
// drives the recipient email.
type CouponPurchasedEvent struct {
	BaseEvent
	Code    string `json:"code"`
	BuyerID int64  `json:"buyer_id"`
	Email   string `json:"email,omitempty"`
	Amount  int64  `json:"amount"`
	OrderID int64  `json:"order_id,omitempty"`
}

// CouponAppliedEvent published after a successful store-credit application
type CouponAppliedEvent struct {
	BaseEvent
	BuyerID int64 `json:"buyer_id"`
	OrderID int64 `json:"order_id"`
	Amount  int64 `json:"amount"`
}

// CouponExpiredEvent published per instrument zeroed by the expiry sweep
type CouponExpiredEvent struct {
	BaseEvent
	Code    string `json:"code"`
	BuyerID int64  `json:"buyer_id"`
	Email   string `json:"email,omitempty"`
	Amount  int64  `json:"amount"`
}
