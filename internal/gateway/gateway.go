// Package gateway ingests asynchronous payment notifications (webhooks/IPN)
// from external providers and reconciles them against the order aggregate
// and payment ledger. Delivery is at-least-once; everything here is built
// to make reprocessing a duplicate safe.
package gateway

import (
	"context"
	"errors"
	"net/http"
)

// Canonical event types. Adapters map provider-specific payload types onto
// these; the dispatch logic never sees provider vocabulary.
const (
	EventCheckoutCompleted = "checkout.completed"
	EventPaymentSucceeded  = "payment.succeeded"
	EventInvoiceCreated    = "invoice.created"
	EventRefunded          = "charge.refunded"
	EventPaymentFailed     = "payment.failed"
)

// ErrVerification covers any authenticity failure: bad signature,
// unparseable payload, or missing order/transaction linkage. Fails closed;
// no mutation happens after it.
var ErrVerification = errors.New("notification verification failed")

// Transaction is the canonical form of a verified notification.
type Transaction struct {
	ExternalID string
	OrderID    int64
	Gross      int64 // minor units
	Currency   string
	EventType  string
}

// Gateway authenticates raw provider payloads and maps them to canonical
// transactions. One adapter per provider; the state-machine and ledger
// calls downstream are shared.
type Gateway interface {
	Name() string
	Verify(ctx context.Context, raw []byte, headers http.Header) (*Transaction, error)
}
