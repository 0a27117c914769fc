package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// StripeGateway verifies Stripe-style webhooks: an HMAC-SHA256 signature
// over "<timestamp>.<payload>" carried in the Stripe-Signature header as
// "t=<unix>,v1=<hex>", with a tolerance window against replay.
type StripeGateway struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

// NewStripeGateway creates the stripe adapter
func NewStripeGateway(secret string, tolerance time.Duration) *StripeGateway {
	return &StripeGateway{
		secret:    secret,
		tolerance: tolerance,
		now:       time.Now,
	}
}

func (g *StripeGateway) Name() string { return "stripe" }

// stripeEnvelope is the slice of the event payload this system reads.
type stripeEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ClientReferenceID string `json:"client_reference_id"`
			AmountTotal       int64  `json:"amount_total"`
			Amount            int64  `json:"amount"`
			Currency          string `json:"currency"`
		} `json:"object"`
	} `json:"data"`
}

var stripeEventTypes = map[string]string{
	"checkout.session.completed": EventCheckoutCompleted,
	"payment_intent.succeeded":   EventPaymentSucceeded,
	"invoice.created":            EventInvoiceCreated,
	"charge.refunded":            EventRefunded,
	"payment_intent.payment_failed": EventPaymentFailed,
}

func (g *StripeGateway) Verify(ctx context.Context, raw []byte, headers http.Header) (*Transaction, error) {
	ts, sig, err := parseSignatureHeader(headers.Get("Stripe-Signature"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerification, err)
	}

	age := g.now().Sub(time.Unix(ts, 0))
	if age > g.tolerance || age < -g.tolerance {
		return nil, fmt.Errorf("%w: signature timestamp outside tolerance", ErrVerification)
	}

	mac := hmac.New(sha256.New, []byte(g.secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(raw)
	expected := mac.Sum(nil)

	got, err := hex.DecodeString(sig)
	if err != nil || !hmac.Equal(expected, got) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrVerification)
	}

	var env stripeEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: unparseable payload: %v", ErrVerification, err)
	}
	if env.ID == "" {
		return nil, fmt.Errorf("%w: missing event id", ErrVerification)
	}

	orderID, err := strconv.ParseInt(env.Data.Object.ClientReferenceID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: missing order reference", ErrVerification)
	}

	gross := env.Data.Object.AmountTotal
	if gross == 0 {
		gross = env.Data.Object.Amount
	}

	eventType, ok := stripeEventTypes[env.Type]
	if !ok {
		eventType = env.Type
	}

	return &Transaction{
		ExternalID: env.ID,
		OrderID:    orderID,
		Gross:      gross, // stripe amounts are already minor units
		Currency:   strings.ToUpper(env.Data.Object.Currency),
		EventType:  eventType,
	}, nil
}

// parseSignatureHeader splits "t=<unix>,v1=<hex>" into its parts.
func parseSignatureHeader(header string) (ts int64, sig string, err error) {
	if header == "" {
		return 0, "", fmt.Errorf("missing signature header")
	}
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts, err = strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return 0, "", fmt.Errorf("bad signature timestamp")
			}
		case "v1":
			sig = kv[1]
		}
	}
	if ts == 0 || sig == "" {
		return 0, "", fmt.Errorf("incomplete signature header")
	}
	return ts, sig, nil
}
