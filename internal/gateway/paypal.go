package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"shop-core/internal/currency"
)

// PaypalGateway verifies IPN-style notifications by echoing the payload
// back to the provider's validation endpoint and checking for VERIFIED.
// The echo call runs on a bounded-timeout client; a slow or failed call
// degrades to a verification failure, never a retry loop.
type PaypalGateway struct {
	verifyURL string
	client    *http.Client
}

// NewPaypalGateway creates the paypal adapter
func NewPaypalGateway(verifyURL string, timeout time.Duration) *PaypalGateway {
	return &PaypalGateway{
		verifyURL: verifyURL,
		client:    &http.Client{Timeout: timeout},
	}
}

func (g *PaypalGateway) Name() string { return "paypal" }

var paypalStatusTypes = map[string]string{
	"Completed": EventPaymentSucceeded,
	"Refunded":  EventRefunded,
	"Reversed":  EventRefunded,
	"Denied":    EventPaymentFailed,
	"Failed":    EventPaymentFailed,
}

func (g *PaypalGateway) Verify(ctx context.Context, raw []byte, _ http.Header) (*Transaction, error) {
	values, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: unparseable IPN body: %v", ErrVerification, err)
	}

	if err := g.echoValidate(ctx, raw); err != nil {
		return nil, err
	}

	txnID := values.Get("txn_id")
	if txnID == "" {
		return nil, fmt.Errorf("%w: missing txn_id", ErrVerification)
	}

	orderRef := values.Get("invoice")
	if orderRef == "" {
		orderRef = values.Get("custom")
	}
	orderID, err := strconv.ParseInt(orderRef, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: missing order reference", ErrVerification)
	}

	code := values.Get("mc_currency")
	cur, err := currency.Get(code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerification, err)
	}
	gross, err := cur.ToMinor(values.Get("mc_gross"))
	if err != nil {
		return nil, fmt.Errorf("%w: bad gross amount: %v", ErrVerification, err)
	}
	if gross < 0 {
		gross = -gross // refunds carry a negative gross
	}

	status := values.Get("payment_status")
	eventType, ok := paypalStatusTypes[status]
	if !ok {
		eventType = status
	}

	return &Transaction{
		ExternalID: txnID,
		OrderID:    orderID,
		Gross:      gross,
		Currency:   cur.Code,
		EventType:  eventType,
	}, nil
}

func (g *PaypalGateway) echoValidate(ctx context.Context, raw []byte) error {
	body := "cmd=_notify-validate&" + string(raw)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.verifyURL, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: validation call failed: %v", ErrVerification, err)
	}
	defer resp.Body.Close()

	reply, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}
	if strings.TrimSpace(string(reply)) != "VERIFIED" {
		return fmt.Errorf("%w: provider says %q", ErrVerification, strings.TrimSpace(string(reply)))
	}
	return nil
}
