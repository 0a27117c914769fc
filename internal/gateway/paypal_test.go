package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ipnBody(overrides map[string]string) string {
	v := url.Values{}
	v.Set("txn_id", "8XY12345AB")
	v.Set("invoice", "42")
	v.Set("payment_status", "Completed")
	v.Set("mc_gross", "25.99")
	v.Set("mc_currency", "USD")
	for k, val := range overrides {
		if val == "" {
			v.Del(k)
		} else {
			v.Set(k, val)
		}
	}
	return v.Encode()
}

func ipnEcho(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		// the echo must lead with the validation command
		assert.True(t, strings.HasPrefix(string(body), "cmd=_notify-validate&"))
		io.WriteString(w, reply)
	}))
}

func TestPaypalVerifyAcceptsVerifiedIPN(t *testing.T) {
	srv := ipnEcho(t, "VERIFIED")
	defer srv.Close()
	g := NewPaypalGateway(srv.URL, 5*time.Second)

	txn, err := g.Verify(context.Background(), []byte(ipnBody(nil)), nil)
	require.NoError(t, err)

	assert.Equal(t, "8XY12345AB", txn.ExternalID)
	assert.Equal(t, int64(42), txn.OrderID)
	assert.Equal(t, int64(2599), txn.Gross)
	assert.Equal(t, "USD", txn.Currency)
	assert.Equal(t, EventPaymentSucceeded, txn.EventType)
}

func TestPaypalVerifyRejectsInvalidIPN(t *testing.T) {
	srv := ipnEcho(t, "INVALID")
	defer srv.Close()
	g := NewPaypalGateway(srv.URL, 5*time.Second)

	_, err := g.Verify(context.Background(), []byte(ipnBody(nil)), nil)
	assert.ErrorIs(t, err, ErrVerification)
}

func TestPaypalVerifyFallsBackToCustomField(t *testing.T) {
	srv := ipnEcho(t, "VERIFIED")
	defer srv.Close()
	g := NewPaypalGateway(srv.URL, 5*time.Second)

	body := ipnBody(map[string]string{"invoice": "", "custom": "77"})
	txn, err := g.Verify(context.Background(), []byte(body), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(77), txn.OrderID)
}

func TestPaypalVerifyRefundCarriesAbsoluteGross(t *testing.T) {
	srv := ipnEcho(t, "VERIFIED")
	defer srv.Close()
	g := NewPaypalGateway(srv.URL, 5*time.Second)

	body := ipnBody(map[string]string{"payment_status": "Refunded", "mc_gross": "-25.99"})
	txn, err := g.Verify(context.Background(), []byte(body), nil)
	require.NoError(t, err)
	assert.Equal(t, EventRefunded, txn.EventType)
	assert.Equal(t, int64(2599), txn.Gross)
}

func TestPaypalVerifyRejectsMissingTxnID(t *testing.T) {
	srv := ipnEcho(t, "VERIFIED")
	defer srv.Close()
	g := NewPaypalGateway(srv.URL, 5*time.Second)

	body := ipnBody(map[string]string{"txn_id": ""})
	_, err := g.Verify(context.Background(), []byte(body), nil)
	assert.ErrorIs(t, err, ErrVerification)
}

func TestPaypalVerifyRejectsUnknownCurrency(t *testing.T) {
	srv := ipnEcho(t, "VERIFIED")
	defer srv.Close()
	g := NewPaypalGateway(srv.URL, 5*time.Second)

	body := ipnBody(map[string]string{"mc_currency": "XXX"})
	_, err := g.Verify(context.Background(), []byte(body), nil)
	assert.ErrorIs(t, err, ErrVerification)
}

func TestPaypalVerifyRejectsUnreachableValidator(t *testing.T) {
	srv := ipnEcho(t, "VERIFIED")
	srv.Close() // connection refused from here on
	g := NewPaypalGateway(srv.URL, time.Second)

	_, err := g.Verify(context.Background(), []byte(ipnBody(nil)), nil)
	assert.ErrorIs(t, err, ErrVerification)
}
