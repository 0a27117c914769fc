package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WebhooksReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhooks_received_total",
		Help: "Total number of inbound gateway notifications",
	}, []string{"provider"})

	WebhooksRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhooks_rejected_total",
		Help: "Total number of notifications failing verification",
	}, []string{"provider"})

	WebhooksDuplicateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhooks_duplicate_total",
		Help: "Total number of notifications dropped by the idempotency gate",
	}, []string{"provider"})

	WebhooksUnknownOrderTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhooks_unknown_order_total",
		Help: "Total number of notifications referencing a missing order",
	}, []string{"provider"})

	PaymentsRecordedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_recorded_total",
		Help: "Total number of payments written to the ledger",
	}, []string{"gateway"})

	OrdersPaidTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_paid_total",
		Help: "Total number of orders reaching the paid state",
	})

	OrdersRefundedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_refunded_total",
		Help: "Total number of orders refunded",
	})

	FulfillmentFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_failures_total",
		Help: "Total number of per-item fulfillment handler failures",
	}, []string{"kind"})

	CouponsAppliedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coupons_applied_total",
		Help: "Total number of successful store-credit applications",
	})

	CouponsInsufficientTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coupons_insufficient_total",
		Help: "Total number of store-credit applications rejected for insufficient balance",
	})

	CouponsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coupons_expired_total",
		Help: "Total number of instruments zeroed by the expiry sweep",
	})

	WebhookProcessingLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "webhook_processing_latency_seconds",
		Help:    "Latency of the Verify-Dispatch pipeline",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
