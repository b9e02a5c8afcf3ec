package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CartMutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_mutations_total",
		Help: "Total number of cart mutations by operation",
	}, []string{"op"})

	CartMutationsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_mutations_failed_total",
		Help: "Total number of failed cart mutations",
	}, []string{"op", "reason"})

	StockReservedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_reserved_units_total",
		Help: "Total units of stock reserved",
	})

	StockReleasedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_released_units_total",
		Help: "Total units of stock released back",
	})

	StockCommittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_committed_units_total",
		Help: "Total units of stock committed to orders",
	})

	InsufficientStockTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "insufficient_stock_total",
		Help: "Total number of reservations rejected for insufficient stock",
	})

	ReserveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stock_reserve_latency_seconds",
		Help:    "Latency of stock reservation operations",
		Buckets: prometheus.DefBuckets,
	})

	TxRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storage_tx_conflicts_total",
		Help: "Total number of transactions surfaced as transient conflicts",
	})

	CheckoutsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkouts_started_total",
		Help: "Total number of checkouts started",
	})

	CheckoutsSucceededTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkouts_succeeded_total",
		Help: "Total number of checkouts with confirmed payment",
	})

	CheckoutsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkouts_failed_total",
		Help: "Total number of checkouts failed, cancelled or expired",
	}, []string{"reason"})

	OrdersPlacedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_placed_total",
		Help: "Total number of orders persisted",
	})

	PaymentAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_attempts_total",
		Help: "Total number of payment attempts",
	})

	PaymentProcessingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payment_processing_latency_seconds",
		Help:    "Latency of payment processing",
		Buckets: prometheus.DefBuckets,
	})

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
