// Package metrics holds the engine's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RecordsSealed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "privacychain_records_sealed_total",
		Help: "Total number of records sealed for an owner.",
	})

	CapabilitiesIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "privacychain_capabilities_issued_total",
		Help: "Total number of capabilities issued.",
	})

	Revocations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "privacychain_revocations_total",
		Help: "Capabilities moved to revoked, by mode (single, bulk).",
	}, []string{"mode"})

	Access = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "privacychain_access_total",
		Help: "Recipient access attempts by result.",
	}, []string{"result"})

	SharesCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "privacychain_shares_created_total",
		Help: "Total number of shares created.",
	})

	OperationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "privacychain_operation_duration_seconds",
		Help:    "Engine operation duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "privacychain_http_requests_total",
		Help: "Total number of ops HTTP requests.",
	}, []string{"method", "path", "status"})
)

// Access results.
const (
	ResultOK           = "ok"
	ResultUnauthorized = "unauthorized"
	ResultInvalid      = "capability_invalid"
	ResultError        = "error"
)

func init() {
	prometheus.MustRegister(RecordsSealed, CapabilitiesIssued, Revocations, Access,
		SharesCreated, OperationDuration, HTTPRequests)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Observe records the duration of op since start. Use as
// defer metrics.Observe("issue", time.Now()).
func Observe(op string, start time.Time) {
	OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
