package main

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics
// Package-level so middleware, the webhook handler and the forwarder can
// update them without threading a registry around.

var (
	// httpRequestsTotal counts all HTTP requests by route and status
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kontentrelay_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// httpRequestDuration tracks response time distribution
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kontentrelay_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// webhooksTotal counts deliveries by terminal outcome:
	// accepted, duplicate, unauthorized, invalid_payload, fault, rate_limited
	webhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kontentrelay_webhooks_total",
			Help: "Webhook deliveries by outcome",
		},
		[]string{"outcome"},
	)

	// signatureChecksTotal counts verifier results: valid, invalid, missing
	signatureChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kontentrelay_signature_checks_total",
			Help: "Webhook signature checks by result",
		},
		[]string{"result"},
	)

	// forwardsTotal counts calls to the campaign API: success, failure
	forwardsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kontentrelay_forwards_total",
			Help: "Forward attempts to the campaign API by outcome",
		},
		[]string{"outcome"},
	)

	forwardDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kontentrelay_forward_duration_seconds",
			Help:    "Duration of forward attempts in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// buildInfo is always 1, labels carry the metadata
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kontentrelay_info",
			Help: "Build information (always 1)",
		},
		[]string{"version", "environment"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(webhooksTotal)
	prometheus.MustRegister(signatureChecksTotal)
	prometheus.MustRegister(forwardsTotal)
	prometheus.MustRegister(forwardDuration)
	prometheus.MustRegister(buildInfo)
}

// recordBuildInfo is called once the environment is known.
func recordBuildInfo(environment string) {
	buildInfo.WithLabelValues(version, environment).Set(1)
}
