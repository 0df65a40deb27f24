package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counter: Total HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ssdpd_http_requests_total",
			Help: "The total number of processed HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// Histogram: Response time
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ssdpd_http_request_duration_seconds",
			Help:    "The latency of the HTTP requests",
			Buckets: prometheus.DefBuckets, // .005s to 10s
		},
		[]string{"method", "path"},
	)

	// Gauge: known SSDP devices (root devices only, local + remote)
	SSDPKnownDevices = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ssdpd_ssdp_known_devices_current",
			Help: "The current number of known SSDP root devices (local announcements plus observed peers)",
		},
	)

	// Counter: inbound SSDP datagrams processed
	SSDPDatagramsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ssdpd_ssdp_datagrams_total",
			Help: "The total number of inbound SSDP datagrams processed",
		},
	)
)
