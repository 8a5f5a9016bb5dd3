package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "furyshare_active_sessions",
		Help: "Number of peer sessions with an open data channel",
	})

	BytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "furyshare_bytes_sent_total",
		Help: "Total file bytes sent over data channels",
	})

	BytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "furyshare_bytes_received_total",
		Help: "Total file bytes received over data channels",
	})

	NegotiationFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "furyshare_negotiation_failures_total",
		Help: "Number of peer sessions that failed before or after connecting",
	})

	SignalingReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "furyshare_signaling_reconnects_total",
		Help: "Number of signaling reconnect attempts",
	})

	RelayConnectedPeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "furyshare_relay_connected_peers",
		Help: "Number of clients registered on the signaling relay",
	})

	RelayForwarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "furyshare_relay_forwarded_total",
		Help: "Signaling envelopes handled by the relay, by outcome",
	}, []string{"outcome"})

	TransferDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "furyshare_transfer_duration_seconds",
		Help:    "Duration of completed outbound file transfers",
		Buckets: prometheus.DefBuckets,
	})
)

var registerOnce sync.Once

// Register registers all collectors with the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			ActiveSessions,
			BytesSent,
			BytesReceived,
			NegotiationFailures,
			SignalingReconnects,
			RelayConnectedPeers,
			RelayForwarded,
			TransferDuration,
		)
	})
}
