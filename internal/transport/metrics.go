package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request outcomes recorded in loom_requests_total.
const (
	outcomeOK       = "ok"
	outcomeError    = "error"
	outcomeRejected = "rejected"
	outcomeCanceled = "canceled"
)

var (
	connectionsAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_connections_accepted_total",
			Help: "Total number of accepted client connections",
		},
	)

	connectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_connections_open",
			Help: "Current number of registered client connections",
		},
	)

	connectionsReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_connections_reaped_total",
			Help: "Total number of connections closed by the idle reaper",
		},
	)

	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_requests_total",
			Help: "Total number of framed requests by outcome",
		},
		[]string{"outcome"},
	)

	bytesRead = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_bytes_read_total",
			Help: "Total bytes read from client sockets",
		},
	)

	bytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_bytes_written_total",
			Help: "Total bytes written to client sockets",
		},
	)
)
