package store

import (
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

var (
	// Blocking queries sit at the wait ceiling, so the histogram needs
	// buckets well past typical request latencies.
	requestDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "sacar",
		Subsystem: "store",
		Name:      "request_duration_seconds",
		Help:      "Duration of state store requests, in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	}, []string{"op", "success"})
)
