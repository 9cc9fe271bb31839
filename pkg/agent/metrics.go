package agent

import (
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	sacarmetrics "github.com/kolonialno/sacar/pkg/metrics"
)

var (
	protocolRuns = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "sacar",
		Subsystem: "agent",
		Name:      "protocol_runs_total",
		Help:      "Count of protocol runs, by action and outcome.",
	}, []string{sacarmetrics.LabelAction, sacarmetrics.LabelSuccess})

	// Most of a prepare is the download and dependency install; the
	// buckets reach into minutes for cold caches on slow links.
	protocolDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "sacar",
		Subsystem: "agent",
		Name:      "protocol_duration_seconds",
		Help:      "Duration of protocol runs, in seconds.",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
	}, []string{sacarmetrics.LabelAction, sacarmetrics.LabelSuccess})
)
