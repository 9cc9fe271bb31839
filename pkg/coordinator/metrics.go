package coordinator

import (
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	sacarmetrics "github.com/kolonialno/sacar/pkg/metrics"
)

var (
	releaseOutcomes = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "sacar",
		Subsystem: "coordinator",
		Name:      "release_outcomes_total",
		Help:      "Count of releases reaching a terminal phase, by outcome.",
	}, []string{sacarmetrics.LabelOutcome})

	// Convergence is bounded by the phase timeout, default five minutes;
	// the top bucket sits just beyond it.
	convergenceDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "sacar",
		Subsystem: "coordinator",
		Name:      "convergence_duration_seconds",
		Help:      "Time from dispatch to convergence outcome, in seconds.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 360},
	}, []string{sacarmetrics.LabelAction, sacarmetrics.LabelOutcome})

	watchersInFlight = prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
		Namespace: "sacar",
		Subsystem: "coordinator",
		Name:      "convergence_watchers",
		Help:      "Number of convergence watchers currently running.",
	}, []string{})
)
