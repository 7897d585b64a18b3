package worker

import "github.com/prometheus/client_golang/prometheus"

var (
	// fetchOutcomes counts intercepted requests by strategy and outcome.
	fetchOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pantry_fetch_total",
			Help: "Intercepted requests by strategy and outcome.",
		},
		[]string{"strategy", "outcome"},
	)

	// revalidations counts background refreshes: updated, unchanged, ignored,
	// failed or skipped (semaphore full).
	revalidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pantry_revalidations_total",
			Help: "Background stale-while-revalidate refreshes by result.",
		},
		[]string{"result"},
	)

	lifecycle = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pantry_lifecycle_transitions_total",
			Help: "Install and activate attempts by result.",
		},
		[]string{"transition", "result"},
	)
)

func init() {
	prometheus.MustRegister(fetchOutcomes, revalidations, lifecycle)
}

func observeLifecycle(transition string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	lifecycle.WithLabelValues(transition, result).Inc()
}
