package favorites

import "github.com/prometheus/client_golang/prometheus"

// toggles counts Toggle calls by result: added, removed, not_found,
// needs_connection or error.
var toggles = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pantry_favorite_toggles_total",
		Help: "Favorite toggles by result.",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(toggles)
}
