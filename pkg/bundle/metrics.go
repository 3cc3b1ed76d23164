package bundle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	bundlesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "textbundle_bundles_assembled_total",
			Help: "Bundles served, by result (base, complete, incomplete, cached)",
		},
		[]string{"result"},
	)

	missingLeavesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "textbundle_bundle_missing_leaves_total",
			Help: "Leaves served with source-text fallback because no translation was stored",
		},
	)
)
