package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "textbundle_queue_outcomes_total",
			Help: "Queue jobs finished per outcome (success, retry, failed, ignored)",
		},
		[]string{"outcome"},
	)

	queueClaimedBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "textbundle_queue_claimed_batch_size",
			Help:    "Number of jobs locked per worker tick",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250},
		},
	)

	queueStaleReleasedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "textbundle_queue_stale_released_total",
			Help: "Processing jobs returned to the queue after their lock went stale",
		},
	)

	workerSpawnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "textbundle_worker_spawns_total",
			Help: "Detached worker subprocesses started, by result",
		},
		[]string{"result"},
	)
)
