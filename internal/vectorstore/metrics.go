package vectorstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rowsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lmassist_vectorstore_rows",
		Help: "Number of rows currently registered in the vector store.",
	})

	addDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lmassist_vectorstore_add_duration_seconds",
		Help:    "Duration of vector store write passes, embedding included.",
		Buckets: prometheus.DefBuckets,
	})

	searchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lmassist_vectorstore_search_duration_seconds",
		Help:    "Duration of vector store searches by leg (vector, fts).",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"leg"})
)
