package demparquet

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	listPagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "demparquet_list_pages_total",
		Help: "The total number of object listing pages read",
	})
	listedObjectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "demparquet_listed_objects_total",
		Help: "The total number of listed objects by filter outcome",
	}, []string{"outcome"})
	stageOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "demparquet_stage_outcomes_total",
		Help: "The total number of tile stage outcomes",
	}, []string{"stage", "outcome"})
	fetchedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "demparquet_fetched_bytes_total",
		Help: "The total number of bytes fetched from object storage",
	})
	stageDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "demparquet_stage_duration_seconds",
		Help:    "The duration of tile stages",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"stage"})
)

const (
	outcomeFetched = "fetched"
	outcomeSkipped = "skipped"
	outcomeDecoded = "decoded"
	outcomeWritten = "written"
	outcomeFailed  = "failed"
	outcomeKept    = "kept"
	outcomeIgnored = "ignored"
)
