package tagstore

import "github.com/prometheus/client_golang/prometheus"

var OpCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tagstore",
	Subsystem: "store",
	Name:      "ops",
}, []string{"op", "result"})

var IndexBuildDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "tagstore",
	Subsystem: "index",
	Name:      "build_duration_us",
	Buckets:   []float64{10, 50, 100, 500, 1000, 5000, 20000},
}, []string{"pool"})

var IndexTruncations = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tagstore",
	Subsystem: "index",
	Name:      "truncated",
}, []string{"pool"})

var OpenHandles = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "tagstore",
	Subsystem: "index",
	Name:      "open_handles",
})

var WipeCount = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "tagstore",
	Subsystem: "store",
	Name:      "wipes",
})

var FatalCount = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "tagstore",
	Subsystem: "store",
	Name:      "fatal",
})

// Collectors lists the store metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		OpCount,
		IndexBuildDuration,
		IndexTruncations,
		OpenHandles,
		WipeCount,
		FatalCount,
	}
}

func countOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	OpCount.WithLabelValues(op, result).Inc()
}
