package backend

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// PebbleCollector exports LSM health and per-pool record counts of a
// Pebble backend.
type PebbleCollector struct {
	p *Pebble

	poolRecords  *prometheus.Desc
	poolCapacity *prometheus.Desc

	compactionCount *prometheus.Desc
	compactionDebt  *prometheus.Desc
	memtableSize    *prometheus.Desc
	walSize         *prometheus.Desc
	walBytesWritten *prometheus.Desc
}

func NewPebbleCollector(p *Pebble) *PebbleCollector {
	return &PebbleCollector{
		p: p,

		poolRecords: prometheus.NewDesc(
			"tagstore_pool_records",
			"Number of records held by the pool",
			[]string{"pool"}, nil,
		),
		poolCapacity: prometheus.NewDesc(
			"tagstore_pool_capacity_records",
			"Configured record capacity of the pool, 0 if unbounded",
			[]string{"pool"}, nil,
		),
		compactionCount: prometheus.NewDesc(
			"tagstore_pebble_compaction_count_total",
			"Total number of compactions performed",
			nil, nil,
		),
		compactionDebt: prometheus.NewDesc(
			"tagstore_pebble_compaction_estimated_debt_bytes",
			"Estimated number of bytes that need to be compacted to reach a stable state",
			nil, nil,
		),
		memtableSize: prometheus.NewDesc(
			"tagstore_pebble_memtable_size_bytes",
			"Current size of the memtable in bytes",
			nil, nil,
		),
		walSize: prometheus.NewDesc(
			"tagstore_pebble_wal_size_bytes",
			"Size of live WAL data in bytes",
			nil, nil,
		),
		walBytesWritten: prometheus.NewDesc(
			"tagstore_pebble_wal_bytes_written_total",
			"Total physical bytes written to the WAL",
			nil, nil,
		),
	}
}

func (pc *PebbleCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- pc.poolRecords
	ch <- pc.poolCapacity
	ch <- pc.compactionCount
	ch <- pc.compactionDebt
	ch <- pc.memtableSize
	ch <- pc.walSize
	ch <- pc.walBytesWritten
}

func (pc *PebbleCollector) Collect(ch chan<- prometheus.Metric) {
	for _, pool := range pc.p.Pools() {
		label := strconv.Itoa(int(pool.ID))
		ch <- prometheus.MustNewConstMetric(
			pc.poolRecords,
			prometheus.GaugeValue,
			float64(pc.p.Count(pool.ID)),
			label,
		)
		ch <- prometheus.MustNewConstMetric(
			pc.poolCapacity,
			prometheus.GaugeValue,
			float64(pool.Capacity),
			label,
		)
	}
	db := pc.p.DB()
	if db == nil {
		return
	}
	metrics := db.Metrics()
	ch <- prometheus.MustNewConstMetric(
		pc.compactionCount,
		prometheus.CounterValue,
		float64(metrics.Compact.Count),
	)
	ch <- prometheus.MustNewConstMetric(
		pc.compactionDebt,
		prometheus.GaugeValue,
		float64(metrics.Compact.EstimatedDebt),
	)
	ch <- prometheus.MustNewConstMetric(
		pc.memtableSize,
		prometheus.GaugeValue,
		float64(metrics.MemTable.Size),
	)
	ch <- prometheus.MustNewConstMetric(
		pc.walSize,
		prometheus.GaugeValue,
		float64(metrics.WAL.Size),
	)
	ch <- prometheus.MustNewConstMetric(
		pc.walBytesWritten,
		prometheus.CounterValue,
		float64(metrics.WAL.BytesWritten),
	)
}
