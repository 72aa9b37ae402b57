package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics 单个实例的指标集合, 注册在独立的Registry上
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal *prometheus.CounterVec
	Commits       *prometheus.CounterVec
	Flushes       *prometheus.CounterVec
	FlushDuration prometheus.Histogram
	BufferBytes   prometheus.Gauge
	Tables        prometheus.Gauge
	UpsertedCells prometheus.Counter
}

func New(instance string) *Metrics {
	labels := prometheus.Labels{"instance_id": instance}
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "onetierdb_requests_total",
				Help:        "Total number of requests",
				ConstLabels: labels,
			},
			[]string{"method"},
		),
		Commits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "onetierdb_commits_total",
				Help:        "Buffer commits by kind (temp, full)",
				ConstLabels: labels,
			},
			[]string{"kind"},
		),
		Flushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "onetierdb_flushes_total",
				Help:        "Table flushes by result",
				ConstLabels: labels,
			},
			[]string{"result"},
		),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "onetierdb_flush_duration_seconds",
			Help:        "Time spent writing one table file",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		BufferBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "onetierdb_buffer_bytes",
			Help:        "Bytes inserted into the write buffer since the last full commit",
			ConstLabels: labels,
		}),
		Tables: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "onetierdb_tables",
			Help:        "Tables held by the append queue",
			ConstLabels: labels,
		}),
		UpsertedCells: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "onetierdb_upserted_cells_total",
			Help:        "Cells written into the write buffer",
			ConstLabels: labels,
		}),
	}
	m.Registry.MustRegister(
		m.RequestsTotal,
		m.Commits,
		m.Flushes,
		m.FlushDuration,
		m.BufferBytes,
		m.Tables,
		m.UpsertedCells,
	)
	return m
}
