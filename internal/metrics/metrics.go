package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lakehouse/extractor/internal/ingest"
)

const metricsNamespace = "extractor"

// Collector is a prometheus.Collector for ingestion cycles. It implements
// ingest.Observer.
type Collector struct {
	runs          *prometheus.CounterVec
	failures      *prometheus.CounterVec
	rows          *prometheus.CounterVec
	artifactBytes *prometheus.CounterVec
	watermarkLag  *prometheus.GaugeVec
	tableDuration *prometheus.HistogramVec
	cycleDuration prometheus.Histogram
	leader        prometheus.Gauge

	now func() time.Time
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "table_runs_total",
				Help:      "The number of table runs by outcome.",
			}, []string{"table", "outcome"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "table_failures_total",
				Help:      "The number of failed table runs by error kind.",
			}, []string{"table", "kind"},
		),
		rows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "rows_ingested_total",
				Help:      "The number of rows published to the destination.",
			}, []string{"table"},
		),
		artifactBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "artifact_bytes_total",
				Help:      "The number of artifact bytes published to the destination.",
			}, []string{"table"},
		),
		watermarkLag: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "watermark_lag_seconds",
				Help:      "Seconds between the end of the last run and the table watermark.",
			}, []string{"table"},
		),
		tableDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "table_run_duration_seconds",
				Help:      "The time taken to run one table.",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			}, []string{"table"},
		),
		cycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "cycle_duration_seconds",
				Help:      "The time taken to run all tables once.",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
		),
		leader: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "is_leader",
				Help:      "1 when this node is allowed to ingest, 0 otherwise.",
			},
		),
		now: time.Now,
	}
}

// ObserveTable is part of the ingest.Observer interface.
func (c *Collector) ObserveTable(result ingest.TableResult) {
	c.runs.WithLabelValues(result.Table, string(result.Outcome)).Inc()
	c.tableDuration.WithLabelValues(result.Table).Observe(result.Duration.Seconds())

	switch result.Outcome {
	case ingest.OutcomeFailed:
		c.failures.WithLabelValues(result.Table, string(result.Kind)).Inc()
	case ingest.OutcomeSuccess:
		c.rows.WithLabelValues(result.Table).Add(float64(result.Rows))
		c.artifactBytes.WithLabelValues(result.Table).Add(float64(result.Location.Size))
	}

	if !result.Checkpoint.IsZero() {
		c.watermarkLag.WithLabelValues(result.Table).Set(c.now().Sub(result.Checkpoint).Seconds())
	}
}

// ObserveCycle is part of the ingest.Observer interface.
func (c *Collector) ObserveCycle(report *ingest.RunReport) {
	c.cycleDuration.Observe(report.Duration.Seconds())
}

func (c *Collector) SetLeader(leader bool) {
	if leader {
		c.leader.Set(1)
		return
	}
	c.leader.Set(0)
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.runs.Describe(ch)
	c.failures.Describe(ch)
	c.rows.Describe(ch)
	c.artifactBytes.Describe(ch)
	c.watermarkLag.Describe(ch)
	c.tableDuration.Describe(ch)
	c.cycleDuration.Describe(ch)
	c.leader.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.runs.Collect(ch)
	c.failures.Collect(ch)
	c.rows.Collect(ch)
	c.artifactBytes.Collect(ch)
	c.watermarkLag.Collect(ch)
	c.tableDuration.Collect(ch)
	c.cycleDuration.Collect(ch)
	c.leader.Collect(ch)
}
