package observability

import (
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	distributionMetricsOnce sync.Once
	distributionRegistry    *DistributionMetrics
)

// DistributionMetrics wraps collectors tracking distribution runs.
type DistributionMetrics struct {
	builds        *prometheus.CounterVec
	buildLatency  *prometheus.HistogramVec
	violations    *prometheus.CounterVec
	recipients    *prometheus.GaugeVec
	distributed   *prometheus.GaugeVec
	publishes     *prometheus.CounterVec
	webhooks      *prometheus.CounterVec
	cells         prometheus.Gauge
	snapshotVer   prometheus.Gauge
	lastRunFinish prometheus.Gauge
}

// Distribution exposes the lazily-initialised metrics registry for the
// distribution pipeline.
func Distribution() *DistributionMetrics {
	distributionMetricsOnce.Do(func() {
		distributionRegistry = &DistributionMetrics{
			builds: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "merkledrop",
				Subsystem: "distribution",
				Name:      "builds_total",
				Help:      "Distributor builds segmented by token class and outcome.",
			}, []string{"class", "outcome"}),
			buildLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "merkledrop",
				Subsystem: "distribution",
				Name:      "build_duration_seconds",
				Help:      "Time spent building and validating a distributor.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"class"}),
			violations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "merkledrop",
				Subsystem: "distribution",
				Name:      "violations_total",
				Help:      "Validation violations segmented by token class and kind.",
			}, []string{"class", "kind"}),
			recipients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "merkledrop",
				Subsystem: "distribution",
				Name:      "recipients",
				Help:      "Recipients in the most recent distributor per token class.",
			}, []string{"class"}),
			distributed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "merkledrop",
				Subsystem: "distribution",
				Name:      "aggregate_amount",
				Help:      "Declared aggregate amount per token class and token in base units.",
			}, []string{"class", "token"}),
			publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "merkledrop",
				Subsystem: "publisher",
				Name:      "uploads_total",
				Help:      "Content-addressed uploads segmented by outcome.",
			}, []string{"outcome"}),
			webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "merkledrop",
				Subsystem: "webhooks",
				Name:      "deliveries_total",
				Help:      "Webhook deliveries segmented by event and outcome.",
			}, []string{"event", "outcome"}),
			cells: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "merkledrop",
				Subsystem: "cumulative",
				Name:      "cells",
				Help:      "Number of (address, class, epoch) entries in the cumulative index.",
			}),
			snapshotVer: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "merkledrop",
				Subsystem: "cumulative",
				Name:      "snapshot_version",
				Help:      "Latest persisted cumulative snapshot version.",
			}),
			lastRunFinish: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "merkledrop",
				Subsystem: "pipeline",
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time the last pipeline run finished.",
			}),
		}
		prometheus.MustRegister(
			distributionRegistry.builds,
			distributionRegistry.buildLatency,
			distributionRegistry.violations,
			distributionRegistry.recipients,
			distributionRegistry.distributed,
			distributionRegistry.publishes,
			distributionRegistry.webhooks,
			distributionRegistry.cells,
			distributionRegistry.snapshotVer,
			distributionRegistry.lastRunFinish,
		)
	})
	return distributionRegistry
}

// ObserveBuild records one distributor build.
func (m *DistributionMetrics) ObserveBuild(class string, d time.Duration, err error) {
	if m == nil {
		return
	}
	label := labelClass(class)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.builds.WithLabelValues(label, outcome).Inc()
	m.buildLatency.WithLabelValues(label).Observe(d.Seconds())
}

// RecordViolations adds violation counts keyed by kind.
func (m *DistributionMetrics) RecordViolations(class string, counts map[string]int) {
	if m == nil {
		return
	}
	label := labelClass(class)
	for kind, n := range counts {
		m.violations.WithLabelValues(label, kind).Add(float64(n))
	}
}

// RecordDistributor updates the recipient and aggregate gauges for a class.
func (m *DistributionMetrics) RecordDistributor(class string, recipients int, aggregates map[string]*big.Int) {
	if m == nil {
		return
	}
	label := labelClass(class)
	m.recipients.WithLabelValues(label).Set(float64(recipients))
	for token, amount := range aggregates {
		m.distributed.WithLabelValues(label, token).Set(bigToFloat(amount))
	}
}

// RecordPublish counts an upload attempt outcome.
func (m *DistributionMetrics) RecordPublish(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.publishes.WithLabelValues("error").Inc()
		return
	}
	m.publishes.WithLabelValues("ok").Inc()
}

// RecordWebhook counts a finished webhook delivery.
func (m *DistributionMetrics) RecordWebhook(event string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.webhooks.WithLabelValues(event, outcome).Inc()
}

// RecordCumulative updates the cumulative index gauges.
func (m *DistributionMetrics) RecordCumulative(cells int, version uint64) {
	if m == nil {
		return
	}
	m.cells.Set(float64(cells))
	m.snapshotVer.Set(float64(version))
}

// MarkRunFinished stamps the completion time of a run.
func (m *DistributionMetrics) MarkRunFinished(at time.Time) {
	if m == nil {
		return
	}
	m.lastRunFinish.Set(float64(at.Unix()))
}

// WriteTextfile dumps the default registry in the node-exporter textfile
// format. Batch runs use it instead of serving /metrics.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}

func labelClass(class string) string {
	trimmed := strings.TrimSpace(class)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ToLower(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
