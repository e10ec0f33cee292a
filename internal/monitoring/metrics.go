// Package monitoring exposes the miner's Prometheus metrics.
package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the engine reports into. All fields are
// safe for concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	RoundsStarted prometheus.Counter
	RoundDuration prometheus.Histogram
	ScanBytes     prometheus.Counter
	BestDeadline  prometheus.Gauge
	Submissions   *prometheus.CounterVec
	PoolExhausted prometheus.Counter
	PlotCapacity  prometheus.Gauge
	PlotFiles     prometheus.Gauge
	FailedPlots   prometheus.Counter
}

const namespace = "karite"

// New builds the metric set on a private registry, alongside the standard
// Go runtime collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		RoundsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_started_total",
			Help:      "Mining rounds started.",
		}),
		RoundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "round_duration_seconds",
			Help:      "Wall time of completed plot scans.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		ScanBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_bytes_total",
			Help:      "Plot bytes read across all rounds.",
		}),
		BestDeadline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_deadline_seconds",
			Help:      "Best adjusted deadline found in the current round.",
		}),
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Nonce submissions by outcome.",
		}, []string{"outcome"}),
		PoolExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_pool_exhausted_total",
			Help:      "Times a reader had to wait past its timeout for a free buffer.",
		}),
		PlotCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "plot_capacity_bytes",
			Help:      "Total capacity of all readable plot files.",
		}),
		PlotFiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "plot_files",
			Help:      "Plot files in the current snapshot.",
		}),
		FailedPlots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failed_plots_total",
			Help:      "Plot files excluded after read errors.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RoundsStarted,
		m.RoundDuration,
		m.ScanBytes,
		m.BestDeadline,
		m.Submissions,
		m.PoolExhausted,
		m.PlotCapacity,
		m.PlotFiles,
		m.FailedPlots,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
