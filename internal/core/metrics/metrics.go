// Package metrics holds the Prometheus collectors describing nmtboard itself.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingestion metrics
	linesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nmtboard_lines_total",
			Help: "Log lines read, by parse outcome",
		},
		[]string{"outcome"},
	)

	pointsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nmtboard_points_total",
			Help: "Metric points produced by the accumulator",
		},
	)

	sourceResetsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nmtboard_source_resets_total",
			Help: "Log files read again from the start after truncation or rotation",
		},
	)

	sourcesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nmtboard_sources_active",
			Help: "Number of log files currently tracked",
		},
	)

	tickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nmtboard_tick_duration_seconds",
			Help:    "Duration of one polling tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Sink metrics
	sinkPushTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nmtboard_sink_push_total",
			Help: "Sink pushes by result",
		},
		[]string{"sink", "result"},
	)

	sinkPending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nmtboard_sink_pending_points",
			Help: "Points waiting to be delivered to a sink",
		},
		[]string{"sink"},
	)

	sinkWatermark = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nmtboard_sink_watermark_step",
			Help: "Highest step delivered to a sink",
		},
		[]string{"sink"},
	)
)

// Handler returns the Prometheus metrics handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordLine counts one line by its parse outcome.
func RecordLine(outcome string) {
	linesTotal.WithLabelValues(outcome).Inc()
}

func RecordPoints(n int) {
	pointsTotal.Add(float64(n))
}

func RecordSourceReset() {
	sourceResetsTotal.Inc()
}

func SetActiveSources(n int) {
	sourcesActive.Set(float64(n))
}

func ObserveTick(d time.Duration) {
	tickDuration.Observe(d.Seconds())
}

// RecordSinkPush records the outcome of one push: ok, error, timeout or busy.
func RecordSinkPush(sink, result string) {
	sinkPushTotal.WithLabelValues(sink, result).Inc()
}

// SetSinkState publishes the pending size and watermark of a sink.
func SetSinkState(sink string, pending int, watermark int64) {
	sinkPending.WithLabelValues(sink).Set(float64(pending))
	sinkWatermark.WithLabelValues(sink).Set(float64(watermark))
}
