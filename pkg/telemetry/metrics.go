package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the chat collectors. It satisfies the orchestrator's
// recorder and the thread store's chunk observer.
type Metrics struct {
	rounds          *prometheus.CounterVec
	roundDuration   *prometheus.HistogramVec
	chunks          *prometheus.CounterVec
	toolIterations  prometheus.Counter
	pauses          *prometheus.CounterVec
	titles          *prometheus.CounterVec
	streamsInFlight prometheus.Gauge
}

// NewMetrics registers the collectors on reg. Passing a fresh registry
// keeps tests independent of the default one.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		rounds: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "threadline",
				Subsystem: "chat",
				Name:      "rounds_total",
				Help:      "Completed chat rounds by outcome",
			},
			[]string{"outcome"},
		),
		roundDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "threadline",
				Subsystem: "chat",
				Name:      "round_duration_seconds",
				Help:      "Time from request to end of stream",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"outcome"},
		),
		chunks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "threadline",
				Subsystem: "stream",
				Name:      "chunks_total",
				Help:      "Stream chunks by merge result",
			},
			[]string{"result"},
		),
		toolIterations: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "threadline",
				Subsystem: "tool",
				Name:      "auto_iterations_total",
				Help:      "Automatic resubmissions for pending tool calls",
			},
		),
		pauses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "threadline",
				Subsystem: "tool",
				Name:      "pause_reasons_total",
				Help:      "Pause reasons surfaced to the user by type",
			},
			[]string{"type"},
		),
		titles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "threadline",
				Subsystem: "title",
				Name:      "requests_total",
				Help:      "Title generation requests by result",
			},
			[]string{"result"},
		),
		streamsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "threadline",
				Subsystem: "stream",
				Name:      "in_flight",
				Help:      "Streams currently being consumed",
			},
		),
	}
}

func (m *Metrics) RoundFinished(outcome string, elapsed time.Duration) {
	m.rounds.WithLabelValues(outcome).Inc()
	m.roundDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) ToolIteration() {
	m.toolIterations.Inc()
}

func (m *Metrics) Paused(confirmations, denials int) {
	m.pauses.WithLabelValues("confirmation").Add(float64(confirmations))
	m.pauses.WithLabelValues("denial").Add(float64(denials))
}

func (m *Metrics) TitleGenerated(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.titles.WithLabelValues(result).Inc()
}

func (m *Metrics) StreamsInFlight(delta int) {
	m.streamsInFlight.Add(float64(delta))
}

func (m *Metrics) ChunkApplied(string) {
	m.chunks.WithLabelValues("applied").Inc()
}

func (m *Metrics) ChunkDropped(string, string) {
	m.chunks.WithLabelValues("dropped").Inc()
}
