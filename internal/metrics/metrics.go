// Package metrics exposes the process-wide Prometheus instruments.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	TurnsTotal    *prometheus.CounterVec
	TurnDuration  *prometheus.HistogramVec
	TokensTotal   *prometheus.CounterVec
	TurnErrors    *prometheus.CounterVec
	StreamsActive prometheus.Gauge
}

var (
	global *Metrics
	once   sync.Once
)

// Global returns the singleton, registering the instruments on the default
// registry on first use.
func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			TurnsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "storyforge_turns_total",
				Help: "Completed turn attempts by platform and outcome.",
			}, []string{"platform", "status"}),
			TurnDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "storyforge_turn_duration_seconds",
				Help:    "Wall time of the text step of a turn.",
				Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
			}, []string{"platform"}),
			TokensTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "storyforge_ai_tokens_total",
				Help: "Provider token usage by platform and direction.",
			}, []string{"platform", "direction"}),
			TurnErrors: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "storyforge_turn_errors_total",
				Help: "Turn failures by error code.",
			}, []string{"code"}),
			StreamsActive: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "storyforge_streams_active",
				Help: "Streams currently registered for delivery.",
			}),
		}
	})
	return global
}

// ObserveTurn records one finished text step.
func (m *Metrics) ObserveTurn(platform, status string, d time.Duration) {
	m.TurnsTotal.WithLabelValues(platform, status).Inc()
	m.TurnDuration.WithLabelValues(platform).Observe(d.Seconds())
}

// AddTokens records provider token usage.
func (m *Metrics) AddTokens(platform string, input, output int) {
	m.TokensTotal.WithLabelValues(platform, "input").Add(float64(input))
	m.TokensTotal.WithLabelValues(platform, "output").Add(float64(output))
}
