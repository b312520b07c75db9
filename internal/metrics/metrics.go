// Package metrics exposes Prometheus collectors for the scrape pipeline.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksTotal                 *prometheus.CounterVec
	captchaEventsTotal         *prometheus.CounterVec
	parkedSessions             prometheus.Gauge
	breakerState               *prometheus.GaugeVec
	extractionDurationSeconds  *prometheus.HistogramVec
	claimEmptyTotal            prometheus.Counter
	sessionCloseFailuresTotal  prometheus.Counter
	resultQualityScore         prometheus.Histogram

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_tasks_total",
				Help: "Total number of task outcomes, labeled by terminal status.",
			},
			[]string{"status"},
		)

		captchaEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_captcha_events_total",
				Help: "Captcha lifecycle events: parked, resumed, expired, lost.",
			},
			[]string{"event"},
		)

		parkedSessions = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scrape_parked_sessions",
				Help: "Number of browser sessions currently parked for captcha resolution.",
			},
		)

		breakerState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scrape_breaker_state",
				Help: "Circuit breaker state per upstream API: 0 closed, 1 half_open, 2 open.",
			},
			[]string{"api"},
		)

		extractionDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scrape_extraction_duration_seconds",
				Help:    "Histogram of extractor call latencies, labeled by outcome.",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 45, 90},
			},
			[]string{"outcome"},
		)

		claimEmptyTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scrape_claim_empty_total",
				Help: "Number of claim attempts that found no eligible task.",
			},
		)

		sessionCloseFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scrape_session_close_failures_total",
				Help: "Teardown layers that failed while closing browser sessions.",
			},
		)

		resultQualityScore = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scrape_result_quality_score",
				Help:    "Required-field coverage of completed extractions.",
				Buckets: []float64{0, 0.2, 0.4, 0.6, 0.8, 1},
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTask increments the outcome counter for the given status.
func ObserveTask(status string) {
	tasksTotal.WithLabelValues(status).Inc()
}

// ObserveCaptchaEvent counts one captcha lifecycle event.
func ObserveCaptchaEvent(event string) {
	captchaEventsTotal.WithLabelValues(event).Inc()
}

// SetParkedSessions records the current number of parked sessions.
func SetParkedSessions(n int) {
	parkedSessions.Set(float64(n))
}

// SetBreakerState records the breaker state for an upstream API.
func SetBreakerState(api string, state string) {
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	breakerState.WithLabelValues(api).Set(v)
}

// ObserveExtraction records one extractor call.
func ObserveExtraction(outcome string, duration time.Duration) {
	extractionDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveClaimEmpty counts an empty claim attempt.
func ObserveClaimEmpty() {
	claimEmptyTotal.Inc()
}

// ObserveSessionCloseFailure counts a failed teardown layer.
func ObserveSessionCloseFailure() {
	sessionCloseFailuresTotal.Inc()
}

// ObserveQuality records the coverage score of a completed task.
func ObserveQuality(score float64) {
	resultQualityScore.Observe(score)
}
