package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the Prometheus metrics of the voice core. A nil
// *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram
	Turns           prometheus.Counter

	LanguageDetections *prometheus.CounterVec
	LanguageSwitches   *prometheus.CounterVec

	EmergencyAnalyses *prometheus.CounterVec
	AnalysisFallbacks prometheus.Counter

	Notifications *prometheus.CounterVec

	AudioFrames   *prometheus.CounterVec
	FunctionCalls *prometheus.CounterVec
}

// New creates a Collector with all metrics registered on a private registry.
func New(namespace string) *Collector {
	if namespace == "" {
		namespace = "carevoice"
	}
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of connected voice sessions",
		}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Voice sessions by how they ended",
		}, []string{"status"}),
		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Voice session duration in seconds",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		Turns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Finalized user utterances",
		}),
		LanguageDetections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "language_detections_total",
			Help:      "Language identification results by language",
		}, []string{"language"}),
		LanguageSwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "language_switches_total",
			Help:      "Session language switches by target language",
		}, []string{"to"}),
		EmergencyAnalyses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emergency_analyses_total",
			Help:      "Emergency analyses by severity",
		}, []string{"severity"}),
		AnalysisFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emergency_analysis_fallbacks_total",
			Help:      "Analyses answered by the keyword fallback after an internal failure",
		}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Hospital notifications by outcome",
		}, []string{"outcome"}),
		AudioFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_total",
			Help:      "Audio frames by direction and outcome",
		}, []string{"direction", "outcome"}),
		FunctionCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "function_calls_total",
			Help:      "Remote function calls by name and status",
		}, []string{"name", "status"}),
	}

	registry.MustRegister(
		c.SessionsActive,
		c.SessionsTotal,
		c.SessionDuration,
		c.Turns,
		c.LanguageDetections,
		c.LanguageSwitches,
		c.EmergencyAnalyses,
		c.AnalysisFallbacks,
		c.Notifications,
		c.AudioFrames,
		c.FunctionCalls,
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) SessionStarted() {
	if c == nil {
		return
	}
	c.SessionsActive.Inc()
}

// SessionEnded records a session ending; status is "closed" or "dropped".
func (c *Collector) SessionEnded(status string, duration time.Duration, turns int) {
	if c == nil {
		return
	}
	c.SessionsActive.Dec()
	c.SessionsTotal.WithLabelValues(status).Inc()
	c.SessionDuration.Observe(duration.Seconds())
	c.Turns.Add(float64(turns))
}

func (c *Collector) LanguageDetected(lang string) {
	if c == nil {
		return
	}
	c.LanguageDetections.WithLabelValues(lang).Inc()
}

func (c *Collector) LanguageSwitched(to string) {
	if c == nil {
		return
	}
	c.LanguageSwitches.WithLabelValues(to).Inc()
}

func (c *Collector) EmergencyAnalyzed(severity string) {
	if c == nil {
		return
	}
	c.EmergencyAnalyses.WithLabelValues(severity).Inc()
}

func (c *Collector) AnalysisFallback() {
	if c == nil {
		return
	}
	c.AnalysisFallbacks.Inc()
}

// Notification records a dispatch outcome: sent, failed, suppressed or dropped.
func (c *Collector) Notification(outcome string) {
	if c == nil {
		return
	}
	c.Notifications.WithLabelValues(outcome).Inc()
}

// AudioFrame records one frame; direction is "in" or "out".
func (c *Collector) AudioFrame(direction, outcome string) {
	if c == nil {
		return
	}
	c.AudioFrames.WithLabelValues(direction, outcome).Inc()
}

func (c *Collector) FunctionCall(name string, err error) {
	if c == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.FunctionCalls.WithLabelValues(name, status).Inc()
}
