package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// GenerationMetrics tracks the job lifecycle and the credits moving through
// the ledger.
type GenerationMetrics struct {
	submissions   *prometheus.CounterVec
	terminal      *prometheus.CounterVec
	credits       *prometheus.CounterVec
	pollErrors    prometheus.Counter
	activeWatches prometheus.Gauge
}

// NewGenerationMetrics registers the generation metrics on reg. A nil
// registerer yields a no-op recorder.
func NewGenerationMetrics(reg prometheus.Registerer) *GenerationMetrics {
	if reg == nil {
		return &GenerationMetrics{}
	}
	m := &GenerationMetrics{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "genstudio_generation_submissions_total",
			Help: "Generation submissions by kind, model and outcome.",
		}, []string{"kind", "model", "outcome"}),
		terminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "genstudio_generation_terminal_total",
			Help: "Predictions reconciled into a terminal state.",
		}, []string{"kind", "status"}),
		credits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "genstudio_credits_total",
			Help: "Credits moved through the ledger by reason.",
		}, []string{"reason"}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "genstudio_poll_errors_total",
			Help: "Transient errors while polling the prediction service.",
		}),
		activeWatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "genstudio_active_watches",
			Help: "Background poll loops currently running.",
		}),
	}
	reg.MustRegister(m.submissions, m.terminal, m.credits, m.pollErrors, m.activeWatches)
	return m
}

func (m *GenerationMetrics) IncSubmission(kind, model, outcome string) {
	if m == nil || m.submissions == nil {
		return
	}
	m.submissions.WithLabelValues(normalizeLabel(kind), normalizeLabel(model), normalizeLabel(outcome)).Inc()
}

func (m *GenerationMetrics) IncTerminal(kind, status string) {
	if m == nil || m.terminal == nil {
		return
	}
	m.terminal.WithLabelValues(normalizeLabel(kind), normalizeLabel(status)).Inc()
}

// AddCredits records amount credits for the given ledger reason.
func (m *GenerationMetrics) AddCredits(reason string, amount int) {
	if m == nil || m.credits == nil || amount <= 0 {
		return
	}
	m.credits.WithLabelValues(normalizeLabel(reason)).Add(float64(amount))
}

func (m *GenerationMetrics) IncPollError() {
	if m == nil || m.pollErrors == nil {
		return
	}
	m.pollErrors.Inc()
}

func (m *GenerationMetrics) WatchStarted() {
	if m == nil || m.activeWatches == nil {
		return
	}
	m.activeWatches.Inc()
}

func (m *GenerationMetrics) WatchFinished() {
	if m == nil || m.activeWatches == nil {
		return
	}
	m.activeWatches.Dec()
}
