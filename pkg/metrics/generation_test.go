package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestGenerationMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewGenerationMetrics(reg)

	m.IncSubmission("video", "pixverse/pixverse-v4.5", "accepted")
	m.AddCredits("debit", 6)
	m.AddCredits("refund", 6)
	m.AddCredits("refund", 0)
	m.IncTerminal("video", "failed")
	m.WatchStarted()
	m.WatchStarted()
	m.WatchFinished()

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	if got, err := fetchCounterValue(mfs, "genstudio_credits_total", "reason", "refund"); err != nil {
		t.Fatalf("fetch refund: %v", err)
	} else if got != 6 {
		t.Fatalf("expected refund=6, got %f", got)
	}
	if got, err := fetchCounterValue(mfs, "genstudio_generation_submissions_total", "outcome", "accepted"); err != nil {
		t.Fatalf("fetch submissions: %v", err)
	} else if got != 1 {
		t.Fatalf("expected one submission, got %f", got)
	}

	gauge := findMetricFamily(mfs, "genstudio_active_watches")
	if gauge == nil || gauge.GetMetric()[0].GetGauge().GetValue() != 1 {
		t.Fatalf("expected one active watch, got %+v", gauge)
	}
}

func TestOutboxMetricsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewOutboxMetrics(reg)
	m.Published("credits_purchased")
	m.DeadLettered("credits_purchased")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if got, err := fetchCounterValue(mfs, "genstudio_outbox_events_total", "outcome", "dead_lettered"); err != nil {
		t.Fatalf("fetch: %v", err)
	} else if got != 1 {
		t.Fatalf("expected one dead-lettered event, got %f", got)
	}

	var nilMetrics *OutboxMetrics
	nilMetrics.Failed("x")
}
