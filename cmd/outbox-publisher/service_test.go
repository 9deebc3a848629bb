package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gorm.io/gorm"

	"github.com/angelmondragon/genstudio-backend/pkg/config"
	"github.com/angelmondragon/genstudio-backend/pkg/db/models"
	"github.com/angelmondragon/genstudio-backend/pkg/enums"
	"github.com/angelmondragon/genstudio-backend/pkg/logger"
	"github.com/angelmondragon/genstudio-backend/pkg/metrics"
	"github.com/angelmondragon/genstudio-backend/pkg/outbox"
	"github.com/angelmondragon/genstudio-backend/pkg/outbox/registry"
)

type fixture struct {
	repo     *fakeRepo
	dlq      *fakeDLQRepo
	pub      *scriptedPublisher
	registry *fakeRegistry
	reg      *prometheus.Registry
	cfg      config.OutboxConfig
}

func newFixture(events ...models.OutboxEvent) *fixture {
	return &fixture{
		repo:     &fakeRepo{events: events},
		dlq:      &fakeDLQRepo{},
		pub:      &scriptedPublisher{},
		registry: &fakeRegistry{topic: "usage-topic"},
		reg:      prometheus.NewRegistry(),
		cfg:      config.OutboxConfig{BatchSize: 10, PollIntervalMS: 100, MaxAttempts: 5},
	}
}

func (f *fixture) service(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(ServiceParams{
		Outbox:           f.cfg,
		Logger:           logger.New(logger.Options{ServiceName: "outbox-publisher-test", Format: "json", Output: io.Discard}),
		DB:               fakeDB{},
		PubSub:           fakePubSub{},
		Repository:       f.repo,
		Registry:         f.registry,
		PublisherFactory: func(string) publisher { return f.pub },
		DLQRepository:    f.dlq,
		Metrics:          metrics.NewOutboxMetrics(f.reg),
	})
	require.NoError(t, err)
	return svc
}

func (f *fixture) outcomes(t *testing.T) map[string]float64 {
	t.Helper()
	mfs, err := f.reg.Gather()
	require.NoError(t, err)
	got := map[string]float64{}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "outcome" {
					got[l.GetValue()] += m.GetCounter().GetValue()
				}
			}
		}
	}
	return got
}

func outboxRow(eventType enums.OutboxEventType, attempts int) models.OutboxEvent {
	id := uuid.New()
	payload, _ := json.Marshal(outbox.PayloadEnvelope{
		Version:    outbox.PayloadVersion,
		EventID:    id.String(),
		OccurredAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Data:       json.RawMessage(`{}`),
	})
	return models.OutboxEvent{
		ID:            id,
		EventType:     eventType,
		AggregateType: enums.AggregateGenerationJob,
		AggregateID:   "pred-" + id.String()[:8],
		Payload:       payload,
		AttemptCount:  attempts,
		CreatedAt:     time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC),
	}
}

func TestProcessBatchSettlesEachRow(t *testing.T) {
	tests := []struct {
		name       string
		attempts   int
		resolveErr error
		publishErr error
		published  int
		failed     int
		reason     enums.OutboxDLQErrorReason
		outcome    string
	}{
		{name: "published", published: 1, outcome: "published"},
		{name: "transient failure retries", publishErr: errors.New("unavailable"), failed: 1, outcome: "failed"},
		{name: "last attempt dead-letters", attempts: 4, publishErr: errors.New("unavailable"), reason: enums.OutboxDLQReasonMaxAttempts, outcome: "dead_lettered"},
		{name: "missing topic dead-letters at once", publishErr: status.Error(codes.NotFound, "topic not found"), reason: enums.OutboxDLQReasonNonRetryable, outcome: "dead_lettered"},
		{name: "denied publisher dead-letters", publishErr: status.Error(codes.PermissionDenied, "no iam"), reason: enums.OutboxDLQReasonNonRetryable, outcome: "dead_lettered"},
		{name: "unresolvable dead-letters", resolveErr: registry.NewNonRetryableError(errors.New("bad payload")), reason: enums.OutboxDLQReasonUnresolvable, outcome: "dead_lettered"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row := outboxRow(enums.EventGenerationSubmitted, tt.attempts)
			f := newFixture(row)
			f.registry.err = tt.resolveErr
			f.pub.errs = []error{tt.publishErr}

			processed, err := f.service(t).processBatch(context.Background())

			require.NoError(t, err)
			assert.True(t, processed)
			assert.Len(t, f.repo.published, tt.published)
			assert.Len(t, f.repo.failed, tt.failed)
			if tt.reason == "" {
				assert.Empty(t, f.dlq.entries)
				assert.Empty(t, f.repo.terminal)
			} else {
				require.Len(t, f.dlq.entries, 1)
				entry := f.dlq.entries[0]
				assert.Equal(t, tt.reason, entry.ErrorReason)
				assert.Equal(t, row.ID, entry.EventID)
				assert.JSONEq(t, string(row.Payload), string(entry.Payload))
				assert.Equal(t, []uuid.UUID{row.ID}, f.repo.terminal)
			}
			assert.Equal(t, map[string]float64{tt.outcome: 1}, f.outcomes(t))
		})
	}
}

func TestProcessBatchContinuesAfterFailure(t *testing.T) {
	first := outboxRow(enums.EventGenerationSubmitted, 0)
	second := outboxRow(enums.EventGenerationSucceeded, 0)
	f := newFixture(first, second)
	f.pub.errs = []error{errors.New("transient"), nil}

	_, err := f.service(t).processBatch(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{first.ID}, f.repo.failed)
	assert.Equal(t, []uuid.UUID{second.ID}, f.repo.published)
}

func TestProcessBatchSetsMessageAttributes(t *testing.T) {
	row := outboxRow(enums.EventCreditsPurchased, 0)
	row.AggregateType = enums.AggregatePayment
	row.AggregateID = "PAYID-123"
	f := newFixture(row)

	_, err := f.service(t).processBatch(context.Background())

	require.NoError(t, err)
	require.Len(t, f.pub.messages, 1)
	msg := f.pub.messages[0]
	assert.Equal(t, map[string]string{
		"event_id":       row.ID.String(),
		"event_type":     string(enums.EventCreditsPurchased),
		"aggregate_type": string(enums.AggregatePayment),
		"aggregate_id":   "PAYID-123",
		"created_at":     "2026-03-01T12:00:01Z",
		"version":        "1",
	}, msg.Attributes)
	assert.Equal(t, []byte(row.Payload), msg.Data)
}

func TestProcessBatchEmpty(t *testing.T) {
	f := newFixture()
	processed, err := f.service(t).processBatch(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestNewServiceDefaults(t *testing.T) {
	f := newFixture()
	f.cfg = config.OutboxConfig{}
	svc := f.service(t)

	assert.Equal(t, defaultBatchSize, svc.batchSize)
	assert.Equal(t, defaultMaxAttempts, svc.maxAttempts)
	assert.Equal(t, time.Duration(defaultPollMs)*time.Millisecond, svc.pollInterval)

	_, err := NewService(ServiceParams{})
	assert.Error(t, err)
}

type fakeRepo struct {
	events    []models.OutboxEvent
	published []uuid.UUID
	failed    []uuid.UUID
	terminal  []uuid.UUID
}

func (f *fakeRepo) FetchUnpublishedForPublish(*gorm.DB, int, int) ([]models.OutboxEvent, error) {
	return f.events, nil
}

func (f *fakeRepo) MarkPublishedTx(_ *gorm.DB, id uuid.UUID) error {
	f.published = append(f.published, id)
	return nil
}

func (f *fakeRepo) MarkFailedTx(_ *gorm.DB, id uuid.UUID, _ error) error {
	f.failed = append(f.failed, id)
	return nil
}

func (f *fakeRepo) MarkTerminalTx(_ *gorm.DB, id uuid.UUID, _ error, _ int) error {
	f.terminal = append(f.terminal, id)
	return nil
}

type fakeDB struct{}

func (fakeDB) Ping(context.Context) error { return nil }

func (fakeDB) WithTx(_ context.Context, fn func(*gorm.DB) error) error { return fn(nil) }

type fakePubSub struct{}

func (fakePubSub) Ping(context.Context) error { return nil }

func (fakePubSub) Publisher(string) *gcppubsub.Publisher { return nil }

// scriptedPublisher answers each Publish with the next scripted error.
type scriptedPublisher struct {
	errs     []error
	messages []*gcppubsub.Message
}

func (p *scriptedPublisher) Publish(_ context.Context, msg *gcppubsub.Message) publishResult {
	p.messages = append(p.messages, msg)
	var err error
	if len(p.errs) > 0 {
		err, p.errs = p.errs[0], p.errs[1:]
	}
	return publishResultFunc(func() (string, error) { return "server-id", err })
}

type publishResultFunc func() (string, error)

func (f publishResultFunc) Get(context.Context) (string, error) { return f() }

type fakeRegistry struct {
	topic string
	err   error
}

func (f *fakeRegistry) Resolve(event models.OutboxEvent) (*registry.ResolvedEvent, error) {
	if f.err != nil {
		return nil, f.err
	}
	var env outbox.PayloadEnvelope
	if err := json.Unmarshal(event.Payload, &env); err != nil {
		return nil, err
	}
	return &registry.ResolvedEvent{
		Descriptor: registry.EventDescriptor{EventType: event.EventType, AggregateType: event.AggregateType, Topic: f.topic},
		Envelope:   env,
	}, nil
}

type fakeDLQRepo struct {
	entries []models.OutboxDLQ
}

func (f *fakeDLQRepo) InsertTx(_ *gorm.DB, entry models.OutboxDLQ) error {
	f.entries = append(f.entries, entry)
	return nil
}
