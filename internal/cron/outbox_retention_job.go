package cron

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/genstudio-backend/pkg/logger"
)

const defaultOutboxRetention = 30 * 24 * time.Hour

type OutboxRetentionJobParams struct {
	Logger    *logger.Logger
	DB        txRunner
	Events    publishedEventPruner
	DLQ       dlqPruner
	Retention time.Duration
}

type publishedEventPruner interface {
	DeletePublishedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error)
}

type dlqPruner interface {
	DeleteBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// NewOutboxRetentionJob prunes published outbox rows and parked DLQ entries
// older than the retention window.
func NewOutboxRetentionJob(params OutboxRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Events == nil {
		return nil, fmt.Errorf("outbox repository required")
	}
	retention := params.Retention
	if retention <= 0 {
		retention = defaultOutboxRetention
	}
	return &outboxRetentionJob{
		logg:      params.Logger,
		db:        params.DB,
		events:    params.Events,
		dlq:       params.DLQ,
		retention: retention,
		now:       time.Now,
	}, nil
}

type outboxRetentionJob struct {
	logg      *logger.Logger
	db        txRunner
	events    publishedEventPruner
	dlq       dlqPruner
	retention time.Duration
	now       func() time.Time
}

func (j *outboxRetentionJob) Name() string { return "outbox-retention" }

func (j *outboxRetentionJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.retention)
	var eventsDeleted, dlqDeleted int64

	errs := j.db.WithTx(ctx, func(tx *gorm.DB) error {
		rows, err := j.events.DeletePublishedBefore(ctx, tx, cutoff)
		eventsDeleted = rows
		return err
	})
	if errs != nil {
		errs = fmt.Errorf("prune outbox events: %w", errs)
	}
	if j.dlq != nil {
		err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
			rows, err := j.dlq.DeleteBefore(ctx, tx, cutoff)
			dlqDeleted = rows
			return err
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("prune outbox dlq: %w", err))
		}
	}
	if errs != nil {
		return errs
	}

	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"cutoff":         cutoff,
		"events_deleted": eventsDeleted,
		"dlq_deleted":    dlqDeleted,
	}), "outbox retention cleanup complete")
	return nil
}
