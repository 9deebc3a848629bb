package cron

import (
	"context"
	"fmt"

	"github.com/angelmondragon/genstudio-backend/internal/reconcile"
	"github.com/angelmondragon/genstudio-backend/pkg/logger"
)

type sweeper interface {
	Sweep(ctx context.Context) (reconcile.SweepStats, error)
}

// NewActiveJobsRecoveryJob polls every job still in the active index so
// terminal outcomes are applied even when no watcher or client is polling.
func NewActiveJobsRecoveryJob(logg *logger.Logger, s sweeper) (Job, error) {
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	if s == nil {
		return nil, fmt.Errorf("sweeper required")
	}
	return &activeJobsRecoveryJob{logg: logg, sweeper: s}, nil
}

type activeJobsRecoveryJob struct {
	logg    *logger.Logger
	sweeper sweeper
}

func (j *activeJobsRecoveryJob) Name() string { return "active-jobs-recovery" }

func (j *activeJobsRecoveryJob) Run(ctx context.Context) error {
	stats, err := j.sweeper.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep active jobs (%d of %d failed): %w", stats.Errors, stats.Scanned, err)
	}
	return nil
}
