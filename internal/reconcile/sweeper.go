package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/genstudio-backend/internal/jobs"
	"github.com/angelmondragon/genstudio-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/genstudio-backend/pkg/errors"
	"github.com/angelmondragon/genstudio-backend/pkg/logger"
)

const (
	defaultSweepBatch         = 100
	defaultSweepWorkers       = 4
	defaultRetireMissingAfter = time.Hour
)

// SweepStats summarizes one sweep pass.
type SweepStats struct {
	Scanned   int
	Finalized int
	Pending   int
	Missing   int
	Retired   int
	Errors    int
}

// Reconciler is what the sweeper drives for each active job.
type Reconciler interface {
	Poller
	Retire(ctx context.Context, userID, predictionID, reason string) (*Result, error)
}

// SweeperOptions tune a Sweeper. An active job older than
// RetireMissingAfter that upstream answers 404 for is failed and refunded.
type SweeperOptions struct {
	BatchSize          int
	Workers            int
	RetireMissingAfter time.Duration
	Now                func() time.Time
	Logger             *logger.Logger
}

// Sweeper polls every active job once. It recovers jobs whose watcher was
// lost with a restart or never started.
type Sweeper struct {
	reconciler   Reconciler
	active       ActiveLister
	batch        int
	workers      int
	retireMissed time.Duration
	now          func() time.Time
	logg         *logger.Logger
}

func NewSweeper(reconciler Reconciler, active ActiveLister, opts SweeperOptions) (*Sweeper, error) {
	if reconciler == nil {
		return nil, fmt.Errorf("reconciler required")
	}
	if active == nil {
		return nil, fmt.Errorf("active job lister required")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultSweepBatch
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultSweepWorkers
	}
	if opts.RetireMissingAfter <= 0 {
		opts.RetireMissingAfter = defaultRetireMissingAfter
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Sweeper{
		reconciler:   reconciler,
		active:       active,
		batch:        opts.BatchSize,
		workers:      opts.Workers,
		retireMissed: opts.RetireMissingAfter,
		now:          opts.Now,
		logg:         opts.Logger,
	}, nil
}

// Sweep walks the whole active index one batch at a time. Per-job failures
// are collected and returned together after every job has been tried.
func (s *Sweeper) Sweep(ctx context.Context) (SweepStats, error) {
	var (
		stats SweepStats
		mu    sync.Mutex
		errs  error
	)
	scanErr := scanActive(ctx, s.active, s.batch, func(rows []models.ActiveJob) {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.workers)
		for _, row := range rows {
			g.Go(func() error {
				outcome, err := s.sweepOne(gctx, row)
				mu.Lock()
				defer mu.Unlock()
				stats.Scanned++
				switch outcome {
				case sweepFinalized:
					stats.Finalized++
				case sweepPending:
					stats.Pending++
				case sweepMissing:
					stats.Missing++
				case sweepRetired:
					stats.Retired++
				default:
					stats.Errors++
					errs = multierr.Append(errs, fmt.Errorf("poll %s: %w", row.PredictionID, err))
				}
				return nil
			})
		}
		_ = g.Wait()
	})
	if scanErr != nil {
		errs = multierr.Append(errs, fmt.Errorf("list active jobs: %w", scanErr))
	}

	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"scanned":   stats.Scanned,
		"finalized": stats.Finalized,
		"pending":   stats.Pending,
		"missing":   stats.Missing,
		"retired":   stats.Retired,
		"errors":    stats.Errors,
	}), "reconcile.sweep_complete")
	return stats, errs
}

type sweepOutcome int

const (
	sweepFailed sweepOutcome = iota
	sweepFinalized
	sweepPending
	sweepMissing
	sweepRetired
)

func (s *Sweeper) sweepOne(ctx context.Context, row models.ActiveJob) (sweepOutcome, error) {
	res, err := s.reconciler.Poll(ctx, row.UserID, row.PredictionID)
	switch {
	case err == nil && res.Status.IsTerminal():
		return sweepFinalized, nil
	case err == nil:
		return sweepPending, nil
	case !pkgerrors.IsCode(err, pkgerrors.CodeNotFound):
		return sweepFailed, err
	}

	jobCtx := s.logg.WithJob(ctx, row.UserID, row.PredictionID)
	if s.now().Sub(row.CreatedAt) < s.retireMissed {
		s.logg.Warn(jobCtx, "reconcile.sweep_missing")
		return sweepMissing, nil
	}
	if _, err := s.reconciler.Retire(ctx, row.UserID, row.PredictionID, msgMissing); err != nil {
		return sweepFailed, err
	}
	s.logg.Warn(jobCtx, "reconcile.sweep_retired")
	return sweepRetired, nil
}

// scanActive hands the active index to fn one keyset page at a time. Rows
// removed by fn do not shift later pages.
func scanActive(ctx context.Context, lister ActiveLister, batch int, fn func([]models.ActiveJob)) error {
	var after *jobs.ActiveCursor
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, err := lister.ListActiveAll(ctx, after, batch)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		fn(rows)
		if len(rows) < batch {
			return nil
		}
		after = jobs.CursorAfter(rows[len(rows)-1])
	}
}
