package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/angelmondragon/genstudio-backend/internal/jobs"
	"github.com/angelmondragon/genstudio-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/genstudio-backend/pkg/errors"
	"github.com/angelmondragon/genstudio-backend/pkg/logger"
	"github.com/angelmondragon/genstudio-backend/pkg/metrics"
)

const (
	defaultMaxWatches   = 32
	defaultWatchTimeout = 30 * time.Minute
	defaultResumeBatch  = 500
)

// ActiveLister pages through the active-jobs index.
type ActiveLister interface {
	ListActiveAll(ctx context.Context, after *jobs.ActiveCursor, limit int) ([]models.ActiveJob, error)
}

type SupervisorOptions struct {
	MaxConcurrent int
	WatchTimeout  time.Duration
	ResumeBatch   int
	Metrics       *metrics.GenerationMetrics
	Logger        *logger.Logger
}

// Supervisor owns the background watches of the current process.
type Supervisor struct {
	watcher *Watcher
	active  ActiveLister
	sem     *semaphore.Weighted
	timeout time.Duration
	batch   int
	metrics *metrics.GenerationMetrics
	logg    *logger.Logger

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	watches map[string]*watch
	stopped bool
}

type watch struct {
	cancel context.CancelFunc
}

func NewSupervisor(watcher *Watcher, active ActiveLister, opts SupervisorOptions) (*Supervisor, error) {
	if watcher == nil {
		return nil, fmt.Errorf("watcher required")
	}
	if active == nil {
		return nil, fmt.Errorf("active job lister required")
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxWatches
	}
	if opts.WatchTimeout <= 0 {
		opts.WatchTimeout = defaultWatchTimeout
	}
	if opts.ResumeBatch <= 0 {
		opts.ResumeBatch = defaultResumeBatch
	}
	base, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		watcher: watcher,
		active:  active,
		sem:     semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		timeout: opts.WatchTimeout,
		batch:   opts.ResumeBatch,
		metrics: opts.Metrics,
		logg:    opts.Logger,
		base:    base,
		cancel:  cancel,
		watches: map[string]*watch{},
	}, nil
}

// Track starts watching predictionID. A watch already running for the same
// id is cancelled and replaced.
func (s *Supervisor) Track(userID, predictionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if prev, ok := s.watches[predictionID]; ok {
		prev.cancel()
	}
	ctx, cancel := context.WithTimeout(s.base, s.timeout)
	w := &watch{cancel: cancel}
	s.watches[predictionID] = w

	s.wg.Add(1)
	go s.run(ctx, w, userID, predictionID)
}

func (s *Supervisor) run(ctx context.Context, w *watch, userID, predictionID string) {
	defer s.wg.Done()
	defer s.release(w, predictionID)

	ctx = s.logg.WithJob(ctx, userID, predictionID)
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.sem.Release(1)

	s.metrics.WatchStarted()
	defer s.metrics.WatchFinished()

	res, err := s.watcher.Watch(ctx, userID, predictionID)
	switch {
	case err == nil:
		s.logg.Info(s.logg.WithField(ctx, "status", res.Status), "reconcile.watch_settled")
	case errors.Is(err, context.Canceled):
	case errors.Is(err, context.DeadlineExceeded):
		s.logg.Warn(ctx, "reconcile.watch_timeout")
	case pkgerrors.IsCode(err, pkgerrors.CodeNotFound):
		s.logg.Warn(ctx, "reconcile.watch_not_found")
	default:
		s.logg.Error(ctx, "reconcile.watch_failed", err)
	}
}

func (s *Supervisor) release(w *watch, predictionID string) {
	w.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watches[predictionID] == w {
		delete(s.watches, predictionID)
	}
}

// Resume tracks every job in the active index. It is called once at start.
func (s *Supervisor) Resume(ctx context.Context) (int, error) {
	count := 0
	err := scanActive(ctx, s.active, s.batch, func(rows []models.ActiveJob) {
		for _, row := range rows {
			s.Track(row.UserID, row.PredictionID)
		}
		count += len(rows)
	})
	if err != nil {
		return count, fmt.Errorf("list active jobs: %w", err)
	}
	s.logg.Info(s.logg.WithField(ctx, "count", count), "reconcile.resumed")
	return count, nil
}

// Watching reports the number of tracked predictions.
func (s *Supervisor) Watching() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watches)
}

// Stop cancels every watch and waits for them to return or ctx to expire.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
