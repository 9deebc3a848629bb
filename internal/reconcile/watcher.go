package reconcile

import (
	"context"
	"fmt"
	"time"

	pkgerrors "github.com/angelmondragon/genstudio-backend/pkg/errors"
	"github.com/angelmondragon/genstudio-backend/pkg/logger"
)

const (
	defaultPollInterval  = 5 * time.Second
	defaultMaxPollErrors = 5
)

// Clock abstracts the wait between polls.
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// WatchOptions tunes a Watcher. Zero values take the defaults.
type WatchOptions struct {
	Interval      time.Duration
	MaxPollErrors int
	Clock         Clock
	Logger        *logger.Logger
}

// Watcher polls one prediction until it settles.
type Watcher struct {
	poller    Poller
	clock     Clock
	interval  time.Duration
	maxErrors int
	logg      *logger.Logger
}

func NewWatcher(poller Poller, opts WatchOptions) (*Watcher, error) {
	if poller == nil {
		return nil, fmt.Errorf("poller required")
	}
	w := &Watcher{
		poller:    poller,
		clock:     opts.Clock,
		interval:  opts.Interval,
		maxErrors: opts.MaxPollErrors,
		logg:      opts.Logger,
	}
	if w.clock == nil {
		w.clock = realClock{}
	}
	if w.interval <= 0 {
		w.interval = defaultPollInterval
	}
	if w.maxErrors <= 0 {
		w.maxErrors = defaultMaxPollErrors
	}
	return w, nil
}

// Watch polls immediately and then every interval. It returns the terminal
// result, a NOT_FOUND error, the last transient error once the consecutive
// error budget is spent, or ctx's error.
func (w *Watcher) Watch(ctx context.Context, userID, predictionID string) (*Result, error) {
	errCount := 0
	for {
		res, err := w.poller.Poll(ctx, userID, predictionID)
		switch {
		case err == nil:
			errCount = 0
			if res.Status.IsTerminal() {
				return res, nil
			}
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case !transient(err):
			return nil, err
		default:
			errCount++
			if errCount >= w.maxErrors {
				return nil, fmt.Errorf("giving up after %d consecutive poll errors: %w", errCount, err)
			}
			w.logg.Warn(w.logg.WithFields(ctx, map[string]any{
				"attempt": errCount,
				"error":   err.Error(),
			}), "reconcile.poll_error")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-w.clock.After(w.interval):
		}
	}
}

// transient reports whether another poll may succeed.
func transient(err error) bool {
	typed := pkgerrors.As(err)
	if typed == nil {
		return true
	}
	return pkgerrors.MetadataFor(typed.Code()).Retryable
}
