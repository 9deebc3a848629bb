package reconcile

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/genstudio-backend/internal/jobs"
	"github.com/angelmondragon/genstudio-backend/pkg/db/models"
	"github.com/angelmondragon/genstudio-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/genstudio-backend/pkg/errors"
	"github.com/angelmondragon/genstudio-backend/pkg/replicate"
	"github.com/angelmondragon/genstudio-backend/pkg/replicate/replicatetest"
)

// instantClock fires every wait immediately and counts them.
type instantClock struct {
	waits atomic.Int32
}

func (c *instantClock) After(time.Duration) <-chan time.Time {
	c.waits.Add(1)
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

// blockingPoller never settles; it records how many polls were cancelled.
type blockingPoller struct {
	started   chan string
	cancelled atomic.Int32
}

func (p *blockingPoller) Poll(ctx context.Context, _, predictionID string) (*Result, error) {
	p.started <- predictionID
	<-ctx.Done()
	p.cancelled.Add(1)
	return nil, ctx.Err()
}

func TestWatchUntilTerminal(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "u1", "pred-1", enums.GenerationKindImage, 1)
	h.upstream.Script("pred-1",
		replicatetest.Step{Status: "starting"},
		replicatetest.Step{Status: "processing"},
		replicatetest.Step{Status: "succeeded", Output: "https://replicate.delivery/x/out.jpg"},
	)
	clock := &instantClock{}
	w, err := NewWatcher(h.svc, WatchOptions{Clock: clock})
	require.NoError(t, err)

	res, err := w.Watch(context.Background(), "u1", "pred-1")
	require.NoError(t, err)
	assert.Equal(t, enums.PredictionSucceeded, res.Status)
	assert.EqualValues(t, 2, clock.waits.Load())
	assert.Equal(t, 3, h.upstream.Gets("pred-1"))
}

func TestWatchGivesUpAfterConsecutiveErrors(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "u1", "pred-1", enums.GenerationKindImage, 1)
	h.upstream.Script("pred-1", replicatetest.Step{Err: errors.New("connection refused")})
	w, err := NewWatcher(h.svc, WatchOptions{Clock: &instantClock{}, MaxPollErrors: 3})
	require.NoError(t, err)

	_, err = w.Watch(context.Background(), "u1", "pred-1")
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeUpstream))
	assert.Equal(t, 3, h.upstream.Gets("pred-1"))
}

func TestWatchErrorBudgetResetsOnSuccess(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "u1", "pred-1", enums.GenerationKindImage, 1)
	flaky := errors.New("timeout")
	h.upstream.Script("pred-1",
		replicatetest.Step{Err: flaky},
		replicatetest.Step{Status: "processing"},
		replicatetest.Step{Err: flaky},
		replicatetest.Step{Status: "failed", Error: "oom"},
	)
	w, err := NewWatcher(h.svc, WatchOptions{Clock: &instantClock{}, MaxPollErrors: 2})
	require.NoError(t, err)

	res, err := w.Watch(context.Background(), "u1", "pred-1")
	require.NoError(t, err)
	assert.Equal(t, enums.PredictionFailed, res.Status)
	assert.Equal(t, 10, res.Balance)
}

func TestWatchStopsOnNotFound(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "u1", "pred-1", enums.GenerationKindImage, 1)
	h.upstream.Script("pred-1", replicatetest.Step{Err: &replicate.APIError{StatusCode: http.StatusNotFound}})
	w, err := NewWatcher(h.svc, WatchOptions{Clock: &instantClock{}})
	require.NoError(t, err)

	_, err = w.Watch(context.Background(), "u1", "pred-1")
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
	assert.Equal(t, 1, h.upstream.Gets("pred-1"))
}

func TestWatchHonoursCancellation(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "u1", "pred-1", enums.GenerationKindImage, 1)
	h.upstream.Script("pred-1", replicatetest.Step{Status: "processing"})
	w, err := NewWatcher(h.svc, WatchOptions{Interval: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := w.Watch(ctx, "u1", "pred-1")
		done <- err
	}()
	require.Eventually(t, func() bool { return h.upstream.Gets("pred-1") == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("watch did not return after cancel")
	}
}

func TestSupervisorSettlesTrackedJobs(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "u1", "pred-1", enums.GenerationKindImage, 1)
	h.seed(t, "u2", "pred-2", enums.GenerationKindVideo, 8)
	h.upstream.Script("pred-1", replicatetest.Step{Status: "processing"}, replicatetest.Step{Status: "succeeded", Output: "https://x/out.jpg"})
	h.upstream.Script("pred-2", replicatetest.Step{Status: "failed"})

	w, err := NewWatcher(h.svc, WatchOptions{Clock: &instantClock{}})
	require.NoError(t, err)
	sup, err := NewSupervisor(w, h.jobs, SupervisorOptions{MaxConcurrent: 1})
	require.NoError(t, err)

	sup.Track("u1", "pred-1")
	sup.Track("u2", "pred-2")
	require.Eventually(t, func() bool { return sup.Watching() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, sup.Stop(context.Background()))

	assert.Zero(t, h.count(t, &models.ActiveJob{}, ""))
	balance, err := h.ledger.GetBalance(context.Background(), "u2")
	require.NoError(t, err)
	assert.Equal(t, 10, balance)
}

func TestSupervisorResumeFromActiveIndex(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "u1", "pred-1", enums.GenerationKindImage, 1)
	h.seed(t, "u1", "pred-2", enums.GenerationKindImage, 1)
	h.upstream.Default(replicatetest.Step{Status: "succeeded", Output: "https://x/out.jpg"})

	w, err := NewWatcher(h.svc, WatchOptions{Clock: &instantClock{}})
	require.NoError(t, err)
	sup, err := NewSupervisor(w, h.jobs, SupervisorOptions{})
	require.NoError(t, err)

	n, err := sup.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Eventually(t, func() bool { return h.count(t, &models.ActiveJob{}, "") == 0 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, sup.Stop(context.Background()))
}

func TestSupervisorSupersedesAndStops(t *testing.T) {
	poller := &blockingPoller{started: make(chan string, 4)}
	w, err := NewWatcher(poller, WatchOptions{Clock: &instantClock{}})
	require.NoError(t, err)
	sup, err := NewSupervisor(w, emptyLister{}, SupervisorOptions{})
	require.NoError(t, err)

	sup.Track("u1", "pred-1")
	<-poller.started
	sup.Track("u1", "pred-1")
	<-poller.started

	require.Eventually(t, func() bool { return poller.cancelled.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, sup.Watching())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sup.Stop(ctx))
	assert.EqualValues(t, 2, poller.cancelled.Load())
	assert.Zero(t, sup.Watching())

	// Tracking after Stop is ignored.
	sup.Track("u1", "pred-3")
	assert.Zero(t, sup.Watching())
}

type emptyLister struct{}

func (emptyLister) ListActiveAll(context.Context, *jobs.ActiveCursor, int) ([]models.ActiveJob, error) {
	return nil, nil
}

func TestSweepDrainsActiveIndex(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, "u1", "pred-1", enums.GenerationKindImage, 1)
	h.seed(t, "u1", "pred-2", enums.GenerationKindVideo, 8)
	h.seed(t, "u2", "pred-3", enums.GenerationKindImage, 1)
	h.seed(t, "u2", "pred-4", enums.GenerationKindImage, 1)
	h.upstream.Script("pred-1", replicatetest.Step{Status: "succeeded", Output: "https://x/1.jpg"})
	h.upstream.Script("pred-2", replicatetest.Step{Status: "canceled"})
	h.upstream.Script("pred-3", replicatetest.Step{Status: "processing"}, replicatetest.Step{Status: "succeeded", Output: "https://x/3.jpg"})
	h.upstream.Script("pred-4", replicatetest.Step{Err: errors.New("reset by peer")}, replicatetest.Step{Status: "failed"})

	sweeper, err := NewSweeper(h.svc, h.jobs, SweeperOptions{Workers: 2})
	require.NoError(t, err)

	stats, err := sweeper.Sweep(ctx)
	require.Error(t, err)
	assert.Equal(t, SweepStats{Scanned: 4, Finalized: 2, Pending: 1, Errors: 1}, stats)

	stats, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepStats{Scanned: 2, Finalized: 2}, stats)

	assert.Zero(t, h.count(t, &models.ActiveJob{}, ""))
	var balances []int
	for _, user := range []string{"u1", "u2"} {
		b, err := h.ledger.GetBalance(ctx, user)
		require.NoError(t, err)
		balances = append(balances, b)
	}
	// u1 paid 1 for a success and was refunded 8; u2 paid 1 for a success and was refunded 1.
	assert.Equal(t, []int{9, 9}, balances)
}

func TestSweepReachesJobsBehindLostPredictions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	// gone-1 and gone-2 have no script, so upstream answers 404 for them.
	h.seed(t, "u1", "gone-1", enums.GenerationKindImage, 1)
	h.seed(t, "u1", "gone-2", enums.GenerationKindImage, 1)
	h.seed(t, "u2", "done-3", enums.GenerationKindVideo, 8)
	h.upstream.Script("done-3", replicatetest.Step{Status: "failed", Error: "model overloaded"})

	sweeper, err := NewSweeper(h.svc, h.jobs, SweeperOptions{BatchSize: 2})
	require.NoError(t, err)

	stats, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepStats{Scanned: 3, Finalized: 1, Missing: 2}, stats)
	assert.Equal(t, 1, h.upstream.Gets("done-3"))
	balance, err := h.ledger.GetBalance(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, 10, balance)
	assert.EqualValues(t, 2, h.count(t, &models.ActiveJob{}, ""))
}

func TestSweepRetiresLongMissingPredictions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, "u1", "gone-1", enums.GenerationKindImage, 1)
	h.seed(t, "u1", "gone-2", enums.GenerationKindVideo, 8)
	h.seed(t, "u1", "live-3", enums.GenerationKindImage, 1)
	h.upstream.Script("live-3", replicatetest.Step{Status: "processing"})

	later := time.Now().UTC().Add(2 * time.Hour)
	sweeper, err := NewSweeper(h.svc, h.jobs, SweeperOptions{
		BatchSize: 1,
		Now:       func() time.Time { return later },
	})
	require.NoError(t, err)

	stats, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepStats{Scanned: 3, Retired: 2, Pending: 1}, stats)

	job, err := h.jobs.GetJob(ctx, "u1", "gone-2")
	require.NoError(t, err)
	assert.True(t, job.IsProcessed)
	assert.Equal(t, enums.PredictionFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, msgMissing, *job.ErrorMessage)

	balance, err := h.ledger.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 9, balance)
	assert.EqualValues(t, 1, h.count(t, &models.ActiveJob{}, ""))

	// A second pass only sees the live job.
	stats, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepStats{Scanned: 1, Pending: 1}, stats)
}

func TestRetireIsAppliedOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, "u1", "gone-1", enums.GenerationKindVideo, 8)

	res, err := h.svc.Retire(ctx, "u1", "gone-1", "")
	require.NoError(t, err)
	assert.Equal(t, enums.PredictionFailed, res.Status)
	assert.Equal(t, 10, res.Balance)

	res, err = h.svc.Retire(ctx, "u1", "gone-1", "")
	require.NoError(t, err)
	assert.Equal(t, 10, res.Balance)
	assert.EqualValues(t, 1, h.count(t, &models.CreditTransaction{}, "reason = ?", enums.CreditReasonRefund))
}

func TestSupervisorResumePagesWholeIndex(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"pred-1", "pred-2", "pred-3"} {
		h.seed(t, "u1", id, enums.GenerationKindImage, 1)
	}
	h.upstream.Default(replicatetest.Step{Status: "succeeded", Output: "https://x/out.jpg"})

	w, err := NewWatcher(h.svc, WatchOptions{Clock: &instantClock{}})
	require.NoError(t, err)
	sup, err := NewSupervisor(w, h.jobs, SupervisorOptions{ResumeBatch: 1})
	require.NoError(t, err)

	n, err := sup.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Eventually(t, func() bool { return h.count(t, &models.ActiveJob{}, "") == 0 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, sup.Stop(context.Background()))
}
