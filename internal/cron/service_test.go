package cron

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/genstudio-backend/pkg/logger"
)

type fakeLock struct {
	held       bool
	lost       bool
	releases   int
	releaseErr error
}

func (f *fakeLock) Acquire(context.Context) (bool, error) {
	if f.held {
		return false, nil
	}
	f.held = true
	return true, nil
}

func (f *fakeLock) Refresh(context.Context) (bool, error) { return !f.lost, nil }

func (f *fakeLock) Release(ctx context.Context) error {
	f.releases++
	f.releaseErr = ctx.Err()
	f.held = false
	return nil
}

type testJob struct {
	name   string
	err    error
	runs   int
	cancel context.CancelFunc
}

func (t *testJob) Name() string { return t.name }

func (t *testJob) Run(context.Context) error {
	t.runs++
	if t.cancel != nil {
		t.cancel()
	}
	return t.err
}

func newCronService(t *testing.T, lock *fakeLock, interval time.Duration, jobs ...Job) *Service {
	t.Helper()
	svc, err := NewService(ServiceParams{
		Logger:   logger.New(logger.Options{ServiceName: "cron-test", Output: io.Discard}),
		Registry: NewRegistry(jobs...),
		Lock:     lock,
		Interval: interval,
	})
	require.NoError(t, err)
	return svc
}

func TestRunCycleRunsAllJobsEvenOnFailure(t *testing.T) {
	ok := &testJob{name: "active-jobs-recovery"}
	failing := &testJob{name: "outbox-retention", err: errors.New("boom")}
	lock := &fakeLock{}

	require.NoError(t, newCronService(t, lock, 0, ok, failing).runCycle(context.Background()))

	assert.Equal(t, 1, ok.runs)
	assert.Equal(t, 1, failing.runs)
	assert.Equal(t, 1, lock.releases)
}

func TestRunCycleSkipsWhenLocked(t *testing.T) {
	job := &testJob{name: "active-jobs-recovery"}
	lock := &fakeLock{held: true}

	require.NoError(t, newCronService(t, lock, 0, job).runCycle(context.Background()))

	assert.Zero(t, job.runs)
	assert.Zero(t, lock.releases)
}

func TestRunCycleStopsWhenLockLost(t *testing.T) {
	first := &testJob{name: "active-jobs-recovery"}
	second := &testJob{name: "outbox-retention"}

	require.NoError(t, newCronService(t, &fakeLock{lost: true}, 0, first, second).runCycle(context.Background()))

	assert.Equal(t, 1, first.runs)
	assert.Zero(t, second.runs)
}

func TestRunCycleReleasesLockAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	job := &testJob{name: "active-jobs-recovery", cancel: cancel}
	lock := &fakeLock{}

	require.NoError(t, newCronService(t, lock, 0, job).runCycle(ctx))

	assert.Equal(t, 1, lock.releases)
	assert.NoError(t, lock.releaseErr)
	assert.False(t, lock.held)
}

func TestRunStopsOnCancelAfterFirstCycle(t *testing.T) {
	job := &testJob{name: "outbox-retention"}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := newCronService(t, &fakeLock{}, time.Hour, job).Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, job.runs)
}

func TestNewServiceValidates(t *testing.T) {
	_, err := NewService(ServiceParams{Lock: &fakeLock{}})
	assert.Error(t, err)
	_, err = NewService(ServiceParams{Logger: logger.New(logger.Options{Output: io.Discard})})
	assert.Error(t, err)

	svc, err := NewService(ServiceParams{Logger: logger.New(logger.Options{Output: io.Discard}), Lock: &fakeLock{}})
	require.NoError(t, err)
	assert.Equal(t, defaultInterval, svc.interval)
	assert.NotNil(t, svc.registry)
}
