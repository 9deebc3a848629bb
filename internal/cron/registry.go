package cron

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Job is a task run by the cron worker.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type scheduled struct {
	job     Job
	every   time.Duration
	lastRun time.Time
}

// Registry holds the cron jobs by unique name. A job registered with a zero
// period runs every cycle; otherwise it runs at most once per period.
type Registry struct {
	mu      sync.Mutex
	entries []*scheduled
	byName  map[string]*scheduled
}

// NewRegistry registers jobs that run every cycle. Nil jobs and repeated
// names are ignored.
func NewRegistry(jobs ...Job) *Registry {
	r := &Registry{byName: make(map[string]*scheduled)}
	for _, job := range jobs {
		_ = r.RegisterEvery(job, 0)
	}
	return r
}

func (r *Registry) Register(job Job) error {
	return r.RegisterEvery(job, 0)
}

// RegisterEvery adds job with a minimum period between runs.
func (r *Registry) RegisterEvery(job Job, every time.Duration) error {
	if job == nil {
		return fmt.Errorf("job required")
	}
	if every < 0 {
		return fmt.Errorf("job %s: negative period", job.Name())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[job.Name()]; ok {
		return fmt.Errorf("job %s already registered", job.Name())
	}
	entry := &scheduled{job: job, every: every}
	r.entries = append(r.entries, entry)
	r.byName[job.Name()] = entry
	return nil
}

// Jobs returns every registered job in registration order.
func (r *Registry) Jobs() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	jobs := make([]Job, 0, len(r.entries))
	for _, entry := range r.entries {
		jobs = append(jobs, entry.job)
	}
	return jobs
}

// Due returns the jobs whose period has elapsed at now and stamps them as run.
func (r *Registry) Due(now time.Time) []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []Job
	for _, entry := range r.entries {
		if entry.every > 0 && !entry.lastRun.IsZero() && now.Sub(entry.lastRun) < entry.every {
			continue
		}
		entry.lastRun = now
		due = append(due, entry.job)
	}
	return due
}
