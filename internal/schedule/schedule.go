// Package schedule runs periodic maintenance such as memory cleanup.
package schedule

import (
	"context"
	"fmt"
	log "log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one unit of maintenance work.
type Job func(ctx context.Context) error

type entry struct {
	name string
	job  Job
}

type Scheduler struct {
	cron    *cron.Cron
	timeout time.Duration

	mu   sync.Mutex
	jobs map[string]entry

	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a scheduler whose jobs each get at most timeout to finish.
func New(timeout time.Duration) *Scheduler {
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		timeout: timeout,
		jobs:    map[string]entry{},
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add registers job under name on a standard five-field cron spec or a
// descriptor such as "@hourly" or "@every 10m".
func (s *Scheduler) Add(name, spec string, job Job) error {
	e := entry{name: name, job: job}
	if _, err := s.cron.AddFunc(spec, func() { s.run(e) }); err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, spec, err)
	}
	s.mu.Lock()
	s.jobs[name] = e
	s.mu.Unlock()
	log.Debug("Scheduled job", "job", name, "spec", spec)
	return nil
}

// RunNow runs a registered job immediately on the calling goroutine.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return s.run(e)
}

func (s *Scheduler) run(e entry) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	start := time.Now()
	if err := e.job(ctx); err != nil {
		log.Error("Scheduled job failed", "job", e.name, "err", err)
		return err
	}
	log.Debug("Scheduled job done", "job", e.name, "took", time.Since(start))
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Close stops scheduling and waits for running jobs.
func (s *Scheduler) Close() error {
	s.cancel()
	<-s.cron.Stop().Done()
	return nil
}

// Cleaner is the part of the memory store the cleanup job needs.
type Cleaner interface {
	Cleanup(ctx context.Context, olderThanDays int) (int, error)
}

// CleanupJob drops memories older than days.
func CleanupJob(c Cleaner, days int) Job {
	return func(ctx context.Context) error {
		n, err := c.Cleanup(ctx, days)
		if err != nil {
			return fmt.Errorf("memory cleanup: %w", err)
		}
		log.Info("Cleaned up memories", "removed", n, "older_than_days", days)
		return nil
	}
}
