package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bitpart/internal/metrics"

	"github.com/adhocore/gronx"
)

const (
	defaultSyncInterval = time.Hour
	syncTimeout         = 2 * time.Minute
)

// SyncFunc runs one contact sync of account.
type SyncFunc func(ctx context.Context, account string) error

// SyncScheduler owns the periodic contact-sync jobs, at most one per
// account. A job runs once right away and then on its interval, or on its
// cron schedule when one is set.
type SyncScheduler struct {
	jobs     map[string]*syncJob
	interval time.Duration
	schedule string
	run      SyncFunc
	logger   *slog.Logger
	mu       sync.Mutex
	wg       sync.WaitGroup
}

type syncJob struct {
	account  string
	LastRun  time.Time
	NextRun  time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func (j *syncJob) stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
}

// NewSyncScheduler validates schedule (a cron expression, may be empty) and
// returns an idle scheduler.
func NewSyncScheduler(interval time.Duration, schedule string, run SyncFunc, logger *slog.Logger) (*SyncScheduler, error) {
	if schedule != "" && !gronx.New().IsValid(schedule) {
		return nil, fmt.Errorf("invalid sync schedule %q", schedule)
	}
	if interval <= 0 {
		interval = defaultSyncInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncScheduler{
		jobs:     make(map[string]*syncJob),
		interval: interval,
		schedule: schedule,
		run:      run,
		logger:   logger,
	}, nil
}

// Schedule starts the job of account. It returns false, and does nothing,
// when account already has one.
func (s *SyncScheduler) Schedule(ctx context.Context, account string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[account]; ok {
		return false
	}
	job := &syncJob{
		account: account,
		NextRun: time.Now(),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.jobs[account] = job
	s.wg.Add(1)
	go s.loop(ctx, job)
	s.logger.Info("contact sync scheduled", "account", account, "interval", s.interval, "schedule", s.schedule)
	return true
}

// Cancel stops the job of account and waits for it to exit.
func (s *SyncScheduler) Cancel(account string) {
	s.mu.Lock()
	job, ok := s.jobs[account]
	delete(s.jobs, account)
	s.mu.Unlock()
	if !ok {
		return
	}
	job.stop()
	<-job.done
}

// Count returns the number of jobs of account: 0 or 1.
func (s *SyncScheduler) Count(account string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[account]; ok {
		return 1
	}
	return 0
}

// Stop cancels every job. Safe to call multiple times.
func (s *SyncScheduler) Stop() {
	s.mu.Lock()
	jobs := s.jobs
	s.jobs = make(map[string]*syncJob)
	s.mu.Unlock()
	for _, job := range jobs {
		job.stop()
	}
	s.wg.Wait()
}

func (s *SyncScheduler) loop(ctx context.Context, job *syncJob) {
	defer s.wg.Done()
	defer close(job.done)
	defer s.forget(job)

	timer := time.NewTimer(time.Until(job.NextRun))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-job.stopCh:
			return
		case now := <-timer.C:
			s.execute(ctx, job)
			job.LastRun = now
			next, err := s.next(now)
			if err != nil {
				s.logger.Error("contact sync schedule failed, job stopped", "account", job.account, "err", err)
				return
			}
			job.NextRun = next
			timer.Reset(time.Until(next))
		}
	}
}

// forget drops job from the table unless it was replaced already.
func (s *SyncScheduler) forget(job *syncJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobs[job.account] == job {
		delete(s.jobs, job.account)
	}
}

func (s *SyncScheduler) next(now time.Time) (time.Time, error) {
	if s.schedule == "" {
		return now.Add(s.interval), nil
	}
	return gronx.NextTickAfter(s.schedule, now, false)
}

func (s *SyncScheduler) execute(ctx context.Context, job *syncJob) {
	ctx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()

	metrics.SyncRuns.Inc()
	if err := s.run(ctx, job.account); err != nil {
		metrics.SyncFailures.Inc()
		s.logger.Warn("contact sync failed", "account", job.account, "err", err)
		return
	}
	s.logger.Debug("contact sync done", "account", job.account)
}
