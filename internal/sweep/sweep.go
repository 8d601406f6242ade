// Package sweep runs the periodic maintenance jobs: expiring once-grants,
// terminating idle sessions, and pinging remote agents.
package sweep

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions plus descriptors such as
// "@every 1m" and "@hourly".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Job is a named maintenance task fired on a cron schedule.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context)
}

type scheduledJob struct {
	Job
	sched   cronlib.Schedule
	nextRun time.Time
}

// Config holds the scheduler dependencies.
type Config struct {
	Logger   *slog.Logger
	Interval time.Duration    // tick interval; defaults to 15 seconds if zero
	Now      func() time.Time // injectable clock for tests
}

// Scheduler ticks at a fixed interval and fires any jobs whose next run time
// has passed.
type Scheduler struct {
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	jobs []*scheduledJob

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		logger:   logger,
		interval: interval,
		now:      now,
	}
}

// Add registers a job. The schedule is parsed eagerly so a bad expression
// fails at wiring time, not at the first tick.
func (s *Scheduler) Add(job Job) error {
	sched, err := cronParser.Parse(job.Schedule)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &scheduledJob{
		Job:     job,
		sched:   sched,
		nextRun: sched.Next(s.now()),
	})
	return nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("sweep scheduler started", "interval", s.interval, "jobs", len(s.jobs))
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("sweep scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every job whose next run time has passed and reschedules it.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*scheduledJob
	for _, j := range s.jobs {
		if !j.nextRun.After(now) {
			due = append(due, j)
			j.nextRun = j.sched.Next(now)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		s.fire(ctx, j)
	}
}

func (s *Scheduler) fire(ctx context.Context, j *scheduledJob) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sweep job panicked", "job", j.Name, "panic", r)
		}
	}()
	start := s.now()
	j.Run(ctx)
	s.logger.Debug("sweep job fired", "job", j.Name, "elapsed", s.now().Sub(start))
}
