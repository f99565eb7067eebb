// Package scheduler runs periodic maintenance jobs on independent schedules,
// either a fixed interval or a cron expression. A job never overlaps with
// itself: a tick or trigger that arrives while the previous run is still in
// flight is skipped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/observability"
)

// Job names.
const (
	JobFeedSync           = "feed_sync"
	JobCorrelationRefresh = "correlation_refresh"
	JobGeoCachePurge      = "geo_cache_purge"
)

var (
	// ErrUnknownJob is returned for a job name that was never registered.
	ErrUnknownJob = errors.New("unknown job")
	// ErrBusy is returned by Trigger when the job is already running.
	ErrBusy = errors.New("job already running")
)

// Config holds job intervals. A zero interval disables the periodic schedule
// for that job; it can still be triggered.
type Config struct {
	FeedSyncInterval           time.Duration `yaml:"feed_sync_interval" validate:"gte=0"`
	CorrelationRefreshInterval time.Duration `yaml:"correlation_refresh_interval" validate:"gte=0"`
	GeoCachePurgeInterval      time.Duration `yaml:"geo_cache_purge_interval" validate:"gte=0"`
	// JobTimeout bounds a single run.
	JobTimeout time.Duration `yaml:"job_timeout" validate:"gte=0"`
	// LockTTL is the lifetime of the distributed lock when one is configured.
	LockTTL    time.Duration `yaml:"lock_ttl" validate:"gte=0"`
	RunOnStart bool          `yaml:"run_on_start"`
	// Specs maps a job name to a standard cron expression that replaces its
	// interval, e.g. feed_sync: "*/10 * * * *".
	Specs map[string]string `yaml:"specs"`
}

// DefaultConfig returns the standard schedule.
func DefaultConfig() Config {
	return Config{
		FeedSyncInterval:           15 * time.Minute,
		CorrelationRefreshInterval: 5 * time.Minute,
		GeoCachePurgeInterval:      time.Hour,
		JobTimeout:                 10 * time.Minute,
		LockTTL:                    15 * time.Minute,
		RunOnStart:                 true,
	}
}

// Func is the body of a job.
type Func func(ctx context.Context) error

// Job is a named unit of periodic work. Spec, when set, is a standard cron
// expression and takes precedence over Interval.
type Job struct {
	Name     string
	Interval time.Duration
	Spec     string
	Run      Func
}

// every fires at a fixed gap after each activation. Unlike cron.Every it
// keeps sub-second precision.
type every time.Duration

func (d every) Next(t time.Time) time.Time { return t.Add(time.Duration(d)) }

type entry struct {
	job      Job
	schedule cron.Schedule
	cronID   cron.EntryID
	running  sync.Mutex

	mu       sync.Mutex
	lastRun  time.Time
	lastErr  error
	runs     int
	skips    int
	duration time.Duration
}

// Status reports the state of one job.
type Status struct {
	Name        string        `json:"name"`
	Interval    time.Duration `json:"interval"`
	Spec        string        `json:"spec,omitempty"`
	NextRun     time.Time     `json:"next_run,omitempty"`
	LastRun     time.Time     `json:"last_run,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	Runs        int           `json:"runs"`
	Skips       int           `json:"skips"`
	LastElapsed time.Duration `json:"last_elapsed"`
}

// Scheduler owns the job schedules.
type Scheduler struct {
	config  Config
	locker  Locker
	logger  *zap.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	jobs    map[string]*entry
	cron    *cron.Cron
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a scheduler. A nil locker runs with in-process guards only.
func New(cfg Config, locker Locker, logger *zap.Logger, metrics *observability.Metrics) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		config:  cfg,
		locker:  locker,
		logger:  logger.With(zap.String("component", "scheduler")),
		metrics: metrics,
		jobs:    make(map[string]*entry),
	}
}

// Register adds a job. Jobs must be registered before Start.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job requires a name and a func")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("register %s: scheduler already started", job.Name)
	}
	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("register %s: duplicate job", job.Name)
	}
	if spec, ok := s.config.Specs[job.Name]; ok && job.Spec == "" {
		job.Spec = spec
	}

	e := &entry{job: job}
	switch {
	case job.Spec != "":
		sched, err := cron.ParseStandard(job.Spec)
		if err != nil {
			return fmt.Errorf("register %s: invalid spec %q: %w", job.Name, job.Spec, err)
		}
		e.schedule = sched
	case job.Interval > 0:
		e.schedule = every(job.Interval)
	}
	s.jobs[job.Name] = e
	return nil
}

// Start schedules every job that has an interval or spec. With RunOnStart
// each scheduled job also runs once immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.cron = cron.New(cron.WithLocation(time.UTC))

	for _, e := range s.jobs {
		if e.schedule == nil {
			s.logger.Info("Job has no schedule", zap.String("job", e.job.Name))
			continue
		}
		e := e
		e.cronID = s.cron.Schedule(e.schedule, cron.FuncJob(func() { s.execute(ctx, e) }))
		if s.config.RunOnStart {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.execute(ctx, e)
			}()
		}
	}
	s.cron.Start()
	s.logger.Info("Scheduler started", zap.Int("jobs", len(s.jobs)))
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, c := s.cancel, s.cron
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if c != nil {
		<-c.Stop().Done()
	}
	s.wg.Wait()
}

// Trigger runs the named job now under the same non-overlap guard as the
// periodic schedule. It returns ErrBusy when the job is already running.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	ran, err := s.execute(ctx, e)
	if !ran {
		return ErrBusy
	}
	return err
}

// Statuses returns job states sorted by name.
func (s *Scheduler) Statuses() []Status {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.jobs))
	for _, e := range s.jobs {
		entries = append(entries, e)
	}
	c := s.cron
	s.mu.Unlock()

	out := make([]Status, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		st := Status{
			Name:        e.job.Name,
			Interval:    e.job.Interval,
			Spec:        e.job.Spec,
			LastRun:     e.lastRun,
			Runs:        e.runs,
			Skips:       e.skips,
			LastElapsed: e.duration,
		}
		if e.lastErr != nil {
			st.LastError = e.lastErr.Error()
		}
		e.mu.Unlock()
		if c != nil && e.cronID != 0 {
			st.NextRun = c.Entry(e.cronID).Next
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// execute runs the job unless a run is already in flight, locally or on
// another replica. It reports whether the job ran.
func (s *Scheduler) execute(ctx context.Context, e *entry) (bool, error) {
	name := e.job.Name
	if !e.running.TryLock() {
		s.skip(e, "Job still running, skipping")
		return false, nil
	}
	defer e.running.Unlock()

	if s.locker != nil {
		release, ok := s.locker.Acquire(ctx, name, s.lockTTL())
		if !ok {
			s.skip(e, "Job held by another instance, skipping")
			return false, nil
		}
		defer release()
	}

	runCtx := ctx
	if s.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.config.JobTimeout)
		defer cancel()
	}

	start := time.Now()
	err := s.safeRun(runCtx, e.job)
	elapsed := time.Since(start)

	e.mu.Lock()
	e.lastRun = start
	e.lastErr = err
	e.runs++
	e.duration = elapsed
	e.mu.Unlock()

	if err != nil {
		s.metrics.JobRan(name, "error")
		s.logger.Warn("Job failed", zap.String("job", name), zap.Duration("elapsed", elapsed), zap.Error(err))
		return true, err
	}
	s.metrics.JobRan(name, "ok")
	s.logger.Debug("Job completed", zap.String("job", name), zap.Duration("elapsed", elapsed))
	return true, nil
}

func (s *Scheduler) safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
		}
	}()
	return job.Run(ctx)
}

func (s *Scheduler) skip(e *entry, msg string) {
	e.mu.Lock()
	e.skips++
	e.mu.Unlock()
	s.metrics.JobSkipped(e.job.Name)
	s.logger.Info(msg, zap.String("job", e.job.Name))
}

func (s *Scheduler) lockTTL() time.Duration {
	if s.config.LockTTL > 0 {
		return s.config.LockTTL
	}
	if s.config.JobTimeout > 0 {
		return s.config.JobTimeout
	}
	return DefaultConfig().LockTTL
}
