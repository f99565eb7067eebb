package scheduler

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type denyLocker struct{ calls atomic.Int32 }

func (d *denyLocker) Acquire(context.Context, string, time.Duration) (func(), bool) {
	d.calls.Add(1)
	return nil, false
}

type countingLocker struct {
	mu       sync.Mutex
	acquired []string
	released int
}

func (c *countingLocker) Acquire(_ context.Context, job string, _ time.Duration) (func(), bool) {
	c.mu.Lock()
	c.acquired = append(c.acquired, job)
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.released++
		c.mu.Unlock()
	}, true
}

func manualConfig() Config {
	cfg := DefaultConfig()
	cfg.RunOnStart = false
	cfg.JobTimeout = time.Second
	return cfg
}

// =============================================================================
// Scheduler Tests
// =============================================================================

// TestTrigger_NonOverlap verifies a trigger during a run is skipped.
func TestTrigger_NonOverlap(t *testing.T) {
	s := New(manualConfig(), nil, nil, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32
	require.NoError(t, s.Register(Job{Name: JobFeedSync, Run: func(ctx context.Context) error {
		runs.Add(1)
		close(started)
		<-release
		return nil
	}}))

	done := make(chan error, 1)
	go func() { done <- s.Trigger(context.Background(), JobFeedSync) }()
	<-started

	err := s.Trigger(context.Background(), JobFeedSync)
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), runs.Load())

	st := s.Statuses()
	require.Len(t, st, 1)
	assert.Equal(t, 1, st[0].Runs)
	assert.Equal(t, 1, st[0].Skips)
}

// TestTrigger_Errors verifies unknown jobs, job errors and panics.
func TestTrigger_Errors(t *testing.T) {
	s := New(manualConfig(), nil, nil, nil)
	boom := errors.New("boom")
	require.NoError(t, s.Register(Job{Name: "fails", Run: func(context.Context) error { return boom }}))
	require.NoError(t, s.Register(Job{Name: "panics", Run: func(context.Context) error { panic("bad state") }}))

	assert.ErrorIs(t, s.Trigger(context.Background(), "missing"), ErrUnknownJob)
	assert.ErrorIs(t, s.Trigger(context.Background(), "fails"), boom)

	err := s.Trigger(context.Background(), "panics")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	st := s.Statuses()
	require.Len(t, st, 2)
	assert.Equal(t, "fails", st[0].Name)
	assert.Equal(t, "boom", st[0].LastError)
}

// TestTrigger_JobTimeout verifies each run gets a bounded context.
func TestTrigger_JobTimeout(t *testing.T) {
	cfg := manualConfig()
	cfg.JobTimeout = 20 * time.Millisecond
	s := New(cfg, nil, nil, nil)
	require.NoError(t, s.Register(Job{Name: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}))

	assert.ErrorIs(t, s.Trigger(context.Background(), "slow"), context.DeadlineExceeded)
}

// TestRegister_Rules verifies registration constraints.
func TestRegister_Rules(t *testing.T) {
	s := New(manualConfig(), nil, nil, nil)
	noop := func(context.Context) error { return nil }

	assert.Error(t, s.Register(Job{Name: "", Run: noop}))
	assert.Error(t, s.Register(Job{Name: "x"}))
	require.NoError(t, s.Register(Job{Name: "x", Run: noop}))
	assert.Error(t, s.Register(Job{Name: "x", Run: noop}))

	s.Start(context.Background())
	defer s.Stop()
	assert.Error(t, s.Register(Job{Name: "y", Run: noop}))
}

// TestStart_PeriodicRuns verifies jobs tick on their own interval and stop
// cleanly.
func TestStart_PeriodicRuns(t *testing.T) {
	cfg := manualConfig()
	cfg.RunOnStart = true
	s := New(cfg, nil, nil, nil)
	var fast, unscheduled atomic.Int32
	require.NoError(t, s.Register(Job{Name: JobGeoCachePurge, Interval: 10 * time.Millisecond, Run: func(context.Context) error {
		fast.Add(1)
		return nil
	}}))
	require.NoError(t, s.Register(Job{Name: JobCorrelationRefresh, Run: func(context.Context) error {
		unscheduled.Add(1)
		return nil
	}}))

	s.Start(context.Background())
	assert.Eventually(t, func() bool { return fast.Load() >= 3 }, time.Second, 5*time.Millisecond)
	s.Stop()

	after := fast.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, fast.Load())
	assert.Zero(t, unscheduled.Load())
}

// TestRegister_Specs verifies cron expressions from the job or the config and
// rejection of malformed ones.
func TestRegister_Specs(t *testing.T) {
	cfg := manualConfig()
	cfg.Specs = map[string]string{JobFeedSync: "*/10 * * * *"}
	s := New(cfg, nil, nil, nil)
	noop := func(context.Context) error { return nil }

	assert.Error(t, s.Register(Job{Name: "bad", Spec: "every tuesday", Run: noop}))
	require.NoError(t, s.Register(Job{Name: JobFeedSync, Interval: time.Minute, Run: noop}))
	require.NoError(t, s.Register(Job{Name: JobGeoCachePurge, Spec: "@hourly", Run: noop}))

	s.Start(context.Background())
	defer s.Stop()

	statuses := s.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, JobFeedSync, statuses[0].Name)
	assert.Equal(t, "*/10 * * * *", statuses[0].Spec)
	assert.Equal(t, "@hourly", statuses[1].Spec)
	for _, st := range statuses {
		assert.True(t, st.NextRun.After(time.Now()), st.Name)
		assert.Zero(t, st.Runs)
	}
}

// TestLocker_DeniedSkips verifies a lock held elsewhere skips the run.
func TestLocker_DeniedSkips(t *testing.T) {
	locker := &denyLocker{}
	s := New(manualConfig(), locker, nil, nil)
	var runs atomic.Int32
	require.NoError(t, s.Register(Job{Name: JobFeedSync, Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}))

	assert.ErrorIs(t, s.Trigger(context.Background(), JobFeedSync), ErrBusy)
	assert.Zero(t, runs.Load())
	assert.Equal(t, int32(1), locker.calls.Load())
}

// TestLocker_ReleasedAfterRun verifies the lock is released once per run.
func TestLocker_ReleasedAfterRun(t *testing.T) {
	locker := &countingLocker{}
	s := New(manualConfig(), locker, nil, nil)
	require.NoError(t, s.Register(Job{Name: JobFeedSync, Run: func(context.Context) error { return nil }}))

	require.NoError(t, s.Trigger(context.Background(), JobFeedSync))
	require.NoError(t, s.Trigger(context.Background(), JobFeedSync))

	assert.Equal(t, []string{JobFeedSync, JobFeedSync}, locker.acquired)
	assert.Equal(t, 2, locker.released)
}

// TestRedisLocker_Live exercises SET NX PX against a real Redis.
func TestRedisLocker_Live(t *testing.T) {
	addr := os.Getenv("THREATLENS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("THREATLENS_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()
	job := "test_" + time.Now().Format("150405.000000000")
	locker := NewRedisLocker(client, nil)

	release, ok := locker.Acquire(ctx, job, 5*time.Second)
	require.True(t, ok)

	_, ok = locker.Acquire(ctx, job, 5*time.Second)
	assert.False(t, ok)

	release()
	release2, ok := locker.Acquire(ctx, job, 5*time.Second)
	require.True(t, ok)
	release2()
}

// TestRedisLocker_Unreachable verifies the lock fails open.
func TestRedisLocker_Unreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()

	release, ok := NewRedisLocker(client, nil).Acquire(context.Background(), JobFeedSync, time.Second)

	assert.True(t, ok)
	require.NotNil(t, release)
	release()
}
