package scheduler_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cloudpaste/gateway/internal/job"
	"github.com/cloudpaste/gateway/internal/logging"
	"github.com/cloudpaste/gateway/internal/scheduler"
	"github.com/cloudpaste/gateway/internal/store"
)

func newTestRunner(t *testing.T) (*scheduler.Runner, *scheduler.ExternalTickSource, *job.Registry, *store.DB) {
	t.Helper()
	db, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	jobs := job.NewRegistry(logging.New(false), nil)
	src := scheduler.NewExternalTickSource()
	r := scheduler.NewRunner(db.DB, jobs, logging.New(false), src, "test-runtime")
	return r, src, jobs, db
}

func TestParseCronAndMatches(t *testing.T) {
	cs, err := scheduler.ParseCron("0 3 * * *")
	require.NoError(t, err)

	require.True(t, cs.Matches(time.Date(2026, 7, 30, 3, 0, 0, 0, time.UTC)))
	require.False(t, cs.Matches(time.Date(2026, 7, 30, 4, 0, 0, 0, time.UTC)))
}

func TestParseCronRejectsWrongFieldCount(t *testing.T) {
	_, err := scheduler.ParseCron("0 3 * *")
	require.Error(t, err)
}

func TestParseCronRejectsBadField(t *testing.T) {
	_, err := scheduler.ParseCron("abc 3 * * *")
	require.Error(t, err)
}

func TestIntervalTickSourceDeliversTicks(t *testing.T) {
	src := scheduler.NewIntervalTickSource(10 * time.Millisecond)
	defer src.Stop()

	select {
	case <-src.Ticks():
	case <-time.After(time.Second):
		t.Fatal("no tick received")
	}
}

func TestExternalTickSourceFire(t *testing.T) {
	src := scheduler.NewExternalTickSource()
	now := time.Now()
	src.Fire(now)

	select {
	case got := <-src.Ticks():
		require.Equal(t, now, got)
	default:
		t.Fatal("expected buffered tick")
	}
}

func TestRunnerEvaluatesIntervalJobOnTick(t *testing.T) {
	r, src, jobs, db := newTestRunner(t)

	var fired int32
	jobs.RegisterHandler("sweep", func(ctx context.Context, j *job.Job, report job.Reporter) error {
		atomic.AddInt32(&fired, 1)
		return nil
	})
	r.RegisterHandler("sweep", func(cfg map[string]interface{}) (string, interface{}) {
		return "sweep", nil
	})

	insertScheduledJob(t, db, "task-1", "interval", 1, "")

	r.Start(context.Background())
	defer r.Stop()

	src.Fire(time.Now())
	waitFor(t, func() bool { return atomic.LoadInt32(&fired) > 0 })
}

func TestRunnerSkipsUnregisteredHandler(t *testing.T) {
	r, src, _, db := newTestRunner(t)
	insertScheduledJob(t, db, "task-1", "interval", 1, "")

	r.Start(context.Background())
	defer r.Stop()

	src.Fire(time.Now())
	time.Sleep(50 * time.Millisecond)

	status := r.Status()
	require.Equal(t, "test-runtime", status.Runtime)
}

func TestRunManualTrigger(t *testing.T) {
	r, _, jobs, db := newTestRunner(t)
	jobs.RegisterHandler("sweep", func(ctx context.Context, j *job.Job, report job.Reporter) error { return nil })
	r.RegisterHandler("sweep", func(cfg map[string]interface{}) (string, interface{}) { return "sweep", nil })
	insertScheduledJob(t, db, "task-1", "interval", 1, "")

	j, err := r.Run(context.Background(), "task-1")
	require.NoError(t, err)
	require.NotEmpty(t, j.JobID)
}

func TestRunUnknownTaskErrors(t *testing.T) {
	r, _, _, _ := newTestRunner(t)
	_, err := r.Run(context.Background(), "missing")
	require.Error(t, err)
}

func TestStatusReflectsLastTick(t *testing.T) {
	r, src, _, _ := newTestRunner(t)
	r.Start(context.Background())
	defer r.Stop()

	require.True(t, r.Status().LastTickAt.IsZero())
	src.Fire(time.Now())
	waitFor(t, func() bool { return !r.Status().LastTickAt.IsZero() })
}

func insertScheduledJob(t *testing.T, db *store.DB, taskID, scheduleType string, intervalSec int, cronExpr string) {
	t.Helper()
	_, err := db.DB.Exec(`INSERT INTO scheduled_jobs (task_id, handler_id, schedule_type, interval_sec, cron_expression, enabled) VALUES (?, ?, ?, ?, ?, 1)`,
		taskID, "sweep", scheduleType, intervalSec, cronExpr)
	require.NoError(t, err)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
