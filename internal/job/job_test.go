package job_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cloudpaste/gateway/internal/job"
	"github.com/cloudpaste/gateway/internal/logging"
)

func waitTerminal(t *testing.T, r *job.Registry, jobID string) *job.Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		j, ok := r.Get(jobID)
		require.True(t, ok)
		if j.Status.Terminal() {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal state in time", jobID)
	return nil
}

func TestSubmitRunsToCompletion(t *testing.T) {
	r := job.NewRegistry(logging.New(false), nil)
	r.RegisterHandler("noop", func(ctx context.Context, j *job.Job, report job.Reporter) error {
		report.Progress(1, 1, 0, 0)
		report.ItemResult(job.ItemResult{SourcePath: "a", Status: "success"})
		return nil
	})

	j, err := r.Submit(context.Background(), "noop", nil, job.TriggerManual)
	require.NoError(t, err)

	done := waitTerminal(t, r, j.JobID)
	require.Equal(t, job.StatusCompleted, done.Status)
	require.Equal(t, 1, done.Stats.SuccessCount)
}

func TestSubmitUnknownTaskType(t *testing.T) {
	r := job.NewRegistry(logging.New(false), nil)
	_, err := r.Submit(context.Background(), "missing", nil, job.TriggerManual)
	require.Error(t, err)
}

func TestSubmitPartialOnFailedItems(t *testing.T) {
	r := job.NewRegistry(logging.New(false), nil)
	r.RegisterHandler("batch", func(ctx context.Context, j *job.Job, report job.Reporter) error {
		report.ItemResult(job.ItemResult{SourcePath: "a", Status: "success"})
		report.ItemResult(job.ItemResult{SourcePath: "b", Status: "failed", Error: "boom"})
		return nil
	})

	j, err := r.Submit(context.Background(), "batch", nil, job.TriggerManual)
	require.NoError(t, err)

	done := waitTerminal(t, r, j.JobID)
	require.Equal(t, job.StatusPartial, done.Status)
	require.ElementsMatch(t, []job.Action{job.ActionRetry, job.ActionDelete}, done.AllowedActions())
}

func TestCancelRejectsTerminalJob(t *testing.T) {
	r := job.NewRegistry(logging.New(false), nil)
	r.RegisterHandler("quick", func(ctx context.Context, j *job.Job, report job.Reporter) error {
		return nil
	})
	j, err := r.Submit(context.Background(), "quick", nil, job.TriggerManual)
	require.NoError(t, err)
	waitTerminal(t, r, j.JobID)

	err = r.Cancel(j.JobID)
	require.Error(t, err)
}

func TestCancelSignalsContext(t *testing.T) {
	r := job.NewRegistry(logging.New(false), nil)
	started := make(chan struct{})
	r.RegisterHandler("slow", func(ctx context.Context, j *job.Job, report job.Reporter) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	j, err := r.Submit(context.Background(), "slow", nil, job.TriggerManual)
	require.NoError(t, err)

	<-started
	require.NoError(t, r.Cancel(j.JobID))

	done := waitTerminal(t, r, j.JobID)
	require.Equal(t, job.StatusCancelled, done.Status)
}

func TestDeleteRequiresTerminalStatus(t *testing.T) {
	r := job.NewRegistry(logging.New(false), nil)
	started := make(chan struct{})
	release := make(chan struct{})
	r.RegisterHandler("long", func(ctx context.Context, j *job.Job, report job.Reporter) error {
		close(started)
		<-release
		return nil
	})
	j, err := r.Submit(context.Background(), "long", nil, job.TriggerManual)
	require.NoError(t, err)
	<-started

	require.Error(t, r.Delete(j.JobID))
	close(release)
	waitTerminal(t, r, j.JobID)
	require.NoError(t, r.Delete(j.JobID))

	_, ok := r.Get(j.JobID)
	require.False(t, ok)
}

func TestRetryPreservesOnlyFailedItems(t *testing.T) {
	r := job.NewRegistry(logging.New(false), nil)
	r.RegisterHandler("copy", func(ctx context.Context, j *job.Job, report job.Reporter) error {
		if items, ok := j.Payload.([]job.ItemResult); ok {
			for _, it := range items {
				report.ItemResult(job.ItemResult{SourcePath: it.SourcePath, Status: "success"})
			}
			return nil
		}
		report.ItemResult(job.ItemResult{SourcePath: "ok", Status: "success"})
		report.ItemResult(job.ItemResult{SourcePath: "bad", Status: "failed"})
		return nil
	})

	j, err := r.Submit(context.Background(), "copy", nil, job.TriggerManual)
	require.NoError(t, err)
	waitTerminal(t, r, j.JobID)

	retry, err := r.Retry(context.Background(), j.JobID, job.TriggerAPI)
	require.NoError(t, err)
	items, ok := retry.Payload.([]job.ItemResult)
	require.True(t, ok)
	require.Len(t, items, 1)
	require.Equal(t, "bad", items[0].SourcePath)

	waitTerminal(t, r, retry.JobID)
}

func TestReconcileOrphaned(t *testing.T) {
	r := job.NewRegistry(logging.New(false), nil)
	release := make(chan struct{})
	started := make(chan struct{})
	r.RegisterHandler("long", func(ctx context.Context, j *job.Job, report job.Reporter) error {
		close(started)
		<-release
		return nil
	})
	j, err := r.Submit(context.Background(), "long", nil, job.TriggerManual)
	require.NoError(t, err)
	<-started

	r.ReconcileOrphaned([]string{j.JobID})
	reconciled, ok := r.Get(j.JobID)
	require.True(t, ok)
	require.Equal(t, job.StatusFailed, reconciled.Status)

	close(release)
}
