// Package job implements the Job Runtime from spec.md §4.9: job lifecycle
// (pending/running/completed/partial/failed/cancelled), cooperative
// cancellation, progress/stat updates, per-item results and retry.
// Grounded directly on Perkeep's pkg/importer/importer.go (Host.start/stop
// with a running bool + stopreq chan struct{} cancellation token, and
// ProgressMessage{ItemsDone,ItemsTotal,BytesDone,BytesTotal}), generalized
// to the full state machine and allowed-actions table in spec.md §4.9.
// The per-mount index rebuild in internal/fsindex fans out with
// golang.org/x/sync/errgroup, the modern descendant of Perkeep's
// pkg/syncutil.Group; batch copy/remove in internal/vfs runs item by item.
package job

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cloudpaste/gateway/internal/cerr"
	"github.com/cloudpaste/gateway/internal/logging"
	"github.com/cloudpaste/gateway/internal/metrics"
)

// Status mirrors the Job.status enum from spec.md §3.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusCancelling Status = "cancelling"
	StatusCompleted  Status = "completed"
	StatusPartial    Status = "partial"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartial, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Action is one of the allowed-actions per spec.md §4.9's table.
type Action string

const (
	ActionCancel Action = "cancel"
	ActionDelete Action = "delete"
	ActionRetry  Action = "retry"
)

// ItemResult is one entry of Job.stats.itemResults, per spec.md §3.
type ItemResult struct {
	SourcePath string
	TargetPath string
	Status     string // "success" | "failed" | "skipped" | "processing"
	Error      string
	RetryCount int
}

// Stats mirrors Job.stats from spec.md §3. Fields are monotonic per
// spec.md §8's "stats.processedItems never decreases".
type Stats struct {
	TotalItems      int
	ProcessedItems  int
	SuccessCount    int
	FailedCount     int
	SkippedCount    int
	BytesTransferred int64
	TotalBytes      int64
	ItemResults     []ItemResult
}

// TriggerType mirrors spec.md §3's triggerType.
type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerScheduled TriggerType = "scheduled"
	TriggerAPI       TriggerType = "api"
)

// Job mirrors the Job entity from spec.md §3.
type Job struct {
	JobID       string
	TaskType    string
	Status      Status
	Stats       Stats
	Payload     interface{}
	CreatedAt   time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
	UpdatedAtMs int64
	ErrorMessage string
	TriggerType TriggerType

	mu     sync.Mutex
	cancel context.CancelFunc
}

// AllowedActions implements spec.md §4.9's allowed-actions table.
func (j *Job) AllowedActions() []Action {
	switch j.Status {
	case StatusPending:
		return []Action{ActionCancel, ActionDelete}
	case StatusRunning:
		return []Action{ActionCancel}
	case StatusCancelling:
		return nil
	case StatusFailed, StatusPartial:
		if j.hasFailedItems() {
			return []Action{ActionRetry, ActionDelete}
		}
		return []Action{ActionDelete}
	case StatusCompleted, StatusCancelled:
		return []Action{ActionDelete}
	}
	return nil
}

func (j *Job) hasFailedItems() bool {
	for _, r := range j.Stats.ItemResults {
		if r.Status == "failed" {
			return true
		}
	}
	return false
}

// Handler runs one job's work, reporting progress via the supplied
// Reporter and observing ctx for cooperative cancellation between batches
// and before network calls, per spec.md §5's cancellation model.
type Handler func(ctx context.Context, j *Job, report Reporter) error

// Reporter lets a running Handler push progress/item-result updates. The
// Registry applies each call to the Job as soon as it is made; updates are
// not debounced.
type Reporter interface {
	Progress(processedItems, totalItems int, bytesTransferred, totalBytes int64)
	ItemResult(r ItemResult)
}

// Registry is the JobRegistry shared resource from spec.md §5: owns every
// Job, runs Handlers with a per-job cancellation token, and reconciles
// orphaned "running" jobs to "failed" on restart.
type Registry struct {
	log logging.Logger
	met *metrics.Registry

	mu       sync.Mutex
	jobs     map[string]*Job
	handlers map[string]Handler

	// perTaskTypeSem bounds concurrency per task-type, per spec.md §4.9
	// "Workers consume a work queue (per task-type concurrency)".
	sems map[string]chan struct{}

	idSeq int
}

// NewRegistry builds an empty Registry. concurrency maps task_type to its
// worker concurrency cap; task types absent from the map default to 1.
func NewRegistry(log logging.Logger, concurrency map[string]int) *Registry {
	r := &Registry{
		log:      log.Component("job"),
		jobs:     make(map[string]*Job),
		handlers: make(map[string]Handler),
		sems:     make(map[string]chan struct{}),
	}
	for taskType, n := range concurrency {
		if n <= 0 {
			n = 1
		}
		r.sems[taskType] = make(chan struct{}, n)
	}
	return r
}

// SetMetrics attaches the process-wide metrics.Registry so Submit/run can
// increment jobs_submitted_total/jobs_completed_total/jobs_active. Optional;
// a nil Registry (the zero value before this is called) just skips the
// increments.
func (r *Registry) SetMetrics(m *metrics.Registry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.met = m
}

// RegisterHandler associates a task_type with its Handler, e.g. "copy",
// "fs_index_rebuild", "fs_index_apply_dirty".
func (r *Registry) RegisterHandler(taskType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = h
}

func (r *Registry) semFor(taskType string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	sem, ok := r.sems[taskType]
	if !ok {
		sem = make(chan struct{}, 1)
		r.sems[taskType] = sem
	}
	return sem
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// Submit creates a pending Job and starts it asynchronously, returning
// immediately with the Job's id.
func (r *Registry) Submit(ctx context.Context, taskType string, payload interface{}, trigger TriggerType) (*Job, error) {
	r.mu.Lock()
	h, ok := r.handlers[taskType]
	r.idSeq++
	id := generateJobID(taskType, r.idSeq)
	r.mu.Unlock()
	if !ok {
		return nil, cerr.New(cerr.InvalidInput, "job: no handler registered for task_type %q", taskType)
	}

	jctx, cancel := context.WithCancel(context.Background())
	j := &Job{
		JobID:       id,
		TaskType:    taskType,
		Status:      StatusPending,
		Payload:     payload,
		CreatedAt:   time.Now(),
		UpdatedAtMs: nowMillis(),
		TriggerType: trigger,
		cancel:      cancel,
	}
	r.mu.Lock()
	met := r.met
	r.jobs[id] = j
	r.mu.Unlock()

	if met != nil {
		met.JobsSubmitted.WithLabelValues(taskType).Inc()
		met.JobsActive.Inc()
	}

	go r.run(jctx, j, h)
	return j, nil
}

func generateJobID(taskType string, seq int) string {
	return taskType + "-" + time.Now().Format("20060102150405") + "-" + strconv.Itoa(seq)
}

func (r *Registry) run(ctx context.Context, j *Job, h Handler) {
	sem := r.semFor(j.TaskType)
	sem <- struct{}{}
	defer func() { <-sem }()

	j.mu.Lock()
	j.Status = StatusRunning
	now := time.Now()
	j.StartedAt = &now
	j.UpdatedAtMs = nowMillis()
	j.mu.Unlock()

	rep := &debouncedReporter{j: j, last: time.Time{}}
	err := h(ctx, j, rep)
	rep.flush()

	j.mu.Lock()
	finished := time.Now()
	j.FinishedAt = &finished
	j.UpdatedAtMs = nowMillis()
	switch {
	case ctx.Err() != nil:
		j.Status = StatusCancelled
	case err != nil:
		j.Status = StatusFailed
		j.ErrorMessage = err.Error()
	case j.Stats.FailedCount > 0:
		j.Status = StatusPartial
	default:
		j.Status = StatusCompleted
	}
	status := j.Status
	j.mu.Unlock()

	r.mu.Lock()
	met := r.met
	r.mu.Unlock()
	if met != nil {
		met.JobsCompleted.WithLabelValues(j.TaskType, string(status)).Inc()
		met.JobsActive.Dec()
	}
}

// debouncedReporter applies every Progress and ItemResult call to the Job
// immediately; calls are not coalesced, and flush does nothing.
type debouncedReporter struct {
	j    *Job
	mu   sync.Mutex
	last time.Time
}

func (d *debouncedReporter) Progress(processed, total int, bytesTransferred, totalBytes int64) {
	d.j.mu.Lock()
	if processed > d.j.Stats.ProcessedItems {
		d.j.Stats.ProcessedItems = processed
	}
	d.j.Stats.TotalItems = total
	if bytesTransferred > d.j.Stats.BytesTransferred {
		d.j.Stats.BytesTransferred = bytesTransferred
	}
	d.j.Stats.TotalBytes = totalBytes
	d.j.UpdatedAtMs = nowMillis()
	d.j.mu.Unlock()
}

func (d *debouncedReporter) ItemResult(r ItemResult) {
	d.j.mu.Lock()
	d.j.Stats.ItemResults = append(d.j.Stats.ItemResults, r)
	switch r.Status {
	case "success":
		d.j.Stats.SuccessCount++
	case "failed":
		d.j.Stats.FailedCount++
	case "skipped":
		d.j.Stats.SkippedCount++
	}
	d.j.UpdatedAtMs = nowMillis()
	d.j.mu.Unlock()
}

func (d *debouncedReporter) flush() {}

// Get returns a job by id.
func (r *Registry) Get(jobID string) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	return j, ok
}

// Cancel transitions a job to cancelling then signals its context, per
// spec.md §4.9: "cancel transitions to cancelling -> cancelled".
func (r *Registry) Cancel(jobID string) error {
	r.mu.Lock()
	j, ok := r.jobs[jobID]
	r.mu.Unlock()
	if !ok {
		return cerr.New(cerr.NotFound, "job %s not found", jobID)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	status := j.Status
	if status.Terminal() {
		return cerr.New(cerr.Conflict, "job %s is already terminal (%s)", jobID, status)
	}
	j.Status = StatusCancelling
	j.UpdatedAtMs = nowMillis()
	if j.cancel != nil {
		j.cancel()
	}
	return nil
}

// Delete removes a terminal job, per spec.md §4.9: "delete is allowed only
// for terminal states (non-terminal returns Conflict)".
func (r *Registry) Delete(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return cerr.New(cerr.NotFound, "job %s not found", jobID)
	}
	j.mu.Lock()
	terminal := j.Status.Terminal()
	j.mu.Unlock()
	if !terminal {
		return cerr.New(cerr.Conflict, "job %s is not terminal (%s)", jobID, j.Status)
	}
	delete(r.jobs, jobID)
	return nil
}

// Retry creates a new job of the same task_type preserving only failed
// items from the source job, per spec.md §4.9: "Retry is a new job
// preserving only failed items".
func (r *Registry) Retry(ctx context.Context, jobID string, trigger TriggerType) (*Job, error) {
	r.mu.Lock()
	src, ok := r.jobs[jobID]
	r.mu.Unlock()
	if !ok {
		return nil, cerr.New(cerr.NotFound, "job %s not found", jobID)
	}
	src.mu.Lock()
	if src.Status != StatusFailed && src.Status != StatusPartial {
		src.mu.Unlock()
		return nil, cerr.New(cerr.Conflict, "job %s has no failed items to retry", jobID)
	}
	var failedItems []ItemResult
	for _, it := range src.Stats.ItemResults {
		if it.Status == "failed" {
			failedItems = append(failedItems, it)
		}
	}
	taskType := src.TaskType
	src.mu.Unlock()
	if len(failedItems) == 0 {
		return nil, cerr.New(cerr.Conflict, "job %s has no failed items to retry", jobID)
	}
	return r.Submit(ctx, taskType, failedItems, trigger)
}

// ReconcileOrphaned transitions any "running" job without a live owner to
// "failed" with "worker lost", per spec.md §4.9's crash-recovery rule.
// Intended to be called once at process startup after jobs are reloaded
// from the jobs table (persistence of in-flight jobs is outside this
// in-memory Registry's scope; a DB-backed Registry wrapper reloads rows
// and calls this per orphaned row).
func (r *Registry) ReconcileOrphaned(jobIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range jobIDs {
		j, ok := r.jobs[id]
		if !ok {
			continue
		}
		j.mu.Lock()
		if j.Status == StatusRunning {
			j.Status = StatusFailed
			j.ErrorMessage = "worker lost"
			j.UpdatedAtMs = nowMillis()
		}
		j.mu.Unlock()
	}
}

// List returns every tracked job, for the admin jobs listing endpoints.
func (r *Registry) List() []*Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j)
	}
	return out
}
