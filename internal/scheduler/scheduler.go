// Package scheduler implements the Scheduled Runner from spec.md §4.10: a
// cron/interval evaluator driven by an external "ticker" (Cloudflare cron)
// or an internal time.Ticker loop, recording runs and exposing manual
// trigger. No Perkeep package does periodic scheduling; per spec.md §9's
// explicit design note the TickSource abstraction is grounded on
// pkg/importer's Interrupt <-chan struct{} channel-based signaling idiom,
// with the evaluator itself built on the standard library (justified in
// DESIGN.md: no pack repo carries a cron/scheduling library).
package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cloudpaste/gateway/internal/job"
	"github.com/cloudpaste/gateway/internal/logging"
)

// ScheduleType mirrors spec.md §4.10's scheduleType enum.
type ScheduleType string

const (
	ScheduleInterval ScheduleType = "interval"
	ScheduleCron     ScheduleType = "cron"
)

// ScheduledJob mirrors spec.md §4.10's job shape.
type ScheduledJob struct {
	TaskID         string
	HandlerID      string
	ScheduleType   ScheduleType
	IntervalSec    int
	CronExpression string
	Enabled        bool
	Config         map[string]interface{}
	LastTick       time.Time
}

// TickSource abstracts the periodic wake-up source per spec.md §9: "the
// scheduled runner must work with an external periodic trigger (edge
// runtime cron) or an internal loop (long-lived server)". Both the
// Cloudflare-cron-driven and long-running-process deployments implement
// this the same way Perkeep's pkg/importer consumes an Interrupt channel.
type TickSource interface {
	// Ticks yields a value every time the platform wakes the process (or,
	// for an internal loop, every evaluation interval). Closed on Stop.
	Ticks() <-chan time.Time
	Stop()
}

// IntervalTickSource is the "internal loop in a long-lived server" half of
// spec.md §9's TickSource abstraction, built directly on time.Ticker.
type IntervalTickSource struct {
	ticker *time.Ticker
	ch     chan time.Time
	stop   chan struct{}
	once   sync.Once
}

func NewIntervalTickSource(interval time.Duration) *IntervalTickSource {
	t := &IntervalTickSource{
		ticker: time.NewTicker(interval),
		ch:     make(chan time.Time, 1),
		stop:   make(chan struct{}),
	}
	go t.loop()
	return t
}

func (t *IntervalTickSource) loop() {
	for {
		select {
		case <-t.stop:
			close(t.ch)
			return
		case tm := <-t.ticker.C:
			select {
			case t.ch <- tm:
			default:
			}
		}
	}
}

func (t *IntervalTickSource) Ticks() <-chan time.Time { return t.ch }

func (t *IntervalTickSource) Stop() {
	t.once.Do(func() {
		t.ticker.Stop()
		close(t.stop)
	})
}

// ExternalTickSource is the "platform ticker" half (e.g. a Cloudflare cron
// handler invoking the process once per wake-up); the caller feeds ticks
// in explicitly via Fire instead of a background goroutine.
type ExternalTickSource struct {
	ch chan time.Time
}

func NewExternalTickSource() *ExternalTickSource {
	return &ExternalTickSource{ch: make(chan time.Time, 1)}
}

func (t *ExternalTickSource) Fire(at time.Time) {
	select {
	case t.ch <- at:
	default:
	}
}

func (t *ExternalTickSource) Ticks() <-chan time.Time { return t.ch }
func (t *ExternalTickSource) Stop()                   { close(t.ch) }

// cronField is a single parsed 5-field cron expression: minute, hour,
// day-of-month, month, day-of-week, each either "*" or a set of ints.
type cronField struct {
	any    bool
	values map[int]bool
}

func parseCronField(raw string) (cronField, error) {
	if raw == "*" {
		return cronField{any: true}, nil
	}
	values := make(map[int]bool)
	for _, part := range strings.Split(raw, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return cronField{}, fmt.Errorf("scheduler: invalid cron field %q: %w", raw, err)
		}
		values[n] = true
	}
	return cronField{values: values}, nil
}

func (f cronField) matches(n int) bool {
	return f.any || f.values[n]
}

// CronSchedule is a parsed 5-field cron expression (minute hour dom month dow).
type CronSchedule struct {
	minute, hour, dom, month, dow cronField
}

// ParseCron parses a standard 5-field cron expression.
func ParseCron(expr string) (CronSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return CronSchedule{}, fmt.Errorf("scheduler: cron expression must have 5 fields, got %d", len(fields))
	}
	var cs CronSchedule
	var err error
	if cs.minute, err = parseCronField(fields[0]); err != nil {
		return CronSchedule{}, err
	}
	if cs.hour, err = parseCronField(fields[1]); err != nil {
		return CronSchedule{}, err
	}
	if cs.dom, err = parseCronField(fields[2]); err != nil {
		return CronSchedule{}, err
	}
	if cs.month, err = parseCronField(fields[3]); err != nil {
		return CronSchedule{}, err
	}
	if cs.dow, err = parseCronField(fields[4]); err != nil {
		return CronSchedule{}, err
	}
	return cs, nil
}

// Matches reports whether t falls on an instant this schedule fires,
// evaluated at minute granularity.
func (cs CronSchedule) Matches(t time.Time) bool {
	return cs.minute.matches(t.Minute()) && cs.hour.matches(t.Hour()) &&
		cs.dom.matches(t.Day()) && cs.month.matches(int(t.Month())) && cs.dow.matches(int(t.Weekday()))
}

// Runner evaluates due handlers on every tick from its TickSource, per
// spec.md §4.10.
type Runner struct {
	db       *sql.DB
	jobs     *job.Registry
	log      logging.Logger
	source   TickSource
	runtime  string // "cloudflare-cron" | "internal-loop", surfaced by the ticker endpoint

	mu       sync.Mutex
	handlers map[string]func(cfg map[string]interface{}) (taskType string, payload interface{})
	lastTick time.Time
	active   bool
	stopCh   chan struct{}
}

// NewRunner builds a Runner bound to a TickSource; Start begins consuming
// ticks until Stop is called.
func NewRunner(db *sql.DB, jobs *job.Registry, log logging.Logger, source TickSource, runtime string) *Runner {
	return &Runner{
		db:       db,
		jobs:     jobs,
		log:      log.Component("scheduler"),
		source:   source,
		runtime:  runtime,
		handlers: make(map[string]func(map[string]interface{}) (string, interface{})),
		stopCh:   make(chan struct{}),
	}
}

// RegisterHandler associates a handler_id with a function producing the
// job task_type/payload to submit when that handler's schedule fires.
func (r *Runner) RegisterHandler(handlerID string, build func(cfg map[string]interface{}) (taskType string, payload interface{})) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[handlerID] = build
}

// Start consumes ticks from the TickSource, evaluating due scheduled_jobs
// rows on each one, until Stop or the source closes.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	r.active = true
	r.mu.Unlock()
	go func() {
		for {
			select {
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			case t, ok := <-r.source.Ticks():
				if !ok {
					return
				}
				r.mu.Lock()
				r.lastTick = t
				r.mu.Unlock()
				r.evaluate(ctx, t)
			}
		}
	}()
}

func (r *Runner) Stop() {
	r.mu.Lock()
	r.active = false
	r.mu.Unlock()
	close(r.stopCh)
	r.source.Stop()
}

func (r *Runner) evaluate(ctx context.Context, now time.Time) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT task_id, handler_id, schedule_type, interval_sec, cron_expression, config_json, last_tick_ms
		FROM scheduled_jobs WHERE enabled = 1`)
	if err != nil {
		r.log.Error().Err(err).Msg("evaluate: querying scheduled_jobs")
		return
	}
	defer rows.Close()
	var due []ScheduledJob
	for rows.Next() {
		var sj ScheduledJob
		var intervalSec sql.NullInt64
		var cronExpr sql.NullString
		var configJSON string
		var lastTickMs sql.NullInt64
		if err := rows.Scan(&sj.TaskID, &sj.HandlerID, &sj.ScheduleType, &intervalSec, &cronExpr, &configJSON, &lastTickMs); err != nil {
			r.log.Error().Err(err).Msg("evaluate: scanning scheduled_jobs row")
			continue
		}
		sj.IntervalSec = int(intervalSec.Int64)
		sj.CronExpression = cronExpr.String
		if lastTickMs.Valid {
			sj.LastTick = time.UnixMilli(lastTickMs.Int64)
		}
		if r.isDue(sj, now) {
			due = append(due, sj)
		}
	}
	for _, sj := range due {
		r.trigger(ctx, sj, job.TriggerScheduled, now)
	}
}

func (r *Runner) isDue(sj ScheduledJob, now time.Time) bool {
	switch sj.ScheduleType {
	case ScheduleInterval:
		if sj.IntervalSec <= 0 {
			return false
		}
		return sj.LastTick.IsZero() || now.Sub(sj.LastTick) >= time.Duration(sj.IntervalSec)*time.Second
	case ScheduleCron:
		cs, err := ParseCron(sj.CronExpression)
		if err != nil {
			return false
		}
		if !cs.Matches(now) {
			return false
		}
		// avoid firing twice within the same minute on repeated ticks
		return sj.LastTick.IsZero() || now.Truncate(time.Minute).After(sj.LastTick.Truncate(time.Minute))
	}
	return false
}

func (r *Runner) trigger(ctx context.Context, sj ScheduledJob, trigger job.TriggerType, now time.Time) {
	r.mu.Lock()
	build, ok := r.handlers[sj.HandlerID]
	r.mu.Unlock()
	if !ok {
		r.log.Warn().Str("handler_id", sj.HandlerID).Msg("no handler registered for scheduled job")
		return
	}
	taskType, payload := build(nil)
	j, err := r.jobs.Submit(ctx, taskType, payload, trigger)
	var jobID string
	if err != nil {
		r.log.Error().Err(err).Str("task_id", sj.TaskID).Msg("submitting scheduled job failed")
	} else {
		jobID = j.JobID
	}
	_, _ = r.db.ExecContext(ctx, `UPDATE scheduled_jobs SET last_tick_ms = ? WHERE task_id = ?`, now.UnixMilli(), sj.TaskID)
	_, _ = r.db.ExecContext(ctx, `INSERT INTO scheduled_runs (task_id, trigger_type, job_id, ran_at_ms) VALUES (?,?,?,?)`,
		sj.TaskID, trigger, nullIfEmpty(jobID), now.UnixMilli())
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Run creates a one-shot manual execution, per spec.md §4.10: "Manual run
// creates a one-shot execution with triggerType=manual and records a run log".
func (r *Runner) Run(ctx context.Context, taskID string) (*job.Job, error) {
	var sj ScheduledJob
	var intervalSec sql.NullInt64
	var cronExpr sql.NullString
	err := r.db.QueryRowContext(ctx, `SELECT task_id, handler_id, schedule_type, interval_sec, cron_expression FROM scheduled_jobs WHERE task_id = ?`, taskID).
		Scan(&sj.TaskID, &sj.HandlerID, &sj.ScheduleType, &intervalSec, &cronExpr)
	if err != nil {
		return nil, fmt.Errorf("scheduler: loading task %s: %w", taskID, err)
	}
	r.mu.Lock()
	build, ok := r.handlers[sj.HandlerID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("scheduler: no handler registered for %s", sj.HandlerID)
	}
	taskType, payload := build(nil)
	j, err := r.jobs.Submit(ctx, taskType, payload, job.TriggerManual)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	_, _ = r.db.ExecContext(ctx, `INSERT INTO scheduled_runs (task_id, trigger_type, job_id, ran_at_ms) VALUES (?,?,?,?)`,
		taskID, job.TriggerManual, j.JobID, now.UnixMilli())
	return j, nil
}

// TickerStatus is the payload for the `/api/admin/scheduled-jobs/status` endpoint,
// per spec.md §4.10: "{runtime, cron.active, lastTick.ms/at, nextTick.at}".
type TickerStatus struct {
	Runtime      string
	CronActive   bool
	LastTickMs   int64
	LastTickAt   time.Time
	NextTickAt   *time.Time
}

func (r *Runner) Status() TickerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := TickerStatus{Runtime: r.runtime, CronActive: r.active, LastTickAt: r.lastTick}
	if !r.lastTick.IsZero() {
		st.LastTickMs = r.lastTick.UnixMilli()
	}
	return st
}
