package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-warehouse-api/internal/models"
	appErrors "github.com/noah-isme/sma-warehouse-api/pkg/errors"
	"github.com/noah-isme/sma-warehouse-api/pkg/jobs"
)

const defaultHistorySize = 20

// JobTask performs one attempt of a job and reports rows processed and the
// number of failed units (views, queries) in that attempt.
type JobTask func(ctx context.Context) (rows int64, failures int, err error)

// TaskFactory creates the task for a run. State kept in the task's closure
// survives between the attempts of that run only.
type TaskFactory func() JobTask

// OrchestratorConfig tunes retries and history.
type OrchestratorConfig struct {
	Location    *time.Location
	MaxAttempts int
	Backoff     jobs.Backoff
	HistorySize int
}

type jobEntry struct {
	name     models.JobName
	schedule string
	factory  TaskFactory
	running  atomic.Bool

	mu      sync.Mutex
	state   models.JobState
	history []models.JobRun
}

func (e *jobEntry) snapshot() models.JobStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	status := models.JobStatus{
		Job:      e.name,
		State:    e.state,
		Schedule: e.schedule,
		History:  append([]models.JobRun{}, e.history...),
	}
	if n := len(e.history); n > 0 {
		last := e.history[n-1]
		status.LastRun = &last
	}
	return status
}

// JobOrchestrator schedules the warehouse jobs and drives each run through
// idle, running and a terminal state with bounded retries.
type JobOrchestrator struct {
	cfg     OrchestratorConfig
	cron    *cron.Cron
	metrics *MetricsService
	logger  *zap.Logger

	mu      sync.Mutex
	entries map[models.JobName]*jobEntry
	order   []models.JobName

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewJobOrchestrator constructs an orchestrator. Jobs are added with Register.
func NewJobOrchestrator(cfg OrchestratorConfig, metrics *MetricsService, logger *zap.Logger) *JobOrchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = jobs.Backoff{Initial: 30 * time.Second, Max: 5 * time.Minute, Multiplier: 2}
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &JobOrchestrator{
		cfg:     cfg,
		cron:    cron.New(cron.WithLocation(cfg.Location)),
		metrics: metrics,
		logger:  logger,
		entries: make(map[models.JobName]*jobEntry),
		ctx:     ctx,
		cancel:  cancel,
		sleep:   sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Register adds a job. An empty schedule registers a job that only runs when triggered.
func (o *JobOrchestrator) Register(name models.JobName, schedule string, factory TaskFactory) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.entries[name]; exists {
		return appErrors.Clone(appErrors.ErrConfiguration, fmt.Sprintf("job %q already registered", name))
	}
	entry := &jobEntry{name: name, schedule: schedule, factory: factory, state: models.JobStateIdle}
	if schedule != "" {
		if _, err := o.cron.AddFunc(schedule, func() { o.runScheduled(entry) }); err != nil {
			return appErrors.WrapAs(appErrors.ErrConfiguration, err, fmt.Sprintf("invalid schedule %q for job %s", schedule, name))
		}
	}
	o.entries[name] = entry
	o.order = append(o.order, name)
	return nil
}

// Start begins firing scheduled jobs.
func (o *JobOrchestrator) Start() {
	o.cron.Start()
	o.logger.Info("job scheduler started", zap.Int("jobs", len(o.order)), zap.String("timezone", o.cfg.Location.String()))
}

// Stop halts scheduling, cancels in-flight runs and waits for them to wind down.
func (o *JobOrchestrator) Stop() {
	stopped := o.cron.Stop()
	o.cancel()
	<-stopped.Done()
	o.wg.Wait()
	o.logger.Info("job scheduler stopped")
}

func (o *JobOrchestrator) runScheduled(entry *jobEntry) {
	o.wg.Add(1)
	defer o.wg.Done()
	if _, err := o.execute(o.ctx, entry, "schedule"); err != nil {
		o.logger.Info("scheduled run skipped", zap.String("job", string(entry.name)), zap.Error(err))
	}
}

// Run executes the job synchronously and returns the finished run.
func (o *JobOrchestrator) Run(ctx context.Context, name models.JobName) (models.JobRun, error) {
	entry, err := o.entry(name)
	if err != nil {
		return models.JobRun{}, err
	}
	return o.execute(ctx, entry, "manual")
}

// Trigger starts the job in the background and returns immediately. It fails
// with a conflict when the job is already running.
func (o *JobOrchestrator) Trigger(name models.JobName) (models.JobRun, error) {
	entry, err := o.entry(name)
	if err != nil {
		return models.JobRun{}, err
	}
	accepted := models.JobRun{ID: uuid.NewString(), Job: name, State: models.JobStateRunning, Trigger: "manual", StartedAt: time.Now().UTC()}
	if err := o.claim(entry, accepted); err != nil {
		return models.JobRun{}, err
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runClaimed(o.ctx, entry, accepted)
	}()
	return accepted, nil
}

// Status returns the state and recent history of every job.
func (o *JobOrchestrator) Status() []models.JobStatus {
	o.mu.Lock()
	names := append([]models.JobName(nil), o.order...)
	o.mu.Unlock()

	result := make([]models.JobStatus, 0, len(names))
	for _, name := range names {
		entry, _ := o.entry(name)
		result = append(result, entry.snapshot())
	}
	return result
}

func (o *JobOrchestrator) entry(name models.JobName) (*jobEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.entries[name]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("job %q not found", name))
	}
	return entry, nil
}

func (o *JobOrchestrator) execute(ctx context.Context, entry *jobEntry, trigger string) (models.JobRun, error) {
	run := models.JobRun{ID: uuid.NewString(), Job: entry.name, State: models.JobStateRunning, Trigger: trigger, StartedAt: time.Now().UTC()}
	return o.executeRun(ctx, entry, run)
}

func (o *JobOrchestrator) executeRun(ctx context.Context, entry *jobEntry, run models.JobRun) (models.JobRun, error) {
	if err := o.claim(entry, run); err != nil {
		return models.JobRun{}, err
	}
	return o.runClaimed(ctx, entry, run), nil
}

// claim marks the job running; only one run of a job holds the slot at a time.
func (o *JobOrchestrator) claim(entry *jobEntry, run models.JobRun) error {
	if !entry.running.CompareAndSwap(false, true) {
		o.logger.Warn("job already running, skipping run",
			zap.String("job", string(entry.name)),
			zap.String("run_id", run.ID),
			zap.String("trigger", run.Trigger),
		)
		return appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("job %s is already running", entry.name))
	}
	return nil
}

// runClaimed drives a run whose slot was taken by claim and releases it when done.
func (o *JobOrchestrator) runClaimed(ctx context.Context, entry *jobEntry, run models.JobRun) models.JobRun {
	log := o.logger.With(zap.String("job", string(entry.name)), zap.String("run_id", run.ID), zap.String("trigger", run.Trigger))
	defer entry.running.Store(false)

	entry.mu.Lock()
	entry.state = models.JobStateRunning
	entry.mu.Unlock()
	log.Info("job started")

	task := entry.factory()
	for attempt := 1; ; attempt++ {
		run.Attempts = attempt
		rows, failures, err := o.attempt(ctx, task)
		run.RowCount += rows
		run.Failures = failures
		if err == nil {
			run.State = models.JobStateSucceeded
			run.Error = ""
			break
		}
		run.Error = err.Error()
		if attempt >= o.cfg.MaxAttempts || ctx.Err() != nil {
			run.State = models.JobStateFailed
			log.Error("job failed after final attempt",
				zap.Int("attempts", attempt),
				zap.Int("failures", failures),
				zap.Error(err),
			)
			break
		}
		delay := o.cfg.Backoff.Delay(attempt)
		log.Warn("job attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := o.sleep(ctx, delay); err != nil {
			run.State = models.JobStateFailed
			run.Error = fmt.Sprintf("%s (retry cancelled: %v)", run.Error, err)
			break
		}
	}

	finished := time.Now().UTC()
	run.FinishedAt = &finished
	run.Duration = finished.Sub(run.StartedAt)

	entry.mu.Lock()
	entry.state = run.State
	entry.history = append(entry.history, run)
	if over := len(entry.history) - o.cfg.HistorySize; over > 0 {
		entry.history = append([]models.JobRun(nil), entry.history[over:]...)
	}
	entry.mu.Unlock()

	o.metrics.ObserveJobRun(run)
	log.Info("job finished",
		zap.String("state", string(run.State)),
		zap.Int("attempts", run.Attempts),
		zap.Int64("rows", run.RowCount),
		zap.Int("failures", run.Failures),
		zap.Duration("duration", run.Duration),
	)
	return run
}

// attempt runs task once, turning a panic into an error so a broken job
// cannot take the scheduler down.
func (o *JobOrchestrator) attempt(ctx context.Context, task JobTask) (rows int64, failures int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
			failures = 1
		}
	}()
	return task(ctx)
}

// RefreshViewsJob refreshes every view; retries cover only the views that failed.
func RefreshViewsJob(views *ViewRefreshService) TaskFactory {
	return func() JobTask {
		var pending []string
		return func(ctx context.Context) (int64, int, error) {
			results, err := views.RefreshAll(ctx, pending)
			var rows int64
			for _, result := range results {
				rows += result.RowsWritten
			}
			if err != nil {
				pending = FailedViews(err)
				return rows, len(pending), err
			}
			return rows, 0, nil
		}
	}
}

// GenerateStatisticsJob prunes and aggregates execution runs.
func GenerateStatisticsJob(stats *StatisticsService) TaskFactory {
	return func() JobTask {
		return func(ctx context.Context) (int64, int, error) {
			rows, err := stats.Generate(ctx)
			if err != nil {
				return 0, 1, err
			}
			return rows, 0, nil
		}
	}
}

// WarmCacheJob pre-computes the configured queries.
func WarmCacheJob(engine *QueryEngine, queries []string) TaskFactory {
	return func() JobTask {
		return func(ctx context.Context) (int64, int, error) {
			counts, err := engine.Warm(ctx, queries)
			var rows int64
			for _, n := range counts {
				rows += int64(n)
			}
			if err != nil {
				return rows, len(FailedWarmups(err)), err
			}
			return rows, 0, nil
		}
	}
}

// FailedWarmups lists the individual failures inside an error returned by Warm.
func FailedWarmups(err error) []error {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}
