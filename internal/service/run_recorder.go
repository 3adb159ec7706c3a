package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-warehouse-api/internal/models"
	"github.com/noah-isme/sma-warehouse-api/pkg/jobs"
)

const runJobType = "execution_run"

// ExecutionRunStore persists execution runs.
type ExecutionRunStore interface {
	Insert(ctx context.Context, run *models.ExecutionRun) error
}

// RunRecorder persists execution runs asynchronously through a bounded queue.
// Runs are monitoring data, so a saturated queue drops them.
type RunRecorder struct {
	queue   *jobs.Queue
	metrics *MetricsService
	logger  *zap.Logger
}

// NewRunRecorder builds the recorder and its worker queue. Call Start before Record.
func NewRunRecorder(store ExecutionRunStore, metrics *MetricsService, logger *zap.Logger, workers, buffer int) *RunRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	handler := func(ctx context.Context, job jobs.Job) error {
		run, ok := job.Payload.(models.ExecutionRun)
		if !ok {
			return fmt.Errorf("unexpected payload %T", job.Payload)
		}
		insertCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return store.Insert(insertCtx, &run)
	}
	queue := jobs.NewQueue("execution-runs", handler, jobs.QueueConfig{
		Workers:    workers,
		BufferSize: buffer,
		MaxRetries: 1,
		Backoff:    jobs.Backoff{Initial: time.Second, Max: 5 * time.Second, Multiplier: 2},
		Logger:     logger,
	})
	return &RunRecorder{queue: queue, metrics: metrics, logger: logger}
}

// Start launches the persistence workers.
func (r *RunRecorder) Start(ctx context.Context) {
	r.queue.Start(ctx)
}

// Stop waits for the workers to exit.
func (r *RunRecorder) Stop() {
	r.queue.Stop()
}

// Record queues run for persistence without blocking the caller.
func (r *RunRecorder) Record(run models.ExecutionRun) {
	err := r.queue.TryEnqueue(jobs.Job{ID: run.ID, Type: runJobType, Payload: run})
	if err == nil {
		return
	}
	r.metrics.RecordDroppedRun()
	if errors.Is(err, jobs.ErrQueueFull) {
		r.logger.Warn("execution run dropped, recorder queue full", zap.String("query_name", run.QueryName))
		return
	}
	r.logger.Warn("execution run dropped", zap.String("query_name", run.QueryName), zap.Error(err))
}
