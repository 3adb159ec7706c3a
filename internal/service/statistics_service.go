package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-warehouse-api/internal/models"
)

// StatisticsStore reads and writes execution run aggregates.
type StatisticsStore interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
	AggregateSince(ctx context.Context, since, until time.Time) ([]models.QueryStatistics, error)
	SaveStatistics(ctx context.Context, stats []models.QueryStatistics) error
}

// StatisticsService prunes old execution runs and rolls up recent ones per query.
type StatisticsService struct {
	store     StatisticsStore
	logger    *zap.Logger
	retention time.Duration
	window    time.Duration
	now       func() time.Time
}

// NewStatisticsService constructs the service.
func NewStatisticsService(store StatisticsStore, logger *zap.Logger, retention time.Duration) *StatisticsService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &StatisticsService{store: store, logger: logger, retention: retention, window: 24 * time.Hour, now: time.Now}
}

// Generate prunes runs older than the retention period and stores the last
// day's per-query statistics. It returns the number of statistics rows written.
func (s *StatisticsService) Generate(ctx context.Context) (int64, error) {
	now := s.now().UTC()

	pruned, err := s.store.PruneBefore(ctx, now.Add(-s.retention))
	if err != nil {
		return 0, err
	}

	windowEnd := now.Truncate(time.Hour)
	stats, err := s.store.AggregateSince(ctx, windowEnd.Add(-s.window), windowEnd)
	if err != nil {
		return 0, err
	}
	if err := s.store.SaveStatistics(ctx, stats); err != nil {
		return 0, err
	}

	s.logger.Info("query statistics generated",
		zap.Int64("runs_pruned", pruned),
		zap.Int("queries", len(stats)),
		zap.Time("window_end", windowEnd),
	)
	return int64(len(stats)), nil
}
