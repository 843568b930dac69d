package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/smashbros/backoffice/internal/jobs"
	"github.com/smashbros/backoffice/internal/pos"
	"github.com/smashbros/backoffice/internal/shift"
	"github.com/smashbros/backoffice/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// Rebuilder is the builder surface the job handlers need.
type Rebuilder interface {
	Rebuild(ctx context.Context, window shift.Window, storeID string) (Snapshot, error)
}

// SnapshotJob processes snapshot rebuild tasks.
type SnapshotJob struct {
	builder Rebuilder
	calc    *shift.Calculator
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewSnapshotJob constructs a job handler.
func NewSnapshotJob(builder Rebuilder, calc *shift.Calculator, logger *slog.Logger, metrics *jobmetrics.Metrics) *SnapshotJob {
	return &SnapshotJob{builder: builder, calc: calc, Logger: logger, Metrics: metrics}
}

// Handle fulfils the asynq.HandlerFunc contract.
func (j *SnapshotJob) Handle(ctx context.Context, task *asynq.Task) (resultErr error) {
	var payload jobs.SnapshotRebuildPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	window, err := j.calc.WindowForKey(payload.ShiftKey)
	if err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	tracker := metricsOrDefault(j.Metrics).Track(jobs.TaskSnapshotRebuild)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := loggerFor(j.Logger, jobs.TaskSnapshotRebuild).With(slog.String("shift_key", payload.ShiftKey))
	if _, err := j.builder.Rebuild(ctx, window, payload.StoreID); err != nil {
		logger.Error("snapshot rebuild", slog.Any("error", err))
		return retryable(err)
	}
	return nil
}

// ShiftCloseJob rebuilds the most recently closed shift. It runs on the
// scheduler shortly after the shift end.
type ShiftCloseJob struct {
	builder Rebuilder
	calc    *shift.Calculator
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewShiftCloseJob wires dependencies for the close handler.
func NewShiftCloseJob(builder Rebuilder, calc *shift.Calculator, logger *slog.Logger, metrics *jobmetrics.Metrics) *ShiftCloseJob {
	return &ShiftCloseJob{
		builder: builder,
		calc:    calc,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes shift close tasks.
func (j *ShiftCloseJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.builder == nil {
		return errors.New("shift close: handler not configured")
	}
	var payload jobs.ShiftClosePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	tracker := metricsOrDefault(j.Metrics).Track(jobs.TaskShiftClose)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	window := j.calc.LastClosed(j.now())
	logger := loggerFor(j.Logger, jobs.TaskShiftClose).With(slog.String("shift_key", window.Key()))
	logger.Info("closing shift")

	snap, err := j.builder.Rebuild(ctx, window, payload.StoreID)
	if errors.Is(err, ErrConcurrentRebuild) {
		logger.Info("shift already rebuilding")
		return nil
	}
	if err != nil {
		logger.Error("close shift", slog.Any("error", err))
		return retryable(err)
	}
	logger.Info("closed shift", slog.Int("receipts", snap.TotalReceipts), slog.Bool("truncated", snap.Truncated))
	return nil
}

func (j *ShiftCloseJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// retryable marks credential failures as permanent.
func retryable(err error) error {
	if errors.Is(err, pos.ErrSourceAuth) {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}

func loggerFor(logger *slog.Logger, job string) *slog.Logger {
	if logger != nil {
		return logger.With(slog.String("job", job))
	}
	return slog.Default().With(slog.String("job", job))
}

func metricsOrDefault(m *jobmetrics.Metrics) *jobmetrics.Metrics {
	if m != nil {
		return m
	}
	return defaultJobMetrics
}
