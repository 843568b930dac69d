package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/smashbros/backoffice/internal/jobs"
	"github.com/smashbros/backoffice/internal/pos"
	"github.com/smashbros/backoffice/internal/shift"
	"github.com/smashbros/backoffice/jobs"
)

type recordingRebuilder struct {
	windows []shift.Window
	stores  []string
	err     error
}

func (r *recordingRebuilder) Rebuild(_ context.Context, window shift.Window, storeID string) (Snapshot, error) {
	r.windows = append(r.windows, window)
	r.stores = append(r.stores, storeID)
	if r.err != nil {
		return Snapshot{}, r.err
	}
	return Snapshot{ShiftKey: window.Key()}, nil
}

func testCalculator() *shift.Calculator {
	return shift.NewCalculator("ICT", 7*time.Hour)
}

func testMetrics() *jobmetrics.Metrics {
	return jobmetrics.NewMetrics(prometheus.NewRegistry())
}

func rebuildTask(t *testing.T, payload jobs.SnapshotRebuildPayload) *asynq.Task {
	t.Helper()
	task, err := jobs.NewSnapshotRebuildTask(payload)
	require.NoError(t, err)
	return task
}

func TestSnapshotJobRebuildsRequestedShift(t *testing.T) {
	rb := &recordingRebuilder{}
	job := NewSnapshotJob(rb, testCalculator(), nil, testMetrics())

	err := job.Handle(context.Background(), rebuildTask(t, jobs.SnapshotRebuildPayload{ShiftKey: "2024-05-01", StoreID: "store-9"}))
	require.NoError(t, err)
	require.Len(t, rb.windows, 1)
	assert.Equal(t, "2024-05-01", rb.windows[0].Key())
	assert.Equal(t, "store-9", rb.stores[0])
}

func TestSnapshotJobSkipsRetryOnBadPayload(t *testing.T) {
	job := NewSnapshotJob(&recordingRebuilder{}, testCalculator(), nil, testMetrics())

	err := job.Handle(context.Background(), asynq.NewTask(jobs.TaskSnapshotRebuild, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = job.Handle(context.Background(), rebuildTask(t, jobs.SnapshotRebuildPayload{ShiftKey: "01/05/2024"}))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.ErrorIs(t, err, shift.ErrInvalidKey)
}

func TestSnapshotJobAuthFailureIsPermanent(t *testing.T) {
	rb := &recordingRebuilder{err: pos.ErrSourceAuth}
	job := NewSnapshotJob(rb, testCalculator(), nil, testMetrics())

	err := job.Handle(context.Background(), rebuildTask(t, jobs.SnapshotRebuildPayload{ShiftKey: "2024-05-01"}))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.ErrorIs(t, err, pos.ErrSourceAuth)
}

func TestSnapshotJobTransientFailureRetries(t *testing.T) {
	rb := &recordingRebuilder{err: pos.ErrSourceUnavailable}
	job := NewSnapshotJob(rb, testCalculator(), nil, testMetrics())

	err := job.Handle(context.Background(), rebuildTask(t, jobs.SnapshotRebuildPayload{ShiftKey: "2024-05-01"}))
	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))
}

func TestShiftCloseJobRebuildsLastClosedShift(t *testing.T) {
	rb := &recordingRebuilder{}
	job := NewShiftCloseJob(rb, testCalculator(), nil, testMetrics())
	// 03:05 local on 2 May closes the shift that opened on 1 May.
	job.clock = func() time.Time { return time.Date(2024, 5, 1, 20, 5, 0, 0, time.UTC) }

	body, err := json.Marshal(jobs.ShiftClosePayload{StoreID: "store-1"})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(jobs.TaskShiftClose, body)))

	require.Len(t, rb.windows, 1)
	assert.Equal(t, "2024-05-01", rb.windows[0].Key())
	assert.Equal(t, "store-1", rb.stores[0])
}

func TestShiftCloseJobIgnoresConcurrentRebuild(t *testing.T) {
	rb := &recordingRebuilder{err: ErrConcurrentRebuild}
	job := NewShiftCloseJob(rb, testCalculator(), nil, testMetrics())

	assert.NoError(t, job.Handle(context.Background(), asynq.NewTask(jobs.TaskShiftClose, nil)))
}
