package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskSnapshotRebuild rebuilds the snapshot of one shift key.
	TaskSnapshotRebuild = "snapshot:rebuild"
	// TaskShiftClose rebuilds the most recently closed shift.
	TaskShiftClose = "shift:close"
)

// rebuildUniqueTTL suppresses duplicate rebuild tasks for the same shift key.
const rebuildUniqueTTL = 2 * time.Minute

// SnapshotRebuildPayload identifies the shift to rebuild.
type SnapshotRebuildPayload struct {
	ShiftKey string `json:"shift_key"`
	StoreID  string `json:"store_id,omitempty"`
}

// ShiftClosePayload scopes the scheduled close to a store.
type ShiftClosePayload struct {
	StoreID string `json:"store_id,omitempty"`
}

// NewSnapshotRebuildTask constructs an Asynq task.
func NewSnapshotRebuildTask(payload SnapshotRebuildPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSnapshotRebuild, data), nil
}

// NewShiftCloseTask constructs an Asynq task.
func NewShiftCloseTask(payload ShiftClosePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskShiftClose, data), nil
}
