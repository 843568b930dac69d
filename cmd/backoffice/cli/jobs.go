package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/hibiken/asynq"

	"github.com/smashbros/backoffice/internal/shift"
	"github.com/smashbros/backoffice/jobs"
)

// Enqueuer submits snapshot jobs. *jobs.Client satisfies it.
type Enqueuer interface {
	EnqueueSnapshotRebuild(ctx context.Context, payload jobs.SnapshotRebuildPayload) (*asynq.TaskInfo, error)
	EnqueueShiftClose(ctx context.Context, payload jobs.ShiftClosePayload) (*asynq.TaskInfo, error)
}

// QueueInspector reads queue state. *asynq.Inspector satisfies it.
type QueueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
}

// JobsCLI wraps manual management helpers for snapshot jobs.
type JobsCLI struct {
	client    Enqueuer
	inspector QueueInspector
	calc      *shift.Calculator
}

// NewJobsCLI builds the helpers on top of an enqueuer and inspector.
func NewJobsCLI(client Enqueuer, inspector QueueInspector, calc *shift.Calculator) *JobsCLI {
	return &JobsCLI{client: client, inspector: inspector, calc: calc}
}

// Enqueued reports the outcome for one shift key.
type Enqueued struct {
	ShiftKey  string
	TaskID    string
	Duplicate bool
}

// Rebuild enqueues a snapshot rebuild for one shift key.
func (c *JobsCLI) Rebuild(ctx context.Context, key, storeID string) (Enqueued, error) {
	if c == nil || c.client == nil {
		return Enqueued{}, errors.New("jobs cli: client not configured")
	}
	window, err := c.calc.WindowForKey(key)
	if err != nil {
		return Enqueued{}, err
	}
	return c.enqueue(ctx, window.Key(), storeID)
}

// Backfill enqueues rebuilds for every shift from..to inclusive. It stops at
// the first enqueue failure and returns what was submitted so far.
func (c *JobsCLI) Backfill(ctx context.Context, from, to, storeID string) ([]Enqueued, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	windows, err := c.calc.Range(from, to)
	if err != nil {
		return nil, err
	}
	out := make([]Enqueued, 0, len(windows))
	for _, w := range windows {
		res, err := c.enqueue(ctx, w.Key(), storeID)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

// TriggerClose enqueues the shift-close job immediately.
func (c *JobsCLI) TriggerClose(ctx context.Context, storeID string) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	return c.client.EnqueueShiftClose(ctx, jobs.ShiftClosePayload{StoreID: storeID})
}

func (c *JobsCLI) enqueue(ctx context.Context, key, storeID string) (Enqueued, error) {
	info, err := c.client.EnqueueSnapshotRebuild(ctx, jobs.SnapshotRebuildPayload{ShiftKey: key, StoreID: storeID})
	if errors.Is(err, asynq.ErrDuplicateTask) {
		return Enqueued{ShiftKey: key, Duplicate: true}, nil
	}
	if err != nil {
		return Enqueued{}, fmt.Errorf("jobs cli: enqueue %s: %w", key, err)
	}
	res := Enqueued{ShiftKey: key}
	if info != nil {
		res.TaskID = info.ID
	}
	return res, nil
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string
	Pending   int
	Active    int
	Scheduled int
	Retry     int
}

// InspectQueue reports the queue metrics for the default queue.
func (c *JobsCLI) InspectQueue(ctx context.Context) (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	info, err := c.inspector.GetQueueInfo(jobs.QueueDefault)
	if err != nil {
		return QueueStats{}, err
	}
	stats := QueueStats{Queue: jobs.QueueDefault}
	if info != nil {
		stats.Pending = info.Pending
		stats.Active = info.Active
		stats.Scheduled = info.Scheduled
		stats.Retry = info.Retry
	}
	return stats, nil
}

func printEnqueued(w io.Writer, res Enqueued) {
	if res.Duplicate {
		fmt.Fprintf(w, "%s\talready queued\n", res.ShiftKey)
		return
	}
	fmt.Fprintf(w, "%s\tqueued\t%s\n", res.ShiftKey, res.TaskID)
}
