// Package jobs runs the device agent's background work on Asynq: scheduled
// activity interval and threshold events, and the periodic restriction-target
// sync against the directory.
package jobs

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskIntervalStart fires when a scheduled activity interval begins.
	TaskIntervalStart = "activity:interval_start"
	// TaskIntervalEnd fires when a scheduled activity interval ends.
	TaskIntervalEnd = "activity:interval_end"
	// TaskThresholdReached fires when a usage threshold is crossed during an
	// active interval.
	TaskThresholdReached = "activity:threshold_reached"
	// TaskTargetSync refreshes the local restriction target snapshot from the
	// directory.
	TaskTargetSync = "targets:sync"
)

// ActivityEventPayload identifies the scheduled activity an interval event
// belongs to.
type ActivityEventPayload struct {
	ActivityName string `json:"activity_name"`
	// EventName is set on threshold events only.
	EventName string `json:"event_name,omitempty"`
}

// NewIntervalStartTask constructs an interval-start task.
func NewIntervalStartTask(payload ActivityEventPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIntervalStart, data), nil
}

// NewIntervalEndTask constructs an interval-end task.
func NewIntervalEndTask(payload ActivityEventPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIntervalEnd, data), nil
}

// NewThresholdTask constructs a threshold-reached task.
func NewThresholdTask(payload ActivityEventPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskThresholdReached, data), nil
}

// NewTargetSyncTask constructs a target-sync task. The payload is empty; the
// job reads the acting dependent from the isolation guard at execution time.
func NewTargetSyncTask() *asynq.Task {
	return asynq.NewTask(TaskTargetSync, nil)
}

// Client submits jobs to the queue.
type Client struct {
	client *asynq.Client
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt) *Client {
	return &Client{client: asynq.NewClient(redisOpts)}
}

// EnqueueIntervalStart enqueues an interval-start event.
func (c *Client) EnqueueIntervalStart(ctx context.Context, payload ActivityEventPayload) (*asynq.TaskInfo, error) {
	task, err := NewIntervalStartTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault))
}

// EnqueueIntervalEnd enqueues an interval-end event.
func (c *Client) EnqueueIntervalEnd(ctx context.Context, payload ActivityEventPayload) (*asynq.TaskInfo, error) {
	task, err := NewIntervalEndTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault))
}

// EnqueueThreshold enqueues a threshold-reached event.
func (c *Client) EnqueueThreshold(ctx context.Context, payload ActivityEventPayload) (*asynq.TaskInfo, error) {
	task, err := NewThresholdTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault))
}

// EnqueueTargetSync enqueues an immediate target sync, e.g. right after a
// profile switch.
func (c *Client) EnqueueTargetSync(ctx context.Context) (*asynq.TaskInfo, error) {
	return c.client.EnqueueContext(ctx, NewTargetSyncTask(), asynq.Queue(QueueDefault))
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}
