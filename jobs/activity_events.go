package jobs

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"

	"github.com/nestguard/nestguard/internal/restriction"
)

// ActivityEventJob adapts queued scheduler events onto the restriction
// monitor. It carries no logic of its own; the monitor and its transition
// table decide everything.
type ActivityEventJob struct {
	Monitor *restriction.Monitor
}

// NewActivityEventJob constructs the handler.
func NewActivityEventJob(monitor *restriction.Monitor) *ActivityEventJob {
	return &ActivityEventJob{Monitor: monitor}
}

// HandleIntervalStart processes TaskIntervalStart tasks.
func (j *ActivityEventJob) HandleIntervalStart(ctx context.Context, t *asynq.Task) error {
	var payload ActivityEventPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	j.Monitor.OnIntervalStart(ctx, payload.ActivityName)
	return nil
}

// HandleIntervalEnd processes TaskIntervalEnd tasks.
func (j *ActivityEventJob) HandleIntervalEnd(ctx context.Context, t *asynq.Task) error {
	var payload ActivityEventPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	j.Monitor.OnIntervalEnd(ctx, payload.ActivityName)
	return nil
}

// HandleThreshold processes TaskThresholdReached tasks.
func (j *ActivityEventJob) HandleThreshold(ctx context.Context, t *asynq.Task) error {
	var payload ActivityEventPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	j.Monitor.OnThreshold(ctx, payload.EventName, payload.ActivityName)
	return nil
}
