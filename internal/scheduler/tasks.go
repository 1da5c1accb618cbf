package scheduler

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const TaskTrackingSync = "tracking.sync"

const TaskTrackingBackfill = "tracking.backfill"

type TrackingBackfillPayload struct {
	RunID string `json:"runId"`
}

func NewTrackingSyncTask() *asynq.Task {
	return asynq.NewTask(TaskTrackingSync, nil)
}

func NewTrackingBackfillTask(payload TrackingBackfillPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTrackingBackfill, data), nil
}

func ParseTrackingBackfillPayload(task *asynq.Task) (TrackingBackfillPayload, error) {
	var payload TrackingBackfillPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return TrackingBackfillPayload{}, err
	}
	return payload, nil
}
