package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const TypeGenerateWalk = "latentwalk:generate"

type GenerateWalkPayload struct {
	JobID       string    `json:"job_id"`
	RequestedAt time.Time `json:"requested_at"`
}

func NewGenerateWalkTask(payload GenerateWalkPayload) (*asynq.Task, error) {
	if payload.JobID == "" {
		return nil, errors.New("job id is required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal generate payload: %w", err)
	}
	return asynq.NewTask(TypeGenerateWalk, body), nil
}

func ParseGenerateWalkPayload(task *asynq.Task) (GenerateWalkPayload, error) {
	var payload GenerateWalkPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return GenerateWalkPayload{}, fmt.Errorf("unmarshal generate payload: %w", err)
	}
	if payload.JobID == "" {
		return GenerateWalkPayload{}, errors.New("generate payload has no job id")
	}
	return payload, nil
}
