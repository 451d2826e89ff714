package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dunamismax/catalogfit/internal/domain"
)

const TypeCatalogRun = "catalog:run"

// RunPayload asks a worker to execute one batch run.
type RunPayload struct {
	Mode        string    `json:"mode"`
	RequestedAt time.Time `json:"requested_at"`
	Source      string    `json:"source"`
}

func NewRunTask(payload RunPayload) (*asynq.Task, error) {
	if _, err := domain.ParseRunMode(payload.Mode); err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal run payload: %w", err)
	}
	return asynq.NewTask(TypeCatalogRun, body), nil
}

func ParseRunPayload(task *asynq.Task) (RunPayload, error) {
	var payload RunPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return RunPayload{}, fmt.Errorf("unmarshal run payload: %w", err)
	}
	return payload, nil
}
