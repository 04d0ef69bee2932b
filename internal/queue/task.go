package queue

import (
	"encoding/json"
	"time"
)

// Task is one unit of work. The payload is opaque to the queue.
type Task struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	FailedAt   *time.Time      `json:"failed_at,omitempty"`

	lease string
}

// NewTask marshals payload into a task of the given type.
func NewTask(taskType string, payload any) (*Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Task{Type: taskType, Payload: raw}, nil
}

// Decode unmarshals the payload into v.
func (t *Task) Decode(v any) error {
	return json.Unmarshal(t.Payload, v)
}

// Stats is a point-in-time view of a queue's lists.
type Stats struct {
	Waiting int64 `json:"waiting"`
	Active  int64 `json:"active"`
	Delayed int64 `json:"delayed"`
	Dead    int64 `json:"dead"`
	Leases  int64 `json:"leases"`
}
