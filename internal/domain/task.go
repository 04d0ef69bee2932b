package domain

import "time"

// Task types.
const (
	TaskScheduleCheck = "schedule-stream-check"
	TaskStreamCheck   = "stream-check"
)

// CheckTask is the payload of a stream-check task.
type CheckTask struct {
	StreamerID string    `json:"streamerId"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// TransitionEvent describes a persisted status change.
type TransitionEvent struct {
	StreamerID string    `json:"streamer_id"`
	Name       string    `json:"name"`
	AvatarURL  *string   `json:"avatar"`
	Previous   Status    `json:"previous"`
	Current    Status    `json:"current"`
	OccurredAt time.Time `json:"occurred_at"`
}

// WentLive reports a not-live to live transition.
func (e TransitionEvent) WentLive() bool {
	return !e.Previous.IsLive && e.Current.IsLive
}

// WentOffline reports a live to not-live transition.
func (e TransitionEvent) WentOffline() bool {
	return e.Previous.IsLive && !e.Current.IsLive
}
