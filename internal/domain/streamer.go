package domain

import (
	"errors"
	"time"
)

// ErrNoHandles is returned by Validate when a streamer has no platform handle.
var ErrNoHandles = errors.New("streamer has no platform handle")

// Streamer is a tracked content creator with their last persisted status.
type Streamer struct {
	ID        string              `json:"id"`
	Name      string              `json:"name"`
	Handles   map[Platform]string `json:"handles"`
	AvatarURL *string             `json:"avatar"`
	Status    Status              `json:"status"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// Validate checks the streamer invariants.
func (s *Streamer) Validate() error {
	for _, h := range s.Handles {
		if h != "" {
			return nil
		}
	}
	return ErrNoHandles
}

// Handle returns the handle on p, if any.
func (s *Streamer) Handle(p Platform) (string, bool) {
	h, ok := s.Handles[p]
	return h, ok && h != ""
}
