package models

import "time"

// Event is one entry on the daemon's SSE stream. Data carries the
// type-specific payload.
type Event struct {
	Type      string         `json:"type"`
	RunID     string         `json:"run_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}
