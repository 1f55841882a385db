package process

import "time"

// State is the externally visible lifecycle state of a handle.
type State string

const (
	StateRunning State = "running"
	StateExited  State = "exited"
)

// Status is a point-in-time copy of a handle's state.
type Status struct {
	ID        string    `json:"id"`
	PID       int       `json:"pid"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"started_at"`
	ExitedAt  time.Time `json:"exited_at,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Lines     int64     `json:"lines"`
	Stopping  bool      `json:"stopping"`
}
