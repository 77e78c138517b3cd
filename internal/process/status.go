package process

import "time"

// Status is a point-in-time view of the root process.
type Status struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at"`
	// ExitCode is the exit status, or -1 when the process was killed by a signal.
	ExitCode int    `json:"exit_code"`
	Signal   string `json:"signal,omitempty"`
}
