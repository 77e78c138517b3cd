// Package detector answers "is this process still running?".
//
// Probes never affect the target: a zero signal tests for existence, and a
// zombie counts as terminated because it has already exited and only waits to
// be reaped by its parent.
package detector

// Detector is a strategy that determines if a process is running.
// It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the process is detected as running.
	Alive() (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}
