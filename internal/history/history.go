// Package history exports audit records of supervised runs to external
// stores. A run produces one run event followed by one pid event for every
// process discovered in the tree.
package history

import (
	"context"
	"strings"
	"time"
)

// EventType defines the kind of audit event.
type EventType string

const (
	EventRun EventType = "run"
	EventPID EventType = "pid"
)

// Record carries the fields shared by both event types. For a run event PID
// equals RootPID and PIDCount holds the size of the tree.
type Record struct {
	RunID      string    `json:"run_id"`
	RootPID    int       `json:"root_pid"`
	PID        int       `json:"pid"`
	ParentPID  int       `json:"parent_pid"`
	Command    string    `json:"command,omitempty"`
	Strategy   string    `json:"strategy,omitempty"`
	ExitCode   int       `json:"exit_code"`
	PIDCount   int       `json:"pid_count"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Event is a single audit entry to be exported.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}

// RunEvents expands a finished run into its audit events: the run event
// first, then one pid event per entry of pids in discovery order. parents
// maps a pid to the pid it was discovered under.
func RunEvents(rec Record, pids []int, parents map[int]int) []Event {
	at := rec.FinishedAt
	if at.IsZero() {
		at = time.Now()
	}
	rec.PID = rec.RootPID
	rec.PIDCount = len(pids)
	out := make([]Event, 0, len(pids)+1)
	out = append(out, Event{Type: EventRun, OccurredAt: at, Record: rec})
	for _, pid := range pids {
		r := rec
		r.PID = pid
		r.ParentPID = parents[pid]
		r.PIDCount = 0
		out = append(out, Event{Type: EventPID, OccurredAt: at, Record: r})
	}
	return out
}

// Columns lists the audit table columns in insertion order.
var Columns = []string{
	"occurred_at", "event", "run_id", "root_pid", "pid", "parent_pid",
	"command", "strategy", "exit_code", "pid_count", "started_at", "finished_at",
}

// Values returns the column values of e in the order of Columns.
func (e Event) Values() []any {
	r := e.Record
	return []any{
		e.OccurredAt.UTC(), string(e.Type), r.RunID, r.RootPID, r.PID, r.ParentPID,
		r.Command, r.Strategy, r.ExitCode, r.PIDCount, r.StartedAt.UTC(), r.FinishedAt.UTC(),
	}
}

// DefaultTable is the table or index name used when a DSN names none.
const DefaultTable = "proctrack_history"

// InsertStatement builds an INSERT for Columns into table. mark renders the
// placeholder for the n-th argument, starting at 1.
func InsertStatement(table string, mark func(n int) string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(strings.Join(Columns, ", "))
	b.WriteString(") VALUES (")
	for i := range Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mark(i + 1))
	}
	b.WriteString(")")
	return b.String()
}
