// Package children lists the direct children of a process.
//
// The Enumerator owns a reusable buffer and keeps growing it until a Source
// reports fewer pids than the buffer holds, so a listing is never silently
// truncated. A process that vanished before it could be listed has no children.
package children

import (
	"errors"
	"fmt"

	"github.com/loykin/proctrack/internal/metrics"
)

// DefaultCapacity is the initial buffer size of an Enumerator.
const DefaultCapacity = 16

// ErrNotFound is returned by a Source when the parent process no longer exists.
var ErrNotFound = errors.New("process not found")

// Source writes the direct children of pid into buf and returns how many it wrote.
// A return value equal to len(buf) means the listing may have been truncated.
// When pid does not exist the error must match ErrNotFound.
type Source interface {
	Fill(pid int, buf []int) (int, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(pid int, buf []int) (int, error)

func (f SourceFunc) Fill(pid int, buf []int) (int, error) { return f(pid, buf) }

// Enumerator lists children through a Source. It is not safe for concurrent use.
type Enumerator struct {
	src Source
	buf []int
}

// New returns an Enumerator over src with the default initial capacity.
func New(src Source) *Enumerator { return NewWithCapacity(src, DefaultCapacity) }

// NewWithCapacity returns an Enumerator whose first buffer holds n pids.
func NewWithCapacity(src Source, n int) *Enumerator {
	if n <= 0 {
		n = DefaultCapacity
	}
	return &Enumerator{src: src, buf: make([]int, n)}
}

// Capacity returns the current buffer size.
func (e *Enumerator) Capacity() int { return len(e.buf) }

// List returns the direct children of pid. The returned slice is owned by the caller.
func (e *Enumerator) List(pid int) ([]int, error) {
	if pid <= 0 {
		return nil, nil
	}
	metrics.IncEnumeration()
	for {
		n, err := e.src.Fill(pid, e.buf)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, nil
			}
			return nil, fmt.Errorf("list children of pid %d: %w", pid, err)
		}
		if n < len(e.buf) {
			out := make([]int, 0, n)
			for _, c := range e.buf[:n] {
				if c > 0 {
					out = append(out, c)
				}
			}
			return out, nil
		}
		e.grow(n)
	}
}

func (e *Enumerator) grow(reported int) {
	next := len(e.buf) * 2
	if reported >= next {
		next = reported + DefaultCapacity
	}
	metrics.IncEnumerationRetry()
	e.buf = make([]int, next)
}
