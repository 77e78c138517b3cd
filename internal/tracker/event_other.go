//go:build !darwin && !freebsd && !linux

package tracker

import (
	"log/slog"
	"time"
)

// NewEventSource reports ErrUnsupported: process notifications need kqueue
// or the Linux process connector.
func NewEventSource(time.Duration, *slog.Logger) (Source, error) {
	return nil, ErrUnsupported
}
