//go:build unix

package supervisor

import (
	"errors"
	"fmt"

	"github.com/loykin/proctrack/internal/config"
	"github.com/loykin/proctrack/internal/tracker"
)

// selectSource builds the liveness source for opts.Strategy. auto prefers
// kernel notifications and falls back to polling where they are missing.
func selectSource(opts Options) (tracker.Source, error) {
	switch opts.Strategy {
	case config.StrategyPoll:
		return tracker.NewPollSource(opts.Poll), nil
	case config.StrategyEvent:
		src, err := tracker.NewEventSource(opts.EventTimeout, opts.Logger)
		if err != nil {
			return nil, fmt.Errorf("event strategy: %w", err)
		}
		return src, nil
	case config.StrategyAuto:
		src, err := tracker.NewEventSource(opts.EventTimeout, opts.Logger)
		if errors.Is(err, tracker.ErrUnsupported) {
			opts.Logger.Debug("process notifications unavailable, polling")
			return tracker.NewPollSource(opts.Poll), nil
		}
		if err != nil {
			return nil, fmt.Errorf("event strategy: %w", err)
		}
		return src, nil
	}
	return nil, fmt.Errorf("unknown strategy %q", opts.Strategy)
}
