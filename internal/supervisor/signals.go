//go:build unix

package supervisor

import (
	"log/slog"
	"os"
	"os/signal"
	"sync"

	"github.com/loykin/proctrack/internal/process"
)

// forwardSignals relays sigs received by the supervisor to the root until
// the returned stop func is called. The relay only touches the root.
func forwardSignals(root *process.Process, sigs []os.Signal, log *slog.Logger) (stop func()) {
	if len(sigs) == 0 {
		return func() {}
	}
	ch := make(chan os.Signal, len(sigs))
	signal.Notify(ch, sigs...)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case s := <-ch:
				log.Info("forwarding signal", "signal", s.String(), "pid", root.PID())
				if err := root.Signal(s); err != nil {
					log.Warn("forward signal failed", "signal", s.String(), "error", err)
				}
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
		wg.Wait()
	}
}
