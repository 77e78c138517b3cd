//go:build unix && !linux

package process

import "time"

// waitExited sleeps between non-blocking reaps; waitid with WNOWAIT is not
// available here.
func waitExited(int) error {
	time.Sleep(5 * time.Millisecond)
	return nil
}
