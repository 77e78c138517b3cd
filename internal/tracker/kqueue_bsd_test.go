//go:build darwin || freebsd

package tracker

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventSourceReportsExit(t *testing.T) {
	src, err := NewEventSource(20*time.Millisecond, quietLogger())
	require.NoError(t, err)
	defer func() { _ = src.Close() }()
	assert.Equal(t, "event", src.Name())

	cmd := exec.Command("/bin/sh", "-c", "read _")
	stdin, err := cmd.StdinPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	require.NoError(t, src.Watch(pid))

	_ = stdin.Close()
	var got Note
	deadline := time.Now().Add(2 * time.Second)
	for got&NoteExit == 0 && time.Now().Before(deadline) {
		evs, err := src.Wait(context.Background())
		require.NoError(t, err)
		for _, ev := range evs {
			if ev.PID == pid {
				got |= ev.Notes
			}
		}
	}
	assert.NotZero(t, got&NoteExit)
	_ = cmd.Wait()
}

func TestEventSourceWatchGone(t *testing.T) {
	src, err := NewEventSource(0, nil)
	require.NoError(t, err)
	defer func() { _ = src.Close() }()

	cmd := exec.Command("/usr/bin/true")
	require.NoError(t, cmd.Run())
	require.ErrorIs(t, src.Watch(cmd.Process.Pid), ErrGone)
}

func TestEventSourceTimeoutReturnsEmptyBatch(t *testing.T) {
	src, err := NewEventSource(5*time.Millisecond, nil)
	require.NoError(t, err)
	defer func() { _ = src.Close() }()

	evs, err := src.Wait(context.Background())
	require.NoError(t, err)
	assert.Empty(t, evs)
	require.NoError(t, src.Close())
	require.NoError(t, src.Close())
}
