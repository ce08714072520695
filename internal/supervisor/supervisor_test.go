package supervisor

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestReapExitedChild(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Run(ctx)
	defer s.Stop()

	cmd := exec.Command("/bin/true")
	pid, w, err := s.StartAndRegister(func() (int, error) {
		if err := cmd.Start(); err != nil {
			return 0, err
		}
		return cmd.Process.Pid, nil
	})
	assert.NilError(t, err)

	status, err := WaitFor(ctx, w)
	assert.NilError(t, err)
	assert.Equal(t, status.Pid, pid)
	assert.Equal(t, status.Exited, true)
	assert.Equal(t, status.Code, 0)
}

func TestReapNonZeroExit(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Run(ctx)
	defer s.Stop()

	cmd := exec.Command("/bin/false")
	_, w, err := s.StartAndRegister(func() (int, error) {
		if err := cmd.Start(); err != nil {
			return 0, err
		}
		return cmd.Process.Pid, nil
	})
	assert.NilError(t, err)

	status, err := WaitFor(ctx, w)
	assert.NilError(t, err)
	assert.Equal(t, status.Exited, true)
	assert.Equal(t, status.Code, 1)
}

func TestWaitForContextCancelled(t *testing.T) {
	s := New()
	w := s.Register(999999)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := WaitFor(ctx, w)
	assert.ErrorContains(t, err, "context done")
}

func TestUnregisterDropsWaiter(t *testing.T) {
	s := New()
	s.Register(123)
	s.Unregister(123)

	s.mu.Lock()
	_, ok := s.waiters[123]
	s.mu.Unlock()
	assert.Equal(t, ok, false)
}

// TestRuncReaperSeesExitWithNoPriorWaiter covers the lost-wake case a
// broadcast subscriber exists to close: the reaper subscribes before
// the child is ever started, so it still observes the exit even though
// nothing ever called Register for this pid.
func TestRuncReaperSeesExitWithNoPriorWaiter(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Run(ctx)
	defer s.Stop()

	reaper := s.GetRuncWithReaper()
	defer reaper.Close()

	cmd := exec.Command("/bin/true")
	assert.NilError(t, cmd.Start())
	pid := cmd.Process.Pid

	status, err := reaper.WaitForPid(ctx, pid)
	assert.NilError(t, err)
	assert.Equal(t, status.Pid, pid)
	assert.Equal(t, status.Exited, true)
	assert.Equal(t, status.Code, 0)
}

// TestRuncReaperFiltersOtherPids ensures a reaper ignores exits for
// pids it isn't waiting on, since the broadcast feed carries every
// reaped child, not just the one a given caller cares about.
func TestRuncReaperFiltersOtherPids(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Run(ctx)
	defer s.Stop()

	reaper := s.GetRuncWithReaper()
	defer reaper.Close()

	other := exec.Command("/bin/true")
	assert.NilError(t, other.Start())

	target := exec.Command("/bin/false")
	assert.NilError(t, target.Start())
	targetPid := target.Process.Pid

	status, err := reaper.WaitForPid(ctx, targetPid)
	assert.NilError(t, err)
	assert.Equal(t, status.Pid, targetPid)
	assert.Equal(t, status.Code, 1)
}

func TestReaperCloseRemovesSubscriber(t *testing.T) {
	s := New()
	reaper := s.GetRuncWithReaper()
	reaper.Close()

	s.broadcastMu.Lock()
	n := len(s.broadcast)
	s.broadcastMu.Unlock()
	assert.Equal(t, n, 0)
}
