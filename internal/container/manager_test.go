package container

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/banksean/vminitd/internal/agenterr"
	"github.com/banksean/vminitd/internal/poller"
	"github.com/banksean/vminitd/internal/supervisor"
)

// newTestManager builds a Manager with a cgroup-less container record
// inserted directly, bypassing CreateContainer's real cgroupfs writes
// (unavailable in a non-VM test sandbox). Bundle I/O still happens for
// real, rooted under bundlesRoot which the test redirects to a temp
// dir.
func newTestManager(t *testing.T, containerID string) (*Manager, *supervisor.Supervisor) {
	t.Helper()
	bundlesRoot = t.TempDir()

	p, err := poller.New()
	assert.NilError(t, err)
	t.Cleanup(func() { p.Close() })

	sup := supervisor.New()
	ctx, cancel := context.WithCancel(context.Background())
	go sup.Run(ctx)
	t.Cleanup(func() { cancel(); sup.Stop() })

	m := NewManager(sup, p, "")

	b, err := materializeBundle(containerID, Spec{Root: t.TempDir()})
	assert.NilError(t, err)

	m.mu.Lock()
	m.containers[containerID] = &containerState{bundle: b, processes: map[string]*Process{}}
	m.mu.Unlock()

	return m, sup
}

func TestCreateExecInitThenDuplicateRejected(t *testing.T) {
	m, _ := newTestManager(t, "c1")
	ctx := context.Background()

	_, err := m.CreateExec(ctx, "c1", "c1", ProcessSpec{Args: []string{"/bin/true"}})
	assert.NilError(t, err)

	_, err = m.CreateExec(ctx, "c1", "c1", ProcessSpec{Args: []string{"/bin/true"}})
	assert.Equal(t, agenterr.CodeOf(err), agenterr.AlreadyExists)
}

func TestStartWaitTrueExitsZero(t *testing.T) {
	m, _ := newTestManager(t, "c2")
	ctx := context.Background()

	_, err := m.CreateExec(ctx, "c2", "c2", ProcessSpec{Args: []string{"/bin/true"}})
	assert.NilError(t, err)

	pid, err := m.Start(ctx, "c2", "c2", "", ProcessSpec{Args: []string{"/bin/true"}}, StdioEndpoints{})
	assert.NilError(t, err)
	assert.Assert(t, pid > 0)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	status, err := m.Wait(waitCtx, "c2", "c2")
	assert.NilError(t, err)
	assert.Equal(t, status.Code, 0)
}

func TestStartWaitFalseExitsOne(t *testing.T) {
	m, _ := newTestManager(t, "c3")
	ctx := context.Background()

	_, err := m.CreateExec(ctx, "c3", "c3", ProcessSpec{Args: []string{"/bin/false"}})
	assert.NilError(t, err)
	_, err = m.Start(ctx, "c3", "c3", "", ProcessSpec{Args: []string{"/bin/false"}}, StdioEndpoints{})
	assert.NilError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	status, err := m.Wait(waitCtx, "c3", "c3")
	assert.NilError(t, err)
	assert.Equal(t, status.Code, 1)
}

func TestExecOperationsOnUnknownIDFailInvalidState(t *testing.T) {
	m, _ := newTestManager(t, "c4")
	ctx := context.Background()

	_, err := m.Wait(ctx, "c4", "no-such-exec")
	assert.Equal(t, agenterr.CodeOf(err), agenterr.InvalidState)

	err = m.Kill(ctx, "c4", "no-such-exec", 9)
	assert.Equal(t, agenterr.CodeOf(err), agenterr.InvalidState)
}

// TestExternalRuntimeDelegatesStartAndReap covers §4.9 construction
// step 4 mode (b): CreateContainer with an externalRuntimePath set
// skips the manager-owned cgroup entirely, and Start execs the
// runtime binary (standing in for runc here) rather than the payload
// process directly. The fake runtime just exits 0, exercising the
// getRuncWithReaper broadcast path since the pid it reaps was never
// registered via StartAndRegister.
func TestExternalRuntimeDelegatesStartAndReap(t *testing.T) {
	runtimePath := filepath.Join(t.TempDir(), "fake-runtime")
	assert.NilError(t, os.WriteFile(runtimePath, []byte("#!/bin/sh\nexit 0\n"), 0o755))

	bundlesRoot = t.TempDir()
	p, err := poller.New()
	assert.NilError(t, err)
	t.Cleanup(func() { p.Close() })

	sup := supervisor.New()
	ctx, cancel := context.WithCancel(context.Background())
	go sup.Run(ctx)
	t.Cleanup(func() { cancel(); sup.Stop() })

	m := NewManager(sup, p, "")

	assert.NilError(t, m.CreateContainer(context.Background(), "ext1", Spec{Root: t.TempDir()}, runtimePath))

	_, ok := m.CgroupPath("ext1")
	assert.Equal(t, ok, false)

	_, err = m.CreateExec(context.Background(), "ext1", "ext1", ProcessSpec{Args: []string{"/bin/true"}})
	assert.NilError(t, err)

	pid, err := m.Start(context.Background(), "ext1", "ext1", "", ProcessSpec{Args: []string{"/bin/true"}}, StdioEndpoints{})
	assert.NilError(t, err)
	assert.Assert(t, pid > 0)

	waitCtx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	status, err := m.Wait(waitCtx, "ext1", "ext1")
	assert.NilError(t, err)
	assert.Equal(t, status.Code, 0)
}

func TestDeleteExecOnInitDeletesContainer(t *testing.T) {
	m, _ := newTestManager(t, "c5")
	ctx := context.Background()

	_, err := m.CreateExec(ctx, "c5", "c5", ProcessSpec{Args: []string{"/bin/true"}})
	assert.NilError(t, err)

	assert.NilError(t, m.DeleteExec(ctx, "c5", "c5"))

	_, err = m.lookup("c5")
	assert.Equal(t, agenterr.CodeOf(err), agenterr.NotFound)
}
