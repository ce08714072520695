// Package container implements the per-container actor described in
// §4.9: bundle materialization, cgroup v2 lifecycle, and the managed
// process state machine (init plus execs) that the request dispatcher
// drives. Grounded on containers.go's ContainerSvc for the
// CRUD+exec operation names and slog.InfoContext logging
// conventions, generalized from shelling out to an external `container`
// CLI to owning the bundle/cgroup/process lifecycle directly.
package container

import (
	"context"
	"log/slog"
	"net"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/banksean/vminitd/internal/agenterr"
	"github.com/banksean/vminitd/internal/iorelay"
	"github.com/banksean/vminitd/internal/poller"
	"github.com/banksean/vminitd/internal/supervisor"
)

// State is a managed process's lifecycle stage (§3). Transitions are
// monotonic; exited is terminal.
type State int

const (
	StateInitial State = iota
	StateCreating
	StateRunning
	StateExited
)

// ExitStatus mirrors supervisor.ExitStatus, decoupled so callers of
// this package don't need to import supervisor directly.
type ExitStatus struct {
	Code     int
	Signaled bool
}

// Kind distinguishes a container's init process from a later exec.
type Kind int

const (
	KindInit Kind = iota
	KindExec
)

// StdioEndpoints names the host-side connections relayed to/from a
// managed process's I/O plumbing; a nil entry leaves that stream
// unconnected.
type StdioEndpoints struct {
	Stdin, Stdout, Stderr net.Conn
	Terminal              bool
}

// Process is one managed process: either a container's init or one of
// its execs.
type Process struct {
	ID          string
	ContainerID string
	Kind        Kind

	mu     sync.Mutex
	state  State
	pid    int
	status ExitStatus

	cmd    *exec.Cmd
	relay  iorelay.Relay
	wait   supervisor.Waiter
	reaper *supervisor.RuncReaper // set instead of wait for externally-delegated processes

	waiters []chan ExitStatus
}

// waitExit blocks for proc's exit, via whichever of wait/reaper this
// process was started with.
func (proc *Process) waitExit(ctx context.Context) (supervisor.ExitStatus, error) {
	if proc.reaper != nil {
		return proc.reaper.WaitForPid(ctx, proc.pid)
	}
	return supervisor.WaitFor(ctx, proc.wait)
}

func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Manager owns every container on this host: bundle/cgroup lifecycle
// and the managed-process table. One Manager is a process-wide
// singleton, paired with one supervisor.Supervisor.
type Manager struct {
	sup *supervisor.Supervisor
	p   *poller.Poller

	// cgroupBase is the parent path under which per-container cgroups
	// are created, relative to /sys/fs/cgroup: explicit value from the
	// spec, else "container/<id>" per §4.9 step 1.
	cgroupBase string

	mu         sync.Mutex
	containers map[string]*containerState
}

type containerState struct {
	bundle *bundle
	cg     *cgroup
	// externalRuntimePath is the external OCI runtime binary this
	// container's init delegates to (§4.9 construction step 4 mode
	// (b)); empty means in-process exec (mode (a)) and the manager
	// owns cgroup teardown.
	externalRuntimePath string
	processes           map[string]*Process
}

func (cs *containerState) external() bool {
	return cs.externalRuntimePath != ""
}

// NewManager constructs a Manager bound to sup for reaping and p for
// I/O relay wake-ups.
func NewManager(sup *supervisor.Supervisor, p *poller.Poller, cgroupBase string) *Manager {
	if cgroupBase == "" {
		cgroupBase = "container"
	}
	return &Manager{sup: sup, p: p, cgroupBase: cgroupBase, containers: map[string]*containerState{}}
}

// CreateContainer performs §4.9 construction steps 1-3: choose the
// cgroup path, materialize the bundle, and create+enable the cgroup.
// Step 4 (constructing the init process) happens in CreateExec, since
// the init's ID equals the container ID and shares createExec's
// machinery.
func (m *Manager) CreateContainer(ctx context.Context, id string, spec Spec, externalRuntimePath string) error {
	m.mu.Lock()
	if _, exists := m.containers[id]; exists {
		m.mu.Unlock()
		return agenterr.New(agenterr.AlreadyExists, "container.CreateContainer", id)
	}
	m.mu.Unlock()

	b, err := materializeBundle(id, spec)
	if err != nil {
		return err
	}

	cgPath := spec.CgroupsPath
	if cgPath == "" {
		cgPath = m.cgroupBase + "/" + id
	}

	cs := &containerState{bundle: b, externalRuntimePath: externalRuntimePath, processes: map[string]*Process{}}
	if !cs.external() {
		cg, err := newCgroup(cgPath)
		if err != nil {
			_ = b.delete()
			return err
		}
		cs.cg = cg
	}

	m.mu.Lock()
	m.containers[id] = cs
	m.mu.Unlock()

	slog.InfoContext(ctx, "container.CreateContainer", "id", id, "external", cs.external())
	return nil
}

func (m *Manager) lookup(containerID string) (*containerState, error) {
	m.mu.Lock()
	cs, ok := m.containers[containerID]
	m.mu.Unlock()
	if !ok {
		return nil, agenterr.New(agenterr.NotFound, "container", containerID)
	}
	return cs, nil
}

// CreateExec serializes ps into the bundle and builds a managed
// process record in state "initial". execID equal to containerID
// denotes the container's init, per the §4.9 invariant "the init's ID
// equals the container ID"; at most one init may exist.
func (m *Manager) CreateExec(ctx context.Context, containerID, execID string, ps ProcessSpec) (*Process, error) {
	cs, err := m.lookup(containerID)
	if err != nil {
		return nil, err
	}

	kind := KindExec
	if execID == containerID {
		kind = KindInit
	}

	m.mu.Lock()
	if _, exists := cs.processes[execID]; exists {
		m.mu.Unlock()
		return nil, agenterr.New(agenterr.AlreadyExists, "container.CreateExec", execID)
	}
	if kind == KindInit {
		for _, other := range cs.processes {
			if other.Kind == KindInit {
				m.mu.Unlock()
				return nil, agenterr.New(agenterr.AlreadyExists, "container.CreateExec", "init already exists for "+containerID)
			}
		}
	}
	proc := &Process{ID: execID, ContainerID: containerID, Kind: kind, state: StateInitial}
	cs.processes[execID] = proc
	m.mu.Unlock()

	if err := cs.bundle.writeExecSpec(execID, ps); err != nil {
		m.mu.Lock()
		delete(cs.processes, execID)
		m.mu.Unlock()
		return nil, err
	}

	slog.InfoContext(ctx, "container.CreateExec", "container", containerID, "exec", execID, "kind", kind)
	return proc, nil
}

// Start launches proc's process, either in-process or delegated to an
// external OCI runtime depending on the container's construction mode
// (§4.9 step 4), enrolls its pid in the container's cgroup (when the
// manager owns one) before it becomes observable, and registers it
// for reaping before the launch can possibly have already exited, to
// avoid the lost-wake race on fast exits (§4.8).
func (m *Manager) Start(ctx context.Context, containerID, execID string, rootfs string, ps ProcessSpec, stdio StdioEndpoints) (int, error) {
	cs, err := m.lookup(containerID)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	proc, ok := cs.processes[execID]
	m.mu.Unlock()
	if !ok {
		return 0, agenterr.New(agenterr.InvalidState, "container.Start", execID)
	}

	proc.mu.Lock()
	if proc.state != StateInitial {
		proc.mu.Unlock()
		return 0, agenterr.New(agenterr.InvalidState, "container.Start", "already started")
	}
	proc.state = StateCreating
	proc.mu.Unlock()

	user, env, err := resolveUser(rootfs, ps.User, ps.Env)
	if err != nil {
		return 0, err
	}
	ps.User = user
	ps.Env = env

	var pid int
	var w supervisor.Waiter
	var reaper *supervisor.RuncReaper
	var relay iorelay.Relay
	var cmd *exec.Cmd

	if cs.external() {
		pid, reaper, relay, err = m.startExternal(ctx, cs, containerID, execID, proc.Kind, stdio)
	} else {
		cmd, pid, w, relay, err = m.startInProcess(ctx, ps, stdio)
	}
	if err != nil {
		proc.mu.Lock()
		proc.state = StateInitial
		proc.mu.Unlock()
		return 0, err
	}

	if cs.cg != nil {
		if err := cs.cg.enroll(pid); err != nil {
			slog.WarnContext(ctx, "container.Start: enroll", "error", err)
		}
	}

	proc.mu.Lock()
	proc.cmd = cmd
	proc.relay = relay
	proc.wait = w
	proc.reaper = reaper
	proc.pid = pid
	proc.state = StateRunning
	proc.mu.Unlock()

	// Reaping outlives the Start request's own context: the process may
	// run long after the RPC that launched it returns.
	go m.reap(context.Background(), proc)

	slog.InfoContext(ctx, "container.Start", "container", containerID, "exec", execID, "pid", proc.pid)
	return proc.pid, nil
}

// startInProcess is §4.9 construction step 4 mode (a): this process
// itself forks/execs ps.Args, owning the child's stdio plumbing and
// registering it with the supervisor before Start returns to close the
// lost-wake race on fast exits (§4.8).
func (m *Manager) startInProcess(ctx context.Context, ps ProcessSpec, stdio StdioEndpoints) (*exec.Cmd, int, supervisor.Waiter, iorelay.Relay, error) {
	cmd := exec.CommandContext(ctx, ps.Args[0], ps.Args[1:]...)
	cmd.Dir = ps.Cwd
	cmd.Env = ps.Env

	relay, closeChildEnds, err := m.wireStdio(cmd, stdio)
	if err != nil {
		return nil, 0, nil, nil, err
	}

	pid, w, err := m.sup.StartAndRegister(func() (int, error) {
		if err := cmd.Start(); err != nil {
			return 0, err
		}
		return cmd.Process.Pid, nil
	})
	if err != nil {
		return nil, 0, nil, nil, agenterr.Errno("container.Start", err)
	}
	closeChildEnds()

	return cmd, pid, w, relay, nil
}

// startExternal is §4.9 construction step 4 mode (b): the process is
// delegated to an external OCI runtime binary, which owns its own
// fork/exec and cleanup. The init uses the runtime's "run" verb
// against the bundle; a later exec against an already-running
// external container uses "exec" with its own process spec file,
// mirroring runc's CLI. Since the runtime's pid isn't known until
// after it has already been started, the supervisor's broadcast
// reaper (getRuncWithReaper per §4.8) subscribes before the runtime
// process is launched, not after, closing the same lost-wake race
// StartAndRegister closes for direct children.
func (m *Manager) startExternal(ctx context.Context, cs *containerState, containerID, execID string, kind Kind, stdio StdioEndpoints) (int, *supervisor.RuncReaper, iorelay.Relay, error) {
	var args []string
	if kind == KindInit {
		args = []string{"run", "--bundle", cs.bundle.path}
	} else {
		args = []string{"exec", "--process", filepath.Join(cs.bundle.path, "execs", execID, "process.json")}
	}

	var console *consoleSocket
	var relay iorelay.Relay
	var closeChildEnds func()
	cmd := exec.CommandContext(ctx, cs.externalRuntimePath)

	if stdio.Terminal {
		socketPath := filepath.Join(cs.bundle.path, execID+"-console.sock")
		var err error
		console, err = newConsoleSocket(socketPath)
		if err != nil {
			return 0, nil, nil, err
		}
		defer console.Close()
		args = append(args, "--console-socket", socketPath)
		closeChildEnds = func() {}
	} else {
		r, err := iorelay.NewPipeRelay(m.p, stdio.Stdin, stdio.Stdout, stdio.Stderr)
		if err != nil {
			return 0, nil, nil, agenterr.Errno("container.startExternal", err)
		}
		in, out, errf := r.ChildFiles()
		cmd.Stdin, cmd.Stdout, cmd.Stderr = in, out, errf
		relay = r
		closeChildEnds = r.CloseChildEnds
	}

	args = append(args, containerID)
	cmd.Args = append([]string{cs.externalRuntimePath}, args...)

	reaper := m.sup.GetRuncWithReaper()
	if err := cmd.Start(); err != nil {
		reaper.Close()
		if relay != nil {
			relay.Close()
		}
		return 0, nil, nil, agenterr.Errno("container.startExternal", err)
	}
	closeChildEnds()
	pid := cmd.Process.Pid

	if console != nil {
		master, err := console.ReceiveMaster()
		if err != nil {
			reaper.Close()
			return 0, nil, nil, agenterr.Errno("container.startExternal", err)
		}
		relay = iorelay.AttachMaster(m.p, master, combinedConn(stdio))
	}

	return pid, reaper, relay, nil
}

// wireStdio sets up cmd's Stdin/Stdout/Stderr against stdio's
// plumbing and returns the relay plus a func to drop the manager's own
// copies of the child-facing fds once cmd has started. Left undone,
// the parent keeps the child-facing end alive after the child exits
// and the relay's read side never sees a natural EOF (§4.6).
func (m *Manager) wireStdio(cmd *exec.Cmd, stdio StdioEndpoints) (iorelay.Relay, func(), error) {
	if stdio.Terminal {
		r, slave, err := iorelay.NewPTYRelay(m.p, combinedConn(stdio))
		if err != nil {
			return nil, nil, agenterr.Errno("container.Start", err)
		}
		cmd.Stdin, cmd.Stdout, cmd.Stderr = slave, slave, slave
		return r, func() { slave.Close() }, nil
	}

	r, err := iorelay.NewPipeRelay(m.p, stdio.Stdin, stdio.Stdout, stdio.Stderr)
	if err != nil {
		return nil, nil, agenterr.Errno("container.Start", err)
	}
	in, out, errf := r.ChildFiles()
	cmd.Stdin, cmd.Stdout, cmd.Stderr = in, out, errf
	return r, r.CloseChildEnds, nil
}

func combinedConn(stdio StdioEndpoints) net.Conn {
	if stdio.Stdin != nil {
		return stdio.Stdin
	}
	return stdio.Stdout
}

func (m *Manager) reap(ctx context.Context, proc *Process) {
	status, err := proc.waitExit(ctx)
	proc.mu.Lock()
	if err == nil {
		if status.Exited {
			proc.status = ExitStatus{Code: status.Code}
		} else {
			proc.status = ExitStatus{Signaled: status.Signaled}
		}
	}
	proc.state = StateExited
	if proc.relay != nil {
		proc.relay.Close()
	}
	if proc.reaper != nil {
		proc.reaper.Close()
	}
	waiters := proc.waiters
	proc.waiters = nil
	st := proc.status
	proc.mu.Unlock()

	for _, w := range waiters {
		w <- st
		close(w)
	}
}

// Wait blocks until proc exits, or returns immediately if it already
// has. Waiters attached in any state receive the exit tuple once.
func (m *Manager) Wait(ctx context.Context, containerID, execID string) (ExitStatus, error) {
	proc, err := m.findProcess(containerID, execID)
	if err != nil {
		return ExitStatus{}, err
	}

	proc.mu.Lock()
	if proc.state == StateExited {
		st := proc.status
		proc.mu.Unlock()
		return st, nil
	}
	ch := make(chan ExitStatus, 1)
	proc.waiters = append(proc.waiters, ch)
	proc.mu.Unlock()

	select {
	case st := <-ch:
		return st, nil
	case <-ctx.Done():
		return ExitStatus{}, agenterr.Wrap(agenterr.Cancelled, "container.Wait", "context done", ctx.Err())
	}
}

// Kill signals proc's pid.
func (m *Manager) Kill(ctx context.Context, containerID, execID string, sig int) error {
	proc, err := m.findProcess(containerID, execID)
	if err != nil {
		return err
	}
	proc.mu.Lock()
	pid := proc.pid
	state := proc.state
	proc.mu.Unlock()
	if state != StateRunning {
		return agenterr.New(agenterr.InvalidState, "container.Kill", execID)
	}
	if err := killPid(pid, sig); err != nil {
		return agenterr.Errno("container.Kill", err)
	}
	return nil
}

// Resize forwards a terminal geometry change to proc's I/O plumbing.
func (m *Manager) Resize(ctx context.Context, containerID, execID string, rows, cols uint16) error {
	proc, err := m.findProcess(containerID, execID)
	if err != nil {
		return err
	}
	proc.mu.Lock()
	relay := proc.relay
	proc.mu.Unlock()
	if relay == nil {
		return agenterr.New(agenterr.InvalidState, "container.Resize", execID)
	}
	return relay.Resize(rows, cols)
}

// CloseStdin half-closes proc's stdin relay alone.
func (m *Manager) CloseStdin(ctx context.Context, containerID, execID string) error {
	proc, err := m.findProcess(containerID, execID)
	if err != nil {
		return err
	}
	proc.mu.Lock()
	relay := proc.relay
	proc.mu.Unlock()
	if relay == nil {
		return agenterr.New(agenterr.InvalidState, "container.CloseStdin", execID)
	}
	relay.CloseStdin()
	return nil
}

// DeleteExec removes execID's spec and record. Deleting the init
// (execID == containerID) deletes the container itself, per §4.9.
func (m *Manager) DeleteExec(ctx context.Context, containerID, execID string) error {
	if execID == containerID {
		return m.Delete(ctx, containerID)
	}

	cs, err := m.lookup(containerID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	_, ok := cs.processes[execID]
	delete(cs.processes, execID)
	m.mu.Unlock()
	if !ok {
		return agenterr.New(agenterr.InvalidState, "container.DeleteExec", execID)
	}
	return cs.bundle.removeExecSpec(execID)
}

// Delete tears down the init, the bundle, and (when the manager owns
// the cgroup) the cgroup itself with bounded retry.
func (m *Manager) Delete(ctx context.Context, containerID string) error {
	m.mu.Lock()
	cs, ok := m.containers[containerID]
	if ok {
		delete(m.containers, containerID)
	}
	m.mu.Unlock()
	if !ok {
		return agenterr.New(agenterr.InvalidState, "container.Delete", containerID)
	}

	if init, ok := cs.processes[containerID]; ok {
		init.mu.Lock()
		pid, state := init.pid, init.state
		init.mu.Unlock()
		if state == StateRunning {
			_ = killPid(pid, 9)
		}
	}

	if err := cs.bundle.delete(); err != nil {
		slog.WarnContext(ctx, "container.Delete: bundle", "error", err)
	}

	if cs.cg != nil {
		if err := cs.cg.delete(); err != nil {
			return err
		}
	}

	slog.InfoContext(ctx, "container.Delete", "id", containerID)
	return nil
}

// CgroupPath returns the absolute cgroup v2 path the manager created
// for containerID, for the statistics dispatcher verb's cgroup-file
// reads. The second return is false for externally-owned containers,
// which have no manager-owned cgroup.
func (m *Manager) CgroupPath(containerID string) (string, bool) {
	cs, err := m.lookup(containerID)
	if err != nil || cs.cg == nil {
		return "", false
	}
	return cs.cg.path, true
}

// ContainerIDs lists every container currently known to the manager,
// for the statistics verb's "or all" fan-out.
func (m *Manager) ContainerIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.containers))
	for id := range m.containers {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) findProcess(containerID, execID string) (*Process, error) {
	cs, err := m.lookup(containerID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	proc, ok := cs.processes[execID]
	m.mu.Unlock()
	if !ok {
		return nil, agenterr.New(agenterr.InvalidState, "container", execID)
	}
	return proc, nil
}
