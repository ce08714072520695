// Package supervisor implements the process-wide child reaper
// described in §4.8: a single SIGCHLD dispatch loop that waits for
// every exited child (init's process 1 duty), matches it against a
// table of managed processes, and notifies whichever waiter is
// registered for that pid. Grounded on the signal.Notify pattern in
// mux_server.go (waitForShutdown), generalized from a single
// SIGINT/SIGTERM select to a SIGCHLD-driven wait4 loop.
package supervisor

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/banksean/vminitd/internal/agenterr"
)

// ExitStatus records how a reaped child terminated.
type ExitStatus struct {
	Pid      int
	Exited   bool
	Code     int
	Signaled bool
	Signal   syscall.Signal
}

// Waiter receives exactly one ExitStatus for the pid it was registered
// against.
type Waiter chan ExitStatus

// Supervisor is the process-wide reaper. As the init process (pid 1)
// every exited descendant, however many generations removed, is
// reparented to it and must be reaped here or it leaks as a zombie.
type Supervisor struct {
	mu      sync.Mutex
	waiters map[int]Waiter

	// reapMu serializes reaping against StartAndRegister: a child
	// forked while StartAndRegister holds this lock cannot have its SIGCHLD
	// processed until the pid is in s.waiters, closing the lost-wake
	// race the §4.8 "registered before start" rule exists to avoid.
	reapMu sync.Mutex

	// broadcastMu/broadcast fan every reaped ExitStatus out to every
	// current subscriber, regardless of whether a per-pid waiter also
	// exists. An external OCI runtime's helper processes are reparented
	// to this process the same as any fork/exec child, but their pids
	// aren't known until after the runtime has already started them, so
	// there's no pid to Register in advance; a subscriber registered
	// before the runtime starts sees every exit and filters for the pid
	// once it learns it, closing the same lost-wake race Register does
	// for directly-forked children.
	broadcastMu sync.Mutex
	broadcast   map[int]chan ExitStatus
	nextSub     int

	sigc chan os.Signal
	stop chan struct{}
	done chan struct{}
}

// New constructs a Supervisor. Call Run to start the dispatch loop.
func New() *Supervisor {
	return &Supervisor{
		waiters:   map[int]Waiter{},
		broadcast: map[int]chan ExitStatus{},
		sigc:      make(chan os.Signal, 8),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Register installs a waiter for pid, returning a channel that
// receives its ExitStatus exactly once. The caller must Register
// before the child can possibly exit (i.e. immediately after fork),
// or a fast-exiting child's status may be dispatched with no waiter
// listening and dropped, per §7's "no waiter" edge case.
func (s *Supervisor) Register(pid int) Waiter {
	w := make(Waiter, 1)
	s.mu.Lock()
	s.waiters[pid] = w
	s.mu.Unlock()
	return w
}

// StartAndRegister runs start (expected to fork/exec and return the
// child's pid) while holding the reap lock, then registers a waiter
// for the resulting pid before releasing it, guaranteeing the waiter
// exists before any concurrent reapAll can observe the child's exit.
func (s *Supervisor) StartAndRegister(start func() (int, error)) (int, Waiter, error) {
	s.reapMu.Lock()
	defer s.reapMu.Unlock()

	pid, err := start()
	if err != nil {
		return 0, nil, err
	}
	return pid, s.Register(pid), nil
}

// Unregister removes a waiter without waiting for it to fire, used
// when a caller abandons interest in a pid (e.g. on its own
// cancellation).
func (s *Supervisor) Unregister(pid int) {
	s.mu.Lock()
	delete(s.waiters, pid)
	s.mu.Unlock()
}

// Run starts the SIGCHLD dispatch loop. It blocks until ctx is
// cancelled or Stop is called.
func (s *Supervisor) Run(ctx context.Context) {
	signal.Notify(s.sigc, unix.SIGCHLD)
	defer signal.Stop(s.sigc)
	defer close(s.done)

	// A child may have exited, and its SIGCHLD coalesced with another's,
	// before Run started listening; drain once up front.
	s.reapAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-s.sigc:
			s.reapAll(ctx)
		}
	}
}

// Stop halts the dispatch loop. Safe to call once; a second call
// panics on a closed channel, matching sync.Once semantics the caller
// should wrap if needed.
func (s *Supervisor) Stop() {
	close(s.stop)
	<-s.done
}

// reapAll drains every exited child with a non-blocking wait4 loop,
// per the §4.8 invariant that SIGCHLD coalescing across multiple
// exits must never lose a reap: the loop continues until ECHILD (no
// children left) or EAGAIN-equivalent (none ready).
func (s *Supervisor) reapAll(ctx context.Context) {
	s.reapMu.Lock()
	defer s.reapMu.Unlock()

	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil {
			if err == unix.ECHILD {
				return
			}
			if err == unix.EINTR {
				continue
			}
			slog.ErrorContext(ctx, "supervisor.reapAll: wait4", "error", err)
			return
		}
		if pid <= 0 {
			return
		}

		status := ExitStatus{Pid: pid}
		switch {
		case ws.Exited():
			status.Exited = true
			status.Code = ws.ExitStatus()
		case ws.Signaled():
			status.Signaled = true
			status.Signal = ws.Signal()
		default:
			// Stopped/continued notifications are not exits; keep
			// reaping without dispatching.
			continue
		}

		s.dispatch(ctx, status)
	}
}

func (s *Supervisor) dispatch(ctx context.Context, status ExitStatus) {
	s.mu.Lock()
	w, ok := s.waiters[status.Pid]
	delete(s.waiters, status.Pid)
	s.mu.Unlock()

	if ok {
		select {
		case w <- status:
		default:
			slog.WarnContext(ctx, "supervisor.dispatch: waiter channel full", "pid", status.Pid)
		}
	}

	s.broadcastMu.Lock()
	subs := make([]chan ExitStatus, 0, len(s.broadcast))
	for _, ch := range s.broadcast {
		subs = append(subs, ch)
	}
	s.broadcastMu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- status:
		default:
			slog.WarnContext(ctx, "supervisor.dispatch: broadcast subscriber full", "pid", status.Pid)
		}
	}

	if !ok && len(subs) == 0 {
		slog.WarnContext(ctx, "supervisor.dispatch: no waiter", "pid", status.Pid)
	}
}

// subscribe registers a broadcast listener that receives every reaped
// ExitStatus, independent of the per-pid waiters map. Call the
// returned cancel func once the caller is done to stop leaking the
// channel.
func (s *Supervisor) subscribe() (<-chan ExitStatus, func()) {
	ch := make(chan ExitStatus, 16)
	s.broadcastMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.broadcast[id] = ch
	s.broadcastMu.Unlock()

	cancel := func() {
		s.broadcastMu.Lock()
		delete(s.broadcast, id)
		s.broadcastMu.Unlock()
	}
	return ch, cancel
}

// RuncReaper lets a caller that starts a process indirectly, through
// an external OCI runtime, wait for a pid it only learns about after
// the runtime has already forked it (e.g. from a --pid-file), instead
// of through the register-before-fork Waiter path. Subscribing happens
// before the runtime is invoked, so no exit can be missed even if the
// runtime's own wrapper process or the container's pid exits before
// the caller has learned the pid at all.
type RuncReaper struct {
	sub    <-chan ExitStatus
	cancel func()
}

// GetRuncWithReaper returns a reaper subscribed to every future exit.
// Call Close once the caller no longer needs it.
func (s *Supervisor) GetRuncWithReaper() *RuncReaper {
	sub, cancel := s.subscribe()
	return &RuncReaper{sub: sub, cancel: cancel}
}

// WaitForPid blocks until pid's ExitStatus appears on the broadcast
// feed or ctx is cancelled.
func (r *RuncReaper) WaitForPid(ctx context.Context, pid int) (ExitStatus, error) {
	for {
		select {
		case status := <-r.sub:
			if status.Pid == pid {
				return status, nil
			}
		case <-ctx.Done():
			return ExitStatus{}, agenterr.Wrap(agenterr.Cancelled, "supervisor.WaitForPid", "context done", ctx.Err())
		}
	}
}

// Close releases the reaper's broadcast subscription.
func (r *RuncReaper) Close() {
	r.cancel()
}

// WaitFor blocks until pid's ExitStatus arrives on w or ctx is
// cancelled, translating cancellation into an agenterr.Cancelled error.
func WaitFor(ctx context.Context, w Waiter) (ExitStatus, error) {
	select {
	case status := <-w:
		return status, nil
	case <-ctx.Done():
		return ExitStatus{}, agenterr.Wrap(agenterr.Cancelled, "supervisor.WaitFor", "context done", ctx.Err())
	}
}
