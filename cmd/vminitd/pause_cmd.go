package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/banksean/vminitd/internal/boot"
)

// PauseCmd holds a PID namespace open and reaps orphans, per §6: a
// minimal process whose only job is to keep the namespace alive.
type PauseCmd struct{}

func (c *PauseCmd) Run(cctx *Context) error {
	ctx := context.Background()
	boot.WarnIfNotPID1(ctx)

	// signal.Notify only ever delivers the three signals registered
	// here, so the blocking receive below behaves like pause(): wake
	// only on SIGINT/SIGTERM/SIGCHLD, never spuriously.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGCHLD)

	for {
		s := <-sig
		if s == syscall.SIGCHLD {
			reapAll(ctx)
			continue
		}
		slog.InfoContext(ctx, "pause: received termination signal, exiting", "signal", s)
		os.Exit(0)
	}
}

// reapAll drains every exited child without blocking, since the
// signal already told us at least one is reapable.
func reapAll(ctx context.Context) {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if pid <= 0 || err != nil {
			return
		}
		slog.DebugContext(ctx, "pause: reaped child", "pid", pid, "status", ws.ExitStatus())
	}
}
