package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/banksean/vminitd/internal/boot"
)

// InitCmd runs the §6 boot sequence and then serves the control
// channel exactly as AgentCmd does; this is the PID 1 entry point,
// reached directly when invoked as the busybox-style `.cz-init`
// shortcut.
type InitCmd struct{}

func (c *InitCmd) Run(cctx *Context) error {
	ctx := context.Background()

	boot.WarnIfNotPID1(ctx)

	if done, err := boot.ReexecForeground(ctx, isDebugBuild()); err != nil {
		return fmt.Errorf("init: foreground re-exec: %w", err)
	} else if done {
		// Parent process: the child already ran the rest of this
		// sequence and exited with status 0 (a non-zero child status
		// makes ReexecForeground call os.Exit itself), so returning nil
		// exits 0 as well.
		return nil
	}

	if err := boot.MountAll(ctx); err != nil {
		return fmt.Errorf("init: mount sequence: %w", err)
	}

	if err := boot.SetupSelfCgroup(ctx); err != nil {
		return fmt.Errorf("init: self cgroup: %w", err)
	}

	slog.InfoContext(ctx, "init: boot sequence complete, starting agent")
	return runAgent(ctx)
}
