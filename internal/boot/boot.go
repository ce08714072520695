// Package boot implements the early boot sequence described in §6:
// the ordered filesystem mounts, the agent's own cgroup setup, and the
// debug-build FOREGROUND re-exec that preserves logs across a kernel
// panic triggered by the child's exit. Grounded on cmd/sand/main.go's
// startup ordering (parse flags, init logging, verify prerequisites,
// then proceed) and EnsureDaemon's detach-and-restart pattern in
// mux_client.go, generalized from "launch a user-space daemon" to
// "become pid 1 and bring the kernel interfaces up".
package boot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"

	"github.com/banksean/vminitd/internal/agenterr"
	"github.com/banksean/vminitd/internal/container"
)

// selfCgroupMemoryHigh is the §6 fixed limit for the agent's own
// cgroup: "set memory.high to 75 MiB".
const selfCgroupMemoryHigh = 75 * 1024 * 1024

type mountSpec struct {
	source, target, fstype string
	flags                  uintptr
	data                   string
}

// mountPlan is the §6 "Mount on startup, in order" list.
func mountPlan() []mountSpec {
	return []mountSpec{
		{source: "proc", target: "/proc", fstype: "proc", flags: 0},
		{source: "tmpfs", target: "/run", fstype: "tmpfs", flags: 0},
		{source: "sysfs", target: "/sys", fstype: "sysfs", flags: 0},
		{source: "cgroup2", target: "/sys/fs/cgroup", fstype: "cgroup2", flags: 0},
		{source: "binfmt_misc", target: "/proc/sys/fs/binfmt_misc", fstype: "binfmt_misc", flags: 0},
	}
}

// MountAll performs every §6 startup mount in order, tolerating a
// mount point that is already mounted (EBUSY) since a re-exec under
// FOREGROUND must not fail re-mounting what its parent already set up.
func MountAll(ctx context.Context) error {
	for _, m := range mountPlan() {
		if err := os.MkdirAll(m.target, 0o755); err != nil {
			return agenterr.Errno("boot.MountAll: mkdir "+m.target, err)
		}
		if err := unix.Mount(m.source, m.target, m.fstype, m.flags, m.data); err != nil {
			if err == unix.EBUSY {
				slog.InfoContext(ctx, "boot.MountAll: already mounted", "target", m.target)
				continue
			}
			// Mounting /proc is fatal per §7: the agent cannot proceed
			// without it. Other mounts are logged and best-effort, since
			// binfmt_misc support in particular may be absent from a
			// minimal kernel build.
			if m.target == "/proc" {
				return agenterr.Errno("boot.MountAll: /proc", err)
			}
			slog.WarnContext(ctx, "boot.MountAll", "target", m.target, "error", err)
			continue
		}
		slog.InfoContext(ctx, "boot.MountAll", "target", m.target)
	}
	return nil
}

// SetupSelfCgroup creates the "/vminitd" cgroup, enables every
// controller the root offers, sets memory.high, and enrolls the
// caller's own pid, per §6. Failure is fatal per §7.
func SetupSelfCgroup(ctx context.Context) error {
	if err := container.EnableRootCgroup("vminitd", selfCgroupMemoryHigh, os.Getpid()); err != nil {
		return fmt.Errorf("boot.SetupSelfCgroup: %w", err)
	}
	slog.InfoContext(ctx, "boot.SetupSelfCgroup", "pid", os.Getpid(), "memoryHigh", selfCgroupMemoryHigh)
	return nil
}

// ReexecForeground implements the §6 FOREGROUND re-exec: under a debug
// build, when FOREGROUND is unset, the process re-execs itself as a
// child with FOREGROUND=1, marks itself a subreaper in the child, and
// the parent waits on it. This preserves the parent's log stream
// across a kernel panic triggered by the child's own exit. It returns
// (true, nil) in the parent after the child exits (the caller should
// os.Exit with the child's status); (false, nil) in the child or when
// re-exec is a no-op (FOREGROUND already set, or not a debug build).
//
// Grounded on EnsureDaemon's os/exec + syscall.SysProcAttr detach
// pattern in mux_client.go, generalized from "start a background
// daemon and return" to "become a subreaper and wait inline".
func ReexecForeground(ctx context.Context, debugBuild bool) (parentDone bool, err error) {
	if !debugBuild {
		return false, nil
	}
	if os.Getenv("FOREGROUND") == "1" {
		if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
			slog.WarnContext(ctx, "boot.ReexecForeground: set subreaper", "error", err)
		}
		return false, nil
	}

	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Env = append(os.Environ(), "FOREGROUND=1")
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return false, agenterr.Errno("boot.ReexecForeground: start", err)
	}
	slog.InfoContext(ctx, "boot.ReexecForeground: re-exec'd", "pid", cmd.Process.Pid)

	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			os.Exit(exitErr.ExitCode())
		}
		return true, agenterr.Errno("boot.ReexecForeground: wait", err)
	}
	return true, nil
}

// WarnIfNotPID1 logs a warning if the calling process is not pid 1,
// per §6's pause-mode requirement ("it warns if it is not PID 1").
func WarnIfNotPID1(ctx context.Context) {
	if os.Getpid() != 1 {
		slog.WarnContext(ctx, "boot.WarnIfNotPID1: not running as pid 1", "pid", os.Getpid())
	}
}
