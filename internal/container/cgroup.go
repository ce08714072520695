package container

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/banksean/vminitd/internal/agenterr"
)

const cgroupRoot = "/sys/fs/cgroup"

// cgroup wraps one cgroup v2 leaf node.
type cgroup struct {
	path string // absolute path under cgroupRoot
}

// newCgroup creates the leaf at relPath (relative to cgroupRoot) and
// enables every controller the parent offers, per §3's "all available
// controllers on the parent are enabled before a child is created"
// invariant.
func newCgroup(relPath string) (*cgroup, error) {
	abs := filepath.Join(cgroupRoot, relPath)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, agenterr.Errno("cgroup.new", err)
	}
	if err := enableControllers(filepath.Dir(abs)); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, agenterr.Errno("cgroup.new", err)
	}
	return &cgroup{path: abs}, nil
}

func enableControllers(parent string) error {
	controllers, err := os.ReadFile(filepath.Join(parent, "cgroup.controllers"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return agenterr.Errno("cgroup.enableControllers", err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(controllers))
	scanner.Split(bufio.ScanWords)
	var enable string
	for scanner.Scan() {
		enable += "+" + scanner.Text() + " "
	}
	if enable == "" {
		return nil
	}

	if err := os.WriteFile(filepath.Join(parent, "cgroup.subtree_control"), []byte(enable), 0o644); err != nil {
		return agenterr.Errno("cgroup.enableControllers", err)
	}
	return nil
}

// setMemoryHigh writes memory.high for the agent's own cgroup, per §6
// boot sequence's "set memory.high to 75 MiB".
func (c *cgroup) setMemoryHigh(limit int64) error {
	return os.WriteFile(filepath.Join(c.path, "memory.high"), []byte(strconv.FormatInt(limit, 10)), 0o644)
}

// enroll adds pid to this cgroup. Every container PID must be enrolled
// before it becomes observable to the supervisor, per §3.
func (c *cgroup) enroll(pid int) error {
	return os.WriteFile(filepath.Join(c.path, "cgroup.procs"), []byte(strconv.Itoa(pid)), 0o644)
}

// delete removes the leaf, retrying on EBUSY/EAGAIN with bounded
// exponential backoff (base 10ms, x2, up to 5 attempts) per §4.9.
func (c *cgroup) delete() error {
	delay := 10 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		err := os.Remove(c.path)
		if err == nil || os.IsNotExist(err) {
			return nil
		}
		lastErr = err
		if !isBusyOrAgain(err) {
			return agenterr.Errno("cgroup.delete", err)
		}
		time.Sleep(delay)
		delay *= 2
	}
	return agenterr.Errno("cgroup.delete", lastErr)
}

// EnableRootCgroup creates (or reuses) the cgroup at name (relative to
// cgroupRoot), sets memory.high, and enrolls pid. Used at boot to
// create the agent's own "/vminitd" cgroup per §6: "Create /vminitd
// cgroup, enable all controllers, set memory.high to 75 MiB, enroll
// self."
func EnableRootCgroup(name string, memoryHighBytes int64, pid int) error {
	cg, err := newCgroup(name)
	if err != nil {
		return err
	}
	if err := cg.setMemoryHigh(memoryHighBytes); err != nil {
		return agenterr.Errno("cgroup.EnableRootCgroup", err)
	}
	return cg.enroll(pid)
}

func isBusyOrAgain(err error) bool {
	return isErrno(err, unix.EBUSY) || isErrno(err, unix.EAGAIN)
}

func isErrno(err error, errno unix.Errno) bool {
	for err != nil {
		if e, ok := err.(unix.Errno); ok {
			return e == errno
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
