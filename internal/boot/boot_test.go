package boot

import (
	"context"
	"testing"

	"gotest.tools/v3/assert"
)

func TestMountPlanOrderMatchesSpec(t *testing.T) {
	plan := mountPlan()
	targets := make([]string, len(plan))
	for i, m := range plan {
		targets[i] = m.target
	}
	assert.DeepEqual(t, targets, []string{
		"/proc", "/run", "/sys", "/sys/fs/cgroup", "/proc/sys/fs/binfmt_misc",
	})
}

func TestReexecForegroundNoopWhenNotDebugBuild(t *testing.T) {
	done, err := ReexecForeground(context.Background(), false)
	assert.NilError(t, err)
	assert.Equal(t, done, false)
}

func TestReexecForegroundNoopWhenAlreadyForeground(t *testing.T) {
	t.Setenv("FOREGROUND", "1")
	done, err := ReexecForeground(context.Background(), true)
	assert.NilError(t, err)
	assert.Equal(t, done, false)
}

func TestWarnIfNotPID1DoesNotPanic(t *testing.T) {
	WarnIfNotPID1(context.Background())
}
