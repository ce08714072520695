package dispatcher

import (
	"testing"

	"golang.org/x/sys/unix"
	"gotest.tools/v3/assert"
)

func TestUnmountRetriesOnEBUSYThenSucceeds(t *testing.T) {
	orig := unmountFn
	defer func() { unmountFn = orig }()

	attempts := 0
	unmountFn = func(target string, flags int) error {
		attempts++
		if attempts < 3 {
			return unix.EBUSY
		}
		return nil
	}

	assert.NilError(t, unmountWithRetry("/mnt/x", 0))
	assert.Equal(t, attempts, 3)
}

func TestUnmountGivesUpAfterRetryBudget(t *testing.T) {
	orig := unmountFn
	defer func() { unmountFn = orig }()

	attempts := 0
	unmountFn = func(target string, flags int) error {
		attempts++
		return unix.EBUSY
	}

	err := unmountWithRetry("/mnt/x", 0)
	assert.ErrorContains(t, err, "errno")
	assert.Equal(t, attempts, unmountRetries)
}

func TestUnmountEscalatesNonEBUSYImmediately(t *testing.T) {
	orig := unmountFn
	defer func() { unmountFn = orig }()

	attempts := 0
	unmountFn = func(target string, flags int) error {
		attempts++
		return unix.EINVAL
	}

	err := unmountWithRetry("/mnt/x", 0)
	assert.ErrorContains(t, err, "errno")
	assert.Equal(t, attempts, 1)
}
