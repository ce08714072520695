// Mounting verbs (§4.10): generic mount/unmount, with unmount's
// bounded EBUSY retry. Grounded on the same bounded-backoff shape as
// internal/container's cgroup delete retry, generalized from cgroup
// removal to unmount.
package dispatcher

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sys/unix"

	"github.com/banksean/vminitd/internal/agenterr"
)

type mountRequest struct {
	Source string `json:"source"`
	Target string `json:"target"`
	FSType string `json:"fsType"`
	Flags  uintptr `json:"flags"`
	Data   string `json:"data"`
}

func (d *Dispatcher) handleMount(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[mountRequest](payload, "dispatcher.Mount")
	if err != nil {
		return nil, err
	}
	if err := unix.Mount(req.Source, req.Target, req.FSType, req.Flags, req.Data); err != nil {
		return nil, agenterr.Errno("dispatcher.Mount", err)
	}
	return nil, nil
}

type unmountRequest struct {
	Target string `json:"target"`
	Flags  int    `json:"flags"`
}

// unmountRetries and unmountDelay match the §4.10 "retries on EBUSY up
// to 50 times with 10 ms sleep" invariant, applied by unmountWithRetry.
const (
	unmountRetries = 50
	unmountDelay   = 10 * time.Millisecond
)

// unmountFn is overridable in tests, which cannot exercise a real
// EBUSY-then-succeeds sequence against the host's mount table.
var unmountFn = unix.Unmount

func (d *Dispatcher) handleUnmount(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[unmountRequest](payload, "dispatcher.Unmount")
	if err != nil {
		return nil, err
	}
	return nil, unmountWithRetry(req.Target, req.Flags)
}

// unmountWithRetry unmounts target, retrying on EBUSY per
// unmountRetries/unmountDelay and failing at once on any other error.
func unmountWithRetry(target string, flags int) error {
	var lastErr error
	for i := 0; i < unmountRetries; i++ {
		err := unmountFn(target, flags)
		if err == nil {
			return nil
		}
		lastErr = err
		if err != unix.EBUSY {
			return agenterr.Errno("dispatcher.Unmount", err)
		}
		time.Sleep(unmountDelay)
	}
	return agenterr.Errno("dispatcher.Unmount", lastErr)
}
