// Sync / kill verbs (§4.10): flush filesystems, signal an arbitrary
// pid not necessarily owned by any managed container.
package dispatcher

import (
	"context"
	"encoding/json"
	"syscall"

	"github.com/banksean/vminitd/internal/agenterr"
)

func (d *Dispatcher) handleSync(ctx context.Context, payload json.RawMessage) (any, error) {
	syscall.Sync()
	return nil, nil
}

type killPidRequest struct {
	Pid    int `json:"pid"`
	Signal int `json:"signal"`
}

func (d *Dispatcher) handleKillPid(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[killPidRequest](payload, "dispatcher.KillPid")
	if err != nil {
		return nil, err
	}
	if err := syscall.Kill(req.Pid, syscall.Signal(req.Signal)); err != nil {
		return nil, agenterr.Errno("dispatcher.KillPid", err)
	}
	return nil, nil
}
