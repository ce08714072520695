// Time / emulation / sysctl verbs (§4.10): set the system clock,
// register a binary-format handler, and write /proc/sys/* entries with
// dotted keys translated to path separators.
package dispatcher

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/banksean/vminitd/internal/agenterr"
)

type setClockRequest struct {
	Seconds int64 `json:"seconds"`
	Nanos   int64 `json:"nanos"`
}

func (d *Dispatcher) handleSetClock(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[setClockRequest](payload, "dispatcher.SetClock")
	if err != nil {
		return nil, err
	}
	tv := unix.Timeval{Sec: req.Seconds, Usec: req.Nanos / 1000}
	if err := unix.Settimeofday(&tv); err != nil {
		return nil, agenterr.Errno("dispatcher.SetClock", err)
	}
	return nil, nil
}

const binfmtMiscRegister = "/proc/sys/fs/binfmt_misc/register"

type registerBinfmtRequest struct {
	// Spec is the full ":name:type:offset:magic:mask:interpreter:flags"
	// registration line, per binfmt_misc's own format; this handler only
	// owns getting it written, not validating its grammar.
	Spec string `json:"spec"`
}

func (d *Dispatcher) handleRegisterBinfmt(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[registerBinfmtRequest](payload, "dispatcher.RegisterBinfmt")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(binfmtMiscRegister, []byte(req.Spec), 0o200); err != nil {
		return nil, agenterr.Errno("dispatcher.RegisterBinfmt", err)
	}
	return nil, nil
}

type writeSysctlRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (d *Dispatcher) handleWriteSysctl(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[writeSysctlRequest](payload, "dispatcher.WriteSysctl")
	if err != nil {
		return nil, err
	}
	path := filepath.Join("/proc/sys", filepath.FromSlash(strings.ReplaceAll(req.Key, ".", "/")))
	if err := os.WriteFile(path, []byte(req.Value), 0o644); err != nil {
		return nil, agenterr.Errno("dispatcher.WriteSysctl", err)
	}
	return nil, nil
}
