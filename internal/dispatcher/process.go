package dispatcher

import (
	"context"
	"encoding/json"
	"net"

	"golang.org/x/sys/unix"

	"github.com/mdlayher/vsock"

	"github.com/banksean/vminitd/internal/agenterr"
	"github.com/banksean/vminitd/internal/container"
)

// stdioSpec names the vsock ports the host is listening on for a
// process's standard streams; a zero port leaves that stream
// unconnected. The guest dials out to the host per stream, mirroring
// the direction the stream proxy (§4.7) uses for ListenUnixDialVsock
// on the host side of the same channel.
type stdioSpec struct {
	StdinPort, StdoutPort, StderrPort uint32
	Terminal                          bool
}

func dialStdio(spec stdioSpec) (container.StdioEndpoints, error) {
	dial := func(port uint32) (net.Conn, error) {
		if port == 0 {
			return nil, nil
		}
		return vsock.Dial(unix.VMADDR_CID_HOST, port, nil)
	}

	stdin, err := dial(spec.StdinPort)
	if err != nil {
		return container.StdioEndpoints{}, agenterr.Errno("dispatcher.dialStdio: stdin", err)
	}
	stdout, err := dial(spec.StdoutPort)
	if err != nil {
		return container.StdioEndpoints{}, agenterr.Errno("dispatcher.dialStdio: stdout", err)
	}
	stderr, err := dial(spec.StderrPort)
	if err != nil {
		return container.StdioEndpoints{}, agenterr.Errno("dispatcher.dialStdio: stderr", err)
	}
	return container.StdioEndpoints{Stdin: stdin, Stdout: stdout, Stderr: stderr, Terminal: spec.Terminal}, nil
}

type createContainerRequest struct {
	ID                  string         `json:"id"`
	Spec                container.Spec `json:"spec"`
	ExternalRuntimePath string         `json:"externalRuntimePath,omitempty"`
}

func (d *Dispatcher) handleCreateContainer(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[createContainerRequest](payload, "dispatcher.CreateContainer")
	if err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, agenterr.New(agenterr.InvalidArgument, "dispatcher.CreateContainer", "(createContainerRequest, id)")
	}
	return nil, d.Containers.CreateContainer(ctx, req.ID, req.Spec, req.ExternalRuntimePath)
}

type createExecRequest struct {
	ContainerID string                `json:"containerId"`
	ExecID      string                `json:"execId"`
	Process     container.ProcessSpec `json:"process"`
}

func (d *Dispatcher) handleCreateExec(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[createExecRequest](payload, "dispatcher.CreateExec")
	if err != nil {
		return nil, err
	}
	_, err = d.Containers.CreateExec(ctx, req.ContainerID, req.ExecID, req.Process)
	return nil, err
}

type startRequest struct {
	ContainerID string                `json:"containerId"`
	ExecID      string                `json:"execId"`
	Rootfs      string                `json:"rootfs"`
	Process     container.ProcessSpec `json:"process"`
	Stdio       stdioSpec             `json:"stdio"`
}

type startResponse struct {
	Pid int `json:"pid"`
}

func (d *Dispatcher) handleStart(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[startRequest](payload, "dispatcher.Start")
	if err != nil {
		return nil, err
	}
	stdio, err := dialStdio(req.Stdio)
	if err != nil {
		return nil, err
	}
	pid, err := d.Containers.Start(ctx, req.ContainerID, req.ExecID, req.Rootfs, req.Process, stdio)
	if err != nil {
		return nil, err
	}
	return startResponse{Pid: pid}, nil
}

type execRequest struct {
	ContainerID string `json:"containerId"`
	ExecID      string `json:"execId"`
}

func (d *Dispatcher) handleWait(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[execRequest](payload, "dispatcher.Wait")
	if err != nil {
		return nil, err
	}
	return d.Containers.Wait(ctx, req.ContainerID, req.ExecID)
}

type killRequest struct {
	ContainerID string `json:"containerId"`
	ExecID      string `json:"execId"`
	Signal      int    `json:"signal"`
}

func (d *Dispatcher) handleKill(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[killRequest](payload, "dispatcher.Kill")
	if err != nil {
		return nil, err
	}
	return nil, d.Containers.Kill(ctx, req.ContainerID, req.ExecID, req.Signal)
}

type resizeRequest struct {
	ContainerID string `json:"containerId"`
	ExecID      string `json:"execId"`
	Rows        uint16 `json:"rows"`
	Cols        uint16 `json:"cols"`
}

func (d *Dispatcher) handleResize(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[resizeRequest](payload, "dispatcher.Resize")
	if err != nil {
		return nil, err
	}
	return nil, d.Containers.Resize(ctx, req.ContainerID, req.ExecID, req.Rows, req.Cols)
}

func (d *Dispatcher) handleCloseStdin(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[execRequest](payload, "dispatcher.CloseStdin")
	if err != nil {
		return nil, err
	}
	return nil, d.Containers.CloseStdin(ctx, req.ContainerID, req.ExecID)
}

func (d *Dispatcher) handleDeleteExec(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[execRequest](payload, "dispatcher.DeleteExec")
	if err != nil {
		return nil, err
	}
	return nil, d.Containers.DeleteExec(ctx, req.ContainerID, req.ExecID)
}
