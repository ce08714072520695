// Vsock proxy verbs (§4.10): start/stop named stream proxies (§4.7).
package dispatcher

import (
	"context"
	"encoding/json"

	"github.com/banksean/vminitd/internal/agenterr"
	"github.com/banksean/vminitd/internal/proxy"
)

type proxyTarget struct {
	Path string `json:"path,omitempty"`
	CID  uint32 `json:"cid,omitempty"`
	Port uint32 `json:"port,omitempty"`
}

type startProxyRequest struct {
	ID        string      `json:"id"`
	Direction string      `json:"direction"` // "unix-to-vsock" | "vsock-to-unix"
	Listen    proxyTarget `json:"listen"`
	Dial      proxyTarget `json:"dial"`
}

func (d *Dispatcher) handleStartProxy(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[startProxyRequest](payload, "dispatcher.StartProxy")
	if err != nil {
		return nil, err
	}
	if d.Proxies == nil {
		return nil, agenterr.New(agenterr.Unsupported, "dispatcher.StartProxy", "no proxy registry configured")
	}

	var dir proxy.Direction
	switch req.Direction {
	case "unix-to-vsock":
		dir = proxy.ListenUnixDialVsock
	case "vsock-to-unix":
		dir = proxy.ListenVsockDialUnix
	default:
		return nil, agenterr.New(agenterr.InvalidArgument, "dispatcher.StartProxy", "(startProxyRequest, direction)")
	}

	listen := proxy.Target{Path: req.Listen.Path, CID: req.Listen.CID, Port: req.Listen.Port}
	dial := proxy.Target{Path: req.Dial.Path, CID: req.Dial.CID, Port: req.Dial.Port}
	return nil, d.Proxies.StartNamed(ctx, req.ID, dir, listen, dial)
}

type stopProxyRequest struct {
	ID string `json:"id"`
}

func (d *Dispatcher) handleStopProxy(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[stopProxyRequest](payload, "dispatcher.StopProxy")
	if err != nil {
		return nil, err
	}
	if d.Proxies == nil {
		return nil, agenterr.New(agenterr.Unsupported, "dispatcher.StopProxy", "no proxy registry configured")
	}
	return nil, d.Proxies.StopNamed(ctx, req.ID)
}
