// Networking verbs (§4.10): interface up/down with optional MTU, IPv4
// address add, link-scope route add, default route add. Implemented
// over github.com/vishvananda/netlink, the netlink wrapper already
// named in go.mod for this concern.
package dispatcher

import (
	"context"
	"encoding/json"
	"net"

	"github.com/vishvananda/netlink"

	"github.com/banksean/vminitd/internal/agenterr"
)

type linkRequest struct {
	Name string `json:"name"`
	MTU  int    `json:"mtu,omitempty"`
}

func (d *Dispatcher) handleLinkUp(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[linkRequest](payload, "dispatcher.LinkUp")
	if err != nil {
		return nil, err
	}
	link, err := netlink.LinkByName(req.Name)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.NotFound, "dispatcher.LinkUp", req.Name, err)
	}
	if req.MTU > 0 {
		if err := netlink.LinkSetMTU(link, req.MTU); err != nil {
			return nil, agenterr.Errno("dispatcher.LinkUp: set MTU", err)
		}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return nil, agenterr.Errno("dispatcher.LinkUp", err)
	}
	return nil, nil
}

func (d *Dispatcher) handleLinkDown(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[linkRequest](payload, "dispatcher.LinkDown")
	if err != nil {
		return nil, err
	}
	link, err := netlink.LinkByName(req.Name)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.NotFound, "dispatcher.LinkDown", req.Name, err)
	}
	if err := netlink.LinkSetDown(link); err != nil {
		return nil, agenterr.Errno("dispatcher.LinkDown", err)
	}
	return nil, nil
}

type addrAddRequest struct {
	Link string `json:"link"`
	CIDR string `json:"cidr"`
}

func (d *Dispatcher) handleAddrAdd(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[addrAddRequest](payload, "dispatcher.AddrAdd")
	if err != nil {
		return nil, err
	}
	link, err := netlink.LinkByName(req.Link)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.NotFound, "dispatcher.AddrAdd", req.Link, err)
	}
	addr, err := netlink.ParseAddr(req.CIDR)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.InvalidArgument, "dispatcher.AddrAdd", "(addrAddRequest, cidr)", err)
	}
	if err := netlink.AddrAdd(link, addr); err != nil {
		return nil, agenterr.Errno("dispatcher.AddrAdd", err)
	}
	return nil, nil
}

type routeAddRequest struct {
	Link string `json:"link"`
	Dest string `json:"dest"`
}

// handleRouteAdd installs a link-scope route: reachable directly over
// Link with no gateway, per §4.10's "add a link-scope route".
func (d *Dispatcher) handleRouteAdd(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[routeAddRequest](payload, "dispatcher.RouteAdd")
	if err != nil {
		return nil, err
	}
	link, err := netlink.LinkByName(req.Link)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.NotFound, "dispatcher.RouteAdd", req.Link, err)
	}
	_, dst, err := net.ParseCIDR(req.Dest)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.InvalidArgument, "dispatcher.RouteAdd", "(routeAddRequest, dest)", err)
	}
	route := &netlink.Route{LinkIndex: link.Attrs().Index, Dst: dst, Scope: netlink.SCOPE_LINK}
	if err := netlink.RouteAdd(route); err != nil {
		return nil, agenterr.Errno("dispatcher.RouteAdd", err)
	}
	return nil, nil
}

type routeAddDefaultRequest struct {
	Link    string `json:"link"`
	Gateway string `json:"gateway"`
}

func (d *Dispatcher) handleRouteAddDefault(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[routeAddDefaultRequest](payload, "dispatcher.RouteAddDefault")
	if err != nil {
		return nil, err
	}
	link, err := netlink.LinkByName(req.Link)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.NotFound, "dispatcher.RouteAddDefault", req.Link, err)
	}
	gw := net.ParseIP(req.Gateway)
	if gw == nil {
		return nil, agenterr.New(agenterr.InvalidArgument, "dispatcher.RouteAddDefault", "(routeAddDefaultRequest, gateway)")
	}
	route := &netlink.Route{LinkIndex: link.Attrs().Index, Gw: gw}
	if err := netlink.RouteAdd(route); err != nil {
		return nil, agenterr.Errno("dispatcher.RouteAddDefault", err)
	}
	return nil, nil
}
