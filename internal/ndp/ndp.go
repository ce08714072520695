package ndp

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/banksean/vminitd/internal/agenterr"
	"github.com/banksean/vminitd/internal/codec"
	"github.com/banksean/vminitd/internal/rawsocket"
)

const (
	icmpv6RouterSolicitation   = 133
	icmpv6RouterAdvertisement  = 134
	rsHeaderLen                = 8 // type,code,checksum(4) + 4 reserved
	raFixedHeaderLenAfterICMP  = 12
)

// RouterSolicitation builds and sends an ICMPv6 router solicitation to
// the all-routers multicast group, optionally carrying a source
// link-layer-address option.
func RouterSolicitation(ctx context.Context, sock *rawsocket.Socket, ifIndex int, srcMAC net.HardwareAddr) error {
	size := rsHeaderLen
	var slla *SourceLinkLayerAddress
	if len(srcMAC) == 6 {
		slla = &SourceLinkLayerAddress{}
		copy(slla.MAC[:], srcMAC)
		size += slla.Size()
	}

	buf := codec.NewBuffer(size)
	off := 0
	var err error
	off, err = buf.PutU8("RouterSolicitation", "type", off, icmpv6RouterSolicitation)
	if err != nil {
		return err
	}
	off, err = buf.PutU8("RouterSolicitation", "code", off, 0)
	if err != nil {
		return err
	}
	off, err = buf.PutU16("RouterSolicitation", "checksum", off, 0)
	if err != nil {
		return err
	}
	off, err = buf.PutU32("RouterSolicitation", "reserved", off, 0)
	if err != nil {
		return err
	}
	if slla != nil {
		if off, err = slla.Append(buf, off); err != nil {
			return err
		}
	}

	sum := codec.ICMPChecksum(buf.Bytes())
	if _, err := buf.PutU16("RouterSolicitation", "checksum", 2, sum); err != nil {
		return err
	}

	if err := sock.SetMulticastIfIndex(ifIndex); err != nil {
		slog.WarnContext(ctx, "ndp.RouterSolicitation: SetMulticastIfIndex", "error", err)
	}
	_, err = sock.Send(rawsocket.AllRoutersV6, ifIndex, buf.Bytes())
	return err
}

// RouterAdvertisement is the parsed fixed header plus options extracted
// from an incoming RA.
type RouterAdvertisement struct {
	CurrentHopLimit uint8
	ManagedFlag     bool
	OtherFlag       bool
	RouterLifetime  uint16
	ReachableTime   uint32
	RetransTimer    uint32

	SourceLinkLayerAddress *SourceLinkLayerAddress
	Prefixes               []PrefixInformation
	MTU                    *MTUOption
	RDNSS                  []RecursiveDNSServer
}

// ReceiveRouterAdvertisement drains incoming ICMPv6 datagrams on sock
// until one of type RouterAdvertisement arrives or ctx's deadline
// expires.
func ReceiveRouterAdvertisement(ctx context.Context, sock *rawsocket.Socket) (*RouterAdvertisement, error) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sock.Receive(ctx, buf)
		if err != nil {
			return nil, err
		}
		if n < 4 || buf[0] != icmpv6RouterAdvertisement {
			continue
		}
		return ParseRouterAdvertisement(buf[:n])
	}
}

// ParseRouterAdvertisement parses the fixed RA header then loops over
// the option list: read type byte, length-in-units byte (must be > 0),
// payload length = 8*units - 2, and dispatch by type. Unknown or
// unimplemented types advance the cursor by payload length and are
// logged and skipped.
func ParseRouterAdvertisement(b []byte) (*RouterAdvertisement, error) {
	if len(b) < raFixedHeaderLenAfterICMP {
		return nil, agenterr.New(agenterr.InvalidArgument, "ndp.ParseRouterAdvertisement", "buffer shorter than fixed header")
	}

	buf := codec.Wrap(b)
	off := 4 // skip type, code, checksum

	ra := &RouterAdvertisement{}
	var err error
	ra.CurrentHopLimit, off, err = buf.GetU8("RouterAdvertisement", "currentHopLimit", off)
	if err != nil {
		return nil, err
	}
	flags, off2, err := buf.GetU8("RouterAdvertisement", "flags", off)
	if err != nil {
		return nil, err
	}
	off = off2
	ra.ManagedFlag = flags&0x80 != 0
	ra.OtherFlag = flags&0x40 != 0

	ra.RouterLifetime, off, err = buf.GetU16("RouterAdvertisement", "routerLifetime", off)
	if err != nil {
		return nil, err
	}
	ra.ReachableTime, off, err = buf.GetU32("RouterAdvertisement", "reachableTime", off)
	if err != nil {
		return nil, err
	}
	ra.RetransTimer, off, err = buf.GetU32("RouterAdvertisement", "retransTimer", off)
	if err != nil {
		return nil, err
	}

	for off < buf.Len() {
		optType, nextOff, err := buf.GetU8("RouterAdvertisement", "optionType", off)
		if err != nil {
			return nil, err
		}
		units, nextOff2, err := buf.GetU8("RouterAdvertisement", "optionLengthUnits", nextOff)
		if err != nil {
			return nil, err
		}
		if units == 0 {
			// Malformed: the source aborts rather than guessing a
			// recovery length.
			return nil, agenterr.New(agenterr.InvalidArgument, "ndp.ParseRouterAdvertisement", "option lengthInUnits == 0")
		}
		payloadLen := int(units)*8 - 2
		optStart := nextOff2

		switch optType {
		case OptSourceLinkLayerAddress:
			slla := &SourceLinkLayerAddress{}
			if _, err := slla.Bind(buf, optStart); err != nil {
				return nil, err
			}
			ra.SourceLinkLayerAddress = slla
		case OptPrefixInformation:
			pi := PrefixInformation{}
			if _, err := pi.Bind(buf, optStart); err != nil {
				return nil, err
			}
			ra.Prefixes = append(ra.Prefixes, pi)
		case OptMTU:
			mtu := &MTUOption{}
			if _, err := mtu.Bind(buf, optStart); err != nil {
				return nil, err
			}
			ra.MTU = mtu
		case OptRecursiveDNSServer:
			rdnss := &RecursiveDNSServer{}
			if _, err := rdnss.Bind(buf, optStart, payloadLen); err != nil {
				return nil, err
			}
			ra.RDNSS = append(ra.RDNSS, *rdnss)
		default:
			slog.Debug("ndp.ParseRouterAdvertisement: skipping unknown option", "type", optType, "payloadLen", payloadLen)
		}

		off = optStart + payloadLen
	}

	return ra, nil
}

// DeadlineFromTimeout returns a context bound by timeout, matching the
// "deadline computed per call" rule in §4.3.
func DeadlineFromTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, timeout)
}
