// Package ndp implements the neighbor-discovery engine (§4.3): building
// router solicitations, parsing router advertisements, and the option
// list grammar they share. Option shapes are grounded on the pack's ND
// implementations (AdGuardHome's routeradv.go hand-rolled RA builder
// and Splat-NDPeekr's RA listener/decoder), generalized to the fixed
// option set spec.md §3 names.
package ndp

import "github.com/banksean/vminitd/internal/codec"

// Option type tags, per RFC 4861 §4.6.
const (
	OptSourceLinkLayerAddress = 1
	OptPrefixInformation      = 3
	OptMTU                    = 5
	OptRecursiveDNSServer     = 25
)

// SourceLinkLayerAddress is a 6-byte MAC carried in an 8-byte option
// (2-byte header + 6-byte address), i.e. lengthInUnits == 1.
type SourceLinkLayerAddress struct {
	MAC [6]byte
}

func (SourceLinkLayerAddress) Size() int { return 8 }

func (o SourceLinkLayerAddress) Append(b *codec.Buffer, off int) (int, error) {
	off, err := b.PutU8("SourceLinkLayerAddress", "type", off, OptSourceLinkLayerAddress)
	if err != nil {
		return off, err
	}
	off, err = b.PutU8("SourceLinkLayerAddress", "lengthInUnits", off, 1)
	if err != nil {
		return off, err
	}
	return b.PutBytes("SourceLinkLayerAddress", "mac", off, o.MAC[:])
}

func (o *SourceLinkLayerAddress) Bind(b *codec.Buffer, off int) (int, error) {
	mac, off, err := b.GetBytes("SourceLinkLayerAddress", "mac", off, 6)
	if err != nil {
		return off, err
	}
	copy(o.MAC[:], mac)
	return off, nil
}

// PrefixInformation is the 30-byte payload (excluding the 2-byte option
// header) describing an on-link prefix, lengthInUnits == 4.
type PrefixInformation struct {
	PrefixLength      uint8
	Flags             uint8
	ValidLifetime     uint32
	PreferredLifetime uint32
	Prefix            [16]byte
}

func (PrefixInformation) Size() int { return 32 }

func (o *PrefixInformation) Bind(b *codec.Buffer, off int) (int, error) {
	var err error
	o.PrefixLength, off, err = b.GetU8("PrefixInformation", "prefixLength", off)
	if err != nil {
		return off, err
	}
	o.Flags, off, err = b.GetU8("PrefixInformation", "flags", off)
	if err != nil {
		return off, err
	}
	o.ValidLifetime, off, err = b.GetU32("PrefixInformation", "validLifetime", off)
	if err != nil {
		return off, err
	}
	o.PreferredLifetime, off, err = b.GetU32("PrefixInformation", "preferredLifetime", off)
	if err != nil {
		return off, err
	}
	off, err = checkSkip(b, off, 4) // reserved
	if err != nil {
		return off, err
	}
	prefix, off, err := b.GetBytes("PrefixInformation", "prefix", off, 16)
	if err != nil {
		return off, err
	}
	copy(o.Prefix[:], prefix)
	return off, nil
}

// MTUOption is the 6-byte MTU record, lengthInUnits == 1.
type MTUOption struct {
	MTU uint32
}

func (MTUOption) Size() int { return 6 }

func (o *MTUOption) Bind(b *codec.Buffer, off int) (int, error) {
	var err error
	off, err = checkSkip(b, off, 2) // reserved
	if err != nil {
		return off, err
	}
	o.MTU, off, err = b.GetU32("MTUOption", "mtu", off)
	return off, err
}

// RecursiveDNSServer is a 6-byte header plus N 16-byte IPv6 addresses.
type RecursiveDNSServer struct {
	Lifetime  uint32
	Addresses [][16]byte
}

func (o *RecursiveDNSServer) Bind(b *codec.Buffer, off int, payloadLen int) (int, error) {
	var err error
	off, err = checkSkip(b, off, 2) // reserved
	if err != nil {
		return off, err
	}
	o.Lifetime, off, err = b.GetU32("RecursiveDNSServer", "lifetime", off)
	if err != nil {
		return off, err
	}
	remaining := payloadLen - 6
	for remaining >= 16 {
		addr, next, err := b.GetBytes("RecursiveDNSServer", "address", off, 16)
		if err != nil {
			return off, err
		}
		var a [16]byte
		copy(a[:], addr)
		o.Addresses = append(o.Addresses, a)
		off = next
		remaining -= 16
	}
	return off, nil
}

// checkSkip advances off by n bytes after validating range, used for
// reserved fields that codec's typed getters don't need to decode.
func checkSkip(b *codec.Buffer, off, n int) (int, error) {
	if _, _, err := b.GetBytes("reserved", "_", off, n); err != nil {
		return off, err
	}
	return off + n, nil
}
