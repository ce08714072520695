package ndp

import (
	"net"
	"testing"

	"github.com/banksean/vminitd/internal/codec"
	"gotest.tools/v3/assert"
)

// buildRAWithRDNSS constructs the RA buffer from spec.md §8 scenario 2:
// currentHopLimit=64, managedFlag=false, otherFlag=true,
// routerLifetime=1800, reachableTime=30000, retransTimer=1000, plus one
// RDNSS option with lifetime=600 and address fd00::1.
func buildRAWithRDNSS(t *testing.T) []byte {
	t.Helper()
	addr := net.ParseIP("fd00::1").To16()

	size := 16 + 8 + 16 // fixed header incl type/code/checksum + rdnss header + one address
	buf := codec.NewBuffer(size)
	off := 0
	var err error
	off, err = buf.PutU8("RA", "type", off, icmpv6RouterAdvertisement)
	assert.NilError(t, err)
	off, err = buf.PutU8("RA", "code", off, 0)
	assert.NilError(t, err)
	off, err = buf.PutU16("RA", "checksum", off, 0)
	assert.NilError(t, err)
	off, err = buf.PutU8("RA", "currentHopLimit", off, 64)
	assert.NilError(t, err)
	off, err = buf.PutU8("RA", "flags", off, 0x40) // otherFlag only
	assert.NilError(t, err)
	off, err = buf.PutU16("RA", "routerLifetime", off, 1800)
	assert.NilError(t, err)
	off, err = buf.PutU32("RA", "reachableTime", off, 30000)
	assert.NilError(t, err)
	off, err = buf.PutU32("RA", "retransTimer", off, 1000)
	assert.NilError(t, err)

	// RDNSS option: type=25, units=3 (8*3-2=22=6+16)
	off, err = buf.PutU8("RA", "optType", off, OptRecursiveDNSServer)
	assert.NilError(t, err)
	off, err = buf.PutU8("RA", "optUnits", off, 3)
	assert.NilError(t, err)
	off, err = buf.PutU16("RA", "reserved", off, 0)
	assert.NilError(t, err)
	off, err = buf.PutU32("RA", "lifetime", off, 600)
	assert.NilError(t, err)
	_, err = buf.PutBytes("RA", "address", off, addr)
	assert.NilError(t, err)

	return buf.Bytes()
}

func TestParseRouterAdvertisementWithRDNSS(t *testing.T) {
	b := buildRAWithRDNSS(t)
	ra, err := ParseRouterAdvertisement(b)
	assert.NilError(t, err)

	assert.Equal(t, ra.CurrentHopLimit, uint8(64))
	assert.Equal(t, ra.ManagedFlag, false)
	assert.Equal(t, ra.OtherFlag, true)
	assert.Equal(t, ra.RouterLifetime, uint16(1800))
	assert.Equal(t, ra.ReachableTime, uint32(30000))
	assert.Equal(t, ra.RetransTimer, uint32(1000))

	assert.Equal(t, len(ra.RDNSS), 1)
	assert.Equal(t, ra.RDNSS[0].Lifetime, uint32(600))
	assert.Equal(t, len(ra.RDNSS[0].Addresses), 1)

	want := net.ParseIP("fd00::1").To16()
	got := ra.RDNSS[0].Addresses[0]
	assert.DeepEqual(t, got[:], []byte(want))
}

func TestParseRouterAdvertisementUnknownOptionSkipped(t *testing.T) {
	buf := codec.NewBuffer(16 + 8)
	off := 0
	off, _ = buf.PutU8("RA", "type", off, icmpv6RouterAdvertisement)
	off, _ = buf.PutU8("RA", "code", off, 0)
	off, _ = buf.PutU16("RA", "checksum", off, 0)
	off, _ = buf.PutU8("RA", "currentHopLimit", off, 0)
	off, _ = buf.PutU8("RA", "flags", off, 0)
	off, _ = buf.PutU16("RA", "routerLifetime", off, 0)
	off, _ = buf.PutU32("RA", "reachableTime", off, 0)
	off, _ = buf.PutU32("RA", "retransTimer", off, 0)
	// Unknown option type=99, units=1 (payload len = 6)
	off, _ = buf.PutU8("RA", "optType", off, 99)
	off, _ = buf.PutU8("RA", "optUnits", off, 1)
	_, _ = buf.PutBytes("RA", "payload", off, []byte{1, 2, 3, 4, 5, 6})

	ra, err := ParseRouterAdvertisement(buf.Bytes())
	assert.NilError(t, err)
	assert.Assert(t, ra.SourceLinkLayerAddress == nil)
}

func TestParseRouterAdvertisementMalformedOptionAborts(t *testing.T) {
	buf := codec.NewBuffer(18)
	off := 0
	off, _ = buf.PutU8("RA", "type", off, icmpv6RouterAdvertisement)
	off, _ = buf.PutU8("RA", "code", off, 0)
	off, _ = buf.PutU16("RA", "checksum", off, 0)
	off, _ = buf.PutU8("RA", "currentHopLimit", off, 0)
	off, _ = buf.PutU8("RA", "flags", off, 0)
	off, _ = buf.PutU16("RA", "routerLifetime", off, 0)
	off, _ = buf.PutU32("RA", "reachableTime", off, 0)
	off, _ = buf.PutU32("RA", "retransTimer", off, 0)
	off, _ = buf.PutU8("RA", "optType", off, 1)
	_, _ = buf.PutU8("RA", "optUnits", off, 0) // malformed: zero units

	_, err := ParseRouterAdvertisement(buf.Bytes())
	assert.ErrorContains(t, err, "lengthInUnits")
}
