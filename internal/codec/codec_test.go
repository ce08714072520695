package codec

import (
	"testing"

	"gotest.tools/v3/assert"
)

// TestEchoRequestChecksum is scenario 1 from spec.md §8: an ICMPv4 echo
// request with identifier=0x1234, sequence=0x5678 checksums to the wire
// prefix 08 00 cc cc 12 34 56 78.
func TestEchoRequestChecksum(t *testing.T) {
	buf := NewBuffer(8)
	off := 0
	var err error
	off, err = buf.PutU8("EchoRequest", "type", off, 8)
	assert.NilError(t, err)
	off, err = buf.PutU8("EchoRequest", "code", off, 0)
	assert.NilError(t, err)
	off, err = buf.PutU16("EchoRequest", "checksum", off, 0)
	assert.NilError(t, err)
	off, err = buf.PutU16("EchoRequest", "identifier", off, 0x1234)
	assert.NilError(t, err)
	_, err = buf.PutU16("EchoRequest", "sequence", off, 0x5678)
	assert.NilError(t, err)

	sum := ICMPChecksum(buf.Bytes())
	_, err = buf.PutU16("EchoRequest", "checksum", 2, sum)
	assert.NilError(t, err)

	assert.DeepEqual(t, buf.Bytes()[4:], []byte{0x12, 0x34, 0x56, 0x78})
	assert.Equal(t, buf.Bytes()[0], byte(8))
	assert.Equal(t, buf.Bytes()[1], byte(0))
}

func TestBufferOutOfRange(t *testing.T) {
	buf := NewBuffer(2)
	_, err := buf.PutU32("Foo", "bar", 0, 1)
	assert.ErrorContains(t, err, "Foo")
	assert.ErrorContains(t, err, "bar")
}

func TestGetPutRoundTrip(t *testing.T) {
	buf := NewBuffer(16)
	off := 0
	off, _ = buf.PutU8("T", "a", off, 0x7f)
	off, _ = buf.PutU16("T", "b", off, 0xbeef)
	off, _ = buf.PutU32("T", "c", off, 0xdeadbeef)
	_, _ = buf.PutBytes("T", "d", off, []byte{1, 2, 3, 4})

	rd := Wrap(buf.Bytes())
	off = 0
	a, off, _ := rd.GetU8("T", "a", off)
	b, off, _ := rd.GetU16("T", "b", off)
	c, off, _ := rd.GetU32("T", "c", off)
	d, _, _ := rd.GetBytes("T", "d", off, 4)

	assert.Equal(t, a, uint8(0x7f))
	assert.Equal(t, b, uint16(0xbeef))
	assert.Equal(t, c, uint32(0xdeadbeef))
	assert.DeepEqual(t, d, []byte{1, 2, 3, 4})
}
