package wire

import (
	"bytes"
	"testing"

	"gotest.tools/v3/assert"
)

func TestRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := Request{ID: 7, Verb: "mkdir", Payload: []byte(`{"path":"/tmp/x"}`)}
	assert.NilError(t, WriteRequest(&buf, req))

	got, err := ReadRequest(&buf)
	assert.NilError(t, err)
	assert.DeepEqual(t, got, req)
}

func TestResponseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	resp := Response{ID: 7, Code: "not-found", Message: "no such container"}
	assert.NilError(t, WriteResponse(&buf, resp))

	got, err := ReadResponse(&buf)
	assert.NilError(t, err)
	assert.DeepEqual(t, got, resp)
}

func TestTwoFramesDoNotBleedIntoEachOther(t *testing.T) {
	var buf bytes.Buffer
	assert.NilError(t, WriteRequest(&buf, Request{ID: 1, Verb: "a"}))
	assert.NilError(t, WriteRequest(&buf, Request{ID: 2, Verb: "b"}))

	first, err := ReadRequest(&buf)
	assert.NilError(t, err)
	assert.Equal(t, first.Verb, "a")

	second, err := ReadRequest(&buf)
	assert.NilError(t, err)
	assert.Equal(t, second.Verb, "b")
}

func TestReadFrameRejectsOversizeLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	_, err := ReadFrame(&buf)
	assert.ErrorContains(t, err, "frame too large")
}
