package dispatcher

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/banksean/vminitd/internal/agenterr"
	"github.com/banksean/vminitd/internal/wire"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, net.Conn) {
	t.Helper()
	d := New(nil, nil, nil)
	client, server := net.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() { cancel(); client.Close() })

	go d.Serve(ctx, server)
	return d, client
}

func call(t *testing.T, conn net.Conn, id uint64, verb string, payload any) wire.Response {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		assert.NilError(t, err)
		raw = b
	}
	assert.NilError(t, wire.WriteRequest(conn, wire.Request{ID: id, Verb: verb, Payload: raw}))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := wire.ReadResponse(conn)
	assert.NilError(t, err)
	return resp
}

func TestUnknownVerbReturnsUnsupported(t *testing.T) {
	_, conn := newTestDispatcher(t)
	resp := call(t, conn, 1, "no-such-verb", nil)
	assert.Equal(t, resp.Code, string(agenterr.Unsupported))
}

func TestMkdirThenWriteFileRoundTrip(t *testing.T) {
	_, conn := newTestDispatcher(t)
	dir := t.TempDir()
	target := filepath.Join(dir, "a", "b")

	resp := call(t, conn, 1, "mkdir", mkdirRequest{Path: target})
	assert.Equal(t, resp.Code, "")

	resp = call(t, conn, 2, "write-file", writeFileRequest{
		Path:  filepath.Join(target, "f.txt"),
		Data:  []byte("hello"),
		Flags: writeFileFlags{CreateIfMissing: true},
	})
	assert.Equal(t, resp.Code, "")

	got, err := os.ReadFile(filepath.Join(target, "f.txt"))
	assert.NilError(t, err)
	assert.Equal(t, string(got), "hello")
}

func TestGetEnvSetEnvRoundTrip(t *testing.T) {
	_, conn := newTestDispatcher(t)

	resp := call(t, conn, 1, "set-env", setEnvRequest{Key: "VMINITD_TEST_X", Value: "1"})
	assert.Equal(t, resp.Code, "")

	resp = call(t, conn, 2, "get-env", getEnvRequest{Key: "VMINITD_TEST_X"})
	var got getEnvResponse
	assert.NilError(t, json.Unmarshal(resp.Payload, &got))
	assert.Equal(t, got.Value, "1")
	assert.Equal(t, got.Set, true)
}

func TestRequestsOnSameConnectionDoNotBlockEachOther(t *testing.T) {
	_, conn := newTestDispatcher(t)

	assert.NilError(t, wire.WriteRequest(conn, wire.Request{ID: 1, Verb: "sync"}))
	assert.NilError(t, wire.WriteRequest(conn, wire.Request{ID: 2, Verb: "get-env", Payload: mustJSON(t, getEnvRequest{Key: "PATH"})}))

	seen := map[uint64]bool{}
	for i := 0; i < 2; i++ {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		resp, err := wire.ReadResponse(conn)
		assert.NilError(t, err)
		seen[resp.ID] = true
	}
	assert.Equal(t, seen[1], true)
	assert.Equal(t, seen[2], true)
}

func TestCancelRequestUnblocksInFlightHandler(t *testing.T) {
	d, conn := newTestDispatcher(t)

	started := make(chan struct{})
	d.handle("block-until-cancelled", func(ctx context.Context, payload json.RawMessage) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	assert.NilError(t, wire.WriteRequest(conn, wire.Request{ID: 99, Verb: "block-until-cancelled"}))
	<-started

	assert.Assert(t, d.CancelRequest(99))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := wire.ReadResponse(conn)
	assert.NilError(t, err)
	assert.Equal(t, resp.ID, uint64(99))
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	assert.NilError(t, err)
	return b
}
