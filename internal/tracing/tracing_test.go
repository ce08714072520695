package tracing

import (
	"context"
	"encoding/json"
	"net"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"gotest.tools/v3/assert"

	"github.com/banksean/vminitd/internal/dispatcher"
	"github.com/banksean/vminitd/internal/wire"
)

func call(t *testing.T, conn net.Conn, id uint64, verb string, payload any) wire.Response {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		assert.NilError(t, err)
		raw = b
	}
	assert.NilError(t, wire.WriteRequest(conn, wire.Request{ID: id, Verb: verb, Payload: raw}))
	resp, err := wire.ReadResponse(conn)
	assert.NilError(t, err)
	return resp
}

func TestInstrumentDispatcherRecordsSpanPerVerb(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := tp.Tracer("test")

	d := dispatcher.New(nil, nil, nil)
	InstrumentDispatcher(tracer, d)

	server, client := net.Pipe()
	defer client.Close()
	go d.Serve(context.Background(), server)

	resp := call(t, client, 1, "get-env", map[string]string{"name": "HOME"})
	assert.Equal(t, resp.Code, "")

	ended := recorder.Ended()
	assert.Assert(t, len(ended) >= 1)
	assert.Equal(t, ended[0].Name(), "dispatcher.get-env")
}

func TestInstrumentDispatcherMarksUnknownVerbErrorOnSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := tp.Tracer("test")

	d := dispatcher.New(nil, nil, nil)
	InstrumentDispatcher(tracer, d)

	server, client := net.Pipe()
	defer client.Close()
	go d.Serve(context.Background(), server)

	resp := call(t, client, 1, "does-not-exist", nil)
	assert.Equal(t, resp.Code, "unsupported")

	// The unknown-verb path never reaches a registered handler, so Wrap
	// never instruments it; no span is recorded for it. Confirm a
	// second, known verb on the same dispatcher still gets one.
	resp2 := call(t, client, 2, "sync", nil)
	assert.Equal(t, resp2.Code, "")

	ended := recorder.Ended()
	assert.Assert(t, len(ended) >= 1)
	assert.Equal(t, ended[len(ended)-1].Name(), "dispatcher.sync")
}
