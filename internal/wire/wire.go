// Package wire implements the control-channel framing the request
// dispatcher (§4.10) reads and writes: a 4-byte big-endian length
// prefix followed by a JSON-encoded envelope. The schema proper (verb
// names, typed payloads) is an external collaborator per §6; this
// package only owns getting bytes on and off the wire without
// corrupting a neighboring request on a short read, grounded on the
// teacher's mux_server.go request/response JSON encoding generalized
// from HTTP bodies to a raw length-prefixed stream.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/banksean/vminitd/internal/agenterr"
)

// maxFrame bounds a single frame to defend against a corrupt or
// malicious length prefix forcing an unbounded allocation.
const maxFrame = 64 << 20

// Request is one control-channel call. ID lets the caller correlate
// Response back to the Request that produced it on a channel that may
// interleave several in flight at once.
type Request struct {
	ID      uint64          `json:"id"`
	Verb    string          `json:"verb"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response carries a handler's result or failure. Code is empty on
// success; on failure it holds one of the agenterr.Code taxonomy
// members.
type Response struct {
	ID      uint64          `json:"id"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrame {
		return nil, agenterr.New(agenterr.InvalidArgument, "wire.ReadFrame", "frame too large")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteFrame writes one length-prefixed frame to w.
func WriteFrame(w io.Writer, b []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// ReadRequest reads and decodes one Request frame.
func ReadRequest(r io.Reader) (Request, error) {
	b, err := ReadFrame(r)
	if err != nil {
		return Request{}, err
	}
	var req Request
	if err := json.Unmarshal(b, &req); err != nil {
		return Request{}, agenterr.Wrap(agenterr.InvalidArgument, "wire.ReadRequest", "decode envelope", err)
	}
	return req, nil
}

// WriteResponse encodes and writes one Response frame.
func WriteResponse(w io.Writer, resp Response) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return agenterr.Wrap(agenterr.Internal, "wire.WriteResponse", "encode envelope", err)
	}
	return WriteFrame(w, b)
}

// WriteRequest encodes and writes one Request frame; used by tests and
// by any in-process client exercising the dispatcher end to end.
func WriteRequest(w io.Writer, req Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return agenterr.Wrap(agenterr.Internal, "wire.WriteRequest", "encode envelope", err)
	}
	return WriteFrame(w, b)
}

// ReadResponse reads and decodes one Response frame.
func ReadResponse(r io.Reader) (Response, error) {
	b, err := ReadFrame(r)
	if err != nil {
		return Response{}, err
	}
	var resp Response
	if err := json.Unmarshal(b, &resp); err != nil {
		return Response{}, agenterr.Wrap(agenterr.InvalidArgument, "wire.ReadResponse", "decode envelope", err)
	}
	return resp, nil
}
