// Package dispatcher implements the request dispatcher described in
// §4.10: one handler per control-channel verb, each returning at most
// one agenterr.Code wrapped with an operation-scoped message. Grounded
// on mux_server.go's serveHTTP verb-to-handler table
// (mux.HandleFunc("/create", m.handleCreate) and siblings), generalized
// from net/http routing to the wire package's length-prefixed JSON
// envelopes and from a fixed handler set to one covering every §4.10
// verb group.
package dispatcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"sync"

	"github.com/banksean/vminitd/internal/agenterr"
	"github.com/banksean/vminitd/internal/container"
	"github.com/banksean/vminitd/internal/dnsmonitor"
	"github.com/banksean/vminitd/internal/proxy"
	"github.com/banksean/vminitd/internal/wire"
)

// HandlerFunc serves one verb's payload, returning a JSON-serializable
// result or an *agenterr.Error.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// Dispatcher routes control-channel requests to verb handlers and owns
// the collaborators every handler group needs: the container manager,
// the vsock proxy registry, and the DNS monitor's resolver-file
// registry.
type Dispatcher struct {
	Containers *container.Manager
	Proxies    *proxy.Registry
	DNS        *dnsmonitor.Monitor

	handlers map[string]HandlerFunc

	mu       sync.Mutex
	inflight map[uint64]context.CancelFunc
}

// New builds a Dispatcher and registers every §4.10 verb handler.
func New(containers *container.Manager, proxies *proxy.Registry, dns *dnsmonitor.Monitor) *Dispatcher {
	d := &Dispatcher{
		Containers: containers,
		Proxies:    proxies,
		DNS:        dns,
		handlers:   map[string]HandlerFunc{},
		inflight:   map[uint64]context.CancelFunc{},
	}
	d.registerHandlers()
	return d
}

func (d *Dispatcher) registerHandlers() {
	// Time / emulation / sysctl.
	d.handle("set-clock", d.handleSetClock)
	d.handle("register-binfmt", d.handleRegisterBinfmt)
	d.handle("write-sysctl", d.handleWriteSysctl)

	// Filesystem utilities.
	d.handle("mkdir", d.handleMkdir)
	d.handle("write-file", d.handleWriteFile)
	d.handle("copy-file-in", d.handleCopyFileIn)
	d.handle("copy-file-out", d.handleCopyFileOut)
	d.handle("copy-dir-in", d.handleCopyDirIn)
	d.handle("copy-dir-out", d.handleCopyDirOut)

	// Mounting.
	d.handle("mount", d.handleMount)
	d.handle("unmount", d.handleUnmount)

	// Environment.
	d.handle("get-env", d.handleGetEnv)
	d.handle("set-env", d.handleSetEnv)

	// Process control.
	d.handle("create-container", d.handleCreateContainer)
	d.handle("create-exec", d.handleCreateExec)
	d.handle("start", d.handleStart)
	d.handle("wait", d.handleWait)
	d.handle("kill", d.handleKill)
	d.handle("resize", d.handleResize)
	d.handle("close-stdin", d.handleCloseStdin)
	d.handle("delete-exec", d.handleDeleteExec)

	// Networking.
	d.handle("link-up", d.handleLinkUp)
	d.handle("link-down", d.handleLinkDown)
	d.handle("addr-add", d.handleAddrAdd)
	d.handle("route-add", d.handleRouteAdd)
	d.handle("route-add-default", d.handleRouteAddDefault)

	// DNS / hosts.
	d.handle("write-resolver", d.handleWriteResolver)
	d.handle("write-hosts", d.handleWriteHosts)

	// Statistics.
	d.handle("stats", d.handleStats)

	// Vsock proxies.
	d.handle("start-proxy", d.handleStartProxy)
	d.handle("stop-proxy", d.handleStopProxy)

	// Sync / kill.
	d.handle("sync", d.handleSync)
	d.handle("kill-pid", d.handleKillPid)
}

func (d *Dispatcher) handle(verb string, fn HandlerFunc) {
	d.handlers[verb] = fn
}

// Wrap applies middleware to every currently registered handler, in
// place. Used by internal/tracing to instrument each verb with an
// OpenTelemetry span without this package depending on the tracing
// package.
func (d *Dispatcher) Wrap(middleware func(verb string, fn HandlerFunc) HandlerFunc) {
	for verb, fn := range d.handlers {
		d.handlers[verb] = middleware(verb, fn)
	}
}

// Serve reads requests off conn until it errs or ctx is cancelled,
// dispatching each to its handler on its own goroutine so a slow
// handler never blocks unrelated requests sharing the connection, and
// writes each response back as soon as its handler finishes (so not
// necessarily in request order) under a single per-connection writer
// mutex (every socket is single-writer, per §5).
func (d *Dispatcher) Serve(ctx context.Context, conn net.Conn) {
	var writeMu sync.Mutex
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		req, err := wire.ReadRequest(conn)
		if err != nil {
			if ctx.Err() == nil {
				slog.DebugContext(ctx, "dispatcher.Serve: read", "error", err)
			}
			return
		}

		reqCtx, cancel := context.WithCancel(ctx)
		d.mu.Lock()
		d.inflight[req.ID] = cancel
		d.mu.Unlock()

		wg.Add(1)
		go func(req wire.Request) {
			defer wg.Done()
			defer func() {
				d.mu.Lock()
				delete(d.inflight, req.ID)
				d.mu.Unlock()
				cancel()
			}()

			resp := d.dispatch(reqCtx, req)
			writeMu.Lock()
			defer writeMu.Unlock()
			if err := wire.WriteResponse(conn, resp); err != nil {
				slog.WarnContext(ctx, "dispatcher.Serve: write", "error", err)
			}
		}(req)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, req wire.Request) wire.Response {
	fn, ok := d.handlers[req.Verb]
	if !ok {
		return errorResponse(req.ID, agenterr.New(agenterr.Unsupported, "dispatcher", "unknown verb: "+req.Verb))
	}

	result, err := fn(ctx, req.Payload)
	if err != nil {
		return errorResponse(req.ID, err)
	}

	var payload json.RawMessage
	if result != nil {
		b, merr := json.Marshal(result)
		if merr != nil {
			return errorResponse(req.ID, agenterr.Wrap(agenterr.Internal, "dispatcher", "encode response", merr))
		}
		payload = b
	}
	return wire.Response{ID: req.ID, Payload: payload}
}

func errorResponse(id uint64, err error) wire.Response {
	code := agenterr.CodeOf(err)
	return wire.Response{ID: id, Code: string(code), Message: err.Error()}
}

// CancelRequest cancels an in-flight request's context by ID and
// reports whether such a request was in flight. No control-channel
// verb calls it. A cancelled handler observes ctx.Done() at its next suspension point
// and unwinds via its own cleanup, never here.
func (d *Dispatcher) CancelRequest(id uint64) bool {
	d.mu.Lock()
	cancel, ok := d.inflight[id]
	d.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func decode[T any](payload json.RawMessage, op string) (T, error) {
	var v T
	if len(payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, agenterr.Wrap(agenterr.InvalidArgument, op, "decode payload", err)
	}
	return v, nil
}
