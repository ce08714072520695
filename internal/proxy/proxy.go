// Package proxy implements the socket-to-socket stream proxy described
// in §4.7: a named, idempotently-started/stopped relay between a unix
// domain socket and a vsock port, in either direction, with
// independent half-close tracking on each side of every connection.
// Grounded on mux_server.go's listener lifecycle and slog.InfoContext
// logging conventions for the accept loop, and on iorelay's
// poller-driven, read-until-EAGAIN pump for the relay itself,
// generalized from copying through a userspace buffer to splicing
// through an intermediary pipe so neither direction ever copies a byte
// into Go-managed memory.
package proxy

import (
	"context"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/mdlayher/vsock"

	"github.com/banksean/vminitd/internal/agenterr"
	"github.com/banksean/vminitd/internal/poller"
)

// Direction selects which side listens and which side dials.
type Direction int

const (
	// ListenUnixDialVsock accepts unix connections and, per accepted
	// connection, dials out to a vsock (cid, port).
	ListenUnixDialVsock Direction = iota
	// ListenVsockDialUnix accepts vsock connections and, per accepted
	// connection, dials out to a unix socket path.
	ListenVsockDialUnix
)

// Target names one side of a proxy: either a unix socket path or a
// vsock (cid, port) pair. Exactly one of Path/Port is meaningful,
// selected by the owning Proxy's Direction.
type Target struct {
	Path string
	CID  uint32
	Port uint32
}

// Proxy is one named listen/dial pair. Start and Stop are both
// idempotent: calling either a second time is a no-op.
type Proxy struct {
	ID        string
	Direction Direction
	Listen    Target
	Dial      Target
	// Mode is the filesystem permission bits for a unix listener socket;
	// zero means 0o777 (the widest mode net.Listen itself would produce
	// with umask cleared).
	Mode fs.FileMode

	p *poller.Poller

	mu       sync.Mutex
	listener net.Listener
	started  bool
	stopped  bool
	wg       sync.WaitGroup

	// listenFn/dialFn let tests substitute a loopback transport for the
	// real unix/vsock endpoints; nil in production, where listen/dial
	// use Direction to pick the real transport.
	listenFn func() (net.Listener, error)
	dialFn   func(ctx context.Context) (net.Conn, error)
}

// New constructs a Proxy in the not-yet-started state, relayed over p.
func New(id string, dir Direction, listen, dial Target, p *poller.Poller) *Proxy {
	return &Proxy{ID: id, Direction: dir, Listen: listen, Dial: dial, p: p}
}

// Start begins accepting connections on the listen side. A second call
// to an already-started proxy is a no-op, per §4.7's idempotency
// requirement.
func (p *Proxy) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}

	listener, err := p.listen()
	if err != nil {
		return agenterr.Wrap(agenterr.Internal, "proxy.Start", "listen failed", err)
	}
	p.listener = listener
	p.started = true

	p.wg.Add(1)
	go p.accept(ctx)

	slog.InfoContext(ctx, "proxy.Start", "id", p.ID, "direction", p.Direction)
	return nil
}

func (p *Proxy) listen() (net.Listener, error) {
	if p.listenFn != nil {
		return p.listenFn()
	}
	switch p.Direction {
	case ListenUnixDialVsock:
		if err := os.MkdirAll(filepath.Dir(p.Listen.Path), 0o755); err != nil {
			return nil, err
		}
		// Clear the umask for the duration of the bind so the socket
		// ends up with exactly the requested mode, then restore it.
		old := unix.Umask(0)
		l, err := net.Listen("unix", p.Listen.Path)
		unix.Umask(old)
		if err != nil {
			return nil, err
		}
		mode := p.Mode
		if mode == 0 {
			mode = 0o777
		}
		if err := os.Chmod(p.Listen.Path, mode); err != nil {
			l.Close()
			return nil, err
		}
		return l, nil
	case ListenVsockDialUnix:
		// "any CID" per §4.7: a guest-side listener accepts connections
		// from the host regardless of which CID originated them.
		return vsock.Listen(p.Listen.Port, nil)
	default:
		return nil, agenterr.New(agenterr.InvalidArgument, "proxy.listen", "unknown direction")
	}
}

func (p *Proxy) dial(ctx context.Context) (net.Conn, error) {
	if p.dialFn != nil {
		return p.dialFn(ctx)
	}
	switch p.Direction {
	case ListenUnixDialVsock:
		return vsockDial(ctx, p.Dial.CID, p.Dial.Port)
	case ListenVsockDialUnix:
		var d net.Dialer
		return d.DialContext(ctx, "unix", p.Dial.Path)
	default:
		return nil, agenterr.New(agenterr.InvalidArgument, "proxy.dial", "unknown direction")
	}
}

func vsockDial(ctx context.Context, cid, port uint32) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := vsock.Dial(cid, port, nil)
		ch <- result{conn, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.conn, r.err
	}
}

func (p *Proxy) accept(ctx context.Context) {
	defer p.wg.Done()
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			p.mu.Lock()
			stopped := p.stopped
			p.mu.Unlock()
			if stopped {
				return
			}
			slog.WarnContext(ctx, "proxy.accept", "id", p.ID, "error", err)
			return
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.handle(ctx, conn)
		}()
	}
}

// handle splices one accepted connection against a freshly dialed peer
// connection, tracking each direction's hangup independently: per
// §4.7, a direction that sees a clean EOF or read-hangup only
// half-closes (CloseWrite) the opposite socket, leaving the other
// direction free to keep draining in-flight bytes, while a broken pipe
// on either direction tears the whole connection down immediately.
// Both real sockets close exactly once, only after both directions
// have finished.
func (p *Proxy) handle(ctx context.Context, accepted net.Conn) {
	peer, err := p.dial(ctx)
	if err != nil {
		slog.WarnContext(ctx, "proxy.handle: dial", "id", p.ID, "error", err)
		accepted.Close()
		return
	}

	acceptedFd, ok := connFd(accepted)
	if !ok {
		slog.ErrorContext(ctx, "proxy.handle: accepted conn has no fd", "id", p.ID)
		accepted.Close()
		peer.Close()
		return
	}
	peerFd, ok := connFd(peer)
	if !ok {
		slog.ErrorContext(ctx, "proxy.handle: peer conn has no fd", "id", p.ID)
		accepted.Close()
		peer.Close()
		return
	}

	var pumpsMu sync.Mutex
	var pumps []*splicePump
	done := make(chan struct{})

	var closeOnce sync.Once
	teardown := func() {
		closeOnce.Do(func() {
			// Abort both pumps first so their poller registrations are
			// torn down before the fds underneath them are closed;
			// otherwise a forced close on a still-registered fd leaves
			// a stale callback entry behind for whatever fd number the
			// kernel hands out next.
			pumpsMu.Lock()
			for _, sp := range pumps {
				sp.abort()
			}
			pumpsMu.Unlock()
			accepted.Close()
			peer.Close()
			close(done)
		})
	}

	var remaining int32 = 2
	onDirDone := func(half func(), err error) {
		if err != nil {
			slog.WarnContext(ctx, "proxy.handle: direction broke", "id", p.ID, "error", err)
			teardown()
			return
		}
		half()
		if atomic.AddInt32(&remaining, -1) == 0 {
			teardown()
		}
	}

	spA, err := newSplicePump(p.p, acceptedFd, peerFd, func(err error) {
		onDirDone(func() { halfClose(peer) }, err)
	})
	if err != nil {
		slog.ErrorContext(ctx, "proxy.handle: pump client->server", "id", p.ID, "error", err)
		teardown()
		return
	}
	spB, err := newSplicePump(p.p, peerFd, acceptedFd, func(err error) {
		onDirDone(func() { halfClose(accepted) }, err)
	})
	if err != nil {
		slog.ErrorContext(ctx, "proxy.handle: pump server->client", "id", p.ID, "error", err)
		spA.abort()
		teardown()
		return
	}
	pumpsMu.Lock()
	pumps = append(pumps, spA, spB)
	pumpsMu.Unlock()

	// Block until both directions finish so Stop's wg.Wait genuinely
	// waits for in-flight connections to drain rather than returning as
	// soon as the pumps are set up.
	select {
	case <-done:
	case <-ctx.Done():
		teardown()
	}
}

type writeCloser interface {
	CloseWrite() error
}

// halfClose shuts down the write side only, if the conn supports it,
// so the still-open read direction can drain in-flight bytes before
// the whole connection is torn down.
func halfClose(c net.Conn) {
	if wc, ok := c.(writeCloser); ok {
		_ = wc.CloseWrite()
	}
}

// connFd extracts the underlying fd from a net.Conn, for splicing and
// poller registration.
func connFd(c net.Conn) (int, bool) {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return 0, false
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, false
	}
	var fd int
	_ = raw.Control(func(f uintptr) { fd = int(f) })
	return fd, true
}

// Stop halts accepting and waits for in-flight connections to finish
// their copy loops. A second call to an already-stopped proxy is a
// no-op.
func (p *Proxy) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped || !p.started {
		p.stopped = true
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	listener := p.listener
	p.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}
	p.wg.Wait()

	if p.Direction == ListenUnixDialVsock && p.listenFn == nil {
		_ = os.Remove(p.Listen.Path)
	}

	slog.InfoContext(ctx, "proxy.Stop", "id", p.ID)
	return nil
}

// Registry tracks proxies by ID for the §4.10 vsock-proxy-start/stop
// dispatcher verbs.
type Registry struct {
	p *poller.Poller

	mu      sync.Mutex
	proxies map[string]*Proxy
}

// NewRegistry constructs an empty Registry whose proxies relay over p.
func NewRegistry(p *poller.Poller) *Registry {
	return &Registry{p: p, proxies: map[string]*Proxy{}}
}

// StartNamed creates (if not already present) and starts the named
// proxy.
func (r *Registry) StartNamed(ctx context.Context, id string, dir Direction, listen, dial Target) error {
	r.mu.Lock()
	p, ok := r.proxies[id]
	if !ok {
		p = New(id, dir, listen, dial, r.p)
		r.proxies[id] = p
	}
	r.mu.Unlock()
	return p.Start(ctx)
}

// StopNamed stops and forgets the named proxy. Stopping an unknown id
// is a no-op, matching Proxy.Stop's idempotency.
func (r *Registry) StopNamed(ctx context.Context, id string) error {
	r.mu.Lock()
	p, ok := r.proxies[id]
	if ok {
		delete(r.proxies, id)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return p.Stop(ctx)
}
