package proxy

import (
	"context"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/banksean/vminitd/internal/poller"
)

// newLoopbackPair returns a Proxy whose listen/dial hooks both target
// unix sockets, standing in for the real unix<->vsock transport so the
// relay/half-close logic can be exercised without a vsock-capable
// kernel.
func newLoopbackPair(t *testing.T, p *poller.Poller, upstream string) *Proxy {
	t.Helper()
	px := New("test", ListenUnixDialVsock, Target{}, Target{}, p)
	front := filepath.Join(t.TempDir(), "front.sock")
	px.listenFn = func() (net.Listener, error) { return net.Listen("unix", front) }
	px.dialFn = func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", upstream)
	}
	return px
}

func newTestPoller(t *testing.T) *poller.Poller {
	t.Helper()
	p, err := poller.New()
	assert.NilError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestProxyRelaysBothDirections(t *testing.T) {
	upstreamPath := filepath.Join(t.TempDir(), "upstream.sock")
	upstream, err := net.Listen("unix", upstreamPath)
	assert.NilError(t, err)
	defer upstream.Close()

	echoDone := make(chan struct{})
	go func() {
		defer close(echoDone)
		conn, err := upstream.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		conn.Write(buf[:n])
	}()

	p := newLoopbackPair(t, newTestPoller(t), upstreamPath)
	ctx := context.Background()
	assert.NilError(t, p.Start(ctx))
	defer p.Stop(ctx)

	listener := p.listener
	assert.Assert(t, listener != nil)
	frontPath := listener.Addr().String()

	client, err := net.Dial("unix", frontPath)
	assert.NilError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("ping"))
	assert.NilError(t, err)

	buf := make([]byte, 64)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	assert.NilError(t, err)
	assert.Equal(t, string(buf[:n]), "ping")

	<-echoDone
}

func TestProxyStartStopIdempotent(t *testing.T) {
	upstreamPath := filepath.Join(t.TempDir(), "upstream.sock")
	upstream, err := net.Listen("unix", upstreamPath)
	assert.NilError(t, err)
	defer upstream.Close()
	go func() {
		for {
			conn, err := upstream.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	p := newLoopbackPair(t, newTestPoller(t), upstreamPath)
	ctx := context.Background()

	assert.NilError(t, p.Start(ctx))
	assert.NilError(t, p.Start(ctx))

	assert.NilError(t, p.Stop(ctx))
	assert.NilError(t, p.Stop(ctx))
}

func TestRegistryStopUnknownIsNoop(t *testing.T) {
	r := NewRegistry(newTestPoller(t))
	assert.NilError(t, r.StopNamed(context.Background(), "does-not-exist"))
}

// TestProxyHalfCloseKeepsReverseDirectionAlive covers spec §8 item 5: a
// client writes a large payload, then half-closes its write side
// (CloseWrite) while still expecting to read the echoed reply. The
// half-close on one direction must not sever the other: the upstream's
// full reply has to still arrive even though the client will never
// write again.
func TestProxyHalfCloseKeepsReverseDirectionAlive(t *testing.T) {
	const size = 1 << 20 // 1 MiB, per §8 item 5

	upstreamPath := filepath.Join(t.TempDir(), "upstream.sock")
	upstream, err := net.Listen("unix", upstreamPath)
	assert.NilError(t, err)
	defer upstream.Close()

	echoDone := make(chan struct{})
	go func() {
		defer close(echoDone)
		conn, err := upstream.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		n, err := io.Copy(io.Discard, conn)
		if err != nil || n != size {
			return
		}
		// The client has half-closed; write the reply on the direction
		// that's still open.
		reply := make([]byte, size)
		for i := range reply {
			reply[i] = 0xAA
		}
		conn.Write(reply)
	}()

	p := newLoopbackPair(t, newTestPoller(t), upstreamPath)
	ctx := context.Background()
	assert.NilError(t, p.Start(ctx))
	defer p.Stop(ctx)

	client, err := net.Dial("unix", p.listener.Addr().String())
	assert.NilError(t, err)
	defer client.Close()

	payload := make([]byte, size)
	for i := range payload {
		payload[i] = 0x55
	}
	n, err := client.Write(payload)
	assert.NilError(t, err)
	assert.Equal(t, n, size)

	assert.NilError(t, client.(*net.UnixConn).CloseWrite())

	client.SetReadDeadline(time.Now().Add(10 * time.Second))
	got, err := io.ReadAll(client)
	assert.NilError(t, err)
	assert.Equal(t, len(got), size)
	for _, b := range got {
		if b != 0xAA {
			t.Fatalf("reply corrupted")
		}
	}

	<-echoDone
}

// TestProxyConnectionCloseRemovesFdsFromPoller covers the §8 property
// that a finished connection leaves no fd driven by the poller: once
// both ends close, the connection's handler must finish its teardown
// (each pump unregisters its fds as it finishes) so that Stop, which
// waits on in-flight handlers, returns. The poller's registrations are
// not inspected directly.
func TestProxyConnectionCloseRemovesFdsFromPoller(t *testing.T) {
	upstreamPath := filepath.Join(t.TempDir(), "upstream.sock")
	upstream, err := net.Listen("unix", upstreamPath)
	assert.NilError(t, err)
	defer upstream.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := upstream.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	p := newLoopbackPair(t, newTestPoller(t), upstreamPath)
	ctx := context.Background()
	assert.NilError(t, p.Start(ctx))

	client, err := net.Dial("unix", p.listener.Addr().String())
	assert.NilError(t, err)

	var upstreamConn net.Conn
	select {
	case upstreamConn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never accepted")
	}

	client.Close()
	upstreamConn.Close()

	// Let both pump directions observe the closes and finish before
	// stopping the proxy, which waits on in-flight handlers.
	time.Sleep(100 * time.Millisecond)
	assert.NilError(t, p.Stop(ctx))
}
