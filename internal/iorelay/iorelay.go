// Package iorelay implements the per-process I/O plumbing described in
// §4.6: either three pipe relays (non-terminal) or a PTY relay
// (terminal), both driven by the shared event poller. Grounded on the
// teacher's use of github.com/creack/pty for allocating a terminal
// master/slave pair (containers.go), generalized from a single interactive shell session to the
// §4.9 container manager's per-process relay lifecycle.
package iorelay

import (
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/banksean/vminitd/internal/poller"
)

const pageSize = 4096

// Relay is the shared capability set (§4.6/§9 "I/O plumbing
// polymorphism") both shapes implement.
type Relay interface {
	// Resize forwards a terminal geometry change. No-op for pipe relays.
	Resize(rows, cols uint16) error
	// CloseStdin half-closes the stdin relay alone.
	CloseStdin()
	// Close tears down every relay pair and unregisters from the poller.
	Close()
}

// pumpPair copies bytes from src to dst on wake-ups registered with p,
// following the §4.6 loop-read-until-EAGAIN / full-write-or-abort rule.
// onClosed fires exactly once, from whichever side detects EOF first.
// The returned channel closes when onClosed has run, so a caller that
// needs the drain to finish before reclaiming srcFd (rather than
// racing it with a forced close) can wait on it instead of guessing.
func pumpPair(p *poller.Poller, srcFd int, dst io.Writer, onClosed func()) <-chan struct{} {
	done := make(chan struct{})
	var once sync.Once
	finish := func() {
		once.Do(func() {
			p.Delete(srcFd)
			onClosed()
			close(done)
		})
	}

	buf := make([]byte, pageSize)
	cb := func(mask poller.Mask) {
		for {
			n, err := unix.Read(srcFd, buf)
			if n > 0 {
				if nw, werr := dst.Write(buf[:n]); werr != nil || nw < n {
					finish()
					return
				}
			}
			if err != nil {
				if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
					break
				}
				finish()
				return
			}
			if n == 0 {
				finish()
				return
			}
		}
		if mask.Has(poller.Hangup) || mask.Has(poller.ReadHangup) {
			finish()
		}
	}
	if err := p.Add(srcFd, poller.Readable, cb); err != nil {
		slog.Error("iorelay.pumpPair: Add", "fd", srcFd, "error", err)
		finish()
	}
	return done
}

// fdWriter adapts a raw fd for io.Writer, used when the sink is a pipe
// or PTY master rather than a net.Conn.
type fdWriter int

func (w fdWriter) Write(b []byte) (int, error) {
	return unix.Write(int(w), b)
}

// connFd extracts the underlying fd from a net.Conn (a host-stdio
// socket), for registration with the poller.
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

// dupFile returns a dup()'d fd from f so the relay can manage its own
// lifetime independent of the *os.File it was handed.
func dupFile(f *os.File) (int, error) {
	return unix.Dup(int(f.Fd()))
}
