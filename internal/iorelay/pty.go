package iorelay

import (
	"net"
	"os"

	"github.com/creack/pty"

	"github.com/banksean/vminitd/internal/poller"
)

// PTYRelay wires a single pseudo-terminal master to the host's
// combined stdio socket: everything written to the master (the
// child's stdout and echoed input) flows to the socket, and everything
// read from the socket is written to the master as input. There is no
// stderr side; a terminal session has one stream (§4.6).
type PTYRelay struct {
	p      *poller.Poller
	master *os.File
	conn   net.Conn
}

// NewPTYRelay allocates a master/slave pair via pty.Open and starts
// relaying between the master and conn. The caller execs the child
// against slave, then must close its own reference to slave.
func NewPTYRelay(p *poller.Poller, conn net.Conn) (r *PTYRelay, slave *os.File, err error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, nil, err
	}

	r = &PTYRelay{p: p, master: master, conn: conn}

	if fd, ok := connFd(conn); ok {
		pumpPair(p, fd, fdWriter(master.Fd()), func() { master.Close() })
	}
	pumpPair(p, int(master.Fd()), conn, func() { conn.Close() })

	return r, slave, nil
}

// AttachMaster builds a PTYRelay around an already-open master fd,
// used when an external OCI runtime owns the child and hands back the
// console over a per-container unix socket instead of this process
// calling pty.Open itself.
func AttachMaster(p *poller.Poller, master *os.File, conn net.Conn) *PTYRelay {
	r := &PTYRelay{p: p, master: master, conn: conn}

	if fd, ok := connFd(conn); ok {
		pumpPair(p, fd, fdWriter(master.Fd()), func() { master.Close() })
	}
	pumpPair(p, int(master.Fd()), conn, func() { conn.Close() })

	return r
}

// Resize forwards a terminal geometry change to the PTY master.
func (r *PTYRelay) Resize(rows, cols uint16) error {
	return pty.Setsize(r.master, &pty.Winsize{Rows: rows, Cols: cols})
}

// CloseStdin closes the host-to-master direction alone. Unlike the
// pipe relay, a PTY has no independent stdin fd to half-close; closing
// the socket's read side is approximated by deleting it from the
// poller so no further input is delivered, per §4.6's statement that
// "closeStdin closes the stdin relay alone, leaving output relays
// running."
func (r *PTYRelay) CloseStdin() {
	if fd, ok := connFd(r.conn); ok {
		r.p.Delete(fd)
	}
}

// Close tears down the relay entirely.
func (r *PTYRelay) Close() {
	r.CloseStdin()
	r.p.Delete(int(r.master.Fd()))
	r.master.Close()
	r.conn.Close()
}
