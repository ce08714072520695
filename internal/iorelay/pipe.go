package iorelay

import (
	"net"
	"os"
	"time"

	"github.com/banksean/vminitd/internal/poller"
)

// PipeRelay wires three one-directional pipe pairs: host-stdin-socket to
// the child's stdin pipe, and the child's stdout/stderr pipes back to
// their host sockets. Exactly one of PipeRelay/PTYRelay exists per
// managed process, chosen at creation (§4.6).
type PipeRelay struct {
	p *poller.Poller

	stdinR, stdinW   *os.File
	stdoutR, stdoutW *os.File
	stderrR, stderrW *os.File

	stdinConn, stdoutConn, stderrConn net.Conn

	// stdoutDone/stderrDone close once pumpPair has observed natural
	// EOF (or a hangup) on stdoutR/stderrR and torn down that pump.
	// Close waits on these instead of forcing stdoutR/stderrR shut, so
	// a child's trailing output isn't raced against the poller thread
	// still draining it. Nil when no pump was ever started for that
	// direction (stdout/stderr was nil).
	stdoutDone, stderrDone <-chan struct{}
}

// drainTimeout bounds how long Close waits for a natural EOF on
// stdout/stderr before forcing the pipe shut, so a child that leaks the
// write end to a grandchild cannot wedge teardown forever.
const drainTimeout = 2 * time.Second

// NewPipeRelay creates the three pipes and starts relaying any host
// sockets that were provided (a nil conn leaves that pair inert).
func NewPipeRelay(p *poller.Poller, stdin, stdout, stderr net.Conn) (*PipeRelay, error) {
	r := &PipeRelay{p: p, stdinConn: stdin, stdoutConn: stdout, stderrConn: stderr}

	var err error
	if r.stdinR, r.stdinW, err = os.Pipe(); err != nil {
		return nil, err
	}
	if r.stdoutR, r.stdoutW, err = os.Pipe(); err != nil {
		r.closePipes()
		return nil, err
	}
	if r.stderrR, r.stderrW, err = os.Pipe(); err != nil {
		r.closePipes()
		return nil, err
	}

	if stdin != nil {
		if fd, ok := connFd(stdin); ok {
			pumpPair(p, fd, fdWriter(r.stdinW.Fd()), func() { r.stdinW.Close() })
		}
	}
	if stdout != nil {
		r.stdoutDone = pumpPair(p, int(r.stdoutR.Fd()), stdout, func() { r.stdoutR.Close(); stdout.Close() })
	}
	if stderr != nil {
		r.stderrDone = pumpPair(p, int(r.stderrR.Fd()), stderr, func() { r.stderrR.Close(); stderr.Close() })
	}

	return r, nil
}

func (r *PipeRelay) closePipes() {
	for _, f := range []*os.File{r.stdinR, r.stdinW, r.stdoutR, r.stdoutW, r.stderrR, r.stderrW} {
		if f != nil {
			f.Close()
		}
	}
}

// ChildFiles returns the three ends handed to the child process via
// cmd.Stdin/Stdout/Stderr: stdin-read, stdout-write, stderr-write. The
// caller execs the child against these, then must call CloseChildEnds
// once the child has started, mirroring NewPTYRelay's "caller execs
// against slave, then must close its own reference to slave" contract.
func (r *PipeRelay) ChildFiles() (stdin, stdout, stderr *os.File) {
	return r.stdinR, r.stdoutW, r.stderrW
}

// CloseChildEnds closes the parent's copies of the fds handed to the
// child. Until this runs, the parent holds a second reference to the
// stdout/stderr pipes' write end and the stdin pipe's read end, so the
// child exiting never fully closes them and stdoutR/stderrR never see
// a natural EOF (§4.6). Safe to call once, right after a successful
// exec of the child; os.File.Close is idempotent-safe to call again
// from closePipes.
func (r *PipeRelay) CloseChildEnds() {
	r.stdinR.Close()
	r.stdoutW.Close()
	r.stderrW.Close()
}

// Resize is a no-op for non-terminal plumbing.
func (r *PipeRelay) Resize(rows, cols uint16) error { return nil }

// CloseStdin closes the stdin relay alone, leaving output relays
// running.
func (r *PipeRelay) CloseStdin() {
	if r.stdinConn != nil {
		if fd, ok := connFd(r.stdinConn); ok {
			r.p.Delete(fd)
		}
	}
	r.stdinW.Close()
}

// Close tears down every relay pair. stdoutR/stderrR are reclaimed by
// waiting for their pump to observe natural EOF rather than forcing
// them shut immediately: the child's write end was already closed by
// CloseChildEnds, so the pump finishes on its own as soon as it has
// drained whatever was buffered, and waiting here is what lets the
// relay deliver trailing output instead of racing it (§4.6). A bounded
// timeout still forces the close if the child somehow leaked the write
// end to a process outside the tree.
func (r *PipeRelay) Close() {
	r.CloseStdin()
	if r.stdoutConn != nil {
		if fd, ok := connFd(r.stdoutConn); ok {
			r.p.Delete(fd)
		}
	}
	if r.stderrConn != nil {
		if fd, ok := connFd(r.stderrConn); ok {
			r.p.Delete(fd)
		}
	}
	waitOrForce(r.stdoutDone, func() { r.p.Delete(int(r.stdoutR.Fd())) })
	waitOrForce(r.stderrDone, func() { r.p.Delete(int(r.stderrR.Fd())) })
	r.closePipes()
}

// waitOrForce blocks until done closes or drainTimeout elapses,
// whichever comes first, calling force only in the latter case (done
// nil, meaning no pump was ever started, also takes the force path).
func waitOrForce(done <-chan struct{}, force func()) {
	if done == nil {
		force()
		return
	}
	select {
	case <-done:
	case <-time.After(drainTimeout):
		force()
	}
}
