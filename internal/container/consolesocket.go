package container

import (
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/banksean/vminitd/internal/agenterr"
)

// consoleSocket implements the runc-style --console-socket protocol: a
// unix socket an external OCI runtime connects to once, to hand back
// the PTY master fd as SCM_RIGHTS ancillary data, since the runtime
// (not this process) is the one that opened the pty pair in mode (b)
// of §4.9 construction step 4.
type consoleSocket struct {
	path string
	ln   *net.UnixListener
}

// newConsoleSocket binds a fresh console socket at path, one per
// container start, clearing any stale socket left by a crashed prior
// attempt at the same path.
func newConsoleSocket(path string) (*consoleSocket, error) {
	_ = os.Remove(path)
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, agenterr.Errno("container.newConsoleSocket", err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, agenterr.Errno("container.newConsoleSocket", err)
	}
	return &consoleSocket{path: path, ln: ln}, nil
}

// ReceiveMaster blocks for the external runtime's one connection and
// returns the PTY master fd it passes over SCM_RIGHTS.
func (c *consoleSocket) ReceiveMaster() (*os.File, error) {
	conn, err := c.ln.AcceptUnix()
	if err != nil {
		return nil, agenterr.Errno("container.ReceiveMaster", err)
	}
	defer conn.Close()

	oob := make([]byte, unix.CmsgSpace(4))
	buf := make([]byte, 4096)
	_, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, agenterr.Errno("container.ReceiveMaster", err)
	}

	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, agenterr.Wrap(agenterr.Internal, "container.ReceiveMaster", "parse control message", err)
	}
	if len(msgs) == 0 {
		return nil, agenterr.New(agenterr.Internal, "container.ReceiveMaster", "no control message received")
	}
	fds, err := unix.ParseUnixRights(&msgs[0])
	if err != nil {
		return nil, agenterr.Wrap(agenterr.Internal, "container.ReceiveMaster", "parse rights", err)
	}
	if len(fds) == 0 {
		return nil, agenterr.New(agenterr.Internal, "container.ReceiveMaster", "no fd received")
	}
	for _, extra := range fds[1:] {
		unix.Close(extra)
	}
	return os.NewFile(uintptr(fds[0]), "pty-master"), nil
}

// Close removes the socket from the filesystem. Safe to call whether
// or not ReceiveMaster ever ran.
func (c *consoleSocket) Close() {
	c.ln.Close()
	_ = os.Remove(c.path)
}
