package iorelay

import (
	"net"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"
	"gotest.tools/v3/assert"

	"github.com/banksean/vminitd/internal/poller"
)

// socketpairConn returns a connected pair of net.Conn backed by a unix
// socketpair, so connFd can extract a real fd from each end.
func socketpairConn(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	assert.NilError(t, err)

	a, err := net.FileConn(os.NewFile(uintptr(fds[0]), "a"))
	assert.NilError(t, err)
	b, err := net.FileConn(os.NewFile(uintptr(fds[1]), "b"))
	assert.NilError(t, err)
	return a, b
}

func TestPipeRelayStdoutFlowsToHost(t *testing.T) {
	p, err := poller.New()
	assert.NilError(t, err)
	defer p.Close()

	hostStdout, testStdout := socketpairConn(t)
	defer hostStdout.Close()
	defer testStdout.Close()

	r, err := NewPipeRelay(p, nil, hostStdout, nil)
	assert.NilError(t, err)
	defer r.Close()

	_, stdoutW, _ := r.ChildFiles()
	_, err = stdoutW.Write([]byte("hello"))
	assert.NilError(t, err)

	buf := make([]byte, 16)
	testStdout.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := testStdout.Read(buf)
	assert.NilError(t, err)
	assert.Equal(t, string(buf[:n]), "hello")
}

// TestPipeRelayCloseDeliversTrailingOutput simulates a process that
// writes its last bytes and exits immediately after: CloseChildEnds
// (the manager's post-Start close) runs, then Close (the manager's
// post-reap teardown) runs right behind it, with no delay in between.
// Close must still deliver every byte the child wrote rather than
// racing the poller thread's in-flight drain of the pipe.
func TestPipeRelayCloseDeliversTrailingOutput(t *testing.T) {
	p, err := poller.New()
	assert.NilError(t, err)
	defer p.Close()

	hostStdout, testStdout := socketpairConn(t)
	defer hostStdout.Close()
	defer testStdout.Close()

	r, err := NewPipeRelay(p, nil, hostStdout, nil)
	assert.NilError(t, err)

	payload := make([]byte, 64*1024)
	for i := range payload {
		payload[i] = byte(i)
	}

	_, stdoutW, _ := r.ChildFiles()
	n, err := stdoutW.Write(payload)
	assert.NilError(t, err)
	assert.Equal(t, n, len(payload))

	// CloseChildEnds closes the parent's copy of stdoutW, which is the
	// only thing that lets stdoutR observe a natural EOF once the
	// (simulated) child has also exited.
	r.CloseChildEnds()

	// Close runs right behind it, as reap() does once the process is
	// reaped: it must wait for the drain rather than forcing it.
	r.Close()

	testStdout.SetReadDeadline(time.Now().Add(5 * time.Second))
	got := make([]byte, 0, len(payload))
	buf := make([]byte, 4096)
	for len(got) < len(payload) {
		n, err := testStdout.Read(buf)
		if n > 0 {
			got = append(got, buf[:n]...)
		}
		if err != nil {
			break
		}
	}
	assert.Equal(t, len(got), len(payload))
	assert.DeepEqual(t, got, payload)
}

func TestPipeRelayCloseStdinLeavesStdoutRunning(t *testing.T) {
	p, err := poller.New()
	assert.NilError(t, err)
	defer p.Close()

	hostStdin, testStdin := socketpairConn(t)
	defer testStdin.Close()
	hostStdout, testStdout := socketpairConn(t)
	defer hostStdout.Close()
	defer testStdout.Close()

	r, err := NewPipeRelay(p, hostStdin, hostStdout, nil)
	assert.NilError(t, err)
	defer r.Close()

	r.CloseStdin()

	_, stdoutW, _ := r.ChildFiles()
	_, err = stdoutW.Write([]byte("still-alive"))
	assert.NilError(t, err)

	buf := make([]byte, 32)
	testStdout.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := testStdout.Read(buf)
	assert.NilError(t, err)
	assert.Equal(t, string(buf[:n]), "still-alive")
}
