package proxy

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/banksean/vminitd/internal/poller"
)

// spliceChunk bounds how many bytes a single splice(2) call is asked to
// move (64 KiB, sixteen of iorelay's page-sized read chunks).
const spliceChunk = 1 << 16

// splicePump relays srcFd to dstFd through an intermediary pipe using
// splice(2), so the bytes never cross into Go-managed memory. It is
// driven entirely by p: srcFd is registered for readability, and dstFd
// is registered for writability only while the pipe holds bytes still
// waiting to go out, so a slow dst doesn't spin the poller on a
// level-triggered EPOLLOUT that nothing is consuming.
//
// A connection's two directions share the same two underlying sockets
// in opposite roles (accepted's src is peer's dst and vice versa), but
// the poller allows only one registration per fd. newSplicePump dups
// both fds so each direction's read and write interest lives on its
// own fd number against the same open file description, the standard
// way to hold independent epoll interests on one socket.
//
// onDone fires exactly once: with a nil error on a clean EOF,
// read-hangup or full hangup of srcFd (§4.7's readable+EOF/read-hangup
// cases, once any buffered bytes have drained; a full hangup is handled
// like a read-hangup and does not by itself end the opposite
// direction), or with a non-nil error on a splice failure such as
// EPIPE (the broken-pipe case), at which
// point the pipe is in an indeterminate state and the caller should
// tear the whole connection down rather than try to keep draining it.
type splicePump struct {
	p     *poller.Poller
	srcFd int
	dstFd int

	pipeR, pipeW *os.File

	buffered    int
	srcDone     bool
	dstWritable bool
	once        sync.Once
	onDone      func(error)
}

func newSplicePump(p *poller.Poller, srcFd, dstFd int, onDone func(error)) (*splicePump, error) {
	srcDup, err := unix.Dup(srcFd)
	if err != nil {
		return nil, err
	}
	dstDup, err := unix.Dup(dstFd)
	if err != nil {
		unix.Close(srcDup)
		return nil, err
	}
	pr, pw, err := os.Pipe()
	if err != nil {
		unix.Close(srcDup)
		unix.Close(dstDup)
		return nil, err
	}
	sp := &splicePump{p: p, srcFd: srcDup, dstFd: dstDup, pipeR: pr, pipeW: pw, onDone: onDone}
	if err := p.Add(sp.srcFd, poller.Readable, sp.onSrcReadable); err != nil {
		unix.Close(srcDup)
		unix.Close(dstDup)
		pr.Close()
		pw.Close()
		return nil, err
	}
	return sp, nil
}

// onSrcReadable drains srcFd into the pipe until EAGAIN, a real error,
// or EOF, pushing each chunk on toward dstFd as it arrives so the pipe
// never has to hold more than spliceChunk bytes at once.
func (sp *splicePump) onSrcReadable(mask poller.Mask) {
	for {
		n, err := unix.Splice(sp.srcFd, nil, int(sp.pipeW.Fd()), nil, spliceChunk, unix.SPLICE_F_NONBLOCK|unix.SPLICE_F_MOVE)
		if n > 0 {
			sp.buffered += int(n)
			sp.drainToDst()
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			sp.finish(err)
			return
		}
		if n == 0 {
			sp.markSrcDone()
			return
		}
	}
	if mask.Has(poller.Hangup) || mask.Has(poller.ReadHangup) {
		sp.markSrcDone()
	}
}

// markSrcDone records that srcFd will produce no more bytes and, if
// the pipe has already drained, finishes the pump cleanly. If bytes
// are still buffered, drainToDst finishes it once they're flushed.
func (sp *splicePump) markSrcDone() {
	sp.srcDone = true
	sp.p.Delete(sp.srcFd)
	if sp.buffered == 0 {
		sp.finish(nil)
	}
}

// onDstWritable retries flushing the pipe once dstFd reports writable
// again after a previous EAGAIN.
func (sp *splicePump) onDstWritable(mask poller.Mask) {
	sp.drainToDst()
}

// drainToDst flushes as much of the pipe to dstFd as it can without
// blocking. It registers/unregisters dstFd for writability as the
// pipe's buffered byte count crosses zero, and finishes the pump once
// everything has flushed and srcFd has already signaled done.
func (sp *splicePump) drainToDst() {
	for sp.buffered > 0 {
		n, err := unix.Splice(int(sp.pipeR.Fd()), nil, sp.dstFd, nil, sp.buffered, unix.SPLICE_F_NONBLOCK|unix.SPLICE_F_MOVE)
		if n > 0 {
			sp.buffered -= int(n)
			continue
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				if !sp.dstWritable {
					if addErr := sp.p.Add(sp.dstFd, poller.Writable, sp.onDstWritable); addErr != nil {
						sp.finish(addErr)
						return
					}
					sp.dstWritable = true
				}
				return
			}
			sp.finish(err)
			return
		}
	}
	if sp.dstWritable {
		sp.p.Delete(sp.dstFd)
		sp.dstWritable = false
	}
	if sp.srcDone {
		sp.finish(nil)
	}
}

func (sp *splicePump) cleanup() {
	sp.p.Delete(sp.srcFd)
	if sp.dstWritable {
		sp.p.Delete(sp.dstFd)
	}
	unix.Close(sp.srcFd)
	unix.Close(sp.dstFd)
	sp.pipeR.Close()
	sp.pipeW.Close()
}

func (sp *splicePump) finish(err error) {
	sp.once.Do(func() {
		sp.cleanup()
		sp.onDone(err)
	})
}

// abort tears down the pump's poller registrations and intermediary
// pipe without invoking onDone, used when the caller (not this pump)
// has already decided the connection is finished and is about to close
// the underlying fds itself. A no-op if finish already ran.
func (sp *splicePump) abort() {
	sp.once.Do(sp.cleanup)
}
