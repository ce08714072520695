// Package poller implements the level-triggered readiness multiplexer
// described in §4.5: a dedicated OS thread wraps epoll (level-triggered,
// not edge-triggered, the default epoll mode), dispatching per-fd
// callbacks. Grounded on golang.org/x/sys/unix, the syscall layer this
// kind of fd plumbing consistently reaches for over a hand-rolled
// cgo/epoll binding.
package poller

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"
)

// Mask is the set of readiness flags a callback observes.
type Mask uint32

const (
	Readable    Mask = unix.EPOLLIN
	Writable    Mask = unix.EPOLLOUT
	Hangup      Mask = unix.EPOLLHUP
	ReadHangup  Mask = unix.EPOLLRDHUP
	errorFlag   Mask = unix.EPOLLERR
)

func (m Mask) Has(flag Mask) bool { return m&flag != 0 }

// Callback is invoked on the poller's dedicated thread with the
// observed readiness mask. Callbacks must not block, and may call
// Poller.Delete on their own fd.
type Callback func(mask Mask)

// Poller owns one epoll instance and a dedicated goroutine locked to an
// OS thread, satisfying the §4.5/§5 invariant that callbacks always run
// on the same thread and never block it.
type Poller struct {
	epfd int

	mu        sync.Mutex
	callbacks map[int]Callback

	closeOnce sync.Once
	stop      chan struct{}
	stopped   chan struct{}
}

// New creates and starts a Poller.
func New() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("poller.New: epoll_create1: %w", err)
	}
	p := &Poller{
		epfd:      epfd,
		callbacks: map[int]Callback{},
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	go p.run()
	return p, nil
}

// Add registers fd for the readiness flags in mask; cb fires on every
// matching wake-up until Delete(fd) is called.
func (p *Poller) Add(fd int, mask Mask, cb Callback) error {
	p.mu.Lock()
	p.callbacks[fd] = cb
	p.mu.Unlock()

	ev := unix.EpollEvent{Events: uint32(mask) | uint32(errorFlag), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		p.mu.Lock()
		delete(p.callbacks, fd)
		p.mu.Unlock()
		return fmt.Errorf("poller.Add: epoll_ctl(ADD, %d): %w", fd, err)
	}
	return nil
}

// Delete unregisters fd. Safe to call from within a callback; once it
// returns, the fd never fires again.
func (p *Poller) Delete(fd int) {
	p.mu.Lock()
	_, ok := p.callbacks[fd]
	delete(p.callbacks, fd)
	p.mu.Unlock()
	if !ok {
		return
	}
	_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *Poller) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(p.stopped)

	events := make([]unix.EpollEvent, 64)
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		n, err := unix.EpollWait(p.epfd, events, 200)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			slog.Error("poller.run: epoll_wait", "error", err)
			continue
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			mask := Mask(events[i].Events)

			p.mu.Lock()
			cb, ok := p.callbacks[fd]
			p.mu.Unlock()
			if !ok {
				continue // deleted concurrently; never fire after Delete returns
			}
			cb(mask)
		}
	}
}

// Close stops the poller thread and releases the epoll fd.
func (p *Poller) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.stop)
		<-p.stopped
		err = unix.Close(p.epfd)
	})
	return err
}
