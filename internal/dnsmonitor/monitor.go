package dnsmonitor

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/banksean/vminitd/internal/ndp"
	"github.com/banksean/vminitd/internal/rawsocket"
)

// Monitor runs the DNS discovery loop described in §4.4 as a single
// long-running task.
type Monitor struct {
	sock    *rawsocket.Socket
	ifIndex int
	srcMAC  net.HardwareAddr

	mu    sync.Mutex
	regs  map[string]*registration
	clock func() time.Time
}

// New builds a Monitor bound to the outbound interface ifIndex/srcMAC,
// sending/receiving on sock.
func New(sock *rawsocket.Socket, ifIndex int, srcMAC net.HardwareAddr) *Monitor {
	return &Monitor{
		sock:    sock,
		ifIndex: ifIndex,
		srcMAC:  srcMAC,
		regs:    map[string]*registration{},
		clock:   time.Now,
	}
}

// Update registers (or re-registers) path with config. Idempotent:
// calling Update with the same config and no new learned entries
// produces a byte-identical resolver file, per spec.md §8.
func (m *Monitor) Update(ctx context.Context, path string, config HostConfig) error {
	if dom, err := sanitizeDomain("dnsmonitor.Update", config.Domain); err != nil {
		slog.WarnContext(ctx, "dnsmonitor.Update: invalid domain", "error", err)
	} else {
		config.Domain = dom
	}
	for i, s := range config.Search {
		if dom, err := sanitizeDomain("dnsmonitor.Update", s); err == nil {
			config.Search[i] = dom
		}
	}

	m.mu.Lock()
	reg, ok := m.regs[path]
	if !ok {
		reg = &registration{path: path}
		m.regs[path] = reg
	}
	reg.host = config
	m.mu.Unlock()

	return m.emit(ctx, reg)
}

func (m *Monitor) emit(ctx context.Context, reg *registration) error {
	if err := writeAtomic(reg.path, reg.render()); err != nil {
		slog.ErrorContext(ctx, "dnsmonitor.emit", "path", reg.path, "error", err)
		return err
	}
	return nil
}

// Run executes the §4.4 loop forever, or until ctx is cancelled. Each
// iteration fully completes (including resolver-file re-emission)
// before the next begins, per the §5 ordering guarantee.
func (m *Monitor) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		m.iterate(ctx)
	}
}

func (m *Monitor) iterate(ctx context.Context) {
	now := m.clock()

	wait := 30 * time.Second
	m.mu.Lock()
	haveDeadline := false
	for _, reg := range m.regs {
		if d, ok := reg.minRemaining(now); ok {
			if !haveDeadline || d < wait {
				wait = d
				haveDeadline = true
			}
		}
	}
	m.mu.Unlock()

	if !haveDeadline {
		if err := ndp.RouterSolicitation(ctx, m.sock, m.ifIndex, m.srcMAC); err != nil {
			slog.WarnContext(ctx, "dnsmonitor.iterate: RouterSolicitation", "error", err)
			time.Sleep(1 * time.Second)
			return
		}
	}

	recvCtx, cancel := ndp.DeadlineFromTimeout(ctx, wait)
	ra, err := ndp.ReceiveRouterAdvertisement(recvCtx, m.sock)
	cancel()
	if err != nil {
		// Timeouts are not errors; they simply drive the next
		// iteration, per §7.
		return
	}

	incoming := map[string]uint32{}
	for _, rdnss := range ra.RDNSS {
		for _, addr := range rdnss.Addresses {
			incoming[net.IP(addr[:]).String()] = rdnss.Lifetime
		}
	}
	if len(incoming) == 0 {
		return
	}

	m.mu.Lock()
	regsCopy := make([]*registration, 0, len(m.regs))
	for _, reg := range m.regs {
		reg.merge(now, incoming)
		regsCopy = append(regsCopy, reg)
	}
	m.mu.Unlock()

	for _, reg := range regsCopy {
		_ = m.emit(ctx, reg)
	}
}
