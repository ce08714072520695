package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/mdlayher/vsock"

	"github.com/banksean/vminitd/internal/container"
	"github.com/banksean/vminitd/internal/dispatcher"
	"github.com/banksean/vminitd/internal/poller"
	"github.com/banksean/vminitd/internal/proxy"
	"github.com/banksean/vminitd/internal/supervisor"
	"github.com/banksean/vminitd/internal/tracing"
)

// controlChannelPort is the host-guest socket family port the control
// channel listens on, per §6.
const controlChannelPort = 1024

// AgentCmd serves the control channel. It assumes the boot mount
// sequence already ran (either in this process via `init`, or by
// whatever launched it), so it never touches /proc, /sys, or cgroups
// itself.
type AgentCmd struct{}

func (c *AgentCmd) Run(cctx *Context) error {
	return runAgent(context.Background())
}

// runAgent wires the supervisor/poller/container manager/proxy
// registry into a Dispatcher, instruments it with tracing, and serves
// accepted control-channel connections until ctx is cancelled or a
// terminating signal arrives.
func runAgent(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup := supervisor.New()
	go sup.Run(ctx)

	p, err := poller.New()
	if err != nil {
		return fmt.Errorf("agent: start poller: %w", err)
	}
	defer p.Close()

	containers := container.NewManager(sup, p, "")
	proxies := proxy.NewRegistry(p)

	d := dispatcher.New(containers, proxies, nil)

	tracer, shutdownTracing, err := tracing.Setup(ctx, "vminitd")
	if err != nil {
		slog.WarnContext(ctx, "agent: tracing setup failed, continuing uninstrumented", "error", err)
	} else {
		tracing.InstrumentDispatcher(tracer, d)
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				slog.WarnContext(ctx, "agent: tracing shutdown", "error", err)
			}
		}()
	}

	ln, err := vsock.Listen(controlChannelPort, nil)
	if err != nil {
		return fmt.Errorf("agent: bring up control channel: %w", err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	slog.InfoContext(ctx, "agent: control channel listening", "port", controlChannelPort)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.WarnContext(ctx, "agent: accept", "error", err)
			continue
		}
		go serveConn(ctx, d, conn)
	}
}

func serveConn(ctx context.Context, d *dispatcher.Dispatcher, conn net.Conn) {
	defer conn.Close()
	d.Serve(ctx, conn)
}
