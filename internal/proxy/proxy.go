// Package proxy owns the process lifecycle: the client-facing listener,
// the upstream set, and the dispatcher loop that ties them together.
package proxy

import (
	"context"
	"fmt"
	"net"

	"github.com/rs/zerolog"

	"github.com/portfan/portfan/internal/dispatcher"
	"github.com/portfan/portfan/internal/loadbalancer"
	"github.com/portfan/portfan/internal/upstream"
)

// Proxy owns the client-facing listener and the upstream set behind it.
type Proxy struct {
	listener  net.Listener
	upstreams []*upstream.Upstream
	dispatch  *dispatcher.Dispatcher
	logger    zerolog.Logger
}

// New binds the client-facing listener on addr and constructs a Proxy
// dispatching accepted connections to upstreams via balancer. Upstreams'
// jump-host supervisors, if any, are started here.
func New(addr string, upstreams []*upstream.Upstream, balancer loadbalancer.Policy, logger zerolog.Logger) (*Proxy, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("proxy: bind %s: %w", addr, err)
	}

	for _, up := range upstreams {
		up.StartTunnelSupervisor()
	}

	return &Proxy{
		listener:  ln,
		upstreams: upstreams,
		dispatch:  dispatcher.New(ln, balancer, logger),
		logger:    logger.With().Str("component", "proxy").Logger(),
	}, nil
}

// Addr returns the bound client-facing address.
func (p *Proxy) Addr() net.Addr { return p.listener.Addr() }

// Upstreams returns the upstream set, for wiring into the status server.
func (p *Proxy) Upstreams() []*upstream.Upstream { return p.upstreams }

// Run starts the accept loop and blocks until ctx is cancelled. On
// cancellation it closes the listener (unblocking Accept) and closes
// every upstream's jump-host supervisor; in-flight tunnels are left to
// finish on their own.
func (p *Proxy) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		p.logger.Info().Msg("shutting down: closing listener")
		_ = p.listener.Close()
		for _, up := range p.upstreams {
			up.Close()
		}
	}()

	p.dispatch.Run(ctx)
}
