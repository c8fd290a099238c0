// Package dispatcher accepts client connections and hands each one to the
// load balancer with bounded retry on connect failure.
package dispatcher

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/portfan/portfan/internal/loadbalancer"
)

// RetryMax is the number of upstream selection attempts per accepted
// connection before the client socket is dropped.
const RetryMax = 3

// DefaultDialTimeout bounds each individual upstream dial attempt so a
// single hung upstream cannot stall all RetryMax attempts indefinitely.
const DefaultDialTimeout = 10 * time.Second

// Dispatcher accepts connections on a listener and dispatches each to the
// load balancer.
type Dispatcher struct {
	listener    net.Listener
	balancer    loadbalancer.Policy
	dialTimeout time.Duration
	logger      zerolog.Logger
}

// New constructs a Dispatcher bound to listener, selecting upstreams via
// balancer.
func New(listener net.Listener, balancer loadbalancer.Policy, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		listener:    listener,
		balancer:    balancer,
		dialTimeout: DefaultDialTimeout,
		logger:      logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Run accepts connections until ctx is cancelled or the listener closes.
// It returns when the accept loop stops; the caller is responsible for
// closing the listener (typically by cancelling ctx and closing it from
// the process lifecycle). Accepts are single-threaded: setupTunnel runs
// inline on this goroutine, so a hung upstream dial delays the next
// accept by up to RetryMax dial timeouts. This bounds per-accept latency
// at the cost of serializing connection setup.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			d.logger.Warn().Err(err).Msg("accept error")
			continue
		}
		d.setupTunnel(ctx, conn)
	}
}

// setupTunnel implements the bounded-retry selection loop: pick an
// upstream, attempt to establish a tunnel, and on dial failure record it
// and re-select, up to RetryMax times. If every attempt fails, the
// client socket is explicitly closed.
func (d *Dispatcher) setupTunnel(ctx context.Context, client net.Conn) {
	connID := uuid.NewString()
	log := d.logger.With().Str("conn_id", connID).Str("remote_addr", client.RemoteAddr().String()).Logger()

	for attempt := 1; attempt <= RetryMax; attempt++ {
		up := d.balancer.PickUpstream()

		dialCtx, cancel := context.WithTimeout(ctx, d.dialTimeout)
		err := up.EstablishTunnel(dialCtx, client)
		cancel()

		if err == nil {
			log.Debug().Int("attempt", attempt).Str("upstream", up.Endpoint.String()).Msg("tunnel established")
			return
		}

		up.IncrementFailedConn()
		log.Warn().Int("attempt", attempt).Str("upstream", up.Endpoint.String()).Err(err).Msg("upstream connect failed")
	}

	log.Warn().Int("attempts", RetryMax).Msg("exhausted retries, dropping client connection")
	client.Close()
}
