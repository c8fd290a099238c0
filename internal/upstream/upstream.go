// Package upstream models one load-balancer target: its endpoint, its
// telemetry counters, its health predicate, an optional owned jump-host
// tunnel supervisor, and the logic to dial a fresh connection and hand it
// off to a bidirectional relay.
package upstream

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/portfan/portfan/internal/endpoint"
	"github.com/portfan/portfan/internal/jumphost"
	"github.com/portfan/portfan/internal/ratecounter"
	"github.com/portfan/portfan/internal/telemetry/metrics"
)

// Relay launches a bidirectional tunnel over a client and upstream
// connection pair. It is implemented by *relay.Launcher; the indirection
// here avoids an import cycle between upstream and relay (relay depends
// on Upstream to report counters).
type Relay interface {
	Launch(client, upstreamConn net.Conn, up *Upstream)
}

// Upstream is one load-balancer target.
type Upstream struct {
	Endpoint endpoint.Endpoint

	ByteRate *ratecounter.Counter
	Opened   *ratecounter.Counter
	Closed   *ratecounter.Counter
	Failed   *ratecounter.Counter

	tunnel  *jumphost.Supervisor
	relay   Relay
	dialer  net.Dialer
	logger  zerolog.Logger
	metrics *metrics.Registry

	closeOnce sync.Once
}

// New constructs an Upstream bound to ep. tunnel may be nil when no jump
// host is configured for this upstream.
func New(ep endpoint.Endpoint, tunnel *jumphost.Supervisor, relay Relay, logger zerolog.Logger) *Upstream {
	name := ep.String()
	return &Upstream{
		Endpoint: ep,
		ByteRate: ratecounter.New(name + " bytes"),
		Opened:   ratecounter.New(name + " opened"),
		Closed:   ratecounter.New(name + " closed"),
		Failed:   ratecounter.New(name + " failed"),
		tunnel:   tunnel,
		relay:    relay,
		logger:   logger.With().Str("component", "upstream").Str("upstream", name).Logger(),
	}
}

// WithMetrics attaches a Prometheus registry that mirrors every counter
// increment below it as an independent, cumulative-only sink (see
// internal/telemetry/metrics). Returns u for chaining at construction time.
func (u *Upstream) WithMetrics(reg *metrics.Registry) *Upstream {
	u.metrics = reg
	return u
}

// EstablishTunnel dials a fresh TCP connection to Endpoint and, on
// success, launches a bidirectional tunnel over (client, upstreamConn)
// without waiting for it to finish. On dial failure it returns the error;
// the caller (the dispatcher) is responsible for incrementing the failure
// counter and deciding whether to retry.
func (u *Upstream) EstablishTunnel(ctx context.Context, client net.Conn) error {
	conn, err := u.dialer.DialContext(ctx, "tcp", u.Endpoint.Addr())
	if err != nil {
		return fmt.Errorf("upstream %s: dial: %w", u.Endpoint, err)
	}
	u.relay.Launch(client, conn, u)
	return nil
}

// IncrementFailedConn records a connect failure.
func (u *Upstream) IncrementFailedConn() {
	u.Failed.IncrementBy(1)
	if u.metrics != nil {
		u.metrics.Failed.WithLabelValues(u.Endpoint.String()).Inc()
	}
}

// IncrementOpenedConn records a half-tunnel opening.
func (u *Upstream) IncrementOpenedConn() {
	u.Opened.IncrementBy(1)
	if u.metrics != nil {
		u.metrics.Opened.WithLabelValues(u.Endpoint.String()).Inc()
	}
}

// IncrementClosedConn records a half-tunnel closing.
func (u *Upstream) IncrementClosedConn() {
	u.Closed.IncrementBy(1)
	if u.metrics != nil {
		u.metrics.Closed.WithLabelValues(u.Endpoint.String()).Inc()
	}
}

// IncrementByteRateBy records n bytes forwarded through this upstream.
func (u *Upstream) IncrementByteRateBy(n uint64) {
	u.ByteRate.IncrementBy(n)
	if u.metrics != nil {
		u.metrics.Bytes.WithLabelValues(u.Endpoint.String()).Add(float64(n))
	}
}

// IsHealthy is true iff this upstream has never opened a connection, or
// it has had no connect failures in the last minute.
func (u *Upstream) IsHealthy() bool {
	return u.Opened.TotalCount() == 0 || u.Failed.LastMinuteCount() == 0
}

// Close terminates the tunnel supervisor, if any. It does not forcibly
// close in-flight tunnels. Idempotent.
func (u *Upstream) Close() {
	u.closeOnce.Do(func() {
		if u.tunnel != nil {
			u.tunnel.Shutdown()
		}
	})
}

// StartTunnelSupervisor starts the jump-host supervisor, if configured.
// Safe to call on an upstream with no jump host (no-op).
func (u *Upstream) StartTunnelSupervisor() {
	if u.tunnel != nil {
		u.tunnel.Start()
	}
}
