// Package relay implements the bidirectional tunnel: given a client
// socket and an upstream socket, it runs two one-directional byte pumps
// concurrently, each forwarding from source to destination until EOF or
// error, then closes both sockets.
package relay

import (
	"bufio"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/portfan/portfan/internal/upstream"
)

// bufferSize is the per-half-tunnel read buffer.
const bufferSize = 8 * 1024

// Counters is the subset of *upstream.Upstream a half-tunnel updates.
// Declared as an interface so relay's tests don't need a fully wired
// Upstream.
type Counters interface {
	IncrementOpenedConn()
	IncrementClosedConn()
	IncrementByteRateBy(n uint64)
}

// Launcher launches bidirectional tunnels. *Launcher implements
// upstream.Relay.
type Launcher struct {
	logger zerolog.Logger
}

// NewLauncher builds a Launcher that logs half-tunnel lifecycle events
// through logger.
func NewLauncher(logger zerolog.Logger) *Launcher {
	return &Launcher{logger: logger.With().Str("component", "relay").Logger()}
}

// Launch starts the two half-tunnels for (client, upstreamConn) as
// goroutines and returns immediately, without waiting for them to finish.
func (l *Launcher) Launch(client, upstreamConn net.Conn, up *upstream.Upstream) {
	t := &Tunnel{
		client:   client,
		upstream: upstreamConn,
		counters: up,
		logger:   l.logger,
	}
	t.Start()
}

// Tunnel pairs a client socket and an upstream socket and pumps bytes
// between them until either side closes.
type Tunnel struct {
	client   net.Conn
	upstream net.Conn
	counters Counters
	logger   zerolog.Logger

	closeOnce sync.Once
}

// New constructs a Tunnel directly, for use by callers (and tests) that
// already hold a Counters implementation.
func New(client, upstreamConn net.Conn, counters Counters, logger zerolog.Logger) *Tunnel {
	return &Tunnel{client: client, upstream: upstreamConn, counters: counters, logger: logger}
}

// Start launches both half-tunnels as goroutines and returns immediately.
func (t *Tunnel) Start() {
	go t.pump(t.client, t.upstream, "client->upstream")
	go t.pump(t.upstream, t.client, "upstream->client")
}

// pump is one half-tunnel: source -> destination until EOF or error.
func (t *Tunnel) pump(src, dst net.Conn, direction string) {
	reader := bufio.NewReaderSize(src, bufferSize)
	writer := bufio.NewWriterSize(dst, bufferSize)

	t.counters.IncrementOpenedConn()
	defer func() {
		t.closeBoth()
		t.counters.IncrementClosedConn()
	}()

	buf := make([]byte, bufferSize)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			if _, werr := writer.Write(buf[:n]); werr != nil {
				t.logger.Debug().Err(werr).Str("direction", direction).Msg("half-tunnel write error")
				return
			}
			if ferr := writer.Flush(); ferr != nil {
				t.logger.Debug().Err(ferr).Str("direction", direction).Msg("half-tunnel flush error")
				return
			}
			t.counters.IncrementByteRateBy(uint64(n))
		}
		if err != nil {
			if err != io.EOF {
				t.logger.Debug().Err(err).Str("direction", direction).Msg("half-tunnel read error")
			}
			return
		}
	}
}

// closeBoth closes both sockets exactly once, regardless of which
// half-tunnel triggers it first.
func (t *Tunnel) closeBoth() {
	t.closeOnce.Do(func() {
		t.client.Close()
		t.upstream.Close()
	})
}
