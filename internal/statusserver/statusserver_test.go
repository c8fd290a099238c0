package statusserver

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/portfan/portfan/internal/endpoint"
	"github.com/portfan/portfan/internal/telemetry/metrics"
	"github.com/portfan/portfan/internal/upstream"
)

type noopRelay struct{}

func (noopRelay) Launch(client, upstreamConn net.Conn, up *upstream.Upstream) {}

func mustUpstream(t *testing.T, host string, port int32) *upstream.Upstream {
	t.Helper()
	ep, err := endpoint.New(host, port)
	require.NoError(t, err)
	return upstream.New(ep, nil, noopRelay{}, zerolog.Nop())
}

func startServer(t *testing.T, ups []*upstream.Upstream) (string, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	reg := metrics.NewRegistry()
	s := New(addr, ups, reg, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/admin")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	return addr, cancel
}

func TestAdminReturns500WhenNoneHealthy(t *testing.T) {
	a := mustUpstream(t, "a", 1)
	a.IncrementOpenedConn()
	a.IncrementFailedConn()

	addr, cancel := startServer(t, []*upstream.Upstream{a})
	defer cancel()

	resp, err := http.Get("http://" + addr + "/admin")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Equal(t, "text/html", resp.Header.Get("Content-Type"))
}

func TestAdminReturns200WhenOneHealthy(t *testing.T) {
	a := mustUpstream(t, "a", 1)

	addr, cancel := startServer(t, []*upstream.Upstream{a})
	defer cancel()

	resp, err := http.Get("http://" + addr + "/admin")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatsPageRendersUpstreamRow(t *testing.T) {
	a := mustUpstream(t, "a", 1)
	addr, cancel := startServer(t, []*upstream.Upstream{a})
	defer cancel()

	resp, err := http.Get("http://" + addr + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "a:1")
	require.Contains(t, string(body), "refresh")
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	a := mustUpstream(t, "a", 1)
	addr, cancel := startServer(t, []*upstream.Upstream{a})
	defer cancel()

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
