package proxy

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/portfan/portfan/internal/endpoint"
	"github.com/portfan/portfan/internal/loadbalancer"
	"github.com/portfan/portfan/internal/relay"
	"github.com/portfan/portfan/internal/upstream"
)

func echoListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go io.Copy(conn, conn)
		}
	}()
	return ln
}

func TestRunServesAndShutdownClosesListener(t *testing.T) {
	echo := echoListener(t)
	defer echo.Close()

	ep, err := endpoint.Parse(echo.Addr().String())
	require.NoError(t, err)
	up := upstream.New(ep, nil, relay.NewLauncher(zerolog.Nop()), zerolog.Nop())
	lb := loadbalancer.NewRoundRobin([]*upstream.Upstream{up})

	p, err := New("127.0.0.1:0", []*upstream.Upstream{up}, lb, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	conn, err := net.Dial("tcp", p.Addr().String())
	require.NoError(t, err)
	_, err = conn.Write([]byte("hi\n"))
	require.NoError(t, err)
	buf := make([]byte, 3)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "hi\n", string(buf))
	conn.Close()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	_, err = net.Dial("tcp", p.Addr().String())
	require.Error(t, err, "listener should be closed after shutdown")
}
