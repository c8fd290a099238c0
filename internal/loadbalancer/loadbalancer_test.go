package loadbalancer

import (
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/portfan/portfan/internal/endpoint"
	"github.com/portfan/portfan/internal/upstream"
)

func mustUpstream(t *testing.T, host string, port int32) *upstream.Upstream {
	t.Helper()
	ep, err := endpoint.New(host, port)
	require.NoError(t, err)
	return upstream.New(ep, nil, noopRelay{}, zerolog.Nop())
}

type noopRelay struct{}

func (noopRelay) Launch(client, upstreamConn net.Conn, up *upstream.Upstream) {}

func TestRoundRobinDistributesInSequence(t *testing.T) {
	a := mustUpstream(t, "a", 1)
	b := mustUpstream(t, "b", 2)
	c := mustUpstream(t, "c", 3)
	rr := NewRoundRobin([]*upstream.Upstream{a, b, c})

	// The first cursor advance yields index 1, so the
	// sequence over 6 picks is b, c, a, b, c, a.
	want := []*upstream.Upstream{b, c, a, b, c, a}
	for i, w := range want {
		got := rr.PickUpstream()
		require.Same(t, w, got, "pick %d", i)
	}
}

func TestRoundRobinNeverNil(t *testing.T) {
	a := mustUpstream(t, "a", 1)
	rr := NewRoundRobin([]*upstream.Upstream{a})
	for i := 0; i < 10; i++ {
		require.NotNil(t, rr.PickUpstream())
	}
}

func TestLeastUsedPicksLowestByteRate(t *testing.T) {
	a := mustUpstream(t, "a", 1)
	b := mustUpstream(t, "b", 2)
	a.IncrementByteRateBy(1 << 20)

	lu := NewLeastUsed([]*upstream.Upstream{a, b})
	require.Same(t, b, lu.PickUpstream())
}

func TestLeastUsedSkipsRecentlyFailedUpstream(t *testing.T) {
	a := mustUpstream(t, "a", 1)
	b := mustUpstream(t, "b", 2)

	lu := NewLeastUsed([]*upstream.Upstream{a, b})
	require.Same(t, a, lu.PickUpstream(), "tie broken by first-seen order")

	a.IncrementFailedConn()
	require.Same(t, b, lu.PickUpstream(), "a must be skipped after a recent failure")
}

func TestLeastUsedFallsBackWhenAllFailed(t *testing.T) {
	a := mustUpstream(t, "a", 1)
	b := mustUpstream(t, "b", 2)
	a.IncrementFailedConn()
	b.IncrementFailedConn()

	lu := NewLeastUsed([]*upstream.Upstream{a, b})
	got := lu.PickUpstream()
	require.NotNil(t, got)
}

func TestUniformRandomNeverNil(t *testing.T) {
	a := mustUpstream(t, "a", 1)
	b := mustUpstream(t, "b", 2)
	ur := NewUniformRandom([]*upstream.Upstream{a, b})
	for i := 0; i < 20; i++ {
		got := ur.PickUpstream()
		require.True(t, got == a || got == b)
	}
}
