// Package loadbalancer implements the pluggable upstream selection
// policies: round-robin, uniform-random, and least-used.
package loadbalancer

import (
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/portfan/portfan/internal/upstream"
)

// Policy selects one upstream per call. PickUpstream never returns nil
// when the backing upstream set is non-empty.
type Policy interface {
	PickUpstream() *upstream.Upstream
}

// Kind names a selectable policy, used by configuration parsing. The
// string values match the CLI's --load_balancer argument exactly.
type Kind string

const (
	KindRoundRobin    Kind = "RoundRobin"
	KindUniformRandom Kind = "UniformRandom"
	KindLeastUsed     Kind = "LeastUsed"
)

// New builds the Policy named by kind over the given (fixed) upstream set.
func New(kind Kind, upstreams []*upstream.Upstream) Policy {
	switch kind {
	case KindUniformRandom:
		return NewUniformRandom(upstreams)
	case KindLeastUsed:
		return NewLeastUsed(upstreams)
	default:
		return NewRoundRobin(upstreams)
	}
}

// roundRobinCursor is RoundRobin's atomically advanced selection cursor.
type roundRobinCursor struct {
	cursor atomic.Uint64
}

func (c *roundRobinCursor) next(n int) int {
	i := c.cursor.Add(1)
	return int(i) % n
}

// RoundRobin cycles through upstreams in order. The first call returns
// index 1, not 0 — the cursor starts at 0 and is pre-incremented — which
// is preserved deliberately for test determinism.
type RoundRobin struct {
	upstreams []*upstream.Upstream
	cursor    roundRobinCursor
}

// NewRoundRobin builds a RoundRobin policy over upstreams.
func NewRoundRobin(upstreams []*upstream.Upstream) *RoundRobin {
	return &RoundRobin{upstreams: upstreams}
}

// PickUpstream implements Policy.
func (r *RoundRobin) PickUpstream() *upstream.Upstream {
	idx := r.cursor.next(len(r.upstreams))
	return r.upstreams[idx]
}

// UniformRandom picks uniformly at random among upstreams, reseeding a
// fresh source from wall-clock time on every call. This reseed-per-call
// behavior is known to cluster picks under burst traffic (identical
// sources arriving within the same clock tick), but it is preserved
// deliberately to match existing observable behavior rather than switched
// to a single long-lived source.
type UniformRandom struct {
	upstreams []*upstream.Upstream
}

// NewUniformRandom builds a UniformRandom policy over upstreams.
func NewUniformRandom(upstreams []*upstream.Upstream) *UniformRandom {
	return &UniformRandom{upstreams: upstreams}
}

// PickUpstream implements Policy.
func (u *UniformRandom) PickUpstream() *upstream.Upstream {
	src := rand.New(rand.NewSource(time.Now().UnixNano()))
	return u.upstreams[src.Intn(len(u.upstreams))]
}

// LeastUsed picks, among upstreams with no connect failure in the last
// second, the one with the smallest recent byte rate (ties broken by
// first-seen order). If every upstream has failed in the last second, it
// falls back to UniformRandom over the full set.
type LeastUsed struct {
	upstreams []*upstream.Upstream
	fallback  *UniformRandom
}

// NewLeastUsed builds a LeastUsed policy over upstreams.
func NewLeastUsed(upstreams []*upstream.Upstream) *LeastUsed {
	return &LeastUsed{upstreams: upstreams, fallback: NewUniformRandom(upstreams)}
}

// PickUpstream implements Policy.
func (lu *LeastUsed) PickUpstream() *upstream.Upstream {
	var best *upstream.Upstream
	var bestRate uint64

	for _, up := range lu.upstreams {
		if up.Failed.LastSecondCount() != 0 {
			continue
		}
		rate := up.ByteRate.LastMinuteCount()
		if best == nil || rate < bestRate {
			best = up
			bestRate = rate
		}
	}
	if best == nil {
		return lu.fallback.PickUpstream()
	}
	return best
}
