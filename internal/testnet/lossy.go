// Package testnet provides deterministic network-fault injection for
// tests: exercising bounded loss tolerance needs a controllable lossy
// transport, which a real loopback socket can't produce on its own.
package testnet

import (
	"math/rand"
	"net"
)

// LossyConn wraps a net.PacketConn and drops outgoing datagrams with
// probability p, using a seeded PRNG for reproducible test runs.
type LossyConn struct {
	net.PacketConn
	p   float64
	rng *rand.Rand
}

// NewLossyConn wraps conn, dropping each WriteTo call with independent
// probability p (0 <= p < 1), seeded by seed for deterministic tests.
func NewLossyConn(conn net.PacketConn, p float64, seed int64) *LossyConn {
	return &LossyConn{PacketConn: conn, p: p, rng: rand.New(rand.NewSource(seed))}
}

// WriteTo drops the datagram (reporting a successful write to the caller,
// matching real UDP's fire-and-forget semantics) with probability p.
func (c *LossyConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	if c.rng.Float64() < c.p {
		return len(b), nil
	}
	return c.PacketConn.WriteTo(b, addr)
}
