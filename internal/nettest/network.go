// Package nettest provides an in-memory, lossy stand-in for UDP transport,
// used by protocol package tests to run the tick loop under simulated
// network conditions (spec.md §8's "property tests under simulated
// networks with configurable loss") without opening real sockets.
//
// It implements protocol.Sender directly; each simulated peer gets its own
// *net.UDPAddr key and inbox, and Network.Tick() delivers everything sent
// since the last call, applying the configured loss policy first.
package nettest

import (
	"math/rand"
	"net"
	"sync"

	"github.com/nomnomring/nomnomring/protocol"
	"github.com/nomnomring/nomnomring/wire"
)

// Delivery is one message in flight, captured before loss is applied so
// tests can assert on what was sent even if it was then dropped.
type Delivery struct {
	From, To *net.UDPAddr
	Message  protocol.Message
}

// Network is a shared medium for any number of simulated peers.
type Network struct {
	mu    sync.Mutex
	rng   *rand.Rand
	lossy map[string]float64 // addr.String() -> drop probability for traffic FROM that addr
	hooks []DropHook
	queue []Delivery
	inbox map[string][]Delivery
}

// DropHook lets a test deterministically drop a specific message (e.g. the
// original's DROP_TOKEN_ONCE / DROP_TOKEN_PCT behavior, which spec.md's
// redesign moves out of production code and into test fault injection —
// see SPEC_FULL.md §7). Returning true drops the message silently.
type DropHook func(d Delivery) bool

// New constructs an empty Network with a deterministic PRNG seed, so test
// runs are reproducible.
func New(seed int64) *Network {
	return &Network{
		rng:   rand.New(rand.NewSource(seed)),
		lossy: make(map[string]float64),
		inbox: make(map[string][]Delivery),
	}
}

// SetLossRate configures a uniform drop probability, in [0,1], applied to
// every datagram originating from addr.
func (n *Network) SetLossRate(addr *net.UDPAddr, rate float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lossy[addr.String()] = rate
}

// AddDropHook registers a predicate consulted for every queued delivery,
// in registration order, before the uniform loss rate is applied.
func (n *Network) AddDropHook(h DropHook) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hooks = append(n.hooks, h)
}

// Conn returns a protocol.Sender bound to a specific peer address, so
// Fork/Thinker code under test never needs to know it's talking to a fake.
func (n *Network) Conn(self *net.UDPAddr) protocol.Sender {
	return &conn{net: n, self: self}
}

type conn struct {
	net  *Network
	self *net.UDPAddr
}

func (c *conn) Send(to *net.UDPAddr, m protocol.Message) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	c.net.queue = append(c.net.queue, Delivery{From: c.self, To: to, Message: m})
}

// Tick applies loss policy to everything queued since the last Tick, then
// moves survivors into each destination's inbox, ready for Drain.
func (n *Network) Tick() {
	n.mu.Lock()
	defer n.mu.Unlock()
	pending := n.queue
	n.queue = nil
	for _, d := range pending {
		dropped := false
		for _, h := range n.hooks {
			if h(d) {
				dropped = true
				break
			}
		}
		if !dropped {
			if rate, ok := n.lossy[d.From.String()]; ok && rate > 0 {
				if n.rng.Float64() < rate {
					dropped = true
				}
			}
		}
		if dropped {
			continue
		}
		key := d.To.String()
		n.inbox[key] = append(n.inbox[key], d)
	}
}

// Drain returns and clears everything delivered to addr since the last
// Drain, mirroring the non-blocking per-tick read loop of internal/netio.
func (n *Network) Drain(addr *net.UDPAddr) []Delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := addr.String()
	out := n.inbox[key]
	delete(n.inbox, key)
	return out
}

// RoundTripEncode exercises the real wire codec over a Delivery's message,
// for tests that want to verify the protocol survives serialization (not
// just in-memory struct passing).
func RoundTripEncode(m protocol.Message) (protocol.Message, error) {
	b, err := wire.Encode(m)
	if err != nil {
		return nil, err
	}
	return wire.Decode(b)
}
