package protocol

import (
	"net"

	"github.com/nomnomring/nomnomring/wire"
)

// Sender abstracts the outbound half of the UDP transceiver
// (original_source/src/lib/transceiver.rs) so that Fork and Thinker never
// touch a socket directly: every send is fire-and-forget, matching
// spec.md §5's "all network operations are non-blocking" and §5's
// message-loss policy (no acknowledged retransmission at steady state).
// Production code is backed by netio.Conn; tests are backed by
// internal/nettest's in-memory lossy network fake.
type Sender interface {
	Send(to *net.UDPAddr, m Message)
}

// Message is a local alias of wire.Message, so call sites within protocol
// don't need to import wire directly just to name the parameter type.
type Message = wire.Message
