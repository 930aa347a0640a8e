// Package netio implements the production UDP transport: a
// protocol.Sender backed by a real socket, plus the non-blocking per-tick
// drain loop spec.md §5 requires.
//
// Grounded on original_source/src/lib/transceiver.rs, adapted from rkyv's
// archive format to this module's wire package, and from a generic T
// send/receive pair to the protocol.Sender interface so Fork and Thinker
// never import net directly.
package netio

import (
	"errors"
	"net"
	"time"

	"github.com/joeycumines/go-catrate"

	"github.com/nomnomring/nomnomring/internal/telemetry"
	"github.com/nomnomring/nomnomring/protocol"
	"github.com/nomnomring/nomnomring/wire"
)

// OutboundRateLimits bounds how many datagrams this node will send to any
// one peer address per window, guarding against a misbehaving peer or a
// local bug turning into an outbound packet storm. This is an ambient
// safety margin spec.md does not name; ungated sends are spec.md's actual
// steady-state behavior, so the default here is generous enough never to
// bind under normal operation.
var OutboundRateLimits = map[time.Duration]int{
	time.Second: 200,
}

// Conn is the production implementation of protocol.Sender: one UDP
// socket, shared by a Fork or Thinker's single tick loop. It is not safe
// for concurrent use, matching spec.md §5's single-threaded model.
type Conn struct {
	socket  *net.UDPConn
	log     *telemetry.Logger
	limiter *catrate.Limiter
	buf     [wire.MaxDatagramSize]byte
}

// Listen binds a UDP socket at addr and returns a Conn ready for use.
func Listen(addr *net.UDPAddr, log *telemetry.Logger) (*Conn, error) {
	socket, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	return &Conn{
		socket:  socket,
		log:     log,
		limiter: catrate.NewLimiter(OutboundRateLimits),
	}, nil
}

// LocalAddr reports the address this Conn is bound to.
func (c *Conn) LocalAddr() *net.UDPAddr {
	return c.socket.LocalAddr().(*net.UDPAddr)
}

// Close releases the underlying socket.
func (c *Conn) Close() error {
	return c.socket.Close()
}

// Send implements protocol.Sender. Encoding or socket errors are logged
// and swallowed: spec.md §5 treats every send as best-effort, and §7
// requires the tick loop to never crash over a transport failure.
func (c *Conn) Send(to *net.UDPAddr, m protocol.Message) {
	if _, ok := c.limiter.Allow(to.String()); !ok {
		c.log.Warning().Str("to", to.String()).Log("outbound rate limit exceeded, dropping send")
		return
	}
	b, err := wire.Encode(m)
	if err != nil {
		c.log.Err().Err(err).Log("failed to encode outbound message")
		return
	}
	if _, err := c.socket.WriteToUDP(b, to); err != nil {
		c.log.Warning().Err(err).Str("to", to.String()).Log("failed to send datagram")
	}
}

// Drain performs spec.md §5's non-blocking receive loop: read until the
// socket reports no more data is immediately available, dispatching every
// successfully decoded message to handle. Setting the read deadline to
// time.Now() before each read makes it non-blocking without requiring a
// reader goroutine,
// keeping the whole node single-threaded as spec.md §9 requires.
func (c *Conn) Drain(handle func(from *net.UDPAddr, m protocol.Message)) {
	for {
		if err := c.socket.SetReadDeadline(time.Now()); err != nil {
			c.log.Err().Err(err).Log("failed to set read deadline")
			return
		}
		n, from, err := c.socket.ReadFromUDP(c.buf[:])
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return
			}
			c.log.Warning().Err(err).Log("datagram read error")
			return
		}
		m, err := wire.Decode(c.buf[:n])
		if err != nil {
			c.log.Warning().Err(err).Str("from", from.String()).Log("malformed datagram, dropping")
			continue
		}
		handle(from, m)
	}
}
