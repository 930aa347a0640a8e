// Package bootstrap implements the minimal coordinator of spec.md §6: it
// collects Init.ForkRequest / Init.ThinkerRequest / Init.VisualizerRequest
// registrations until the configured counts are met, assigns ring
// positions and token seeds, and sends one Init message to every
// registrant before exiting.
//
// Grounded on original_source/src/bin/init.rs: that binary collects
// SocketAddrs into two flat queues and, once both reach the configured
// `thinker` count, shuffles and assigns left/right forks and a single
// next_thinker per thinker. This generalizes that to spec.md §6's
// k-successor ring (`next-thinkers-amount`), multiple token seeds
// (`tokens`), and an optional visualizer registrant.
package bootstrap

import (
	"math/rand"
	"net"
	"time"

	"github.com/nomnomring/nomnomring/ids"
	"github.com/nomnomring/nomnomring/internal/telemetry"
	"github.com/nomnomring/nomnomring/protocol"
)

// Config fixes the deployment shape a Coordinator waits for, per spec.md
// §6's CLI contract ("--thinker N --tokens K --next-thinkers-amount k
// [--visualizer]").
type Config struct {
	Thinkers           int
	Tokens             int
	NextThinkersAmount int
	RequireVisualizer  bool
}

// Coordinator implements the bootstrap handshake. It is not itself part of
// the steady-state ring protocol — once dispatch fires, a Coordinator has
// no further role.
type Coordinator struct {
	cfg    Config
	sender protocol.Sender
	log    *telemetry.Logger
	rng    *rand.Rand

	forks      []ids.Ref[ids.Fork]
	thinkers   []ids.Ref[ids.Thinker]
	visualizer *protocol.VisualizerRef

	done bool
}

// New constructs a Coordinator waiting for cfg.Thinkers forks and
// cfg.Thinkers thinkers (and, if cfg.RequireVisualizer, exactly one
// visualizer) to register.
func New(cfg Config, sender protocol.Sender, log *telemetry.Logger) *Coordinator {
	return &Coordinator{
		cfg:    cfg,
		sender: sender,
		log:    log,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Done reports whether this Coordinator has already dispatched Init
// messages to every registrant, per spec.md §6's "sent once on successful
// bootstrap" contract.
func (c *Coordinator) Done() bool { return c.done }

// HandleMessage processes one registration request. Once every configured
// slot is filled, it assigns ring positions and dispatches Init messages.
func (c *Coordinator) HandleMessage(from *net.UDPAddr, m protocol.Message) {
	if c.done {
		c.log.Warning().Str("from", from.String()).Log("bootstrap already complete, ignoring late registration")
		return
	}

	switch v := m.(type) {
	case protocol.ForkRequest:
		if len(c.forks) >= c.cfg.Thinkers {
			c.log.Warning().Str("from", from.String()).Log("fork queue already full")
			return
		}
		c.forks = append(c.forks, ids.NewRef(v.Fork, from))
		c.log.Info().Str("fork", v.Fork.String()).Log("registered fork")

	case protocol.ThinkerRequest:
		if len(c.thinkers) >= c.cfg.Thinkers {
			c.log.Warning().Str("from", from.String()).Log("thinker queue already full")
			return
		}
		c.thinkers = append(c.thinkers, ids.NewRef(v.Thinker, from))
		c.log.Info().Str("thinker", v.Thinker.String()).Log("registered thinker")

	case protocol.VisualizerRequest:
		c.visualizer = &protocol.VisualizerRef{Address: from}
		c.log.Info().Str("from", from.String()).Log("registered visualizer")

	default:
		c.log.Warning().Str("from", from.String()).Log("unexpected message during bootstrap")
		return
	}

	if c.ready() {
		c.dispatch()
	}
}

func (c *Coordinator) ready() bool {
	if len(c.thinkers) != c.cfg.Thinkers || len(c.forks) != c.cfg.Thinkers {
		return false
	}
	if c.cfg.RequireVisualizer && c.visualizer == nil {
		return false
	}
	return true
}

// dispatch assigns ring positions: thinker i is adjacent to forks[i-1] and
// forks[i], its k successors are the next k thinkers (wrapping), and every
// thinker receives the full AvailableTokens list so it can track liveness
// for slots it doesn't hold. Token seeds are distributed as evenly as
// possible across the ring.
func (c *Coordinator) dispatch() {
	n := len(c.thinkers)
	c.rng.Shuffle(n, func(i, j int) { c.thinkers[i], c.thinkers[j] = c.thinkers[j], c.thinkers[i] })
	c.rng.Shuffle(n, func(i, j int) { c.forks[i], c.forks[j] = c.forks[j], c.forks[i] })

	tokenCount := c.cfg.Tokens
	if tokenCount < 1 {
		tokenCount = 1
	}
	seeds := make([]protocol.Token, tokenCount)
	seedIdx := make(map[int]int, tokenCount)
	for j := 0; j < tokenCount; j++ {
		idx := (j * n) / tokenCount
		seeds[j] = protocol.Token{ID: ids.New[ids.Token](), Version: 1, Issuer: c.thinkers[idx].ID}
		seedIdx[idx] = j
	}

	k := c.cfg.NextThinkersAmount
	if k < 2 {
		k = 2
	}

	for i, th := range c.thinkers {
		left := c.forks[(i-1+n)%n]
		right := c.forks[i]

		var next []ids.Ref[ids.Thinker]
		for j := 1; j <= k && j < n; j++ {
			next = append(next, c.thinkers[(i+j)%n])
		}

		var tok *protocol.Token
		if sj, ok := seedIdx[i]; ok {
			t := seeds[sj]
			tok = &t
		}

		c.sender.Send(th.Address, protocol.ThinkerInit{
			Token:           tok,
			Forks:           [2]ids.Ref[ids.Fork]{left, right},
			NextThinkers:    next,
			AvailableTokens: seeds,
			Visualizer:      c.visualizer,
		})
		c.log.Info().Str("thinker", th.ID.String()).Log("dispatched init")
	}

	for _, f := range c.forks {
		c.sender.Send(f.Address, protocol.ForkInit{Visualizer: c.visualizer})
	}

	if c.visualizer != nil {
		c.sender.Send(c.visualizer.Address, protocol.VisualizerInit{Thinkers: c.thinkers, Forks: c.forks})
	}

	c.log.Info().Log("bootstrap complete, dispatched init to all registrants")
	c.done = true
}
