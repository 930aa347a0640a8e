// Package visualizer implements the passive rendering sink of spec.md §6:
// it never drives the protocol, only observes ForkStateChanged and
// ThinkerStateChanged notifications and renders the ring's current state.
//
// Grounded on original_source/src/lib/visualizer.rs's Visualizer, rewritten
// around a github.com/joeycumines/go-microbatch Batcher so that a burst of
// state-change datagrams arriving in the same drain pass coalesces into one
// render pass, rather than repainting the screen once per message.
package visualizer

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/joeycumines/go-microbatch"

	"github.com/nomnomring/nomnomring/ids"
	"github.com/nomnomring/nomnomring/internal/mclock"
	"github.com/nomnomring/nomnomring/internal/telemetry"
	"github.com/nomnomring/nomnomring/protocol"
)

type forkEntry struct {
	ref      ids.Ref[ids.Fork]
	state    protocol.VisForkState
	lastSeen mclock.AbsTime
}

type thinkerEntry struct {
	ref      ids.Ref[ids.Thinker]
	state    protocol.VisThinkerState
	lastSeen mclock.AbsTime
}

// Sink is the visualizer's runtime state: the registry of known thinkers
// and forks (established once, via VisualizerInit) plus the most recent
// state reported for each.
type Sink struct {
	clock            mclock.Clock
	log              *telemetry.Logger
	keepAliveTimeout time.Duration
	out              io.Writer

	mu       sync.Mutex
	thinkers []*thinkerEntry
	forks    []*forkEntry

	batcher *microbatch.Batcher[protocol.Message]
}

// New constructs a Sink already registered with the ring's full membership,
// per spec.md §6's VisualizerInit message.
func New(clock mclock.Clock, log *telemetry.Logger, keepAliveTimeout time.Duration, thinkers []ids.Ref[ids.Thinker], forks []ids.Ref[ids.Fork], out io.Writer) *Sink {
	if out == nil {
		out = os.Stdout
	}
	now := clock.Now()
	s := &Sink{
		clock:            clock,
		log:              log,
		keepAliveTimeout: keepAliveTimeout,
		out:              out,
	}
	for _, r := range thinkers {
		s.thinkers = append(s.thinkers, &thinkerEntry{ref: r, state: protocol.VisThinkerState{Phase: "Thinking"}, lastSeen: now})
	}
	for _, r := range forks {
		s.forks = append(s.forks, &forkEntry{ref: r, lastSeen: now})
	}
	s.batcher = microbatch.NewBatcher[protocol.Message](&microbatch.BatcherConfig{
		MaxSize:       32,
		FlushInterval: 200 * time.Millisecond,
	}, s.processBatch)
	return s
}

// Close stops the underlying batcher.
func (s *Sink) Close() error {
	return s.batcher.Close()
}

// HandleMessage dispatches one inbound visualizer message. A re-delivered
// VisualizerInit is logged and ignored, mirroring
// original_source/src/lib/visualizer.rs's handling of a duplicate Init.
func (s *Sink) HandleMessage(from *net.UDPAddr, m protocol.Message) {
	switch m.(type) {
	case protocol.VisualizerInit:
		s.log.Warning().Str("from", from.String()).Log("already initialized but got init message")
	case protocol.ForkStateChanged, protocol.ThinkerStateChanged:
		if _, err := s.batcher.Submit(context.Background(), m); err != nil {
			s.log.Warning().Err(err).Log("failed to submit state change for rendering")
		}
	default:
		s.log.Warning().Str("from", from.String()).Log(fmt.Sprintf("unexpected message %T", m))
	}
}

func (s *Sink) processBatch(ctx context.Context, jobs []protocol.Message) error {
	s.mu.Lock()
	now := s.clock.Now()
	for _, m := range jobs {
		switch v := m.(type) {
		case protocol.ForkStateChanged:
			for _, f := range s.forks {
				if f.ref.ID.Equal(v.Fork) {
					f.state = v.State
					f.lastSeen = now
					break
				}
			}
		case protocol.ThinkerStateChanged:
			for _, t := range s.thinkers {
				if t.ref.ID.Equal(v.Thinker) {
					t.state = v.State
					t.lastSeen = now
					break
				}
			}
		}
	}
	s.mu.Unlock()
	s.render()
	return nil
}

// render prints the current ring state, one line per fork and one per
// thinker, interleaved, marking entries that haven't reported in over
// keepAliveTimeout as dead.
func (s *Sink) render() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()

	fmt.Fprintln(s.out, "--- ring state ---")
	n := len(s.thinkers)
	if len(s.forks) > n {
		n = len(s.forks)
	}
	for i := 0; i < n; i++ {
		if i < len(s.forks) {
			f := s.forks[i]
			status := "Unused"
			if f.state.Used {
				status = "Used(" + f.state.Owner.String() + ")"
			}
			dead := ""
			if now.Sub(f.lastSeen) > s.keepAliveTimeout {
				dead = " (dead)"
			}
			fmt.Fprintf(s.out, "fork  %s [%s]%s\n", f.ref.ID, status, dead)
		}
		if i < len(s.thinkers) {
			t := s.thinkers[i]
			dead := ""
			if now.Sub(t.lastSeen) > s.keepAliveTimeout {
				dead = " (dead)"
			}
			fmt.Fprintf(s.out, "thinker %s [%s]%s\n", t.ref.ID, t.state.Phase, dead)
		}
	}
}
