package protocol_test

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nomnomring/nomnomring/ids"
	"github.com/nomnomring/nomnomring/internal/mclock"
	"github.com/nomnomring/nomnomring/internal/telemetry"
	"github.com/nomnomring/nomnomring/protocol"
)

type sentMsg struct {
	to *net.UDPAddr
	m  protocol.Message
}

type recordingSender struct {
	sent []sentMsg
}

func (r *recordingSender) Send(to *net.UDPAddr, m protocol.Message) {
	r.sent = append(r.sent, sentMsg{to: to, m: m})
}

func testConfig() protocol.ThinkerConfig {
	return protocol.ThinkerConfig{
		MinThinking:      10 * time.Millisecond,
		MaxThinking:      10 * time.Millisecond,
		MinEating:        10 * time.Millisecond,
		MaxEating:        10 * time.Millisecond,
		KeepAliveTimeout: 2 * time.Second,
		TokenTimeout:     3 * time.Second,
	}
}

func newTestThinker(clock mclock.Clock, sender protocol.Sender, initialToken *protocol.Token, successors []ids.Ref[ids.Thinker]) (*protocol.Thinker, ids.ID[ids.Thinker]) {
	id := ids.New[ids.Thinker]()
	log := telemetry.New("thinker", id.String(), io.Discard)
	forks := [2]ids.Ref[ids.Fork]{
		ids.NewRef(ids.New[ids.Fork](), addr(9500)),
		ids.NewRef(ids.New[ids.Fork](), addr(9501)),
	}
	th := protocol.NewThinker(id, clock, sender, log, testConfig(), forks, successors, initialToken, nil, nil)
	return th, id
}

func TestThinkerGetsHungryAfterThinking(t *testing.T) {
	clock := &mclock.Simulated{}
	sender := &recordingSender{}
	th, _ := newTestThinker(clock, sender, nil, nil)
	require.Equal(t, "Thinking", th.Phase())

	clock.Run(time.Second)
	th.Tick()
	require.Equal(t, "Hungry", th.Phase())
}

func TestThinkerBuffersTokenThenPursuesForks(t *testing.T) {
	clock := &mclock.Simulated{}
	sender := &recordingSender{}
	th, id := newTestThinker(clock, sender, nil, nil)

	clock.Run(time.Second)
	th.Tick()
	require.Equal(t, "Hungry", th.Phase())

	tok := protocol.Token{ID: ids.New[ids.Token](), Version: 1, Issuer: id}
	th.HandleMessage(addr(1), protocol.TokenTransfer{Token: tok})
	// Buffered, not yet pursuing forks.
	require.Equal(t, "Hungry", th.Phase())
	active, ok := th.ActiveToken()
	require.True(t, ok)
	require.True(t, active.Equal(tok))

	th.Tick()
	require.Equal(t, "WaitingForForks", th.Phase())
}

func TestThinkerEatsOnceBothForksTaken(t *testing.T) {
	clock := &mclock.Simulated{}
	sender := &recordingSender{}
	th, id := newTestThinker(clock, sender, nil, nil)

	clock.Run(time.Second)
	th.Tick()
	tok := protocol.Token{ID: ids.New[ids.Token](), Version: 1, Issuer: id}
	th.HandleMessage(addr(1), protocol.TokenTransfer{Token: tok})
	th.Tick() // now WaitingForForks

	forkIDs := forkRefsOf(t, th)
	th.HandleMessage(addr(9500), protocol.ForkAlive{Fork: forkIDs[0], Status: protocol.ForkStatusTaken})
	th.HandleMessage(addr(9501), protocol.ForkAlive{Fork: forkIDs[1], Status: protocol.ForkStatusTaken})
	th.Tick()
	require.Equal(t, "Eating", th.Phase())
}

func forkRefsOf(t *testing.T, th *protocol.Thinker) []ids.ID[ids.Fork] {
	t.Helper()
	return th.ForkIDs()
}

func TestThinkerRegenerationProposalCommits(t *testing.T) {
	clock := &mclock.Simulated{}
	sender := &recordingSender{}
	issuer := ids.New[ids.Thinker]()
	tokID := ids.New[ids.Token]()
	seed := protocol.Token{ID: tokID, Version: 1, Issuer: issuer}

	log := telemetry.New("thinker", issuer.String(), io.Discard)
	forks := [2]ids.Ref[ids.Fork]{
		ids.NewRef(ids.New[ids.Fork](), addr(9600)),
		ids.NewRef(ids.New[ids.Fork](), addr(9601)),
	}
	successor := ids.NewRef(ids.New[ids.Thinker](), addr(9602))
	th := protocol.NewThinker(issuer, clock, sender, log, testConfig(), forks, []ids.Ref[ids.Thinker]{successor}, nil, []protocol.Token{seed}, nil)

	clock.Run(4 * time.Second)
	// Keep the successor fresh, so the committed token has somewhere to go.
	th.HandleMessage(successor.Address, protocol.AliveResponse{Peer: successor.ID})
	th.Tick() // detects loss, proposes version 2

	proposed := protocol.Token{ID: tokID, Version: 2, Issuer: issuer}
	th.HandleMessage(addr(1), protocol.ProposeTokenMsg{Proposal: protocol.Proposal{Proposed: proposed, ProposeVersion: 1}})

	active, ok := th.ActiveToken()
	require.False(t, ok, "commit forwards the token onward rather than holding it directly")
	_ = active

	var sawCommit bool
	for _, s := range sender.sent {
		if tt, ok := s.m.(protocol.TokenTransfer); ok && tt.Token.Version == 2 {
			sawCommit = true
		}
	}
	require.True(t, sawCommit, "committed token must be forwarded as an ordinary TokenTransfer")
}
