package protocol

import (
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/nomnomring/nomnomring/ids"
	"github.com/nomnomring/nomnomring/internal/mclock"
	"github.com/nomnomring/nomnomring/internal/telemetry"
)

// ThinkerConfig carries the timing parameters of spec.md §4.2/§5 that a
// deployment configures per role (cmd/thinker sets them as constants in
// thinkerConfig; they are not exposed as flags).
type ThinkerConfig struct {
	MinThinking, MaxThinking time.Duration
	MinEating, MaxEating     time.Duration
	KeepAliveTimeout         time.Duration
	TokenTimeout             time.Duration
}

type forkWaitStatus int

const (
	forkWaitQueued forkWaitStatus = iota
	forkWaitTaken
)

type thinkerForkSlot struct {
	ref      ids.Ref[ids.Fork]
	status   forkWaitStatus
	lastSeen mclock.AbsTime
}

type tokenSlotMode int

const (
	tokenSlotPassive tokenSlotMode = iota
	tokenSlotProposing
)

// tokenSlot is a thinker's private bookkeeping for one TokenId: the best
// (highest-priority) value it has observed, and, while Proposing, the
// regeneration candidate it is circulating (spec.md §4.3).
type tokenSlot struct {
	mode           tokenSlotMode
	best           Token
	lastSeen       mclock.AbsTime
	proposeVersion uint32
	proposal       Token
}

type thinkerSuccessor struct {
	ref      ids.Ref[ids.Thinker]
	lastSeen mclock.AbsTime
}

type hungrySub int

const (
	hungryWaitingForToken hungrySub = iota
	hungryTokenHeld
)

type thinkerPhaseKind int

const (
	phaseThinking thinkerPhaseKind = iota
	phaseHungry
	phaseWaitingForForks
	phaseEating
)

func (k thinkerPhaseKind) String() string {
	switch k {
	case phaseThinking:
		return "Thinking"
	case phaseHungry:
		return "Hungry"
	case phaseWaitingForForks:
		return "WaitingForForks"
	case phaseEating:
		return "Eating"
	default:
		return "Unknown"
	}
}

// thinkerPhase is the tagged union of spec.md §4.2's four phases. Unused
// fields for a given kind are simply left zero, matching the outer-record
// style spec.md §9 explicitly steers away from ("preserve per-variant
// timestamps in the variant payload") — here that's approximated with one
// struct instead of an interface, since Go lacks sum types; the kind tag
// plus doc comments keep the invariant explicit.
type thinkerPhase struct {
	kind   thinkerPhaseKind
	until  mclock.AbsTime // Thinking, Eating
	hungry hungrySub       // Hungry
	token  Token           // Hungry/TokenHeld, WaitingForForks, Eating
}

// Thinker implements spec.md §4.2: the dining philosopher itself. It never
// acts on an inbound Token inside a message handler (§4.2's "never consume
// token in message handler" rule) — handlers only buffer or relay; every
// state transition happens once per tick in Tick: the superseded-token
// revert, then runPhaseTransition.
//
// Grounded on original_source/src/lib/thinker.rs, generalized from its
// single-token, single-successor model to spec.md's multi-token-slot,
// k-successor ring with explicit regeneration and liveness sub-protocols.
type Thinker struct {
	ID    ids.ID[ids.Thinker]
	Epoch uint64

	clock  mclock.Clock
	sender Sender
	log    *telemetry.Logger
	rng    *rand.Rand
	cfg    ThinkerConfig

	phase      thinkerPhase
	forks      [2]thinkerForkSlot
	successors []thinkerSuccessor
	slots      map[string]*tokenSlot

	visualizer *VisualizerRef
	notify     func(ThinkerStateChanged)
}

// NewThinker constructs a Thinker in its initial Thinking phase. If
// initialToken is non-nil, this thinker is the seed holder for that
// token-slot and immediately forwards it into circulation, mirroring
// original_source/src/lib/thinker.rs's Thinker::new eager send.
func NewThinker(
	id ids.ID[ids.Thinker],
	clock mclock.Clock,
	sender Sender,
	log *telemetry.Logger,
	cfg ThinkerConfig,
	forks [2]ids.Ref[ids.Fork],
	successors []ids.Ref[ids.Thinker],
	initialToken *Token,
	availableTokens []Token,
	visualizer *VisualizerRef,
) *Thinker {
	now := clock.Now()
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ id.Seed()))

	t := &Thinker{
		ID:         id,
		Epoch:      rng.Uint64(),
		clock:      clock,
		sender:     sender,
		log:        log,
		rng:        rng,
		cfg:        cfg,
		slots:      make(map[string]*tokenSlot, len(availableTokens)+1),
		visualizer: visualizer,
		phase: thinkerPhase{
			kind:  phaseThinking,
			until: now.Add(randDuration(rng, cfg.MinThinking, cfg.MaxThinking)),
		},
	}

	for i, ref := range forks {
		t.forks[i] = thinkerForkSlot{ref: ref, status: forkWaitQueued, lastSeen: now}
	}
	for _, ref := range successors {
		t.successors = append(t.successors, thinkerSuccessor{ref: ref, lastSeen: now})
	}
	for _, tok := range availableTokens {
		t.slots[tok.ID.String()] = &tokenSlot{mode: tokenSlotPassive, best: tok, lastSeen: now}
	}
	if initialToken != nil {
		slot := t.getOrCreateSlot(initialToken.ID)
		slot.best = *initialToken
		slot.lastSeen = now
		t.forwardToken(*initialToken, nil)
	}

	return t
}

// SetVisualizerNotifier installs the hook the visualizer package uses to
// batch ThinkerStateChanged notifications.
func (t *Thinker) SetVisualizerNotifier(notify func(ThinkerStateChanged)) {
	t.notify = notify
}

// Phase reports the thinker's current coarse phase, for tests and
// observability.
func (t *Thinker) Phase() string { return t.phase.kind.String() }

// ForkIDs reports the ids of this thinker's two configured forks, in
// order, for tests and observability.
func (t *Thinker) ForkIDs() []ids.ID[ids.Fork] {
	return []ids.ID[ids.Fork]{t.forks[0].ref.ID, t.forks[1].ref.ID}
}

func randDuration(rng *rand.Rand, min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rng.Int63n(int64(max-min)+1))
}

func (t *Thinker) getOrCreateSlot(id ids.ID[ids.Token]) *tokenSlot {
	k := id.String()
	s, ok := t.slots[k]
	if !ok {
		s = &tokenSlot{mode: tokenSlotPassive, best: Token{ID: id}, lastSeen: t.clock.Now()}
		t.slots[k] = s
	}
	return s
}

func (t *Thinker) isFresh(lastSeen mclock.AbsTime) bool {
	return t.clock.Now().Sub(lastSeen) <= t.cfg.KeepAliveTimeout
}

// nextFreshSuccessor returns the first ring successor, in configured
// order, that is fresh and not excluded. If exclude rules out every fresh
// candidate, it retries without the exclusion — so a 2-node ring never
// drops a token solely to avoid bouncing it back to its sender.
func (t *Thinker) nextFreshSuccessor(exclude func(ids.Ref[ids.Thinker]) bool) (ids.Ref[ids.Thinker], bool) {
	for _, s := range t.successors {
		if !t.isFresh(s.lastSeen) {
			continue
		}
		if exclude != nil && exclude(s.ref) {
			continue
		}
		return s.ref, true
	}
	if exclude != nil {
		for _, s := range t.successors {
			if t.isFresh(s.lastSeen) {
				return s.ref, true
			}
		}
	}
	return ids.Ref[ids.Thinker]{}, false
}

func sameAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.String() == b.String()
}

// forwardToken sends tok onward per spec.md §4.2's token forwarding
// policy: first fresh successor, never bouncing back to from if a later
// successor is available. A nil from (e.g. self-initiated forwards from
// the phase-transition pass) excludes nothing.
func (t *Thinker) forwardToken(tok Token, from *net.UDPAddr) {
	succ, ok := t.nextFreshSuccessor(func(r ids.Ref[ids.Thinker]) bool { return sameAddr(r.Address, from) })
	if !ok {
		t.log.Warning().Str("thinker", t.ID.String()).Log("no fresh successor, dropping token")
		return
	}
	t.sender.Send(succ.Address, TokenTransfer{Token: tok})
}

func (t *Thinker) forwardProposal(p Proposal, from *net.UDPAddr) {
	succ, ok := t.nextFreshSuccessor(func(r ids.Ref[ids.Thinker]) bool { return sameAddr(r.Address, from) })
	if !ok {
		return
	}
	t.sender.Send(succ.Address, ProposeTokenMsg{Proposal: p})
}

// ActiveToken reports the token this thinker is currently holding or
// pursuing, if any, per spec.md §4.2 step 5 / §4.4's token-alive broadcast
// trigger condition.
func (t *Thinker) ActiveToken() (Token, bool) {
	switch t.phase.kind {
	case phaseHungry:
		if t.phase.hungry == hungryTokenHeld {
			return t.phase.token, true
		}
	case phaseWaitingForForks, phaseEating:
		return t.phase.token, true
	}
	return Token{}, false
}

// HandleMessage dispatches one inbound message to the appropriate
// handler. Unrecognized message kinds are logged and ignored per
// spec.md §7's "unexpected message in current phase" taxonomy entry.
func (t *Thinker) HandleMessage(from *net.UDPAddr, m Message) {
	switch v := m.(type) {
	case TokenTransfer:
		t.handleToken(from, v)
	case ForkAlive:
		t.handleForkAlive(from, v)
	case AliveRequest:
		t.handleAliveRequest(from, v)
	case AliveResponse:
		t.handleAliveResponse(from, v)
	case TokenAliveBroadcast:
		t.handleTokenAliveBroadcast(from, v)
	case ProposeTokenMsg:
		t.handleProposeToken(from, v)
	default:
		t.log.Warning().Str("thinker", t.ID.String()).Log(fmt.Sprintf("unexpected message %T in phase %s", m, t.phase.kind))
	}
}

// handleToken never initiates a fork acquisition itself — per
// spec.md §4.2, a token arriving while Hungry/WaitingForToken is only
// buffered as Hungry/TokenHeld; the actual pursuit begins next tick in
// runPhaseTransition. In every other phase, an inbound token is a pure
// relay: this thinker isn't acting on it, just passing it on.
func (t *Thinker) handleToken(from *net.UDPAddr, m TokenTransfer) {
	slot := t.getOrCreateSlot(m.Token.ID)
	if !m.Token.Equal(slot.best) {
		if slot.best.HigherPriority(m.Token) {
			return // stale duplicate
		}
		slot.best = m.Token
	}
	slot.lastSeen = t.clock.Now()
	slot.mode = tokenSlotPassive

	if t.phase.kind == phaseHungry {
		if t.phase.hungry == hungryWaitingForToken {
			t.phase.hungry = hungryTokenHeld
			t.phase.token = slot.best
			t.log.Info().Str("thinker", t.ID.String()).Str("token", slot.best.ID.String()).Log("received token")
			return
		}
		// already holding a token for this hunger cycle; this one isn't needed
		t.forwardToken(slot.best, from)
		return
	}

	t.forwardToken(slot.best, from)
}

func (t *Thinker) handleForkAlive(from *net.UDPAddr, m ForkAlive) {
	idx := -1
	for i := range t.forks {
		if t.forks[i].ref.ID.Equal(m.Fork) {
			idx = i
			break
		}
	}
	if idx == -1 {
		t.log.Warning().Str("thinker", t.ID.String()).Str("fork", m.Fork.String()).Log("ForkAlive for unknown fork")
		return
	}
	t.forks[idx].lastSeen = t.clock.Now()
	if m.Status == ForkStatusTaken {
		t.forks[idx].status = forkWaitTaken
	} else {
		t.forks[idx].status = forkWaitQueued
	}
}

func (t *Thinker) handleAliveRequest(from *net.UDPAddr, m AliveRequest) {
	t.sender.Send(from, AliveResponse{Peer: t.ID})
}

func (t *Thinker) handleAliveResponse(from *net.UDPAddr, m AliveResponse) {
	now := t.clock.Now()
	for i := range t.successors {
		if t.successors[i].ref.ID.Equal(m.Peer) {
			t.successors[i].lastSeen = now
			return
		}
	}
	t.log.Warning().Str("thinker", t.ID.String()).Str("peer", m.Peer.String()).Log("AliveResponse from unrecognized peer")
}

// handleTokenAliveBroadcast implements spec.md §4.4: refresh the matching
// slot, then forward one hop, skipping the original broadcaster.
func (t *Thinker) handleTokenAliveBroadcast(from *net.UDPAddr, m TokenAliveBroadcast) {
	slot := t.getOrCreateSlot(m.TokenRef.ID)
	if !m.TokenRef.Equal(slot.best) && m.TokenRef.HigherPriority(slot.best) {
		slot.best = m.TokenRef
	}
	slot.lastSeen = t.clock.Now()
	slot.mode = tokenSlotPassive

	if m.Broadcaster.Equal(t.ID) {
		return
	}
	succ, ok := t.nextFreshSuccessor(func(r ids.Ref[ids.Thinker]) bool { return r.ID.Equal(m.Broadcaster) })
	if !ok {
		return
	}
	t.sender.Send(succ.Address, TokenAliveBroadcast{TokenRef: slot.best, Broadcaster: m.Broadcaster})
}

// handleProposeToken implements spec.md §4.3's forwarding/commit/step-down
// rule.
func (t *Thinker) handleProposeToken(from *net.UDPAddr, m ProposeTokenMsg) {
	p := m.Proposal
	slot := t.getOrCreateSlot(p.Proposed.ID)
	if !p.Proposed.HigherPriority(slot.best) {
		return // outdated proposal
	}

	if !p.Proposed.Issuer.Equal(t.ID) {
		slot.lastSeen = t.clock.Now()
		if slot.mode == tokenSlotProposing {
			if p.Proposed.HigherPriority(slot.proposal) {
				slot.mode = tokenSlotPassive
				t.forwardProposal(p, from)
			}
			return
		}
		t.forwardProposal(p, from)
		return
	}

	// I am the issuer.
	if p.ProposeVersion != slot.proposeVersion {
		return // outdated self-proposal
	}
	slot.best = p.Proposed
	slot.mode = tokenSlotPassive
	slot.lastSeen = t.clock.Now()
	slot.proposeVersion++
	t.log.Info().Str("thinker", t.ID.String()).Str("token", p.Proposed.ID.String()).Int("version", int(p.Proposed.Version)).Log("regeneration proposal committed")
	succ, ok := t.nextFreshSuccessor(nil)
	if !ok {
		t.log.Warning().Str("thinker", t.ID.String()).Log("no fresh successor, dropping committed token")
		return
	}
	t.sender.Send(succ.Address, TokenTransfer{Token: p.Proposed})
}

// Tick runs spec.md §4.2's ordered per-tick update. It assumes all inbound
// messages for this tick have already been dispatched via HandleMessage.
func (t *Thinker) Tick() {
	now := t.clock.Now()

	// Step 2: probe the first two configured ring successors. Probing by
	// list position (not current freshness) is what lets a successor
	// marked stale ever be rediscovered as alive again.
	for i := 0; i < len(t.successors) && i < 2; i++ {
		t.sender.Send(t.successors[i].ref.Address, AliveRequest{From: t.ID})
	}

	// Steps 3 & 4: token-slot loss detection and re-proposing.
	for _, slot := range t.slots {
		switch slot.mode {
		case tokenSlotPassive:
			if now.Sub(slot.lastSeen) > t.cfg.TokenTimeout {
				slot.mode = tokenSlotProposing
				slot.proposeVersion++
				slot.proposal = slot.best.Next(t.ID)
				t.log.Warning().Str("thinker", t.ID.String()).Str("token", slot.best.ID.String()).Log("token timeout, proposing regeneration")
				if succ, ok := t.nextFreshSuccessor(nil); ok {
					t.sender.Send(succ.Address, ProposeTokenMsg{Proposal: Proposal{Proposed: slot.proposal, ProposeVersion: slot.proposeVersion}})
				}
			}
		case tokenSlotProposing:
			if succ, ok := t.nextFreshSuccessor(nil); ok {
				t.sender.Send(succ.Address, ProposeTokenMsg{Proposal: Proposal{Proposed: slot.proposal, ProposeVersion: slot.proposeVersion}})
			}
		}
	}

	// Step 5: maintain the actively held/pursued token's slot.
	if active, ok := t.ActiveToken(); ok {
		slot := t.getOrCreateSlot(active.ID)
		slot.lastSeen = now
		if slot.best.HigherPriority(active) {
			t.log.Warning().Str("thinker", t.ID.String()).Str("token", active.ID.String()).Log("active token superseded, reverting to hungry")
			t.phase = thinkerPhase{kind: phaseHungry, hungry: hungryWaitingForToken}
		}
	}

	// Step 6: phase transition.
	t.runPhaseTransition(now)

	// Fork keep-alive cadence (spec.md §4.4: every tick in WaitingForForks
	// or Eating).
	if t.phase.kind == phaseWaitingForForks || t.phase.kind == phaseEating {
		for i := range t.forks {
			t.sender.Send(t.forks[i].ref.Address, KeepAlive{Thinker: t.ID, Epoch: t.Epoch})
		}
	}

	// Token-alive broadcast cadence (spec.md §4.4).
	if active, ok := t.ActiveToken(); ok {
		if succ, ok := t.nextFreshSuccessor(nil); ok {
			t.sender.Send(succ.Address, TokenAliveBroadcast{TokenRef: active, Broadcaster: t.ID})
		}
	}

	// Step 7.
	t.emitState()
}

func (t *Thinker) runPhaseTransition(now mclock.AbsTime) {
	switch t.phase.kind {
	case phaseThinking:
		if !now.Before(t.phase.until) {
			t.phase = thinkerPhase{kind: phaseHungry, hungry: hungryWaitingForToken}
			t.log.Info().Str("thinker", t.ID.String()).Log("got hungry")
		}

	case phaseHungry:
		if t.phase.hungry == hungryTokenHeld {
			tok := t.phase.token
			for i := range t.forks {
				t.forks[i].status = forkWaitQueued
				t.forks[i].lastSeen = now
			}
			t.phase = thinkerPhase{kind: phaseWaitingForForks, token: tok}
			t.log.Info().Str("thinker", t.ID.String()).Log("holding token, requesting forks")
		}

	case phaseWaitingForForks:
		bothTaken := t.forks[0].status == forkWaitTaken && t.forks[1].status == forkWaitTaken
		if bothTaken {
			tok := t.phase.token
			until := now.Add(randDuration(t.rng, t.cfg.MinEating, t.cfg.MaxEating))
			t.phase = thinkerPhase{kind: phaseEating, token: tok, until: until}
			t.log.Info().Str("thinker", t.ID.String()).Log("start eating")
			return
		}
		if t.forkStale(0, now) || t.forkStale(1, now) {
			t.abortToHungry(now, "fork lease lost while waiting for forks")
		}

	case phaseEating:
		if !now.Before(t.phase.until) {
			t.finishEating(now)
			return
		}
		if t.forkStale(0, now) && t.forkStale(1, now) {
			t.abortToHungry(now, "both forks lost while eating")
		}
	}
}

func (t *Thinker) forkStale(i int, now mclock.AbsTime) bool {
	return now.Sub(t.forks[i].lastSeen) > t.cfg.KeepAliveTimeout
}

func (t *Thinker) abortToHungry(now mclock.AbsTime, reason string) {
	t.log.Warning().Str("thinker", t.ID.String()).Log(reason)
	tok := t.phase.token
	for i := range t.forks {
		t.sender.Send(t.forks[i].ref.Address, Release{Thinker: t.ID, Epoch: t.Epoch})
	}
	t.forwardToken(tok, nil)
	t.phase = thinkerPhase{kind: phaseHungry, hungry: hungryWaitingForToken}
}

func (t *Thinker) finishEating(now mclock.AbsTime) {
	tok := t.phase.token
	t.forwardToken(tok, nil)
	for i := range t.forks {
		t.sender.Send(t.forks[i].ref.Address, Release{Thinker: t.ID, Epoch: t.Epoch})
	}
	until := now.Add(randDuration(t.rng, t.cfg.MinThinking, t.cfg.MaxThinking))
	t.phase = thinkerPhase{kind: phaseThinking, until: until}
	t.log.Info().Str("thinker", t.ID.String()).Log("done eating, thinking again")
}

func (t *Thinker) emitState() {
	if t.notify == nil {
		return
	}
	t.notify(ThinkerStateChanged{Thinker: t.ID, State: VisThinkerState{Phase: t.phase.kind.String()}})
}
