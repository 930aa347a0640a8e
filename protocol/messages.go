package protocol

import (
	"net"

	"github.com/nomnomring/nomnomring/ids"
	"github.com/nomnomring/nomnomring/wire"
)

// ForkStatus distinguishes, in a ForkAlive reply, whether the sender is
// merely queued or currently holds the fork (spec.md §4.1).
type ForkStatus int

const (
	ForkStatusQueued ForkStatus = iota
	ForkStatusTaken
)

func (s ForkStatus) String() string {
	if s == ForkStatusTaken {
		return "Taken"
	}
	return "Queued"
}

// VisualizerRef names the passive visualizer sink (spec.md §6). It has no
// identifier of its own — only a reachable endpoint.
type VisualizerRef struct {
	Address *net.UDPAddr
}

// --- Fork-facing messages (spec.md §4.1, §6) ---

// KeepAlive is the unified enqueue/refresh/lease-extend message of
// spec.md §4.1's "Rationale for the unified KeepAlive": a single delivered
// copy suffices to maintain the thinker-fork relationship, whether the
// thinker is newly queued, still waiting, or already the owner.
type KeepAlive struct {
	Thinker ids.ID[ids.Thinker]
	Epoch   uint64
}

func (KeepAlive) wireMessage() {}

// Release is valid only from a fork's current owner (same Thinker+Epoch
// it was granted under); anything else is logged and ignored.
type Release struct {
	Thinker ids.ID[ids.Thinker]
	Epoch   uint64
}

func (Release) wireMessage() {}

// ForkAlive is a fork's reply to every KeepAlive it receives.
type ForkAlive struct {
	Fork   ids.ID[ids.Fork]
	Status ForkStatus
}

func (ForkAlive) wireMessage() {}

// --- Thinker-facing messages (spec.md §4.2, §4.3, §4.4, §6) ---

// TokenTransfer carries a Token payload from a predecessor to its
// successor around the ring.
type TokenTransfer struct {
	Token Token
}

func (TokenTransfer) wireMessage() {}

// AliveRequest is a ring-neighbour liveness probe.
type AliveRequest struct {
	From ids.ID[ids.Thinker]
}

func (AliveRequest) wireMessage() {}

// AliveResponse answers an AliveRequest.
type AliveResponse struct {
	Peer ids.ID[ids.Thinker]
}

func (AliveResponse) wireMessage() {}

// TokenAliveBroadcast walks forward one hop per tick, refreshing every
// thinker's memory that TokenRef is still live (spec.md §4.4).
type TokenAliveBroadcast struct {
	TokenRef    Token
	Broadcaster ids.ID[ids.Thinker]
}

func (TokenAliveBroadcast) wireMessage() {}

// ProposeTokenMsg carries a regeneration Proposal around the ring
// (spec.md §4.3). It is forwarded hop-by-hop, never broadcast.
type ProposeTokenMsg struct {
	Proposal Proposal
}

func (ProposeTokenMsg) wireMessage() {}

// --- Init messages (spec.md §6) ---

type ForkRequest struct {
	Fork ids.ID[ids.Fork]
}

func (ForkRequest) wireMessage() {}

type ThinkerRequest struct {
	Thinker ids.ID[ids.Thinker]
}

func (ThinkerRequest) wireMessage() {}

type VisualizerRequest struct{}

func (VisualizerRequest) wireMessage() {}

// ForkInit is sent by the bootstrap coordinator to a registered fork.
type ForkInit struct {
	Visualizer *VisualizerRef
}

func (ForkInit) wireMessage() {}

// ThinkerInit is sent by the bootstrap coordinator to a registered
// thinker, carrying its ring position, its two forks, and — for exactly
// one thinker per configured eating slot — the initial Token.
type ThinkerInit struct {
	Token           *Token
	Forks           [2]ids.Ref[ids.Fork]
	NextThinkers    []ids.Ref[ids.Thinker]
	AvailableTokens []Token
	Visualizer      *VisualizerRef
}

func (ThinkerInit) wireMessage() {}

// --- Visualizer messages (spec.md §6) ---

type VisForkState struct {
	Used  bool
	Owner ids.ID[ids.Thinker] // meaningful only if Used
}

type VisThinkerState struct {
	Phase string // "Thinking" | "Hungry" | "WaitingForForks" | "Eating"
}

type VisualizerInit struct {
	Thinkers []ids.Ref[ids.Thinker]
	Forks    []ids.Ref[ids.Fork]
}

func (VisualizerInit) wireMessage() {}

type ForkStateChanged struct {
	Fork  ids.ID[ids.Fork]
	State VisForkState
}

func (ForkStateChanged) wireMessage() {}

type ThinkerStateChanged struct {
	Thinker ids.ID[ids.Thinker]
	State   VisThinkerState
}

func (ThinkerStateChanged) wireMessage() {}

func init() {
	wire.Register(KeepAlive{})
	wire.Register(Release{})
	wire.Register(ForkAlive{})
	wire.Register(TokenTransfer{})
	wire.Register(AliveRequest{})
	wire.Register(AliveResponse{})
	wire.Register(TokenAliveBroadcast{})
	wire.Register(ProposeTokenMsg{})
	wire.Register(ForkRequest{})
	wire.Register(ThinkerRequest{})
	wire.Register(VisualizerRequest{})
	wire.Register(ForkInit{})
	wire.Register(ThinkerInit{})
	wire.Register(VisualizerInit{})
	wire.Register(ForkStateChanged{})
	wire.Register(ThinkerStateChanged{})
}
