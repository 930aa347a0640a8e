package protocol

import (
	"net"
	"time"

	"github.com/nomnomring/nomnomring/ids"
	"github.com/nomnomring/nomnomring/internal/mclock"
	"github.com/nomnomring/nomnomring/internal/telemetry"
)

// MaxQueueDepth bounds the fork's FIFO queue so a registration storm
// cannot grow it unbounded. This is an ambient safety margin (SPEC_FULL.md
// §6), not a behavior spec.md names; exceeding it drops the newest
// request, never the current owner or an already-queued entry.
const MaxQueueDepth = 64

type forkOwner struct {
	thinker  ids.ID[ids.Thinker]
	epoch    uint64
	addr     *net.UDPAddr
	lastSeen mclock.AbsTime
}

func (o *forkOwner) leaseUntil(timeout time.Duration) mclock.AbsTime {
	return o.lastSeen.Add(timeout)
}

type forkQueueEntry struct {
	thinker  ids.ID[ids.Thinker]
	epoch    uint64
	addr     *net.UDPAddr
	lastSeen mclock.AbsTime
}

// Fork implements spec.md §4.1: exclusive, leased ownership of one
// resource, arbitrated by a FIFO queue, surviving crashes of the current
// owner. Grounded on original_source/src/lib/fork.rs, generalized from the
// original's single unconditional grant-on-release to the unified
// KeepAlive handshake spec.md §4.1 prescribes (the original still has a
// distinct Take message; spec.md's redesign collapses Take+KeepAlive,
// which is implemented here instead of the original's two-message form).
type Fork struct {
	ID     ids.ID[ids.Fork]
	clock  mclock.Clock
	sender Sender
	log    *telemetry.Logger

	keepAliveTimeout time.Duration

	owner *forkOwner
	queue []forkQueueEntry

	visualizer *VisualizerRef
	notify     func(ForkStateChanged)
}

// NewFork constructs a Fork in its initial Unused state with an empty
// queue, per spec.md §4.1's state machine diagram.
func NewFork(id ids.ID[ids.Fork], clock mclock.Clock, sender Sender, log *telemetry.Logger, keepAliveTimeout time.Duration) *Fork {
	return &Fork{
		ID:               id,
		clock:            clock,
		sender:           sender,
		log:              log,
		keepAliveTimeout: keepAliveTimeout,
	}
}

// SetVisualizerNotifier installs the hook the visualizer package uses to
// batch ForkStateChanged notifications (SPEC_FULL.md §6, §11).
func (f *Fork) SetVisualizerNotifier(notify func(ForkStateChanged)) {
	f.notify = notify
}

// IsUsed reports whether the fork currently has an owner.
func (f *Fork) IsUsed() bool { return f.owner != nil }

// Owner reports the current owner's id, if the fork is Used.
func (f *Fork) Owner() (ids.ID[ids.Thinker], bool) {
	if f.owner == nil {
		return ids.ID[ids.Thinker]{}, false
	}
	return f.owner.thinker, true
}

// QueueLen reports the number of thinkers currently queued, for tests and
// observability.
func (f *Fork) QueueLen() int { return len(f.queue) }

func (f *Fork) emitState() {
	if f.notify == nil {
		return
	}
	var s VisForkState
	if f.owner != nil {
		s.Used = true
		s.Owner = f.owner.thinker
	}
	f.notify(ForkStateChanged{Fork: f.ID, State: s})
}

// HandleKeepAlive implements spec.md §4.1's unified KeepAlive: it
// enqueues the sender if unknown, refreshes last_seen if known, extends
// the lease if the sender is the current owner, and replies with
// ForkAlive reflecting the sender's role at the moment of handling. A new
// sender arriving while the queue is at MaxQueueDepth is dropped without
// a reply. (A
// promotion that happens later in this same tick's internal rule is only
// revealed on the promoted thinker's next KeepAlive, per spec.md §4.1).
func (f *Fork) HandleKeepAlive(from *net.UDPAddr, m KeepAlive) {
	now := f.clock.Now()

	if f.owner != nil && f.owner.thinker.Equal(m.Thinker) && f.owner.epoch == m.Epoch {
		f.owner.lastSeen = now
		f.owner.addr = from
		f.sender.Send(from, ForkAlive{Fork: f.ID, Status: ForkStatusTaken})
		return
	}

	for i := range f.queue {
		if f.queue[i].thinker.Equal(m.Thinker) && f.queue[i].epoch == m.Epoch {
			f.queue[i].lastSeen = now
			f.queue[i].addr = from
			f.sender.Send(from, ForkAlive{Fork: f.ID, Status: ForkStatusQueued})
			return
		}
	}

	if len(f.queue) >= MaxQueueDepth {
		f.log.Warning().Str("fork", f.ID.String()).Str("thinker", m.Thinker.String()).Log("queue full, dropping new request")
		return
	}

	f.queue = append(f.queue, forkQueueEntry{
		thinker:  m.Thinker,
		epoch:    m.Epoch,
		addr:     from,
		lastSeen: now,
	})
	f.log.Info().Str("fork", f.ID.String()).Str("thinker", m.Thinker.String()).Int("position", len(f.queue)).Log("queued thinker")
	f.sender.Send(from, ForkAlive{Fork: f.ID, Status: ForkStatusQueued})
}

// HandleRelease implements spec.md §4.1: valid only from the current
// owner (matched by ThinkerID+Epoch); anything else is logged and
// ignored, including a stale release from a thinker that previously owned
// the fork under a now-superseded epoch.
func (f *Fork) HandleRelease(from *net.UDPAddr, m Release) {
	if f.owner == nil {
		f.log.Warning().Str("fork", f.ID.String()).Str("thinker", m.Thinker.String()).Log("release from non-owner: fork already unused")
		return
	}
	if !f.owner.thinker.Equal(m.Thinker) || f.owner.epoch != m.Epoch {
		f.log.Warning().Str("fork", f.ID.String()).Str("thinker", m.Thinker.String()).Log("ignoring invalid release")
		return
	}
	f.log.Info().Str("fork", f.ID.String()).Str("thinker", m.Thinker.String()).Log("fork released")
	f.owner = nil
	f.emitState()
	f.evictStaleQueueEntries(f.clock.Now())
	f.promoteIfAny()
}

// evictStaleQueueEntries drops any queued entry not heard from within
// keepAliveTimeout, per spec.md §4.1 internal rule 3.
func (f *Fork) evictStaleQueueEntries(now mclock.AbsTime) {
	kept := f.queue[:0]
	for _, e := range f.queue {
		if now.Sub(e.lastSeen) > f.keepAliveTimeout {
			f.log.Warning().Str("fork", f.ID.String()).Str("thinker", e.thinker.String()).Log("evicted stale queue entry")
			continue
		}
		kept = append(kept, e)
	}
	f.queue = kept
}

// promoteIfAny implements spec.md §4.1 internal rule 2: if Unused and the
// queue is non-empty, pop the head whose last_seen is still fresh
// (stale entries were already dropped by evictStaleQueueEntries) and
// promote it to Used.
func (f *Fork) promoteIfAny() {
	if f.owner != nil || len(f.queue) == 0 {
		return
	}
	head := f.queue[0]
	f.queue = f.queue[1:]
	now := f.clock.Now()
	f.owner = &forkOwner{
		thinker:  head.thinker,
		epoch:    head.epoch,
		addr:     head.addr,
		lastSeen: now,
	}
	f.log.Info().Str("fork", f.ID.String()).Str("thinker", head.thinker.String()).Log("fork granted")
	f.emitState()
}

// Tick runs spec.md §4.1's per-tick internal rule, after all inbound
// messages for this tick have already been dispatched to HandleKeepAlive
// / HandleRelease.
func (f *Fork) Tick() {
	now := f.clock.Now()

	if f.owner != nil && now.Sub(f.owner.lastSeen) > f.keepAliveTimeout {
		f.log.Warning().Str("fork", f.ID.String()).Str("thinker", f.owner.thinker.String()).Log("fork lease expired, freeing fork")
		f.owner = nil
		f.emitState()
	}

	f.evictStaleQueueEntries(now)
	f.promoteIfAny()
}
