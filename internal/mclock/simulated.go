package mclock

import (
	"sync"
	"time"
)

// Simulated is a Clock whose time only advances when Run is called. It
// lets tests drive the ring protocol's timeouts deterministically: a test
// can construct thinkers/forks sharing one Simulated clock, exchange
// messages, call Run(KeepAliveTimeout+epsilon), and assert the resulting
// state transition, with no dependency on wall-clock scheduling.
//
// Sleep, on a Simulated clock, blocks the caller until some other
// goroutine advances the clock at least that far with Run — mirroring
// ethereum-go-ethereum/common/mclock's Simulated (visible via
// simclock_test.go/alarm_test.go), minus the channel-based After/Timer
// API this repository's tick loop never needs (see mclock.go's doc
// comment).
type Simulated struct {
	mu      sync.Mutex
	cond    sync.Cond
	now     AbsTime
	initCondOnce sync.Once
}

func (s *Simulated) init() {
	s.initCondOnce.Do(func() {
		s.cond.L = &s.mu
	})
}

// Now returns the current virtual time.
func (s *Simulated) Now() AbsTime {
	s.init()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Run advances the virtual clock by d, waking any goroutine blocked in
// Sleep whose deadline has now passed.
func (s *Simulated) Run(d time.Duration) {
	s.init()
	s.mu.Lock()
	s.now += AbsTime(d)
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Sleep blocks until the virtual clock has advanced by at least d from
// the moment Sleep was called.
func (s *Simulated) Sleep(d time.Duration) {
	s.init()
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline := s.now + AbsTime(d)
	for s.now < deadline {
		s.cond.Wait()
	}
}

var _ Clock = (*Simulated)(nil)
