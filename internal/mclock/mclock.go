// Package mclock provides a monotonic-clock abstraction, so that the ring
// protocol's deadline logic (KEEP_ALIVE_TIMEOUT, TOKEN_TIMEOUT, lease
// expiry) can run against a real clock in production and a virtual,
// hand-advanced clock in tests.
//
// Grounded on ethereum-go-ethereum/common/mclock: only that package's test
// files survived retrieval, but alarm_test.go and simclock_test.go
// describe a Clock interface with Now/After/Sleep plus a Simulated
// implementation driven by an explicit Run(d). mclock here reimplements
// that shape from scratch, pared down to the two methods the ring
// protocol's tick loop actually needs (Now, Sleep) — spec.md §5 describes
// all waits as either a deadline comparison against Now(), or the single
// inter-tick Sleep; there is no channel-based alarm anywhere in the
// protocol, so Clock does not expose one.
package mclock

import "time"

// AbsTime is an absolute, monotonic point in time, measured in nanoseconds
// since an arbitrary clock-specific epoch. Only differences between two
// AbsTime values from the same Clock are meaningful.
type AbsTime int64

// Add returns t advanced by d.
func (t AbsTime) Add(d time.Duration) AbsTime {
	return t + AbsTime(d)
}

// Sub returns the duration elapsed from earlier to t.
func (t AbsTime) Sub(earlier AbsTime) time.Duration {
	return time.Duration(t - earlier)
}

// Before reports whether t precedes other.
func (t AbsTime) Before(other AbsTime) bool { return t < other }

// After reports whether t follows other.
func (t AbsTime) After(other AbsTime) bool { return t > other }

// Clock abstracts over real and simulated monotonic time sources.
type Clock interface {
	// Now returns the current time.
	Now() AbsTime
	// Sleep blocks the calling goroutine for d; on a Simulated clock, until
	// Run has advanced virtual time by at least d.
	Sleep(d time.Duration)
}

// System is the production Clock, backed by the operating system's
// monotonic clock via the time package.
type System struct{}

var systemStart = time.Now()

func (System) Now() AbsTime {
	return AbsTime(time.Since(systemStart))
}

func (System) Sleep(d time.Duration) {
	time.Sleep(d)
}

var _ Clock = System{}
