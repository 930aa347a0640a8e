package mclock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSimulatedAdvancesOnRun(t *testing.T) {
	var c Simulated
	require.Equal(t, AbsTime(0), c.Now())

	c.Run(5 * time.Second)
	require.Equal(t, AbsTime(5*time.Second), c.Now())

	c.Run(250 * time.Millisecond)
	require.Equal(t, AbsTime(5*time.Second+250*time.Millisecond), c.Now())
}

func TestSimulatedSleepUnblocksAtDeadline(t *testing.T) {
	var c Simulated
	done := make(chan AbsTime, 1)

	go func() {
		c.Sleep(3 * time.Second)
		done <- c.Now()
	}()

	// advance in increments below the deadline; Sleep must not return yet
	c.Run(1 * time.Second)
	c.Run(1 * time.Second)
	select {
	case <-done:
		t.Fatal("Sleep returned before its deadline")
	case <-time.After(50 * time.Millisecond):
	}

	c.Run(2 * time.Second)
	select {
	case now := <-done:
		require.GreaterOrEqual(t, now, AbsTime(3*time.Second))
	case <-time.After(time.Second):
		t.Fatal("Sleep did not return after its deadline elapsed")
	}
}
