package reconnect

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDelayFor_ShapeAndCap(t *testing.T) {
	p := NewPolicy(DefaultCeiling, zap.NewNop())

	require.Equal(t, 300*time.Millisecond, p.delayFor(1))
	require.Equal(t, 450*time.Millisecond, p.delayFor(2))
	require.Equal(t, 675*time.Millisecond, p.delayFor(3))
	// base switches to 1s from the fourth attempt
	require.Equal(t, 3375*time.Millisecond, p.delayFor(4))
	require.Equal(t, 15*time.Second, p.delayFor(8)) // capped

	prev := time.Duration(0)
	for attempt := 1; attempt <= 15; attempt++ {
		d := p.delayFor(attempt)
		require.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		require.LessOrEqual(t, d, 15*time.Second, "attempt %d", attempt)
		prev = d
	}
}

func TestOnDisconnect_CeilingStopsScheduling(t *testing.T) {
	p := NewPolicy(2, zap.NewNop())
	defer p.CancelAll()

	noop := func(roomID, userID string) {}
	require.True(t, p.OnDisconnect("R1", "alice", noop))
	require.True(t, p.OnDisconnect("R1", "alice", noop))
	require.False(t, p.OnDisconnect("R1", "alice", noop))
	require.Equal(t, 2, p.Attempts("R1"), "rejected call must not count an attempt")
}

func TestOnDisconnect_SinglePendingTimer(t *testing.T) {
	p := NewPolicy(DefaultCeiling, zap.NewNop())
	defer p.CancelAll()

	var fired atomic.Int32
	retry := func(roomID, userID string) { fired.Add(1) }

	// two calls in quick succession: the second replaces the first timer
	require.True(t, p.OnDisconnect("R1", "alice", retry))
	require.True(t, p.OnDisconnect("R1", "alice", retry))
	require.Equal(t, 2, p.Attempts("R1"))

	time.Sleep(700 * time.Millisecond) // past both 300ms and 450ms delays
	require.Equal(t, int32(1), fired.Load())
	require.False(t, p.Pending("R1"))
}

func TestReset_ZeroesCounterAndCancelsTimer(t *testing.T) {
	p := NewPolicy(DefaultCeiling, zap.NewNop())

	var fired atomic.Int32
	require.True(t, p.OnDisconnect("R1", "alice", func(string, string) { fired.Add(1) }))
	p.Reset("R1")

	require.Equal(t, 0, p.Attempts("R1"))
	require.False(t, p.Pending("R1"))

	time.Sleep(500 * time.Millisecond)
	require.Equal(t, int32(0), fired.Load())
}

func TestCancel_KeepsCounter(t *testing.T) {
	p := NewPolicy(DefaultCeiling, zap.NewNop())

	var fired atomic.Int32
	require.True(t, p.OnDisconnect("R1", "alice", func(string, string) { fired.Add(1) }))
	p.Cancel("R1")

	require.Equal(t, 1, p.Attempts("R1"))
	require.False(t, p.Pending("R1"))

	time.Sleep(500 * time.Millisecond)
	require.Equal(t, int32(0), fired.Load())
}

func TestRetry_FiresWithRoomAndUser(t *testing.T) {
	p := NewPolicy(DefaultCeiling, zap.NewNop())

	type call struct{ room, user string }
	got := make(chan call, 1)
	require.True(t, p.OnDisconnect("R7", "bob", func(roomID, userID string) {
		got <- call{roomID, userID}
	}))

	select {
	case c := <-got:
		require.Equal(t, call{"R7", "bob"}, c)
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for retry")
	}
}
