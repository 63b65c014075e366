package heartbeat

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/anteup/roomlink/pkg/types"
)

// testClock is a hand-cranked time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestIsHealthy_TrueAfterStart_FalseWhenStale(t *testing.T) {
	clock := &testClock{now: time.Now()}
	m := NewMonitor(15*time.Second, zap.NewNop())
	m.SetClock(clock.Now)

	m.Start("R1", func(types.HeartbeatPayload) error { return nil })
	defer m.Stop("R1")

	if !m.IsHealthy("R1") {
		t.Fatalf("expected healthy right after start")
	}

	// past one period but under two: still healthy
	clock.Advance(20 * time.Second)
	if !m.IsHealthy("R1") {
		t.Fatalf("expected healthy under 2x period")
	}

	clock.Advance(11 * time.Second) // 31s total, beyond 2*15s
	if m.IsHealthy("R1") {
		t.Fatalf("expected unhealthy beyond 2x period without a send")
	}
}

func TestFailedSend_MarksUnhealthyButKeepsTicking(t *testing.T) {
	m := NewMonitor(20*time.Millisecond, zap.NewNop())

	var mu sync.Mutex
	calls := 0
	m.Start("R1", func(types.HeartbeatPayload) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return errors.New("send failed")
	})
	defer m.Stop("R1")

	time.Sleep(80 * time.Millisecond)

	if m.IsHealthy("R1") {
		t.Fatalf("expected unhealthy after failed sends")
	}
	mu.Lock()
	n := calls
	mu.Unlock()
	if n < 2 {
		t.Fatalf("timer should keep firing after a failed send; got %d calls", n)
	}
}

func TestStart_Twice_IsNoop(t *testing.T) {
	m := NewMonitor(time.Hour, zap.NewNop())
	defer m.StopAll()

	var mu sync.Mutex
	calls := 0
	send := func(types.HeartbeatPayload) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return nil
	}

	m.Start("R1", send)
	m.Start("R1", send)

	mu.Lock()
	n := calls
	mu.Unlock()
	if n != 1 {
		t.Fatalf("double start must not double the immediate beat; got %d", n)
	}
}

func TestStop_DiscardsState(t *testing.T) {
	m := NewMonitor(time.Hour, zap.NewNop())
	m.Start("R1", func(types.HeartbeatPayload) error { return nil })
	m.Stop("R1")

	if m.IsHealthy("R1") {
		t.Fatalf("stopped room must read unhealthy")
	}
	if _, ok := m.RoomStats("R1"); ok {
		t.Fatalf("stopped room must have no stats")
	}
}

func TestRoomStats_CountsSends(t *testing.T) {
	m := NewMonitor(time.Hour, zap.NewNop())
	defer m.StopAll()

	m.Start("R1", func(types.HeartbeatPayload) error { return nil })
	stats, ok := m.RoomStats("R1")
	if !ok || stats.SentCount != 1 || !stats.LastSendOK {
		t.Fatalf("unexpected stats after immediate beat: %+v ok=%v", stats, ok)
	}
}
