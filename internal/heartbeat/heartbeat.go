// Package heartbeat keeps a per-room liveness broadcast ticking and derives
// a health signal from it. A failed send never tears the connection down;
// it only flips the health signal consumed by diagnostics.
package heartbeat

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anteup/roomlink/pkg/types"
)

const DefaultPeriod = 15 * time.Second

// SendFunc pushes one heartbeat frame onto the room channel.
type SendFunc func(p types.HeartbeatPayload) error

// Stats is a read-only snapshot of a room's heartbeat state.
type Stats struct {
	SentCount  int
	LastSentAt time.Time
	LastSendOK bool
}

type state struct {
	stop       chan struct{}
	sentCount  int
	lastSentAt time.Time
	lastSendOK bool
}

type Monitor struct {
	period time.Duration
	now    func() time.Time
	log    *zap.Logger

	mu    sync.Mutex
	rooms map[string]*state
}

func NewMonitor(period time.Duration, log *zap.Logger) *Monitor {
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Monitor{
		period: period,
		now:    time.Now,
		log:    log,
		rooms:  make(map[string]*state),
	}
}

// SetClock swaps the time source; tests use it to age the last send.
func (m *Monitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Start begins the periodic broadcast for roomID. Starting an already
// started room is a no-op, so a double Connect cannot double the traffic.
// The first heartbeat goes out immediately.
func (m *Monitor) Start(roomID string, send SendFunc) {
	m.mu.Lock()
	if _, ok := m.rooms[roomID]; ok {
		m.mu.Unlock()
		return
	}
	st := &state{stop: make(chan struct{})}
	m.rooms[roomID] = st
	m.mu.Unlock()

	m.beat(roomID, st, send)

	go func() {
		ticker := time.NewTicker(m.period)
		defer ticker.Stop()
		for {
			select {
			case <-st.stop:
				return
			case <-ticker.C:
				m.beat(roomID, st, send)
			}
		}
	}()
}

func (m *Monitor) beat(roomID string, st *state, send SendFunc) {
	m.mu.Lock()
	now := m.now()
	m.mu.Unlock()

	err := send(types.HeartbeatPayload{Type: "heartbeat", Timestamp: now.UnixMilli()})

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rooms[roomID] != st {
		return // stopped while the send was in flight
	}
	st.sentCount++
	st.lastSentAt = now
	st.lastSendOK = err == nil
	if err != nil {
		m.log.Warn("heartbeat send failed", zap.String("room_id", roomID), zap.Error(err))
	}
}

func (m *Monitor) Stop(roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.rooms[roomID]; ok {
		close(st.stop)
		delete(m.rooms, roomID)
	}
}

func (m *Monitor) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, st := range m.rooms {
		close(st.stop)
		delete(m.rooms, id)
	}
}

// IsHealthy is true iff the last send succeeded and happened less than two
// periods ago. Unknown rooms are unhealthy.
func (m *Monitor) IsHealthy(roomID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.rooms[roomID]
	if !ok || st.sentCount == 0 {
		return false
	}
	return st.lastSendOK && m.now().Sub(st.lastSentAt) < 2*m.period
}

func (m *Monitor) RoomStats(roomID string) (Stats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.rooms[roomID]
	if !ok {
		return Stats{}, false
	}
	return Stats{SentCount: st.sentCount, LastSentAt: st.lastSentAt, LastSendOK: st.lastSendOK}, true
}
