package store

import (
	"context"
	"errors"
	"sync"
)

type seat struct {
	connected bool
	ready     bool
}

// MemoryStore is an in-process RoomStore for tests and local runs.
type MemoryStore struct {
	mu    sync.Mutex
	rooms map[string]*RoomInfo
	seats map[string]map[string]*seat

	// FailWrites makes every mutation fail, for exercising the
	// store-error escalation path.
	FailWrites bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms: make(map[string]*RoomInfo),
		seats: make(map[string]map[string]*seat),
	}
}

// PutRoom seeds a room record.
func (s *MemoryStore) PutRoom(roomID string, info RoomInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := info
	s.rooms[roomID] = &cp
}

// DeleteRoom removes a room record, simulating a room that no longer exists.
func (s *MemoryStore) DeleteRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
	delete(s.seats, roomID)
}

func (s *MemoryStore) RoomStatus(ctx context.Context, roomID string) (RoomInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return RoomInfo{}, ErrRoomNotFound
	}
	info := *room
	n := 0
	for _, st := range s.seats[roomID] {
		if st.connected {
			n++
		}
	}
	info.PlayerCount = n
	return info, nil
}

func (s *MemoryStore) seatFor(roomID, userID string) *seat {
	if s.seats[roomID] == nil {
		s.seats[roomID] = make(map[string]*seat)
	}
	if s.seats[roomID][userID] == nil {
		s.seats[roomID][userID] = &seat{}
	}
	return s.seats[roomID][userID]
}

func (s *MemoryStore) SetPlayerConnected(ctx context.Context, roomID, userID string, connected bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return errors.New("store unavailable")
	}
	s.seatFor(roomID, userID).connected = connected
	return nil
}

func (s *MemoryStore) SetPlayerReady(ctx context.Context, roomID, userID string, ready bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return errors.New("store unavailable")
	}
	s.seatFor(roomID, userID).ready = ready
	return nil
}

func (s *MemoryStore) SetRoomStatus(ctx context.Context, roomID string, status RoomState, ts Timestamps) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return errors.New("store unavailable")
	}
	room, ok := s.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	room.Status = status
	if ts.StartedAt != nil {
		room.StartedAt = ts.StartedAt
	}
	if ts.EndedAt != nil {
		room.EndedAt = ts.EndedAt
	}
	return nil
}

// PlayerReady reports the persisted ready flag, for test assertions.
func (s *MemoryStore) PlayerReady(roomID, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.seats[roomID][userID]
	return st != nil && st.ready
}

// PlayerConnected reports the persisted connected flag.
func (s *MemoryStore) PlayerConnected(roomID, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.seats[roomID][userID]
	return st != nil && st.connected
}
