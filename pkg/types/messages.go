package types

import (
	"encoding/json"
	"time"
)

// Wire event names carried in broadcast frames.
//
// game_start  -> GameStartPayload
// player_move -> opaque json.RawMessage (game logic owns the shape)
// game_over   -> GameOverPayload
// heartbeat   -> HeartbeatPayload (internal, never re-emitted upstream)
const (
	WireGameStart  = "game_start"
	WirePlayerMove = "player_move"
	WireGameOver   = "game_over"
	WireHeartbeat  = "heartbeat"
)

// PresenceMeta is the payload a client tracks on a room channel. One record
// per user per room; re-tracking replaces the previous record.
type PresenceMeta struct {
	UserID   string    `json:"user_id"`
	OnlineAt time.Time `json:"online_at"`
	IsReady  bool      `json:"is_ready"`
}

// RoomSnapshot is the room summary attached to game_start/game_over frames.
type RoomSnapshot struct {
	RoomID     string     `json:"room_id"`
	Status     string     `json:"status"`
	MaxPlayers int        `json:"max_players"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

type GameStartPayload struct {
	Room RoomSnapshot `json:"room"`
}

type GameOverPayload struct {
	Room    RoomSnapshot    `json:"room"`
	Results json.RawMessage `json:"results"`
}

type HeartbeatPayload struct {
	Type      string `json:"type"` // always "heartbeat"
	Timestamp int64  `json:"timestamp"`
}
