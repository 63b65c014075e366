package registry

import (
	"encoding/json"

	"github.com/anteup/roomlink/pkg/types"
)

// EventKind names the high-level events the connection layer fans out to
// application subscribers.
type EventKind string

const (
	EventPresenceSync EventKind = "presenceSync"
	EventPlayerJoined EventKind = "playerJoined"
	EventPlayerLeft   EventKind = "playerLeft"
	EventGameStart    EventKind = "gameStart"
	EventPlayerMove   EventKind = "playerMove"
	EventGameOver     EventKind = "gameOver"
	EventDisconnected EventKind = "disconnected"
)

type Event interface{ Kind() EventKind }

// PresenceSync carries the parsed presence set, one record per user.
type PresenceSync struct {
	Presences map[string]types.PresenceMeta
}

type PlayerJoined struct {
	Key       string
	Presences []types.PresenceMeta
}

type PlayerLeft struct {
	Key       string
	Presences []types.PresenceMeta
}

type GameStart struct {
	Room types.RoomSnapshot
}

// PlayerMove stays opaque; interpreting it is the game engine's problem.
type PlayerMove struct {
	Data json.RawMessage
}

type GameOver struct {
	Room    types.RoomSnapshot
	Results json.RawMessage
}

// Disconnected is the terminal failure signal: the retry ceiling was
// exhausted and the room will not reconnect without an explicit Connect.
type Disconnected struct {
	Reason   string
	Attempts int
}

func (PresenceSync) Kind() EventKind { return EventPresenceSync }
func (PlayerJoined) Kind() EventKind { return EventPlayerJoined }
func (PlayerLeft) Kind() EventKind   { return EventPlayerLeft }
func (GameStart) Kind() EventKind    { return EventGameStart }
func (PlayerMove) Kind() EventKind   { return EventPlayerMove }
func (GameOver) Kind() EventKind     { return EventGameOver }
func (Disconnected) Kind() EventKind { return EventDisconnected }
