// Package store is the durable side of the connection layer: room records
// and per-player connected/ready flags. The realtime presence set is derived
// state; this is what survives a reload.
package store

import (
	"context"
	"errors"
	"time"
)

var ErrRoomNotFound = errors.New("store: room not found")

type RoomState string

const (
	RoomWaiting  RoomState = "waiting"
	RoomActive   RoomState = "active"
	RoomFinished RoomState = "finished"
)

// RoomInfo is what the orchestrator needs to gate transitions: whether the
// room is still waiting, and how many seats exist vs are filled.
type RoomInfo struct {
	Status      RoomState
	MaxPlayers  int
	PlayerCount int
	GameType    string
	StartedAt   *time.Time
	EndedAt     *time.Time
}

// Timestamps accompany a status transition; nil fields are left untouched.
type Timestamps struct {
	StartedAt *time.Time
	EndedAt   *time.Time
}

type RoomStore interface {
	RoomStatus(ctx context.Context, roomID string) (RoomInfo, error)
	SetPlayerConnected(ctx context.Context, roomID, userID string, connected bool) error
	SetPlayerReady(ctx context.Context, roomID, userID string, ready bool) error
	SetRoomStatus(ctx context.Context, roomID string, status RoomState, ts Timestamps) error
}
