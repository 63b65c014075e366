package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Room is the gorm model backing a game room.
type Room struct {
	ID         string `gorm:"primaryKey"`
	GameType   string
	Status     string `gorm:"default:waiting"`
	MaxPlayers int
	StartedAt  *time.Time
	EndedAt    *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// RoomPlayer is one seat in a room.
type RoomPlayer struct {
	RoomID    string `gorm:"primaryKey"`
	UserID    string `gorm:"primaryKey"`
	Connected bool
	Ready     bool
	UpdatedAt time.Time
}

// PostgresStore persists rooms and seats in Postgres through gorm.
type PostgresStore struct {
	db *gorm.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Migrate creates the two tables. Called once at gateway boot.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&Room{}, &RoomPlayer{})
}

func (s *PostgresStore) RoomStatus(ctx context.Context, roomID string) (RoomInfo, error) {
	var room Room
	err := s.db.WithContext(ctx).First(&room, "id = ?", roomID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RoomInfo{}, ErrRoomNotFound
	}
	if err != nil {
		return RoomInfo{}, fmt.Errorf("load room %s: %w", roomID, err)
	}

	var count int64
	err = s.db.WithContext(ctx).Model(&RoomPlayer{}).
		Where("room_id = ? AND connected", roomID).Count(&count).Error
	if err != nil {
		return RoomInfo{}, fmt.Errorf("count players for %s: %w", roomID, err)
	}

	return RoomInfo{
		Status:      RoomState(room.Status),
		MaxPlayers:  room.MaxPlayers,
		PlayerCount: int(count),
		GameType:    room.GameType,
		StartedAt:   room.StartedAt,
		EndedAt:     room.EndedAt,
	}, nil
}

func (s *PostgresStore) SetPlayerConnected(ctx context.Context, roomID, userID string, connected bool) error {
	return s.upsertSeat(ctx, roomID, userID, map[string]any{"connected": connected})
}

func (s *PostgresStore) SetPlayerReady(ctx context.Context, roomID, userID string, ready bool) error {
	return s.upsertSeat(ctx, roomID, userID, map[string]any{"ready": ready})
}

func (s *PostgresStore) upsertSeat(ctx context.Context, roomID, userID string, cols map[string]any) error {
	tx := s.db.WithContext(ctx).Model(&RoomPlayer{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).Updates(cols)
	if tx.Error != nil {
		return fmt.Errorf("update seat %s/%s: %w", roomID, userID, tx.Error)
	}
	if tx.RowsAffected > 0 {
		return nil
	}
	seat := RoomPlayer{RoomID: roomID, UserID: userID}
	if v, ok := cols["connected"].(bool); ok {
		seat.Connected = v
	}
	if v, ok := cols["ready"].(bool); ok {
		seat.Ready = v
	}
	if err := s.db.WithContext(ctx).Create(&seat).Error; err != nil {
		return fmt.Errorf("insert seat %s/%s: %w", roomID, userID, err)
	}
	return nil
}

func (s *PostgresStore) SetRoomStatus(ctx context.Context, roomID string, status RoomState, ts Timestamps) error {
	cols := map[string]any{"status": string(status)}
	if ts.StartedAt != nil {
		cols["started_at"] = *ts.StartedAt
	}
	if ts.EndedAt != nil {
		cols["ended_at"] = *ts.EndedAt
	}
	tx := s.db.WithContext(ctx).Model(&Room{}).Where("id = ?", roomID).Updates(cols)
	if tx.Error != nil {
		return fmt.Errorf("update room %s: %w", roomID, tx.Error)
	}
	if tx.RowsAffected == 0 {
		return ErrRoomNotFound
	}
	return nil
}
