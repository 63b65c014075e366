package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const playerFlagsTTL = 24 * time.Hour

type playerFlags struct {
	Connected bool `json:"connected"`
	Ready     bool `json:"ready"`
}

// RedisPlayerStore keeps the volatile connected/ready flags in a Redis hash
// per room (field = user id), where churn is high and rows would be wasted.
// Room records themselves stay in SQL; CompositeStore stitches the two.
type RedisPlayerStore struct {
	rdb *redis.Client
}

func NewRedisPlayerStore(rdb *redis.Client) *RedisPlayerStore {
	return &RedisPlayerStore{rdb: rdb}
}

func roomPlayersKey(roomID string) string {
	return "room:" + roomID + ":players"
}

func (s *RedisPlayerStore) setFlag(ctx context.Context, roomID, userID string, mut func(*playerFlags)) error {
	key := roomPlayersKey(roomID)
	var flags playerFlags
	raw, err := s.rdb.HGet(ctx, key, userID).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("load player flags %s/%s: %w", roomID, userID, err)
	}
	if err == nil {
		if uerr := json.Unmarshal([]byte(raw), &flags); uerr != nil {
			flags = playerFlags{} // corrupt entry, start over
		}
	}
	mut(&flags)
	data, err := json.Marshal(flags)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, userID, data)
	pipe.Expire(ctx, key, playerFlagsTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store player flags %s/%s: %w", roomID, userID, err)
	}
	return nil
}

func (s *RedisPlayerStore) SetPlayerConnected(ctx context.Context, roomID, userID string, connected bool) error {
	return s.setFlag(ctx, roomID, userID, func(f *playerFlags) { f.Connected = connected })
}

func (s *RedisPlayerStore) SetPlayerReady(ctx context.Context, roomID, userID string, ready bool) error {
	return s.setFlag(ctx, roomID, userID, func(f *playerFlags) { f.Ready = ready })
}

// ConnectedCount counts players currently flagged connected.
func (s *RedisPlayerStore) ConnectedCount(ctx context.Context, roomID string) (int, error) {
	all, err := s.rdb.HGetAll(ctx, roomPlayersKey(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("load players %s: %w", roomID, err)
	}
	n := 0
	for _, raw := range all {
		var flags playerFlags
		if json.Unmarshal([]byte(raw), &flags) == nil && flags.Connected {
			n++
		}
	}
	return n, nil
}

// CompositeStore reads room records from SQL and keeps player flags in
// Redis. Implements RoomStore.
type CompositeStore struct {
	rooms   *PostgresStore
	players *RedisPlayerStore
}

func NewCompositeStore(rooms *PostgresStore, players *RedisPlayerStore) *CompositeStore {
	return &CompositeStore{rooms: rooms, players: players}
}

func (s *CompositeStore) RoomStatus(ctx context.Context, roomID string) (RoomInfo, error) {
	info, err := s.rooms.RoomStatus(ctx, roomID)
	if err != nil {
		return RoomInfo{}, err
	}
	count, err := s.players.ConnectedCount(ctx, roomID)
	if err != nil {
		return RoomInfo{}, err
	}
	info.PlayerCount = count
	return info, nil
}

func (s *CompositeStore) SetPlayerConnected(ctx context.Context, roomID, userID string, connected bool) error {
	return s.players.SetPlayerConnected(ctx, roomID, userID, connected)
}

func (s *CompositeStore) SetPlayerReady(ctx context.Context, roomID, userID string, ready bool) error {
	return s.players.SetPlayerReady(ctx, roomID, userID, ready)
}

func (s *CompositeStore) SetRoomStatus(ctx context.Context, roomID string, status RoomState, ts Timestamps) error {
	return s.rooms.SetRoomStatus(ctx, roomID, status, ts)
}
