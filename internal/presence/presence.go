// Package presence owns the per-room presence set: what this client tracks
// about itself, and the parsed snapshot of everyone the channel reports.
// Readiness for auto-start is derived here, never stored.
package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anteup/roomlink/internal/registry"
	"github.com/anteup/roomlink/internal/transport"
	"github.com/anteup/roomlink/pkg/types"
)

type roomPresence struct {
	channel    transport.Channel
	subscribed bool
	pending    []types.PresenceMeta // tracks issued before subscribe, flushed once in order
	local      *types.PresenceMeta  // last record this client tracked
	state      map[string]types.PresenceMeta
}

type Coordinator struct {
	bus *registry.Registry
	log *zap.Logger

	mu    sync.Mutex
	rooms map[string]*roomPresence
}

func NewCoordinator(bus *registry.Registry, log *zap.Logger) *Coordinator {
	return &Coordinator{
		bus:   bus,
		log:   log,
		rooms: make(map[string]*roomPresence),
	}
}

func (c *Coordinator) room(roomID string) *roomPresence {
	if c.rooms[roomID] == nil {
		c.rooms[roomID] = &roomPresence{state: make(map[string]types.PresenceMeta)}
	}
	return c.rooms[roomID]
}

// Bind attaches a fresh channel handle for the room. The cached presence set
// and the local record survive a rebind, so a reconnect can re-track the
// same record.
func (c *Coordinator) Bind(roomID string, ch transport.Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rp := c.room(roomID)
	rp.channel = ch
	rp.subscribed = false
}

// Track pushes the record to the channel, or buffers it when the channel has
// not finished subscribing yet. Buffered records are flushed exactly once by
// MarkSubscribed, in submission order.
func (c *Coordinator) Track(ctx context.Context, roomID string, meta types.PresenceMeta) error {
	c.mu.Lock()
	rp := c.room(roomID)
	rp.local = &meta
	if !rp.subscribed || rp.channel == nil {
		rp.pending = append(rp.pending, meta)
		c.mu.Unlock()
		return nil
	}
	ch := rp.channel
	c.mu.Unlock()
	return ch.Track(ctx, meta)
}

// MarkSubscribed flips the room to subscribed and flushes the pending
// buffer in order. Returns how many buffered records went out so the caller
// can skip its default re-track when the flush already tracked one.
func (c *Coordinator) MarkSubscribed(ctx context.Context, roomID string) (int, error) {
	c.mu.Lock()
	rp := c.room(roomID)
	rp.subscribed = true
	ch := rp.channel
	pending := rp.pending
	rp.pending = nil
	c.mu.Unlock()

	if ch == nil {
		return 0, transport.ErrNotSubscribed
	}
	for i, meta := range pending {
		if err := ch.Track(ctx, meta); err != nil {
			return i, err
		}
	}
	return len(pending), nil
}

// HandleSync parses the channel's raw presence snapshot into one record per
// user and re-emits it as a presenceSync event. Duplicate metas under one
// key resolve to the newest online_at (last-write-wins on re-track).
func (c *Coordinator) HandleSync(roomID string, raw transport.PresenceState) {
	parsed := make(map[string]types.PresenceMeta, len(raw))
	for key, metas := range raw {
		if len(metas) == 0 {
			continue
		}
		best := metas[0]
		for _, m := range metas[1:] {
			if m.OnlineAt.After(best.OnlineAt) {
				best = m
			}
		}
		if best.UserID == "" {
			best.UserID = key
		}
		parsed[best.UserID] = best
	}

	c.mu.Lock()
	c.room(roomID).state = parsed
	c.mu.Unlock()

	c.bus.Emit(roomID, registry.PresenceSync{Presences: copyState(parsed)})
}

func (c *Coordinator) HandleJoin(roomID string, diff transport.PresenceDiff) {
	c.bus.Emit(roomID, registry.PlayerJoined{Key: diff.Key, Presences: diff.Presences})
}

func (c *Coordinator) HandleLeave(roomID string, diff transport.PresenceDiff) {
	c.bus.Emit(roomID, registry.PlayerLeft{Key: diff.Key, Presences: diff.Presences})
}

// DeriveReadiness is the auto-start gate: every present player is ready AND
// the room is full. All-ready on a partial set must not count.
func (c *Coordinator) DeriveReadiness(roomID string, expectedCount int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	rp, ok := c.rooms[roomID]
	if !ok || expectedCount <= 0 || len(rp.state) != expectedCount {
		return false
	}
	for _, meta := range rp.state {
		if !meta.IsReady {
			return false
		}
	}
	return true
}

// SetReady updates the local record optimistically and re-tracks it. The
// cached set reflects the change immediately, before the channel confirms.
func (c *Coordinator) SetReady(ctx context.Context, roomID, userID string, ready bool) error {
	c.mu.Lock()
	rp := c.room(roomID)
	meta := types.PresenceMeta{UserID: userID, OnlineAt: time.Now(), IsReady: ready}
	if rp.local != nil && rp.local.UserID == userID {
		meta.OnlineAt = rp.local.OnlineAt
	}
	meta.IsReady = ready
	rp.local = &meta
	rp.state[userID] = meta
	subscribed := rp.subscribed
	ch := rp.channel
	if !subscribed || ch == nil {
		rp.pending = append(rp.pending, meta)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return ch.Track(ctx, meta)
}

// LastTracked returns the record this client last tracked for the room.
func (c *Coordinator) LastTracked(roomID string) (types.PresenceMeta, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rp, ok := c.rooms[roomID]
	if !ok || rp.local == nil {
		return types.PresenceMeta{}, false
	}
	return *rp.local, true
}

// Snapshot copies the room's current presence set.
func (c *Coordinator) Snapshot(roomID string) map[string]types.PresenceMeta {
	c.mu.Lock()
	defer c.mu.Unlock()
	rp, ok := c.rooms[roomID]
	if !ok {
		return map[string]types.PresenceMeta{}
	}
	return copyState(rp.state)
}

// Drop forgets everything about the room. Called on explicit disconnect.
func (c *Coordinator) Drop(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, roomID)
}

func copyState(state map[string]types.PresenceMeta) map[string]types.PresenceMeta {
	cp := make(map[string]types.PresenceMeta, len(state))
	for k, v := range state {
		cp[k] = v
	}
	return cp
}
