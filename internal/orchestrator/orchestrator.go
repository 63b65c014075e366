// Package orchestrator ties the connection layer together: it owns the
// per-room channel handles, runs the connect/reconnect state machine, and
// forwards high-level room events to application subscribers.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anteup/roomlink/internal/bookmark"
	"github.com/anteup/roomlink/internal/heartbeat"
	"github.com/anteup/roomlink/internal/presence"
	"github.com/anteup/roomlink/internal/reconnect"
	"github.com/anteup/roomlink/internal/registry"
	"github.com/anteup/roomlink/internal/store"
	"github.com/anteup/roomlink/internal/transport"
	"github.com/anteup/roomlink/pkg/types"
)

var ErrClosed = errors.New("orchestrator closed")

// State is the per-room connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// MoveSink receives every incoming player_move payload, in addition to the
// playerMove bus event. Injected instead of probing for a global game hook.
type MoveSink interface {
	OnMove(roomID string, move json.RawMessage)
}

// Options wires the orchestrator's collaborators. Transport and Store are
// required; everything else has a working default.
type Options struct {
	Transport transport.Transport
	Store     store.RoomStore
	Bookmark  *bookmark.Bookmark
	Visibility Visibility
	MoveSink  MoveSink

	// AuthUser reports the currently authenticated user; an empty string
	// means signed out. A bookmark for a different user is invalid.
	AuthUser func() string

	HeartbeatPeriod  time.Duration
	ReconnectCeiling int
	Logger           *zap.Logger
}

type roomConn struct {
	state      State
	userID     string
	gameType   string
	startFired bool
	terminal   bool
}

type Orchestrator struct {
	transport transport.Transport
	store     store.RoomStore
	bus       *registry.Registry
	presence  *presence.Coordinator
	heartbeat *heartbeat.Monitor
	policy    *reconnect.Policy
	bookmark  *bookmark.Bookmark
	vis       Visibility
	moveSink  MoveSink
	authUser  func() string
	log       *zap.Logger

	mu     sync.Mutex
	rooms  map[string]*roomConn
	closed bool
}

func New(opts Options) *Orchestrator {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	vis := opts.Visibility
	if vis == nil {
		vis = AlwaysVisible{}
	}
	bm := opts.Bookmark
	if bm == nil {
		bm = bookmark.New(&bookmark.MemoryMedium{}, log)
	}

	bus := registry.New(log)
	o := &Orchestrator{
		transport: opts.Transport,
		store:     opts.Store,
		bus:       bus,
		presence:  presence.NewCoordinator(bus, log),
		heartbeat: heartbeat.NewMonitor(opts.HeartbeatPeriod, log),
		policy:    reconnect.NewPolicy(opts.ReconnectCeiling, log),
		bookmark:  bm,
		vis:       vis,
		moveSink:  opts.MoveSink,
		authUser:  opts.AuthUser,
		log:       log,
		rooms:     make(map[string]*roomConn),
	}

	// auto-start rides on the presence sync stream
	bus.On(registry.EventPresenceSync, func(roomID string, _ registry.Event) {
		o.maybeAutoStart(roomID)
	})
	vis.OnVisible(o.resume)
	return o
}

// Events exposes the bus for application-level subscribers.
func (o *Orchestrator) Events() *registry.Registry { return o.bus }

// Presence exposes the coordinator for read access (status endpoints).
func (o *Orchestrator) Presence() *presence.Coordinator { return o.presence }

// Heartbeat exposes health stats for diagnostics.
func (o *Orchestrator) Heartbeat() *heartbeat.Monitor { return o.heartbeat }

// ReconnectAttempts reports the current retry count for a room.
func (o *Orchestrator) ReconnectAttempts(roomID string) int {
	return o.policy.Attempts(roomID)
}

// RoomState reports the connection state for a room.
func (o *Orchestrator) RoomState(roomID string) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	if rc := o.rooms[roomID]; rc != nil {
		return rc.state
	}
	return StateDisconnected
}

// Connect attaches this client to a room channel. Idempotent: connecting a
// room that is already Connecting or Connected does nothing. Connecting a
// room that failed terminally resets the attempt counter (manual retry).
func (o *Orchestrator) Connect(ctx context.Context, roomID, userID string) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	rc := o.rooms[roomID]
	if rc == nil {
		rc = &roomConn{state: StateDisconnected}
		o.rooms[roomID] = rc
	}
	switch rc.state {
	case StateConnecting, StateConnected:
		o.mu.Unlock()
		return nil
	}
	wasTerminal := rc.terminal
	rc.terminal = false
	rc.state = StateConnecting
	rc.userID = userID
	o.mu.Unlock()

	// a user-initiated connect supersedes any pending retry
	o.policy.Cancel(roomID)
	if wasTerminal {
		o.policy.Reset(roomID)
	}

	info, err := o.store.RoomStatus(ctx, roomID)
	if err != nil {
		o.setState(roomID, StateDisconnected)
		return fmt.Errorf("validate room %s: %w", roomID, err)
	}
	o.mu.Lock()
	rc.gameType = info.GameType
	o.mu.Unlock()

	ch := o.bus.GetChannel(roomID)
	if ch == nil {
		ch = o.transport.Channel(roomID)
		o.wireChannel(roomID, ch)
		o.bus.RegisterChannel(roomID, ch)
		o.presence.Bind(roomID, ch)
	}

	if err := ch.Subscribe(ctx, func(status transport.Status, cause error) {
		o.onStatus(roomID, status, cause)
	}); err != nil {
		o.log.Warn("subscribe failed", zap.String("room_id", roomID), zap.Error(err))
		o.onStatus(roomID, transport.StatusChannelError, err)
		return err
	}
	return nil
}

// Disconnect tears the room connection down deliberately: pending retry and
// heartbeat timers are cancelled synchronously before the store write, so a
// late write cannot resurrect them.
func (o *Orchestrator) Disconnect(ctx context.Context, roomID, userID string) error {
	o.mu.Lock()
	rc := o.rooms[roomID]
	delete(o.rooms, roomID)
	o.mu.Unlock()
	if rc == nil {
		return nil
	}

	o.policy.Cancel(roomID)
	o.heartbeat.Stop(roomID)

	ch := o.bus.GetChannel(roomID)
	o.bus.RemoveChannel(roomID)
	if ch != nil {
		if err := ch.Untrack(ctx); err != nil {
			o.log.Debug("untrack on disconnect", zap.String("room_id", roomID), zap.Error(err))
		}
		if err := ch.Unsubscribe(ctx); err != nil {
			o.log.Debug("unsubscribe on disconnect", zap.String("room_id", roomID), zap.Error(err))
		}
	}
	o.presence.Drop(roomID)
	o.bookmark.Clear()

	return o.store.SetPlayerConnected(ctx, roomID, userID, false)
}

// MarkReady flips this user's ready flag. The presence set updates
// optimistically; the durable write's error is returned but never rolls the
// local state back. A room that is not Connected ignores the call.
func (o *Orchestrator) MarkReady(ctx context.Context, roomID, userID string, ready bool) error {
	if !o.isConnected(roomID) {
		o.log.Warn("markReady ignored: room not connected", zap.String("room_id", roomID))
		return nil
	}
	if err := o.presence.SetReady(ctx, roomID, userID, ready); err != nil {
		o.log.Warn("presence re-track failed", zap.String("room_id", roomID), zap.Error(err))
	}
	return o.store.SetPlayerReady(ctx, roomID, userID, ready)
}

// StartGame transitions the room to active, stamps the start time and
// broadcasts game_start. Safe to call when the room already started; the
// second call is a no-op.
func (o *Orchestrator) StartGame(ctx context.Context, roomID string) error {
	o.mu.Lock()
	rc := o.rooms[roomID]
	if rc == nil || rc.state != StateConnected {
		o.mu.Unlock()
		o.log.Warn("startGame ignored: room not connected", zap.String("room_id", roomID))
		return nil
	}
	rc.startFired = true
	o.mu.Unlock()

	info, err := o.store.RoomStatus(ctx, roomID)
	if err != nil {
		return err
	}
	if info.Status != store.RoomWaiting {
		return nil // someone else already started it
	}

	now := time.Now()
	if err := o.store.SetRoomStatus(ctx, roomID, store.RoomActive, store.Timestamps{StartedAt: &now}); err != nil {
		return err
	}
	snap := types.RoomSnapshot{
		RoomID:     roomID,
		Status:     string(store.RoomActive),
		MaxPlayers: info.MaxPlayers,
		StartedAt:  &now,
	}
	ch := o.bus.GetChannel(roomID)
	if ch == nil {
		return nil
	}
	return ch.Send(ctx, types.WireGameStart, types.GameStartPayload{Room: snap})
}

// BroadcastMove fans an opaque move payload out to the room. Fire and
// forget: a send failure is logged, not returned.
func (o *Orchestrator) BroadcastMove(ctx context.Context, roomID string, move json.RawMessage) error {
	if !o.isConnected(roomID) {
		o.log.Warn("broadcastMove ignored: room not connected", zap.String("room_id", roomID))
		return nil
	}
	ch := o.bus.GetChannel(roomID)
	if ch == nil {
		return nil
	}
	if err := ch.Send(ctx, types.WirePlayerMove, move); err != nil {
		o.log.Warn("move broadcast failed", zap.String("room_id", roomID), zap.Error(err))
	}
	return nil
}

// EndGame transitions the room to finished, stamps the end time and
// broadcasts game_over with the results payload.
func (o *Orchestrator) EndGame(ctx context.Context, roomID string, results json.RawMessage) error {
	if !o.isConnected(roomID) {
		o.log.Warn("endGame ignored: room not connected", zap.String("room_id", roomID))
		return nil
	}
	now := time.Now()
	if err := o.store.SetRoomStatus(ctx, roomID, store.RoomFinished, store.Timestamps{EndedAt: &now}); err != nil {
		return err
	}
	info, err := o.store.RoomStatus(ctx, roomID)
	if err != nil {
		return err
	}
	snap := types.RoomSnapshot{
		RoomID:     roomID,
		Status:     string(store.RoomFinished),
		MaxPlayers: info.MaxPlayers,
		StartedAt:  info.StartedAt,
		EndedAt:    &now,
	}
	ch := o.bus.GetChannel(roomID)
	if ch == nil {
		return nil
	}
	return ch.Send(ctx, types.WireGameOver, types.GameOverPayload{Room: snap, Results: results})
}

// Close shuts the instance down: a best-effort bookmark save for the active
// room (the page-unload analogue), then all timers and channels go away.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	rooms := make(map[string]*roomConn, len(o.rooms))
	for id, rc := range o.rooms {
		rooms[id] = rc
	}
	clear(o.rooms)
	o.mu.Unlock()

	for roomID, rc := range rooms {
		if rc.state == StateConnected {
			o.bookmark.Save(roomID, rc.userID, rc.gameType)
		}
	}

	o.policy.CancelAll()
	o.heartbeat.StopAll()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for roomID := range rooms {
		if ch := o.bus.GetChannel(roomID); ch != nil {
			_ = ch.Unsubscribe(ctx)
		}
		o.bus.RemoveChannel(roomID)
	}
}

func (o *Orchestrator) isConnected(roomID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	rc := o.rooms[roomID]
	return rc != nil && rc.state == StateConnected
}

func (o *Orchestrator) setState(roomID string, s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if rc := o.rooms[roomID]; rc != nil {
		rc.state = s
	}
}

// wireChannel registers the broadcast and presence handlers on a fresh
// channel handle. Heartbeat frames are consumed by the transport peer and
// never re-emitted here.
func (o *Orchestrator) wireChannel(roomID string, ch transport.Channel) {
	ch.OnPresenceSync(func(state transport.PresenceState) {
		o.presence.HandleSync(roomID, state)
	})
	ch.OnPresenceJoin(func(diff transport.PresenceDiff) {
		o.presence.HandleJoin(roomID, diff)
	})
	ch.OnPresenceLeave(func(diff transport.PresenceDiff) {
		o.presence.HandleLeave(roomID, diff)
	})
	ch.OnBroadcast(types.WireGameStart, func(raw json.RawMessage) {
		var p types.GameStartPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			o.log.Warn("bad game_start payload", zap.String("room_id", roomID), zap.Error(err))
			return
		}
		o.bus.Emit(roomID, registry.GameStart{Room: p.Room})
	})
	ch.OnBroadcast(types.WirePlayerMove, func(raw json.RawMessage) {
		if o.moveSink != nil {
			o.moveSink.OnMove(roomID, raw)
		}
		o.bus.Emit(roomID, registry.PlayerMove{Data: raw})
	})
	ch.OnBroadcast(types.WireGameOver, func(raw json.RawMessage) {
		var p types.GameOverPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			o.log.Warn("bad game_over payload", zap.String("room_id", roomID), zap.Error(err))
			return
		}
		o.bus.Emit(roomID, registry.GameOver{Room: p.Room, Results: p.Results})
	})
}

func (o *Orchestrator) onStatus(roomID string, status transport.Status, cause error) {
	switch status {
	case transport.StatusSubscribed:
		o.onSubscribed(roomID)
	case transport.StatusClosed, transport.StatusChannelError:
		o.onChannelDown(roomID, status, cause)
	}
}

func (o *Orchestrator) onSubscribed(roomID string) {
	o.mu.Lock()
	rc := o.rooms[roomID]
	if rc == nil || rc.state == StateDisconnected {
		// raced an explicit disconnect; the channel is already gone
		o.mu.Unlock()
		return
	}
	rc.state = StateConnected
	userID := rc.userID
	gameType := rc.gameType
	o.mu.Unlock()

	o.policy.Reset(roomID)

	ch := o.bus.GetChannel(roomID)
	if ch == nil {
		return
	}
	o.heartbeat.Start(roomID, func(p types.HeartbeatPayload) error {
		hctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return ch.Send(hctx, types.WireHeartbeat, p)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	flushed, err := o.presence.MarkSubscribed(ctx, roomID)
	if err != nil {
		o.log.Warn("presence flush failed", zap.String("room_id", roomID), zap.Error(err))
	}
	if flushed == 0 {
		meta, ok := o.presence.LastTracked(roomID)
		if !ok {
			meta = types.PresenceMeta{UserID: userID}
		}
		meta.OnlineAt = time.Now()
		if err := o.presence.Track(ctx, roomID, meta); err != nil {
			o.log.Warn("presence track failed", zap.String("room_id", roomID), zap.Error(err))
		}
	}

	o.bookmark.Save(roomID, userID, gameType)

	if err := o.store.SetPlayerConnected(ctx, roomID, userID, true); err != nil {
		// persistence lags behind until the next successful write
		o.log.Warn("store connect write failed", zap.String("room_id", roomID), zap.Error(err))
	}

	o.log.Info("room connected", zap.String("room_id", roomID), zap.String("user_id", userID))
}

func (o *Orchestrator) onChannelDown(roomID string, status transport.Status, cause error) {
	o.mu.Lock()
	rc := o.rooms[roomID]
	if rc == nil || rc.state == StateDisconnected {
		o.mu.Unlock()
		return
	}
	userID := rc.userID

	if !o.vis.Visible() {
		// backgrounded surface: no retries; resume() reconnects on focus
		rc.state = StateDisconnected
		o.mu.Unlock()
		o.heartbeat.Stop(roomID)
		o.bus.RemoveChannel(roomID)
		o.log.Info("channel down while hidden, deferring to resume",
			zap.String("room_id", roomID), zap.String("status", string(status)))
		return
	}

	rc.state = StateReconnecting
	o.mu.Unlock()

	o.heartbeat.Stop(roomID)
	o.bus.RemoveChannel(roomID)
	o.log.Warn("channel down, scheduling reconnect",
		zap.String("room_id", roomID), zap.String("status", string(status)), zap.Error(cause))

	if !o.policy.OnDisconnect(roomID, userID, o.retry) {
		o.terminalDisconnect(roomID, userID)
	}
}

func (o *Orchestrator) terminalDisconnect(roomID, userID string) {
	attempts := o.policy.Attempts(roomID)
	o.mu.Lock()
	if rc := o.rooms[roomID]; rc != nil {
		rc.state = StateDisconnected
		rc.terminal = true
	}
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.SetPlayerConnected(ctx, roomID, userID, false); err != nil {
		o.log.Warn("store disconnect write failed", zap.String("room_id", roomID), zap.Error(err))
	}
	o.bus.Emit(roomID, registry.Disconnected{Reason: "reconnect attempts exhausted", Attempts: attempts})
}

// retry fires when a backoff timer elapses.
func (o *Orchestrator) retry(roomID, userID string) {
	o.mu.Lock()
	rc := o.rooms[roomID]
	if rc == nil || rc.state != StateReconnecting {
		// explicitly disconnected (or already reconnected) in the meantime
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := o.Connect(ctx, roomID, userID); err != nil {
		// a dial failure has already scheduled the next attempt through
		// onChannelDown; anything else (store read down) reschedules here
		if o.policy.Pending(roomID) {
			return
		}
		o.setState(roomID, StateReconnecting)
		if !o.policy.OnDisconnect(roomID, userID, o.retry) {
			o.terminalDisconnect(roomID, userID)
		}
	}
}

// maybeAutoStart runs on every presence sync: when every present player is
// ready and the room is full while still waiting, this client starts the
// game. The startFired guard keeps repeated syncs from starting it twice.
func (o *Orchestrator) maybeAutoStart(roomID string) {
	o.mu.Lock()
	rc := o.rooms[roomID]
	if rc == nil || rc.state != StateConnected || rc.startFired {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	info, err := o.store.RoomStatus(ctx, roomID)
	if err != nil {
		o.log.Warn("auto-start status check failed", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	if info.Status != store.RoomWaiting {
		return
	}
	if !o.presence.DeriveReadiness(roomID, info.MaxPlayers) {
		return
	}
	if err := o.StartGame(ctx, roomID); err != nil {
		o.log.Error("auto-start failed", zap.String("room_id", roomID), zap.Error(err))
	}
}

// resume runs when the surface becomes visible: if a bookmarked room has no
// live channel, reconnect exactly once. The bookmark only records intent;
// the room store stays authoritative.
func (o *Orchestrator) resume() {
	rec := o.bookmark.Load()
	if !rec.Valid() {
		return
	}
	if o.authUser != nil {
		if u := o.authUser(); u == "" || u != rec.UserID {
			o.bookmark.Clear()
			return
		}
	}
	if o.bus.GetChannel(rec.RoomID) != nil {
		return
	}
	o.mu.Lock()
	rc := o.rooms[rec.RoomID]
	if rc != nil && (rc.state == StateConnecting || rc.state == StateConnected) {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	info, err := o.store.RoomStatus(ctx, rec.RoomID)
	if err != nil || info.Status == store.RoomFinished {
		o.bookmark.Clear()
		return
	}
	if err := o.Connect(ctx, rec.RoomID, rec.UserID); err != nil {
		o.log.Warn("resume connect failed", zap.String("room_id", rec.RoomID), zap.Error(err))
	}
}
