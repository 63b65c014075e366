package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/anteup/roomlink/pkg/types"
)

var ErrNotSubscribed = errors.New("channel not subscribed")

// MemoryTransport is an in-process Transport. Every room topic runs as its
// own actor goroutine; subscribers get deliveries through a buffered outbox
// drained by a per-channel dispatch goroutine, so a handler that calls back
// into the transport cannot deadlock the room loop.
//
// Used by tests and by single-process deployments that do not need the
// managed realtime service.
type MemoryTransport struct {
	mu    sync.Mutex
	rooms map[string]*memRoom
	ctx   context.Context
	stop  context.CancelFunc
}

func NewMemoryTransport() *MemoryTransport {
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryTransport{
		rooms: make(map[string]*memRoom),
		ctx:   ctx,
		stop:  cancel,
	}
}

func (t *MemoryTransport) Channel(roomID string) Channel {
	return &MemoryChannel{
		id:     uuid.NewString(),
		topic:  roomID,
		t:      t,
		bcast:  make(map[string][]func(json.RawMessage)),
		outbox: make(chan delivery, 256),
	}
}

// Drop simulates a transport-side failure of a room topic: every subscriber
// receives the given status and the room forgets them.
func (t *MemoryTransport) Drop(roomID string, status Status) {
	t.mu.Lock()
	room := t.rooms[roomID]
	t.mu.Unlock()
	if room != nil {
		room.inbox <- dropAll{status: status}
	}
}

func (t *MemoryTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, room := range t.rooms {
		room.inbox <- dropAll{status: StatusClosed}
		delete(t.rooms, id)
	}
	t.stop()
}

func (t *MemoryTransport) ensureRoom(topic string) *memRoom {
	t.mu.Lock()
	defer t.mu.Unlock()
	if room := t.rooms[topic]; room != nil {
		return room
	}
	room := newMemRoom(t.ctx, topic)
	t.rooms[topic] = room
	return room
}

// room actor messages

type roomMsg interface{ isRoomMsg() }

type joinRoom struct {
	ch *MemoryChannel
}

type leaveRoom struct {
	id    string
	reply chan struct{}
}

type trackPresence struct {
	id    string
	key   string
	meta  types.PresenceMeta
	reply chan error
}

type untrackPresence struct {
	id    string
	key   string
	reply chan error
}

type broadcastMsg struct {
	event   string
	payload json.RawMessage
	reply   chan error
}

type dropAll struct {
	status Status
}

func (joinRoom) isRoomMsg()        {}
func (leaveRoom) isRoomMsg()       {}
func (trackPresence) isRoomMsg()   {}
func (untrackPresence) isRoomMsg() {}
func (broadcastMsg) isRoomMsg()    {}
func (dropAll) isRoomMsg()         {}

type memRoom struct {
	topic    string
	inbox    chan roomMsg
	subs     map[string]*MemoryChannel
	presence map[string][]types.PresenceMeta
	ctx      context.Context
	cancel   context.CancelFunc
}

func newMemRoom(parent context.Context, topic string) *memRoom {
	ctx, cancel := context.WithCancel(parent)
	r := &memRoom{
		topic:    topic,
		inbox:    make(chan roomMsg, 64),
		subs:     make(map[string]*MemoryChannel),
		presence: make(map[string][]types.PresenceMeta),
		ctx:      ctx,
		cancel:   cancel,
	}
	go r.loop()
	return r
}

func (r *memRoom) loop() {
	for {
		select {
		case <-r.ctx.Done():
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case joinRoom:
				r.subs[msg.ch.id] = msg.ch
				msg.ch.push(delivery{status: StatusSubscribed, hasStatus: true})
				// the new subscriber sees the current presence set right away
				msg.ch.push(delivery{sync: r.snapshot()})

			case leaveRoom:
				r.drop(msg.id)
				msg.reply <- struct{}{}

			case trackPresence:
				r.presence[msg.key] = []types.PresenceMeta{msg.meta}
				diff := PresenceDiff{Key: msg.key, Presences: []types.PresenceMeta{msg.meta}}
				for _, ch := range r.subs {
					ch.push(delivery{join: &diff})
					ch.push(delivery{sync: r.snapshot()})
				}
				msg.reply <- nil

			case untrackPresence:
				prev := r.presence[msg.key]
				delete(r.presence, msg.key)
				diff := PresenceDiff{Key: msg.key, Presences: prev}
				for _, ch := range r.subs {
					ch.push(delivery{leave: &diff})
					ch.push(delivery{sync: r.snapshot()})
				}
				msg.reply <- nil

			case broadcastMsg:
				// delivered to every subscriber, sender included
				for _, ch := range r.subs {
					ch.push(delivery{event: msg.event, payload: msg.payload})
				}
				msg.reply <- nil

			case dropAll:
				for id, ch := range r.subs {
					ch.push(delivery{status: msg.status, hasStatus: true})
					ch.push(delivery{done: true})
					delete(r.subs, id)
				}
				clear(r.presence)
			}
		}
	}
}

func (r *memRoom) drop(id string) {
	ch := r.subs[id]
	if ch == nil {
		return
	}
	delete(r.subs, id)
	ch.push(delivery{done: true})
	if ch.trackKey != "" {
		prev := r.presence[ch.trackKey]
		if prev != nil {
			delete(r.presence, ch.trackKey)
			diff := PresenceDiff{Key: ch.trackKey, Presences: prev}
			for _, rest := range r.subs {
				rest.push(delivery{leave: &diff})
				rest.push(delivery{sync: r.snapshot()})
			}
		}
	}
}

func (r *memRoom) snapshot() PresenceState {
	state := make(PresenceState, len(r.presence))
	for k, metas := range r.presence {
		cp := make([]types.PresenceMeta, len(metas))
		copy(cp, metas)
		state[k] = cp
	}
	return state
}

// delivery is one item on a channel's outbox.
type delivery struct {
	hasStatus bool
	status    Status
	sync      PresenceState
	join      *PresenceDiff
	leave     *PresenceDiff
	event     string
	payload   json.RawMessage
	done      bool
}

// MemoryChannel is one subscriber handle on a memory room.
type MemoryChannel struct {
	id    string
	topic string
	t     *MemoryTransport

	mu       sync.Mutex
	room     *memRoom
	onStatus StatusFunc
	syncFns  []func(PresenceState)
	joinFns  []func(PresenceDiff)
	leaveFns []func(PresenceDiff)
	bcast    map[string][]func(json.RawMessage)

	trackKey string // written before join, read only by the room loop

	outbox chan delivery
	once   sync.Once
}

func (c *MemoryChannel) Subscribe(ctx context.Context, onStatus StatusFunc) error {
	c.mu.Lock()
	if c.room != nil {
		c.mu.Unlock()
		return errors.New("channel already subscribed")
	}
	room := c.t.ensureRoom(c.topic)
	c.room = room
	c.onStatus = onStatus
	c.mu.Unlock()

	c.once.Do(func() { go c.dispatch() })
	room.inbox <- joinRoom{ch: c}
	return nil
}

func (c *MemoryChannel) Unsubscribe(ctx context.Context) error {
	c.mu.Lock()
	room := c.room
	c.room = nil
	c.mu.Unlock()
	if room == nil {
		return nil
	}
	reply := make(chan struct{}, 1)
	room.inbox <- leaveRoom{id: c.id, reply: reply}
	select {
	case <-reply:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (c *MemoryChannel) Track(ctx context.Context, meta types.PresenceMeta) error {
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	if room == nil {
		return ErrNotSubscribed
	}
	c.trackKey = meta.UserID
	reply := make(chan error, 1)
	room.inbox <- trackPresence{id: c.id, key: meta.UserID, meta: meta, reply: reply}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *MemoryChannel) Untrack(ctx context.Context) error {
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	if room == nil || c.trackKey == "" {
		return nil
	}
	reply := make(chan error, 1)
	room.inbox <- untrackPresence{id: c.id, key: c.trackKey, reply: reply}
	c.trackKey = ""
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *MemoryChannel) OnPresenceSync(fn func(PresenceState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncFns = append(c.syncFns, fn)
}

func (c *MemoryChannel) OnPresenceJoin(fn func(PresenceDiff)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joinFns = append(c.joinFns, fn)
}

func (c *MemoryChannel) OnPresenceLeave(fn func(PresenceDiff)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaveFns = append(c.leaveFns, fn)
}

func (c *MemoryChannel) OnBroadcast(event string, fn func(json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bcast[event] = append(c.bcast[event], fn)
}

func (c *MemoryChannel) Send(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	if room == nil {
		return ErrNotSubscribed
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	reply := make(chan error, 1)
	room.inbox <- broadcastMsg{event: event, payload: raw, reply: reply}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *MemoryChannel) push(d delivery) {
	select {
	case c.outbox <- d:
	default:
		// subscriber hopelessly behind; matches the drop-slow-client policy
	}
}

func (c *MemoryChannel) dispatch() {
	for d := range c.outbox {
		if d.done {
			c.mu.Lock()
			c.room = nil
			c.mu.Unlock()
			return
		}
		c.mu.Lock()
		onStatus := c.onStatus
		syncFns := append([]func(PresenceState){}, c.syncFns...)
		joinFns := append([]func(PresenceDiff){}, c.joinFns...)
		leaveFns := append([]func(PresenceDiff){}, c.leaveFns...)
		var eventFns []func(json.RawMessage)
		if d.event != "" {
			eventFns = append(eventFns, c.bcast[d.event]...)
		}
		c.mu.Unlock()

		switch {
		case d.hasStatus:
			if onStatus != nil {
				var err error
				if d.status == StatusChannelError {
					err = errors.New("channel dropped")
				}
				onStatus(d.status, err)
			}
		case d.sync != nil:
			for _, fn := range syncFns {
				fn(d.sync)
			}
		case d.join != nil:
			for _, fn := range joinFns {
				fn(*d.join)
			}
		case d.leave != nil:
			for _, fn := range leaveFns {
				fn(*d.leave)
			}
		case d.event != "":
			for _, fn := range eventFns {
				fn(d.payload)
			}
		}
	}
}
