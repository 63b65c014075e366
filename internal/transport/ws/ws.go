// Package ws speaks a Phoenix-style realtime protocol to a managed channel
// service: every channel joins topic "room:<id>" on its own socket and
// exchanges {topic, event, payload, ref} frames for presence and broadcast.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anteup/roomlink/internal/transport"
	"github.com/anteup/roomlink/pkg/types"
)

const (
	evtJoin          = "phx_join"
	evtReply         = "phx_reply"
	evtClose         = "phx_close"
	evtError         = "phx_error"
	evtLeave         = "phx_leave"
	evtPresence      = "presence"
	evtPresenceState = "presence_state"
	evtPresenceDiff  = "presence_diff"
	evtBroadcast     = "broadcast"

	writeTimeout = 3 * time.Second
	joinTimeout  = 10 * time.Second
)

type frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

type presencePayload struct {
	Event string             `json:"event"` // "track" | "untrack"
	Meta  *types.PresenceMeta `json:"meta,omitempty"`
}

type broadcastPayload struct {
	Type    string          `json:"type"` // always "broadcast"
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type diffPayload struct {
	Joins  transport.PresenceState `json:"joins"`
	Leaves transport.PresenceState `json:"leaves"`
}

// Transport dials one websocket per channel. The URL points at the realtime
// endpoint, e.g. wss://host/realtime/v1/websocket.
type Transport struct {
	url string
	log *zap.Logger
}

func NewTransport(url string, log *zap.Logger) *Transport {
	return &Transport{url: url, log: log}
}

func (t *Transport) Channel(roomID string) transport.Channel {
	return &channel{
		topic:   "room:" + roomID,
		url:     t.url,
		log:     t.log.With(zap.String("topic", "room:"+roomID)),
		joinRef: uuid.NewString(),
		bcast:   make(map[string][]func(json.RawMessage)),
	}
}

type channel struct {
	topic   string
	url     string
	log     *zap.Logger
	joinRef string

	mu       sync.Mutex
	conn     *websocket.Conn
	cancel   context.CancelFunc
	onStatus transport.StatusFunc
	syncFns  []func(transport.PresenceState)
	joinFns  []func(transport.PresenceDiff)
	leaveFns []func(transport.PresenceDiff)
	bcast    map[string][]func(json.RawMessage)
	state    transport.PresenceState
	closed   bool
}

func (c *channel) Subscribe(ctx context.Context, onStatus transport.StatusFunc) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return errors.New("channel already subscribed")
	}
	c.onStatus = onStatus
	c.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial realtime: %w", err)
	}

	life, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.cancel = cancel
	c.state = make(transport.PresenceState)
	c.mu.Unlock()

	if err := c.write(ctx, frame{
		Topic:   c.topic,
		Event:   evtJoin,
		Payload: json.RawMessage(`{}`),
		Ref:     c.joinRef,
		JoinRef: c.joinRef,
	}); err != nil {
		cancel()
		_ = conn.Close(websocket.StatusInternalError, "join failed")
		return err
	}

	go c.readLoop(life, conn)
	return nil
}

func (c *channel) Unsubscribe(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	cancel := c.cancel
	c.closed = true
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	_ = c.writeConn(ctx, conn, frame{Topic: c.topic, Event: evtLeave, JoinRef: c.joinRef})
	cancel()
	return conn.Close(websocket.StatusNormalClosure, "bye")
}

func (c *channel) Track(ctx context.Context, meta types.PresenceMeta) error {
	payload, err := json.Marshal(presencePayload{Event: "track", Meta: &meta})
	if err != nil {
		return err
	}
	return c.write(ctx, frame{Topic: c.topic, Event: evtPresence, Payload: payload, JoinRef: c.joinRef})
}

func (c *channel) Untrack(ctx context.Context) error {
	payload, _ := json.Marshal(presencePayload{Event: "untrack"})
	return c.write(ctx, frame{Topic: c.topic, Event: evtPresence, Payload: payload, JoinRef: c.joinRef})
}

func (c *channel) OnPresenceSync(fn func(transport.PresenceState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncFns = append(c.syncFns, fn)
}

func (c *channel) OnPresenceJoin(fn func(transport.PresenceDiff)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joinFns = append(c.joinFns, fn)
}

func (c *channel) OnPresenceLeave(fn func(transport.PresenceDiff)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaveFns = append(c.leaveFns, fn)
}

func (c *channel) OnBroadcast(event string, fn func(json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bcast[event] = append(c.bcast[event], fn)
}

func (c *channel) Send(ctx context.Context, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	body, err := json.Marshal(broadcastPayload{Type: "broadcast", Event: event, Payload: raw})
	if err != nil {
		return err
	}
	return c.write(ctx, frame{Topic: c.topic, Event: evtBroadcast, Payload: body, JoinRef: c.joinRef})
}

func (c *channel) write(ctx context.Context, f frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return transport.ErrNotSubscribed
	}
	return c.writeConn(ctx, conn, f)
}

func (c *channel) writeConn(ctx context.Context, conn *websocket.Conn, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

func (c *channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	joined := false
	joinDeadline := time.Now().Add(joinTimeout)

	for {
		rctx := ctx
		cancel := context.CancelFunc(func() {})
		if !joined {
			rctx, cancel = context.WithDeadline(ctx, joinDeadline)
		}
		_, data, err := conn.Read(rctx)
		cancel()
		if err != nil {
			c.finish(err)
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn("bad frame from realtime", zap.Error(err))
			continue
		}
		if f.Topic != c.topic {
			continue
		}

		switch f.Event {
		case evtReply:
			if f.Ref == c.joinRef && !joined {
				joined = true
				c.notifyStatus(transport.StatusSubscribed, nil)
			}

		case evtPresenceState:
			var state transport.PresenceState
			if err := json.Unmarshal(f.Payload, &state); err != nil {
				c.log.Warn("bad presence_state", zap.Error(err))
				continue
			}
			c.mu.Lock()
			c.state = state
			c.mu.Unlock()
			c.fanSync(state)

		case evtPresenceDiff:
			var diff diffPayload
			if err := json.Unmarshal(f.Payload, &diff); err != nil {
				c.log.Warn("bad presence_diff", zap.Error(err))
				continue
			}
			c.applyDiff(diff)

		case evtBroadcast:
			var b broadcastPayload
			if err := json.Unmarshal(f.Payload, &b); err != nil {
				c.log.Warn("bad broadcast payload", zap.Error(err))
				continue
			}
			c.mu.Lock()
			fns := append([]func(json.RawMessage){}, c.bcast[b.Event]...)
			c.mu.Unlock()
			for _, fn := range fns {
				fn(b.Payload)
			}

		case evtError:
			c.finish(errors.New("channel errored"))
			return

		case evtClose:
			c.finish(nil)
			return
		}
	}
}

// applyDiff folds a presence diff into the cached state and fires
// join/leave handlers followed by a derived sync, matching the event order
// the browser client libraries produce.
func (c *channel) applyDiff(diff diffPayload) {
	c.mu.Lock()
	for key, metas := range diff.Joins {
		c.state[key] = metas
	}
	for key := range diff.Leaves {
		delete(c.state, key)
	}
	state := make(transport.PresenceState, len(c.state))
	for k, v := range c.state {
		state[k] = v
	}
	joinFns := append([]func(transport.PresenceDiff){}, c.joinFns...)
	leaveFns := append([]func(transport.PresenceDiff){}, c.leaveFns...)
	c.mu.Unlock()

	for key, metas := range diff.Joins {
		for _, fn := range joinFns {
			fn(transport.PresenceDiff{Key: key, Presences: metas})
		}
	}
	for key, metas := range diff.Leaves {
		for _, fn := range leaveFns {
			fn(transport.PresenceDiff{Key: key, Presences: metas})
		}
	}
	c.fanSync(state)
}

func (c *channel) fanSync(state transport.PresenceState) {
	c.mu.Lock()
	fns := append([]func(transport.PresenceState){}, c.syncFns...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(state)
	}
}

func (c *channel) notifyStatus(status transport.Status, err error) {
	c.mu.Lock()
	onStatus := c.onStatus
	c.mu.Unlock()
	if onStatus != nil {
		onStatus(status, err)
	}
}

// finish tears down after the read loop exits. A nil error is a clean
// server-side close; anything else surfaces as CHANNEL_ERROR unless the
// close was locally requested.
func (c *channel) finish(err error) {
	c.mu.Lock()
	closed := c.closed
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}
	if closed {
		return
	}

	switch {
	case err == nil:
		c.notifyStatus(transport.StatusClosed, nil)
	default:
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			c.notifyStatus(transport.StatusClosed, nil)
		default:
			c.notifyStatus(transport.StatusChannelError, err)
		}
	}
}
