package transport

import (
	"context"
	"encoding/json"

	"github.com/anteup/roomlink/pkg/types"
)

// Status values reported by a channel subscription, mirroring what the
// managed realtime service reports on its status callback.
type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusClosed       Status = "CLOSED"
	StatusChannelError Status = "CHANNEL_ERROR"
)

// PresenceState is the full presence snapshot for a topic: track key (we key
// by user id) to the metas tracked under that key. Multiple metas per key can
// occur transiently while a re-track is replacing an older record; the newest
// one wins.
type PresenceState map[string][]types.PresenceMeta

// PresenceDiff describes a single join or leave on a topic.
type PresenceDiff struct {
	Key       string
	Presences []types.PresenceMeta
}

// StatusFunc receives subscription status transitions. err is non-nil only
// for StatusChannelError, carrying whatever the transport knows about the
// failure.
type StatusFunc func(status Status, err error)

// Channel is one topic-scoped pub/sub attachment. Handlers must be
// registered before Subscribe; the channel owner (the orchestrator) is the
// only caller of Subscribe/Unsubscribe.
type Channel interface {
	Subscribe(ctx context.Context, onStatus StatusFunc) error
	Unsubscribe(ctx context.Context) error

	Track(ctx context.Context, meta types.PresenceMeta) error
	Untrack(ctx context.Context) error

	OnPresenceSync(fn func(state PresenceState))
	OnPresenceJoin(fn func(diff PresenceDiff))
	OnPresenceLeave(fn func(diff PresenceDiff))
	OnBroadcast(event string, fn func(payload json.RawMessage))

	// Send broadcasts an event to every subscriber of the topic, including
	// this client.
	Send(ctx context.Context, event string, payload any) error
}

// Transport hands out channels keyed by room id. Each call returns a fresh
// channel handle; reusing a handle across subscribe cycles is not supported.
type Transport interface {
	Channel(roomID string) Channel
}
