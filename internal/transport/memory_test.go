package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/anteup/roomlink/pkg/types"
)

// helper: wait for one value with a timeout so tests never hang
func recv[T any](t *testing.T, ch <-chan T, within time.Duration) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(within):
		t.Fatalf("timed out waiting for value")
		var zero T
		return zero // unreachable
	}
}

func subscribeOK(t *testing.T, ch Channel) <-chan Status {
	t.Helper()
	statuses := make(chan Status, 4)
	if err := ch.Subscribe(context.Background(), func(s Status, err error) {
		statuses <- s
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if s := recv(t, statuses, time.Second); s != StatusSubscribed {
		t.Fatalf("want SUBSCRIBED, got %s", s)
	}
	return statuses
}

func TestMemoryTransport_PresenceFlow(t *testing.T) {
	tr := NewMemoryTransport()
	defer tr.Close()
	ctx := context.Background()

	a := tr.Channel("R1")
	b := tr.Channel("R1")

	joins := make(chan PresenceDiff, 4)
	syncs := make(chan PresenceState, 8)
	b.OnPresenceJoin(func(d PresenceDiff) { joins <- d })
	b.OnPresenceSync(func(s PresenceState) { syncs <- s })

	subscribeOK(t, a)
	subscribeOK(t, b)
	_ = recv(t, syncs, time.Second) // initial empty snapshot for b

	meta := types.PresenceMeta{UserID: "alice", OnlineAt: time.Now(), IsReady: true}
	if err := a.Track(ctx, meta); err != nil {
		t.Fatalf("track: %v", err)
	}

	join := recv(t, joins, time.Second)
	if join.Key != "alice" {
		t.Fatalf("want join for alice, got %q", join.Key)
	}
	state := recv(t, syncs, time.Second)
	if len(state["alice"]) != 1 || !state["alice"][0].IsReady {
		t.Fatalf("sync missing alice record: %+v", state)
	}

	leaves := make(chan PresenceDiff, 4)
	b.OnPresenceLeave(func(d PresenceDiff) { leaves <- d })
	if err := a.Untrack(ctx); err != nil {
		t.Fatalf("untrack: %v", err)
	}
	leave := recv(t, leaves, time.Second)
	if leave.Key != "alice" {
		t.Fatalf("want leave for alice, got %q", leave.Key)
	}
}

func TestMemoryTransport_BroadcastReachesAllIncludingSender(t *testing.T) {
	tr := NewMemoryTransport()
	defer tr.Close()
	ctx := context.Background()

	a := tr.Channel("R1")
	b := tr.Channel("R1")

	aGot := make(chan json.RawMessage, 1)
	bGot := make(chan json.RawMessage, 1)
	a.OnBroadcast("player_move", func(p json.RawMessage) { aGot <- p })
	b.OnBroadcast("player_move", func(p json.RawMessage) { bGot <- p })

	subscribeOK(t, a)
	subscribeOK(t, b)

	if err := a.Send(ctx, "player_move", map[string]int{"dice": 4}); err != nil {
		t.Fatalf("send: %v", err)
	}

	for _, got := range []<-chan json.RawMessage{aGot, bGot} {
		payload := recv(t, got, time.Second)
		var move map[string]int
		if err := json.Unmarshal(payload, &move); err != nil || move["dice"] != 4 {
			t.Fatalf("bad payload %s (err %v)", payload, err)
		}
	}
}

func TestMemoryTransport_DropDeliversErrorStatus(t *testing.T) {
	tr := NewMemoryTransport()
	defer tr.Close()

	a := tr.Channel("R1")
	statuses := subscribeOK(t, a)

	tr.Drop("R1", StatusChannelError)
	if s := recv(t, statuses, time.Second); s != StatusChannelError {
		t.Fatalf("want CHANNEL_ERROR, got %s", s)
	}

	// the handle goes dead once the drop drains through its dispatcher
	deadline := time.Now().Add(time.Second)
	for {
		if err := a.Send(context.Background(), "x", nil); err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected send on dropped channel to fail")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
