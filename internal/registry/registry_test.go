package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/anteup/roomlink/internal/transport"
)

func TestEmit_FansOutToAllListeners(t *testing.T) {
	r := New(zap.NewNop())

	var got []string
	r.On(EventGameStart, func(roomID string, evt Event) { got = append(got, "a:"+roomID) })
	r.On(EventGameStart, func(roomID string, evt Event) { got = append(got, "b:"+roomID) })
	r.On(EventGameOver, func(roomID string, evt Event) { got = append(got, "over") })

	r.Emit("R1", GameStart{})

	require.ElementsMatch(t, []string{"a:R1", "b:R1"}, got)
}

func TestEmit_PanickingListenerIsIsolated(t *testing.T) {
	r := New(zap.NewNop())

	var delivered []Event
	r.On(EventPlayerMove, func(roomID string, evt Event) { panic("boom") })
	r.On(EventPlayerMove, func(roomID string, evt Event) { delivered = append(delivered, evt) })

	move := PlayerMove{Data: []byte(`{"dice":6}`)}
	r.Emit("R1", move)

	require.Len(t, delivered, 1)
	require.Equal(t, move, delivered[0])

	// bus still works after the panic
	r.Emit("R1", move)
	require.Len(t, delivered, 2)
}

func TestOff_RemovesOnlyThatListener(t *testing.T) {
	r := New(zap.NewNop())

	var a, b int
	sub := r.On(EventPresenceSync, func(string, Event) { a++ })
	r.On(EventPresenceSync, func(string, Event) { b++ })

	r.Emit("R1", PresenceSync{})
	r.Off(sub)
	r.Emit("R1", PresenceSync{})

	require.Equal(t, 1, a)
	require.Equal(t, 2, b)
}

func TestChannelMap(t *testing.T) {
	r := New(zap.NewNop())
	tr := transport.NewMemoryTransport()
	defer tr.Close()

	require.Nil(t, r.GetChannel("R1"))

	ch := tr.Channel("R1")
	r.RegisterChannel("R1", ch)
	require.Equal(t, ch, r.GetChannel("R1"))
	require.Nil(t, r.GetChannel("R2"))

	r.RemoveChannel("R1")
	require.Nil(t, r.GetChannel("R1"))
}
