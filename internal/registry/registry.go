// Package registry holds the per-room channel handles and the typed event
// bus the rest of the connection layer publishes through. It never touches
// the network or timers itself.
package registry

import (
	"sync"

	"go.uber.org/zap"

	"github.com/anteup/roomlink/internal/transport"
)

// Listener receives every emitted event of the kind it registered for.
type Listener func(roomID string, evt Event)

// Subscription identifies one registered listener so it can be removed.
type Subscription struct {
	kind EventKind
	id   int
}

type Registry struct {
	log *zap.Logger

	mu        sync.RWMutex
	channels  map[string]transport.Channel
	listeners map[EventKind]map[int]Listener
	nextID    int
}

func New(log *zap.Logger) *Registry {
	return &Registry{
		log:       log,
		channels:  make(map[string]transport.Channel),
		listeners: make(map[EventKind]map[int]Listener),
	}
}

func (r *Registry) RegisterChannel(roomID string, ch transport.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[roomID] = ch
}

func (r *Registry) GetChannel(roomID string) transport.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channels[roomID]
}

func (r *Registry) RemoveChannel(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, roomID)
}

func (r *Registry) On(kind EventKind, fn Listener) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	if r.listeners[kind] == nil {
		r.listeners[kind] = make(map[int]Listener)
	}
	r.listeners[kind][r.nextID] = fn
	return Subscription{kind: kind, id: r.nextID}
}

func (r *Registry) Off(sub Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fns := r.listeners[sub.kind]; fns != nil {
		delete(fns, sub.id)
	}
}

// Emit fans evt out to every listener registered for its kind. A panicking
// listener is logged and skipped; the others still run.
func (r *Registry) Emit(roomID string, evt Event) {
	r.mu.RLock()
	fns := make([]Listener, 0, len(r.listeners[evt.Kind()]))
	for _, fn := range r.listeners[evt.Kind()] {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()

	for _, fn := range fns {
		r.dispatch(roomID, evt, fn)
	}
}

func (r *Registry) dispatch(roomID string, evt Event, fn Listener) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("event listener panicked",
				zap.String("event", string(evt.Kind())),
				zap.String("room_id", roomID),
				zap.Any("panic", rec))
		}
	}()
	fn(roomID, evt)
}
