// Package reconnect schedules retries after channel failures: fast
// sub-second attempts first, since most drops are momentary network blips,
// then exponential backoff capped so a long outage still retries every 15s.
package reconnect

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultCeiling   = 15
	DefaultBaseFast  = 300 * time.Millisecond
	DefaultBaseSlow  = 1000 * time.Millisecond
	DefaultMaxDelay  = 15 * time.Second
	fastAttemptCount = 3
)

// RetryFunc re-attempts the connection when the backoff timer fires.
type RetryFunc func(roomID, userID string)

type Policy struct {
	ceiling  int
	baseFast time.Duration
	baseSlow time.Duration
	maxDelay time.Duration
	log      *zap.Logger

	mu       sync.Mutex
	attempts map[string]int
	timers   map[string]*time.Timer
}

func NewPolicy(ceiling int, log *zap.Logger) *Policy {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	return &Policy{
		ceiling:  ceiling,
		baseFast: DefaultBaseFast,
		baseSlow: DefaultBaseSlow,
		maxDelay: DefaultMaxDelay,
		log:      log,
		attempts: make(map[string]int),
		timers:   make(map[string]*time.Timer),
	}
}

// OnDisconnect records one failed attempt and schedules retry after the
// backoff delay. Only one timer can be pending per room; a newer call
// replaces an older pending timer. Returns false when the ceiling is
// reached, in which case nothing is scheduled and the caller must treat the
// room as permanently disconnected.
func (p *Policy) OnDisconnect(roomID, userID string, retry RetryFunc) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.attempts[roomID] >= p.ceiling {
		p.log.Warn("reconnect ceiling reached",
			zap.String("room_id", roomID), zap.Int("attempts", p.attempts[roomID]))
		return false
	}
	p.attempts[roomID]++
	attempt := p.attempts[roomID]
	delay := p.delayFor(attempt)

	if t := p.timers[roomID]; t != nil {
		t.Stop()
	}
	p.timers[roomID] = time.AfterFunc(delay, func() {
		p.mu.Lock()
		delete(p.timers, roomID)
		p.mu.Unlock()
		retry(roomID, userID)
	})

	p.log.Info("reconnect scheduled",
		zap.String("room_id", roomID), zap.Int("attempt", attempt), zap.Duration("delay", delay))
	return true
}

// delayFor computes min(maxDelay, base * 1.5^(attempt-1)) with the fast base
// for the first three attempts.
func (p *Policy) delayFor(attempt int) time.Duration {
	base := p.baseFast
	if attempt > fastAttemptCount {
		base = p.baseSlow
	}
	d := time.Duration(float64(base) * math.Pow(1.5, float64(attempt-1)))
	if d > p.maxDelay {
		d = p.maxDelay
	}
	return d
}

// Reset zeroes the counter and cancels any pending timer. Called exactly
// once per successful subscription.
func (p *Policy) Reset(roomID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.attempts, roomID)
	if t := p.timers[roomID]; t != nil {
		t.Stop()
		delete(p.timers, roomID)
	}
}

// Cancel stops a pending timer without touching the counter. Called on an
// explicit disconnect so a stale retry cannot resurrect a closed room.
func (p *Policy) Cancel(roomID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t := p.timers[roomID]; t != nil {
		t.Stop()
		delete(p.timers, roomID)
	}
}

func (p *Policy) CancelAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
}

func (p *Policy) Attempts(roomID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts[roomID]
}

// Pending reports whether a retry timer is currently armed for the room.
func (p *Policy) Pending(roomID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timers[roomID] != nil
}
