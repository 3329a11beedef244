package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/umuteyi/movliqbot/internal/actor"
)

// roomLock is a one-slot semaphore plus the current claimant.
type roomLock struct {
	sem    chan struct{}
	holder string
	since  time.Time
}

// LockTable hands out one lock per room. Waiting for a held lock blocks
// until it is released or the caller's context ends.
type LockTable struct {
	clock actor.Clock

	mu    sync.Mutex
	locks map[int64]*roomLock
}

// NewLockTable returns an empty table.
func NewLockTable(clock actor.Clock) *LockTable {
	if clock == nil {
		clock = actor.RealClock{}
	}
	return &LockTable{clock: clock, locks: make(map[int64]*roomLock)}
}

func (t *LockTable) get(room int64) *roomLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[room]
	if !ok {
		l = &roomLock{sem: make(chan struct{}, 1)}
		t.locks[room] = l
	}
	return l
}

// Acquire blocks until agent holds room's lock. The returned release func
// is idempotent.
func (t *LockTable) Acquire(ctx context.Context, room int64, agent string) (func(), error) {
	l := t.get(room)

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	t.mu.Lock()
	l.holder = agent
	l.since = t.clock.Now()
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			l.holder = ""
			l.since = time.Time{}
			t.mu.Unlock()
			<-l.sem
		})
	}, nil
}

// Holder returns the agent holding room's lock and when it was acquired.
func (t *LockTable) Holder(room int64) (string, time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[room]
	if !ok || l.holder == "" {
		return "", time.Time{}, false
	}
	return l.holder, l.since, true
}
