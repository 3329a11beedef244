// Package coordinator decides which agents join which rooms. A cycle lists
// the open rooms, picks a random batch of eligible agents per room and joins
// them one at a time under the room's lock, honoring capacity, spacing and
// pacing. Cycles never overlap.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/umuteyi/movliqbot/internal/actor"
	"github.com/umuteyi/movliqbot/internal/api"
	"github.com/umuteyi/movliqbot/internal/rooms"
	"github.com/umuteyi/movliqbot/internal/session"
	"github.com/umuteyi/movliqbot/pkg/logger"
)

// ErrNoValidToken is returned by RunCycle when no agent can list rooms.
var ErrNoValidToken = errors.New("no agent with a valid token")

// Sessions is the part of the session store the coordinator uses.
type Sessions interface {
	Valid() []session.AgentSession
	AnyValid() (session.AgentSession, bool)
	Token(email string) (string, bool)
	RequestRefresh(email string)
}

// Directory lists open rooms.
type Directory interface {
	ListOpenRooms(ctx context.Context, token string) ([]rooms.Room, error)
}

// Joiner issues the join call. *api.Client implements it.
type Joiner interface {
	JoinRoom(ctx context.Context, token string, roomID int64) error
}

// Subscriber starts telemetry for an agent that joined a room.
type Subscriber interface {
	Subscribe(ctx context.Context, agent, token string, roomID int64) error
}

// Options tunes a Coordinator.
type Options struct {
	// BatchSize caps how many agents one cycle sends to one room.
	BatchSize int
	// MinSpacing is the minimum time between join attempts on one room.
	MinSpacing time.Duration
	// PacingDelay separates consecutive agents of a batch; the time the
	// previous attempt took counts towards it.
	PacingDelay time.Duration
	// MinRoomAge skips rooms younger than this; zero disables the gate.
	MinRoomAge time.Duration

	Clock actor.Clock
	// Rand drives agent selection; nil uses the global source.
	Rand *rand.Rand
}

// Coordinator owns the membership, lock and last-attempt tables.
type Coordinator struct {
	sessions   Sessions
	directory  Directory
	joiner     Joiner
	subscriber Subscriber

	batchSize  int
	minSpacing time.Duration
	pacing     time.Duration
	minAge     time.Duration
	clock      actor.Clock
	log        *logger.Logger

	randMu sync.Mutex
	rand   *rand.Rand

	members *Membership
	locks   *LockTable

	attemptMu   sync.Mutex
	lastAttempt map[int64]time.Time

	running atomic.Bool
}

// New returns a Coordinator.
func New(sessions Sessions, directory Directory, joiner Joiner, subscriber Subscriber, opts Options) *Coordinator {
	clock := opts.Clock
	if clock == nil {
		clock = actor.RealClock{}
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = 1
	}
	return &Coordinator{
		sessions:    sessions,
		directory:   directory,
		joiner:      joiner,
		subscriber:  subscriber,
		batchSize:   batch,
		minSpacing:  opts.MinSpacing,
		pacing:      opts.PacingDelay,
		minAge:      opts.MinRoomAge,
		clock:       clock,
		log:         logger.With("coordinator"),
		rand:        opts.Rand,
		members:     NewMembership(),
		locks:       NewLockTable(clock),
		lastAttempt: make(map[int64]time.Time),
	}
}

// RunCycle runs one join cycle. If a cycle is already running it returns
// immediately with ran=false. Per-room and per-agent failures are logged,
// not returned; the error reports only failures that prevented the cycle
// from listing rooms.
func (c *Coordinator) RunCycle(ctx context.Context) (ran bool, err error) {
	if !c.running.CompareAndSwap(false, true) {
		c.log.Infof("previous cycle still running, skipping")
		return false, nil
	}
	defer c.running.Store(false)

	id := uuid.NewString()[:8]
	log := c.log.With("cycle " + id)

	lister, ok := c.sessions.AnyValid()
	if !ok {
		return true, ErrNoValidToken
	}
	open, err := c.directory.ListOpenRooms(ctx, lister.Token)
	if err != nil {
		if errors.Is(err, api.ErrAuth) {
			c.sessions.RequestRefresh(lister.Email)
		}
		return true, err
	}
	log.Debugf("%d open room(s)", len(open))

	for _, room := range open {
		if err := ctx.Err(); err != nil {
			return true, err
		}
		c.fillRoom(ctx, log.With(fmt.Sprintf("room %d", room.ID)), room)
	}
	return true, nil
}

// Running reports whether a cycle is in progress.
func (c *Coordinator) Running() bool {
	return c.running.Load()
}

// Members returns the agents recorded in room.
func (c *Coordinator) Members(room int64) []string {
	return c.members.Members(room)
}

// IsMember reports whether agent is recorded in room.
func (c *Coordinator) IsMember(agent string, room int64) bool {
	return c.members.Has(agent, room)
}

// RoomsOf returns the rooms agent is recorded in.
func (c *Coordinator) RoomsOf(agent string) []int64 {
	return c.members.Rooms(agent)
}

// Holder returns the agent currently holding room's lock.
func (c *Coordinator) Holder(room int64) (string, bool) {
	agent, _, ok := c.locks.Holder(room)
	return agent, ok
}

func (c *Coordinator) fillRoom(ctx context.Context, log *logger.Logger, room rooms.Room) {
	if c.minAge > 0 {
		if age, ok := room.Age(c.clock.Now()); ok && age < c.minAge {
			log.Debugf("too young (%s < %s), skipping", age.Round(time.Second), c.minAge)
			return
		}
	}

	eligible := c.eligible(room.ID)
	remaining := room.Capacity - c.members.Count(room.ID)
	if remaining <= 0 || len(eligible) == 0 {
		return
	}
	quota := min(c.batchSize, len(eligible), remaining)
	picked := c.pick(eligible, quota)
	log.Infof("sending %d of %d eligible agent(s), %d seat(s) left", len(picked), len(eligible), remaining)

	for i, agent := range picked {
		start := c.clock.Now()
		joined, stop := c.attempt(ctx, log, room, &agent)
		if joined {
			if err := c.subscriber.Subscribe(ctx, agent.Email, agent.Token, room.ID); err != nil {
				log.Warnf("%s: telemetry subscribe failed: %v", agent.Email, err)
			}
		}
		if stop || ctx.Err() != nil {
			return
		}
		if i < len(picked)-1 {
			if err := c.clock.Sleep(ctx, c.pacing-c.clock.Now().Sub(start)); err != nil {
				return
			}
		}
	}
}

// eligible returns the agents with a valid token that are not members of
// room.
func (c *Coordinator) eligible(room int64) []session.AgentSession {
	valid := c.sessions.Valid()
	out := make([]session.AgentSession, 0, len(valid))
	for _, s := range valid {
		if !c.members.Has(s.Email, room) {
			out = append(out, s)
		}
	}
	return out
}

// pick selects k distinct agents uniformly at random with a partial
// Fisher-Yates shuffle. It reorders pool.
func (c *Coordinator) pick(pool []session.AgentSession, k int) []session.AgentSession {
	c.randMu.Lock()
	defer c.randMu.Unlock()
	for i := 0; i < k; i++ {
		j := i + c.intN(len(pool)-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	return pool[:k]
}

func (c *Coordinator) intN(n int) int {
	if c.rand == nil {
		return rand.IntN(n)
	}
	return c.rand.IntN(n)
}

// attempt runs one join under the room lock. joined is true when the agent
// is now recorded as a member; stop is true when the rest of the batch must
// be abandoned. agent.Token is updated to the token the join used.
func (c *Coordinator) attempt(ctx context.Context, log *logger.Logger, room rooms.Room, agent *session.AgentSession) (joined, stop bool) {
	release, err := c.locks.Acquire(ctx, room.ID, agent.Email)
	if err != nil {
		return false, true
	}
	defer release()

	if c.members.Count(room.ID) >= room.Capacity {
		log.Infof("full, stopping batch")
		return false, true
	}
	if c.members.Has(agent.Email, room.ID) {
		return false, false
	}
	if err := c.waitSpacing(ctx, room.ID); err != nil {
		return false, true
	}

	// A refresh may have landed while this agent waited its turn.
	token, ok := c.sessions.Token(agent.Email)
	if !ok {
		log.Debugf("%s: token no longer valid, skipping", agent.Email)
		return false, false
	}
	agent.Token = token

	err = c.joiner.JoinRoom(ctx, agent.Token, room.ID)
	switch {
	case err == nil:
		log.Infof("%s joined", agent.Email)
	case errors.Is(err, api.ErrAlreadyMember):
		log.Infof("%s already a member", agent.Email)
	case errors.Is(err, api.ErrAuth):
		log.Warnf("%s: token rejected, requesting refresh", agent.Email)
		c.sessions.RequestRefresh(agent.Email)
		return false, false
	case ctx.Err() != nil:
		return false, true
	case api.IsRetryable(err):
		log.Warnf("%s: join failed, retrying next cycle: %v", agent.Email, err)
		return false, false
	default:
		log.Warnf("%s: join rejected: %v", agent.Email, err)
		return false, false
	}

	c.members.Add(agent.Email, room.ID)
	return true, false
}

// waitSpacing sleeps until MinSpacing has passed since the previous attempt
// on room, then records this attempt. Callers hold the room lock.
func (c *Coordinator) waitSpacing(ctx context.Context, room int64) error {
	c.attemptMu.Lock()
	last := c.lastAttempt[room]
	c.attemptMu.Unlock()

	if !last.IsZero() {
		if err := c.clock.Sleep(ctx, c.minSpacing-c.clock.Now().Sub(last)); err != nil {
			return err
		}
	}

	c.attemptMu.Lock()
	c.lastAttempt[room] = c.clock.Now()
	c.attemptMu.Unlock()
	return nil
}
