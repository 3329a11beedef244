package coordinator

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/umuteyi/movliqbot/internal/actor"
	"github.com/umuteyi/movliqbot/internal/actor/actortest"
	"github.com/umuteyi/movliqbot/internal/api"
	"github.com/umuteyi/movliqbot/internal/rooms"
	"github.com/umuteyi/movliqbot/internal/session"
)

var t0 = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeSessions struct {
	mu        sync.Mutex
	agents    []session.AgentSession
	expired   map[string]bool
	refreshes []string
}

func newFakeSessions(n int) *fakeSessions {
	s := &fakeSessions{}
	for i := 1; i <= n; i++ {
		email := fmt.Sprintf("bot%d@example.com", i)
		s.agents = append(s.agents, session.AgentSession{Email: email, Token: "tok-" + email})
	}
	return s
}

func (s *fakeSessions) Valid() []session.AgentSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]session.AgentSession(nil), s.agents...)
}

func (s *fakeSessions) AnyValid() (session.AgentSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.agents) == 0 {
		return session.AgentSession{}, false
	}
	return s.agents[0], true
}

func (s *fakeSessions) Token(email string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired[email] {
		return "", false
	}
	for _, a := range s.agents {
		if a.Email == email {
			return a.Token, true
		}
	}
	return "", false
}

// rotate gives every agent a new token.
func (s *fakeSessions) rotate(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.agents {
		s.agents[i].Token = prefix + s.agents[i].Email
	}
}

func (s *fakeSessions) expire(email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired == nil {
		s.expired = make(map[string]bool)
	}
	s.expired[email] = true
}

func (s *fakeSessions) RequestRefresh(email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshes = append(s.refreshes, email)
}

type fakeDirectory struct {
	rooms []rooms.Room
	err   error
}

func (d *fakeDirectory) ListOpenRooms(context.Context, string) ([]rooms.Room, error) {
	return d.rooms, d.err
}

type joinCall struct {
	token string
	room  int64
	at    time.Time
}

// fakeJoiner records calls; respond decides the outcome per call.
type fakeJoiner struct {
	mu      sync.Mutex
	clock   actor.Clock
	calls   []joinCall
	respond func(token string, room int64) error
}

func (j *fakeJoiner) JoinRoom(_ context.Context, token string, room int64) error {
	j.mu.Lock()
	j.calls = append(j.calls, joinCall{token: token, room: room, at: j.clock.Now()})
	respond := j.respond
	j.mu.Unlock()
	if respond == nil {
		return nil
	}
	return respond(token, room)
}

func (j *fakeJoiner) Calls() []joinCall {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]joinCall(nil), j.calls...)
}

type subscription struct {
	agent string
	room  int64
}

type fakeSubscriber struct {
	mu     sync.Mutex
	subs   []subscription
	tokens []string
}

func (s *fakeSubscriber) Subscribe(_ context.Context, agent, token string, room int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, subscription{agent: agent, room: room})
	s.tokens = append(s.tokens, token)
	return nil
}

func (s *fakeSubscriber) Subs() []subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]subscription(nil), s.subs...)
}

type harness struct {
	clock *actortest.FakeClock
	sess  *fakeSessions
	dir   *fakeDirectory
	join  *fakeJoiner
	sub   *fakeSubscriber
	c     *Coordinator
}

func newHarness(t *testing.T, agents int, opts Options, roomList ...rooms.Room) *harness {
	t.Helper()
	h := &harness{
		clock: actortest.NewFakeClock(t0),
		sess:  newFakeSessions(agents),
		dir:   &fakeDirectory{rooms: roomList},
		sub:   &fakeSubscriber{},
	}
	h.join = &fakeJoiner{clock: h.clock}
	opts.Clock = h.clock
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(1, 2))
	}
	h.c = New(h.sess, h.dir, h.join, h.sub, opts)
	return h
}

func TestCapacitySixTenAgentsBatchSix(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10, Options{BatchSize: 6, PacingDelay: 5 * time.Second},
		rooms.Room{ID: 1, Capacity: 6})

	ran, err := h.c.RunCycle(context.Background())
	require.NoError(t, err)
	require.True(t, ran)

	members := h.c.Members(1)
	require.Len(t, members, 6)
	require.Len(t, h.join.Calls(), 6)
	require.Len(t, h.sub.Subs(), 6)
	require.Len(t, h.c.eligible(1), 4)

	// Pacing sleeps between agents, not after the last one.
	require.Equal(t, []time.Duration{
		5 * time.Second, 5 * time.Second, 5 * time.Second, 5 * time.Second, 5 * time.Second,
	}, h.clock.Sleeps())

	// The room is full: later cycles add nobody.
	for i := 0; i < 3; i++ {
		_, err := h.c.RunCycle(context.Background())
		require.NoError(t, err)
	}
	require.Len(t, h.c.Members(1), 6)
	require.Len(t, h.join.Calls(), 6)
}

func TestBatchSmallerThanCapacityFillsOverCycles(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10, Options{BatchSize: 3}, rooms.Room{ID: 1, Capacity: 8})

	for i := 0; i < 5; i++ {
		_, err := h.c.RunCycle(context.Background())
		require.NoError(t, err)
		require.LessOrEqual(t, len(h.c.Members(1)), 8)
	}
	require.Len(t, h.c.Members(1), 8)
	require.Len(t, h.join.Calls(), 8)
}

func TestAlreadyMemberIsSuccess(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, Options{BatchSize: 6}, rooms.Room{ID: 7, Capacity: 6})
	h.join.respond = func(string, int64) error {
		return fmt.Errorf("join room 7: %w", api.ErrAlreadyMember)
	}

	for i := 0; i < 3; i++ {
		ran, err := h.c.RunCycle(context.Background())
		require.NoError(t, err)
		require.True(t, ran)
	}

	require.Equal(t, []string{"bot1@example.com"}, h.c.Members(7))
	require.True(t, h.c.IsMember("BOT1@example.com", 7))
	require.Len(t, h.join.Calls(), 1)
	require.Equal(t, []subscription{{agent: "bot1@example.com", room: 7}}, h.sub.Subs())
}

func TestMembershipRecordedAtMostOnce(t *testing.T) {
	t.Parallel()

	rooms3 := []rooms.Room{{ID: 1, Capacity: 4}, {ID: 2, Capacity: 6}, {ID: 3, Capacity: 2}}
	h := newHarness(t, 7, Options{BatchSize: 3}, rooms3...)

	r := rand.New(rand.NewPCG(7, 7))
	var mu sync.Mutex
	member := map[string]bool{}
	h.join.respond = func(token string, room int64) error {
		mu.Lock()
		defer mu.Unlock()
		key := fmt.Sprintf("%s/%d", token, room)
		if member[key] {
			t.Errorf("join issued for existing member %s", key)
		}
		switch r.IntN(3) {
		case 0:
			return api.ErrTransient
		case 1:
			member[key] = true
			return fmt.Errorf("conflict: %w", api.ErrAlreadyMember)
		default:
			member[key] = true
			return nil
		}
	}

	for i := 0; i < 20; i++ {
		_, err := h.c.RunCycle(context.Background())
		require.NoError(t, err)
	}

	seen := map[subscription]int{}
	for _, s := range h.sub.Subs() {
		seen[s]++
	}
	for s, n := range seen {
		require.Equal(t, 1, n, "%v subscribed %d times", s, n)
	}
	for _, room := range rooms3 {
		require.LessOrEqual(t, len(h.c.Members(room.ID)), room.Capacity)
	}
}

func TestJoinSpacing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5, Options{BatchSize: 5, MinSpacing: 2 * time.Second},
		rooms.Room{ID: 1, Capacity: 5})

	_, err := h.c.RunCycle(context.Background())
	require.NoError(t, err)

	calls := h.join.Calls()
	require.Len(t, calls, 5)
	for i := 1; i < len(calls); i++ {
		require.GreaterOrEqual(t, calls[i].at.Sub(calls[i-1].at), 2*time.Second)
	}
}

func TestSpacingCountsPacing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, Options{BatchSize: 3, MinSpacing: 2 * time.Second, PacingDelay: 5 * time.Second},
		rooms.Room{ID: 1, Capacity: 5})

	_, err := h.c.RunCycle(context.Background())
	require.NoError(t, err)

	// Pacing already exceeds the spacing, so no spacing sleeps are added.
	require.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, h.clock.Sleeps())
}

func TestAuthErrorRequestsRefresh(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2, Options{BatchSize: 2}, rooms.Room{ID: 1, Capacity: 6})
	h.join.respond = func(token string, _ int64) error {
		if token == "tok-bot2@example.com" {
			return fmt.Errorf("join: %w", api.ErrAuth)
		}
		return nil
	}

	_, err := h.c.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"bot1@example.com"}, h.c.Members(1))
	require.Equal(t, []string{"bot2@example.com"}, h.sess.refreshes)
}

func TestJoinUsesTokenRefreshedMidBatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2, Options{BatchSize: 2, PacingDelay: time.Second}, rooms.Room{ID: 1, Capacity: 6})
	var first atomic.Bool
	h.join.respond = func(string, int64) error {
		if first.CompareAndSwap(false, true) {
			h.sess.rotate("tok2-")
		}
		return nil
	}

	_, err := h.c.RunCycle(context.Background())
	require.NoError(t, err)

	calls := h.join.Calls()
	require.Len(t, calls, 2)
	require.True(t, strings.HasPrefix(calls[0].token, "tok-"))
	require.True(t, strings.HasPrefix(calls[1].token, "tok2-"))

	h.sub.mu.Lock()
	defer h.sub.mu.Unlock()
	require.True(t, strings.HasPrefix(h.sub.tokens[1], "tok2-"))
}

func TestJoinSkipsAgentWhoseTokenLapsed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2, Options{BatchSize: 2}, rooms.Room{ID: 1, Capacity: 6})
	h.sess.expire("bot2@example.com")

	_, err := h.c.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"bot1@example.com"}, h.c.Members(1))
	require.Len(t, h.join.Calls(), 1)
}

func TestTransientJoinFailureRetriesNextCycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, Options{BatchSize: 1}, rooms.Room{ID: 1, Capacity: 6})
	var failed atomic.Bool
	h.join.respond = func(string, int64) error {
		if failed.CompareAndSwap(false, true) {
			return fmt.Errorf("join: %w", api.ErrTransient)
		}
		return nil
	}

	_, err := h.c.RunCycle(context.Background())
	require.NoError(t, err)
	require.Empty(t, h.c.Members(1))

	_, err = h.c.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"bot1@example.com"}, h.c.Members(1))
	require.Equal(t, []int64{1}, h.c.RoomsOf("bot1@example.com"))
}

func TestListAuthErrorRequestsRefresh(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2, Options{BatchSize: 2})
	h.dir.err = fmt.Errorf("list: %w", api.ErrAuth)

	ran, err := h.c.RunCycle(context.Background())
	require.True(t, ran)
	require.ErrorIs(t, err, api.ErrAuth)
	require.Equal(t, []string{"bot1@example.com"}, h.sess.refreshes)
}

func TestNoValidToken(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0, Options{BatchSize: 2}, rooms.Room{ID: 1, Capacity: 6})
	_, err := h.c.RunCycle(context.Background())
	require.ErrorIs(t, err, ErrNoValidToken)
}

func TestRoomAgeGate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2, Options{BatchSize: 2, MinRoomAge: 10 * time.Minute},
		rooms.Room{ID: 1, Capacity: 6, CreatedAt: t0.Add(-time.Minute)},
		rooms.Room{ID: 2, Capacity: 6, CreatedAt: t0.Add(-time.Hour)},
		rooms.Room{ID: 3, Capacity: 6})

	_, err := h.c.RunCycle(context.Background())
	require.NoError(t, err)
	require.Empty(t, h.c.Members(1))
	require.Len(t, h.c.Members(2), 2)
	require.Len(t, h.c.Members(3), 2)
}

func TestOverlappingCycleIsNoop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, Options{BatchSize: 3}, rooms.Room{ID: 1, Capacity: 6})
	entered := make(chan struct{}, 3)
	release := make(chan struct{})
	var inFlight, maxInFlight atomic.Int32
	h.join.respond = func(string, int64) error {
		n := inFlight.Add(1)
		if n > maxInFlight.Load() {
			maxInFlight.Store(n)
		}
		entered <- struct{}{}
		<-release
		inFlight.Add(-1)
		return nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.c.RunCycle(context.Background())
		done <- err
	}()
	<-entered
	require.True(t, h.c.Running())

	ran, err := h.c.RunCycle(context.Background())
	require.NoError(t, err)
	require.False(t, ran)

	close(release)
	require.NoError(t, <-done)
	require.False(t, h.c.Running())
	require.Len(t, h.join.Calls(), 3)
	require.Equal(t, int32(1), maxInFlight.Load())
}

func TestCanceledContextStopsBatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4, Options{BatchSize: 4}, rooms.Room{ID: 1, Capacity: 6})
	ctx, cancel := context.WithCancel(context.Background())
	h.join.respond = func(string, int64) error {
		cancel()
		return context.Canceled
	}

	_, err := h.c.RunCycle(ctx)
	require.NoError(t, err)
	require.Len(t, h.join.Calls(), 1)
	require.Empty(t, h.c.Members(1))
}
